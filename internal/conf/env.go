// env.go - environment variable bindings and validation
package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "PLATEVISION_DEBUG", validateEnvBool},
		{"main.log.defaultlevel", "PLATEVISION_LOG_LEVEL", validateEnvLogLevel},

		{"server.listen", "PLATEVISION_SERVER_LISTEN", nil},
		{"server.uploaddir", "PLATEVISION_SERVER_UPLOADDIR", nil},
		{"server.stagingttl", "PLATEVISION_SERVER_STAGINGTTL", validateEnvDuration},
		{"server.modelversion", "PLATEVISION_SERVER_MODELVERSION", nil},
		{"server.confidencethreshold", "PLATEVISION_SERVER_CONFIDENCETHRESHOLD", validateEnvUnitFloat},

		{"database.type", "PLATEVISION_DATABASE_TYPE", validateEnvDatabaseType},
		{"database.sqlite.path", "PLATEVISION_DATABASE_SQLITE_PATH", nil},
		{"database.mysql.host", "PLATEVISION_DATABASE_MYSQL_HOST", nil},
		{"database.mysql.port", "PLATEVISION_DATABASE_MYSQL_PORT", validateEnvPort},
		{"database.mysql.username", "PLATEVISION_DATABASE_MYSQL_USERNAME", nil},
		{"database.mysql.password", "PLATEVISION_DATABASE_MYSQL_PASSWORD", nil},
		{"database.mysql.database", "PLATEVISION_DATABASE_MYSQL_DATABASE", nil},

		{"worker.classifierurl", "PLATEVISION_WORKER_CLASSIFIERURL", validateEnvURL},
		{"worker.workers", "PLATEVISION_WORKER_WORKERS", validateEnvPositiveInt},

		{"client.serverurl", "PLATEVISION_CLIENT_SERVERURL", validateEnvURL},
		{"client.polldeadline", "PLATEVISION_CLIENT_POLLDEADLINE", validateEnvDuration},

		{"capture.deviceurl", "PLATEVISION_CAPTURE_DEVICEURL", validateEnvURL},

		{"mqtt.enabled", "PLATEVISION_MQTT_ENABLED", validateEnvBool},
		{"mqtt.broker", "PLATEVISION_MQTT_BROKER", validateEnvURL},
		{"mqtt.username", "PLATEVISION_MQTT_USERNAME", nil},
		{"mqtt.password", "PLATEVISION_MQTT_PASSWORD", nil},

		{"main.telemetry.dsn", "PLATEVISION_SENTRY_DSN", nil},
	}
}

// bindEnvVars binds every PLATEVISION_* variable and validates the ones that are set.
func bindEnvVars() error {
	var problems []string

	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			problems = append(problems, fmt.Sprintf("failed to bind %s: %v", binding.EnvVar, err))
			continue
		}
		if binding.Validate == nil {
			continue
		}
		if value := os.Getenv(binding.EnvVar); value != "" {
			if err := binding.Validate(value); err != nil {
				problems = append(problems, fmt.Sprintf("invalid %s value %q: %v", binding.EnvVar, value, err))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true or false")
	}
	return nil
}

func validateEnvLogLevel(value string) error {
	switch strings.ToLower(value) {
	case "trace", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("must be one of trace, debug, info, warn, error")
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateEnvUnitFloat(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	if f < 0 || f > 1 {
		return fmt.Errorf("must be between 0 and 1")
	}
	return nil
}

func validateEnvDatabaseType(value string) error {
	switch value {
	case DatabaseSQLite, DatabaseMySQL:
		return nil
	}
	return fmt.Errorf("must be %s or %s", DatabaseSQLite, DatabaseMySQL)
}

func validateEnvPort(value string) error {
	port, err := strconv.Atoi(value)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("must be a port number between 1 and 65535")
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must be an absolute URL")
	}
	return nil
}
