// conf/validate.go

package conf

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	DatabaseSQLite = "sqlite"
	DatabaseMySQL  = "mysql"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	for _, check := range []func(*Settings) []string{
		validateServerSettings,
		validateDatabaseSettings,
		validateWorkerSettings,
		validateClientSettings,
		validateMQTTSettings,
		validateNotifySettings,
		validateMetricsSettings,
	} {
		ve.Errors = append(ve.Errors, check(settings)...)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateServerSettings(s *Settings) []string {
	var errs []string
	if s.Server.Listen == "" {
		errs = append(errs, "server.listen must not be empty")
	}
	if s.Server.UploadDir == "" {
		errs = append(errs, "server.uploaddir must not be empty")
	}
	if s.Server.StagingTTL <= 0 {
		errs = append(errs, "server.stagingttl must be positive")
	}
	if s.Server.MaxUploadSize <= 0 {
		errs = append(errs, "server.maxuploadsize must be positive")
	}
	if s.Server.ConfidenceThreshold < 0 || s.Server.ConfidenceThreshold > 1 {
		errs = append(errs, "server.confidencethreshold must be between 0 and 1")
	}
	return errs
}

func validateDatabaseSettings(s *Settings) []string {
	var errs []string
	switch s.Database.Type {
	case DatabaseSQLite:
		if s.Database.SQLite.Path == "" {
			errs = append(errs, "database.sqlite.path must not be empty")
		}
	case DatabaseMySQL:
		if s.Database.MySQL.Host == "" || s.Database.MySQL.Database == "" {
			errs = append(errs, "database.mysql.host and database.mysql.database are required")
		}
		if s.Database.MySQL.Port < 1 || s.Database.MySQL.Port > 65535 {
			errs = append(errs, "database.mysql.port must be between 1 and 65535")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.type must be %s or %s, got %q", DatabaseSQLite, DatabaseMySQL, s.Database.Type))
	}
	return errs
}

func validateWorkerSettings(s *Settings) []string {
	var errs []string
	w := &s.Worker
	if w.QueueSize < 1 {
		errs = append(errs, "worker.queuesize must be at least 1")
	}
	if w.Workers < 1 {
		errs = append(errs, "worker.workers must be at least 1")
	}
	if w.MaxRetries < 0 {
		errs = append(errs, "worker.maxretries must not be negative")
	}
	if w.MaxRetries > 0 && (w.InitialDelay <= 0 || w.MaxDelay < w.InitialDelay || w.Multiplier < 1) {
		errs = append(errs, "worker retry policy needs initialdelay > 0, maxdelay >= initialdelay and multiplier >= 1")
	}
	if !isAbsoluteURL(w.ClassifierURL) {
		errs = append(errs, "worker.classifierurl must be an absolute URL")
	}
	if w.ExecutionTimeout < 0 || (w.ExecutionTimeout > 0 && w.ExecutionTimeout < w.ClassifierTimeout) {
		errs = append(errs, "worker.executiontimeout must not be shorter than worker.classifiertimeout")
	}
	if w.RateLimit < 0 {
		errs = append(errs, "worker.ratelimit must not be negative")
	}
	if strings.TrimSpace(w.TargetClass) == "" {
		errs = append(errs, "worker.targetclass must not be empty")
	}
	return errs
}

func validateClientSettings(s *Settings) []string {
	var errs []string
	c := &s.Client
	if !isAbsoluteURL(c.ServerURL) {
		errs = append(errs, "client.serverurl must be an absolute URL")
	}
	if c.PollInitial <= 0 {
		errs = append(errs, "client.pollinitial must be positive")
	}
	if c.PollMax < c.PollInitial {
		errs = append(errs, "client.pollmax must not be smaller than client.pollinitial")
	}
	if c.PollDeadline <= 0 {
		errs = append(errs, "client.polldeadline must be positive")
	}
	if c.PollGrowth < 0 {
		errs = append(errs, "client.pollgrowth must not be negative")
	}
	if c.MaxTransportErrors < 1 {
		errs = append(errs, "client.maxtransporterrors must be at least 1")
	}
	if c.PushGateway != "" && !isAbsoluteURL(c.PushGateway) {
		errs = append(errs, "client.pushgateway must be an absolute URL")
	}
	return errs
}

func validateMQTTSettings(s *Settings) []string {
	if !s.MQTT.Enabled {
		return nil
	}
	var errs []string
	if s.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required when mqtt is enabled")
	}
	if s.MQTT.Topic == "" {
		errs = append(errs, "mqtt.topic is required when mqtt is enabled")
	}
	if s.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1 or 2")
	}
	return errs
}

func validateNotifySettings(s *Settings) []string {
	if !s.Notify.Enabled {
		return nil
	}
	var errs []string
	if len(s.Notify.URLs) == 0 {
		errs = append(errs, "notify.urls needs at least one URL when notify is enabled")
	}
	for _, e := range s.Notify.Events {
		switch strings.ToLower(strings.TrimSpace(e)) {
		case "pending", "processing", "completed", "failed":
		default:
			errs = append(errs, fmt.Sprintf("notify.events: unknown run status %q", e))
		}
	}
	return errs
}

func validateMetricsSettings(s *Settings) []string {
	if s.Metrics.Enabled && !strings.HasPrefix(s.Metrics.Path, "/") {
		return []string{"metrics.path must start with /"}
	}
	return nil
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}
