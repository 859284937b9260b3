// Package conf loads PlateVision settings from config.yaml, defaults and
// PLATEVISION_* environment variables through viper.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/logger"
)

// Settings is the complete runtime configuration.
type Settings struct {
	Debug bool

	// Runtime values, not stored in config file
	Version    string `yaml:"-" mapstructure:"-"`
	ConfigFile string `yaml:"-" mapstructure:"-"`

	Main struct {
		Name      string               // instance name, used as MQTT client id prefix and Sentry environment
		Log       logger.LoggingConfig // logging configuration
		Telemetry TelemetrySettings    // error reporting
	}

	Server   ServerSettings
	Database DatabaseSettings
	Worker   WorkerSettings
	Client   ClientSettings
	Capture  CaptureSettings
	MQTT     MQTTSettings
	Notify   NotifySettings
	Metrics  MetricsSettings
}

// TelemetrySettings controls Sentry error reporting.
type TelemetrySettings struct {
	Enabled bool
	DSN     string
}

// ServerSettings configures the HTTP API process.
type ServerSettings struct {
	Listen              string        // address for the HTTP API, e.g. ":8080"
	UploadDir           string        // directory for uploaded and staged images
	StagingTTL          time.Duration // how long a staged path token stays valid
	MaxUploadSize       int64         // bytes
	ModelVersion        string        // recorded on every run
	ConfidenceThreshold float64       // forwarded to the classifier
	ShutdownTimeout     time.Duration
}

// DatabaseSettings selects and configures the aggregation store.
type DatabaseSettings struct {
	Type               string // sqlite or mysql
	SlowQueryThreshold time.Duration
	SQLite             SQLiteSettings
	MySQL              MySQLSettings
}

// SQLiteSettings configures the SQLite store.
type SQLiteSettings struct {
	Path string
}

// MySQLSettings configures the MySQL store.
type MySQLSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
}

// WorkerSettings configures the inference dispatch queue.
type WorkerSettings struct {
	QueueSize         int
	Workers           int
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
	ClassifierURL     string
	ClassifierTimeout time.Duration
	ExecutionTimeout  time.Duration // bound on one dispatch attempt, 0 keeps the queue default
	RateLimit         float64 // classifier requests per second, 0 disables pacing
	Burst             int
	TargetClass       string // well class counted into the distribution
}

// ClientSettings configures the submission client and the adaptive poller.
type ClientSettings struct {
	ServerURL          string
	RequestTimeout     time.Duration
	PollInitial        time.Duration
	PollMax            time.Duration
	PollDeadline       time.Duration
	PollGrowth         float64 // added interval per elapsed second, as a fraction of a second
	MaxTransportErrors int
	PushGateway        string // Prometheus Pushgateway URL for client job metrics, empty disables
}

// CaptureSettings configures the capture device source.
type CaptureSettings struct {
	DeviceURL string
	Timeout   time.Duration
	OutputDir string
}

// MQTTSettings configures run event publishing.
type MQTTSettings struct {
	Enabled  bool
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
	Retain   bool
}

// NotifySettings configures operator notifications for run events.
type NotifySettings struct {
	Enabled bool
	URLs    []string // shoutrrr service URLs
	Events  []string // run statuses that trigger a notification
	Timeout time.Duration
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool
	Path    string
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads config.yaml (or configFile when non-empty), applies environment
// overrides and validates the result.
func Load(configFile string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(configFile); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Build()
	}
	settings.ConfigFile = viper.ConfigFileUsed()

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper sets defaults, environment bindings and reads the config file.
// A missing config file is not an error; defaults and environment apply.
func initViper(configFile string) error {
	setDefaultConfig()

	if err := bindEnvVars(); err != nil {
		return err
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		for _, path := range GetDefaultConfigPaths() {
			viper.AddConfigPath(path)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.New(fmt.Errorf("fatal error reading config file: %w", err)).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}

// GetDefaultConfigPaths returns the directories searched for config.yaml, in order.
func GetDefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "platevision"))
	}
	return append(paths, "/etc/platevision")
}

// GetSettings returns the last loaded settings, or nil before Load.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// MySQLDSN renders the go-sql-driver DSN for the configured MySQL server.
func (d *DatabaseSettings) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.MySQL.Username, d.MySQL.Password, d.MySQL.Host, d.MySQL.Port, d.MySQL.Database)
}
