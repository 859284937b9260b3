// Package runtime holds the process state shared by the CLI commands: build
// metadata, the loaded settings and the central logger.
package runtime

import (
	"github.com/platelab/platevision/internal/conf"
	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/logger"
)

// Context is created by main and filled in by the root command before any
// subcommand runs.
type Context struct {
	// Version holds the Git version tag from build
	Version string

	// BuildDate is the time when the binary was built
	BuildDate string

	// ConfigFile overrides the config.yaml search when set
	ConfigFile string

	Settings *conf.Settings

	central *logger.CentralLogger
	log     logger.Logger
}

// New returns a context for the given build metadata.
func New(version, buildDate string) *Context {
	return &Context{Version: version, BuildDate: buildDate, log: logger.NewDiscard()}
}

// Init loads the settings, starts the central logger and, when enabled,
// error telemetry.
func (c *Context) Init() error {
	settings, err := conf.Load(c.ConfigFile)
	if err != nil {
		return err
	}
	settings.Version = c.Version
	if settings.Debug {
		settings.Main.Log.DefaultLevel = "debug"
		if settings.Main.Log.Console != nil {
			settings.Main.Log.Console.Level = "debug"
		}
	}
	c.Settings = settings

	central, err := logger.NewCentralLogger(&settings.Main.Log)
	if err != nil {
		return errors.New(err).
			Component("runtime").
			Category(errors.CategoryConfiguration).
			Build()
	}
	c.central = central
	c.log = central.Module("main")

	if settings.Main.Telemetry.Enabled {
		if err := errors.InitSentry(settings.Main.Telemetry.DSN, settings.Main.Name, c.Version); err != nil {
			c.log.Warn("error telemetry disabled", logger.Error(err))
		}
	}
	return nil
}

// Logger returns a logger scoped to module.
func (c *Context) Logger(module string) logger.Logger {
	if c.central == nil {
		return c.log.Module(module)
	}
	return c.central.Module(module)
}

// Close flushes and closes the log outputs.
func (c *Context) Close() error {
	if c.central == nil {
		return nil
	}
	return c.central.Close()
}
