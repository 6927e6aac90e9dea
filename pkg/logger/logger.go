// Package logger configures process-wide logging and adapts logrus to the
// echo server's logger interface.
package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level: "info",
		Color: true,
	}
}

// Config is the logging configuration.
type Config struct {
	Level string `json:"level"`
	Color bool   `json:"color"`
}

// Validate checks the configured level parses.
func (c Config) Validate() error {
	_, err := logrus.ParseLevel(c.Level)
	return err
}

// SetLogrus applies the configuration to the global logrus logger.
func SetLogrus(c Config) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		panic(fmt.Sprintf("invalid log level: %s", c.Level))
	}

	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   true,
		DisableColors: !c.Color,
	})
}

// Context is a set of fields attached to a unit of work so related log lines
// can be correlated across components.
type Context logrus.Fields

// Fields converts the context for use with logrus.WithFields.
func (c Context) Fields() logrus.Fields {
	return logrus.Fields(c)
}
