package db

import "fmt"

const sslModeDisable = "disable"

// DefaultConfig returns the default database configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:    "localhost",
		Port:    "5432",
		SSLMode: sslModeDisable,
	}
}

// Config holds the connection settings for the durable store.
type Config struct {
	User        string `json:"user"`
	Password    string `json:"password"`
	Host        string `json:"host"`
	Port        string `json:"port"`
	Name        string `json:"name"`
	SSLMode     string `json:"ssl_mode"`
	SSLRootCert string `json:"ssl_root_cert"`
}

// URL renders the config as a postgres connection URL.
func (c Config) URL() string {
	url := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
	if c.SSLRootCert != "" {
		url += "&sslrootcert=" + c.SSLRootCert
	}
	return url
}
