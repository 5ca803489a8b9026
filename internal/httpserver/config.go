package httpserver

import (
	"errors"
	"time"
)

// Config carries the HTTP surface settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	// JWTSigningKey verifies the HS256 bearer tokens minted by the
	// account frontend.
	JWTSigningKey string
	JWTIssuer     string
	HistoryLimit  int
	ShutdownGrace time.Duration
}

// Validate rejects configurations the server cannot start with.
func (config Config) Validate() error {
	if config.ListenAddr == "" {
		return errors.New("httpserver: listen address is required")
	}
	if config.JWTSigningKey == "" {
		return errors.New("httpserver: jwt signing key is required")
	}
	return nil
}

func (config Config) withDefaults() Config {
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 50
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 5 * time.Second
	}
	return config
}
