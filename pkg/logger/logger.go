package logger

import (
	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
)

// Logger is re-exported from eigensdk-go so callers can take a logger without
// importing sdklogging themselves.
type Logger = sdklogging.Logger

// New builds the zap backed logger used across the node. env is the same
// value the config file carries ("development" or "production").
func New(env sdklogging.LogLevel) (Logger, error) {
	return sdklogging.NewZapLogger(env)
}
