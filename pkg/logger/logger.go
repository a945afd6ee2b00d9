// Package logger builds the process-wide structured logger. Grounded on
// billy-rubin-Socks-proxy/pkg/logger/logger.go's constructor shape, using
// github.com/rs/zerolog (as Patrick-DE-proxyblob and lekliu-liuproxy_go do)
// rather than the standard library's log/slog.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds a console-friendly logger writing to stdout with
// second-precision RFC 3339 timestamps, at debug level.
func Setup() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(zerolog.DebugLevel).With().Timestamp().Logger()
}
