// Package logging builds the go-kit logger shared by every fieldflow binary.
package logging

import (
	"io"
	"os"
	"strings"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// New returns a leveled logger writing to stderr.
func New(format, lvl string) kitlog.Logger {
	return NewWithWriter(os.Stderr, format, lvl)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, format, lvl string) kitlog.Logger {
	w = kitlog.NewSyncWriter(w)
	var logger kitlog.Logger
	if strings.EqualFold(format, "json") {
		logger = kitlog.NewJSONLogger(w)
	} else {
		logger = kitlog.NewLogfmtLogger(w)
	}
	logger = level.NewFilter(logger, allow(lvl))
	return kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.DefaultCaller)
}

func allow(lvl string) level.Option {
	switch strings.ToLower(lvl) {
	case "debug":
		return level.AllowDebug()
	case "warn", "warning":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	case "none", "off":
		return level.AllowNone()
	default:
		return level.AllowInfo()
	}
}
