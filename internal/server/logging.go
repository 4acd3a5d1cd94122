// Package server builds the logrus logger shared by every component and the
// gin middleware that routes HTTP request logs and panics through it.
package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// NewLogger creates a logrus logger at the given level. An unknown level
// falls back to info.
func NewLogger(level string, json bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if json {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithError(err).Warnf("Unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func ginLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		method := ctx.Request.Method
		path := ctx.Request.URL.Path
		statusCode := ctx.Writer.Status()
		elapsed := time.Since(start)

		entry := logger.WithFields(logrus.Fields{
			"component":  "http",
			"method":     method,
			"path":       path,
			"statusCode": statusCode,
			"elapsed":    elapsed.Milliseconds(),
		})
		if len(ctx.Errors) > 0 {
			entry = entry.WithError(errors.New(strings.Join(ctx.Errors.Errors(), "; ")))
		}

		msg := fmt.Sprintf("%v %v %v (%s)", method, path, statusCode, elapsed)
		switch {
		case statusCode >= 500:
			entry.Error(msg)
		case statusCode >= 400:
			entry.Warning(msg)
		default:
			entry.Debug(msg)
		}
	}
}

func ginRecovery(logger *logrus.Logger) gin.HandlerFunc {
	return gin.RecoveryWithWriter(&logrusRecoveryWriter{logger})
}

type logrusRecoveryWriter struct {
	logger *logrus.Logger
}

func (w *logrusRecoveryWriter) Write(p []byte) (int, error) {
	w.logger.WithFields(logrus.Fields{
		"component": "http",
		"action":    "recovery",
	}).Error(string(p))
	return len(p), nil
}
