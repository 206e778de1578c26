// Package logging configures the process-wide go-logging backend. Packages
// declare their own logger with logging.MustGetLogger("<name>").
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/op/go-logging"
)

const format = `%{time:2006-01-02 15:04:05.000} %{level:.4s} %{module:-10s} %{message}`

// Init installs a leveled stdout backend. level is one of DEBUG, INFO,
// NOTICE, WARNING, ERROR, CRITICAL (case-insensitive).
func Init(level string) error {
	return InitWriter(os.Stdout, level)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level string) error {
	lvl, err := logging.LogLevel(strings.ToUpper(strings.TrimSpace(level)))
	if err != nil {
		return err
	}

	backend := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(format))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
	return nil
}
