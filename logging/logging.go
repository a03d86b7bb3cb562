package logging

import (
	"strings"

	"github.com/tryfix/log"
)

var levels = map[string]log.Level{
	"FATAL": log.FATAL,
	"ERROR": log.ERROR,
	"WARN":  log.WARN,
	"INFO":  log.INFO,
	"DEBUG": log.DEBUG,
	"TRACE": log.TRACE,
}

// New builds the logger shared by every component. Unknown levels fall back to INFO.
func New(level string) log.Logger {
	lvl, ok := levels[strings.ToUpper(level)]
	if !ok {
		lvl = log.INFO
	}

	return log.Constructor.Log(
		log.WithColors(false),
		log.WithLevel(lvl),
		log.WithFilePath(true),
	)
}
