package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

// Init configures Log from LOG_LEVEL and LOG_FORMAT ("json" or "text").
func Init() {
	Log = New(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// InitCLI is Init for interactive commands: logs go to stderr so table output
// on stdout stays clean, and the default format is text.
func InitCLI(verbose bool) {
	format := os.Getenv("LOG_FORMAT")
	if format == "" {
		format = "text"
	}
	level := os.Getenv("LOG_LEVEL")
	if verbose {
		level = "debug"
	}
	Log = New(os.Stderr, level, format)
}

func New(w io.Writer, level, format string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	if strings.EqualFold(format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	l.SetLevel(logLevel)
	return l
}

// Entry returns a base entry on Log, or on the logrus standard logger when
// Init has not run (tests, library callers).
func Entry() *logrus.Entry {
	if Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return logrus.NewEntry(Log)
}

func WithField(key string, value interface{}) *logrus.Entry {
	return Entry().WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return Entry().WithFields(fields)
}
