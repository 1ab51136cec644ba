package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

func Init() {
	Log = logrus.New()
	Log.SetOutput(os.Stdout)
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	Log.SetLevel(logLevel)
}

func WithField(key string, value interface{}) *logrus.Entry {
	return base().WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return base().WithFields(fields)
}

// Component returns an entry tagged with the component name. Before Init it
// logs through logrus' standard logger.
func Component(name string) *logrus.Entry {
	return base().WithField("component", name)
}

func base() *logrus.Logger {
	if Log == nil {
		return logrus.StandardLogger()
	}
	return Log
}
