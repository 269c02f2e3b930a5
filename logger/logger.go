package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

// Init configures the package-level logger. Unknown levels fall back
// to info rather than failing startup.
func Init(level string) {
	log = logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
}

func ensure() *logrus.Logger {
	if log == nil {
		Init("info")
	}
	return log
}

func Debug(args ...interface{}) { ensure().Debug(args...) }
func Info(args ...interface{})  { ensure().Info(args...) }
func Warn(args ...interface{})  { ensure().Warn(args...) }
func Error(args ...interface{}) { ensure().Error(args...) }
func Fatal(args ...interface{}) { ensure().Fatal(args...) }

func Debugf(format string, args ...interface{}) { ensure().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { ensure().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { ensure().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { ensure().Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { ensure().Fatalf(format, args...) }
