package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var root = New(os.Stdout, logrus.InfoLevel)

// Root returns the process wide fallback logger. Components should prefer the
// logger they are constructed with.
func Root() Logger {
	return root
}

func Debugf(format string, args ...interface{}) {
	root.Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	root.Infof(format, args...)
}

func Warningf(format string, args ...interface{}) {
	root.Warningf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	root.Errorf(format, args...)
}
