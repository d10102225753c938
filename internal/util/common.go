package util

import "github.com/sirupsen/logrus"

// ContinueOrFatal stops the process on startup errors.
func ContinueOrFatal(err error) {
	if err != nil {
		logrus.WithError(err).Fatal("unrecoverable startup error")
	}
}

// WarnOnError logs err with msg and reports whether err was nil.
func WarnOnError(err error, msg string) bool {
	if err == nil {
		return true
	}

	logrus.WithError(err).Warn(msg)
	return false
}
