package larch

import "github.com/sirupsen/logrus"

// newLogger returns log if non-nil, otherwise the package-wide default.
// Logging is always injected, never reached for as a global, so a
// forest embedded in a larger service can route it through that
// service's own logger.
func newLogger(log *logrus.Logger) *logrus.Logger {
	if log != nil {
		return log
	}
	return logrus.StandardLogger()
}
