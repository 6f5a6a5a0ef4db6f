package gpu

import "github.com/sirupsen/logrus"

// Debug enables verbose logging of device selection and kernel dispatch.
var Debug = false

// Logger receives GPU diagnostics. Replace it to redirect output.
var Logger logrus.FieldLogger = logrus.StandardLogger().WithField("component", "gpu")

// Log writes a debug-level message when Debug is set.
func Log(format string, args ...any) {
	if Debug {
		Logger.Debugf(format, args...)
	}
}
