package logginglevel

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level controls the logging level of the process-wide logger
// and can be adjusted at runtime (e.g. by the --debug flag).
var Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
