package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global logger instance
	Logger *zap.SugaredLogger
	// Flag to track if JSON output is enabled
	JSONOutput bool
)

func init() {
	// Safe no-op logger until Initialize is called
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger based on the JSON output preference.
// The level comes from DOCE_LOG_LEVEL (debug, info, warn, error) and defaults to info.
func Initialize(jsonOutput bool) error {
	JSONOutput = jsonOutput
	level := levelFromEnv()

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		// JSON structured output for machine consumption
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(level)
		zapLogger, err = config.Build()
	} else {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		encoderConfig.CallerKey = ""
		zapLogger = zap.New(
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encoderConfig),
				zapcore.AddSync(os.Stdout),
				level,
			),
		)
	}

	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

func levelFromEnv() zapcore.Level {
	switch strings.ToLower(os.Getenv("DOCE_LOG_LEVEL")) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}
