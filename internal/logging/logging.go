package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level  string
	Format string
	// File enables size based rotation through lumberjack when set.
	File string
}

func NewLogger(opts Options) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	var encoder zapcore.Encoder
	switch opts.Format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console":
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(writer(opts.File)), level)
	return zap.New(core, zap.AddCaller()), nil
}

func writer(file string) io.Writer {
	if file == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   file,
		MaxSize:    10,
		MaxBackups: 10,
		MaxAge:     7,
		Compress:   true,
	}
}
