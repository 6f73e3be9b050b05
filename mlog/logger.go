package mlog

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// Level, See also zapcore.ParseLevel. Default is info.
	Level string `yaml:"level"`

	// File that logger will be written into. Default is stderr.
	File string `yaml:"file"`

	// MaxSize is the size in bytes at which File is rotated to File.old.
	// Zero disables rotation.
	MaxSize int64 `yaml:"max_size"`

	// Production enables json output.
	Production bool `yaml:"production"`
}

var (
	stderr = zapcore.Lock(os.Stderr)
	l      = zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderConfig()), stderr, zap.InfoLevel))
)

// NewLogger builds a logger from lc. If lc.File is set, the returned
// RotateFile is the file the logger writes to. The caller owns it and
// should Close it after the logger is no longer used. Otherwise it is nil.
func NewLogger(lc *LogConfig) (*zap.Logger, *RotateFile, error) {
	lvl, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}

	var out zapcore.WriteSyncer = stderr
	var rf *RotateFile
	if len(lc.File) > 0 {
		rf, err = OpenRotateFile(lc.File)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = rf
	}

	var encoder zapcore.Encoder
	if lc.Production {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encoder = zapcore.NewConsoleEncoder(consoleEncoderConfig())
	}
	return zap.New(zapcore.NewCore(encoder, out, lvl)), rf, nil
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	c := zap.NewDevelopmentEncoderConfig()
	c.EncodeTime = zapcore.ISO8601TimeEncoder
	return c
}

// L is a global logger.
func L() *zap.Logger {
	return l
}
