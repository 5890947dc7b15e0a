package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerFactory provides centralized logger creation for the service.
type LoggerFactory struct {
	config     *LogConfig
	rootLogger *zap.Logger
	loggers    map[string]*zap.Logger
	loggersMu  sync.RWMutex
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Output settings
	OutputPath string `mapstructure:"output_path"`

	// Log level
	Level string `mapstructure:"level"`

	// Format settings
	Encoding    string `mapstructure:"encoding"` // json or console
	Development bool   `mapstructure:"development"`

	// Rotation settings
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`

	// Performance settings
	DisableCaller     bool `mapstructure:"disable_caller"`
	DisableStacktrace bool `mapstructure:"disable_stacktrace"`
}

// NewLoggerFactory creates a new logger factory
func NewLoggerFactory(config *LogConfig) (*LoggerFactory, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	if config.OutputPath != "" && config.OutputPath != "stdout" {
		logDir := filepath.Dir(config.OutputPath)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	core, err := buildCore(config)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger core: %w", err)
	}

	rootLogger := zap.New(core, buildOptions(config)...)

	factory := &LoggerFactory{
		config:     config,
		rootLogger: rootLogger,
		loggers:    make(map[string]*zap.Logger),
	}

	zap.ReplaceGlobals(rootLogger)

	return factory, nil
}

// GetLogger returns a named logger for the specified module
func (f *LoggerFactory) GetLogger(module string) *zap.Logger {
	f.loggersMu.RLock()
	if logger, exists := f.loggers[module]; exists {
		f.loggersMu.RUnlock()
		return logger
	}
	f.loggersMu.RUnlock()

	f.loggersMu.Lock()
	defer f.loggersMu.Unlock()

	// Double-check after acquiring write lock
	if logger, exists := f.loggers[module]; exists {
		return logger
	}

	logger := f.rootLogger.Named(module)
	f.loggers[module] = logger
	return logger
}

// Sync flushes all loggers
func (f *LoggerFactory) Sync() error {
	var firstErr error

	if err := f.rootLogger.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}

	f.loggersMu.RLock()
	defer f.loggersMu.RUnlock()

	for _, logger := range f.loggers {
		if err := logger.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func buildEncoderConfig(config *LogConfig) zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if config.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if config.DisableCaller {
		encoderConfig.CallerKey = zapcore.OmitKey
	}

	if config.DisableStacktrace {
		encoderConfig.StacktraceKey = zapcore.OmitKey
	}

	return encoderConfig
}

func buildCore(config *LogConfig) (zapcore.Core, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := buildEncoderConfig(config)

	var encoder zapcore.Encoder
	if config.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	writers := []zapcore.WriteSyncer{}

	// File output with rotation
	if config.OutputPath != "" && config.OutputPath != "stdout" {
		fileWriter := &lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		}
		writers = append(writers, zapcore.AddSync(fileWriter))
	}

	if config.OutputPath == "stdout" || config.Development {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}

	if len(writers) == 0 {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}

	writer := zapcore.NewMultiWriteSyncer(writers...)

	return zapcore.NewCore(encoder, writer, level), nil
}

func buildOptions(config *LogConfig) []zap.Option {
	options := []zap.Option{}

	if !config.DisableCaller {
		options = append(options, zap.AddCaller())
	}

	if !config.DisableStacktrace {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	if config.Development {
		options = append(options, zap.Development())
	}

	return options
}

// DefaultLogConfig returns default logging configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		OutputPath:        "stdout",
		Level:             "info",
		Encoding:          "json",
		Development:       false,
		MaxSizeMB:         100,
		MaxBackups:        7,
		MaxAgeDays:        30,
		Compress:          true,
		DisableCaller:     false,
		DisableStacktrace: false,
	}
}

// WithComponent adds component context
func WithComponent(logger *zap.Logger, component string) *zap.Logger {
	return logger.With(zap.String("component", component))
}

// WithIdentity adds the admission subject to log context
func WithIdentity(logger *zap.Logger, identity string) *zap.Logger {
	return logger.With(zap.String("identity", identity))
}
