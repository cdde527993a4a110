package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	permission = 0664
)

// LogBuild builds a zerolog-backed Logger writing to a buffer or a file.
type LogBuild struct {
	writer io.Writer
	path   string
	level  zerolog.Level
}

// LogData is the result of LogBuild.Make. Close it to release the log file.
type LogData struct {
	LogFile *os.File
	Logger  Logger
}

// FromBuild starts a LogBuild writing to stdout at debug level.
func FromBuild() *LogBuild {
	return &LogBuild{writer: os.Stdout, level: zerolog.DebugLevel}
}

func (build *LogBuild) FromPath(path string) *LogBuild {
	build.path = path
	return build
}

func (build *LogBuild) FromBuffer(w io.Writer) *LogBuild {
	build.writer = w
	return build
}

func (build *LogBuild) WithLevel(level zerolog.Level) *LogBuild {
	build.level = level
	return build
}

func (build *LogBuild) Make() (*LogData, error) {
	logData := new(LogData)
	writer := build.writer
	if build.path != "" {
		f, err := os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logData.LogFile = f
		writer = zerolog.SyncWriter(f)
	}
	zl := zerolog.New(writer).Level(build.level).With().Timestamp().Logger()
	logData.Logger = NewZerolog(zl)
	return logData, nil
}

// Close closes the underlying log file, if any.
func (d *LogData) Close() error {
	if d.LogFile == nil {
		return nil
	}
	return d.LogFile.Close()
}

// ZerologLogger adapts a zerolog.Logger to Logger.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerolog wraps zl.
func NewZerolog(zl zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: zl}
}

func (z *ZerologLogger) Error(msg string, args ...any) {
	z.logger.Error().Fields(args).Msg(msg)
}

func (z *ZerologLogger) Warn(msg string, args ...any) {
	z.logger.Warn().Fields(args).Msg(msg)
}

func (z *ZerologLogger) Info(msg string, args ...any) {
	z.logger.Info().Fields(args).Msg(msg)
}

func (z *ZerologLogger) Debug(msg string, args ...any) {
	z.logger.Debug().Fields(args).Msg(msg)
}
