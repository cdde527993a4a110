// Package slog adapts log/slog to the parcelsync logger contract.
package slog

import (
	"log/slog"
)

// SlogHandler forwards key/value log calls to a *slog.Logger.
type SlogHandler struct {
	logger *slog.Logger
}

func New(h slog.Handler) *SlogHandler {
	return &SlogHandler{logger: slog.New(h)}
}

// With returns a handler that adds args to every record.
func (handler *SlogHandler) With(args ...any) *SlogHandler {
	return &SlogHandler{logger: handler.logger.With(args...)}
}

func (handler *SlogHandler) Error(msg string, args ...any) {
	handler.logger.Error(msg, args...)
}

func (handler *SlogHandler) Warn(msg string, args ...any) {
	handler.logger.Warn(msg, args...)
}

func (handler *SlogHandler) Info(msg string, args ...any) {
	handler.logger.Info(msg, args...)
}

func (handler *SlogHandler) Debug(msg string, args ...any) {
	handler.logger.Debug(msg, args...)
}
