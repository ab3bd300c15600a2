// Package events writes the free-form run log: every entry is persisted to
// the bounded log collection and mirrored to the process logger.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nightshift/internal/domain"
)

// Sink persists log entries.
type Sink interface {
	RecordLog(ctx context.Context, e domain.LogEntry) error
}

type Writer struct {
	Sink   Sink
	Logger *zap.Logger
	Now    func() time.Time
}

type Details map[string]any

// Append records one entry. A persistence failure is reported to the process
// logger and returned.
func (w Writer) Append(ctx context.Context, typ, message string, details Details) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	entry := domain.LogEntry{
		ID:        uuid.NewString(),
		Timestamp: w.Now().UTC(),
		Type:      typ,
		Message:   message,
		Details:   details,
	}
	w.mirror(entry)
	if w.Sink == nil {
		return nil
	}
	if err := w.Sink.RecordLog(ctx, entry); err != nil {
		w.logger().Error("persist log entry", zap.String("message", message), zap.Error(err))
		return err
	}
	return nil
}

func (w Writer) logger() *zap.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return zap.NewNop()
}

func (w Writer) mirror(e domain.LogEntry) {
	fields := make([]zap.Field, 0, len(e.Details)+1)
	fields = append(fields, zap.String("type", e.Type))
	for k, v := range e.Details {
		fields = append(fields, zap.Any(k, v))
	}
	log := w.logger()
	switch e.Type {
	case domain.LogError:
		log.Error(e.Message, fields...)
	case domain.LogWarning:
		log.Warn(e.Message, fields...)
	default:
		log.Info(e.Message, fields...)
	}
}
