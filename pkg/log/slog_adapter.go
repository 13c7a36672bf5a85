package log

import (
	"context"
	"log/slog"
)

// SlogAdapter mirrors events to an slog.Logger. Accepted audit events log
// at Info; rejections and errors at Warn; frames, messages and state
// changes at Debug.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter uses slog.Default when logger is nil.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAdapter{logger: logger}
}

func (a *SlogAdapter) Log(e Event) {
	level, msg, detail := describeEvent(e)
	attrs := make([]slog.Attr, 0, 6+len(detail))
	attrs = append(attrs,
		slog.String("conn_id", e.ConnectionID),
		slog.String("layer", e.Layer.String()),
		slog.String("category", e.Category.String()))
	attrs = appendNonEmpty(attrs, "user", e.UserID)
	attrs = appendNonEmpty(attrs, "device", e.DeviceID)
	attrs = append(attrs, detail...)
	a.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// describeEvent picks level, message and the payload specific attributes.
func describeEvent(e Event) (slog.Level, string, []slog.Attr) {
	switch {
	case e.Audit != nil:
		level := slog.LevelInfo
		if !e.Audit.Accepted() {
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("op", e.Audit.Op.String()),
			slog.String("status", e.Audit.Status.String()),
		}
		attrs = appendNonEmpty(attrs, "domain", e.Audit.Domain)
		attrs = appendNonEmpty(attrs, "target", e.Audit.Target)
		attrs = appendNonEmpty(attrs, "detail", e.Audit.Detail)
		return level, "audit", attrs

	case e.Error != nil:
		return slog.LevelWarn, "error", []slog.Attr{
			slog.String("error_layer", e.Error.Layer.String()),
			slog.String("error_msg", e.Error.Message),
			slog.String("error_context", e.Error.Context),
		}

	case e.StateChange != nil:
		sc := e.StateChange
		attrs := []slog.Attr{
			slog.String("entity", sc.Entity.String()),
			slog.String("old_state", sc.OldState),
			slog.String("new_state", sc.NewState),
		}
		return slog.LevelDebug, "state", appendNonEmpty(attrs, "reason", sc.Reason)

	case e.Message != nil:
		attrs := []slog.Attr{
			slog.String("direction", e.Direction.String()),
			slog.String("op", e.Message.Op.String()),
			slog.Int("payload_size", e.Message.PayloadSize),
		}
		if pt := e.Message.ProcessingTime; pt != nil {
			attrs = append(attrs, slog.Duration("processing_time", *pt))
		}
		return slog.LevelDebug, "protocol", attrs

	case e.Frame != nil:
		return slog.LevelDebug, "protocol", []slog.Attr{
			slog.String("direction", e.Direction.String()),
			slog.Int("frame_size", e.Frame.Size),
		}
	}
	return slog.LevelDebug, "protocol", nil
}

func appendNonEmpty(attrs []slog.Attr, key, value string) []slog.Attr {
	if value == "" {
		return attrs
	}
	return append(attrs, slog.String(key, value))
}

var _ Logger = (*SlogAdapter)(nil)
