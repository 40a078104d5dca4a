package authcore

import (
	"io"

	"github.com/serplantas/authcore/internal/audit"
	"go.uber.org/zap"
)

// AuditEvent is one security event. It never carries passwords, TOTP
// secrets or codes, or token material.
type AuditEvent = audit.Event

// AuditSink receives audit events from the engine's dispatcher goroutine.
type AuditSink = audit.Sink

// NoOpSink discards events.
type NoOpSink = audit.NoOpSink

func NewChannelSink(buffer int) *audit.ChannelSink {
	return audit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *audit.JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

// NewZapSink logs audit events through logger: Info on success, Warn otherwise.
func NewZapSink(logger *zap.Logger) *audit.ZapSink {
	return audit.NewZapSink(logger)
}

// MultiSink delivers to each sink in order.
func MultiSink(sinks ...AuditSink) AuditSink {
	return audit.MultiSink(sinks)
}
