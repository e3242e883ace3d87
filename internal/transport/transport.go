// Package transport defines the engine's port to the delivery channel
// (email in the hosted product). Sending is out of scope for the engine; it
// only hands a finished payload to whatever implementation is injected.
package transport

import (
	"context"

	"recap/internal/summary"
	logx "recap/pkg/logx"
)

// Transport delivers a summary payload to an owner over a channel.
// Implementations may block (SMTP, provider APIs); honor ctx.
type Transport interface {
	Deliver(ctx context.Context, ownerID, channel string, p summary.Payload) error
}

// Func adapts a plain function to the Transport interface.
type Func func(ctx context.Context, ownerID, channel string, p summary.Payload) error

func (f Func) Deliver(ctx context.Context, ownerID, channel string, p summary.Payload) error {
	return f(ctx, ownerID, channel, p)
}

// Log writes deliveries to the structured log instead of sending them.
// Useful for dry runs and for recapd without a mail provider configured.
type Log struct {
	Logger logx.Logger
}

func (t Log) Deliver(_ context.Context, ownerID, channel string, p summary.Payload) error {
	t.Logger.Info("delivery (log transport)",
		logx.String("owner", ownerID),
		logx.String("channel", channel),
		logx.String("subject", p.Subject),
		logx.Int("body_bytes", len(p.Body)),
	)
	return nil
}
