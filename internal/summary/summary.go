// Package summary defines the engine's port to the content generator.
//
// The generator itself (turning a lookback window of journal activity into
// prose) lives outside this engine. The engine only needs: give me a payload
// for this owner, window and scope — or an error I can pin to the delivery
// record.
package summary

import (
	"context"
	"fmt"
	"time"
)

// Payload is a generated summary ready for the delivery transport.
type Payload struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Summarizer produces a summary payload for the given owner and window.
// Implementations may block (network calls); honor ctx.
type Summarizer interface {
	Summarize(ctx context.Context, ownerID string, windowStart, windowEnd time.Time, scope string) (Payload, error)
}

// Func adapts a plain function to the Summarizer interface.
type Func func(ctx context.Context, ownerID string, windowStart, windowEnd time.Time, scope string) (Payload, error)

func (f Func) Summarize(ctx context.Context, ownerID string, windowStart, windowEnd time.Time, scope string) (Payload, error) {
	return f(ctx, ownerID, windowStart, windowEnd, scope)
}

// Text is a minimal generator that renders the window bounds as plain text.
// It keeps recapd functional standalone; real deployments inject the actual
// content generator.
type Text struct{}

func (Text) Summarize(_ context.Context, ownerID string, windowStart, windowEnd time.Time, scope string) (Payload, error) {
	subject := fmt.Sprintf("Your recap for %s – %s",
		windowStart.Format("Jan 2"), windowEnd.Format("Jan 2, 2006"))
	body := fmt.Sprintf("Summary window: %s to %s\nOwner: %s\n",
		windowStart.Format(time.RFC3339), windowEnd.Format(time.RFC3339), ownerID)
	if scope != "" {
		body += fmt.Sprintf("Scope: %s\n", scope)
	}
	return Payload{Subject: subject, Body: body}, nil
}
