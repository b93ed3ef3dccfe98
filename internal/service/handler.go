package service

import (
	"context"

	"go-relay/pkg/models"
)

// Sender is the only broker capability handlers need.
type Sender interface {
	Send(ctx context.Context, destination string, msg *models.Message) error
}

// Decision is what a handler asks the broker to do with one delivery attempt.
type Decision struct {
	Outcome models.Outcome
	// Replied is false when the handler acknowledged without producing a reply.
	Replied bool
	// PriorityLowered is set when the handler changed msg.Priority for the next attempt.
	PriorityLowered bool
}

// Handler processes one delivery attempt. A non-nil error with a zero
// Decision means no decision was made; transports treat that as a failed attempt.
type Handler interface {
	Handle(ctx context.Context, msg *models.Message) (Decision, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *models.Message) (Decision, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *models.Message) (Decision, error) {
	return f(ctx, msg)
}
