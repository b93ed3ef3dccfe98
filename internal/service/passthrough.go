package service

import (
	"context"
	"fmt"

	"go-relay/internal/observability"
	"go-relay/pkg/models"
)

// Responder answers every message once and commits. This is the plain
// request/reply scenario, with no redelivery games.
type Responder struct {
	sender  Sender
	replyTo string
	metrics observability.MetricsCollector
}

func NewResponder(sender Sender, replyTo string, metrics observability.MetricsCollector) *Responder {
	if metrics == nil {
		metrics = observability.NopMetrics{}
	}
	return &Responder{sender: sender, replyTo: replyTo, metrics: metrics}
}

func (r *Responder) Handle(ctx context.Context, msg *models.Message) (Decision, error) {
	if !msg.IsText() {
		r.metrics.IncMalformed()
		observability.WithFields(observability.MessageFields(msg)).Warn("Unexpected message type, acknowledging without reply")
		return Decision{Outcome: models.Commit}, nil
	}

	reply := &models.Message{
		Type:     models.TypeText,
		Body:     []byte(ReplyPrefix + msg.Text()),
		Priority: models.DefaultPriority,
	}
	if id, ok := msg.Headers[models.HeaderID]; ok {
		reply.SetHeader(models.HeaderReplyID, id)
	}
	if err := r.sender.Send(ctx, r.replyTo, reply); err != nil {
		return Decision{Outcome: models.ForceRedeliver}, &TransportError{Destination: r.replyTo, Err: err}
	}
	r.metrics.IncReplied()
	return Decision{Outcome: models.Commit, Replied: true}, nil
}

// Forwarder relays each message unchanged to the next destination.
type Forwarder struct {
	sender Sender
	next   string
}

func NewForwarder(sender Sender, next string) (*Forwarder, error) {
	if next == "" {
		return nil, fmt.Errorf("forwarder: next destination is required")
	}
	return &Forwarder{sender: sender, next: next}, nil
}

func (f *Forwarder) Handle(ctx context.Context, msg *models.Message) (Decision, error) {
	out := &models.Message{
		Type:     msg.Type,
		Body:     msg.Body,
		Headers:  msg.Headers,
		Priority: msg.Priority,
	}
	out = out.Clone()
	if err := f.sender.Send(ctx, f.next, out); err != nil {
		return Decision{Outcome: models.ForceRedeliver}, &TransportError{Destination: f.next, Err: err}
	}
	return Decision{Outcome: models.Commit}, nil
}
