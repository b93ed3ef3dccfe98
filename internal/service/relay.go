package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go-relay/internal/observability"
	"go-relay/pkg/models"

	"github.com/sirupsen/logrus"
)

// ReplyPrefix is prepended to the inbound payload on every reply.
const ReplyPrefix = "REPLIED:"

// Relay replies to every delivery attempt and then applies its Policy to
// decide between commit and forced redelivery. It keeps no state between
// attempts: everything it needs travels on the message.
type Relay struct {
	sender  Sender
	replyTo string
	policy  Policy
	logger  *logrus.Logger
	metrics observability.MetricsCollector
}

type RelayConfig struct {
	ReplyTo string
	Policy  Policy
	Metrics observability.MetricsCollector
	Logger  *logrus.Logger
}

func NewRelay(sender Sender, cfg RelayConfig) (*Relay, error) {
	if sender == nil {
		return nil, fmt.Errorf("relay: sender is required")
	}
	if cfg.ReplyTo == "" {
		return nil, fmt.Errorf("relay: reply destination is required")
	}
	if cfg.Policy.Name == "" {
		cfg.Policy = DefaultPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("relay: policy %s: %w", cfg.Policy.Name, err)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}

	return &Relay{
		sender:  sender,
		replyTo: cfg.ReplyTo,
		policy:  cfg.Policy,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

func (r *Relay) Policy() Policy {
	return r.policy
}

// Handle processes one delivery attempt of msg. It may lower msg.Priority;
// the broker carries that value into the next attempt.
func (r *Relay) Handle(ctx context.Context, msg *models.Message) (Decision, error) {
	entry := r.logger.WithFields(observability.MessageFields(msg))

	if !msg.IsText() {
		r.metrics.IncMalformed()
		entry.WithField("type", msg.Type).Warn("Unexpected message type, acknowledging without reply")
		return Decision{Outcome: models.Commit}, nil
	}

	id, ok, err := msg.IntHeader(models.HeaderID)
	if err != nil {
		r.metrics.IncFaulted()
		return Decision{}, &PolicyFault{MessageID: msg.MessageID, Reason: "id is not an integer", Err: err}
	}
	if !ok {
		r.metrics.IncFaulted()
		return Decision{}, &PolicyFault{MessageID: msg.MessageID, Reason: "id header missing"}
	}

	// One reply per attempt, sent before any processing delay.
	if err := r.reply(ctx, msg, id); err != nil {
		entry.WithError(err).Error("Failed to send reply, forcing redelivery")
		return Decision{Outcome: models.ForceRedeliver}, err
	}
	r.metrics.IncReplied()

	if err := sleep(ctx, msg.SleepTime()); err != nil {
		return Decision{Outcome: models.ForceRedeliver, Replied: true}, fmt.Errorf("relay: processing delay interrupted: %w", err)
	}

	outcome, next := r.policy.Decide(msg.Redelivered, msg.Priority, id)
	decision := Decision{Outcome: outcome, Replied: true}
	if next != msg.Priority {
		msg.Priority = next
		decision.PriorityLowered = true
	}

	entry.WithFields(logrus.Fields{
		"outcome":       outcome.String(),
		"next_priority": msg.Priority,
		"policy":        r.policy.Name,
	}).Debug("Delivery attempt handled")

	return decision, nil
}

func (r *Relay) reply(ctx context.Context, msg *models.Message, id int64) error {
	reply := &models.Message{
		Type: models.TypeText,
		Body: []byte(ReplyPrefix + msg.Text()),
		Headers: map[string]string{
			models.HeaderReplyID: strconv.FormatInt(id, 10),
		},
		Priority: models.DefaultPriority,
	}
	if err := r.sender.Send(ctx, r.replyTo, reply); err != nil {
		return &TransportError{Destination: r.replyTo, Err: err}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
