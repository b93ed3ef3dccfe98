package stress

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go-relay/internal/broker"
	"go-relay/internal/observability"
	"go-relay/internal/service"
	"go-relay/pkg/models"

	"golang.org/x/sync/errgroup"
)

// ExpectedAttempts walks policy through the broker's redelivery budget for
// one message id and reports how many attempts it takes and whether it ends
// in a commit rather than the dead-letter queue.
func ExpectedAttempts(policy service.Policy, id int64, maxRedeliveries int) (attempts int, committed bool) {
	redelivered, priority := false, models.DefaultPriority
	for attempts = 1; attempts <= maxRedeliveries+1; attempts++ {
		outcome, next := policy.Decide(redelivered, priority, id)
		if outcome == models.Commit {
			return attempts, true
		}
		redelivered, priority = true, next
	}
	return maxRedeliveries + 1, false
}

// RunRedelivery sends ids 0..Messages-1 to the client queue and lets a
// relay consumer answer every attempt. Each id must be answered once per
// attempt, and end either committed or on the dead-letter queue as the
// policy dictates.
func RunRedelivery(ctx context.Context, b *broker.Memory, cfg Config) (*Report, error) {
	cfg = cfg.withDefaults()
	policy, err := service.LookupPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	maxRedeliveries := b.MaxRedeliveries()
	if maxRedeliveries < 0 {
		return nil, errors.New("redelivery scenario needs a bounded redelivery budget")
	}

	metrics := observability.NewInMemoryMetrics()
	relay, err := service.NewRelay(b, service.RelayConfig{
		ReplyTo: cfg.ReplyQueue,
		Policy:  policy,
		Metrics: metrics,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	report := &Report{
		Scenario:        ScenarioRedelivery,
		ExpectedReplies: make(map[int64]int, cfg.Messages),
	}
	for id := int64(0); id < int64(cfg.Messages); id++ {
		if err := b.Send(ctx, cfg.ClientQueue, newMessage(cfg, id)); err != nil {
			return nil, fmt.Errorf("send id %d: %w", id, err)
		}
		attempts, committed := ExpectedAttempts(policy, id, maxRedeliveries)
		report.ExpectedReplies[id] = attempts
		if !committed {
			report.ExpectedDeadLettered = append(report.ExpectedDeadLettered, id)
		}
		report.Sent++
	}

	g, err := startConsumers(ctx, b, cfg, metrics, map[string]service.Handler{cfg.ClientQueue: relay})
	if err != nil {
		return nil, err
	}
	total := int64(cfg.Messages)
	waitErr := waitFor(ctx, func() bool {
		return metrics.GetCommitted()+metrics.GetDeadLettered() >= total
	})
	if err := errors.Join(waitErr, g.stop()); err != nil {
		return nil, err
	}

	replies, err := drain(ctx, b, cfg.ReplyQueue, cfg.DrainTimeout)
	if err != nil {
		return nil, err
	}
	if report.Replies, err = countReplies(replies); err != nil {
		return nil, err
	}

	dead, err := drain(ctx, b, b.DeadLetterQueue(), cfg.DrainTimeout)
	if err != nil {
		return nil, err
	}
	for _, m := range dead {
		id, _, err := m.IntHeader(models.HeaderID)
		if err != nil {
			return nil, err
		}
		report.DeadLettered = append(report.DeadLettered, id)
	}
	sort.Slice(report.DeadLettered, func(i, j int) bool { return report.DeadLettered[i] < report.DeadLettered[j] })

	report.Attempts = metrics.GetReceived()
	report.Committed = metrics.GetCommitted()
	report.Duration = time.Since(start)

	cfg.Logger.WithField("scenario", report.Scenario).
		WithField("attempts", report.Attempts).
		WithField("dead_lettered", len(report.DeadLettered)).
		Info("Scenario finished")
	return report, nil
}

// RunFanOut has Publishers goroutines each publish Messages to a topic with
// Subscribers subscriptions. Every subscription answers what it gets on its
// own reply queue and must see every published message once.
func RunFanOut(ctx context.Context, b *broker.Memory, cfg Config) (*Report, error) {
	cfg = cfg.withDefaults()
	metrics := observability.NewInMemoryMetrics()

	b.DeclareTopic(cfg.Topic)
	handlers := make(map[string]service.Handler, cfg.Subscribers)
	replyQueues := make(map[string]string, cfg.Subscribers)
	for i := 0; i < cfg.Subscribers; i++ {
		sub := "sub-" + strconv.Itoa(i)
		queue, err := b.Subscribe(cfg.Topic, sub)
		if err != nil {
			return nil, err
		}
		defer b.Unsubscribe(cfg.Topic, sub)

		replyTo := cfg.ReplyQueue + "." + sub
		handlers[queue] = service.NewResponder(b, replyTo, metrics)
		replyQueues[sub] = replyTo
	}

	start := time.Now()
	g, err := startConsumers(ctx, b, cfg, metrics, handlers)
	if err != nil {
		return nil, err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for p := 0; p < cfg.Publishers; p++ {
		p := p
		eg.Go(func() error {
			for m := 0; m < cfg.Messages; m++ {
				id := int64(p*cfg.Messages + m)
				if err := b.Send(egCtx, cfg.Topic, newMessage(cfg, id)); err != nil {
					return fmt.Errorf("publisher %d: %w", p, err)
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, errors.Join(err, g.stop())
	}

	published := cfg.Publishers * cfg.Messages
	waitErr := waitFor(ctx, func() bool {
		return metrics.GetCommitted() >= int64(published*cfg.Subscribers)
	})
	if err := errors.Join(waitErr, g.stop()); err != nil {
		return nil, err
	}

	report := &Report{
		Scenario:           ScenarioFanOut,
		Sent:               published,
		Replies:            make(map[int64]int, published),
		ExpectedReplies:    make(map[int64]int, published),
		Deliveries:         make(map[string]int, cfg.Subscribers),
		ExpectedDeliveries: published,
	}
	for id := int64(0); id < int64(published); id++ {
		report.ExpectedReplies[id] = cfg.Subscribers
	}
	for sub, replyTo := range replyQueues {
		replies, err := drain(ctx, b, replyTo, cfg.DrainTimeout)
		if err != nil {
			return nil, err
		}
		counts, err := countReplies(replies)
		if err != nil {
			return nil, err
		}
		for id, n := range counts {
			report.Replies[id] += n
		}
		report.Deliveries[sub] = len(replies)
	}
	report.Attempts = metrics.GetReceived()
	report.Committed = metrics.GetCommitted()
	report.Duration = time.Since(start)
	return report, nil
}

// RunPassThrough chains Forwarders along Hops and checks every message
// reaches the last hop exactly once with its body and headers intact.
func RunPassThrough(ctx context.Context, b *broker.Memory, cfg Config) (*Report, error) {
	cfg = cfg.withDefaults()
	metrics := observability.NewInMemoryMetrics()

	handlers := make(map[string]service.Handler, len(cfg.Hops)-1)
	for i := 0; i < len(cfg.Hops)-1; i++ {
		fwd, err := service.NewForwarder(b, cfg.Hops[i+1])
		if err != nil {
			return nil, err
		}
		handlers[cfg.Hops[i]] = fwd
	}

	start := time.Now()
	sent := make(map[int64]*models.Message, cfg.Messages)
	for id := int64(0); id < int64(cfg.Messages); id++ {
		msg := newMessage(cfg, id)
		msg.SetHeader("origin", cfg.Hops[0])
		if err := b.Send(ctx, cfg.Hops[0], msg); err != nil {
			return nil, fmt.Errorf("send id %d: %w", id, err)
		}
		sent[id] = msg
	}

	g, err := startConsumers(ctx, b, cfg, metrics, handlers)
	if err != nil {
		return nil, err
	}
	forwards := int64(cfg.Messages * (len(cfg.Hops) - 1))
	waitErr := waitFor(ctx, func() bool { return metrics.GetCommitted() >= forwards })
	if err := errors.Join(waitErr, g.stop()); err != nil {
		return nil, err
	}

	last := cfg.Hops[len(cfg.Hops)-1]
	arrived, err := drain(ctx, b, last, cfg.DrainTimeout)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Scenario:           ScenarioPassThrough,
		Sent:               cfg.Messages,
		Replies:            make(map[int64]int, len(arrived)),
		ExpectedReplies:    make(map[int64]int, cfg.Messages),
		Deliveries:         map[string]int{last: len(arrived)},
		ExpectedDeliveries: cfg.Messages,
	}
	for id := range sent {
		report.ExpectedReplies[id] = 1
	}
	for _, m := range arrived {
		id, _, err := m.IntHeader(models.HeaderID)
		if err != nil {
			return nil, err
		}
		report.Replies[id]++
		if orig, ok := sent[id]; !ok || !unchanged(orig, m) {
			report.Altered++
		}
	}
	report.Attempts = metrics.GetReceived()
	report.Committed = metrics.GetCommitted()
	report.Duration = time.Since(start)
	return report, nil
}

// RunRequestReply answers every message on the client queue once.
func RunRequestReply(ctx context.Context, b *broker.Memory, cfg Config) (*Report, error) {
	cfg = cfg.withDefaults()
	metrics := observability.NewInMemoryMetrics()
	responder := service.NewResponder(b, cfg.ReplyQueue, metrics)

	start := time.Now()
	for id := int64(0); id < int64(cfg.Messages); id++ {
		if err := b.Send(ctx, cfg.ClientQueue, newMessage(cfg, id)); err != nil {
			return nil, fmt.Errorf("send id %d: %w", id, err)
		}
	}

	g, err := startConsumers(ctx, b, cfg, metrics, map[string]service.Handler{cfg.ClientQueue: responder})
	if err != nil {
		return nil, err
	}
	waitErr := waitFor(ctx, func() bool { return metrics.GetCommitted() >= int64(cfg.Messages) })
	if err := errors.Join(waitErr, g.stop()); err != nil {
		return nil, err
	}

	replies, err := drain(ctx, b, cfg.ReplyQueue, cfg.DrainTimeout)
	if err != nil {
		return nil, err
	}
	counts, err := countReplies(replies)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Scenario:           ScenarioRequestReply,
		Sent:               cfg.Messages,
		Replies:            counts,
		ExpectedReplies:    make(map[int64]int, cfg.Messages),
		Deliveries:         map[string]int{cfg.ReplyQueue: len(replies)},
		ExpectedDeliveries: cfg.Messages,
	}
	for id := int64(0); id < int64(cfg.Messages); id++ {
		report.ExpectedReplies[id] = 1
	}
	report.Attempts = metrics.GetReceived()
	report.Committed = metrics.GetCommitted()
	report.Duration = time.Since(start)
	return report, nil
}

func unchanged(sent, got *models.Message) bool {
	if sent.Text() != got.Text() || sent.Priority != got.Priority || len(sent.Headers) != len(got.Headers) {
		return false
	}
	for k, v := range sent.Headers {
		if got.Headers[k] != v {
			return false
		}
	}
	return true
}
