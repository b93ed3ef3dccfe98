// Package stress drives the relay scenarios against a broker the way a
// client program would: it only sends to and receives from destinations,
// then checks the counts it observed.
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

	"github.com/sirupsen/logrus"
)

const (
	ScenarioRedelivery   = "redelivery"
	ScenarioFanOut       = "fanout"
	ScenarioPassThrough  = "passthrough"
	ScenarioRequestReply = "requestreply"
)

type Config struct {
	Messages    int
	Publishers  int
	Subscribers int
	Workers     int
	// SleepTime is stamped on every message as the simulated processing delay.
	SleepTime time.Duration
	Policy    string

	ClientQueue string
	ReplyQueue  string
	Topic       string
	// Hops is the pass-through chain, first element is where messages are sent.
	Hops []string

	// DrainTimeout is how long an empty destination is polled before it is considered drained.
	DrainTimeout time.Duration
	Logger       *logrus.Logger
}

func (c Config) withDefaults() Config {
	if c.Messages <= 0 {
		c.Messages = 10
	}
	if c.Publishers <= 0 {
		c.Publishers = 1
	}
	if c.Subscribers <= 0 {
		c.Subscribers = 1
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Policy == "" {
		c.Policy = service.PolicyQueueRedelivery
	}
	if c.ClientQueue == "" {
		c.ClientQueue = "client"
	}
	if c.ReplyQueue == "" {
		c.ReplyQueue = "outbound"
	}
	if c.Topic == "" {
		c.Topic = "stress.topic"
	}
	if len(c.Hops) < 2 {
		c.Hops = []string{"hop.a", "hop.b", "hop.c"}
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 50 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = observability.GetLogger()
	}
	return c
}

// Report is what a scenario observed next to what it expected.
type Report struct {
	Scenario string        `json:"scenario"`
	Sent     int           `json:"sent"`
	Duration time.Duration `json:"duration"`

	// Attempts is the number of deliveries handed to handlers.
	Attempts int64 `json:"attempts"`
	// Replies counts replies, or last-hop arrivals, per message id.
	Replies         map[int64]int `json:"replies,omitempty"`
	ExpectedReplies map[int64]int `json:"expected_replies,omitempty"`

	Committed            int64   `json:"committed"`
	DeadLettered         []int64 `json:"dead_lettered,omitempty"`
	ExpectedDeadLettered []int64 `json:"expected_dead_lettered,omitempty"`

	// Deliveries counts messages observed per destination, for fan-out and pass-through.
	Deliveries         map[string]int `json:"deliveries,omitempty"`
	ExpectedDeliveries int            `json:"expected_deliveries,omitempty"`
	Altered            int            `json:"altered,omitempty"`
}

// Verify returns every invariant the report breaks, joined.
func (r *Report) Verify() error {
	var errs []error

	ids := make(map[int64]bool, len(r.ExpectedReplies)+len(r.Replies))
	for id := range r.ExpectedReplies {
		ids[id] = true
	}
	for id := range r.Replies {
		ids[id] = true
	}
	for _, id := range sortedIDs(ids) {
		if got, want := r.Replies[id], r.ExpectedReplies[id]; got != want {
			errs = append(errs, fmt.Errorf("id %d: %d replies, want %d", id, got, want))
		}
	}

	if r.Scenario == ScenarioRedelivery {
		total := 0
		for _, n := range r.Replies {
			total += n
		}
		if int64(total) != r.Attempts {
			errs = append(errs, fmt.Errorf("%d replies for %d delivery attempts", total, r.Attempts))
		}
		if !equalIDs(r.DeadLettered, r.ExpectedDeadLettered) {
			errs = append(errs, fmt.Errorf("dead-lettered %v, want %v", r.DeadLettered, r.ExpectedDeadLettered))
		}
		if want := int64(len(r.ExpectedReplies) - len(r.ExpectedDeadLettered)); r.Committed != want {
			errs = append(errs, fmt.Errorf("%d committed, want %d", r.Committed, want))
		}
	}

	for _, dest := range sortedKeys(r.Deliveries) {
		if got := r.Deliveries[dest]; got != r.ExpectedDeliveries {
			errs = append(errs, fmt.Errorf("%s: %d deliveries, want %d", dest, got, r.ExpectedDeliveries))
		}
	}
	if r.Altered > 0 {
		errs = append(errs, fmt.Errorf("%d messages altered in transit", r.Altered))
	}

	return errors.Join(errs...)
}

// RunFunc runs one scenario on b.
type RunFunc func(ctx context.Context, b *broker.Memory, cfg Config) (*Report, error)

var scenarios = map[string]RunFunc{
	ScenarioRedelivery:   RunRedelivery,
	ScenarioFanOut:       RunFanOut,
	ScenarioPassThrough:  RunPassThrough,
	ScenarioRequestReply: RunRequestReply,
}

func Lookup(name string) (RunFunc, error) {
	run, ok := scenarios[name]
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q (known: %v)", name, Names())
	}
	return run, nil
}

func Names() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// consumerGroup runs one consumer per queue until stopped.
type consumerGroup struct {
	cancel context.CancelFunc
	done   chan error
	count  int
}

func startConsumers(ctx context.Context, b *broker.Memory, cfg Config, metrics observability.MetricsCollector, handlers map[string]service.Handler) (*consumerGroup, error) {
	ctx, cancel := context.WithCancel(ctx)
	g := &consumerGroup{cancel: cancel, done: make(chan error, len(handlers))}

	for queue, h := range handlers {
		c, err := broker.NewConsumer(b, h, broker.ConsumerConfig{
			Queue:   queue,
			Workers: cfg.Workers,
			Metrics: metrics,
			Logger:  cfg.Logger,
		})
		if err != nil {
			g.stop()
			return nil, err
		}
		g.count++
		go func() { g.done <- c.Start(ctx) }()
	}
	return g, nil
}

func (g *consumerGroup) stop() error {
	g.cancel()
	var errs []error
	for i := 0; i < g.count; i++ {
		if err := <-g.done; err != nil {
			errs = append(errs, err)
		}
	}
	g.count = 0
	return errors.Join(errs...)
}

// waitFor polls cond until it holds or ctx ends.
func waitFor(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("scenario did not settle: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// drain receives from queue until it stays empty for timeout.
func drain(ctx context.Context, b *broker.Memory, queue string, timeout time.Duration) ([]*models.Message, error) {
	var out []*models.Message
	for {
		msg, err := b.Receive(ctx, queue, timeout)
		if errors.Is(err, broker.ErrNoMessage) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("drain %s: %w", queue, err)
		}
		out = append(out, msg)
	}
}

func newMessage(cfg Config, id int64) *models.Message {
	msg := models.NewTextMessage(id, "message "+strconv.FormatInt(id, 10))
	if cfg.SleepTime > 0 {
		msg.SetHeader(models.HeaderSleepTime, strconv.FormatInt(cfg.SleepTime.Milliseconds(), 10))
	}
	return msg
}

func countReplies(replies []*models.Message) (map[int64]int, error) {
	counts := make(map[int64]int)
	for _, r := range replies {
		id, ok, err := r.IntHeader(models.HeaderReplyID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("reply %s has no %s header", r.MessageID, models.HeaderReplyID)
		}
		counts[id]++
	}
	return counts, nil
}

func sortedIDs(set map[int64]bool) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
