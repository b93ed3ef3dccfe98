package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go-relay/internal/kafka"
	"go-relay/internal/observability"
	"go-relay/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type sendOptions struct {
	To        string
	Count     int
	StartID   int64
	Priority  int
	SleepTime time.Duration
	Await     time.Duration
}

type sendReport struct {
	Destination string        `json:"destination"`
	Sent        int           `json:"sent"`
	ReplyQueue  string        `json:"reply_queue,omitempty"`
	Replies     map[int64]int `json:"replies,omitempty"`
}

func newSendCmd(root *rootOptions) *cobra.Command {
	var opts sendOptions

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send numbered test messages to a Kafka destination and optionally collect replies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Count <= 0 {
				return errors.New("--count must be positive")
			}
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if opts.To == "" {
				opts.To = cfg.Relay.ClientQueue
			}

			logger, err := newZapLogger(cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer logger.Sync()

			metrics := observability.NewInMemoryMetrics()
			_, _, b, err := newKafkaStack(cfg, metrics, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx := cmd.Context()
			for i := 0; i < opts.Count; i++ {
				id := opts.StartID + int64(i)
				msg := models.NewTextMessage(id, "message "+strconv.FormatInt(id, 10))
				msg.Priority = opts.Priority
				if opts.SleepTime > 0 {
					msg.SetHeader(models.HeaderSleepTime, strconv.FormatInt(opts.SleepTime.Milliseconds(), 10))
				}
				if err := b.Send(ctx, opts.To, msg); err != nil {
					return err
				}
			}
			observability.WithFields(logrus.Fields{
				"destination": opts.To,
				"count":       opts.Count,
			}).Info("Messages sent")

			report := sendReport{Destination: opts.To, Sent: int(metrics.GetSent())}
			if opts.Await > 0 {
				report.ReplyQueue = cfg.Relay.ReplyQueue
				if report.Replies, err = collectReplies(ctx, b, cfg.Relay.ReplyQueue, opts.Await); err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringVar(&opts.To, "to", "", "destination topic (default RELAY_CLIENT_QUEUE)")
	cmd.Flags().IntVar(&opts.Count, "count", 10, "number of messages")
	cmd.Flags().Int64Var(&opts.StartID, "start-id", 0, "id of the first message")
	cmd.Flags().IntVar(&opts.Priority, "priority", models.DefaultPriority, "message priority")
	cmd.Flags().DurationVar(&opts.SleepTime, "sleeptime", 0, "simulated processing delay stamped on each message")
	cmd.Flags().DurationVar(&opts.Await, "await", 0, "collect replies until none arrive for this long")
	return cmd
}

// collectReplies counts replies per id until the reply topic is quiet for idle.
func collectReplies(ctx context.Context, b *kafka.Broker, queue string, idle time.Duration) (map[int64]int, error) {
	replies := make(map[int64]int)
	for {
		msg, err := b.Receive(ctx, queue, idle)
		if errors.Is(err, kafka.ErrNoMessage) {
			return replies, nil
		}
		if err != nil {
			return replies, err
		}
		id, ok, err := msg.IntHeader(models.HeaderReplyID)
		if err != nil || !ok {
			return replies, fmt.Errorf("reply %s: missing or bad %s", msg.MessageID, models.HeaderReplyID)
		}
		replies[id]++
	}
}
