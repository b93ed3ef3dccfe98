package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go-relay/internal/broker"
	"go-relay/internal/stress"

	"github.com/spf13/cobra"
)

type stressOptions struct {
	Messages        int
	Publishers      int
	Subscribers     int
	Workers         int
	MaxRedeliveries int
	Policy          string
	SleepTime       time.Duration
	Timeout         time.Duration
}

func newStressCmd(root *rootOptions) *cobra.Command {
	var opts stressOptions

	cmd := &cobra.Command{
		Use:       fmt.Sprintf("stress <%s>", strings.Join(stress.Names(), "|")),
		Short:     "Run a scenario on the in-memory broker and print its JSON report",
		Args:      cobra.ExactArgs(1),
		ValidArgs: stress.Names(),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := stress.Lookup(args[0])
			if err != nil {
				return err
			}
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if opts.Policy == "" {
				opts.Policy = cfg.Relay.Policy
			}
			if opts.MaxRedeliveries == 0 {
				opts.MaxRedeliveries = cfg.Relay.MaxRedeliveries
			}

			b := broker.NewMemory(broker.Config{
				MaxRedeliveries: opts.MaxRedeliveries,
				DeadLetterQueue: cfg.Relay.DeadLetterQueue,
			})
			defer b.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			report, err := run(ctx, b, stress.Config{
				Messages:    opts.Messages,
				Publishers:  opts.Publishers,
				Subscribers: opts.Subscribers,
				Workers:     opts.Workers,
				SleepTime:   opts.SleepTime,
				Policy:      opts.Policy,
				ClientQueue: cfg.Relay.ClientQueue,
				ReplyQueue:  cfg.Relay.ReplyQueue,
			})
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if err := report.Verify(); err != nil {
				return fmt.Errorf("scenario %s failed:\n%w", report.Scenario, err)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Messages, "messages", 10, "messages per publisher")
	cmd.Flags().IntVar(&opts.Publishers, "publishers", 1, "concurrent publishers (fanout)")
	cmd.Flags().IntVar(&opts.Subscribers, "subscribers", 2, "topic subscriptions (fanout)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 4, "workers per consumer")
	cmd.Flags().IntVar(&opts.MaxRedeliveries, "max-redeliveries", 0, "broker redelivery budget, 0 uses RELAY_MAX_REDELIVERIES")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "redelivery policy (default from RELAY_POLICY)")
	cmd.Flags().DurationVar(&opts.SleepTime, "sleeptime", 0, "simulated processing delay stamped on each message")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", time.Minute, "give up if the scenario has not settled by then")
	return cmd
}
