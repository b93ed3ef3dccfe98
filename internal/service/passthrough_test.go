package service_test

import (
	"context"
	"testing"

	"go-relay/internal/broker"
	"go-relay/internal/service"
	"go-relay/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponder_RepliesAndCommits(t *testing.T) {
	sender := broker.NewMockSender()
	r := service.NewResponder(sender, "replies", nil)

	decision, err := r.Handle(context.Background(), models.NewTextMessage(3, "ping"))
	require.NoError(t, err)
	assert.Equal(t, models.Commit, decision.Outcome)
	assert.True(t, decision.Replied)

	sent := sender.SentTo("replies")
	require.Len(t, sent, 1)
	assert.Equal(t, "REPLIED:ping", sent[0].Text())
	assert.Equal(t, "3", sent[0].Headers[models.HeaderReplyID])
}

func TestResponder_SendFailure(t *testing.T) {
	sender := broker.NewMockSender()
	sender.FailCount = 1
	r := service.NewResponder(sender, "replies", nil)

	decision, err := r.Handle(context.Background(), models.NewTextMessage(3, "ping"))
	require.Error(t, err)
	assert.True(t, service.IsTransportFailure(err))
	assert.Equal(t, models.ForceRedeliver, decision.Outcome)
}

func TestForwarder_PassesMessageThrough(t *testing.T) {
	sender := broker.NewMockSender()
	f, err := service.NewForwarder(sender, "next")
	require.NoError(t, err)

	in := models.NewTextMessage(12, "payload")
	in.Priority = 7
	in.SetHeader("custom", "value")

	decision, err := f.Handle(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.Commit, decision.Outcome)

	out := sender.SentTo("next")
	require.Len(t, out, 1)
	assert.Equal(t, "payload", out[0].Text())
	assert.Equal(t, 7, out[0].Priority)
	assert.Equal(t, "value", out[0].Headers["custom"])
	assert.Equal(t, "12", out[0].Headers[models.HeaderID])
}

func TestForwarder_RequiresDestination(t *testing.T) {
	_, err := service.NewForwarder(broker.NewMockSender(), "")
	assert.Error(t, err)
}
