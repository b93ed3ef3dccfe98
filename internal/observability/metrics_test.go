package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"go-relay/pkg/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryMetrics(t *testing.T) {
	m := NewInMemoryMetrics()
	m.IncReceived()
	m.IncReceived()
	m.IncReplied()
	m.IncCommitted()
	m.IncRedelivered()
	m.IncDeadLettered()
	m.IncMalformed()
	m.IncFaulted()
	m.IncSent()
	m.IncSendFailed()

	assert.Equal(t, int64(2), m.GetReceived())
	assert.Equal(t, int64(1), m.GetReplied())
	assert.Equal(t, int64(1), m.GetCommitted())
	assert.Equal(t, int64(1), m.GetRedelivered())
	assert.Equal(t, int64(1), m.GetDeadLettered())
	assert.Equal(t, int64(1), m.GetMalformed())
	assert.Equal(t, int64(1), m.GetFaulted())
	assert.Equal(t, int64(1), m.GetSent())
	assert.Equal(t, int64(1), m.GetSendFailed())
}

func TestPrometheusMetrics_Counters(t *testing.T) {
	m := NewPrometheusMetrics("test")
	m.IncCommitted()
	m.IncRedelivered()
	m.IncRedelivered()
	m.IncSent()
	m.IncSendFailed()
	m.IncDeadLettered()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.outcomeTotal.WithLabelValues("commit")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.outcomeTotal.WithLabelValues("force-redeliver")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sendTotal.WithLabelValues(resultOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sendTotal.WithLabelValues(resultFailed)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.deadTotal))
}

func TestPrometheusMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusMetrics("dup")
		NewPrometheusMetrics("dup")
	})
}

func TestRouter_MetricsAndHealth(t *testing.T) {
	m := NewPrometheusMetrics("router")
	m.IncReplied()

	r := NewRouter(m.Registry(), nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "router_replied_total 1")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_HealthFailure(t *testing.T) {
	r := NewRouter(NewPrometheusMetrics("unhealthy").Registry(), func(ctx context.Context) error {
		return errors.New("broker unreachable")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "broker unreachable")
}

func TestMessageFields(t *testing.T) {
	msg := models.NewTextMessage(9, "x")
	msg.Destination = "client"
	msg.DeliveryCount = 2
	msg.Redelivered = true

	fields := MessageFields(msg)
	assert.Equal(t, "9", fields["id"])
	assert.Equal(t, "client", fields["destination"])
	assert.Equal(t, 2, fields["delivery_count"])
	assert.Equal(t, true, fields["redelivered"])
}

func TestInitLogger(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	InitLogger("debug", "json")
	GetLogger().Debug("visible")
	assert.Contains(t, buf.String(), "visible")

	buf.Reset()
	InitLogger("not-a-level", "json")
	GetLogger().Debug("hidden")
	assert.Empty(t, buf.String())
}
