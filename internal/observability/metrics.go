package observability

import (
	"sync/atomic"
)

// MetricsCollector provides hooks for relay and broker metrics.
// InMemoryMetrics backs tests and the stress CLI, PrometheusMetrics backs serve.
type MetricsCollector interface {
	IncSent()
	IncSendFailed()
	IncReceived()
	IncReplied()
	IncCommitted()
	IncRedelivered()
	IncDeadLettered()
	IncMalformed()
	IncFaulted()
}

// InMemoryMetrics is a simple in-memory implementation for testing/demo
type InMemoryMetrics struct {
	Sent         atomic.Int64
	SendFailed   atomic.Int64
	Received     atomic.Int64
	Replied      atomic.Int64
	Committed    atomic.Int64
	Redelivered  atomic.Int64
	DeadLettered atomic.Int64
	Malformed    atomic.Int64
	Faulted      atomic.Int64
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{}
}

func (m *InMemoryMetrics) IncSent()         { m.Sent.Add(1) }
func (m *InMemoryMetrics) IncSendFailed()   { m.SendFailed.Add(1) }
func (m *InMemoryMetrics) IncReceived()     { m.Received.Add(1) }
func (m *InMemoryMetrics) IncReplied()      { m.Replied.Add(1) }
func (m *InMemoryMetrics) IncCommitted()    { m.Committed.Add(1) }
func (m *InMemoryMetrics) IncRedelivered()  { m.Redelivered.Add(1) }
func (m *InMemoryMetrics) IncDeadLettered() { m.DeadLettered.Add(1) }
func (m *InMemoryMetrics) IncMalformed()    { m.Malformed.Add(1) }
func (m *InMemoryMetrics) IncFaulted()      { m.Faulted.Add(1) }

func (m *InMemoryMetrics) GetSent() int64 {
	return m.Sent.Load()
}

func (m *InMemoryMetrics) GetSendFailed() int64 {
	return m.SendFailed.Load()
}

func (m *InMemoryMetrics) GetReceived() int64 {
	return m.Received.Load()
}

func (m *InMemoryMetrics) GetReplied() int64 {
	return m.Replied.Load()
}

func (m *InMemoryMetrics) GetCommitted() int64 {
	return m.Committed.Load()
}

func (m *InMemoryMetrics) GetRedelivered() int64 {
	return m.Redelivered.Load()
}

func (m *InMemoryMetrics) GetDeadLettered() int64 {
	return m.DeadLettered.Load()
}

func (m *InMemoryMetrics) GetMalformed() int64 {
	return m.Malformed.Load()
}

func (m *InMemoryMetrics) GetFaulted() int64 {
	return m.Faulted.Load()
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) IncSent()         {}
func (NopMetrics) IncSendFailed()   {}
func (NopMetrics) IncReceived()     {}
func (NopMetrics) IncReplied()      {}
func (NopMetrics) IncCommitted()    {}
func (NopMetrics) IncRedelivered()  {}
func (NopMetrics) IncDeadLettered() {}
func (NopMetrics) IncMalformed()    {}
func (NopMetrics) IncFaulted()      {}
