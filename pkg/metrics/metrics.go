package metrics

import (
	"sync/atomic"
	"time"
)

// Counters tracks in-process pipeline accounting for the health endpoint.
// One instance is constructed at startup and injected where needed.
type Counters struct {
	startedAt time.Time

	totalReceived  atomic.Int64
	ignored        atomic.Int64
	audioProcessed atomic.Int64
	responsesSent  atomic.Int64
	degraded       atomic.Int64
	errors         atomic.Int64
}

// Snapshot is the JSON shape exposed on /health.
type Snapshot struct {
	UptimeSeconds  int64 `json:"uptime_seconds"`
	TotalReceived  int64 `json:"total_received"`
	Ignored        int64 `json:"ignored"`
	AudioProcessed int64 `json:"audio_processed"`
	ResponsesSent  int64 `json:"responses_sent"`
	Degraded       int64 `json:"degraded"`
	Errors         int64 `json:"errors"`
}

func New() *Counters {
	return &Counters{startedAt: time.Now().UTC()}
}

func (c *Counters) IncReceived()       { c.totalReceived.Add(1) }
func (c *Counters) IncIgnored()        { c.ignored.Add(1) }
func (c *Counters) IncAudioProcessed() { c.audioProcessed.Add(1) }
func (c *Counters) IncResponsesSent()  { c.responsesSent.Add(1) }
func (c *Counters) IncDegraded()       { c.degraded.Add(1) }
func (c *Counters) IncErrors()         { c.errors.Add(1) }

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:  int64(time.Since(c.startedAt).Seconds()),
		TotalReceived:  c.totalReceived.Load(),
		Ignored:        c.ignored.Load(),
		AudioProcessed: c.audioProcessed.Load(),
		ResponsesSent:  c.responsesSent.Load(),
		Degraded:       c.degraded.Load(),
		Errors:         c.errors.Load(),
	}
}
