package core

import (
	"sync/atomic"

	"github.com/encodeous/bativ/perf"
)

// Counters tracks protocol outcomes that are not faults. None of these conditions stop the engine.
type Counters struct {
	Received            atomic.Uint64
	Sent                atomic.Uint64
	Forwarded           atomic.Uint64
	FramesSent          atomic.Uint64
	Malformed           atomic.Uint64
	ProtectedDuplicates atomic.Uint64
	Duplicates          atomic.Uint64
	UnsupportedEgress   atomic.Uint64
	AllocationFailures  atomic.Uint64
	SendFailures        atomic.Uint64
	EventsDropped       atomic.Uint64
}

type CounterSnapshot struct {
	Received            uint64 `yaml:"received"`
	Sent                uint64 `yaml:"sent"`
	Forwarded           uint64 `yaml:"forwarded"`
	FramesSent          uint64 `yaml:"frames_sent"`
	Malformed           uint64 `yaml:"malformed"`
	ProtectedDuplicates uint64 `yaml:"protected_duplicates"`
	Duplicates          uint64 `yaml:"duplicates"`
	UnsupportedEgress   uint64 `yaml:"unsupported_egress"`
	AllocationFailures  uint64 `yaml:"allocation_failures"`
	SendFailures        uint64 `yaml:"send_failures"`
	EventsDropped       uint64 `yaml:"events_dropped"`
}

func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Received:            c.Received.Load(),
		Sent:                c.Sent.Load(),
		Forwarded:           c.Forwarded.Load(),
		FramesSent:          c.FramesSent.Load(),
		Malformed:           c.Malformed.Load(),
		ProtectedDuplicates: c.ProtectedDuplicates.Load(),
		Duplicates:          c.Duplicates.Load(),
		UnsupportedEgress:   c.UnsupportedEgress.Load(),
		AllocationFailures:  c.AllocationFailures.Load(),
		SendFailures:        c.SendFailures.Load(),
		EventsDropped:       c.EventsDropped.Load(),
	}
}

func (c *Counters) received() {
	c.Received.Add(1)
	perf.OgmRecvPerSecond.Add(1)
}

func (c *Counters) sentFrame(ogms int, bytes int) {
	c.FramesSent.Add(1)
	c.Sent.Add(uint64(ogms))
	perf.FramesSentPerSecond.Add(1)
	perf.OgmSentPerSecond.Add(float64(ogms))
	perf.AggregateSize.Add(float64(bytes))
}
