// Package trigger decides where capture segments end.
//
// Two policies exist. CountBased cuts a segment when it holds exactly the
// target number of packets. IntervalBased cuts once the wall-clock time since
// the segment began reaches the configured duration; the clock is only read
// every SampleEvery packets, so a segment may run past its duration by the
// time it takes to receive that many packets. Both run a fixed number of
// segments and then report the run complete.
package trigger

import (
	"fmt"
	"time"
)

// Mode names the policy variant.
type Mode string

const (
	ModeCount    Mode = "count"
	ModeInterval Mode = "interval"
)

// DefaultSampleEvery is the legacy clock sampling period: at ~20k packets/s,
// 100 packets is about 5 ms.
const DefaultSampleEvery = 100

// SegmentState is what the controller knows about the segment being filled.
type SegmentState struct {
	Packets int
	// Now is the time of the most recent clock read. Zero when the caller did
	// not read the clock for this packet.
	Now time.Time
	// Idle is set when the state is reported after a receive timeout rather
	// than after a packet.
	Idle bool
}

// SessionState is what the controller knows about the whole run.
type SessionState struct {
	SegmentsCut int
}

// Policy decides segment boundaries and run completion.
type Policy interface {
	Mode() Mode
	// Begin marks the start of a new segment.
	Begin(now time.Time)
	// NeedsClock reports whether the caller should read the clock before
	// calling ShouldCut for a segment currently holding packets packets.
	NeedsClock(packets int, idle bool) bool
	ShouldCut(s SegmentState) bool
	RunComplete(s SessionState) bool
	// Segments is the number of segments the run will produce.
	Segments() int
}

// CountBased ends a segment when it holds exactly Target packets.
type CountBased struct {
	Target  int
	Repeats int
}

// NewCountBased returns a count policy. repeats < 1 is treated as 1.
func NewCountBased(target, repeats int) (*CountBased, error) {
	if target <= 0 {
		return nil, fmt.Errorf("count trigger target must be positive, got %d", target)
	}
	if repeats < 1 {
		repeats = 1
	}
	return &CountBased{Target: target, Repeats: repeats}, nil
}

func (p *CountBased) Mode() Mode { return ModeCount }
func (p *CountBased) Begin(time.Time) {}
func (p *CountBased) NeedsClock(packets int, idle bool) bool { return false }
func (p *CountBased) Segments() int { return p.Repeats }

// ShouldCut is exact equality: each receive adds exactly one packet, so the
// count can never pass the target without hitting it.
func (p *CountBased) ShouldCut(s SegmentState) bool {
	return s.Packets == p.Target
}

func (p *CountBased) RunComplete(s SessionState) bool {
	return s.SegmentsCut >= p.Repeats
}

// IntervalBased ends a segment once Duration has elapsed since Begin.
type IntervalBased struct {
	Duration    time.Duration
	Repeats     int
	SampleEvery int

	start time.Time
}

// NewIntervalBased returns an interval policy. sampleEvery < 1 selects
// DefaultSampleEvery.
func NewIntervalBased(d time.Duration, repeats, sampleEvery int) (*IntervalBased, error) {
	if d <= 0 {
		return nil, fmt.Errorf("interval trigger duration must be positive, got %s", d)
	}
	if repeats < 1 {
		repeats = 1
	}
	if sampleEvery < 1 {
		sampleEvery = DefaultSampleEvery
	}
	return &IntervalBased{Duration: d, Repeats: repeats, SampleEvery: sampleEvery}, nil
}

func (p *IntervalBased) Mode() Mode { return ModeInterval }
func (p *IntervalBased) Segments() int { return p.Repeats }

func (p *IntervalBased) Begin(now time.Time) {
	p.start = now
}

// NeedsClock is true every SampleEvery packets, and on every idle poll so a
// silent source still closes its segment.
func (p *IntervalBased) NeedsClock(packets int, idle bool) bool {
	if idle {
		return true
	}
	return packets > 0 && packets%p.SampleEvery == 0
}

func (p *IntervalBased) ShouldCut(s SegmentState) bool {
	if s.Now.IsZero() {
		return false
	}
	return s.Now.Sub(p.start) >= p.Duration
}

func (p *IntervalBased) RunComplete(s SessionState) bool {
	return s.SegmentsCut >= p.Repeats
}

// Elapsed returns the time since Begin as of now.
func (p *IntervalBased) Elapsed(now time.Time) time.Duration {
	return now.Sub(p.start)
}

// MaxPackets returns how many packets of packetSize fit in capacity bytes.
func MaxPackets(capacity, packetSize int) int {
	if packetSize <= 0 {
		return 0
	}
	return capacity / packetSize
}
