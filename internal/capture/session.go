package capture

import (
	"time"

	"github.com/google/uuid"

	"He6CRES/udprx/internal/trigger"
)

// Session is the state of one acquisition. Only the goroutine running
// Controller.Run mutates it.
type Session struct {
	RunID uuid.UUID
	Mode  trigger.Mode
	// Segments is the number of segments the trigger plans for.
	Segments int
	Start    time.Time

	Packets         int64
	Bytes           int64
	ShortReads      int64
	TransportErrors int
	SegmentsCut     int
}

func newSession(mode trigger.Mode, segments int, start time.Time) *Session {
	return &Session{RunID: uuid.New(), Mode: mode, Segments: segments, Start: start}
}

// Summary is what Run reports when it returns.
type Summary struct {
	Session

	SegmentsWritten int
	SegmentsFailed  int
	BytesWritten    int64
	Elapsed         time.Duration
	// Canceled is set when the run ended because its context was canceled.
	Canceled bool
	// SourceClosed is set when the receiver ran out of data, as a replayed
	// capture file does.
	SourceClosed bool
}

// PacketRate is the mean receive rate in packets per second.
func (s Summary) PacketRate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Packets) / s.Elapsed.Seconds()
}

// ByteRate is the mean receive rate in bytes per second.
func (s Summary) ByteRate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Elapsed.Seconds()
}
