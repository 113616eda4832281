package capture

import (
	"fmt"

	"He6CRES/udprx/config"
	"He6CRES/udprx/internal/trigger"
)

// NewPolicy builds the trigger policy described by the capture config.
func NewPolicy(c config.Config) (trigger.Policy, error) {
	switch c.Capture.Trigger {
	case config.TriggerCount:
		return trigger.NewCountBased(c.Capture.SegmentPackets, c.Capture.Repeats)
	case config.TriggerInterval:
		return trigger.NewIntervalBased(c.Interval(), c.Capture.Repeats, c.Capture.SampleEvery)
	default:
		return nil, &config.ConfigurationError{Field: "capture.trigger", Reason: fmt.Sprintf("unknown trigger %q", c.Capture.Trigger)}
	}
}
