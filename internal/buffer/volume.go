package buffer

import "fmt"

// Volume is one output storage target.
type Volume struct {
	// Label is the short name used in logs, e.g. "sdb".
	Label string
	// Root is the mount point, e.g. "/mnt/sdb".
	Root string
}

// VolumeSet is the ordered, non-empty list of volumes segments rotate over.
type VolumeSet []Volume

// NewVolumeSet pairs labels with roots. The lists must be the same length.
func NewVolumeSet(labels, roots []string) (VolumeSet, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("volume set must not be empty")
	}
	if len(labels) != len(roots) {
		return nil, fmt.Errorf("got %d volume labels and %d roots", len(labels), len(roots))
	}
	vs := make(VolumeSet, len(labels))
	for i := range labels {
		vs[i] = Volume{Label: labels[i], Root: roots[i]}
	}
	return vs, nil
}

// Rotate returns a copy of the set starting at index start. The legacy
// single-drive receiver selected its drive this way.
func (vs VolumeSet) Rotate(start int) VolumeSet {
	n := len(vs)
	out := make(VolumeSet, n)
	for i := range vs {
		out[i] = vs[(start+i)%n]
	}
	return out
}

// Index returns the volume index for segment i: i mod len(vs).
func (vs VolumeSet) Index(segment int) int {
	return segment % len(vs)
}

// For returns the volume for segment i.
func (vs VolumeSet) For(segment int) Volume {
	return vs[vs.Index(segment)]
}

// Labels returns the volume labels in order.
func (vs VolumeSet) Labels() []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Label
	}
	return out
}
