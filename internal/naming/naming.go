package naming

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"He6CRES/udprx/internal/buffer"
)

const (
	// DataDir is the directory under each volume root that holds segments.
	DataDir = "data"
	// Prefix and Ext make up Freq_data_<stamp>.spec.
	Prefix = "Freq_data_"
	Ext    = ".spec"
	// TimeLayout is YYYY-MM-DD-HH-MM-SS.
	TimeLayout = "2006-01-02-15-04-05"
)

// Policy builds segment paths of the form
// <volume root>/data/Freq_data_<YYYY-MM-DD-HH-MM-SS>.spec.
//
// Two segments on the same volume within the same second would collide; the
// second and later ones get a _NNNNNN counter before the extension. A path is
// never handed out twice, and a path that already exists on disk is skipped.
type Policy struct {
	loc *time.Location

	mu     sync.Mutex
	issued map[string]struct{}
	seq    map[string]int
	stat   func(string) (os.FileInfo, error)
}

// New returns a Policy that formats timestamps in loc (time.Local if nil).
func New(loc *time.Location) *Policy {
	if loc == nil {
		loc = time.Local
	}
	return &Policy{
		loc:    loc,
		issued: make(map[string]struct{}),
		seq:    make(map[string]int),
		stat:   os.Stat,
	}
}

// Dir returns the data directory for a volume.
func Dir(v buffer.Volume) string {
	return filepath.Join(v.Root, DataDir)
}

// Path returns a fresh output path for a segment completed at t on v.
func (p *Policy) Path(t time.Time, v buffer.Volume) string {
	stamp := t.In(p.loc).Format(TimeLayout)
	base := filepath.Join(Dir(v), Prefix+stamp)

	p.mu.Lock()
	defer p.mu.Unlock()

	candidate := base + Ext
	for p.taken(candidate) {
		p.seq[base]++
		candidate = fmt.Sprintf("%s_%06d%s", base, p.seq[base], Ext)
	}
	p.issued[candidate] = struct{}{}
	return candidate
}

func (p *Policy) taken(path string) bool {
	if _, ok := p.issued[path]; ok {
		return true
	}
	_, err := p.stat(path)
	return err == nil
}
