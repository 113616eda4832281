// Package telemetry writes the one-line-per-segment report consumed by the
// acquisition database loader, and parses it back.
//
// A line looks like
//
//	file_in_acq:0,file_path:/mnt/sdb/data/Freq_data_2023-01-01-00-00-00.spec,packets:1000,file_size_mb:4
//
// file_in_acq is left out for single-shot captures. A failed segment gets a
// trailing error key.
package telemetry

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Keys, in emission order.
const (
	KeyFileInAcq  = "file_in_acq"
	KeyFilePath   = "file_path"
	KeyPackets    = "packets"
	KeyFileSizeMB = "file_size_mb"
	KeyError      = "error"
)

const bytesPerMB = 1000000

// Record is one telemetry line.
type Record struct {
	// FileInAcq is the segment index within the acquisition. Indexed is false
	// when the line carried no file_in_acq key.
	FileInAcq int
	Indexed   bool
	Path      string
	Packets   int
	// SizeMB is whole decimal megabytes, truncated.
	SizeMB int64
	Error  string
}

// SizeMB converts a byte count to the truncated megabyte figure reported on
// the line.
func SizeMB(bytes int64) int64 {
	return bytes / bytesPerMB
}

var sanitizer = strings.NewReplacer(",", ";", ":", ";", "\r", " ", "\n", " ")

// Sanitize makes s safe to carry as a value on a telemetry line.
func Sanitize(s string) string {
	return sanitizer.Replace(s)
}

// Format renders r. The index is written only when r.Indexed is set.
func Format(r Record) string {
	var b strings.Builder
	if r.Indexed {
		b.WriteString(KeyFileInAcq)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(r.FileInAcq))
		b.WriteByte(',')
	}
	fmt.Fprintf(&b, "%s:%s,%s:%d,%s:%d", KeyFilePath, r.Path, KeyPackets, r.Packets, KeyFileSizeMB, r.SizeMB)
	if r.Error != "" {
		b.WriteString(",")
		b.WriteString(KeyError)
		b.WriteByte(':')
		b.WriteString(Sanitize(r.Error))
	}
	return b.String()
}

// Emitter writes records to w, one line per call. It is safe for concurrent
// use, though the capture loop only emits from its reporter goroutine.
type Emitter struct {
	mu         sync.Mutex
	w          io.Writer
	singleShot bool
	lines      int
}

// NewEmitter returns an emitter. In single-shot mode the file_in_acq key is
// never written.
func NewEmitter(w io.Writer, singleShot bool) *Emitter {
	return &Emitter{w: w, singleShot: singleShot}
}

// Emit writes r as one line.
func (e *Emitter) Emit(r Record) error {
	r.Indexed = !e.singleShot
	line := Format(r) + "\n"

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := io.WriteString(e.w, line); err != nil {
		return fmt.Errorf("failed to write telemetry line: %w", err)
	}
	e.lines++
	return nil
}

// Lines is the number of lines written so far.
func (e *Emitter) Lines() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lines
}

// Parse reads a line back into a Record. Unknown keys are ignored, the way
// the database loader ignores them.
func Parse(line string) (Record, error) {
	var r Record
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return r, fmt.Errorf("empty telemetry line")
	}
	seen := make(map[string]bool)
	for _, param := range strings.Split(line, ",") {
		key, value, ok := strings.Cut(param, ":")
		if !ok {
			return r, fmt.Errorf("malformed telemetry field %q", param)
		}
		seen[key] = true
		var err error
		switch key {
		case KeyFileInAcq:
			r.Indexed = true
			r.FileInAcq, err = strconv.Atoi(value)
		case KeyFilePath:
			r.Path = value
		case KeyPackets:
			r.Packets, err = strconv.Atoi(value)
		case KeyFileSizeMB:
			r.SizeMB, err = strconv.ParseInt(value, 10, 64)
		case KeyError:
			r.Error = value
		}
		if err != nil {
			return r, fmt.Errorf("invalid %s value %q: %w", key, value, err)
		}
	}
	for _, k := range []string{KeyFilePath, KeyPackets, KeyFileSizeMB} {
		if !seen[k] {
			return r, fmt.Errorf("telemetry line missing %s", k)
		}
	}
	return r, nil
}
