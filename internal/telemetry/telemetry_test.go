package telemetry

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("pipe closed") }

func TestEmitter_SingleShotLine(t *testing.T) {
	var out bytes.Buffer
	e := NewEmitter(&out, true)

	// 1000 packets of 4128 bytes.
	require.NoError(t, e.Emit(Record{
		FileInAcq: 0,
		Path:      "/mnt/sdb/data/Freq_data_2023-05-01-12-00-00.spec",
		Packets:   1000,
		SizeMB:    SizeMB(4128000),
	}))

	assert.Equal(t, "file_path:/mnt/sdb/data/Freq_data_2023-05-01-12-00-00.spec,packets:1000,file_size_mb:4\n", out.String())
	assert.Equal(t, 1, e.Lines())
}

func TestEmitter_IndexedLines(t *testing.T) {
	var out bytes.Buffer
	e := NewEmitter(&out, false)
	for i, vol := range []string{"sdb", "sdc", "sdd"} {
		require.NoError(t, e.Emit(Record{FileInAcq: i, Path: "/mnt/" + vol + "/data/x.spec", Packets: 10, SizeMB: 0}))
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "file_in_acq:0,file_path:/mnt/sdb/data/x.spec,packets:10,file_size_mb:0", lines[0])
	assert.True(t, strings.HasPrefix(lines[2], "file_in_acq:2,file_path:/mnt/sdd/"))
}

func TestEmitter_ErrorFieldSanitized(t *testing.T) {
	var out bytes.Buffer
	e := NewEmitter(&out, false)
	require.NoError(t, e.Emit(Record{
		FileInAcq: 3,
		Path:      "/mnt/sdc/data/f.spec",
		Packets:   7,
		Error:     "open /mnt/sdc/data/f.spec: no space left on device, giving up",
	}))

	line := strings.TrimSpace(out.String())
	assert.Equal(t, "file_in_acq:3,file_path:/mnt/sdc/data/f.spec,packets:7,file_size_mb:0,error:open /mnt/sdc/data/f.spec; no space left on device; giving up", line)

	// Every field still splits into exactly one key and one value.
	for _, param := range strings.Split(line, ",") {
		assert.Len(t, strings.Split(param, ":"), 2, param)
	}
}

func TestEmitter_WriteError(t *testing.T) {
	e := NewEmitter(failingWriter{}, true)
	assert.Error(t, e.Emit(Record{Path: "p"}))
	assert.Equal(t, 0, e.Lines())
}

func TestSizeMB(t *testing.T) {
	assert.Equal(t, int64(0), SizeMB(999999))
	assert.Equal(t, int64(1), SizeMB(1000000))
	assert.Equal(t, int64(682), SizeMB(682000000+999))
}

func TestParse_RoundTrip(t *testing.T) {
	in := Record{FileInAcq: 5, Indexed: true, Path: "/mnt/sdd/data/Freq_data_2023-05-01-12-00-05_000001.spec", Packets: 165000, SizeMB: 681, Error: "disk gone"}
	got, err := Parse(Format(in) + "\n")
	require.NoError(t, err)
	assert.Equal(t, in, got)

	single := Record{Path: "/mnt/sdb/data/a.spec", Packets: 1, SizeMB: 0}
	got, err = Parse(Format(single))
	require.NoError(t, err)
	assert.False(t, got.Indexed)
	assert.Equal(t, single, got)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"no colon", "file_path/a,packets:1,file_size_mb:0"},
		{"bad packets", "file_path:/a,packets:many,file_size_mb:0"},
		{"bad index", "file_in_acq:x,file_path:/a,packets:1,file_size_mb:0"},
		{"missing size", "file_path:/a,packets:1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.line)
			assert.Error(t, err)
		})
	}
}

func TestParse_IgnoresUnknownKeys(t *testing.T) {
	r, err := Parse("file_path:/a,packets:2,file_size_mb:0,rate:9")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Packets)
}
