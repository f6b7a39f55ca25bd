package archive

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdtrack/internal/frame"
)

func testFrame(t *testing.T, proto uint16) *frame.Frame {
	t.Helper()
	raw, err := frame.Encode(3, "213GL2018000123", proto, []byte{1, 2, 3})
	require.NoError(t, err)
	f, err := frame.Parse(raw)
	require.NoError(t, err)
	return f
}

func readAll(t *testing.T, dir string) [][][]string {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "frames_*.csv"))
	require.NoError(t, err)
	sort.Strings(paths)

	var files [][][]string
	for _, p := range paths {
		f, err := os.Open(p)
		require.NoError(t, err)
		rows, err := csv.NewReader(f).ReadAll()
		f.Close()
		require.NoError(t, err)
		files = append(files, rows)
	}
	return files
}

func TestRecordWritesRow(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir})
	f := testFrame(t, 0x2002)

	require.NoError(t, r.Record(f, "10.0.0.1:4000", "unsupported protocol"))
	r.Close()

	files := readAll(t, dir)
	require.Len(t, files, 1)
	require.Len(t, files[0], 2)
	assert.Equal(t, csvHeader, files[0][0])

	row := files[0][1]
	assert.Equal(t, "10.0.0.1:4000", row[1])
	assert.Equal(t, "213GL2018000123", row[2])
	assert.Equal(t, "3", row[3])
	assert.Equal(t, "0x2002", row[4])
	assert.Equal(t, "1", row[6])
	assert.Equal(t, "unsupported protocol", row[8])
	assert.Equal(t, f.Hex(), row[9])
	assert.Equal(t, uint64(1), r.Total())
}

func TestRecordRotates(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir, MaxRowsPerFile: 2})
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Record(testFrame(t, 0x2002), "peer", "x"))
	}
	r.Close()

	files := readAll(t, dir)
	require.Len(t, files, 3)
	assert.Len(t, files[0], 3)
	assert.Len(t, files[1], 3)
	assert.Len(t, files[2], 2)
}

func TestRecordDisabled(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Path: dir})
	assert.False(t, r.IsEnabled())
	require.NoError(t, r.Record(testFrame(t, 0x2002), "peer", "x"))
	assert.Empty(t, readAll(t, dir))

	r.SetEnabled(true)
	require.NoError(t, r.Record(testFrame(t, 0x2002), "peer", "x"))
	r.SetEnabled(false)
	assert.Len(t, readAll(t, dir), 1)
}

func TestRecordFromManyStreams(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir, MaxRowsPerFile: 50})
	f := testFrame(t, 0x2002)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				assert.NoError(t, r.Record(f, "peer", "x"))
			}
		}()
	}
	wg.Wait()
	r.Close()

	rows := 0
	for _, file := range readAll(t, dir) {
		assert.Equal(t, csvHeader, file[0])
		rows += len(file) - 1
	}
	assert.Equal(t, 200, rows)
	assert.Equal(t, uint64(200), r.Total())

	// Closed recorders ignore further frames.
	assert.NoError(t, r.Record(f, "peer", "x"))
	r.Close()
}
