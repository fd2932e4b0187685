package export_test

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	json "github.com/goccy/go-json"

	"github.com/ajitpratap0/siphon/internal/export"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

// TestSink_WritesJSONLines verifies records land one per line as valid JSON.
func TestSink_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	sink, err := export.OpenSink(path, false)
	require.NoError(t, err)

	require.NoError(t, sink.WriteRecord(map[string]interface{}{"id": "a", "n": 1}))
	require.NoError(t, sink.WriteRecord(map[string]interface{}{"id": "b", "n": 2}))
	require.NoError(t, sink.Close())

	assert.Equal(t, int64(2), sink.Records())
	assert.Greater(t, sink.BytesWritten(), int64(0))

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	for _, line := range lines {
		var v map[string]interface{}
		assert.NoError(t, json.Unmarshal([]byte(line), &v))
	}
}

// TestSink_AppendsAcrossOpens verifies a reopened sink appends instead of
// truncating, which resumability depends on.
func TestSink_AppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")

	first, err := export.OpenSink(path, false)
	require.NoError(t, err)
	require.NoError(t, first.WriteRecord(map[string]string{"run": "first"}))
	require.NoError(t, first.Close())

	second, err := export.OpenSink(path, false)
	require.NoError(t, err)
	require.NoError(t, second.WriteRecord(map[string]string{"run": "second"}))
	require.NoError(t, second.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "first")
	assert.Contains(t, lines[1], "second")
}

// TestSink_GzipOutput verifies compressed output decompresses back to the
// written lines, including appended members from separate runs.
func TestSink_GzipOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl.gz")

	for _, run := range []string{"first", "second"} {
		sink, err := export.OpenSink(path, true)
		require.NoError(t, err)
		require.NoError(t, sink.WriteRecord(map[string]string{"run": run}))
		require.NoError(t, sink.Close())
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	var lines []string
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "first")
	assert.Contains(t, lines[1], "second")
}
