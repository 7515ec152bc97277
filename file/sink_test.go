package file_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dirwatch/dirwatch"
	"github.com/dirwatch/dirwatch/file"
)

type record struct {
	Timestamp time.Time `json:"ts"`
	Path      string    `json:"path"`
	Events    []string  `json:"events"`
}

func TestSink_WriteChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changes.ndjson")
	s := file.NewSink(path)

	require.NoError(t, s.WriteChange(t.Context(), dirwatch.Change{
		Path:   "/data/a/x.txt",
		Events: []dirwatch.Event{{Kind: dirwatch.Created}, {Kind: dirwatch.Modified}},
	}))
	require.NoError(t, s.WriteChange(t.Context(), dirwatch.Change{
		Path:   "/data/a/sub",
		Events: []dirwatch.Event{{Kind: dirwatch.Unknown, Tag: "isdir"}},
	}))
	require.NoError(t, s.Close())

	records := readRecords(t, path)
	require.Len(t, records, 2)

	require.Equal(t, "/data/a/x.txt", records[0].Path)
	require.Equal(t, []string{"created", "modified"}, records[0].Events)
	require.False(t, records[0].Timestamp.IsZero())

	require.Equal(t, "/data/a/sub", records[1].Path)
	require.Equal(t, []string{"unknown(isdir)"}, records[1].Events)
}

func TestSink_WriteChange_NoEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changes.ndjson")
	s := file.NewSink(path)

	require.NoError(t, s.WriteChange(t.Context(), dirwatch.Change{Path: "/data/a/x"}))
	require.NoError(t, s.Close())

	records := readRecords(t, path)
	require.Len(t, records, 1)
	require.Empty(t, records[0].Events)
}

func TestSink_Append(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changes.ndjson")

	s := file.NewSink(path)
	require.NoError(t, s.WriteChange(t.Context(), dirwatch.Change{Path: "/data/a/x"}))
	require.NoError(t, s.Close())

	// A new sink on the same path appends rather than truncating.
	s = file.NewSink(path)
	require.NoError(t, s.WriteChange(t.Context(), dirwatch.Change{Path: "/data/a/y"}))
	require.NoError(t, s.Close())

	records := readRecords(t, path)
	require.Len(t, records, 2)
	require.Equal(t, "/data/a/x", records[0].Path)
	require.Equal(t, "/data/a/y", records[1].Path)
}

func TestSink_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "changes.ndjson")
	s := file.NewSink(path)

	require.NoError(t, s.WriteChange(t.Context(), dirwatch.Change{Path: "/data/a/x"}))
	require.NoError(t, s.Close())

	require.Len(t, readRecords(t, path), 1)
}

func TestSink_Name(t *testing.T) {
	if got, want := file.NewSink("/tmp/changes.ndjson").Name(), "file:/tmp/changes.ndjson"; got != want {
		t.Fatalf("name=%s, want %s", got, want)
	}
}

func TestSink_CloseWithoutWrite(t *testing.T) {
	require.NoError(t, file.NewSink(filepath.Join(t.TempDir(), "changes.ndjson")).Close())
}

func readRecords(tb testing.TB, path string) []record {
	tb.Helper()

	buf, err := os.ReadFile(path)
	require.NoError(tb, err)

	var records []record
	for _, line := range strings.Split(strings.TrimSpace(string(buf)), "\n") {
		if line == "" {
			continue
		}
		var rec record
		require.NoError(tb, json.Unmarshal([]byte(line), &rec))
		records = append(records, rec)
	}
	return records
}
