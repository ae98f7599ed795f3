package logstore

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRingBufferEvictionByCount(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	vl := s.GetOrCreate("vm-1")

	for i := 0; i < maxLines+100; i++ {
		vl.Append("stdout", "line", SourceLauncher)
	}

	entries := vl.Read(time.Time{}, 0)
	require.Len(t, entries, maxLines)
}

func TestRingBufferEvictionByBytes(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	vl := s.GetOrCreate("vm-2")

	bigLine := strings.Repeat("x", 10000)
	for i := 0; i < 1000; i++ {
		vl.Append("stdout", bigLine, SourceLauncher)
	}

	entries := vl.Read(time.Time{}, 0)
	totalBytes := 0
	for _, e := range entries {
		totalBytes += len(e.Line) + len(e.Stream) + 100
	}
	require.LessOrEqual(t, totalBytes, maxBytes+20000)
}

func TestFilePersistence(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	vl := s.GetOrCreate("vm-3")

	vl.Append("stdout", "hello", SourceLauncher)
	vl.Append("stderr", "world", SourceLauncher)

	filePath := filepath.Join(dir, "vm-3.ndjson")
	data, err := os.ReadFile(filePath)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
	require.Contains(t, string(data), "world")
}

func TestFileRotationCompressesPriorGeneration(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	vl := s.GetOrCreate("vm-4")

	bigLine := strings.Repeat("a", 100000)
	for i := 0; i < 120; i++ {
		vl.Append("stdout", bigLine, SourceLauncher)
	}
	vl.Close()

	rotatedPath := filepath.Join(dir, "vm-4.ndjson.1.gz")
	f, err := os.Open(rotatedPath)
	require.NoError(t, err)
	defer f.Close()

	gr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(gr)
	require.NoError(t, err)
	require.Contains(t, string(data), "aaaa")
}

func TestSubscribeAndRead(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	vl := s.GetOrCreate("vm-5")

	vl.Append("stdout", "before-1", SourceLauncher)
	vl.Append("stdout", "before-2", SourceLauncher)

	ch, existing, unsub := vl.Subscribe()
	defer unsub()
	require.Len(t, existing, 2)

	vl.Append("stdout", "after-1", SourceLauncher)

	select {
	case entry := <-ch:
		require.Equal(t, "after-1", entry.Line)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscription entry")
	}
}

func TestReadSinceAndTail(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	vl := s.GetOrCreate("vm-6")

	t1 := time.Now()
	time.Sleep(10 * time.Millisecond)
	vl.Append("stdout", "line-1", SourceLauncher)
	vl.Append("stdout", "line-2", SourceLauncher)
	vl.Append("stdout", "line-3", SourceLauncher)
	vl.Append("stdout", "line-4", SourceLauncher)

	all := vl.Read(time.Time{}, 0)
	require.Len(t, all, 4)

	since := vl.Read(t1, 0)
	require.Len(t, since, 4)

	tail := vl.Read(time.Time{}, 2)
	require.Len(t, tail, 2)
	require.Equal(t, "line-3", tail[0].Line)
	require.Equal(t, "line-4", tail[1].Line)
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	vl := s.GetOrCreate("vm-7")
	vl.Append("stdout", "test", SourceLauncher)

	filePath := filepath.Join(dir, "vm-7.ndjson")
	_, err := os.Stat(filePath)
	require.NoError(t, err)

	s.Remove("vm-7")

	require.Nil(t, s.Get("vm-7"))
	_, err = os.Stat(filePath)
	require.True(t, os.IsNotExist(err))
}

func TestGetOrCreateIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	vl1 := s.GetOrCreate("vm-8")
	vl2 := s.GetOrCreate("vm-8")

	require.Same(t, vl1, vl2)
}
