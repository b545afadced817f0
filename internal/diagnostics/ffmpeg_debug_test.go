package diagnostics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWritesHeaderAndPath(t *testing.T) {
	dir := t.TempDir()
	dbg, err := Open(dir, "job-1", "ffmpeg -i in.mp4 out.mp4")
	require.NoError(t, err)
	require.NoError(t, dbg.Close())

	path := filepath.Join(dir, "debug", "ffmpeg_job-1.log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Job: job-1")
	assert.Contains(t, string(data), "ffmpeg -i in.mp4 out.mp4")
}

func TestWriterCapturesStreamedOutput(t *testing.T) {
	dir := t.TempDir()
	dbg, err := Open(dir, "job-2", "cmd")
	require.NoError(t, err)

	_, err = dbg.Writer().Write([]byte("frame=1 fps=25\nframe=2 fps=25\n"))
	require.NoError(t, err)
	require.NoError(t, dbg.Close())

	data, err := os.ReadFile(filepath.Join(dir, "debug", "ffmpeg_job-2.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "frame=1 fps=25")
	assert.Contains(t, string(data), "frame=2 fps=25")
}

func TestLogWriterSplitsOnNewlinesAndFlushesTrailingPartial(t *testing.T) {
	var lines []string
	w := &LogWriter{Sink: func(line string) { lines = append(lines, line) }}

	_, err := w.Write([]byte("first\nsecond\npartial"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, lines)

	w.Flush()
	assert.Equal(t, []string{"first", "second", "partial"}, lines)
}

func TestLogWriterTrimsCarriageReturnsAndSkipsBlankLines(t *testing.T) {
	var lines []string
	w := &LogWriter{Sink: func(line string) { lines = append(lines, line) }}

	_, err := w.Write([]byte("one\r\n\ntwo\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lines)
}
