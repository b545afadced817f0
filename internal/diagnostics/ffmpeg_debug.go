// Package diagnostics captures full FFmpeg stderr to per-job debug log
// files when enabled, separate from the terse structured logger used
// for normal operation.
package diagnostics

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LogWriter adapts a line-oriented logger sink to io.Writer, splitting
// arbitrary writes (as produced by a subprocess's stderr pipe) into
// discrete lines.
type LogWriter struct {
	Sink   func(line string)
	buffer strings.Builder
}

func (w *LogWriter) Write(p []byte) (int, error) {
	w.buffer.Write(p)
	for {
		s := w.buffer.String()
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(s[:idx], "\r")
		if line != "" {
			w.Sink(line)
		}
		w.buffer.Reset()
		w.buffer.WriteString(s[idx+1:])
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *LogWriter) Flush() {
	if s := w.buffer.String(); s != "" {
		w.Sink(s)
		w.buffer.Reset()
	}
}

// FFmpegDebugLog is a per-job debug file capturing every byte of
// FFmpeg stderr, enabled via Config.Debug.EnableFFmpegDebugLog.
type FFmpegDebugLog struct {
	file *os.File
	w    *bufio.Writer
}

// Open creates <outputDir>/debug/ffmpeg_<jobID>.log and writes a header.
func Open(outputDir, jobID, command string) (*FFmpegDebugLog, error) {
	dir := filepath.Join(outputDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create debug dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("ffmpeg_%s.log", jobID))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create debug log: %w", err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "Job: %s\nTime: %s\nCommand: %s\n---\n", jobID, time.Now().Format(time.RFC3339), command)
	return &FFmpegDebugLog{file: f, w: w}, nil
}

// Writer returns an io.Writer suitable for passing as a subprocess's
// StderrPipe destination (via io.Copy or io.MultiWriter).
func (d *FFmpegDebugLog) Writer() io.Writer {
	return d.w
}

// Close flushes and closes the log file.
func (d *FFmpegDebugLog) Close() error {
	if err := d.w.Flush(); err != nil {
		d.file.Close()
		return err
	}
	return d.file.Close()
}
