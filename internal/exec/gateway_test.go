package exec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesStdout(t *testing.T) {
	g := NewOSGateway()
	res, err := g.Run(context.Background(), "echo", []string{"hello"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, string(res.Stdout), "hello")
}

func TestRunReportsNonZeroExitCode(t *testing.T) {
	g := NewOSGateway()
	_, err := g.Run(context.Background(), "sh", []string{"-c", "exit 3"}, Options{})
	require.Error(t, err)
}

func TestRunRespectsTimeout(t *testing.T) {
	g := NewOSGateway()
	start := time.Now()
	_, err := g.Run(context.Background(), "sleep", []string{"5"}, Options{Timeout: 50 * time.Millisecond, CancelGrace: 10 * time.Millisecond})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunCapturesStderrTail(t *testing.T) {
	g := NewOSGateway()
	_, err := g.Run(context.Background(), "sh", []string{"-c", "echo oops 1>&2; exit 1"}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
}

func TestSafeTailBufferKeepsOnlyTrailingBytes(t *testing.T) {
	var buf safeTailBuffer
	_, err := buf.Write([]byte(strings.Repeat("a", maxStderrTail+100)))
	require.NoError(t, err)
	assert.Len(t, buf.Tail(), maxStderrTail)
}

func TestDecodeOutputPassesThroughValidUTF8(t *testing.T) {
	assert.Equal(t, "hello", decodeOutput([]byte("hello")))
}

func TestDecodeOutputFallsBackOnInvalidUTF8(t *testing.T) {
	invalid := []byte{0xff, 0xfe, 'h', 'i'}
	out := decodeOutput(invalid)
	assert.Contains(t, out, "hi")
}
