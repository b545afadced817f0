package perr

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageIncludesCauseWhenPresent(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(ProbeFailure, "probe failed", cause)
	assert.Equal(t, "PROBE_FAILURE: probe failed: boom", e.Error())
}

func TestErrorMessageOmitsCauseWhenAbsent(t *testing.T) {
	e := New(BadInputKind, "mixed resolutions")
	assert.Equal(t, "BAD_INPUT_KIND: mixed resolutions", e.Error())
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	e := Wrap(EncodeFailure, "encode failed", cause)
	assert.Same(t, cause, errors.Unwrap(e))
}

func TestErrorsAsRecoversStructuredError(t *testing.T) {
	err := error(NewToolNotFound("ffmpeg"))
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, ToolNotFound, e.Kind)
	assert.Equal(t, "ffmpeg", e.Context["tool"])
}

func TestNewEncodeFailureTruncatesLongStderr(t *testing.T) {
	long := strings.Repeat("x", maxStderrTail+500)
	e := NewEncodeFailure("normalize failed", 1, long)
	assert.Len(t, e.StderrTail, maxStderrTail)
	assert.Equal(t, long[len(long)-maxStderrTail:], e.StderrTail)
}

func TestNewEncodeFailureKeepsShortStderrUntouched(t *testing.T) {
	e := NewEncodeFailure("normalize failed", 1, "short tail")
	assert.Equal(t, "short tail", e.StderrTail)
	assert.Equal(t, 1, e.ExitCode)
}

func TestUserMessageIncludesFileAndStderrTail(t *testing.T) {
	e := NewEncodeFailure("encode failed", 1, "moov atom not found")
	msg := UserMessage("clip.mp4", e)
	assert.Contains(t, msg, "clip.mp4")
	assert.Contains(t, msg, "moov atom not found")
}

func TestUserMessageFallsBackForPlainErrors(t *testing.T) {
	msg := UserMessage("clip.mp4", errors.New("generic failure"))
	assert.Equal(t, "clip.mp4: generic failure", msg)
}

func TestKindOfReturnsErrorKind(t *testing.T) {
	e := NewCancelled("stopped")
	assert.Equal(t, Cancelled, e.KindOf())
}
