package beatmix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/beats"
)

// TestBuildIntervalsMatchesE4 is spec.md's E4 beat-mix-determinism
// scenario: beats=[0.00,0.33,0.66,1.00], window (0,1), min_interval=0.33
// yields three intervals [0,.33],[.33,.66],[.66,1].
func TestBuildIntervalsMatchesE4(t *testing.T) {
	win := Window{Start: 0, End: 1.0}
	beatsInWindow := filterBeats([]float64{0.00, 0.33, 0.66, 1.00}, win)
	intervals := buildIntervals(beatsInWindow, win, 0.33)

	require.Len(t, intervals, 3)
	assert.InDelta(t, 0.00, intervals[0].Start, 1e-9)
	assert.InDelta(t, 0.33, intervals[0].End, 1e-9)
	assert.InDelta(t, 0.33, intervals[1].Start, 1e-9)
	assert.InDelta(t, 0.66, intervals[1].End, 1e-9)
	assert.InDelta(t, 0.66, intervals[2].Start, 1e-9)
	assert.InDelta(t, 1.00, intervals[2].End, 1e-9)

	total := 0.0
	for _, iv := range intervals {
		total += iv.End - iv.Start
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestBuildIntervalsMergesTooCloseBeats(t *testing.T) {
	win := Window{Start: 0, End: 2.0}
	beatsInWindow := filterBeats([]float64{0.1, 0.15, 0.9, 1.95}, win)
	intervals := buildIntervals(beatsInWindow, win, 0.5)

	// 0.1 and 0.15 lie within 0.5s of the window start and are merged
	// away, so the first interval runs from 0 to the 0.9 beat.
	require.Len(t, intervals, 3)
	assert.InDelta(t, 0.9, intervals[0].End, 1e-9)
	for _, iv := range intervals {
		assert.GreaterOrEqual(t, iv.End-iv.Start, 0.0)
	}
	// every interval boundary lies within the window
	for _, iv := range intervals {
		assert.GreaterOrEqual(t, iv.Start, win.Start)
		assert.LessOrEqual(t, iv.End, win.End)
	}
}

func TestFilterBeatsExcludesOutOfWindow(t *testing.T) {
	win := Window{Start: 1.0, End: 3.0}
	out := filterBeats([]float64{0.5, 1.0, 2.0, 3.0, 4.0}, win)
	assert.Equal(t, []float64{1.0, 2.0, 3.0}, out)
}

func TestResolveWindowUsesUserWindowWhenValid(t *testing.T) {
	meta := beats.Meta{Duration: 10, Highlight: beats.Highlight{Start: 2, End: 4}}
	got := resolveWindow(Window{Start: 1, End: 5}, meta)
	assert.Equal(t, Window{Start: 1, End: 5}, got)
}

func TestResolveWindowFallsBackToHighlight(t *testing.T) {
	meta := beats.Meta{Duration: 10, Highlight: beats.Highlight{Start: 2, End: 4}}
	got := resolveWindow(Window{Start: 0, End: 0}, meta)
	assert.Equal(t, Window{Start: 2, End: 4}, got)
}

func TestResolveWindowFallsBackToFullDuration(t *testing.T) {
	meta := beats.Meta{Duration: 10, Highlight: beats.Highlight{Start: 0, End: 0}}
	got := resolveWindow(Window{Start: 0, End: 0}, meta)
	assert.Equal(t, Window{Start: 0, End: 10}, got)
}

func TestResolveWindowClampsToAudioDuration(t *testing.T) {
	meta := beats.Meta{Duration: 5}
	got := resolveWindow(Window{Start: -1, End: 100}, meta)
	assert.Equal(t, 0.0, got.Start)
	assert.Equal(t, 5.0, got.End)
}

func TestClipMinIntervalDefaultsWhenZero(t *testing.T) {
	assert.Equal(t, 0.5, clipMinInterval(0))
	assert.Equal(t, 0.5, clipMinInterval(-1))
	assert.Equal(t, 0.2, clipMinInterval(0.2))
}

func TestPoolPickerReshufflesWithReplacement(t *testing.T) {
	p := newPoolPicker([]string{"a.mp4", "b.mp4"})
	seen := map[string]int{}
	for i := 0; i < 20; i++ {
		seen[p.next()]++
	}
	assert.Equal(t, 20, seen["a.mp4"]+seen["b.mp4"])
	assert.Greater(t, seen["a.mp4"], 0)
	assert.Greater(t, seen["b.mp4"], 0)
}
