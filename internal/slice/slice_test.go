package slice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/capability"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/config"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/exec"
)

type fakeGateway struct {
	calls []string
}

func (g *fakeGateway) Run(ctx context.Context, name string, args []string, opts exec.Options) (exec.Result, error) {
	g.calls = append(g.calls, name)
	return exec.Result{ExitCode: 0}, nil
}

type fakeTranscriber struct {
	segments []capability.TranscriptSegment
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath, language string, vadFilter bool) ([]capability.TranscriptSegment, error) {
	return f.segments, nil
}

func ecommerceProfile() config.SceneProfile {
	return config.SceneProfile{
		Name:         "ecommerce",
		PreRoll:      3.0,
		PostRoll:     5.0,
		MinDuration:  5.0,
		MaxHardLimit: 60.0,
		MinHits:      2,
		HighKeywords: []string{"buy now", "limited"},
		MidKeywords:  []string{"discount"},
	}
}

func TestAnalyzeContentExpandsAnchorAndEnforcesDensity(t *testing.T) {
	segments := []capability.TranscriptSegment{
		{Start: 0, End: 4, Text: "welcome to the show"},
		{Start: 4, End: 8, Text: "buy now while it lasts"},
		{Start: 8, End: 12, Text: "use code discount for savings"},
		{Start: 40, End: 44, Text: "limited stock remaining"},
	}
	cfg := config.Config{SceneSlicer: config.SceneSlicerConfig{
		Profiles: map[string]config.SceneProfile{"ecommerce": ecommerceProfile()},
	}}

	s := New(cfg, &fakeGateway{}, nil, nil, "ffmpeg", &fakeTranscriber{segments: segments}, nil)

	clips, err := s.analyzeContent(context.Background(), "video.mp4", "en", cfg.SceneSlicer.Profiles["ecommerce"])
	require.NoError(t, err)
	require.Len(t, clips, 1)

	// The "buy now" anchor (seg 1, [4,8]) expands to [1,13] with
	// pre_roll=3/post_roll=5, picking up the "discount" mid-keyword
	// segment at [8,12] for a second density hit, satisfying MinHits=2.
	assert.InDelta(t, 1.0, clips[0].Start, 0.001)
	assert.InDelta(t, 13.0, clips[0].End, 0.001)

	// The isolated "limited stock" anchor at [37,49] only has 1 hit,
	// below MinHits=2, so it must be dropped rather than appear as a
	// second clip.
}

func TestAnalyzeContentDropsWindowsBelowMinHits(t *testing.T) {
	segments := []capability.TranscriptSegment{
		{Start: 40, End: 44, Text: "limited stock remaining"},
	}
	profile := ecommerceProfile()
	cfg := config.Config{SceneSlicer: config.SceneSlicerConfig{
		Profiles: map[string]config.SceneProfile{"ecommerce": profile},
	}}
	s := New(cfg, &fakeGateway{}, nil, nil, "ffmpeg", &fakeTranscriber{segments: segments}, nil)

	clips, err := s.analyzeContent(context.Background(), "video.mp4", "en", profile)
	require.NoError(t, err)
	assert.Empty(t, clips, "single-hit window must be dropped when MinHits=2")
}

func TestAnalyzeContentReturnsNilWhenNoTranscript(t *testing.T) {
	profile := ecommerceProfile()
	cfg := config.Config{SceneSlicer: config.SceneSlicerConfig{
		Profiles: map[string]config.SceneProfile{"ecommerce": profile},
	}}
	s := New(cfg, &fakeGateway{}, nil, nil, "ffmpeg", &fakeTranscriber{}, nil)

	clips, err := s.analyzeContent(context.Background(), "video.mp4", "en", profile)
	require.NoError(t, err)
	assert.Nil(t, clips)
}

func TestMergeOverlappingClipsJoinsWithinGapTolerance(t *testing.T) {
	clips := []Clip{
		{Start: 0, End: 10, Text: "a"},
		{Start: 11, End: 20, Text: "b"}, // gap 1s, within 2s tolerance
		{Start: 30, End: 40, Text: "c"}, // gap 10s, stays separate
	}
	merged := mergeOverlappingClips(clips, 2.0)
	require.Len(t, merged, 2)
	assert.InDelta(t, 0.0, merged[0].Start, 0.001)
	assert.InDelta(t, 20.0, merged[0].End, 0.001)
	assert.InDelta(t, 30.0, merged[1].Start, 0.001)
}

func TestContainsAnySubstringMatch(t *testing.T) {
	assert.True(t, containsAny("use code discount now", []string{"discount"}))
	assert.False(t, containsAny("nothing relevant here", []string{"discount"}))
	assert.False(t, containsAny("text", []string{""}))
}

func TestNearestSegmentPicksClosestMidpoint(t *testing.T) {
	segments := []capability.TranscriptSegment{
		{Start: 0, End: 2},
		{Start: 10, End: 12},
		{Start: 20, End: 22},
	}
	idx, ok := nearestSegment(segments, 11.4)
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestCutUnknownProfileIsBadInput(t *testing.T) {
	cfg := config.Config{SceneSlicer: config.SceneSlicerConfig{Profiles: map[string]config.SceneProfile{}}}
	s := New(cfg, &fakeGateway{}, nil, nil, "ffmpeg", &fakeTranscriber{}, nil)

	_, err := s.Cut(context.Background(), Request{VideoPath: "video.mp4", ProfileName: "nonexistent"})
	require.Error(t, err)
}
