// Package beatmix is the Beat Mixer (C10): slices a media pool to an
// audio track's beat grid within a chosen window, losslessly
// re-encoding each inter-beat interval to a uniform profile so the
// concat demuxer can stitch them without re-encoding, then remuxes the
// original audio window back over the result.
package beatmix

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/beats"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/classify"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/config"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/exec"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/media"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/perr"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/probe"
)

// Window is a closed [Start,End] time range in seconds.
type Window struct {
	Start float64
	End   float64
}

// Job describes one beat-mix render.
type Job struct {
	Audio            string
	Beats            []float64
	Window           Window
	MediaPool        []string
	OutputDir        string
	ClipMinInterval  float64 // default 0.5s when zero
}

// Mixer drives the beat-mix render.
type Mixer struct {
	cfg        config.Config
	gateway    exec.Gateway
	prober     *probe.Prober
	ffmpegPath string
}

func New(cfg config.Config, gateway exec.Gateway, prober *probe.Prober, ffmpegPath string) *Mixer {
	return &Mixer{cfg: cfg, gateway: gateway, prober: prober, ffmpegPath: ffmpegPath}
}

// Mix resolves the effective window, builds inter-beat intervals,
// renders one segment per interval from a randomly chosen pool item,
// concat-copies them, and remuxes the original audio window.
func (m *Mixer) Mix(ctx context.Context, job Job, bMeta beats.Meta) (string, error) {
	if len(job.MediaPool) == 0 {
		return "", perr.NewBadInputKind("beat mix requires a non-empty media pool", nil)
	}

	win := resolveWindow(job.Window, bMeta)
	if win.End <= win.Start {
		return "", perr.NewBadInputKind("beat mix window is empty", map[string]interface{}{"start": win.Start, "end": win.End})
	}

	intervals := buildIntervals(filterBeats(job.Beats, win), win, clipMinInterval(job.ClipMinInterval))
	if len(intervals) == 0 {
		return "", perr.NewBadInputKind("no intervals derived from beat grid", nil)
	}

	tempDir := filepath.Join(job.OutputDir, "tmp_"+uuid.NewString())
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}

	pool := newPoolPicker(job.MediaPool)
	segments := make([]string, len(intervals))
	for i, interval := range intervals {
		seg, err := m.renderSegment(ctx, tempDir, i, interval, pool)
		if err != nil {
			return "", fmt.Errorf("segment %d: %w", i, err)
		}
		segments[i] = seg
	}

	concatenated := filepath.Join(tempDir, "concat_video.mp4")
	if err := m.concatCopy(ctx, segments, concatenated); err != nil {
		return "", err
	}

	outPath := filepath.Join(job.OutputDir, fmt.Sprintf("beats_mixed_%s.mp4", uuid.NewString()[:8]))
	if err := m.remuxAudio(ctx, concatenated, job.Audio, win, outPath); err != nil {
		return "", err
	}

	os.RemoveAll(tempDir)
	return outPath, nil
}

func clipMinInterval(v float64) float64 {
	if v <= 0 {
		return 0.5
	}
	return v
}

func resolveWindow(user Window, bMeta beats.Meta) Window {
	w := user
	if w.End <= w.Start || w.Start < 0 {
		w = Window{Start: bMeta.Highlight.Start, End: bMeta.Highlight.End}
	}
	if w.End <= w.Start {
		w = Window{Start: 0, End: bMeta.Duration}
	}
	if w.Start < 0 {
		w.Start = 0
	}
	if w.End > bMeta.Duration {
		w.End = bMeta.Duration
	}
	return w
}

func filterBeats(allBeats []float64, win Window) []float64 {
	var out []float64
	for _, b := range allBeats {
		if b >= win.Start && b <= win.End {
			out = append(out, b)
		}
	}
	return out
}

type interval struct {
	Start, End float64
}

func buildIntervals(beatsInWindow []float64, win Window, minInterval float64) []interval {
	points := append([]float64{win.Start}, beatsInWindow...)
	points = append(points, win.End)

	var intervals []interval
	curStart := points[0]
	for i := 1; i < len(points); i++ {
		d := points[i] - curStart
		if d < minInterval && i < len(points)-1 {
			continue
		}
		if d <= 0 {
			continue
		}
		intervals = append(intervals, interval{Start: curStart, End: points[i]})
		curStart = points[i]
	}
	return intervals
}

// poolPicker reshuffles with replacement once the pool is exhausted.
type poolPicker struct {
	items  []string
	remain []string
}

func newPoolPicker(items []string) *poolPicker {
	return &poolPicker{items: items}
}

func (p *poolPicker) next() string {
	if len(p.remain) == 0 {
		p.remain = append([]string(nil), p.items...)
		rand.Shuffle(len(p.remain), func(i, j int) { p.remain[i], p.remain[j] = p.remain[j], p.remain[i] })
	}
	item := p.remain[len(p.remain)-1]
	p.remain = p.remain[:len(p.remain)-1]
	return item
}

func (m *Mixer) renderSegment(ctx context.Context, tempDir string, idx int, iv interval, pool *poolPicker) (string, error) {
	d := iv.End - iv.Start
	src := pool.next()
	outPath := filepath.Join(tempDir, fmt.Sprintf("seg_%04d.mp4", idx))

	kind := classify.KindOf(src)
	var args []string
	switch kind {
	case media.KindImage:
		args = []string{
			"-hide_banner", "-nostdin", "-y", "-loglevel", "error",
			"-loop", "1", "-i", src, "-t", fmt.Sprintf("%.3f", d),
			"-vf", fmt.Sprintf("fps=%d,format=yuv420p", m.cfg.Normalize.FPS),
			"-c:v", "libx264", "-pix_fmt", "yuv420p",
			"-an", outPath,
		}
	default:
		dur := m.prober.ProbeDuration(ctx, src)
		maxStart := dur - d
		if maxStart < 0 {
			maxStart = 0
		}
		start := rand.Float64() * maxStart
		args = []string{
			"-hide_banner", "-nostdin", "-y", "-loglevel", "error",
			"-ss", fmt.Sprintf("%.3f", start), "-i", src, "-t", fmt.Sprintf("%.3f", d),
			"-vf", fmt.Sprintf("fps=%d,format=yuv420p", m.cfg.Normalize.FPS),
			"-c:v", "libx264", "-pix_fmt", "yuv420p",
			"-an", outPath,
		}
	}

	res, err := m.gateway.Run(ctx, m.ffmpegPath, args, exec.Options{})
	if err != nil {
		return "", perr.NewEncodeFailure("beat-mix segment render failed", res.ExitCode, res.StderrTail)
	}
	return outPath, nil
}

func (m *Mixer) concatCopy(ctx context.Context, segments []string, outPath string) error {
	listPath := outPath + ".list.txt"
	var body string
	for _, s := range segments {
		abs, _ := filepath.Abs(s)
		body += fmt.Sprintf("file '%s'\n", filepath.ToSlash(abs))
	}
	if err := os.WriteFile(listPath, []byte(body), 0o644); err != nil {
		return err
	}
	defer os.Remove(listPath)

	args := []string{
		"-hide_banner", "-nostdin", "-y", "-loglevel", "error",
		"-f", "concat", "-safe", "0", "-i", listPath,
		"-c", "copy", outPath,
	}
	res, err := m.gateway.Run(ctx, m.ffmpegPath, args, exec.Options{})
	if err != nil {
		return perr.NewEncodeFailure("beat-mix concat-copy failed", res.ExitCode, res.StderrTail)
	}
	return nil
}

func (m *Mixer) remuxAudio(ctx context.Context, videoPath, audioPath string, win Window, outPath string) error {
	args := []string{
		"-hide_banner", "-nostdin", "-y", "-loglevel", "error",
		"-i", videoPath,
		"-ss", fmt.Sprintf("%.3f", win.Start), "-t", fmt.Sprintf("%.3f", win.End-win.Start), "-i", audioPath,
		"-map", "0:v:0", "-map", "1:a:0",
		"-c:v", "copy", "-c:a", "aac", "-ar", fmt.Sprintf("%d", m.cfg.SampleRates.CompositionHz),
		"-shortest", "-movflags", "+faststart",
		outPath,
	}
	res, err := m.gateway.Run(ctx, m.ffmpegPath, args, exec.Options{})
	if err != nil {
		return perr.NewEncodeFailure("beat-mix audio remux failed", res.ExitCode, res.StderrTail)
	}
	return nil
}
