// Package slice is the Scene Slicer (C11): transcribes a video,
// anchors on keyword/energy hits per a named scene profile, expands
// and merges the anchors into candidate windows, filters them by
// duration/keyword density and (optionally) a vision caption, then
// encodes each surviving window as its own clip.
package slice

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/capability"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/config"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/exec"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/hwprobe"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/perr"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/probe"
)

// Clip is one scene-slicer output window.
type Clip struct {
	Start      float64
	End        float64
	Text       string
	VisualDesc string
}

// Duration returns End-Start.
func (c Clip) Duration() float64 { return c.End - c.Start }

// SubtitleBurner overlays subtitles onto a rendered clip. Implemented
// by internal/subtitle; kept as an interface here so this package
// doesn't import it back (no cyclic graphs).
type SubtitleBurner interface {
	BurnSubtitles(ctx context.Context, videoPath string, language string, keywords []string) (string, error)
}

// Request describes one slicing run.
type Request struct {
	VideoPath    string
	OutputDir    string
	ProfileName  string // "ecommerce" | "game" | "entertainment" | "jumpcut"
	Language     string
	VisionVerify bool
	Burner       SubtitleBurner // optional; nil skips subtitle overlay
}

const defaultSliceCRF = 23

// Slicer drives the Scene Slicer.
type Slicer struct {
	cfg         config.Config
	gateway     exec.Gateway
	prober      *probe.Prober
	hw          *hwprobe.Probe
	ffmpegPath  string
	transcriber capability.Transcriber
	vision      capability.VisionCaptioner
}

// New builds a Slicer. vision may be nil if vision filtering is never requested.
func New(cfg config.Config, gateway exec.Gateway, prober *probe.Prober, hw *hwprobe.Probe, ffmpegPath string, transcriber capability.Transcriber, vision capability.VisionCaptioner) *Slicer {
	return &Slicer{cfg: cfg, gateway: gateway, prober: prober, hw: hw, ffmpegPath: ffmpegPath, transcriber: transcriber, vision: vision}
}

// Cut runs the slicer for req.ProfileName and returns the produced clip paths.
func (s *Slicer) Cut(ctx context.Context, req Request) ([]string, error) {
	profile, ok := s.cfg.SceneSlicer.Profiles[req.ProfileName]
	if !ok {
		return nil, perr.NewBadInputKind("unknown scene profile "+req.ProfileName, map[string]interface{}{"profile": req.ProfileName})
	}

	if req.ProfileName == "jumpcut" {
		return s.cutJumpcut(ctx, req, profile)
	}

	clips, err := s.analyzeContent(ctx, req.VideoPath, req.Language, profile)
	if err != nil {
		return nil, err
	}
	if req.VisionVerify && s.vision != nil {
		clips = s.filterByVision(ctx, req.VideoPath, clips, profile)
	}
	return s.render(ctx, req, profile, clips)
}

// analyzeContent implements the anchor-expand-merge-filter algorithm
// for the ecommerce/game/entertainment profiles.
func (s *Slicer) analyzeContent(ctx context.Context, videoPath, language string, profile config.SceneProfile) ([]Clip, error) {
	segments, err := s.transcriber.Transcribe(ctx, videoPath, language, true)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	if len(segments) == 0 {
		return nil, nil
	}

	var peaks []float64
	if profile.Name == "game" {
		if p, err := s.audioEnergyPeaks(ctx, videoPath); err == nil {
			peaks = p
		}
	}

	anchors := map[int]bool{}
	for i, seg := range segments {
		if containsAny(seg.Text, profile.HighKeywords) {
			anchors[i] = true
		}
	}
	if profile.Name == "game" {
		for _, t := range peaks {
			if idx, ok := nearestSegment(segments, t); ok {
				anchors[idx] = true
			}
		}
	}
	if len(anchors) == 0 {
		return nil, nil
	}

	type window struct {
		start, end float64
		text       string
	}
	var windows []window
	for _, idx := range sortedKeys(anchors) {
		seg := segments[idx]
		start := seg.Start - profile.PreRoll
		if start < 0 {
			start = 0
		}
		windows = append(windows, window{start: start, end: seg.End + profile.PostRoll, text: seg.Text})
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].start < windows[j].start })

	merged := []window{windows[0]}
	for _, w := range windows[1:] {
		last := &merged[len(merged)-1]
		if w.start < last.end {
			if w.end > last.end {
				last.end = w.end
			}
			last.text += " | " + w.text
		} else {
			merged = append(merged, w)
		}
	}

	var clips []Clip
	for _, w := range merged {
		dur := w.end - w.start
		if dur > profile.MaxHardLimit {
			w.end = w.start + profile.MaxHardLimit
			dur = profile.MaxHardLimit
		}
		if dur < profile.MinDuration {
			continue
		}
		if densityHits(segments, w.start, w.end, profile, peaks) < profile.MinHits {
			continue
		}
		clips = append(clips, Clip{Start: w.start, End: w.end, Text: w.text})
	}

	return mergeOverlappingClips(clips, 2.0), nil
}

func densityHits(segments []capability.TranscriptSegment, start, end float64, profile config.SceneProfile, peaks []float64) int {
	hits := 0
	for _, seg := range segments {
		if seg.Start >= start && seg.End <= end {
			if containsAny(seg.Text, profile.HighKeywords) || containsAny(seg.Text, profile.MidKeywords) {
				hits++
			}
		}
	}
	if profile.Name == "game" && hits < profile.MinHits {
		for _, t := range peaks {
			if t >= start && t <= end {
				hits++
				break
			}
		}
	}
	return hits
}

func mergeOverlappingClips(clips []Clip, gapTol float64) []Clip {
	if len(clips) == 0 {
		return nil
	}
	sort.Slice(clips, func(i, j int) bool { return clips[i].Start < clips[j].Start })
	merged := []Clip{clips[0]}
	for _, c := range clips[1:] {
		last := &merged[len(merged)-1]
		if c.Start < last.End+gapTol {
			if c.End > last.End {
				last.End = c.End
			}
			last.Text += " | " + c.Text
		} else {
			merged = append(merged, c)
		}
	}
	return merged
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func nearestSegment(segments []capability.TranscriptSegment, t float64) (int, bool) {
	best := -1
	bestDiff := math.MaxFloat64
	for i, seg := range segments {
		mid := (seg.Start + seg.End) / 2
		if diff := math.Abs(mid - t); diff < bestDiff {
			bestDiff = diff
			best = i
		}
	}
	return best, best >= 0
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// audioEnergyPeaks returns timestamps (seconds) of 500ms chunks whose
// RMS exceeds the track's average RMS by more than 1.8x, used by the
// "game" profile to anchor on loud moments the transcript misses.
func (s *Slicer) audioEnergyPeaks(ctx context.Context, videoPath string) ([]float64, error) {
	tmp, err := os.CreateTemp("", "slice_pcm_*.raw")
	if err != nil {
		return nil, err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	const sampleRate = 16000
	args := []string{
		"-hide_banner", "-nostdin", "-y", "-loglevel", "error",
		"-i", videoPath, "-f", "s16le", "-ac", "1", "-ar", fmt.Sprintf("%d", sampleRate),
		tmp.Name(),
	}
	res, err := s.gateway.Run(ctx, s.ffmpegPath, args, exec.Options{})
	if err != nil {
		return nil, perr.NewEncodeFailure("audio extraction for energy peaks failed", res.ExitCode, res.StderrTail)
	}

	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return nil, err
	}
	samples := decodeS16LE(data)

	const chunkMS = 500
	chunkLen := sampleRate * chunkMS / 1000
	var rms []float64
	for i := 0; i < len(samples); i += chunkLen {
		end := i + chunkLen
		if end > len(samples) {
			end = len(samples)
		}
		rms = append(rms, chunkRMS(samples[i:end]))
	}
	if len(rms) == 0 {
		return nil, nil
	}
	var sum float64
	for _, v := range rms {
		sum += v
	}
	avg := sum / float64(len(rms))
	threshold := avg * 1.8

	var peaks []float64
	for i, v := range rms {
		if v > threshold {
			peaks = append(peaks, float64(i)*float64(chunkMS)/1000.0)
		}
	}
	return peaks, nil
}

func decodeS16LE(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
	}
	return out
}

func chunkRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// filterByVision keeps only clips whose mid-frame caption contains a
// profile visual keyword; if the profile has no visual keywords any
// caption counts as a hit.
func (s *Slicer) filterByVision(ctx context.Context, videoPath string, clips []Clip, profile config.SceneProfile) []Clip {
	keys := make([]string, len(profile.VisualKeywords))
	for i, k := range profile.VisualKeywords {
		keys[i] = strings.ToLower(k)
	}

	var kept []Clip
	for _, c := range clips {
		mid := (c.Start + c.End) / 2
		framePath, err := s.extractMidFrame(ctx, videoPath, mid)
		if err != nil {
			continue
		}
		desc, err := s.vision.Caption(ctx, framePath)
		os.Remove(framePath)
		if err != nil {
			continue
		}
		lowerDesc := strings.ToLower(desc)
		hit := len(keys) == 0
		for _, k := range keys {
			if strings.Contains(lowerDesc, k) {
				hit = true
				break
			}
		}
		if hit {
			c.VisualDesc = desc
			kept = append(kept, c)
		}
	}
	return kept
}

func (s *Slicer) extractMidFrame(ctx context.Context, videoPath string, ts float64) (string, error) {
	f, err := os.CreateTemp("", "slice_vision_*.jpg")
	if err != nil {
		return "", err
	}
	f.Close()

	args := []string{
		"-hide_banner", "-nostdin", "-y", "-loglevel", "error",
		"-ss", fmt.Sprintf("%.3f", ts), "-i", videoPath,
		"-frames:v", "1", f.Name(),
	}
	res, err := s.gateway.Run(ctx, s.ffmpegPath, args, exec.Options{})
	if err != nil {
		os.Remove(f.Name())
		return "", perr.NewEncodeFailure("mid-frame extraction failed", res.ExitCode, res.StderrTail)
	}
	return f.Name(), nil
}

// render encodes one ffmpeg slice per clip and optionally burns subtitles in.
func (s *Slicer) render(ctx context.Context, req Request, profile config.SceneProfile, clips []Clip) ([]string, error) {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	stem := strings.TrimSuffix(filepath.Base(req.VideoPath), filepath.Ext(req.VideoPath))
	vendor := s.hw.DetectVendor(ctx)
	keywords := append(append([]string{}, profile.HighKeywords...), profile.MidKeywords...)

	var outs []string
	for i, c := range clips {
		outPath := filepath.Join(req.OutputDir, fmt.Sprintf("%s_%s_%03d.mp4", stem, req.ProfileName, i+1))
		if err := s.encodeSlice(ctx, req.VideoPath, c.Start, c.Duration(), vendor, outPath); err != nil {
			return nil, err
		}

		finalPath := outPath
		if req.Burner != nil {
			if subbed, err := req.Burner.BurnSubtitles(ctx, outPath, req.Language, keywords); err == nil && subbed != "" {
				finalPath = subbed
			}
		}
		outs = append(outs, finalPath)
	}
	return outs, nil
}

func (s *Slicer) encodeSlice(ctx context.Context, videoPath string, start, dur float64, vendor hwprobe.Vendor, outPath string) error {
	args := []string{
		"-hide_banner", "-nostdin", "-y", "-loglevel", "error",
		"-ss", fmt.Sprintf("%.3f", start), "-t", fmt.Sprintf("%.3f", dur),
		"-i", videoPath,
	}
	args = append(args, encodeArgs(vendor, defaultSliceCRF)...)
	args = append(args, outPath)

	res, err := s.gateway.Run(ctx, s.ffmpegPath, args, exec.Options{})
	if err != nil {
		return perr.NewEncodeFailure("scene slice encode failed", res.ExitCode, res.StderrTail)
	}
	return nil
}

func encodeArgs(vendor hwprobe.Vendor, crf int) []string {
	if vendor == hwprobe.VendorNVIDIA {
		return []string{"-c:v", "h264_nvenc", "-preset", "p6", "-tune", "hq", "-rc", "vbr", "-cq", fmt.Sprintf("%d", crf), "-c:a", "aac"}
	}
	return []string{"-c:v", "libx264", "-preset", "ultrafast", "-crf", fmt.Sprintf("%d", crf), "-c:a", "aac"}
}

// cutJumpcut implements the jumpcut profile: select ASR segments
// containing any high/mid keyword (plus ±1 neighbor), cluster them by
// time-gap and cap cluster duration, then render each cluster as
// individually re-encoded sentence clips concat-copied together.
func (s *Slicer) cutJumpcut(ctx context.Context, req Request, profile config.SceneProfile) ([]string, error) {
	segments, err := s.transcriber.Transcribe(ctx, req.VideoPath, req.Language, true)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	if len(segments) == 0 {
		return nil, nil
	}

	keywords := append(append([]string{}, profile.HighKeywords...), profile.MidKeywords...)
	valuable := map[int]bool{}
	for i, seg := range segments {
		if containsAny(seg.Text, keywords) {
			valuable[i] = true
			if i > 0 {
				valuable[i-1] = true
			}
			if i < len(segments)-1 {
				valuable[i+1] = true
			}
		}
	}
	if len(valuable) == 0 {
		return nil, nil
	}
	idxs := sortedKeys(valuable)

	maxGap := profile.MaxClusterGap
	maxOut := profile.MaxOutputDuration
	minOut := profile.MinDuration

	var clusters [][]capability.TranscriptSegment
	cur := []capability.TranscriptSegment{segments[idxs[0]]}
	curDur := segments[idxs[0]].End - segments[idxs[0]].Start
	lastIdx := idxs[0]
	for _, i := range idxs[1:] {
		seg := segments[i]
		prev := segments[lastIdx]
		gap := seg.Start - prev.End
		newDur := curDur + (seg.End - seg.Start)
		if gap < maxGap && newDur < maxOut {
			cur = append(cur, seg)
			curDur = newDur
		} else {
			if curDur >= minOut {
				clusters = append(clusters, cur)
			}
			cur = []capability.TranscriptSegment{seg}
			curDur = seg.End - seg.Start
		}
		lastIdx = i
	}
	if curDur >= minOut {
		clusters = append(clusters, cur)
	}

	return s.renderJumpcutClusters(ctx, req, clusters)
}

func (s *Slicer) renderJumpcutClusters(ctx context.Context, req Request, clusters [][]capability.TranscriptSegment) ([]string, error) {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	stem := strings.TrimSuffix(filepath.Base(req.VideoPath), filepath.Ext(req.VideoPath))
	vendor := s.hw.DetectVendor(ctx)

	var outs []string
	for ci, cluster := range clusters {
		tempDir := filepath.Join(req.OutputDir, fmt.Sprintf("tmp_jumpcut_%03d", ci))
		if err := os.MkdirAll(tempDir, 0o755); err != nil {
			return nil, err
		}

		var segPaths []string
		for si, seg := range cluster {
			segPath := filepath.Join(tempDir, fmt.Sprintf("seg_%03d.mp4", si))
			if err := s.encodeSlice(ctx, req.VideoPath, seg.Start, seg.End-seg.Start, vendor, segPath); err != nil {
				return nil, err
			}
			segPaths = append(segPaths, segPath)
		}

		outPath := filepath.Join(req.OutputDir, fmt.Sprintf("%s_jumpcut_%03d.mp4", stem, ci+1))
		if err := s.concatCopy(ctx, segPaths, outPath); err != nil {
			return nil, err
		}
		os.RemoveAll(tempDir)
		outs = append(outs, outPath)
	}
	return outs, nil
}

func (s *Slicer) concatCopy(ctx context.Context, segments []string, outPath string) error {
	listPath := outPath + ".list.txt"
	var body string
	for _, seg := range segments {
		abs, _ := filepath.Abs(seg)
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
	res, err := s.gateway.Run(ctx, s.ffmpegPath, args, exec.Options{})
	if err != nil {
		return perr.NewEncodeFailure("jumpcut concat-copy failed", res.ExitCode, res.StderrTail)
	}
	return nil
}
