// Package subtitle is the Subtitle Renderer (C16): formats ASR
// segments as SRT/ASS, highlights scene-slicer keywords in the ASS
// text, and burns the result into a video with a format-fallback
// chain (subtitles+original_size -> subtitles -> ass).
package subtitle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/capability"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/config"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/exec"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/media"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/perr"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/probe"
)

// Renderer burns timed captions into a video.
type Renderer struct {
	cfg         config.Config
	gateway     exec.Gateway
	prober      *probe.Prober
	ffmpegPath  string
	transcriber capability.Transcriber
}

// New builds a Renderer.
func New(cfg config.Config, gateway exec.Gateway, prober *probe.Prober, ffmpegPath string, transcriber capability.Transcriber) *Renderer {
	return &Renderer{cfg: cfg, gateway: gateway, prober: prober, ffmpegPath: ffmpegPath, transcriber: transcriber}
}

// BurnSubtitles transcribes videoPath, highlights keywords, and burns
// the result in as a hardcoded ASS track, satisfying
// internal/slice.SubtitleBurner. Returns the path to the new video.
func (r *Renderer) BurnSubtitles(ctx context.Context, videoPath string, language string, keywords []string) (string, error) {
	segments, err := r.transcriber.Transcribe(ctx, videoPath, language, true)
	if err != nil {
		return "", fmt.Errorf("transcribe for subtitles: %w", err)
	}
	if len(segments) == 0 {
		return videoPath, nil
	}

	w, h := r.prober.ProbeResolution(ctx, videoPath, media.KindVideo)
	if w == 0 || h == 0 {
		w, h = 1920, 1080
	}

	assPath := filepath.Join(os.TempDir(), fmt.Sprintf("subs_%s.ass", uuid.NewString()[:8]))
	assText := BuildASS(w, h, r.cfg.Subtitle.Style, segments, keywords)
	if err := os.WriteFile(assPath, []byte(assText), 0o644); err != nil {
		return "", fmt.Errorf("write ass file: %w", err)
	}
	defer os.Remove(assPath)

	return r.overlay(ctx, videoPath, assPath, w, h)
}

// overlay burns assPath into videoPath, retrying with progressively
// simpler filtergraphs if the preferred one fails (mirrors
// overlay_ass_subtitles's attempts list).
func (r *Renderer) overlay(ctx context.Context, videoPath, assPath string, w, h int) (string, error) {
	outPath := filepath.Join(filepath.Dir(videoPath), fmt.Sprintf("%s_sub%s",
		strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath)), filepath.Ext(videoPath)))

	safePath := ffFilterEscapePath(assPath)

	var attempts []string
	if w > 0 && h > 0 {
		attempts = append(attempts, fmt.Sprintf("subtitles=filename='%s':original_size=%dx%d", safePath, w, h))
	}
	attempts = append(attempts, fmt.Sprintf("subtitles=filename='%s'", safePath))
	attempts = append(attempts, fmt.Sprintf("ass='%s'", safePath))

	crf := r.cfg.Subtitle.CRF
	var lastErr error
	for _, vf := range attempts {
		args := []string{
			"-hide_banner", "-nostdin", "-y", "-loglevel", "error",
			"-i", videoPath, "-vf", vf,
			"-c:v", "libx264", "-preset", "fast", "-crf", fmt.Sprintf("%d", crf),
			"-c:a", "aac",
			outPath,
		}
		res, err := r.gateway.Run(ctx, r.ffmpegPath, args, exec.Options{Timeout: r.cfg.Timeouts.NormalizeFFmpeg, CancelGrace: r.cfg.Timeouts.CancelGrace})
		if err == nil {
			if info, statErr := os.Stat(outPath); statErr == nil && info.Size() > 0 {
				return outPath, nil
			}
		}
		lastErr = perr.NewEncodeFailure("subtitle overlay attempt failed", res.ExitCode, res.StderrTail)
	}
	return "", lastErr
}

func ffFilterEscapePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	abs = filepath.ToSlash(abs)
	abs = strings.ReplaceAll(abs, "'", "\\'")
	abs = strings.ReplaceAll(abs, ":", "\\:")
	return abs
}

// FormatSRTTimestamp renders seconds as an SRT HH:MM:SS,mmm timestamp.
func FormatSRTTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int64(seconds*1000 + 0.5)
	ms := total % 1000
	total /= 1000
	s := total % 60
	total /= 60
	m := total % 60
	h := total / 60
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// FormatSRT renders ASR segments as an SRT file body.
func FormatSRT(segments []capability.TranscriptSegment) string {
	var b strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, FormatSRTTimestamp(seg.Start), FormatSRTTimestamp(seg.End), seg.Text)
	}
	return b.String()
}

// assColor converts a "#RRGGBB" hex string to ASS's "&HBBGGRR&" form.
func assColor(hexRGB string) string {
	h := strings.TrimPrefix(strings.TrimSpace(hexRGB), "#")
	if len(h) != 6 {
		return "&H00FFFFFF&"
	}
	r, errR := strconv.ParseUint(h[0:2], 16, 8)
	g, errG := strconv.ParseUint(h[2:4], 16, 8)
	b, errB := strconv.ParseUint(h[4:6], 16, 8)
	if errR != nil || errG != nil || errB != nil {
		return "&H00FFFFFF&"
	}
	return fmt.Sprintf("&H%02X%02X%02X&", b, g, r)
}

// srtTimeToASS renders a time in seconds in ASS's "H:MM:SS.cc" form
// (centiseconds, not SRT's milliseconds).
func srtTimeToASS(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int64(seconds*100 + 0.5)
	cs := total % 100
	total /= 100
	s := total % 60
	total /= 60
	m := total % 60
	h := total / 60
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, cs)
}

// assEscape replaces line breaks with ASS's \N line-break tag.
func assEscape(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "\\N")
	return s
}

// computeFontSize estimates a font size in px from the video width and
// the configured max characters per line, clamped to [18, 96].
func computeFontSize(width int, maxCharsPerLine int, reservedLRPercent float64) int {
	n := maxCharsPerLine
	if n < 6 {
		n = 6
	}
	effW := float64(width) * (1.0 - 2.0*reservedLRPercent)
	const charScale = 0.6
	size := int(effW / float64(n) / charScale)
	if size < 18 {
		size = 18
	}
	if size > 96 {
		size = 96
	}
	return size
}

// BuildASS renders segments as an ASS subtitle document sized to
// (videoW, videoH), with keywords (longest-first, to avoid a short
// keyword shadowing a longer one that contains it) wrapped in a
// highlight-color override tag.
func BuildASS(videoW, videoH int, style config.SubtitleStyle, segments []capability.TranscriptSegment, keywords []string) string {
	primary := assColor(style.PrimaryColor)
	outline := assColor(style.OutlineColor)
	back := assColor(style.BackColor)
	highlight := assColor(style.HighlightColor)
	boldFlag := 0
	if style.Bold {
		boldFlag = -1
	}

	fsize := computeFontSize(videoW, style.MaxCharsPerLine, style.ReservedLRPercent)
	posX := videoW / 2
	posY := int(float64(videoH) * style.PosYPercent)

	var b strings.Builder
	fmt.Fprintf(&b, "[Script Info]\nScript Type: v4.00+\nPlayResX: %d\nPlayResY: %d\nScaledBorderAndShadow: yes\n\n", videoW, videoH)
	b.WriteString("[V4+ Styles]\n")
	b.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	fmt.Fprintf(&b, "Style: Default,%s,%d,%s,%s,%s,%s,%d,0,0,0,100,100,0,0,1,%d,%d,%d,20,20,%d,%d\n\n",
		style.FontName, fsize, primary, primary, outline, back, boldFlag, style.Outline, style.Shadow, style.Alignment, style.MarginV, style.Encoding)
	b.WriteString("[Events]\n")
	b.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")

	sortedKW := append([]string(nil), keywords...)
	sort.Slice(sortedKW, func(i, j int) bool { return len(sortedKW[i]) > len(sortedKW[j]) })

	// One pass over the text: at each position the first (longest)
	// matching keyword wins, and highlighted text is not searched again.
	var pairs []string
	for _, kw := range sortedKW {
		if kw == "" {
			continue
		}
		pairs = append(pairs, kw, fmt.Sprintf("{\\c%s}%s{\\c%s}", highlight, kw, primary))
	}
	highlighter := strings.NewReplacer(pairs...)

	for _, seg := range segments {
		text := highlighter.Replace(assEscape(seg.Text))
		text = fmt.Sprintf("{\\pos(%d,%d)}%s", posX, posY, text)
		fmt.Fprintf(&b, "Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n", srtTimeToASS(seg.Start), srtTimeToASS(seg.End), text)
	}
	return b.String()
}
