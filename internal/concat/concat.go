// Package concat is the Concatenator (C8): joins an ordered list of
// same-resolution normalized clips with the concat demuxer, optionally
// remapping audio onto a looped BGM track.
package concat

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/classify"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/config"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/exec"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/logger"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/media"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/perr"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/probe"
)

// Request describes one concatenation.
type Request struct {
	Clips     []string // same ResolutionGroup, ordered
	OutputDir string
	Quality   string // "balanced" | "compact" | "tiny"
	BGMPath   string // file or directory; "" = keep original audio
	UseGPU    bool
}

// Concatenator builds concat-list files and drives ffmpeg over them.
type Concatenator struct {
	cfg        config.Config
	gateway    exec.Gateway
	ffmpegPath string
}

func New(cfg config.Config, gateway exec.Gateway, ffmpegPath string) *Concatenator {
	return &Concatenator{cfg: cfg, gateway: gateway, ffmpegPath: ffmpegPath}
}

// Concat produces one MP4 at <OutputDir>/concat_<uuid>.mp4.
func (c *Concatenator) Concat(ctx context.Context, req Request) (string, error) {
	if len(req.Clips) == 0 {
		return "", perr.NewBadInputKind("concat requires at least one clip", nil)
	}
	params, ok := c.cfg.Concat.Modes[req.Quality]
	if !ok {
		return "", perr.NewBadInputKind("unknown concat quality "+req.Quality, map[string]interface{}{"quality": req.Quality})
	}

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	listPath := filepath.Join(req.OutputDir, fmt.Sprintf("concat_list_%s.txt", uuid.NewString()))
	if err := writeConcatList(listPath, req.Clips); err != nil {
		return "", err
	}
	defer os.Remove(listPath)

	bgm := resolveBGM(req.BGMPath)
	if bgm != "" {
		if tags, tagErr := probe.ReadAudioTags(bgm); tagErr == nil && (tags.Title != "" || tags.Artist != "") {
			logger.Info("concat: selected bgm track %s (%s - %s)", bgm, tags.Artist, tags.Title)
		}
	}

	outPath := filepath.Join(req.OutputDir, fmt.Sprintf("concat_%s.mp4", uuid.NewString()))
	args := []string{"-hide_banner", "-y", "-f", "concat", "-safe", "0", "-i", listPath}
	// A BGM track is looped without end (-stream_loop -1) and the output
	// stops at the shorter stream (-shortest), so the video decides the
	// length and the BGM is cut wherever the video ends.
	if bgm != "" {
		args = append(args, "-stream_loop", "-1", "-i", bgm)
	}

	if req.UseGPU {
		args = append(args, "-c:v", "h264_nvenc", "-cq", fmt.Sprintf("%d", params.NVENCCQ))
	} else {
		args = append(args, "-c:v", "libx264", "-crf", fmt.Sprintf("%d", params.X264CRF))
	}
	args = append(args, "-c:a", "aac", "-b:a", params.AudioBitrate, "-ar", fmt.Sprintf("%d", c.cfg.SampleRates.CompositionHz))

	if bgm != "" {
		args = append(args, "-map", "0:v:0", "-map", "1:a:0", "-shortest")
	}
	args = append(args, "-map_metadata", "-1", "-movflags", "+faststart", "-loglevel", "error", outPath)

	res, err := c.gateway.Run(ctx, c.ffmpegPath, args, exec.Options{Timeout: c.cfg.Timeouts.NormalizeFFmpeg, CancelGrace: c.cfg.Timeouts.CancelGrace})
	if err != nil {
		return "", perr.NewEncodeFailure("concat failed", res.ExitCode, res.StderrTail)
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		return "", perr.New(perr.EncodeFailure, "concat produced empty output")
	}
	return outPath, nil
}

func writeConcatList(path string, clips []string) error {
	var b strings.Builder
	for _, clip := range clips {
		abs, err := filepath.Abs(clip)
		if err != nil {
			abs = clip
		}
		b.WriteString(fmt.Sprintf("file '%s'\n", filepath.ToSlash(abs)))
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// resolveBGM returns bgmPath unchanged if it's a file, or a random
// audio file from it if it's a directory. Empty input yields "".
func resolveBGM(bgmPath string) string {
	if bgmPath == "" {
		return ""
	}
	info, err := os.Stat(bgmPath)
	if err != nil {
		return ""
	}
	if !info.IsDir() {
		return bgmPath
	}
	entries, err := os.ReadDir(bgmPath)
	if err != nil || len(entries) == 0 {
		return ""
	}
	var candidates []string
	for _, e := range entries {
		if !e.IsDir() && classify.KindOf(e.Name()) == media.KindAudio {
			candidates = append(candidates, filepath.Join(bgmPath, e.Name()))
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.Intn(len(candidates))]
}
