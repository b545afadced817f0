// Package normalize is the Normalizer (C6): re-encodes a source video
// to the pipeline's uniform profile (25fps CFR, yuv420p, H.264, even
// dimensions, faststart, AAC) under a resolution-partitioned output
// tree, skipping work that already exists.
package normalize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/classify"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/config"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/diagnostics"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/exec"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/hwprobe"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/logger"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/perr"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/probe"
)

// Request describes one normalize operation.
type Request struct {
	InputPath  string
	OutputRoot string
	Mode       string // "lossless" | "release" | "preview"
	// TrimHead is seconds to cut from the start, applied via -ss.
	// TrimTail is seconds to cut from the *end* of the source (not the
	// output length): the encoded duration becomes
	// probed_duration - TrimHead - TrimTail, matching the
	// "probe duration, end_s = duration - trim_tail_s" convention.
	TrimHead float64
	TrimTail float64
}

// Result describes the produced artifact.
type Result struct {
	OutputPath string
	Width      int
	Height     int
	Skipped    bool
}

// Normalizer re-encodes sources into the uniform profile.
type Normalizer struct {
	cfg        config.Config
	gateway    exec.Gateway
	prober     *probe.Prober
	hw         *hwprobe.Probe
	ffmpegPath string
}

// New builds a Normalizer over the given tool paths and probes.
func New(cfg config.Config, gateway exec.Gateway, prober *probe.Prober, hw *hwprobe.Probe, ffmpegPath string) *Normalizer {
	return &Normalizer{cfg: cfg, gateway: gateway, prober: prober, hw: hw, ffmpegPath: ffmpegPath}
}

// Normalize produces <OutputRoot>/normalized/<W>x<H>/<stem>.mp4, or
// reports Skipped=true if that path already exists.
func (n *Normalizer) Normalize(ctx context.Context, req Request) (Result, error) {
	params, ok := n.cfg.Normalize.Modes[req.Mode]
	if !ok {
		return Result{}, perr.NewBadInputKind("unknown normalize mode "+req.Mode, map[string]interface{}{"mode": req.Mode})
	}

	w, h := n.prober.ProbeResolution(ctx, req.InputPath, classify.KindOf(req.InputPath))
	if w == 0 || h == 0 {
		return Result{}, perr.NewProbeFailure("could not determine resolution for "+req.InputPath, nil)
	}
	w, h = evenDims(w, h)

	// TrimTail cuts off the source's end, not the output length: probe
	// the source duration and convert to an absolute -t value before
	// building ffmpeg args (spec.md §4.5).
	trimDuration := 0.0
	if req.TrimTail > 0 {
		if dur := n.prober.ProbeDuration(ctx, req.InputPath); dur > 0 {
			endS := dur - req.TrimTail
			if endS < 0 {
				endS = 0
			}
			if d := endS - req.TrimHead; d > 0 {
				trimDuration = d
			}
		}
	}

	stem := strings.TrimSuffix(filepath.Base(req.InputPath), filepath.Ext(req.InputPath))
	outDir := filepath.Join(req.OutputRoot, "normalized", fmt.Sprintf("%dx%d", w, h))
	outPath := filepath.Join(outDir, stem+".mp4")

	if _, err := os.Stat(outPath); err == nil {
		return Result{OutputPath: outPath, Width: w, Height: h, Skipped: true}, nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output dir: %w", err)
	}

	vendor := n.hw.DetectVendor(ctx)
	args := n.buildArgs(req, params, w, h, vendor, outPath, trimDuration)

	timeout := n.cfg.Timeouts.NormalizeFFmpeg
	opts := exec.Options{Timeout: timeout, CancelGrace: n.cfg.Timeouts.CancelGrace}
	if n.cfg.Debug.EnableFFmpegDebugLog {
		if dbg, derr := diagnostics.Open(req.OutputRoot, stem, strings.Join(args, " ")); derr == nil {
			defer dbg.Close()
			opts.Tee = dbg.Writer()
		} else {
			logger.Warn("normalize: could not open debug log for %s: %v", req.InputPath, derr)
		}
	}

	res, err := n.gateway.Run(ctx, n.ffmpegPath, args, opts)
	if err != nil {
		if isHardwareAccelError(res.StderrTail) && vendor != hwprobe.VendorNone {
			args = n.buildArgs(req, params, w, h, hwprobe.VendorNone, outPath, trimDuration)
			res, err = n.gateway.Run(ctx, n.ffmpegPath, args, opts)
		}
		if err != nil {
			return Result{}, perr.NewEncodeFailure("normalize failed for "+req.InputPath, res.ExitCode, res.StderrTail)
		}
	}

	return Result{OutputPath: outPath, Width: w, Height: h}, nil
}

func evenDims(w, h int) (int, int) {
	if w%2 != 0 {
		w++
	}
	if h%2 != 0 {
		h++
	}
	return w, h
}

func resClass(w int) string {
	switch {
	case w >= 3840:
		return "4k"
	case w >= 1920:
		return "2k"
	default:
		return "sd"
	}
}

func (n *Normalizer) buildArgs(req Request, params config.QualityParams, w, h int, vendor hwprobe.Vendor, outPath string, trimDuration float64) []string {
	var args []string

	if req.TrimHead > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", req.TrimHead))
	}
	args = append(args, "-i", req.InputPath)
	if trimDuration > 0 {
		args = append(args, "-t", fmt.Sprintf("%.3f", trimDuration))
	}

	args = append(args, "-vf", fmt.Sprintf("fps=%d,pad=ceil(iw/2)*2:ceil(ih/2)*2,scale=%d:%d", n.cfg.Normalize.FPS, w, h))
	args = append(args, "-vsync", "1")
	args = append(args, "-pix_fmt", "yuv420p")

	ceilings := n.cfg.Normalize.BitrateCeilings[resClass(w)]

	switch vendor {
	case hwprobe.VendorNVIDIA:
		args = append(args, "-c:v", "h264_nvenc", "-preset", params.NVENCPreset, "-cq", fmt.Sprintf("%d", params.NVENCCQ))
	case hwprobe.VendorIntel:
		args = append(args, "-c:v", "h264_qsv", "-preset", params.NVENCPreset)
	case hwprobe.VendorAMD:
		args = append(args, "-c:v", "h264_amf", "-quality", params.NVENCPreset)
	default:
		if runtime.GOOS == "darwin" {
			args = append(args, "-c:v", "h264_videotoolbox")
		} else {
			args = append(args, "-c:v", "libx264", "-crf", fmt.Sprintf("%d", params.X264CRF), "-preset", params.X264Preset)
		}
	}
	if ceilings[0] > 0 {
		args = append(args, "-maxrate", fmt.Sprintf("%d", ceilings[0]), "-bufsize", fmt.Sprintf("%d", ceilings[1]))
	}

	args = append(args,
		"-c:a", "aac", "-b:a", params.AudioBitrate, "-ar", fmt.Sprintf("%d", n.cfg.SampleRates.NormalizeHz), "-ac", "2",
		"-movflags", "+faststart",
		"-hide_banner", "-nostdin", "-y", "-loglevel", "error",
		outPath,
	)
	return args
}

// isHardwareAccelError reports whether a stderr tail indicates the
// chosen hardware encoder is unavailable at runtime, warranting a
// software fallback.
func isHardwareAccelError(stderrTail string) bool {
	s := strings.ToLower(stderrTail)
	for _, needle := range []string{
		"cannot load nvcuda", "no nvenc capable devices", "cuda error",
		"qsv", "driver does not support", "function not implemented",
		"invalid argument", "no such device", "codec not currently supported",
	} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
