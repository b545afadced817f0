// Package frame is the Frame Picker (C12): samples a video within a
// time window, scores each sample by Laplacian variance on a
// center-cropped, downscaled grayscale copy, and returns the
// sharpest. Decode and sampling are delegated to ffmpeg (with a
// hardware-accelerated decode hint when available); the variance
// scoring itself is plain Go, since no convolution/CV library appears
// anywhere in the example pack.
package frame

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/exec"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/hwprobe"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/media"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/perr"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/probe"
)

// Result is the sharpest sample found in a window.
type Result struct {
	FramePath string
	Score     float64
	Index     int
}

// Picker samples and scores frames from a video.
type Picker struct {
	gateway    exec.Gateway
	hw         *hwprobe.Probe
	prober     *probe.Prober
	ffmpegPath string
}

// New builds a Picker.
func New(gateway exec.Gateway, hw *hwprobe.Probe, prober *probe.Prober, ffmpegPath string) *Picker {
	return &Picker{gateway: gateway, hw: hw, prober: prober, ffmpegPath: ffmpegPath}
}

// PickSharpest samples videoPath within [start,end) (falling back to
// [0,duration], then [0,5] if duration can't be probed), and returns
// the sample with the highest Laplacian variance. The returned
// FramePath is a caller-owned temp file; remove it once consumed.
func (p *Picker) PickSharpest(ctx context.Context, videoPath string, start, end float64) (Result, error) {
	if end <= start {
		if dur := p.prober.ProbeDuration(ctx, videoPath); dur > 0 {
			start, end = 0, dur
		} else {
			start, end = 0, 5
		}
	}

	w, h := p.prober.ProbeResolution(ctx, videoPath, media.KindVideo)

	// Mirrors the GPU path's resolution-dependent stride (3 for
	// >=1080p, 2 otherwise) as a proportional reduction in the CPU
	// path's ~2 samples/sec target rate.
	samplingFPS := 2.0
	if w >= 1920 || h >= 1080 {
		samplingFPS = 2.0 * 2.0 / 3.0
	}

	tempDir, err := os.MkdirTemp("", "frame_sample_*")
	if err != nil {
		return Result{}, fmt.Errorf("create frame sample dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	vendor := p.hw.DetectVendor(ctx)
	args := buildSampleArgs(videoPath, start, end, samplingFPS, vendor, tempDir)
	res, err := p.gateway.Run(ctx, p.ffmpegPath, args, exec.Options{})
	if err != nil {
		return Result{}, perr.NewEncodeFailure("frame sampling failed for "+videoPath, res.ExitCode, res.StderrTail)
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil || len(entries) == 0 {
		return Result{}, perr.New(perr.ProbeFailure, "no sample frames extracted from "+videoPath)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	best := Result{Score: -1}
	for i, e := range entries {
		framePath := filepath.Join(tempDir, e.Name())
		score, ok := scoreFrame(framePath)
		if !ok {
			continue
		}
		if score > best.Score {
			best = Result{FramePath: framePath, Score: score, Index: i}
		}
	}
	if best.Score <= 0 {
		return Result{}, perr.New(perr.ProbeFailure, "no frame with positive sharpness score found for "+videoPath)
	}

	finalPath := filepath.Join(os.TempDir(), fmt.Sprintf("sharpest_%s.jpg", uuid.NewString()[:8]))
	if err := copyFile(best.FramePath, finalPath); err != nil {
		return Result{}, fmt.Errorf("persist sharpest frame: %w", err)
	}
	best.FramePath = finalPath
	return best, nil
}

func buildSampleArgs(videoPath string, start, end, samplingFPS float64, vendor hwprobe.Vendor, outDir string) []string {
	var args []string
	switch vendor {
	case hwprobe.VendorNVIDIA:
		args = append(args, "-hwaccel", "cuda")
	case hwprobe.VendorIntel:
		args = append(args, "-hwaccel", "qsv")
	}
	args = append(args,
		"-ss", fmt.Sprintf("%.3f", start), "-i", videoPath, "-t", fmt.Sprintf("%.3f", end-start),
		"-vf", fmt.Sprintf("crop=iw*0.6:ih*0.6,scale='min(512,iw)':'min(512,ih)':force_original_aspect_ratio=decrease,fps=%.4f", samplingFPS),
		"-hide_banner", "-nostdin", "-y", "-loglevel", "error",
		filepath.Join(outDir, "frame_%04d.jpg"),
	)
	return args
}

// scoreFrame decodes framePath and returns its Laplacian variance.
func scoreFrame(framePath string) (float64, bool) {
	f, err := os.Open(framePath)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return 0, false
	}
	return laplacianVariance(toGray(img)), true
}

func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.Set(x, y, img.At(x, y))
		}
	}
	return gray
}

// laplacianVariance applies a 3x3 Laplacian kernel and returns the
// variance of the response, matching cv2.Laplacian+meanStdDev.
func laplacianVariance(gray *image.Gray) float64 {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	get := func(x, y int) float64 { return float64(gray.GrayAt(x, y).Y) }

	var sum, sumSq float64
	var n int
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			lap := -4*get(x, y) + get(x-1, y) + get(x+1, y) + get(x, y-1) + get(x, y+1)
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// Save re-encodes a sampled frame to destPath as JPEG or PNG. quality
// is the tool's legacy 1..31 scale (lower is better), mapped to a
// JPEG quality of 60..100; ignored for PNG. On Windows, long
// destination paths are given the \\?\ extended-length prefix.
func Save(framePath, destPath, format string, quality int) error {
	f, err := os.Open(framePath)
	if err != nil {
		return err
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("decode sampled frame: %w", err)
	}

	target := destPath
	if runtime.GOOS == "windows" {
		if abs, err := filepath.Abs(target); err == nil && len(abs) >= 240 && !strings.HasPrefix(abs, `\\?\`) {
			target = `\\?\` + abs
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	if strings.ToLower(format) == "png" {
		return png.Encode(out, img)
	}

	q := quality
	if q < 1 {
		q = 1
	}
	if q > 31 {
		q = 31
	}
	jpegQ := 100 - (q-1)*2
	if jpegQ < 60 {
		jpegQ = 60
	}
	return jpeg.Encode(out, img, &jpeg.Options{Quality: jpegQ})
}
