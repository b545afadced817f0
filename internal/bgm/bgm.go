// Package bgm is the BGM Replacer (C14): separates vocals from a
// video's original audio, picks an adaptive gain table row from the
// vocal loudness, mixes the vocals with a looped replacement track,
// and remuxes the result with the original video stream copied.
package bgm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/capability"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/classify"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/config"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/exec"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/logger"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/media"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/perr"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/probe"
)

// Request describes one BGM replacement.
type Request struct {
	VideoPath string
	BGMPath   string // file or directory; a directory picks one audio file at random
	Strategy  capability.SeparationStrategy
	OutputDir string
}

// Replacer drives vocal separation, gain selection, and the final mix/remux.
type Replacer struct {
	cfg        config.Config
	gateway    exec.Gateway
	prober     *probe.Prober
	ffmpegPath string
	separator  capability.AudioSeparator
}

// New builds a Replacer.
func New(cfg config.Config, gateway exec.Gateway, prober *probe.Prober, ffmpegPath string, separator capability.AudioSeparator) *Replacer {
	return &Replacer{cfg: cfg, gateway: gateway, prober: prober, ffmpegPath: ffmpegPath, separator: separator}
}

// Replace produces <OutputDir>/bgm_<uuid>.mp4: the original video
// stream, codec-copied, paired with a mix of the separated vocals and
// a looped bgm track at gains picked from the vocal RMS.
func (r *Replacer) Replace(ctx context.Context, req Request) (string, error) {
	bgmPath := resolveBGM(req.BGMPath)
	if bgmPath == "" {
		return "", perr.NewBadInputKind("no usable bgm track at "+req.BGMPath, map[string]interface{}{"bgm_path": req.BGMPath})
	}
	if tags, tagErr := probe.ReadAudioTags(bgmPath); tagErr == nil && (tags.Title != "" || tags.Artist != "") {
		logger.Info("bgm: selected replacement track %s (%s - %s)", bgmPath, tags.Artist, tags.Title)
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	workDir, err := os.MkdirTemp("", "bgm_work_*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(workDir)

	audioPath := filepath.Join(workDir, "audio.wav")
	if err := r.demuxAudio(ctx, req.VideoPath, audioPath); err != nil {
		return "", err
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = capability.StrategyVocalsOnly
	}
	separated, err := r.separator.Separate(ctx, audioPath, strategy, workDir)
	if err != nil {
		return "", fmt.Errorf("separate vocals: %w", err)
	}
	if separated.VocalsPath == "" {
		return "", perr.New(perr.EncodeFailure, "audio separator returned no vocals track")
	}

	vocalRMS, err := r.trackRMS(ctx, separated.VocalsPath)
	if err != nil {
		return "", err
	}
	gains := pickGains(r.cfg.BGM.GainTable, vocalRMS)

	duration := r.prober.ProbeDuration(ctx, req.VideoPath)
	if duration <= 0 {
		return "", perr.New(perr.ProbeFailure, "could not determine video duration for "+req.VideoPath)
	}

	outPath := filepath.Join(req.OutputDir, fmt.Sprintf("bgm_%s.mp4", uuid.NewString()))
	if err := r.mixAndRemux(ctx, req.VideoPath, separated.VocalsPath, bgmPath, duration, gains, outPath); err != nil {
		return "", err
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		return "", perr.New(perr.EncodeFailure, "bgm replace produced empty output")
	}
	return outPath, nil
}

// gains is one resolved (vocal_gain, bgm_gain, total_gain) triple.
type gains struct {
	Vocal float64
	BGM   float64
	Total float64
}

// pickGains walks table in order and returns the first row whose
// threshold the RMS clears; the table's last row (VocalRMSAbove: -1)
// always matches as the default.
func pickGains(table []config.GainTableRow, rms float64) gains {
	for _, row := range table {
		if rms > row.VocalRMSAbove {
			return gains{Vocal: row.VocalGain, BGM: row.BGMGain, Total: row.TotalGain}
		}
	}
	return gains{Vocal: 1.0, BGM: 0.2, Total: 0.8}
}

func (r *Replacer) demuxAudio(ctx context.Context, videoPath, outPath string) error {
	args := []string{
		"-hide_banner", "-nostdin", "-y", "-loglevel", "error",
		"-i", videoPath, "-vn",
		"-ar", fmt.Sprintf("%d", r.cfg.SampleRates.CompositionHz), "-ac", "2",
		outPath,
	}
	res, err := r.gateway.Run(ctx, r.ffmpegPath, args, exec.Options{})
	if err != nil {
		return perr.NewEncodeFailure("audio demux failed for "+videoPath, res.ExitCode, res.StderrTail)
	}
	return nil
}

// trackRMS decodes path to mono 16-bit PCM and returns its RMS
// amplitude normalized to [0,1].
func (r *Replacer) trackRMS(ctx context.Context, path string) (float64, error) {
	tmp, err := os.CreateTemp("", "bgm_rms_*.raw")
	if err != nil {
		return 0, err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	args := []string{
		"-hide_banner", "-nostdin", "-y", "-loglevel", "error",
		"-i", path, "-f", "s16le", "-ac", "1", "-ar", "16000",
		tmp.Name(),
	}
	res, err := r.gateway.Run(ctx, r.ffmpegPath, args, exec.Options{})
	if err != nil {
		return 0, perr.NewEncodeFailure("rms decode failed for "+path, res.ExitCode, res.StderrTail)
	}

	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return 0, err
	}
	samples := decodeS16LE(data)
	if len(samples) == 0 {
		return 0, nil
	}
	var sumSq float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sumSq += f * f
	}
	return math.Sqrt(sumSq / float64(len(samples))), nil
}

func decodeS16LE(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
	}
	return out
}

// mixAndRemux loops bgmPath to at least duration, mixes
// volume(vocalsPath, vocalGain) with volume(bgm, bgmGain), scales the
// sum by totalGain, and muxes the result against videoPath's
// codec-copied video stream.
func (r *Replacer) mixAndRemux(ctx context.Context, videoPath, vocalsPath, bgmPath string, duration float64, g gains, outPath string) error {
	filter := fmt.Sprintf(
		"[1:a]volume=%.4f[voc];[2:a]volume=%.4f[bgm];[voc][bgm]amix=inputs=2:duration=first:dropout_transition=0[mixed];[mixed]volume=%.4f[aout]",
		g.Vocal, g.BGM, g.Total,
	)
	args := []string{
		"-hide_banner", "-nostdin", "-y", "-loglevel", "error",
		"-i", videoPath,
		"-i", vocalsPath,
		"-stream_loop", "-1", "-i", bgmPath,
		"-t", fmt.Sprintf("%.3f", duration),
		"-filter_complex", filter,
		"-map", "0:v:0", "-map", "[aout]",
		"-c:v", "copy",
		"-c:a", "aac", "-b:a", "192k", "-ar", "44100", "-ac", "2",
		"-movflags", "+faststart",
		outPath,
	}
	res, err := r.gateway.Run(ctx, r.ffmpegPath, args, exec.Options{Timeout: r.cfg.Timeouts.NormalizeFFmpeg, CancelGrace: r.cfg.Timeouts.CancelGrace})
	if err != nil {
		return perr.NewEncodeFailure("bgm mix/remux failed", res.ExitCode, res.StderrTail)
	}
	return nil
}

// resolveBGM returns bgmPath unchanged if it's a file, or a random
// audio file from it if it's a directory.
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
