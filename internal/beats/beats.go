package beats

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/exec"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/perr"
)

// analysisSampleRate trades frequency resolution for analysis speed;
// it is independent of the 44.1/48kHz output sample-rate policy.
const analysisSampleRate = 22050

// Highlight is a suggested window of peak energy.
type Highlight struct {
	Start float64
	End   float64
}

// Meta is the Beat Extractor's output contract.
type Meta struct {
	Duration  float64
	Beats     []float64
	Highlight Highlight
	BPM       float64
	Key       string
}

// Extractor decodes audio via ffmpeg and runs the onset/BPM/key pipeline.
type Extractor struct {
	gateway    exec.Gateway
	ffmpegPath string
}

func New(gateway exec.Gateway, ffmpegPath string) *Extractor {
	return &Extractor{gateway: gateway, ffmpegPath: ffmpegPath}
}

// Extract produces BeatsMeta for an audio (or video, audio stream
// extracted) source.
func (e *Extractor) Extract(ctx context.Context, audioPath string) (Meta, error) {
	pcmPath, err := os.CreateTemp("", "beats_pcm_*.raw")
	if err != nil {
		return Meta{}, fmt.Errorf("create temp pcm file: %w", err)
	}
	pcmPath.Close()
	defer os.Remove(pcmPath.Name())

	args := []string{
		"-hide_banner", "-nostdin", "-y", "-loglevel", "error",
		"-i", audioPath,
		"-f", "f32le", "-ac", "1", "-ar", fmt.Sprintf("%d", analysisSampleRate),
		pcmPath.Name(),
	}
	res, err := e.gateway.Run(ctx, e.ffmpegPath, args, exec.Options{})
	if err != nil {
		return Meta{}, perr.NewEncodeFailure("pcm extraction failed for "+audioPath, res.ExitCode, res.StderrTail)
	}

	data, err := os.ReadFile(pcmPath.Name())
	if err != nil {
		return Meta{}, perr.NewProbeFailure("read pcm for beat analysis failed", err)
	}
	samples := decodeF32LE(data)
	if len(samples) == 0 {
		return Meta{}, perr.New(perr.ProbeFailure, "no audio samples decoded for "+audioPath)
	}

	duration := float64(len(samples)) / float64(analysisSampleRate)

	frameSize := 2048
	hopSize := 512
	onset := computeOnsetEnvelope(samples, frameSize, hopSize)
	bpm := estimateBPM(onset, analysisSampleRate, hopSize)
	beatTimes := estimateBeatTimes(onset, analysisSampleRate, duration, bpm, hopSize)
	energy := computeBeatEnergy(samples, analysisSampleRate, beatTimes)
	hlStart, hlEnd := detectHighlightWindow(beatTimes, energy)
	key := detectKey(samples, analysisSampleRate)

	return Meta{
		Duration:  duration,
		Beats:     beatTimes,
		Highlight: Highlight{Start: hlStart, End: math.Min(hlEnd, duration)},
		BPM:       bpm,
		Key:       key,
	}, nil
}

func decodeF32LE(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}
