// Package probe is the Media Prober (C4): resolution, duration, and
// stream info for videos via ffprobe, and bounds-only reads for
// images. Every probe tolerates failure by returning a zero value
// rather than propagating an error, except where the caller explicitly
// needs to distinguish "not probable" from "zero-length".
package probe

import (
	"context"
	"encoding/json"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strconv"
	"strings"

	"github.com/dhowden/tag"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/exec"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/media"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/perr"
)

// Prober runs ffprobe against a configured binary path.
type Prober struct {
	gateway     exec.Gateway
	ffprobePath string
}

// New returns a Prober that shells out to ffprobePath via gateway.
func New(gateway exec.Gateway, ffprobePath string) *Prober {
	return &Prober{gateway: gateway, ffprobePath: ffprobePath}
}

type probePayload struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType  string `json:"codec_type"`
	CodecName  string `json:"codec_name"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	PixFmt     string `json:"pix_fmt"`
	RFrameRate string `json:"r_frame_rate"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

func (p *Prober) run(ctx context.Context, path string) (probePayload, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	}
	res, err := p.gateway.Run(ctx, p.ffprobePath, args, exec.Options{})
	if err != nil {
		return probePayload{}, perr.NewProbeFailure("ffprobe failed for "+path, err)
	}
	var payload probePayload
	if err := json.Unmarshal(res.Stdout, &payload); err != nil {
		return probePayload{}, perr.NewProbeFailure("ffprobe output parse failed for "+path, err)
	}
	return payload, nil
}

func firstVideoStream(p probePayload) (probeStream, bool) {
	for _, s := range p.Streams {
		if s.CodecType == "video" {
			return s, true
		}
	}
	return probeStream{}, false
}

// ProbeResolution returns (W,H) for a video via ffprobe or an image via
// stdlib image.DecodeConfig. Returns (0,0) on failure rather than an error.
func (p *Prober) ProbeResolution(ctx context.Context, path string, kind media.Kind) (int, int) {
	if kind == media.KindImage {
		f, err := os.Open(path)
		if err != nil {
			return 0, 0
		}
		defer f.Close()
		cfg, _, err := image.DecodeConfig(f)
		if err != nil {
			return 0, 0
		}
		return cfg.Width, cfg.Height
	}

	payload, err := p.run(ctx, path)
	if err != nil {
		return 0, 0
	}
	stream, ok := firstVideoStream(payload)
	if !ok {
		return 0, 0
	}
	return stream.Width, stream.Height
}

// ProbeDuration returns the duration in seconds, or 0 on failure.
func (p *Prober) ProbeDuration(ctx context.Context, path string) float64 {
	payload, err := p.run(ctx, path)
	if err != nil {
		return 0
	}
	if payload.Format.Duration == "" {
		return 0
	}
	d, err := strconv.ParseFloat(payload.Format.Duration, 64)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// StreamInfo is the full stream descriptor for a video's first video stream.
func (p *Prober) StreamInfo(ctx context.Context, path string) (media.StreamInfo, error) {
	payload, err := p.run(ctx, path)
	if err != nil {
		return media.StreamInfo{}, err
	}
	stream, ok := firstVideoStream(payload)
	if !ok {
		return media.StreamInfo{}, perr.New(perr.ProbeFailure, "no video stream in "+path)
	}
	return media.StreamInfo{
		Width:      stream.Width,
		Height:     stream.Height,
		Codec:      stream.CodecName,
		PixFmt:     stream.PixFmt,
		RFrameRate: stream.RFrameRate,
	}, nil
}

// ProbeFPS parses ffprobe's r_frame_rate ("25/1", "30000/1001") into a
// float. Returns 0 when the field is absent or malformed.
func ProbeFPS(rFrameRate string) float64 {
	parts := strings.SplitN(rFrameRate, "/", 2)
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

// Populate fills item.Probe, caching the result on the MediaItem.
func (p *Prober) Populate(ctx context.Context, item *media.MediaItem) {
	switch item.Kind {
	case media.KindImage:
		w, h := p.ProbeResolution(ctx, item.Path, media.KindImage)
		item.Probe = &media.Probed{Width: w, Height: h}
	case media.KindVideo:
		info, err := p.StreamInfo(ctx, item.Path)
		if err != nil {
			item.Probe = &media.Probed{}
			return
		}
		item.Probe = &media.Probed{
			Width:    info.Width,
			Height:   info.Height,
			Duration: p.ProbeDuration(ctx, item.Path),
			Codec:    info.Codec,
			PixFmt:   info.PixFmt,
			FPS:      ProbeFPS(info.RFrameRate),
		}
	default:
		item.Probe = &media.Probed{}
	}
}

// AudioTags is the subset of an audio file's embedded tag metadata the
// pipeline surfaces when logging BGM selection (spec.md §4.6/§4.11
// random-pick-from-directory paths).
type AudioTags struct {
	Title  string
	Artist string
	Album  string
}

// ReadAudioTags reads embedded ID3/Vorbis/MP4 tag metadata from an
// audio file. Unlike the ffprobe-backed probes above, a read failure
// here is reported rather than swallowed: callers treat it as
// optional, best-effort metadata for diagnostics, not a pipeline input.
func ReadAudioTags(path string) (AudioTags, error) {
	f, err := os.Open(path)
	if err != nil {
		return AudioTags{}, err
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return AudioTags{}, err
	}
	return AudioTags{Title: m.Title(), Artist: m.Artist(), Album: m.Album()}, nil
}
