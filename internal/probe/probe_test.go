package probe

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/exec"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/media"
)

type fakeGateway struct {
	stdout string
	err    error
}

func (f *fakeGateway) Run(ctx context.Context, name string, args []string, opts exec.Options) (exec.Result, error) {
	if f.err != nil {
		return exec.Result{ExitCode: 1}, f.err
	}
	return exec.Result{ExitCode: 0, Stdout: []byte(f.stdout)}, nil
}

const sampleProbeJSON = `{
  "streams": [
    {"codec_type": "audio", "codec_name": "aac"},
    {"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080, "pix_fmt": "yuv420p", "r_frame_rate": "25/1"}
  ],
  "format": {"duration": "12.345000"}
}`

func TestProbeResolutionVideo(t *testing.T) {
	p := New(&fakeGateway{stdout: sampleProbeJSON}, "ffprobe")
	w, h := p.ProbeResolution(context.Background(), "clip.mp4", media.KindVideo)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)
}

func TestProbeResolutionReturnsZeroOnGatewayFailure(t *testing.T) {
	p := New(&fakeGateway{err: errors.New("no such file")}, "ffprobe")
	w, h := p.ProbeResolution(context.Background(), "missing.mp4", media.KindVideo)
	assert.Equal(t, 0, w)
	assert.Equal(t, 0, h)
}

func TestProbeResolutionImageUsesStdlibDecodeConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.png")
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	p := New(&fakeGateway{}, "ffprobe")
	w, h := p.ProbeResolution(context.Background(), path, media.KindImage)
	assert.Equal(t, 64, w)
	assert.Equal(t, 32, h)
}

func TestProbeDurationParsesFormatDuration(t *testing.T) {
	p := New(&fakeGateway{stdout: sampleProbeJSON}, "ffprobe")
	d := p.ProbeDuration(context.Background(), "clip.mp4")
	assert.InDelta(t, 12.345, d, 1e-6)
}

func TestProbeDurationZeroOnMalformedJSON(t *testing.T) {
	p := New(&fakeGateway{stdout: "not json"}, "ffprobe")
	d := p.ProbeDuration(context.Background(), "clip.mp4")
	assert.Equal(t, 0.0, d)
}

func TestStreamInfoReturnsFirstVideoStream(t *testing.T) {
	p := New(&fakeGateway{stdout: sampleProbeJSON}, "ffprobe")
	info, err := p.StreamInfo(context.Background(), "clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, "h264", info.Codec)
	assert.Equal(t, "yuv420p", info.PixFmt)
	assert.Equal(t, "25/1", info.RFrameRate)
}

func TestStreamInfoErrorsWithNoVideoStream(t *testing.T) {
	p := New(&fakeGateway{stdout: `{"streams":[{"codec_type":"audio"}],"format":{}}`}, "ffprobe")
	_, err := p.StreamInfo(context.Background(), "audio.mp3")
	assert.Error(t, err)
}

func TestProbeFPSParsesFraction(t *testing.T) {
	assert.Equal(t, 25.0, ProbeFPS("25/1"))
	assert.InDelta(t, 29.97, ProbeFPS("30000/1001"), 0.01)
}

func TestProbeFPSZeroOnMalformed(t *testing.T) {
	assert.Equal(t, 0.0, ProbeFPS(""))
	assert.Equal(t, 0.0, ProbeFPS("notafraction"))
	assert.Equal(t, 0.0, ProbeFPS("25/0"))
}

func TestPopulateFillsVideoProbe(t *testing.T) {
	p := New(&fakeGateway{stdout: sampleProbeJSON}, "ffprobe")
	item := &media.MediaItem{Path: "clip.mp4", Kind: media.KindVideo}
	p.Populate(context.Background(), item)
	require.NotNil(t, item.Probe)
	assert.Equal(t, 1920, item.Probe.Width)
	assert.Equal(t, "h264", item.Probe.Codec)
	assert.InDelta(t, 25.0, item.Probe.FPS, 1e-9)
}

func TestPopulateUnknownKindYieldsEmptyProbe(t *testing.T) {
	p := New(&fakeGateway{}, "ffprobe")
	item := &media.MediaItem{Path: "mystery.bin", Kind: media.KindUnknown}
	p.Populate(context.Background(), item)
	require.NotNil(t, item.Probe)
	assert.Equal(t, 0, item.Probe.Width)
}

// id3v2TextFrame builds one ID3v2.3 text-information frame (ISO-8859-1
// encoded, no BOM) with the given 4-char frame ID.
func id3v2TextFrame(id, text string) []byte {
	content := append([]byte{0x00}, []byte(text)...)
	frame := make([]byte, 0, 10+len(content))
	frame = append(frame, []byte(id)...)
	size := uint32(len(content))
	frame = append(frame, byte(size>>24), byte(size>>16), byte(size>>8), byte(size))
	frame = append(frame, 0x00, 0x00) // flags
	frame = append(frame, content...)
	return frame
}

// buildMinimalID3v2 assembles a minimal playable-by-dhowden/tag ID3v2.3
// file: header + TIT2/TPE1 frames, no audio payload.
func buildMinimalID3v2(title, artist string) []byte {
	frames := append(id3v2TextFrame("TIT2", title), id3v2TextFrame("TPE1", artist)...)
	n := uint32(len(frames))
	// ID3v2 header size field is syncsafe (7 bits per byte); our frame
	// set is always well under 128 bytes so each byte is just n's
	// corresponding 7-bit group with the top bit clear.
	header := []byte{
		'I', 'D', '3', 0x03, 0x00, 0x00,
		byte((n >> 21) & 0x7f), byte((n >> 14) & 0x7f), byte((n >> 7) & 0x7f), byte(n & 0x7f),
	}
	return append(header, frames...)
}

func TestReadAudioTagsParsesID3Title(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "track.mp3")
	require.NoError(t, os.WriteFile(path, buildMinimalID3v2("Song", "Artist"), 0o644))

	tags, err := ReadAudioTags(path)
	require.NoError(t, err)
	assert.Equal(t, "Song", tags.Title)
	assert.Equal(t, "Artist", tags.Artist)
}

func TestReadAudioTagsErrorsOnMissingFile(t *testing.T) {
	_, err := ReadAudioTags(filepath.Join(t.TempDir(), "missing.mp3"))
	assert.Error(t, err)
}

func TestReadAudioTagsErrorsOnUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text, no tag container"), 0o644))

	_, err := ReadAudioTags(path)
	assert.Error(t, err)
}
