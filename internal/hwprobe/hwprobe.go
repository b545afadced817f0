// Package hwprobe is the Hardware Probe (C3): detects which hardware
// encoder vendor FFmpeg can reach, so encoders can pick an encode path,
// and reports host RAM through ReadMemory. It does not read GPU memory.
package hwprobe

import (
	"context"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/exec"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/logger"
)

// Vendor is the detected hardware encoder vendor.
type Vendor string

const (
	VendorNVIDIA  Vendor = "nvidia"
	VendorIntel   Vendor = "intel"
	VendorAMD     Vendor = "amd"
	VendorNone    Vendor = "none"
	VendorUnknown Vendor = "unknown"
)

// Memory reports host RAM available for estimating safe worker counts.
type Memory struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// Probe memoizes the one-time `ffmpeg -encoders` scan: the result never
// changes for the lifetime of a pipeline run.
type Probe struct {
	gateway    exec.Gateway
	ffmpegPath string

	once   sync.Once
	vendor Vendor
}

// New returns a Probe that shells out to ffmpegPath via gateway.
func New(gateway exec.Gateway, ffmpegPath string) *Probe {
	return &Probe{gateway: gateway, ffmpegPath: ffmpegPath}
}

// DetectVendor returns the hardware encoder vendor FFmpeg reports,
// memoized after the first call.
func (p *Probe) DetectVendor(ctx context.Context) Vendor {
	p.once.Do(func() {
		p.vendor = p.detect(ctx)
	})
	return p.vendor
}

func (p *Probe) detect(ctx context.Context) Vendor {
	res, err := p.gateway.Run(ctx, p.ffmpegPath, []string{"-hide_banner", "-encoders"}, exec.Options{})
	if err != nil {
		logger.Warn("hwprobe: ffmpeg -encoders failed, assuming no hardware encoder", []logger.Field{logger.Err("error", err)})
		return VendorUnknown
	}
	enc := strings.ToLower(string(res.Stdout))
	switch {
	case strings.Contains(enc, "h264_nvenc"), strings.Contains(enc, "hevc_nvenc"):
		return VendorNVIDIA
	case strings.Contains(enc, "h264_qsv"), strings.Contains(enc, "hevc_qsv"):
		return VendorIntel
	case strings.Contains(enc, "h264_amf"), strings.Contains(enc, "hevc_amf"):
		return VendorAMD
	case enc == "":
		return VendorUnknown
	default:
		return VendorNone
	}
}

// ReadMemory reports current host RAM (total and available). The
// configured worker count is not adjusted from it.
func ReadMemory(ctx context.Context) (Memory, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Memory{}, err
	}
	return Memory{TotalBytes: v.Total, AvailableBytes: v.Available}, nil
}

// EncoderName maps a vendor to the FFmpeg H.264 hardware encoder name,
// or "" when no hardware path applies and software x264 should be used.
func EncoderName(v Vendor) string {
	switch v {
	case VendorNVIDIA:
		return "h264_nvenc"
	case VendorIntel:
		return "h264_qsv"
	case VendorAMD:
		return "h264_amf"
	default:
		return ""
	}
}
