// Package tools is the Tool Locator (C1): resolves ffmpeg/ffprobe paths
// and ensures both are invocable before the pipeline starts any real work.
package tools

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/config"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/perr"
)

// Paths holds the resolved, invocable tool paths.
type Paths struct {
	FFmpeg  string
	FFprobe string
}

// Resolve implements the search order from spec.md §4.1: (a) bundled
// directory, (b) explicit override, (c) system PATH only when
// dev-mode fallback is enabled.
func Resolve(cfg config.ToolConfig) (Paths, error) {
	ffmpeg, err := resolveOne("ffmpeg", cfg.FFmpegOverride, cfg.BundledDir, cfg.DevPathFallback)
	if err != nil {
		return Paths{}, err
	}
	ffprobe, err := resolveOne("ffprobe", cfg.FFprobeOverride, cfg.BundledDir, cfg.DevPathFallback)
	if err != nil {
		return Paths{}, err
	}

	// Prepend the chosen directory to PATH so any helper processes
	// FFmpeg itself spawns resolve against the same build.
	if dir := filepath.Dir(ffmpeg); dir != "." {
		_ = os.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}

	return Paths{FFmpeg: ffmpeg, FFprobe: ffprobe}, nil
}

func resolveOne(binary, override, bundledDir string, devFallback bool) (string, error) {
	exeName := binary
	if os.PathSeparator == '\\' {
		exeName += ".exe"
	}

	if bundledDir != "" {
		candidate := filepath.Join(bundledDir, exeName)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}

	if override != "" {
		if isExecutable(override) {
			return override, nil
		}
		return "", perr.NewToolNotFound(binary)
	}

	if devFallback {
		if path, err := exec.LookPath(binary); err == nil {
			return path, nil
		}
	}

	return "", perr.NewToolNotFound(binary)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return true
}
