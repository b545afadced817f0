package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/config"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/perr"
)

func writeFakeBinary(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

func TestResolvePrefersBundledDir(t *testing.T) {
	dir := t.TempDir()
	writeFakeBinary(t, dir, "ffmpeg")
	writeFakeBinary(t, dir, "ffprobe")

	paths, err := Resolve(config.ToolConfig{BundledDir: dir})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ffmpeg"), paths.FFmpeg)
	assert.Equal(t, filepath.Join(dir, "ffprobe"), paths.FFprobe)
}

func TestResolveHonorsExplicitOverride(t *testing.T) {
	dir := t.TempDir()
	ffmpeg := writeFakeBinary(t, dir, "myffmpeg")
	writeFakeBinary(t, dir, "ffprobe")

	paths, err := Resolve(config.ToolConfig{FFmpegOverride: ffmpeg, BundledDir: dir})
	require.NoError(t, err)
	assert.Equal(t, ffmpeg, paths.FFmpeg)
}

func TestResolveFailsOnMissingOverride(t *testing.T) {
	_, err := Resolve(config.ToolConfig{FFmpegOverride: "/no/such/binary"})
	require.Error(t, err)
	var perrErr *perr.Error
	require.ErrorAs(t, err, &perrErr)
	assert.Equal(t, perr.ToolNotFound, perrErr.Kind)
}

func TestResolveFailsWithoutBundledDirOrFallback(t *testing.T) {
	_, err := Resolve(config.ToolConfig{})
	require.Error(t, err)
}

func TestResolveFallsBackToPATHWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	writeFakeBinary(t, dir, "ffmpeg")
	writeFakeBinary(t, dir, "ffprobe")

	oldPath := os.Getenv("PATH")
	t.Cleanup(func() { os.Setenv("PATH", oldPath) })
	os.Setenv("PATH", dir+string(os.PathListSeparator)+oldPath)

	paths, err := Resolve(config.ToolConfig{DevPathFallback: true})
	require.NoError(t, err)
	assert.NotEmpty(t, paths.FFmpeg)
	assert.NotEmpty(t, paths.FFprobe)
}

func TestResolvePrependsBundledDirToPATH(t *testing.T) {
	dir := t.TempDir()
	writeFakeBinary(t, dir, "ffmpeg")
	writeFakeBinary(t, dir, "ffprobe")

	oldPath := os.Getenv("PATH")
	t.Cleanup(func() { os.Setenv("PATH", oldPath) })

	_, err := Resolve(config.ToolConfig{BundledDir: dir})
	require.NoError(t, err)
	assert.Contains(t, os.Getenv("PATH"), dir)
}
