// Package classify is the Media Classifier (C5): decides a
// MediaItem's Kind from its file extension and enumerates directories
// in non-recursive or recursive mode.
package classify

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/media"
)

var videoExt = map[string]struct{}{
	".mp4": {}, ".avi": {}, ".mov": {}, ".mkv": {}, ".wmv": {}, ".flv": {},
	".webm": {}, ".m4v": {}, ".3gp": {}, ".ts": {}, ".mts": {}, ".m2ts": {},
}

var audioExt = map[string]struct{}{
	".mp3": {}, ".wav": {}, ".flac": {}, ".aac": {}, ".ogg": {}, ".m4a": {},
}

var imageExt = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".webp": {}, ".bmp": {}, ".gif": {},
}

// KindOf classifies a path by its extension alone.
func KindOf(path string) media.Kind {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case extIn(ext, videoExt):
		return media.KindVideo
	case extIn(ext, imageExt):
		return media.KindImage
	case extIn(ext, audioExt):
		return media.KindAudio
	default:
		return media.KindUnknown
	}
}

func extIn(ext string, table map[string]struct{}) bool {
	_, ok := table[ext]
	return ok
}

// Discover builds a MediaItem for path without touching the filesystem
// beyond a stat for size.
func Discover(path string) (media.MediaItem, error) {
	info, err := os.Stat(path)
	if err != nil {
		return media.MediaItem{}, err
	}
	return media.MediaItem{
		Path:      path,
		Kind:      KindOf(path),
		SizeBytes: info.Size(),
	}, nil
}

// EnumerateDir lists MediaItems under root. When recursive is false,
// only root's direct entries are considered. Entries that fail to
// classify as video/image/audio are still returned with Kind =
// KindUnknown so callers can report or skip them explicitly.
func EnumerateDir(root string, recursive bool) ([]media.MediaItem, error) {
	var items []media.MediaItem

	if !recursive {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			item, err := Discover(filepath.Join(root, e.Name()))
			if err != nil {
				continue
			}
			items = append(items, item)
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
		return items, nil
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		item, ierr := Discover(path)
		if ierr != nil {
			return nil
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}
