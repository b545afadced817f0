// Package index is the Resolution-Group Index (C7): groups files
// under a normalized root by (W,H) and returns the top-N groups by
// count, invalidating its cache when fsnotify observes the tree
// changing underneath it.
package index

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/logger"
	"github.com/tuzaix/replace-video-bgm-sub000/internal/media"
)

// Group is a bucket of files sharing one (W,H).
type Group struct {
	Width  int
	Height int
	Files  []string
}

// Index scans a normalized root (laid out as <root>/<W>x<H>/*.mp4 by
// the Normalizer) and keeps a cached grouping, invalidated on
// filesystem change.
type Index struct {
	root string

	mu     sync.Mutex
	groups map[[2]int][]string
	stale  bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates an Index watching root for changes via fsnotify. Call
// Close when done to stop the watcher goroutine.
func New(root string) (*Index, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	idx := &Index{root: root, stale: true, watcher: watcher, done: make(chan struct{})}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, err
	}
	go idx.watch()
	return idx, nil
}

func (idx *Index) watch() {
	for {
		select {
		case _, ok := <-idx.watcher.Events:
			if !ok {
				return
			}
			idx.mu.Lock()
			idx.stale = true
			idx.mu.Unlock()
		case err, ok := <-idx.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("resolution index watcher error: %v", err)
		case <-idx.done:
			return
		}
	}
}

// Close stops the underlying watcher.
func (idx *Index) Close() error {
	close(idx.done)
	return idx.watcher.Close()
}

// Rescan forces a fresh directory walk regardless of cache state.
func (idx *Index) Rescan() error {
	// fsnotify is not recursive and clips land inside <W>x<H>
	// directories, so watch each of those as well as root.
	if dirs, err := filepath.Glob(filepath.Join(idx.root, "*x*")); err == nil {
		for _, d := range dirs {
			_ = idx.watcher.Add(d)
		}
	}
	groups, err := scan(idx.root)
	if err != nil {
		return err
	}
	idx.mu.Lock()
	idx.groups = groups
	idx.stale = false
	idx.mu.Unlock()
	return nil
}

func (idx *Index) ensureFresh() error {
	idx.mu.Lock()
	stale := idx.stale || idx.groups == nil
	idx.mu.Unlock()
	if !stale {
		return nil
	}
	return idx.Rescan()
}

// TopN returns the n largest groups by file count, ties broken by
// total pixel area (larger first), deterministic across calls.
func (idx *Index) TopN(n int) ([]Group, error) {
	if err := idx.ensureFresh(); err != nil {
		return nil, err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	groups := make([]Group, 0, len(idx.groups))
	for key, files := range idx.groups {
		sorted := append([]string(nil), files...)
		sort.Strings(sorted)
		groups = append(groups, Group{Width: key[0], Height: key[1], Files: sorted})
	}
	sort.Slice(groups, func(i, j int) bool {
		if len(groups[i].Files) != len(groups[j].Files) {
			return len(groups[i].Files) > len(groups[j].Files)
		}
		areaI := groups[i].Width * groups[i].Height
		areaJ := groups[j].Width * groups[j].Height
		if areaI != areaJ {
			return areaI > areaJ
		}
		return groups[i].Width < groups[j].Width
	})
	if n > 0 && n < len(groups) {
		groups = groups[:n]
	}
	return groups, nil
}

func scan(root string) (map[[2]int][]string, error) {
	entries, err := filepath.Glob(filepath.Join(root, "*x*"))
	if err != nil {
		return nil, err
	}
	groups := make(map[[2]int][]string)
	for _, dir := range entries {
		w, h, ok := parseDims(filepath.Base(dir))
		if !ok {
			continue
		}
		files, err := filepath.Glob(filepath.Join(dir, "*.mp4"))
		if err != nil {
			continue
		}
		if len(files) == 0 {
			continue
		}
		groups[[2]int{w, h}] = files
	}
	return groups, nil
}

func parseDims(name string) (int, int, bool) {
	parts := strings.SplitN(name, "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return w, h, true
}

// ItemsIn converts a Group's file paths into MediaItems with
// Width/Height pre-populated, skipping the prober for the
// already-known resolution.
func (g Group) ItemsIn() []media.MediaItem {
	items := make([]media.MediaItem, 0, len(g.Files))
	for _, f := range g.Files {
		items = append(items, media.MediaItem{
			Path: f,
			Kind: media.KindVideo,
			Probe: &media.Probed{Width: g.Width, Height: g.Height},
		})
	}
	return items
}
