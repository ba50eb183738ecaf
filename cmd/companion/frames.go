package main

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "image/jpeg"
	_ "image/png"
)

// dirFrames cycles through the images of a directory as a stand-in
// camera feed. Implements live.FrameSource.
type dirFrames struct {
	mu     sync.Mutex
	frames []image.Image
	next   int
}

func openFrameDir(dir string) (*dirFrames, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("open frame directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}

	d := &dirFrames{}
	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		img, _, err := image.Decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		d.frames = append(d.frames, img)
	}
	return d, nil
}

func (d *dirFrames) Frame() (image.Image, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.frames) == 0 {
		return nil, false
	}
	img := d.frames[d.next]
	d.next = (d.next + 1) % len(d.frames)
	return img, true
}

func (d *dirFrames) Close() error {
	d.mu.Lock()
	d.frames = nil
	d.mu.Unlock()
	return nil
}
