// Package imagecache keeps decoded images on disk long enough for the chat
// client to upload them, and prunes them on a schedule.
package imagecache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultMaxAge   = 30 * time.Minute
	DefaultMaxFiles = 80
	DefaultSchedule = "@every 5m"
)

// Options configures a Cache
type Options struct {
	Dir      string
	MaxAge   time.Duration
	MaxFiles int
	// Schedule is a robfig/cron spec for the cleanup job
	Schedule string
}

// Cache is a directory of generated images
type Cache struct {
	dir      string
	maxAge   time.Duration
	maxFiles int
	schedule string

	mu   sync.Mutex
	cron *cron.Cron
	now  func() time.Time
}

// New creates the cache directory if needed
func New(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		opts.Dir = "generated_images"
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}

	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve image cache dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create image cache dir: %w", err)
	}

	return &Cache{
		dir:      dir,
		maxAge:   opts.MaxAge,
		maxFiles: opts.MaxFiles,
		schedule: opts.Schedule,
		now:      time.Now,
	}, nil
}

// Dir returns the absolute cache directory
func (c *Cache) Dir() string {
	return c.dir
}

// Save writes image bytes to a new file and returns its absolute path
func (c *Cache) Save(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("refusing to save empty image")
	}

	name := fmt.Sprintf("nai_%d_%s%s", c.now().UnixMilli(), shortID(), extension(data))
	path := filepath.Join(c.dir, name)

	// Write to a temp file first so a half-written image is never sent
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to move image into place: %w", err)
	}

	log.Debugf("Image saved: %s (%d bytes)", path, len(data))
	return path, nil
}

// Cleanup removes files older than the max age, then the oldest files beyond
// the max count. It returns how many files were removed.
func (c *Cache) Cleanup() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list image cache: %w", err)
	}

	type file struct {
		path  string
		mtime time.Time
	}

	now := c.now()
	removed := 0
	var remaining []file

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		if now.Sub(info.ModTime()) > c.maxAge {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Warnf("Failed to remove expired image %s: %v", path, err)
				continue
			}
			removed++
			continue
		}
		remaining = append(remaining, file{path: path, mtime: info.ModTime()})
	}

	if overflow := len(remaining) - c.maxFiles; overflow > 0 {
		sort.Slice(remaining, func(i, j int) bool {
			return remaining[i].mtime.Before(remaining[j].mtime)
		})
		for _, f := range remaining[:overflow] {
			if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
				log.Warnf("Failed to remove surplus image %s: %v", f.path, err)
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		log.Debugf("Image cache cleanup removed %d files", removed)
	}
	return removed, nil
}

// Start schedules periodic cleanup
func (c *Cache) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cron != nil {
		return nil
	}

	sched := cron.New()
	if _, err := sched.AddFunc(c.schedule, func() {
		if _, err := c.Cleanup(); err != nil {
			log.Warnf("Image cache cleanup failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", c.schedule, err)
	}
	sched.Start()
	c.cron = sched

	log.Infof("Image cache at %s, cleanup %s", c.dir, c.schedule)
	return nil
}

// Stop halts the cleanup job and waits for a running pass to finish
func (c *Cache) Stop() {
	c.mu.Lock()
	sched := c.cron
	c.cron = nil
	c.mu.Unlock()

	if sched != nil {
		<-sched.Stop().Done()
	}
}

func extension(data []byte) string {
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") || mt.Extension() == "" {
		return ".png"
	}
	return mt.Extension()
}

func shortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:6]
}
