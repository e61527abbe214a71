// Package cache stores message bodies on disk, addressed by group and
// UID. Groups separate committed bodies (cur) from fetches in progress
// (tmp) and queued appends (new); committing is an atomic rename.
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/skylarkmail/skylark/internal/imap"
	"github.com/skylarkmail/skylark/internal/logging"
)

// Cache is a directory-backed body store implementing the engine's
// cache contract.
type Cache struct {
	root string
	log  zerolog.Logger
}

var _ imap.Cache = (*Cache)(nil)

// Open creates the cache directory tree under root.
func Open(root string) (*Cache, error) {
	for _, group := range []string{imap.CacheCur, imap.CacheTmp, imap.CacheNew} {
		if err := os.MkdirAll(filepath.Join(root, group), 0700); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	return &Cache{
		root: root,
		log:  logging.WithComponent("cache"),
	}, nil
}

// Filename returns the path an entry lives at.
func (c *Cache) Filename(group, uid string) string {
	return filepath.Join(c.root, group, uid)
}

// Get opens an entry for reading.
func (c *Cache) Get(group, uid string) (io.ReadCloser, error) {
	f, err := os.Open(c.Filename(group, uid))
	if err != nil {
		return nil, fmt.Errorf("cache get %s/%s: %w", group, uid, err)
	}
	return f, nil
}

// Add creates an entry for writing, replacing any previous content.
// The write goes to a uniquely named sidecar first so a crashed writer
// never leaves a truncated entry under the real name.
func (c *Cache) Add(group, uid string) (io.WriteCloser, error) {
	side := c.Filename(group, uid+"."+uuid.NewString())
	f, err := os.OpenFile(side, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("cache add %s/%s: %w", group, uid, err)
	}
	return &entryWriter{File: f, side: side, final: c.Filename(group, uid)}, nil
}

// entryWriter renames the sidecar into place on Close.
type entryWriter struct {
	*os.File
	side  string
	final string
}

func (w *entryWriter) Close() error {
	if err := w.File.Close(); err != nil {
		os.Remove(w.side)
		return err
	}
	if err := os.Rename(w.side, w.final); err != nil {
		os.Remove(w.side)
		return err
	}
	return nil
}

// Remove deletes an entry. Removing a missing entry is not an error.
func (c *Cache) Remove(group, uid string) error {
	err := os.Remove(c.Filename(group, uid))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cache remove %s/%s: %w", group, uid, err)
	}
	return nil
}

// Rename moves an entry between groups atomically.
func (c *Cache) Rename(fromGroup, toGroup, uid string) error {
	if err := os.Rename(c.Filename(fromGroup, uid), c.Filename(toGroup, uid)); err != nil {
		return fmt.Errorf("cache rename %s -> %s/%s: %w", fromGroup, toGroup, uid, err)
	}
	return nil
}

// Clear removes every entry in a group.
func (c *Cache) Clear(group string) error {
	dir := filepath.Join(c.root, group)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("cache clear %s: %w", group, err)
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("cache clear %s: %w", group, err)
		}
	}
	c.log.Debug().Str("group", group).Int("removed", len(entries)).Msg("Cleared cache group")
	return nil
}
