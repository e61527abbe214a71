// Package sync drives periodic background reconciliation of folder
// summaries through the connection manager.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/skylarkmail/skylark/internal/imap"
	"github.com/skylarkmail/skylark/internal/logging"
)

// RefreshCompletedCallback is called when a folder refresh completes
// (success or error).
type RefreshCompletedCallback func(folder string, changes imap.ChangeInfo, err error)

// Scheduler refreshes registered folders on an interval. IDLE covers
// the selected folder in real time; the scheduler covers everything
// else.
type Scheduler struct {
	manager *imap.ConnectionManager
	log     zerolog.Logger

	refreshCompletedCallback RefreshCompletedCallback

	// Control
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
	interval  time.Duration

	// Track folders being refreshed to prevent concurrent refreshes
	refreshing   map[string]bool
	refreshingMu sync.Mutex

	foldersMu sync.Mutex
	folders   []*imap.Folder
}

// NewScheduler creates a refresh scheduler on top of the manager.
func NewScheduler(manager *imap.ConnectionManager, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		manager:    manager,
		log:        logging.WithComponent("sync-scheduler"),
		interval:   interval,
		refreshing: make(map[string]bool),
	}
}

// SetRefreshCompletedCallback sets the completion notification hook.
func (s *Scheduler) SetRefreshCompletedCallback(cb RefreshCompletedCallback) {
	s.refreshCompletedCallback = cb
}

// AddFolder registers a folder for periodic refresh.
func (s *Scheduler) AddFolder(f *imap.Folder) {
	s.foldersMu.Lock()
	defer s.foldersMu.Unlock()
	for _, existing := range s.folders {
		if existing == f {
			return
		}
	}
	s.folders = append(s.folders, f)
}

// RemoveFolder stops refreshing a folder.
func (s *Scheduler) RemoveFolder(name string) {
	s.foldersMu.Lock()
	defer s.foldersMu.Unlock()
	for i, f := range s.folders {
		if f.Name == name {
			s.folders = append(s.folders[:i], s.folders[i+1:]...)
			return
		}
	}
}

// Start starts the background refresh loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.running {
		s.log.Warn().Msg("Scheduler already running")
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.run()
	s.log.Info().Dur("interval", s.interval).Msg("Sync scheduler started")
}

// Stop halts the loop and waits for in-flight refreshes.
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.runningMu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("Sync scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.refreshAll()
		}
	}
}

func (s *Scheduler) refreshAll() {
	s.foldersMu.Lock()
	folders := append([]*imap.Folder(nil), s.folders...)
	s.foldersMu.Unlock()

	for _, f := range folders {
		s.refreshingMu.Lock()
		if s.refreshing[f.Name] {
			s.refreshingMu.Unlock()
			s.log.Debug().Str("folder", f.Name).Msg("Refresh already in progress, skipping")
			continue
		}
		s.refreshing[f.Name] = true
		s.refreshingMu.Unlock()

		s.wg.Add(1)
		go func(f *imap.Folder) {
			defer s.wg.Done()
			defer func() {
				s.refreshingMu.Lock()
				delete(s.refreshing, f.Name)
				s.refreshingMu.Unlock()
			}()

			changes, err := s.manager.RefreshInfo(s.ctx, f)
			if err != nil {
				if !imap.IsCancelled(err) {
					s.log.Warn().Err(err).Str("folder", f.Name).Msg("Background refresh failed")
				}
			} else if !changes.Empty() {
				s.log.Debug().
					Str("folder", f.Name).
					Int("added", len(changes.Added)).
					Int("changed", len(changes.Changed)).
					Int("removed", len(changes.Removed)).
					Msg("Background refresh found changes")
			}
			if cb := s.refreshCompletedCallback; cb != nil {
				cb(f.Name, changes, err)
			}
		}(f)
	}
}
