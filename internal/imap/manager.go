package imap

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/skylarkmail/skylark/internal/logging"
)

// ManagerConfig configures the connection pool.
type ManagerConfig struct {
	Server ServerConfig

	// ConcurrentConnections is the hard cap on pool size.
	ConcurrentConnections int

	// Refresh tunes the fetch/refresh jobs dispatched through the
	// manager.
	Refresh RefreshOptions
}

// DefaultManagerConfig returns sensible pool defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Server:                DefaultServerConfig(),
		ConcurrentConnections: 3,
		Refresh:               DefaultRefreshOptions(),
	}
}

// connectionInfo is one pool slot: the server plus the set of folders
// it is currently responsible for.
type connectionInfo struct {
	server *Server

	mu       sync.Mutex
	folders  map[string]bool
	selected string
}

func (ci *connectionInfo) hasFolder(name string) bool {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.folders[name]
}

func (ci *connectionInfo) folderCount() int {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return len(ci.folders)
}

func (ci *connectionInfo) addFolder(name string) {
	ci.mu.Lock()
	ci.folders[name] = true
	ci.mu.Unlock()
}

func (ci *connectionInfo) removeFolder(name string) {
	ci.mu.Lock()
	delete(ci.folders, name)
	ci.mu.Unlock()
}

// ConnectionManager multiplexes jobs over a bounded pool of Servers,
// keyed by folder affinity so work for one mailbox sticks to the
// connection that already has it selected.
type ConnectionManager struct {
	cfg   ManagerConfig
	cache Cache
	log   zerolog.Logger

	mu     sync.Mutex
	conns  []*connectionInfo
	closed bool

	folders map[string]*Folder

	// fetchIntents coalesces concurrent get-message calls for the same
	// UID onto one job.
	fetchIntents map[string]*Job

	nextPrefix byte
}

// NewConnectionManager creates a manager. The cache backs message
// body fetches and appends.
func NewConnectionManager(cfg ManagerConfig, cache Cache) *ConnectionManager {
	if cfg.ConcurrentConnections <= 0 {
		cfg.ConcurrentConnections = 3
	}
	return &ConnectionManager{
		cfg:          cfg,
		cache:        cache,
		log:          logging.WithComponent("imap-pool"),
		folders:      make(map[string]*Folder),
		fetchIntents: make(map[string]*Job),
		nextPrefix:   'A',
	}
}

// RegisterFolder makes a folder handle available to every connection.
func (m *ConnectionManager) RegisterFolder(f *Folder) {
	m.mu.Lock()
	m.folders[f.Name] = f
	conns := append([]*connectionInfo(nil), m.conns...)
	m.mu.Unlock()
	for _, ci := range conns {
		ci.server.RegisterFolder(f)
	}
}

// Folder returns a registered folder handle.
func (m *ConnectionManager) Folder(name string) (*Folder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.folders[name]
	return f, ok
}

// getConnection picks or creates the server for a folder:
// folder-affine first, then an unclaimed server, then a new one while
// the pool has room, finally the least-loaded.
func (m *ConnectionManager) getConnection(ctx context.Context, folderName string) (*connectionInfo, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}

	if folderName != "" {
		for _, ci := range m.conns {
			if ci.hasFolder(folderName) {
				m.mu.Unlock()
				return ci, nil
			}
		}
	}
	for _, ci := range m.conns {
		if ci.folderCount() == 0 {
			if folderName != "" {
				ci.addFolder(folderName)
			}
			m.mu.Unlock()
			return ci, nil
		}
	}

	if len(m.conns) < m.cfg.ConcurrentConnections {
		prefix := m.nextPrefix
		m.nextPrefix++
		if m.nextPrefix > 'Z' {
			m.nextPrefix = 'A'
		}
		m.mu.Unlock()

		ci, err := m.createConnection(ctx, prefix)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			ci.server.Shutdown(ErrShutdown)
			return nil, ErrShutdown
		}
		m.conns = append(m.conns, ci)
		if folderName != "" {
			ci.addFolder(folderName)
		}
		m.mu.Unlock()
		return ci, nil
	}

	// Pool full: least outstanding jobs wins.
	var best *connectionInfo
	bestJobs := 0
	for _, ci := range m.conns {
		jobs := ci.server.JobCount()
		if best == nil || jobs < bestJobs {
			best, bestJobs = ci, jobs
		}
	}
	if best == nil {
		m.mu.Unlock()
		return nil, internalErrorf("connection pool empty at capacity")
	}
	if folderName != "" {
		best.addFolder(folderName)
	}
	m.mu.Unlock()
	return best, nil
}

// createConnection dials and authenticates a fresh server and wires
// its lifecycle callbacks into the pool.
func (m *ConnectionManager) createConnection(ctx context.Context, prefix byte) (*connectionInfo, error) {
	cfg := m.cfg.Server
	cfg.TagPrefix = prefix

	server := NewServer(cfg)
	ci := &connectionInfo{server: server, folders: make(map[string]bool)}

	server.onShutdown = m.serverShutdown
	server.onSelectChanged = func(s *Server, folder string) { m.selectChanged(ci, folder) }
	server.onNewMail = m.newMail

	m.mu.Lock()
	for _, f := range m.folders {
		server.RegisterFolder(f)
	}
	m.mu.Unlock()

	m.log.Debug().Str("tag", string(prefix)).Msg("Creating new connection")
	if err := server.Connect(ctx); err != nil {
		m.log.Error().Err(err).Msg("Connection failed")
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	m.log.Info().Str("tag", string(prefix)).Msg("New connection created")
	return ci, nil
}

// selectChanged is the server's select-changed signal: when a server
// leaves a folder it has no jobs on, release the affinity so another
// connection may claim it.
func (m *ConnectionManager) selectChanged(ci *connectionInfo, folder string) {
	ci.mu.Lock()
	previous := ci.selected
	ci.selected = folder
	ci.mu.Unlock()

	if previous == "" || previous == folder {
		return
	}
	if ci.server.JobCount() == 0 {
		ci.removeFolder(previous)
		m.log.Debug().
			Str("folder", previous).
			Msg("Released folder affinity")
	}
}

// serverShutdown drops a dead server from the pool. Its jobs were
// already cancelled with the shutdown error.
func (m *ConnectionManager) serverShutdown(s *Server, err error) {
	m.mu.Lock()
	for i, ci := range m.conns {
		if ci.server == s {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	m.log.Info().Err(err).Msg("Removed connection from pool")
}

// newMail reacts to EXISTS during IDLE by scheduling a fetch of the
// new messages.
func (m *ConnectionManager) newMail(s *Server, f *Folder) {
	m.log.Debug().Str("folder", f.Name).Msg("New mail signalled during IDLE")
	job := NewFetchNewMessagesJob(context.Background(), f, m.cfg.Refresh)
	job.NoReply = true
	if err := s.RunJob(job); err != nil {
		m.log.Warn().Err(err).Str("folder", f.Name).Msg("Failed to schedule new-mail fetch")
	}
}

// SubmitJob dispatches a job to the right connection and starts it.
// Wait on the job for the outcome.
func (m *ConnectionManager) SubmitJob(ctx context.Context, job *Job) error {
	ci, err := m.getConnection(ctx, job.Folder)
	if err != nil {
		job.fail(err)
		return err
	}
	return ci.server.RunJob(job)
}

// GetMessage fetches a message body into the cache, coalescing
// concurrent requests for the same UID onto a single job.
func (m *ConnectionManager) GetMessage(ctx context.Context, folder *Folder, uid uint32, size uint32) error {
	key := folder.Name + "\x00" + cacheKey(uid)

	m.mu.Lock()
	if existing, ok := m.fetchIntents[key]; ok {
		m.mu.Unlock()
		m.log.Debug().Uint32("uid", uid).Msg("Coalescing duplicate fetch")
		return existing.Wait(ctx)
	}
	job := NewGetMessageJob(ctx, folder, uid, size, m.cache)
	m.fetchIntents[key] = job
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.fetchIntents, key)
		m.mu.Unlock()
	}()

	if err := m.SubmitJob(ctx, job); err != nil {
		return err
	}
	return job.Wait(ctx)
}

// RefreshInfo reconciles a folder summary with the server.
func (m *ConnectionManager) RefreshInfo(ctx context.Context, folder *Folder) (ChangeInfo, error) {
	job := NewRefreshInfoJob(ctx, folder, m.cfg.Refresh)
	if err := m.SubmitJob(ctx, job); err != nil {
		return ChangeInfo{}, err
	}
	if err := job.Wait(ctx); err != nil {
		return ChangeInfo{}, err
	}
	return folder.TakeChanges(), nil
}

// FetchMessages pulls summary entries for specific UIDs into the
// folder summary.
func (m *ConnectionManager) FetchMessages(ctx context.Context, folder *Folder, uids []uint32) error {
	job := NewFetchMessagesJob(ctx, folder, uids, m.cfg.Refresh)
	if err := m.SubmitJob(ctx, job); err != nil {
		return err
	}
	return job.Wait(ctx)
}

// RefreshFolderStatus updates a folder's server-side counters with a
// STATUS command, without selecting the folder.
func (m *ConnectionManager) RefreshFolderStatus(ctx context.Context, folderName string) error {
	job := NewFolderStatusJob(ctx, folderName, m.cfg.Server.UseQresync)
	if err := m.SubmitJob(ctx, job); err != nil {
		return err
	}
	return job.Wait(ctx)
}

// SyncChanges writes local flag changes back to the server.
func (m *ConnectionManager) SyncChanges(ctx context.Context, folder *Folder) error {
	job := NewSyncChangesJob(ctx, folder, m.cfg.Refresh)
	if err := m.SubmitJob(ctx, job); err != nil {
		return err
	}
	return job.Wait(ctx)
}

// Expunge syncs flags then expunges the folder.
func (m *ConnectionManager) Expunge(ctx context.Context, folder *Folder) error {
	if err := m.SyncChanges(ctx, folder); err != nil {
		return err
	}
	job := NewExpungeJob(ctx, folder)
	if err := m.SubmitJob(ctx, job); err != nil {
		return err
	}
	return job.Wait(ctx)
}

// CopyMessages copies (or moves) messages to another folder,
// returning any COPYUID mappings.
func (m *ConnectionManager) CopyMessages(ctx context.Context, folder *Folder, uids []uint32, dest string, move bool) (CopyResult, error) {
	job := NewCopyMessageJob(ctx, folder, uids, dest, move, m.cfg.Refresh)
	if err := m.SubmitJob(ctx, job); err != nil {
		return CopyResult{}, err
	}
	if err := job.Wait(ctx); err != nil {
		return CopyResult{}, err
	}
	result, _ := job.Result.(CopyResult)
	return result, nil
}

// AppendMessage uploads a queued message from the cache's new group.
func (m *ConnectionManager) AppendMessage(ctx context.Context, folder *Folder, info *MessageInfo, cacheID string) (AppendResult, error) {
	job := NewAppendMessageJob(ctx, folder, info, cacheID, m.cache)
	if err := m.SubmitJob(ctx, job); err != nil {
		return AppendResult{}, err
	}
	if err := job.Wait(ctx); err != nil {
		return AppendResult{}, err
	}
	result, _ := job.Result.(AppendResult)
	return result, nil
}

// ListFolders enumerates folders matching pattern.
func (m *ConnectionManager) ListFolders(ctx context.Context, pattern string) ([]ListEntry, error) {
	job := NewListJob(ctx, pattern)
	if err := m.SubmitJob(ctx, job); err != nil {
		return nil, err
	}
	if err := job.Wait(ctx); err != nil {
		return nil, err
	}
	entries, _ := job.Result.([]ListEntry)
	return entries, nil
}

// SetSubscribed subscribes to or unsubscribes from a folder.
func (m *ConnectionManager) SetSubscribed(ctx context.Context, folderName string, subscribed bool) error {
	job := NewManageSubscriptionJob(ctx, folderName, subscribed)
	if err := m.SubmitJob(ctx, job); err != nil {
		return err
	}
	return job.Wait(ctx)
}

// CreateFolder creates and subscribes to a folder.
func (m *ConnectionManager) CreateFolder(ctx context.Context, name string) error {
	job := NewCreateFolderJob(ctx, name)
	if err := m.SubmitJob(ctx, job); err != nil {
		return err
	}
	return job.Wait(ctx)
}

// DeleteFolder deletes a folder.
func (m *ConnectionManager) DeleteFolder(ctx context.Context, name string) error {
	job := NewDeleteFolderJob(ctx, name)
	if err := m.SubmitJob(ctx, job); err != nil {
		return err
	}
	return job.Wait(ctx)
}

// RenameFolder renames a folder.
func (m *ConnectionManager) RenameFolder(ctx context.Context, oldName, newName string) error {
	job := NewRenameFolderJob(ctx, oldName, newName)
	if err := m.SubmitJob(ctx, job); err != nil {
		return err
	}
	return job.Wait(ctx)
}

// CloseConnections cancels every server and drops the pool.
func (m *ConnectionManager) CloseConnections() {
	m.mu.Lock()
	m.closed = true
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()

	for _, ci := range conns {
		ci.server.Shutdown(ErrShutdown)
	}
	m.log.Info().Int("closed", len(conns)).Msg("Closed all connections")
}
