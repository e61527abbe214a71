// Package summary persists per-folder message summaries
package summary

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/skylarkmail/skylark/internal/database"
	"github.com/skylarkmail/skylark/internal/imap"
	"github.com/skylarkmail/skylark/internal/logging"
)

// Store hands out folder summaries backed by one SQLite database.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates a summary store on db.
func NewStore(db *database.DB) *Store {
	return &Store{
		db:  db,
		log: logging.WithComponent("summary"),
	}
}

// Folder loads (or creates) the summary for a folder.
func (s *Store) Folder(name string) (*FolderSummary, error) {
	fs := &FolderSummary{
		store:  s,
		folder: name,
		byUID:  make(map[uint32]*imap.MessageInfo),
	}
	if s.db == nil {
		return fs, nil
	}

	if _, err := s.db.Exec(`INSERT OR IGNORE INTO folders (name) VALUES (?)`, name); err != nil {
		return nil, fmt.Errorf("failed to register folder: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT uid, size, flags, user_flags, server_flags, server_user_flags,
		       folder_flagged, modseq, internal_date,
		       subject, from_addr, to_addr, date, message_id, in_reply_to
		FROM messages
		WHERE folder = ?
		ORDER BY uid ASC
	`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load summary: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		info := &imap.MessageInfo{}
		var userFlags, serverUserFlags string
		var flagged int
		err := rows.Scan(
			&info.UID, &info.Size, &info.Flags, &userFlags,
			&info.ServerFlags, &serverUserFlags, &flagged,
			&info.ModSeq, &info.InternalDate,
			&info.Subject, &info.From, &info.To,
			&info.Date, &info.MessageID, &info.InReplyTo,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		info.UserFlags = decodeUserFlags(userFlags)
		info.ServerUserFlags = decodeUserFlags(serverUserFlags)
		info.FolderFlagged = flagged != 0
		fs.byUID[info.UID] = info
		fs.order = append(fs.order, info.UID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate summary rows: %w", err)
	}

	s.log.Debug().Str("folder", name).Int("messages", len(fs.order)).Msg("Loaded folder summary")
	return fs, nil
}

// NewMemory returns an unpersisted summary, used in tests and for
// folders the caller does not want on disk.
func NewMemory(folder string) *FolderSummary {
	return &FolderSummary{
		folder: folder,
		byUID:  make(map[uint32]*imap.MessageInfo),
	}
}

// FolderSummary is the UID-ordered summary of one folder. It keeps the
// working set in memory and writes through to SQLite on Save.
type FolderSummary struct {
	store  *Store
	folder string

	mu      sync.Mutex
	byUID   map[uint32]*imap.MessageInfo
	order   []uint32
	removed []uint32
	dirty   bool
}

var _ imap.Summary = (*FolderSummary)(nil)

// Count reports the number of messages in the summary.
func (fs *FolderSummary) Count() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.order)
}

// UIDs returns the message UIDs in ascending order.
func (fs *FolderSummary) UIDs() []uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]uint32(nil), fs.order...)
}

// Get returns the info for uid.
func (fs *FolderSummary) Get(uid uint32) (*imap.MessageInfo, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	info, ok := fs.byUID[uid]
	return info, ok
}

// CheckUID reports whether uid is known.
func (fs *FolderSummary) CheckUID(uid uint32) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.byUID[uid]
	return ok
}

// Add inserts info, keeping UID order.
func (fs *FolderSummary) Add(info *imap.MessageInfo) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, exists := fs.byUID[info.UID]; !exists {
		i := sort.Search(len(fs.order), func(i int) bool { return fs.order[i] >= info.UID })
		fs.order = append(fs.order, 0)
		copy(fs.order[i+1:], fs.order[i:])
		fs.order[i] = info.UID
	}
	fs.byUID[info.UID] = info
	fs.dirty = true
}

// Remove deletes uid from the summary.
func (fs *FolderSummary) Remove(uid uint32) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.removeLocked(uid)
}

// RemoveMany deletes a batch of UIDs.
func (fs *FolderSummary) RemoveMany(uids []uint32) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, uid := range uids {
		fs.removeLocked(uid)
	}
}

func (fs *FolderSummary) removeLocked(uid uint32) {
	if _, ok := fs.byUID[uid]; !ok {
		return
	}
	delete(fs.byUID, uid)
	i := sort.Search(len(fs.order), func(i int) bool { return fs.order[i] >= uid })
	if i < len(fs.order) && fs.order[i] == uid {
		fs.order = append(fs.order[:i], fs.order[i+1:]...)
	}
	fs.removed = append(fs.removed, uid)
	fs.dirty = true
}

// Touch marks the summary dirty without a structural change.
func (fs *FolderSummary) Touch() {
	fs.mu.Lock()
	fs.dirty = true
	fs.mu.Unlock()
}

// Save writes the summary through to SQLite. A clean summary is a
// no-op.
func (fs *FolderSummary) Save() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.dirty {
		return nil
	}
	if fs.store == nil || fs.store.db == nil {
		fs.dirty = false
		fs.removed = nil
		return nil
	}

	tx, err := fs.store.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin summary save: %w", err)
	}
	if err := fs.saveTx(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit summary save: %w", err)
	}
	fs.dirty = false
	fs.removed = nil
	return nil
}

func (fs *FolderSummary) saveTx(tx *sql.Tx) error {
	for _, uid := range fs.removed {
		if _, err := tx.Exec(`DELETE FROM messages WHERE folder = ? AND uid = ?`, fs.folder, uid); err != nil {
			return fmt.Errorf("failed to delete message %d: %w", uid, err)
		}
	}

	upsert := `
		INSERT INTO messages (
			folder, uid, size, flags, user_flags, server_flags,
			server_user_flags, folder_flagged, modseq, internal_date,
			subject, from_addr, to_addr, date, message_id, in_reply_to
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (folder, uid) DO UPDATE SET
			size = excluded.size,
			flags = excluded.flags,
			user_flags = excluded.user_flags,
			server_flags = excluded.server_flags,
			server_user_flags = excluded.server_user_flags,
			folder_flagged = excluded.folder_flagged,
			modseq = excluded.modseq,
			internal_date = excluded.internal_date,
			subject = excluded.subject,
			from_addr = excluded.from_addr,
			to_addr = excluded.to_addr,
			date = excluded.date,
			message_id = excluded.message_id,
			in_reply_to = excluded.in_reply_to
	`
	stmt, err := tx.Prepare(upsert)
	if err != nil {
		return fmt.Errorf("failed to prepare summary upsert: %w", err)
	}
	defer stmt.Close()

	for _, uid := range fs.order {
		info := fs.byUID[uid]
		flagged := 0
		if info.FolderFlagged {
			flagged = 1
		}
		_, err := stmt.Exec(
			fs.folder, info.UID, info.Size, info.Flags, encodeUserFlags(info.UserFlags),
			info.ServerFlags, encodeUserFlags(info.ServerUserFlags), flagged,
			info.ModSeq, info.InternalDate,
			info.Subject, info.From, info.To,
			info.Date, info.MessageID, info.InReplyTo,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert message %d: %w", uid, err)
		}
	}
	return nil
}

// encodeUserFlags packs a user-flag set as a space-joined string for
// storage. Flag names cannot contain spaces on the wire.
func encodeUserFlags(flags map[string]bool) string {
	if len(flags) == 0 {
		return ""
	}
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}

func decodeUserFlags(s string) map[string]bool {
	if s == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, name := range strings.Fields(s) {
		out[name] = true
	}
	return out
}
