package imap

import (
	"io"
	"sync"

	"github.com/emersion/go-sasl"
)

// MessageInfo is one summary entry. Flags is the local view;
// ServerFlags is the last state acknowledged by the server, so a sync
// pass diffs the two.
type MessageInfo struct {
	UID  uint32
	Size uint32

	Flags           Flags
	UserFlags       map[string]bool
	ServerFlags     Flags
	ServerUserFlags map[string]bool

	// FolderFlagged is the dirty bit: local flag changes not yet
	// written back to the server.
	FolderFlagged bool

	ModSeq       uint64
	InternalDate string

	Subject   string
	From      string
	To        string
	Date      string
	MessageID string
	InReplyTo string
}

// Summary is the folder-summary collaborator: the ordered (by UID)
// set of message infos the engine reconciles against the server.
type Summary interface {
	Count() int
	UIDs() []uint32
	Get(uid uint32) (*MessageInfo, bool)
	Add(info *MessageInfo)
	Remove(uid uint32)
	RemoveMany(uids []uint32)
	CheckUID(uid uint32) bool
	Save() error
	Touch()
}

// Cache groups used for message bodies.
const (
	CacheCur = "cur" // committed bodies
	CacheTmp = "tmp" // fetches in progress
	CacheNew = "new" // queued appends
)

// Cache is the content-addressed body store collaborator.
type Cache interface {
	Get(group string, uid string) (io.ReadCloser, error)
	Add(group string, uid string) (io.WriteCloser, error)
	Remove(group string, uid string) error
	Filename(group string, uid string) string
	// Rename moves an entry between groups atomically; committing a
	// finished fetch is Rename(CacheTmp, CacheCur, uid).
	Rename(fromGroup, toGroup string, uid string) error
	Clear(group string) error
}

// Session is the credentials collaborator.
type Session interface {
	// SASL returns a client for the given mechanism, or an error when
	// the mechanism is unsupported or credentials are unavailable.
	SASL(mechanism string) (sasl.Client, error)
	// LoginCredentials returns the plain user/password pair for the
	// LOGIN fallback.
	LoginCredentials() (username, password string, err error)
}

// ChangeInfo accumulates per-folder changes observed while parsing
// untagged responses, for delivery to the caller when a job finishes.
type ChangeInfo struct {
	Added   []uint32
	Removed []uint32
	Changed []uint32
}

// Empty reports whether no changes were recorded.
func (ci *ChangeInfo) Empty() bool {
	return len(ci.Added) == 0 && len(ci.Removed) == 0 && len(ci.Changed) == 0
}

func (ci *ChangeInfo) addChanged(uid uint32) {
	for _, u := range ci.Changed {
		if u == uid {
			return
		}
	}
	ci.Changed = append(ci.Changed, uid)
}

// Folder is the engine's handle on one mailbox: the caller's summary
// plus the server-side counters the engine owns.
type Folder struct {
	Name    string
	Summary Summary

	mu sync.Mutex

	// Server-side state, updated from untagged responses.
	UIDValidityOnServer uint32
	UIDNextOnServer     uint32
	ExistsOnServer      uint32
	RecentOnServer      uint32
	UnreadOnServer      uint32
	ModSeqOnServer      uint64

	// expunged collects UIDs removed on the server since the summary
	// was last saved.
	expunged []uint32

	changes ChangeInfo
}

// NewFolder wraps a summary in a folder handle.
func NewFolder(name string, summary Summary) *Folder {
	return &Folder{Name: name, Summary: summary}
}

// TakeChanges returns and clears the accumulated change info.
func (f *Folder) TakeChanges() ChangeInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	ci := f.changes
	f.changes = ChangeInfo{}
	return ci
}

// TakeExpunged returns and clears the UIDs expunged since last save.
func (f *Folder) TakeExpunged() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	uids := f.expunged
	f.expunged = nil
	return uids
}

// recordRemoved notes a server-side removal.
func (f *Folder) recordRemoved(uid uint32) {
	f.mu.Lock()
	f.expunged = append(f.expunged, uid)
	f.changes.Removed = append(f.changes.Removed, uid)
	f.mu.Unlock()
}

// recordChanged notes a flag change.
func (f *Folder) recordChanged(uid uint32) {
	f.mu.Lock()
	f.changes.addChanged(uid)
	f.mu.Unlock()
}

// recordAdded notes a newly appeared message.
func (f *Folder) recordAdded(uid uint32) {
	f.mu.Lock()
	f.changes.Added = append(f.changes.Added, uid)
	f.mu.Unlock()
}

// InvalidateSummary drops every cached entry; used when UIDVALIDITY
// changes and the local cache is worthless.
func (f *Folder) InvalidateSummary() {
	if f.Summary == nil {
		return
	}
	uids := f.Summary.UIDs()
	if len(uids) > 0 {
		f.Summary.RemoveMany(uids)
	}
	f.Summary.Touch()
}
