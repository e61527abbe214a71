package summary

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/skylarkmail/skylark/internal/database"
	"github.com/skylarkmail/skylark/internal/imap"
)

func TestMemorySummaryOrdering(t *testing.T) {
	fs := NewMemory("INBOX")
	for _, uid := range []uint32{5, 1, 3} {
		fs.Add(&imap.MessageInfo{UID: uid})
	}
	want := []uint32{1, 3, 5}
	if got := fs.UIDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("UIDs = %v, want %v", got, want)
	}
	if fs.Count() != 3 {
		t.Errorf("Count = %d", fs.Count())
	}
}

func TestMemorySummaryRemove(t *testing.T) {
	fs := NewMemory("INBOX")
	for uid := uint32(1); uid <= 5; uid++ {
		fs.Add(&imap.MessageInfo{UID: uid})
	}
	fs.Remove(3)
	fs.RemoveMany([]uint32{1, 5})

	want := []uint32{2, 4}
	if got := fs.UIDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("UIDs = %v, want %v", got, want)
	}
	if fs.CheckUID(3) {
		t.Error("removed UID still present")
	}
	if _, ok := fs.Get(2); !ok {
		t.Error("surviving UID missing")
	}
}

func TestMemorySummarySaveIsNoop(t *testing.T) {
	fs := NewMemory("INBOX")
	fs.Add(&imap.MessageInfo{UID: 1})
	if err := fs.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestSQLiteSummaryRoundTrip(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "summary.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	store := NewStore(db)

	fs, err := store.Folder("INBOX")
	if err != nil {
		t.Fatalf("Folder: %v", err)
	}

	fs.Add(&imap.MessageInfo{
		UID:         41,
		Size:        2731,
		Flags:       imap.FlagSeen,
		ServerFlags: imap.FlagSeen,
		UserFlags:   map[string]bool{"$Labelwork": true},
		ModSeq:      624140003,
		Subject:     "mtg summary",
		From:        "Terry Gray <gray@cac.washington.edu>",
		MessageID:   "<B27397@cac.washington.edu>",
	})
	fs.Add(&imap.MessageInfo{UID: 42, FolderFlagged: true})
	if err := fs.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A fresh load must see the same state.
	reloaded, err := store.Folder("INBOX")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.UIDs(); !reflect.DeepEqual(got, []uint32{41, 42}) {
		t.Fatalf("UIDs = %v", got)
	}
	msg, ok := reloaded.Get(41)
	if !ok {
		t.Fatal("uid 41 missing")
	}
	if msg.Subject != "mtg summary" || msg.Size != 2731 || msg.ModSeq != 624140003 {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Flags != imap.FlagSeen || !msg.UserFlags["$Labelwork"] {
		t.Errorf("flags = %v user = %v", msg.Flags, msg.UserFlags)
	}
	dirty, ok := reloaded.Get(42)
	if !ok || !dirty.FolderFlagged {
		t.Errorf("dirty bit lost: %+v", dirty)
	}
}

func TestSQLiteSummaryRemovePersists(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "summary.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	store := NewStore(db)

	fs, _ := store.Folder("INBOX")
	fs.Add(&imap.MessageInfo{UID: 1})
	fs.Add(&imap.MessageInfo{UID: 2})
	if err := fs.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	fs.Remove(1)
	if err := fs.Save(); err != nil {
		t.Fatalf("Save after remove: %v", err)
	}

	reloaded, _ := store.Folder("INBOX")
	if got := reloaded.UIDs(); !reflect.DeepEqual(got, []uint32{2}) {
		t.Errorf("UIDs = %v, want [2]", got)
	}
}

func TestUserFlagCodec(t *testing.T) {
	flags := map[string]bool{"b": true, "a": true, "$Labelwork": true}
	encoded := encodeUserFlags(flags)
	if encoded != "$Labelwork a b" {
		t.Errorf("encoded = %q", encoded)
	}
	if got := decodeUserFlags(encoded); !reflect.DeepEqual(got, flags) {
		t.Errorf("decoded = %v", got)
	}
	if decodeUserFlags("") != nil {
		t.Error("empty string should decode to nil")
	}
}
