package imap

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
)

// fakeSummary is a minimal in-memory summary for engine tests.
type fakeSummary struct {
	order []uint32
	byUID map[uint32]*MessageInfo
	saves int
}

func newFakeSummary(uids ...uint32) *fakeSummary {
	fs := &fakeSummary{byUID: make(map[uint32]*MessageInfo)}
	for _, uid := range uids {
		fs.Add(&MessageInfo{UID: uid})
	}
	return fs
}

func (fs *fakeSummary) Count() int      { return len(fs.order) }
func (fs *fakeSummary) UIDs() []uint32  { return append([]uint32(nil), fs.order...) }
func (fs *fakeSummary) Save() error     { fs.saves++; return nil }
func (fs *fakeSummary) Touch()          {}
func (fs *fakeSummary) CheckUID(uid uint32) bool {
	_, ok := fs.byUID[uid]
	return ok
}
func (fs *fakeSummary) Get(uid uint32) (*MessageInfo, bool) {
	info, ok := fs.byUID[uid]
	return info, ok
}
func (fs *fakeSummary) Add(info *MessageInfo) {
	if _, ok := fs.byUID[info.UID]; !ok {
		i := 0
		for i < len(fs.order) && fs.order[i] < info.UID {
			i++
		}
		fs.order = append(fs.order, 0)
		copy(fs.order[i+1:], fs.order[i:])
		fs.order[i] = info.UID
	}
	fs.byUID[info.UID] = info
}
func (fs *fakeSummary) Remove(uid uint32) {
	if _, ok := fs.byUID[uid]; !ok {
		return
	}
	delete(fs.byUID, uid)
	for i, u := range fs.order {
		if u == uid {
			fs.order = append(fs.order[:i], fs.order[i+1:]...)
			break
		}
	}
}
func (fs *fakeSummary) RemoveMany(uids []uint32) {
	for _, uid := range uids {
		fs.Remove(uid)
	}
}

// fakeCache is a temp-dir cache for engine tests.
type fakeCache struct {
	root string
}

func newFakeCache(t *testing.T) *fakeCache {
	t.Helper()
	root := t.TempDir()
	for _, group := range []string{CacheCur, CacheTmp, CacheNew} {
		if err := os.MkdirAll(filepath.Join(root, group), 0700); err != nil {
			t.Fatal(err)
		}
	}
	return &fakeCache{root: root}
}

func (c *fakeCache) Filename(group, uid string) string {
	return filepath.Join(c.root, group, uid)
}
func (c *fakeCache) Get(group, uid string) (io.ReadCloser, error) {
	return os.Open(c.Filename(group, uid))
}
func (c *fakeCache) Add(group, uid string) (io.WriteCloser, error) {
	return os.Create(c.Filename(group, uid))
}
func (c *fakeCache) Remove(group, uid string) error {
	err := os.Remove(c.Filename(group, uid))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
func (c *fakeCache) Rename(fromGroup, toGroup, uid string) error {
	return os.Rename(c.Filename(fromGroup, uid), c.Filename(toGroup, uid))
}
func (c *fakeCache) Clear(group string) error { return nil }

// staticSession serves fixed credentials.
type staticSession struct{}

func (staticSession) SASL(mechanism string) (sasl.Client, error) {
	return nil, os.ErrInvalid
}
func (staticSession) LoginCredentials() (string, string, error) {
	return "user", "secret", nil
}

// script drives the fake server side of a net.Pipe: read client
// lines, answer from the test.
type script struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

// startServer wires a Server to the fake side and completes the
// connect handshake with the given capability list.
func startServer(t *testing.T, caps string) (*Server, *script) {
	t.Helper()
	clientSide, serverSide := net.Pipe()

	cfg := DefaultServerConfig()
	cfg.Session = staticSession{}
	cfg.Transport.Security = SecurityNone
	cfg.UseIdle = false
	cfg.UseQresync = false // keep the handshake free of ENABLE

	srv := NewServer(cfg)
	sc := &script{t: t, conn: serverSide, br: bufio.NewReader(serverSide)}

	connected := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		connected <- srv.connectStream(ctx, clientSide)
	}()

	sc.send("* OK [CAPABILITY " + caps + "] ready")
	line := sc.expect("LOGIN")
	tag := strings.Fields(line)[0]
	sc.send(tag + " OK [CAPABILITY " + caps + "] logged in")

	if err := <-connected; err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(ErrShutdown) })
	return srv, sc
}

// expect reads one client line and requires it to contain substr.
func (sc *script) expect(substr string) string {
	sc.t.Helper()
	sc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := sc.br.ReadString('\n')
	if err != nil {
		sc.t.Fatalf("reading client line (want %q): %v", substr, err)
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.Contains(line, substr) {
		sc.t.Fatalf("client sent %q, want substring %q", line, substr)
	}
	return line
}

// readBytes reads an exact count of raw bytes (a client literal).
func (sc *script) readBytes(n int) []byte {
	sc.t.Helper()
	sc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(sc.br, buf); err != nil {
		sc.t.Fatalf("reading %d literal bytes: %v", n, err)
	}
	return buf
}

func (sc *script) send(lines ...string) {
	sc.t.Helper()
	for _, line := range lines {
		sc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := sc.conn.Write([]byte(line + "\r\n")); err != nil {
			sc.t.Fatalf("writing %q: %v", line, err)
		}
	}
}

func waitJob(t *testing.T, job *Job) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return job.Wait(ctx)
}

func TestServerSelectScenario(t *testing.T) {
	srv, sc := startServer(t, "IMAP4rev1")
	folder := NewFolder("INBOX", newFakeSummary())
	srv.RegisterFolder(folder)

	job := NewNoopJob(context.Background(), "INBOX")
	if err := srv.RunJob(job); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	line := sc.expect(`SELECT "INBOX"`)
	tag := strings.Fields(line)[0]
	sc.send(
		"* 5 EXISTS",
		"* OK [UIDVALIDITY 17] .",
		"* OK [UIDNEXT 42] .",
		tag+" OK [READ-WRITE] SELECT completed",
	)

	line = sc.expect("NOOP")
	sc.send(strings.Fields(line)[0] + " OK done")

	if err := waitJob(t, job); err != nil {
		t.Fatalf("job: %v", err)
	}

	srv.queueLock.Lock()
	defer srv.queueLock.Unlock()
	if srv.state != stateSelected {
		t.Errorf("state = %v, want selected", srv.state)
	}
	if srv.selected != folder || srv.selectPending != nil {
		t.Errorf("selected=%v pending=%v", srv.selected, srv.selectPending)
	}
	if srv.exists != 5 || srv.uidValidity != 17 || srv.uidNext != 42 {
		t.Errorf("exists=%d uidvalidity=%d uidnext=%d", srv.exists, srv.uidValidity, srv.uidNext)
	}
	if srv.readOnly {
		t.Error("mode = read-only, want write")
	}
}

func TestServerTagSequence(t *testing.T) {
	srv, sc := startServer(t, "IMAP4rev1")

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		job := NewNoopJob(context.Background(), "")
		if err := srv.RunJob(job); err != nil {
			t.Fatalf("RunJob: %v", err)
		}
		line := sc.expect("NOOP")
		tag := strings.Fields(line)[0]
		if seen[tag] {
			t.Fatalf("duplicate tag %q", tag)
		}
		seen[tag] = true
		sc.send(tag + " OK done")
		if err := waitJob(t, job); err != nil {
			t.Fatalf("job: %v", err)
		}
	}
}

func TestServerFetchBodyScenario(t *testing.T) {
	srv, sc := startServer(t, "IMAP4rev1")
	summary := newFakeSummary(41)
	folder := NewFolder("INBOX", summary)
	srv.RegisterFolder(folder)
	cache := newFakeCache(t)

	job := NewGetMessageJob(context.Background(), folder, 41, 11, cache)
	if err := srv.RunJob(job); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	line := sc.expect(`SELECT "INBOX"`)
	sc.send(strings.Fields(line)[0] + " OK [READ-WRITE] done")

	line = sc.expect("UID FETCH 41 (BODY.PEEK[])")
	sc.send(
		"* 5 FETCH (UID 41 BODY[] {11}",
	)
	// The literal payload continues the same response line.
	if _, err := sc.conn.Write([]byte("Hello world)\r\n")); err != nil {
		t.Fatal(err)
	}
	sc.send(strings.Fields(line)[0] + " OK Fetch completed")

	if err := waitJob(t, job); err != nil {
		t.Fatalf("job: %v", err)
	}

	body, err := os.ReadFile(cache.Filename(CacheCur, "41"))
	if err != nil {
		t.Fatalf("cached body: %v", err)
	}
	if string(body) != "Hello world" {
		t.Errorf("body = %q, want %q", body, "Hello world")
	}
}

func TestServerSyncChangesScenario(t *testing.T) {
	srv, sc := startServer(t, "IMAP4rev1")
	summary := newFakeSummary()
	for _, uid := range []uint32{1, 2, 3, 5} {
		summary.Add(&MessageInfo{
			UID:           uid,
			Flags:         FlagSeen,
			FolderFlagged: true,
		})
	}
	folder := NewFolder("INBOX", summary)
	srv.RegisterFolder(folder)

	job := NewSyncChangesJob(context.Background(), folder, DefaultRefreshOptions())
	if err := srv.RunJob(job); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	line := sc.expect(`SELECT "INBOX"`)
	sc.send(strings.Fields(line)[0] + " OK [READ-WRITE] done")

	line = sc.expect(`UID STORE 1:3,5 +FLAGS.SILENT (\Seen)`)
	sc.send(strings.Fields(line)[0] + " OK Store completed")

	if err := waitJob(t, job); err != nil {
		t.Fatalf("job: %v", err)
	}

	for _, uid := range []uint32{1, 2, 3, 5} {
		msg, _ := summary.Get(uid)
		if msg.ServerFlags != FlagSeen || msg.FolderFlagged {
			t.Errorf("uid %d: serverFlags=%v dirty=%v", uid, FlagNames(msg.ServerFlags), msg.FolderFlagged)
		}
	}
}

func TestServerLiteralPlusAppend(t *testing.T) {
	srv, sc := startServer(t, "IMAP4rev1 LITERAL+ UIDPLUS")
	summary := newFakeSummary()
	folder := NewFolder("INBOX", summary)
	srv.RegisterFolder(folder)
	cache := newFakeCache(t)

	payload := "twenty bytes exactly"
	if len(payload) != 20 {
		t.Fatalf("payload length = %d", len(payload))
	}
	if err := os.WriteFile(cache.Filename(CacheNew, "queued-1"), []byte(payload), 0600); err != nil {
		t.Fatal(err)
	}

	info := &MessageInfo{Size: 20}
	job := NewAppendMessageJob(context.Background(), folder, info, "queued-1", cache)
	if err := srv.RunJob(job); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	// LITERAL+: the header announces the exact size with {n+} and the
	// payload follows with no continuation round trip.
	line := sc.expect(`APPEND "INBOX" () {20+}`)
	got := sc.readBytes(20)
	if string(got) != payload {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
	sc.expect("") // trailing CRLF terminating the command
	sc.send(strings.Fields(line)[0] + " OK [APPENDUID 38505 101] done")

	if err := waitJob(t, job); err != nil {
		t.Fatalf("job: %v", err)
	}

	result, ok := job.Result.(AppendResult)
	if !ok || result.UID != 101 || result.UIDValidity != 38505 {
		t.Fatalf("result = %+v", job.Result)
	}
	if info.UID != 101 {
		t.Errorf("info.UID = %d", info.UID)
	}
	if _, err := os.Stat(cache.Filename(CacheCur, "101")); err != nil {
		t.Errorf("committed body missing: %v", err)
	}
	if !summary.CheckUID(101) {
		t.Error("appended message not in summary")
	}
}

func TestServerSynchronizingLiteral(t *testing.T) {
	// Without LITERAL+ the client must wait for the continuation.
	srv, sc := startServer(t, "IMAP4rev1")
	folder := NewFolder("INBOX", newFakeSummary())
	srv.RegisterFolder(folder)
	cache := newFakeCache(t)

	if err := os.WriteFile(cache.Filename(CacheNew, "q"), []byte("hello"), 0600); err != nil {
		t.Fatal(err)
	}
	job := NewAppendMessageJob(context.Background(), folder, &MessageInfo{}, "q", cache)
	if err := srv.RunJob(job); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	line := sc.expect(`APPEND "INBOX" () {5}`)
	sc.send("+ Ready for literal data")
	got := sc.readBytes(5)
	if string(got) != "hello" {
		t.Fatalf("payload = %q", got)
	}
	sc.expect("")
	sc.send(strings.Fields(line)[0] + " OK done")
	if err := waitJob(t, job); err != nil {
		t.Fatalf("job: %v", err)
	}
}

func TestServerVanished(t *testing.T) {
	srv, sc := startServer(t, "IMAP4rev1 QRESYNC")
	summary := newFakeSummary(1, 2, 3, 4, 5)
	folder := NewFolder("INBOX", summary)
	folder.ExistsOnServer = 5
	srv.RegisterFolder(folder)

	job := NewNoopJob(context.Background(), "INBOX")
	if err := srv.RunJob(job); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	line := sc.expect(`SELECT "INBOX"`)
	sc.send(
		"* 5 EXISTS",
		strings.Fields(line)[0]+" OK [READ-WRITE] done",
	)

	line = sc.expect("NOOP")
	sc.send(
		"* VANISHED 2:3",
		strings.Fields(line)[0]+" OK done",
	)
	if err := waitJob(t, job); err != nil {
		t.Fatalf("job: %v", err)
	}

	if summary.CheckUID(2) || summary.CheckUID(3) {
		t.Error("vanished UIDs still in summary")
	}
	if !summary.CheckUID(1) || !summary.CheckUID(4) {
		t.Error("surviving UIDs were removed")
	}
	folder.mu.Lock()
	exists := folder.ExistsOnServer
	folder.mu.Unlock()
	if exists != 3 {
		t.Errorf("exists = %d, want 3", exists)
	}
}

func TestServerFolderStatus(t *testing.T) {
	srv, sc := startServer(t, "IMAP4rev1")
	folder := NewFolder("Archive", newFakeSummary())
	srv.RegisterFolder(folder)

	job := NewFolderStatusJob(context.Background(), "Archive", false)
	if err := srv.RunJob(job); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	line := sc.expect(`STATUS "Archive" (MESSAGES UNSEEN RECENT UIDNEXT UIDVALIDITY)`)
	sc.send(
		`* STATUS "Archive" (MESSAGES 231 UNSEEN 5 UIDNEXT 44292 UIDVALIDITY 9)`,
		strings.Fields(line)[0]+" OK Status completed",
	)
	if err := waitJob(t, job); err != nil {
		t.Fatalf("job: %v", err)
	}

	folder.mu.Lock()
	defer folder.mu.Unlock()
	if folder.ExistsOnServer != 231 || folder.UnreadOnServer != 5 {
		t.Errorf("messages=%d unseen=%d", folder.ExistsOnServer, folder.UnreadOnServer)
	}
	if folder.UIDNextOnServer != 44292 || folder.UIDValidityOnServer != 9 {
		t.Errorf("uidnext=%d uidvalidity=%d", folder.UIDNextOnServer, folder.UIDValidityOnServer)
	}
}

func TestServerShutdownCancelsJobs(t *testing.T) {
	srv, sc := startServer(t, "IMAP4rev1")
	folder := NewFolder("INBOX", newFakeSummary())
	srv.RegisterFolder(folder)

	job := NewNoopJob(context.Background(), "INBOX")
	if err := srv.RunJob(job); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	sc.expect(`SELECT "INBOX"`)

	// No response: the connection dies instead.
	srv.Shutdown(ErrDisconnected)

	err := waitJob(t, job)
	if err == nil {
		t.Fatal("job completed without error after shutdown")
	}
	if kind, ok := ErrKind(err); !ok || kind != KindTransport {
		t.Errorf("error kind = %v (%v), want transport", kind, err)
	}
}

func TestQresyncTrailer(t *testing.T) {
	summary := newFakeSummary()
	for uid := uint32(1); uid <= 12; uid++ {
		summary.Add(&MessageInfo{UID: uid})
	}
	folder := NewFolder("INBOX", summary)
	folder.UIDValidityOnServer = 100
	folder.ModSeqOnServer = 55

	got := qresyncTrailer(folder)
	want := " (QRESYNC (100 55 1:12 (1,4 1,4)))"
	if got != want {
		t.Errorf("trailer = %q, want %q", got, want)
	}
}

func TestQresyncTrailerSmallFolder(t *testing.T) {
	summary := newFakeSummary(10, 20, 30)
	folder := NewFolder("INBOX", summary)
	folder.UIDValidityOnServer = 7
	folder.ModSeqOnServer = 9

	got := qresyncTrailer(folder)
	want := " (QRESYNC (7 9 10:30))"
	if got != want {
		t.Errorf("trailer = %q, want %q", got, want)
	}
}

func TestQresyncTrailerNoState(t *testing.T) {
	folder := NewFolder("INBOX", newFakeSummary(1, 2))
	if got := qresyncTrailer(folder); got != "" {
		t.Errorf("trailer = %q, want empty", got)
	}
}
