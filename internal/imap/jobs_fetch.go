package imap

import (
	"context"
	"io"
	"sort"
	"strconv"
)

// multiFetchThreshold is the body size above which a message is
// fetched in pipelined chunks instead of one request.
const multiFetchThreshold = 20 * 1024

// multiFetchChunk is the window size of one chunked BODY.PEEK fetch.
const multiFetchChunk = 20 * 1024

// maxPipelinedFetches bounds how many chunk fetches run at once.
const maxPipelinedFetches = 3

// NewGetMessageJob fetches one message body into the cache: written
// under the tmp group while in flight, renamed to cur on success.
// Large bodies are fetched as pipelined <offset.length> windows.
func NewGetMessageJob(ctx context.Context, folder *Folder, uid uint32, size uint32, cache Cache) *Job {
	job := newJob(ctx, JobGetMessage, PriorityGetMessage, folder.Name)
	g := &getMessageRun{
		job:    job,
		folder: folder,
		uid:    uid,
		size:   size,
		cache:  cache,
	}
	job.matches = func(f string, u uint32) bool {
		return f == folder.Name && u == uid
	}
	job.onFetch = g.onFetch
	job.start = g.start
	return job
}

type getMessageRun struct {
	job    *Job
	folder *Folder
	uid    uint32
	size   uint32
	cache  Cache

	writer io.WriteCloser

	// fetchOffset is the next offset to request; received counts body
	// bytes written so far. Guarded by the job's lock.
	fetchOffset  uint32
	received     uint32
	lastReceived uint32
	shortRead    bool
	committed    bool
}

func (g *getMessageRun) start(s *Server) error {
	w, err := g.cache.Add(CacheTmp, cacheKey(g.uid))
	if err != nil {
		return &Error{Kind: KindInternal, wrapped: err, msg: "cache add failed"}
	}
	g.writer = w

	if g.size > multiFetchThreshold {
		n := int((g.size + multiFetchChunk - 1) / multiFetchChunk)
		if n > maxPipelinedFetches {
			n = maxPipelinedFetches
		}
		for i := 0; i < n; i++ {
			g.issueChunk(s)
		}
		return nil
	}

	cmd := newCommand("UID FETCH", g.job.Priority)
	cmd.SelectFolder = g.folder.Name
	cmd.job = g.job
	cmd.addNumber(uint64(g.uid))
	cmd.addText(" (BODY.PEEK[])")
	cmd.complete = func(c *Command) { g.chunkDone(s, c) }
	s.enqueue(cmd)
	return nil
}

// issueChunk queues one windowed fetch at the current offset.
func (g *getMessageRun) issueChunk(s *Server) {
	g.job.mu.Lock()
	offset := g.fetchOffset
	g.fetchOffset += multiFetchChunk
	g.job.mu.Unlock()

	cmd := newCommand("UID FETCH", g.job.Priority)
	cmd.SelectFolder = g.folder.Name
	cmd.job = g.job
	cmd.addNumber(uint64(g.uid))
	cmd.addText(" (BODY.PEEK[]<" + strconv.FormatUint(uint64(offset), 10) +
		"." + strconv.Itoa(multiFetchChunk) + ">)")
	cmd.complete = func(c *Command) { g.chunkDone(s, c) }
	s.enqueue(cmd)
}

// onFetch streams one body chunk to the cache writer. Chunks arrive in
// request order because the commands are pipelined on one connection.
func (g *getMessageRun) onFetch(s *Server, info *FetchInfo) error {
	if info.Got&FetchGotBody == 0 {
		return nil
	}
	if _, err := g.writer.Write(info.Body); err != nil {
		return &Error{Kind: KindInternal, wrapped: err, msg: "cache write failed"}
	}
	g.job.mu.Lock()
	g.received += uint32(len(info.Body))
	if uint32(len(info.Body)) < multiFetchChunk {
		g.shortRead = true
	}
	g.job.mu.Unlock()
	return nil
}

// chunkDone decides whether more chunks are needed, and commits the
// cache entry when the body is complete.
func (g *getMessageRun) chunkDone(s *Server, c *Command) {
	err := c.Err
	if err == nil {
		err = c.Status.Err()
	}
	if err != nil {
		g.abort(err)
		return
	}

	g.job.mu.Lock()
	// A completion that moved no data means the server has nothing
	// past this offset; stop rather than re-requesting forever.
	if g.received == g.lastReceived {
		g.shortRead = true
	}
	g.lastReceived = g.received
	more := !g.shortRead && g.fetchOffset < g.size
	outstanding := g.job.commands // this command's decrement has not run yet
	g.job.mu.Unlock()

	if more {
		g.issueChunk(s)
		return
	}
	if outstanding > 1 {
		return // other pipelined chunks still in flight
	}
	g.commit(s)
}

func (g *getMessageRun) commit(s *Server) {
	g.job.mu.Lock()
	if g.committed {
		g.job.mu.Unlock()
		return
	}
	g.committed = true
	g.job.mu.Unlock()

	if err := g.writer.Close(); err != nil {
		g.job.fail(&Error{Kind: KindInternal, wrapped: err, msg: "cache flush failed"})
		return
	}
	if err := g.cache.Rename(CacheTmp, CacheCur, cacheKey(g.uid)); err != nil {
		g.job.fail(&Error{Kind: KindInternal, wrapped: err, msg: "cache commit failed"})
		return
	}
	s.removeJob(g.job)
}

func (g *getMessageRun) abort(err error) {
	if g.writer != nil {
		_ = g.writer.Close()
	}
	_ = g.cache.Remove(CacheTmp, cacheKey(g.uid))
	g.job.fail(err)
}

func cacheKey(uid uint32) string {
	return strconv.FormatUint(uint64(uid), 10)
}

// scanEntry is one UID/flags pair collected by an enumeration fetch.
type scanEntry struct {
	uid       uint32
	flags     Flags
	userFlags map[string]bool
	modSeq    uint64
}

// RefreshOptions tunes the refresh and fetch-new jobs.
type RefreshOptions struct {
	// BatchFetchCount caps uidset entries per bulk header fetch.
	BatchFetchCount int
	// DescendingFetch enumerates new messages newest-first.
	DescendingFetch bool
	// MobileMode trusts the server's unread count instead of the
	// locally derived one; mobile clients do not download everything.
	MobileMode bool
}

// DefaultRefreshOptions returns the standard batching limits.
func DefaultRefreshOptions() RefreshOptions {
	return RefreshOptions{BatchFetchCount: 500}
}

// NewRefreshInfoJob reconciles the folder summary against the server:
// a full UID/flags enumeration, removals for vanished UIDs, flag
// updates for survivors, and header/size fetches for new UIDs.
func NewRefreshInfoJob(ctx context.Context, folder *Folder, opts RefreshOptions) *Job {
	job := newJob(ctx, JobRefreshInfo, PriorityRefreshInfo, folder.Name)
	r := &refreshRun{job: job, folder: folder, opts: opts}
	job.matches = func(f string, u uint32) bool { return f == folder.Name }
	job.onFetch = r.onFetch
	job.start = r.start
	return job
}

type refreshRun struct {
	job    *Job
	folder *Folder
	opts   RefreshOptions

	scanning bool
	scan     []scanEntry

	// newInfos collects summary entries under construction while the
	// header batches run.
	newInfos map[uint32]*MessageInfo
}

func (r *refreshRun) start(s *Server) error {
	r.scanning = true
	cmd := newCommand("UID FETCH", r.job.Priority)
	cmd.SelectFolder = r.folder.Name
	cmd.job = r.job
	cmd.addText(" 1:* (UID FLAGS)")
	cmd.complete = func(c *Command) { r.scanDone(s, c) }
	s.enqueue(cmd)
	return nil
}

func (r *refreshRun) onFetch(s *Server, info *FetchInfo) error {
	r.job.mu.Lock()
	scanning := r.scanning
	r.job.mu.Unlock()

	if scanning {
		if info.Got&FetchGotUID == 0 {
			return nil
		}
		entry := scanEntry{uid: info.UID, flags: info.Flags, userFlags: copyUserFlags(info.UserFlags)}
		if info.Got&FetchGotModSeq != 0 {
			entry.modSeq = info.ModSeq
		}
		r.job.mu.Lock()
		r.scan = append(r.scan, entry)
		r.job.mu.Unlock()
		return nil
	}

	// Header/size batch phase.
	if info.Got&FetchGotUID == 0 {
		return nil
	}
	r.job.mu.Lock()
	msg := r.newInfos[info.UID]
	r.job.mu.Unlock()
	if msg == nil {
		return nil
	}
	if info.Got&FetchGotSize != 0 {
		msg.Size = info.Size
	}
	if info.Got&FetchGotInternalDate != 0 {
		msg.InternalDate = info.InternalDate
	}
	if info.Got&FetchGotHeader != 0 {
		parseSummaryHeaders(info.Header, msg)
	}
	return nil
}

// scanDone merges the enumerated server state into the summary and
// kicks off header batches for the new UIDs.
func (r *refreshRun) scanDone(s *Server, c *Command) {
	err := c.Err
	if err == nil {
		err = c.Status.Err()
	}
	if err != nil {
		return // the job error is recorded by commandDone
	}

	r.job.mu.Lock()
	r.scanning = false
	scan := r.scan
	r.scan = nil
	r.job.mu.Unlock()

	summary := r.folder.Summary
	onServer := make(map[uint32]scanEntry, len(scan))
	for _, e := range scan {
		onServer[e.uid] = e
	}

	// Remove locally-known UIDs the server no longer has.
	var stale []uint32
	for _, uid := range summary.UIDs() {
		if _, ok := onServer[uid]; !ok {
			stale = append(stale, uid)
		}
	}
	if len(stale) > 0 {
		summary.RemoveMany(stale)
		for _, uid := range stale {
			r.folder.recordRemoved(uid)
		}
	}

	// Update flags on survivors; collect new UIDs.
	var fresh []uint32
	unread := uint32(0)
	for _, e := range scan {
		if e.flags&FlagSeen == 0 {
			unread++
		}
		msg, ok := summary.Get(e.uid)
		if !ok {
			fresh = append(fresh, e.uid)
			continue
		}
		if msg.ServerFlags != e.flags || !sameUserFlags(msg.ServerUserFlags, e.userFlags) {
			applyServerFlags(msg, e)
			summary.Touch()
			r.folder.recordChanged(e.uid)
		}
	}

	r.folder.mu.Lock()
	if !r.opts.MobileMode {
		// Full clients derive unread locally; the server count only
		// wins in mobile mode, where not everything is downloaded.
		r.folder.UnreadOnServer = unread
	}
	r.folder.mu.Unlock()

	if len(fresh) == 0 {
		r.finish(s)
		return
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i] < fresh[j] })

	r.job.mu.Lock()
	r.newInfos = make(map[uint32]*MessageInfo, len(fresh))
	for _, uid := range fresh {
		e := onServer[uid]
		info := &MessageInfo{UID: uid}
		applyServerFlags(info, e)
		r.newInfos[uid] = info
	}
	r.job.mu.Unlock()

	issueHeaderBatches(s, r.job, r.folder, fresh, r.opts.BatchFetchCount, func(c *Command) {
		r.batchDone(s, c)
	})
}

func applyServerFlags(msg *MessageInfo, e scanEntry) {
	msg.Flags = e.flags
	msg.ServerFlags = e.flags
	msg.UserFlags = copyUserFlags(e.userFlags)
	msg.ServerUserFlags = copyUserFlags(e.userFlags)
	if e.modSeq != 0 {
		msg.ModSeq = e.modSeq
	}
	msg.FolderFlagged = false
}

// issueHeaderBatches splits uids into packed uidsets and queues one
// (RFC822.SIZE RFC822.HEADER INTERNALDATE) fetch per batch.
func issueHeaderBatches(s *Server, job *Job, folder *Folder, uids []uint32, batchLimit int, complete func(*Command)) {
	if batchLimit <= 0 {
		batchLimit = 500
	}
	builder := UIDSetBuilder{EntryLimit: batchLimit, UIDLimit: batchLimit * 4}
	flush := func() {
		if builder.Empty() {
			return
		}
		set := builder.String()
		cmd := newCommand("UID FETCH", job.Priority)
		cmd.SelectFolder = folder.Name
		cmd.job = job
		cmd.addAtom(set)
		cmd.addText(" (RFC822.SIZE RFC822.HEADER INTERNALDATE)")
		cmd.complete = complete
		s.enqueue(cmd)
	}
	for _, uid := range uids {
		if builder.Add(uid) {
			flush()
		}
	}
	flush()
}

// batchDone commits the collected new summary entries once the last
// header batch completes.
func (r *refreshRun) batchDone(s *Server, c *Command) {
	err := c.Err
	if err == nil {
		err = c.Status.Err()
	}
	if err != nil {
		return
	}
	r.job.mu.Lock()
	outstanding := r.job.commands
	r.job.mu.Unlock()
	if outstanding > 1 {
		return
	}
	r.finish(s)
}

func (r *refreshRun) finish(s *Server) {
	r.job.mu.Lock()
	infos := r.newInfos
	r.newInfos = nil
	r.job.mu.Unlock()

	summary := r.folder.Summary
	if len(infos) > 0 {
		uids := make([]uint32, 0, len(infos))
		for uid := range infos {
			uids = append(uids, uid)
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		for _, uid := range uids {
			summary.Add(infos[uid])
			r.folder.recordAdded(uid)
		}
	}
	if err := summary.Save(); err != nil {
		r.job.fail(&Error{Kind: KindInternal, wrapped: err, msg: "summary save failed"})
		return
	}
	s.removeJob(r.job)
}

// NewFetchMessagesJob pulls summary entries for an explicit UID list,
// used when the caller wants specific messages (a search result, a
// thread) without a full refresh.
func NewFetchMessagesJob(ctx context.Context, folder *Folder, uids []uint32, opts RefreshOptions) *Job {
	job := newJob(ctx, JobFetchMessages, PriorityFetchNew, folder.Name)
	r := &fetchMessagesRun{
		refreshRun: refreshRun{job: job, folder: folder, opts: opts},
		uids:       uids,
	}
	job.matches = func(fn string, u uint32) bool { return fn == folder.Name }
	job.onFetch = r.onFetch
	job.start = r.start
	return job
}

type fetchMessagesRun struct {
	refreshRun
	uids []uint32
}

func (r *fetchMessagesRun) start(s *Server) error {
	summary := r.folder.Summary
	var wanted []uint32
	for _, uid := range r.uids {
		if !summary.CheckUID(uid) {
			wanted = append(wanted, uid)
		}
	}
	if len(wanted) == 0 {
		s.removeJob(r.job)
		r.job.fail(nil)
		return nil
	}
	sort.Slice(wanted, func(i, j int) bool { return wanted[i] < wanted[j] })

	r.job.mu.Lock()
	r.newInfos = make(map[uint32]*MessageInfo, len(wanted))
	for _, uid := range wanted {
		r.newInfos[uid] = &MessageInfo{UID: uid}
	}
	r.job.mu.Unlock()

	// One pass carries flags alongside the headers; no separate
	// enumeration is needed when the UIDs are already known.
	batch := r.opts.BatchFetchCount
	if batch <= 0 {
		batch = 500
	}
	builder := UIDSetBuilder{EntryLimit: batch, UIDLimit: batch * 4}
	flush := func() {
		if builder.Empty() {
			return
		}
		set := builder.String()
		cmd := newCommand("UID FETCH", r.job.Priority)
		cmd.SelectFolder = r.folder.Name
		cmd.job = r.job
		cmd.addAtom(set)
		cmd.addText(" (UID FLAGS RFC822.SIZE RFC822.HEADER INTERNALDATE)")
		cmd.complete = func(c *Command) { r.batchDone(s, c) }
		s.enqueue(cmd)
	}
	for _, uid := range wanted {
		if builder.Add(uid) {
			flush()
		}
	}
	flush()
	return nil
}

func (r *fetchMessagesRun) onFetch(s *Server, info *FetchInfo) error {
	if info.Got&FetchGotUID == 0 {
		return nil
	}
	r.job.mu.Lock()
	msg := r.newInfos[info.UID]
	r.job.mu.Unlock()
	if msg == nil {
		return nil
	}
	if info.Got&FetchGotFlags != 0 {
		msg.Flags = info.Flags
		msg.ServerFlags = info.Flags
		msg.UserFlags = copyUserFlags(info.UserFlags)
		msg.ServerUserFlags = copyUserFlags(info.UserFlags)
	}
	if info.Got&FetchGotSize != 0 {
		msg.Size = info.Size
	}
	if info.Got&FetchGotInternalDate != 0 {
		msg.InternalDate = info.InternalDate
	}
	if info.Got&FetchGotHeader != 0 {
		parseSummaryHeaders(info.Header, msg)
	}
	return nil
}

// NewFetchNewMessagesJob fetches messages that appeared after the
// highest locally known UID.
func NewFetchNewMessagesJob(ctx context.Context, folder *Folder, opts RefreshOptions) *Job {
	job := newJob(ctx, JobFetchNewMessages, PriorityFetchNew, folder.Name)
	f := &fetchNewRun{
		refreshRun: refreshRun{job: job, folder: folder, opts: opts},
	}
	job.matches = func(fn string, u uint32) bool { return fn == folder.Name }
	job.onFetch = f.onFetch
	job.start = f.start
	return job
}

type fetchNewRun struct {
	refreshRun
}

func (f *fetchNewRun) start(s *Server) error {
	first := uint32(1)
	if uids := f.folder.Summary.UIDs(); len(uids) > 0 {
		first = uids[len(uids)-1] + 1
	}

	f.scanning = true
	cmd := newCommand("UID FETCH", f.job.Priority)
	cmd.SelectFolder = f.folder.Name
	cmd.job = f.job
	cmd.addAtom(strconv.FormatUint(uint64(first), 10) + ":*")
	cmd.addText(" (UID FLAGS)")
	cmd.complete = func(c *Command) { f.newScanDone(s, c) }
	s.enqueue(cmd)
	return nil
}

// newScanDone batches header fetches for the enumerated UIDs. The
// enumeration always runs first; when many messages arrived or the
// fetch order is descending, the sorted list decides the batch order.
func (f *fetchNewRun) newScanDone(s *Server, c *Command) {
	err := c.Err
	if err == nil {
		err = c.Status.Err()
	}
	if err != nil {
		return
	}

	f.job.mu.Lock()
	f.scanning = false
	scan := f.scan
	f.scan = nil
	f.job.mu.Unlock()

	summary := f.folder.Summary
	var fresh []uint32
	entries := make(map[uint32]scanEntry, len(scan))
	for _, e := range scan {
		entries[e.uid] = e
		if !summary.CheckUID(e.uid) {
			fresh = append(fresh, e.uid)
		}
	}
	if len(fresh) == 0 {
		f.finish(s)
		return
	}

	sort.Slice(fresh, func(i, j int) bool {
		if f.opts.DescendingFetch {
			return fresh[i] > fresh[j]
		}
		return fresh[i] < fresh[j]
	})

	f.job.mu.Lock()
	f.newInfos = make(map[uint32]*MessageInfo, len(fresh))
	for _, uid := range fresh {
		info := &MessageInfo{UID: uid}
		applyServerFlags(info, entries[uid])
		f.newInfos[uid] = info
	}
	f.job.mu.Unlock()

	// The packer needs ascending input; the fetch order preference
	// only changes which batch is issued first.
	ascending := append([]uint32(nil), fresh...)
	sort.Slice(ascending, func(i, j int) bool { return ascending[i] < ascending[j] })
	done := func(c *Command) { f.batchDone(s, c) }
	if !f.opts.DescendingFetch {
		issueHeaderBatches(s, f.job, f.folder, ascending, f.opts.BatchFetchCount, done)
		return
	}
	// Newest first: one batch-sized slice at a time from the top end.
	batch := f.opts.BatchFetchCount
	if batch <= 0 {
		batch = 500
	}
	for end := len(ascending); end > 0; end -= batch {
		start := end - batch
		if start < 0 {
			start = 0
		}
		issueHeaderBatches(s, f.job, f.folder, ascending[start:end], f.opts.BatchFetchCount, done)
	}
}
