package imap

import (
	"context"
	"io"
	"sort"
)

// flagDelta is one STORE pass: the flag change applied to a packed set
// of UIDs.
type flagDelta struct {
	add       bool
	flags     Flags
	userFlags map[string]bool
	uids      []uint32
}

// syncFlagBits are the system flags a client may write back.
var syncFlagBits = []Flags{
	FlagAnswered, FlagDeleted, FlagDraft, FlagFlagged, FlagSeen, FlagJunk, FlagNotJunk,
}

// computeFlagDeltas diffs each dirty message's local flags against the
// last server-acknowledged state and groups the changes into set and
// clear passes, one per flag.
func computeFlagDeltas(summary Summary) []flagDelta {
	var dirty []*MessageInfo
	for _, uid := range summary.UIDs() {
		msg, ok := summary.Get(uid)
		if !ok || !msg.FolderFlagged {
			continue
		}
		dirty = append(dirty, msg)
	}
	if len(dirty) == 0 {
		return nil
	}

	var deltas []flagDelta
	for _, bit := range syncFlagBits {
		var set, clear []uint32
		for _, msg := range dirty {
			local := msg.Flags&bit != 0
			remote := msg.ServerFlags&bit != 0
			switch {
			case local && !remote:
				set = append(set, msg.UID)
			case !local && remote:
				clear = append(clear, msg.UID)
			}
		}
		if len(set) > 0 {
			deltas = append(deltas, flagDelta{add: true, flags: bit, uids: set})
		}
		if len(clear) > 0 {
			deltas = append(deltas, flagDelta{add: false, flags: bit, uids: clear})
		}
	}

	// User flags: one pass per flag name across the dirty set.
	names := map[string]bool{}
	for _, msg := range dirty {
		for name := range msg.UserFlags {
			names[name] = true
		}
		for name := range msg.ServerUserFlags {
			names[name] = true
		}
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)
	for _, name := range sorted {
		var set, clear []uint32
		for _, msg := range dirty {
			local := msg.UserFlags[name]
			remote := msg.ServerUserFlags[name]
			switch {
			case local && !remote:
				set = append(set, msg.UID)
			case !local && remote:
				clear = append(clear, msg.UID)
			}
		}
		if len(set) > 0 {
			deltas = append(deltas, flagDelta{add: true, userFlags: map[string]bool{name: true}, uids: set})
		}
		if len(clear) > 0 {
			deltas = append(deltas, flagDelta{add: false, userFlags: map[string]bool{name: true}, uids: clear})
		}
	}
	return deltas
}

// NewSyncChangesJob writes local flag changes back to the server with
// batched UID STORE ±FLAGS.SILENT passes.
func NewSyncChangesJob(ctx context.Context, folder *Folder, opts RefreshOptions) *Job {
	job := newJob(ctx, JobSyncChanges, PrioritySyncChanges, folder.Name)
	r := &syncChangesRun{job: job, folder: folder, opts: opts}
	job.start = r.start
	return job
}

type syncChangesRun struct {
	job    *Job
	folder *Folder
	opts   RefreshOptions
}

func (r *syncChangesRun) start(s *Server) error {
	deltas := computeFlagDeltas(r.folder.Summary)
	if len(deltas) == 0 {
		s.removeJob(r.job)
		r.job.fail(nil) // completes with no error
		return nil
	}

	batch := r.opts.BatchFetchCount
	if batch <= 0 {
		batch = 500
	}
	for _, d := range deltas {
		builder := UIDSetBuilder{EntryLimit: batch, UIDLimit: batch * 4}
		flush := func() {
			if builder.Empty() {
				return
			}
			set := builder.String()
			cmd := newCommand("UID STORE", r.job.Priority)
			cmd.SelectFolder = r.folder.Name
			cmd.job = r.job
			cmd.addAtom(set)
			if d.add {
				cmd.addAtom("+FLAGS.SILENT")
			} else {
				cmd.addAtom("-FLAGS.SILENT")
			}
			cmd.addFlags(d.flags, d.userFlags)
			cmd.complete = func(c *Command) { r.storeDone(s, c) }
			s.enqueue(cmd)
		}
		for _, uid := range d.uids {
			if builder.Add(uid) {
				flush()
			}
		}
		flush()
	}
	return nil
}

// storeDone commits the new server-side flag state once the last
// STORE pass succeeds.
func (r *syncChangesRun) storeDone(s *Server, c *Command) {
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

	summary := r.folder.Summary
	changed := false
	for _, uid := range summary.UIDs() {
		msg, ok := summary.Get(uid)
		if !ok || !msg.FolderFlagged {
			continue
		}
		msg.ServerFlags = msg.Flags
		msg.ServerUserFlags = copyUserFlags(msg.UserFlags)
		msg.FolderFlagged = false
		changed = true
	}
	if changed {
		summary.Touch()
		if err := summary.Save(); err != nil {
			r.job.fail(&Error{Kind: KindInternal, wrapped: err, msg: "summary save failed"})
		}
	}
}

// CopyResult is what a copy job reports back: the COPYUID mappings the
// server provided, when UIDPLUS is available.
type CopyResult struct {
	Mappings []CopyUIDInfo
	Moved    bool
}

// NewCopyMessageJob copies (or moves, when the extension is available
// and requested) messages to another folder.
func NewCopyMessageJob(ctx context.Context, folder *Folder, uids []uint32, dest string, move bool, opts RefreshOptions) *Job {
	job := newJob(ctx, JobCopyMessage, PriorityCopy, folder.Name)
	r := &copyRun{job: job, folder: folder, uids: uids, dest: dest, move: move, opts: opts}
	job.start = r.start
	return job
}

type copyRun struct {
	job    *Job
	folder *Folder
	uids   []uint32
	dest   string
	move   bool
	opts   RefreshOptions

	result CopyResult
}

func (r *copyRun) start(s *Server) error {
	uids := append([]uint32(nil), r.uids...)
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	useMove := r.move && s.Caps().Has(CapMove)
	verb := "UID COPY"
	if useMove {
		verb = "UID MOVE"
	}
	r.result.Moved = useMove

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
		cmd := newCommand(verb, r.job.Priority)
		cmd.SelectFolder = r.folder.Name
		cmd.job = r.job
		cmd.addAtom(set)
		cmd.addFolder(r.dest)
		cmd.complete = func(c *Command) { r.copyDone(s, c, useMove) }
		s.enqueue(cmd)
	}
	for _, uid := range uids {
		if builder.Add(uid) {
			flush()
		}
	}
	flush()

	// Plain COPY with move semantics flags the sources deleted; the
	// caller expunges afterwards.
	if r.move && !useMove {
		for _, uid := range uids {
			if msg, ok := r.folder.Summary.Get(uid); ok {
				msg.Flags |= FlagDeleted
				msg.FolderFlagged = true
			}
		}
		r.folder.Summary.Touch()
	}
	return nil
}

// copyDone records the COPYUID mapping so the destination folder can
// treat the new UIDs as already-seen rather than fresh mail.
func (r *copyRun) copyDone(s *Server, c *Command, moved bool) {
	err := c.Err
	if err == nil {
		err = c.Status.Err()
	}
	if err != nil {
		return
	}
	if c.Status.Code == CodeCopyUID {
		r.job.mu.Lock()
		r.result.Mappings = append(r.result.Mappings, c.Status.CopyUID)
		r.job.Result = r.result
		r.job.mu.Unlock()
	}
	if moved {
		for _, uid := range r.uids {
			if r.folder.Summary.CheckUID(uid) {
				r.folder.Summary.Remove(uid)
				r.folder.recordRemoved(uid)
			}
		}
		r.folder.Summary.Touch()
	}
}

// AppendResult carries the UID the server assigned, when UIDPLUS gave
// us one.
type AppendResult struct {
	UIDValidity uint32
	UID         uint32
}

// NewAppendMessageJob uploads a message from the cache's new group.
// On APPENDUID the assigned UID lands on the info and the cached body
// moves from new to cur under the final UID.
func NewAppendMessageJob(ctx context.Context, folder *Folder, info *MessageInfo, cacheID string, cache Cache) *Job {
	job := newJob(ctx, JobAppendMessage, PriorityAppend, "")
	r := &appendRun{job: job, folder: folder, info: info, cacheID: cacheID, cache: cache}
	job.start = r.start
	return job
}

type appendRun struct {
	job     *Job
	folder  *Folder
	info    *MessageInfo
	cacheID string
	cache   Cache

	result AppendResult
}

func (r *appendRun) start(s *Server) error {
	path := r.cache.Filename(CacheNew, r.cacheID)

	// APPEND does not need the target selected; it is folder-agnostic
	// on purpose so it can run while another mailbox is open.
	cmd := newCommand("APPEND", r.job.Priority)
	cmd.job = r.job
	cmd.addFolder(r.folder.Name)
	cmd.addFlags(r.info.Flags&^FlagsServerSet, r.info.UserFlags)
	if err := cmd.addLiteralFile(path); err != nil {
		return &Error{Kind: KindNotFound, wrapped: err, msg: "queued message missing from cache"}
	}
	cmd.complete = func(c *Command) { r.appendDone(s, c) }
	s.enqueue(cmd)
	return nil
}

func (r *appendRun) appendDone(s *Server, c *Command) {
	err := c.Err
	if err == nil {
		err = c.Status.Err()
	}
	if err != nil {
		return
	}
	if c.Status.Code != CodeAppendUID {
		return
	}
	r.result = AppendResult{
		UIDValidity: c.Status.AppendUID.UIDValidity,
		UID:         c.Status.AppendUID.UID,
	}
	r.job.mu.Lock()
	r.job.Result = r.result
	r.job.mu.Unlock()
	r.info.UID = r.result.UID
	if err := r.commitBody(); err != nil {
		// The upload succeeded; a cache shuffle failure is recoverable
		// and surfaced without killing the connection.
		r.job.fail(&Error{Kind: KindInternal, wrapped: err, msg: "cache commit failed"})
		return
	}
	r.folder.Summary.Add(r.info)
	r.folder.recordAdded(r.result.UID)
	r.folder.Summary.Touch()
}

// commitBody moves the queued body from the new group to cur under
// its server-assigned UID. The entry changes name, so this is a copy
// plus remove through the cache contract rather than a rename.
func (r *appendRun) commitBody() error {
	src, err := r.cache.Get(CacheNew, r.cacheID)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := r.cache.Add(CacheCur, cacheKey(r.result.UID))
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return r.cache.Remove(CacheNew, r.cacheID)
}

// NewExpungeJob expunges the folder and drops the locally
// deleted-flagged messages from the summary. Flag changes should be
// synced first so the server agrees about what is deleted.
func NewExpungeJob(ctx context.Context, folder *Folder) *Job {
	job := newJob(ctx, JobExpunge, PriorityExpunge, folder.Name)
	r := &expungeRun{job: job, folder: folder}
	job.start = r.start
	return job
}

type expungeRun struct {
	job    *Job
	folder *Folder
}

func (r *expungeRun) start(s *Server) error {
	cmd := newCommand("EXPUNGE", r.job.Priority)
	cmd.SelectFolder = r.folder.Name
	cmd.job = r.job
	cmd.complete = func(c *Command) { r.expungeDone(s, c) }
	s.enqueue(cmd)
	return nil
}

func (r *expungeRun) expungeDone(s *Server, c *Command) {
	err := c.Err
	if err == nil {
		err = c.Status.Err()
	}
	if err != nil {
		return
	}
	summary := r.folder.Summary
	var doomed []uint32
	for _, uid := range summary.UIDs() {
		if msg, ok := summary.Get(uid); ok && msg.Flags&FlagDeleted != 0 {
			doomed = append(doomed, uid)
		}
	}
	if len(doomed) > 0 {
		summary.RemoveMany(doomed)
		for _, uid := range doomed {
			r.folder.recordRemoved(uid)
		}
		summary.Touch()
	}
	if err := summary.Save(); err != nil {
		r.job.fail(&Error{Kind: KindInternal, wrapped: err, msg: "summary save failed"})
	}
}
