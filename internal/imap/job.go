package imap

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// JobType tags the application-level operation a Job performs.
type JobType int

const (
	JobGetMessage JobType = iota
	JobAppendMessage
	JobCopyMessage
	JobFetchNewMessages
	JobFetchMessages
	JobRefreshInfo
	JobSyncChanges
	JobExpunge
	JobNoop
	JobIdle
	JobList
	JobManageSubscription
	JobCreateFolder
	JobDeleteFolder
	JobRenameFolder
)

func (t JobType) String() string {
	switch t {
	case JobGetMessage:
		return "get-message"
	case JobAppendMessage:
		return "append-message"
	case JobCopyMessage:
		return "copy-message"
	case JobFetchNewMessages:
		return "fetch-new-messages"
	case JobFetchMessages:
		return "fetch-messages"
	case JobRefreshInfo:
		return "refresh-info"
	case JobSyncChanges:
		return "sync-changes"
	case JobExpunge:
		return "expunge"
	case JobNoop:
		return "noop"
	case JobIdle:
		return "idle"
	case JobList:
		return "list"
	case JobManageSubscription:
		return "manage-subscription"
	case JobCreateFolder:
		return "create-folder"
	case JobDeleteFolder:
		return "delete-folder"
	case JobRenameFolder:
		return "rename-folder"
	default:
		return fmt.Sprintf("JobType(%d)", int(t))
	}
}

// Job priorities; higher runs earlier. Interactive fetches outrank
// background refreshes.
const (
	PriorityGetMessage   = 100
	PriorityAppend       = 60
	PriorityCopy         = 60
	PrioritySyncChanges  = 50
	PriorityRefreshInfo  = 20
	PriorityFetchNew     = 20
	PriorityList         = 20
	PriorityFolderManage = 40
	PriorityExpunge      = 40
	PriorityNoop         = 10
)

// Job is one application-level operation. It synthesizes commands when
// started on a Server, receives the untagged responses its predicate
// matches, and signals its waiter when the last command completes.
type Job struct {
	// ID identifies the job in logs.
	ID string

	Type     JobType
	Priority int

	// Folder is the affinity folder, empty for folder-agnostic jobs.
	Folder string

	// NoReply marks a fire-and-forget job that no caller waits on, such
	// as the new-mail fetch the pool schedules during IDLE. Completion
	// does not consult it: the done channel is closed either way.
	NoReply bool

	// start issues the job's first command(s) on the server.
	start func(s *Server) error

	// matches reports whether an untagged response for (folder, uid)
	// belongs to this job.
	matches func(folder string, uid uint32) bool

	// onFetch receives matched untagged FETCH responses.
	onFetch func(s *Server, info *FetchInfo) error

	// onList receives LIST/LSUB lines while a list job is active.
	onList func(entry ListEntry, lsub bool)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	err      error
	commands int
	finished bool
	done     chan struct{}

	// Result carries job-type-specific output (CopyResult,
	// AppendResult, []ListEntry, ...) once the job completes.
	Result any
}

// newJob creates a job of the given type bound to ctx.
func newJob(ctx context.Context, typ JobType, pri int, folder string) *Job {
	if ctx == nil {
		ctx = context.Background()
	}
	jctx, cancel := context.WithCancel(ctx)
	return &Job{
		ID:       uuid.NewString(),
		Type:     typ,
		Priority: pri,
		Folder:   folder,
		ctx:      jctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Context returns the job's cancellation context.
func (j *Job) Context() context.Context { return j.ctx }

// Cancel requests cancellation. In-flight commands fail with
// ErrCancelled; the server-side operation may still complete, in which
// case its response is discarded.
func (j *Job) Cancel() {
	j.cancel()
	j.fail(ErrCancelled)
}

// Matches reports whether an untagged response for (folder, uid)
// belongs to this job.
func (j *Job) Matches(folder string, uid uint32) bool {
	if j.matches == nil {
		return false
	}
	return j.matches(folder, uid)
}

// commandStarted bumps the outstanding-command counter.
func (j *Job) commandStarted() {
	j.mu.Lock()
	j.commands++
	j.mu.Unlock()
}

// commandDone decrements the outstanding-command counter; when it
// reaches zero and no follow-up was issued, the job completes.
func (j *Job) commandDone(err error) {
	j.mu.Lock()
	j.commands--
	if err != nil && j.err == nil {
		j.err = err
	}
	complete := j.commands == 0 && !j.finished
	if complete {
		j.finished = true
	}
	j.mu.Unlock()
	if complete {
		close(j.done)
	}
}

// fail records err (first error wins) and completes the job if no
// commands are outstanding.
func (j *Job) fail(err error) {
	j.mu.Lock()
	if j.err == nil {
		j.err = err
	}
	complete := j.commands == 0 && !j.finished
	if complete {
		j.finished = true
	}
	j.mu.Unlock()
	if complete {
		close(j.done)
	}
}

// Finished reports whether the job has completed.
func (j *Job) Finished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished
}

// Err returns the job's recorded error.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Wait blocks until the job completes or ctx is done, returning the
// job's error.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return transportCtxErr(ctx.Err())
	}
}

// Done exposes the completion channel for callers multiplexing several
// jobs.
func (j *Job) Done() <-chan struct{} { return j.done }

func transportCtxErr(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindCancelled, wrapped: err}
}
