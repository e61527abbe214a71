package imap

import (
	"context"
	"sort"
)

// NewListJob enumerates folders matching pattern. With LIST-EXTENDED a
// single LIST ... RETURN (SUBSCRIBED) answers both questions; older
// servers get a LIST plus an LSUB and the results are merged. The
// job's Result is a []ListEntry sorted by name.
func NewListJob(ctx context.Context, pattern string) *Job {
	job := newJob(ctx, JobList, PriorityList, "")
	r := &listRun{job: job, pattern: pattern, entries: make(map[string]*ListEntry)}
	job.onList = r.onList
	job.start = r.start
	return job
}

type listRun struct {
	job     *Job
	pattern string

	entries map[string]*ListEntry
}

func (r *listRun) start(s *Server) error {
	pattern := r.pattern
	if pattern == "" {
		pattern = "*"
	}

	if s.Caps().Has(CapListExtended) {
		cmd := newCommand("LIST", r.job.Priority)
		cmd.addText(` ""`)
		cmd.addString(pattern)
		cmd.addText(" RETURN (SUBSCRIBED")
		if s.Caps().Has(CapListStatus) {
			cmd.addText(" STATUS (MESSAGES UNSEEN UIDVALIDITY UIDNEXT)")
		}
		cmd.addText(")")
		cmd.job = r.job
		cmd.complete = func(c *Command) { r.listDone(c) }
		s.enqueue(cmd)
		return nil
	}

	list := newCommand("LIST", r.job.Priority)
	list.addText(` ""`)
	list.addString(pattern)
	list.job = r.job
	list.complete = func(c *Command) { r.listDone(c) }
	s.enqueue(list)

	lsub := newCommand("LSUB", r.job.Priority)
	lsub.addText(` ""`)
	lsub.addString(pattern)
	lsub.job = r.job
	lsub.complete = func(c *Command) { r.listDone(c) }
	s.enqueue(lsub)
	return nil
}

// onList merges a LIST or LSUB line into the collected entries. LSUB
// lines set the subscription bit on known folders; a folder seen only
// through LSUB is added as a new entry.
func (r *listRun) onList(entry ListEntry, lsub bool) {
	r.job.mu.Lock()
	defer r.job.mu.Unlock()
	existing, ok := r.entries[entry.Name]
	if !ok {
		e := entry
		r.entries[entry.Name] = &e
		return
	}
	if lsub || entry.Subscribed {
		existing.Subscribed = true
	}
	if len(entry.Attributes) > 0 && len(existing.Attributes) == 0 {
		existing.Attributes = entry.Attributes
	}
}

func (r *listRun) listDone(c *Command) {
	err := c.Err
	if err == nil {
		err = c.Status.Err()
	}
	if err != nil {
		return
	}
	r.job.mu.Lock()
	defer r.job.mu.Unlock()
	if r.job.commands > 1 {
		return
	}
	out := make([]ListEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	r.job.Result = out
}

// NewManageSubscriptionJob subscribes to or unsubscribes from a
// folder.
func NewManageSubscriptionJob(ctx context.Context, folderName string, subscribe bool) *Job {
	job := newJob(ctx, JobManageSubscription, PriorityFolderManage, "")
	job.start = func(s *Server) error {
		verb := "SUBSCRIBE"
		if !subscribe {
			verb = "UNSUBSCRIBE"
		}
		cmd := newCommand(verb, job.Priority)
		cmd.job = job
		cmd.addFolder(folderName)
		s.enqueue(cmd)
		return nil
	}
	return job
}

// NewCreateFolderJob creates a folder and subscribes to it.
func NewCreateFolderJob(ctx context.Context, folderName string) *Job {
	job := newJob(ctx, JobCreateFolder, PriorityFolderManage, "")
	job.start = func(s *Server) error {
		cmd := newCommand("CREATE", job.Priority)
		cmd.job = job
		cmd.addFolder(folderName)
		cmd.complete = func(c *Command) {
			if c.Err != nil || c.Status.Err() != nil {
				return
			}
			// Mirror the create with a subscription, the way most
			// clients expect new folders to show up.
			sub := newCommand("SUBSCRIBE", job.Priority)
			sub.job = job
			sub.addFolder(folderName)
			s.enqueue(sub)
		}
		s.enqueue(cmd)
		return nil
	}
	return job
}

// NewDeleteFolderJob unsubscribes from and deletes a folder.
func NewDeleteFolderJob(ctx context.Context, folderName string) *Job {
	job := newJob(ctx, JobDeleteFolder, PriorityFolderManage, "")
	job.start = func(s *Server) error {
		unsub := newCommand("UNSUBSCRIBE", job.Priority)
		unsub.job = job
		unsub.addFolder(folderName)
		unsub.complete = func(c *Command) {
			// Delete regardless: an unsubscribe failure must not strand
			// the folder.
			del := newCommand("DELETE", job.Priority)
			del.job = job
			del.addFolder(folderName)
			s.enqueue(del)
		}
		s.enqueue(unsub)
		return nil
	}
	return job
}

// NewRenameFolderJob renames a folder, moving the subscription along.
func NewRenameFolderJob(ctx context.Context, oldName, newName string) *Job {
	job := newJob(ctx, JobRenameFolder, PriorityFolderManage, "")
	job.start = func(s *Server) error {
		cmd := newCommand("RENAME", job.Priority)
		cmd.job = job
		cmd.addFolder(oldName)
		cmd.addFolder(newName)
		cmd.complete = func(c *Command) {
			if c.Err != nil || c.Status.Err() != nil {
				return
			}
			unsub := newCommand("UNSUBSCRIBE", job.Priority)
			unsub.job = job
			unsub.addFolder(oldName)
			s.enqueue(unsub)
			sub := newCommand("SUBSCRIBE", job.Priority)
			sub.job = job
			sub.addFolder(newName)
			s.enqueue(sub)
		}
		s.enqueue(cmd)
		return nil
	}
	return job
}

// NewFolderStatusJob refreshes a folder's server-side counters with a
// STATUS command, without selecting it. Cheaper than a full refresh;
// mobile clients lean on this for unread counts since they trust the
// server's numbers.
func NewFolderStatusJob(ctx context.Context, folderName string, condstore bool) *Job {
	job := newJob(ctx, JobRefreshInfo, PriorityRefreshInfo, "")
	job.start = func(s *Server) error {
		cmd := newCommand("STATUS", job.Priority)
		cmd.job = job
		cmd.addFolder(folderName)
		items := " (MESSAGES UNSEEN RECENT UIDNEXT UIDVALIDITY"
		if condstore && s.Caps().Has(CapCondstore) {
			items += " HIGHESTMODSEQ"
		}
		cmd.addText(items + ")")
		s.enqueue(cmd)
		return nil
	}
	return job
}

// NewNoopJob pokes the connection; servers flush pending untagged
// responses in the reply.
func NewNoopJob(ctx context.Context, folderName string) *Job {
	job := newJob(ctx, JobNoop, PriorityNoop, folderName)
	job.start = func(s *Server) error {
		cmd := newCommand("NOOP", job.Priority)
		cmd.job = job
		cmd.SelectFolder = folderName
		s.enqueue(cmd)
		return nil
	}
	return job
}
