package imap

import (
	"strconv"
	"strings"
)

// initiateSelectLocked begins a SELECT for the named folder. Caller
// holds queueLock. The pending/selected duality: selectPending is set
// now and promoted either by the [CLOSED] response code on the old
// folder (RFC 7162) or by the SELECT completion, whichever comes
// first.
func (s *Server) initiateSelectLocked(name string) {
	folder, ok := s.folders[name]
	if !ok {
		s.failFolderCommandsLocked(name, &Error{Kind: KindNotFound, msg: "unknown folder " + name})
		return
	}
	if s.selectPending != nil {
		return
	}
	if s.selected != nil && s.selected.Name == name {
		return
	}
	// Refuse while commands are still active on another folder; the
	// scheduler retries once they drain.
	if s.active.len() > 0 {
		return
	}

	s.selectPending = folder
	s.clearSelectStateLocked()

	cmd := s.buildSelectLocked(folder)
	s.log.Debug().Str("folder", name).Msg("Selecting folder")

	s.tagCounter++
	cmd.tag = formatTag(s.cfg.TagPrefix, s.tagCounter)
	s.active.push(cmd)
	if err := s.writeCommandLocked(cmd); err != nil {
		s.shutdownLocked(err)
	}
}

// clearSelectStateLocked resets the per-mailbox volatile state ahead
// of a SELECT.
func (s *Server) clearSelectStateLocked() {
	s.permanentFlags = 0
	s.permanentUserFlags = nil
	s.uidValidity = 0
	s.uidNext = 0
	s.highestModSeq = 0
	s.exists = 0
	s.recent = 0
	s.unseen = 0
	s.readOnly = false
}

// buildSelectLocked constructs the SELECT command, with the QRESYNC
// trailer when the extension is enabled and the folder has cached
// state to resynchronize from.
func (s *Server) buildSelectLocked(folder *Folder) *Command {
	cmd := newCommand("SELECT", PriorityFolderManage)
	cmd.addFolder(folder.Name)

	if s.cfg.UseQresync && s.caps.Has(CapQresync) {
		if trailer := qresyncTrailer(folder); trailer != "" {
			cmd.addText(trailer)
		}
	}

	cmd.close()
	cmd.complete = func(c *Command) { s.selectDone(folder, c) }
	return cmd
}

// qresyncTrailer renders " (QRESYNC (uidvalidity modseq known-uids
// [(seq-sample uid-sample)]))" from the folder's cached summary, or ""
// when there is nothing to resync from.
func qresyncTrailer(folder *Folder) string {
	summary := folder.Summary
	if summary == nil {
		return ""
	}
	uids := summary.UIDs()
	total := len(uids)
	folder.mu.Lock()
	uidValidity := folder.UIDValidityOnServer
	modSeq := folder.ModSeqOnServer
	folder.mu.Unlock()
	if total == 0 || modSeq == 0 || uidValidity == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(" (QRESYNC (")
	b.WriteString(strconv.FormatUint(uint64(uidValidity), 10))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(modSeq, 10))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(uint64(uids[0]), 10))
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(uint64(uids[total-1]), 10))

	if total > 10 {
		// Sample seq/uid pairs working backwards exponentially from the
		// end of the mailbox (9 from the end, then 27, 81, ...) so an
		// out-of-sync server can keep the VANISHED list short
		// (RFC 7162 §3.2.5.2). Sequence numbers are one-based.
		var seqs, sampleUIDs []string
		i := 3
		for {
			i *= 3
			if i > total {
				i = total
			}
			seqs = append([]string{strconv.Itoa(total - i + 1)}, seqs...)
			sampleUIDs = append([]string{strconv.FormatUint(uint64(uids[total-i]), 10)}, sampleUIDs...)
			if i >= total {
				break
			}
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(seqs, ","))
		b.WriteByte(' ')
		b.WriteString(strings.Join(sampleUIDs, ","))
		b.WriteByte(')')
	}

	b.WriteString("))")
	return b.String()
}

// selectDone is the SELECT completion callback.
func (s *Server) selectDone(folder *Folder, cmd *Command) {
	err := cmd.Err
	if err == nil {
		err = cmd.Status.Err()
	}

	s.queueLock.Lock()
	if err != nil {
		s.log.Warn().Err(err).Str("folder", folder.Name).Msg("SELECT failed")
		if s.selectPending == folder {
			s.selectPending = nil
		}
		if s.selected == folder {
			s.selected = nil
			if s.state == stateSelected {
				s.state = stateInitialised
			}
		}
		s.failFolderCommandsLocked(folder.Name, err)
		s.queueLock.Unlock()
		return
	}

	// A [CLOSED] on the previous mailbox may already have promoted.
	if s.selectPending == folder {
		s.promoteSelectLocked()
	}
	s.state = stateSelected
	folder.mu.Lock()
	folder.UIDValidityOnServer = s.uidValidity
	folder.UIDNextOnServer = s.uidNext
	folder.ExistsOnServer = s.exists
	folder.RecentOnServer = s.recent
	if s.highestModSeq != 0 {
		folder.ModSeqOnServer = s.highestModSeq
	}
	folder.mu.Unlock()

	name := folder.Name
	cb := s.onSelectChanged
	s.log.Debug().
		Str("folder", name).
		Uint32("exists", s.exists).
		Uint32("uidvalidity", s.uidValidity).
		Uint32("uidnext", s.uidNext).
		Bool("readOnly", s.readOnly).
		Msg("Folder selected")
	s.queueLock.Unlock()

	if cb != nil {
		cb(s, name)
	}
}

// promoteSelectLocked makes the in-flight folder current. The
// assignment is one step so there is no window with neither folder
// set.
func (s *Server) promoteSelectLocked() {
	if s.selectPending == nil {
		return
	}
	s.selected, s.selectPending = s.selectPending, nil
}

// failFolderCommandsLocked cancels every pending command with the
// given folder affinity, propagating err to their jobs.
func (s *Server) failFolderCommandsLocked(name string, err error) {
	var victims []*Command
	for _, cmd := range s.pending.items {
		if cmd.SelectFolder == name {
			victims = append(victims, cmd)
		}
	}
	for _, cmd := range victims {
		s.pending.remove(cmd)
		s.failCommandLocked(cmd, err)
	}
}

// SelectedFolder returns the currently selected folder, nil during a
// SELECT or before the first one.
func (s *Server) SelectedFolder() *Folder {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()
	return s.selected
}

// currentFolderLocked is the folder untagged responses apply to: the
// in-flight SELECT target when one exists, else the selected folder.
func (s *Server) currentFolderLocked() *Folder {
	if s.selectPending != nil {
		return s.selectPending
	}
	return s.selected
}
