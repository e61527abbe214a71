package imap

import (
	"strings"
)

// handleUntagged dispatches one '*' response. The head token decides
// the grammar: a number prefixes EXISTS/RECENT/EXPUNGE/FETCH, an atom
// selects the named handler.
func (s *Server) handleUntagged() error {
	tok, err := s.tk.NextToken()
	if err != nil {
		return err
	}

	if tok.Type == TokenNumber {
		n := uint32(tok.Number)
		tok, err = s.tk.NextToken()
		if err != nil {
			return err
		}
		if tok.Type != TokenAtom {
			return protocolErrorf("expected response name after number, got %s", tok)
		}
		switch strings.ToUpper(string(tok.Value)) {
		case "EXISTS":
			err = s.untaggedExists(n)
		case "RECENT":
			err = s.untaggedRecent(n)
		case "EXPUNGE":
			err = s.untaggedExpunge(n)
		case "FETCH":
			err = s.untaggedFetch(n)
		default:
			s.log.Debug().Str("response", string(tok.Value)).Msg("Skipping unknown numbered response")
			return s.tk.SkipLine()
		}
		if err != nil {
			return err
		}
		return s.consumeEOL()
	}

	if tok.Type != TokenAtom {
		return protocolErrorf("expected untagged response name, got %s", tok)
	}

	name := strings.ToUpper(string(tok.Value))
	if result, ok := parseStatusResult(name); ok {
		return s.untaggedStatusResponse(result)
	}

	switch name {
	case "CAPABILITY":
		err = s.untaggedCapability()
	case "FLAGS":
		err = s.untaggedFlags()
	case "LIST":
		err = s.untaggedList(false)
	case "LSUB":
		err = s.untaggedList(true)
	case "STATUS":
		err = s.untaggedStatus()
	case "NAMESPACE":
		err = s.untaggedNamespace()
	case "VANISHED":
		err = s.untaggedVanished()
	default:
		s.log.Debug().Str("response", name).Msg("Skipping unknown untagged response")
		return s.tk.SkipLine()
	}
	if err != nil {
		return err
	}
	return s.consumeEOL()
}

// consumeEOL discards whatever remains of the current line.
func (s *Server) consumeEOL() error {
	for {
		tok, err := s.tk.NextToken()
		if err != nil {
			return err
		}
		if tok.Type == TokenNewline {
			return nil
		}
		if tok.Type == TokenLiteral {
			if err := s.stream.DrainLiteral(); err != nil {
				return err
			}
		}
	}
}

// untaggedStatusResponse handles * OK/NO/BAD/PREAUTH/BYE, including
// the greeting.
func (s *Server) untaggedStatusResponse(result StatusResult) error {
	st, err := parseStatus(s.tk, result, s.log)
	if err != nil {
		return err
	}

	s.queueLock.Lock()
	greeting := s.state == stateDisconnected
	if greeting {
		switch result {
		case StatusOK:
			s.state = stateConnected
		case StatusPreauth:
			s.state = stateAuthenticated
		case StatusBye:
			s.queueLock.Unlock()
			s.greetOnce.Do(func() { close(s.greeted) })
			return &Error{Kind: KindTransport, msg: "server refused connection: " + st.Text}
		}
	}
	s.applyStatusLocked(st)
	s.queueLock.Unlock()

	if greeting {
		s.log.Debug().Str("greeting", st.Text).Msg("Server greeting received")
		s.greetOnce.Do(func() { close(s.greeted) })
		return nil
	}

	switch result {
	case StatusBye:
		return &Error{Kind: KindTransport, msg: "server sent BYE: " + st.Text}
	case StatusNo, StatusBad:
		// Untagged NO/BAD is informational; the tagged completion
		// carries the verdict.
		s.log.Warn().Str("result", result.String()).Str("text", st.Text).Msg("Server warning")
	}
	return nil
}

// applyStatusLocked applies the side effects of a status response's
// code to the connection and the current folder.
func (s *Server) applyStatusLocked(st *StatusInfo) {
	folder := s.currentFolderLocked()
	switch st.Code {
	case CodeAlert:
		s.log.Warn().Str("alert", st.Text).Msg("Server alert")
	case CodeCapability:
		s.caps = *st.Capabilities
	case CodeUIDValidity:
		s.uidValidity = st.UIDValidity
		if folder != nil {
			folder.mu.Lock()
			previous := folder.UIDValidityOnServer
			folder.UIDValidityOnServer = st.UIDValidity
			folder.mu.Unlock()
			if previous != 0 && previous != st.UIDValidity {
				s.log.Info().
					Str("folder", folder.Name).
					Uint32("old", previous).
					Uint32("new", st.UIDValidity).
					Msg("UIDVALIDITY changed, invalidating cached summary")
				folder.InvalidateSummary()
			}
		}
	case CodeUIDNext:
		s.uidNext = st.UIDNext
		if folder != nil {
			folder.mu.Lock()
			folder.UIDNextOnServer = st.UIDNext
			folder.mu.Unlock()
		}
	case CodeUnseen:
		s.unseen = st.Unseen
	case CodeHighestModSeq:
		s.highestModSeq = st.HighestModSeq
		if folder != nil {
			folder.mu.Lock()
			folder.ModSeqOnServer = st.HighestModSeq
			folder.mu.Unlock()
		}
	case CodeNoModSeq:
		s.highestModSeq = 0
	case CodePermanentFlags:
		s.permanentFlags = st.PermanentFlags
		s.permanentUserFlags = st.PermanentUserFlags
	case CodeReadOnly:
		s.readOnly = true
	case CodeReadWrite:
		s.readOnly = false
	case CodeClosed:
		// RFC 7162: the previously selected mailbox is closed; the
		// in-flight SELECT target becomes current immediately.
		s.promoteSelectLocked()
	}
}

func (s *Server) untaggedExists(n uint32) error {
	s.queueLock.Lock()
	s.exists = n
	folder := s.currentFolderLocked()
	idling := s.idle.active()
	s.queueLock.Unlock()

	if folder == nil {
		return nil
	}
	folder.mu.Lock()
	folder.ExistsOnServer = n
	folder.mu.Unlock()

	s.log.Debug().Str("folder", folder.Name).Uint32("exists", n).Msg("EXISTS")

	// New mail while idling: hand it to the manager so a fetch-new job
	// gets scheduled.
	if idling && folder.Summary != nil && int(n) > folder.Summary.Count() {
		if cb := s.onNewMail; cb != nil {
			go cb(s, folder)
		}
	}
	return nil
}

func (s *Server) untaggedRecent(n uint32) error {
	s.queueLock.Lock()
	s.recent = n
	folder := s.currentFolderLocked()
	s.queueLock.Unlock()
	if folder != nil {
		folder.mu.Lock()
		folder.RecentOnServer = n
		folder.mu.Unlock()
	}
	return nil
}

// untaggedExpunge removes the message at sequence number n. EXPUNGE
// applies inline, before any later UID reference is parsed.
func (s *Server) untaggedExpunge(seq uint32) error {
	s.queueLock.Lock()
	folder := s.currentFolderLocked()
	if s.exists > 0 {
		s.exists--
	}
	s.queueLock.Unlock()

	if folder == nil || folder.Summary == nil {
		return nil
	}
	uids := folder.Summary.UIDs()
	if seq == 0 || int(seq) > len(uids) {
		s.log.Debug().Uint32("seq", seq).Msg("EXPUNGE for unknown sequence")
		return nil
	}
	uid := uids[seq-1]
	folder.Summary.Remove(uid)
	folder.recordRemoved(uid)
	folder.mu.Lock()
	if folder.ExistsOnServer > 0 {
		folder.ExistsOnServer--
	}
	folder.mu.Unlock()
	s.log.Debug().Uint32("seq", seq).Uint32("uid", uid).Msg("EXPUNGE")
	return nil
}

// untaggedVanished handles the QRESYNC VANISHED response: an optional
// (EARLIER) marker and a uid-set of removed messages.
func (s *Server) untaggedVanished() error {
	earlier := false
	tok, err := s.tk.NextToken()
	if err != nil {
		return err
	}
	if tok.Type == TokenListStart {
		tok, err = s.tk.NextToken()
		if err != nil {
			return err
		}
		if tok.Type == TokenAtom && tok.IsEq("EARLIER") {
			earlier = true
		}
		if err = expectToken(s.tk, TokenListEnd); err != nil {
			return err
		}
		tok, err = s.tk.NextToken()
		if err != nil {
			return err
		}
	}
	if tok.Type != TokenAtom && tok.Type != TokenNumber {
		return protocolErrorf("expected uid-set in VANISHED, got %s", tok)
	}
	ranges, err := ParseUIDSet(string(tok.Value))
	if err != nil {
		return err
	}

	s.queueLock.Lock()
	folder := s.currentFolderLocked()
	s.queueLock.Unlock()
	if folder == nil {
		return nil
	}

	removed := uint32(0)
	EachUID(ranges, func(uid uint32) {
		if folder.Summary != nil && folder.Summary.CheckUID(uid) {
			folder.Summary.Remove(uid)
		}
		folder.recordRemoved(uid)
		removed++
	})

	if !earlier {
		// Unsolicited VANISHED shrinks the server-side exists count.
		s.queueLock.Lock()
		if s.exists >= removed {
			s.exists -= removed
		} else {
			s.exists = 0
		}
		s.queueLock.Unlock()
		folder.mu.Lock()
		if folder.ExistsOnServer >= removed {
			folder.ExistsOnServer -= removed
		} else {
			folder.ExistsOnServer = 0
		}
		folder.mu.Unlock()
	}

	s.log.Debug().
		Str("folder", folder.Name).
		Uint32("removed", removed).
		Bool("earlier", earlier).
		Msg("VANISHED")
	return nil
}

// untaggedFetch parses a FETCH response and routes it: to the active
// job whose predicate matches, else applied as an unsolicited flag
// update on the selected folder.
func (s *Server) untaggedFetch(seq uint32) error {
	info, err := parseFetch(s.tk)
	if err != nil {
		return err
	}

	s.queueLock.Lock()
	folder := s.currentFolderLocked()
	uid := info.UID
	if info.Got&FetchGotUID == 0 && folder != nil && folder.Summary != nil {
		// Unsolicited FETCH without UID: resolve through the sequence
		// number, which indexes the UID-ordered summary.
		uids := folder.Summary.UIDs()
		if seq >= 1 && int(seq) <= len(uids) {
			uid = uids[seq-1]
		}
	}
	var job *Job
	if folder != nil {
		for _, j := range s.jobs {
			if j.onFetch != nil && j.Matches(folder.Name, uid) {
				job = j
				break
			}
		}
	}
	s.queueLock.Unlock()

	if job != nil {
		return job.onFetch(s, info)
	}

	// No job claimed it: treat as an unsolicited flag change.
	if folder == nil || folder.Summary == nil || uid == 0 || info.Got&FetchGotFlags == 0 {
		return nil
	}
	msg, ok := folder.Summary.Get(uid)
	if !ok {
		return nil
	}
	if msg.ServerFlags != info.Flags || !sameUserFlags(msg.ServerUserFlags, info.UserFlags) {
		msg.Flags = info.Flags
		msg.ServerFlags = info.Flags
		msg.UserFlags = copyUserFlags(info.UserFlags)
		msg.ServerUserFlags = copyUserFlags(info.UserFlags)
		if info.Got&FetchGotModSeq != 0 {
			msg.ModSeq = info.ModSeq
		}
		folder.Summary.Touch()
		folder.recordChanged(uid)
		s.log.Debug().
			Str("folder", folder.Name).
			Uint32("uid", uid).
			Strs("flags", FlagNames(info.Flags)).
			Msg("Unsolicited flag change")
	}
	return nil
}

func sameUserFlags(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func copyUserFlags(src map[string]bool) map[string]bool {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]bool, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (s *Server) untaggedCapability() error {
	caps, err := readCapabilities(s.tk)
	if err != nil {
		return err
	}
	s.queueLock.Lock()
	s.caps = caps
	s.queueLock.Unlock()
	return nil
}

// untaggedFlags consumes the applicable-flags list of a SELECT.
func (s *Server) untaggedFlags() error {
	_, _, err := readFlagList(s.tk)
	return err
}

// untaggedList parses a LIST or LSUB line: (attrs) separator name.
func (s *Server) untaggedList(lsub bool) error {
	tok, err := s.tk.NextToken()
	if err != nil {
		return err
	}
	if tok.Type != TokenListStart {
		return protocolErrorf("expected attribute list in LIST, got %s", tok)
	}
	var attrs []string
	subscribed := false
	for {
		tok, err = s.tk.NextToken()
		if err != nil {
			return err
		}
		if tok.Type == TokenListEnd {
			break
		}
		if tok.Type != TokenAtom {
			return protocolErrorf("unexpected token %s in LIST attributes", tok)
		}
		attr := string(tok.Value)
		if strings.EqualFold(attr, `\Subscribed`) {
			subscribed = true
		}
		attrs = append(attrs, attr)
	}

	sepText, err := readNstring(s.tk)
	if err != nil {
		return err
	}
	var sep byte
	if sepText != "" {
		sep = sepText[0]
	}

	wireName, err := readAstring(s.tk)
	if err != nil {
		return err
	}

	entry := ListEntry{
		Name:       decodeMailbox(wireName),
		Separator:  sep,
		Attributes: attrs,
		Subscribed: subscribed || lsub,
	}

	s.queueLock.Lock()
	var job *Job
	for _, j := range s.jobs {
		if j.onList != nil && (j.Type == JobList || j.Type == JobManageSubscription) {
			job = j
			break
		}
	}
	s.queueLock.Unlock()

	if job != nil {
		job.onList(entry, lsub)
	} else {
		s.log.Debug().Str("mailbox", entry.Name).Msg("Unclaimed LIST response")
	}
	return nil
}

// untaggedStatus parses * STATUS name (KEY n ...), updating the folder
// handle's server-side counters.
func (s *Server) untaggedStatus() error {
	wireName, err := readAstring(s.tk)
	if err != nil {
		return err
	}
	name := decodeMailbox(wireName)

	if err := expectToken(s.tk, TokenListStart); err != nil {
		return err
	}

	var messages, unseen, uidNext, uidValidity, recent uint32
	var modSeq uint64
	for {
		tok, err := s.tk.NextToken()
		if err != nil {
			return err
		}
		if tok.Type == TokenListEnd {
			break
		}
		if tok.Type != TokenAtom {
			return protocolErrorf("expected STATUS item name, got %s", tok)
		}
		key := strings.ToUpper(string(tok.Value))
		value, err := readNumber64(s.tk)
		if err != nil {
			return err
		}
		switch key {
		case "MESSAGES":
			messages = uint32(value)
		case "UNSEEN":
			unseen = uint32(value)
		case "UIDNEXT":
			uidNext = uint32(value)
		case "UIDVALIDITY":
			uidValidity = uint32(value)
		case "RECENT":
			recent = uint32(value)
		case "HIGHESTMODSEQ":
			modSeq = value
		}
	}

	s.queueLock.Lock()
	folder := s.folders[name]
	s.queueLock.Unlock()
	if folder == nil {
		s.log.Debug().Str("folder", name).Msg("STATUS for unregistered folder")
		return nil
	}

	folder.mu.Lock()
	folder.ExistsOnServer = messages
	folder.UnreadOnServer = unseen
	folder.RecentOnServer = recent
	if uidNext != 0 {
		folder.UIDNextOnServer = uidNext
	}
	if uidValidity != 0 {
		folder.UIDValidityOnServer = uidValidity
	}
	if modSeq != 0 {
		folder.ModSeqOnServer = modSeq
	}
	folder.mu.Unlock()

	s.log.Debug().
		Str("folder", name).
		Uint32("messages", messages).
		Uint32("unseen", unseen).
		Msg("STATUS")
	return nil
}

// untaggedNamespace parses the three NAMESPACE lists.
func (s *Server) untaggedNamespace() error {
	ns := &Namespaces{}
	for _, dst := range []*[]NamespaceEntry{&ns.Personal, &ns.Other, &ns.Shared} {
		entries, err := s.readNamespaceList()
		if err != nil {
			return err
		}
		*dst = entries
	}
	s.queueLock.Lock()
	s.namespaces = ns
	s.queueLock.Unlock()
	return nil
}

// readNamespaceList parses NIL or ((prefix sep [ext]) ...).
func (s *Server) readNamespaceList() ([]NamespaceEntry, error) {
	tok, err := s.tk.NextToken()
	if err != nil {
		return nil, err
	}
	if tok.Type == TokenAtom && tok.IsNIL() {
		return nil, nil
	}
	if tok.Type != TokenListStart {
		return nil, protocolErrorf("expected namespace list, got %s", tok)
	}
	var out []NamespaceEntry
	for {
		tok, err = s.tk.NextToken()
		if err != nil {
			return nil, err
		}
		if tok.Type == TokenListEnd {
			return out, nil
		}
		if tok.Type != TokenListStart {
			return nil, protocolErrorf("expected namespace entry, got %s", tok)
		}
		prefix, err := readNstring(s.tk)
		if err != nil {
			return nil, err
		}
		sepText, err := readNstring(s.tk)
		if err != nil {
			return nil, err
		}
		var sep byte
		if sepText != "" {
			sep = sepText[0]
		}
		// Extension data inside the entry is consumed and discarded.
		if err := skipNested(s.tk); err != nil {
			return nil, err
		}
		out = append(out, NamespaceEntry{Prefix: decodeMailbox(prefix), Separator: sep})
	}
}
