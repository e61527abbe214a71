package imap

import (
	"sort"
	"strings"
)

// Flags is the system-flag word for a message or a mailbox's
// PERMANENTFLAGS. Flags the server does not reserve travel separately
// as user flags.
type Flags uint32

const (
	FlagAnswered Flags = 1 << iota
	FlagDeleted
	FlagDraft
	FlagFlagged
	FlagSeen
	FlagRecent
	FlagJunk
	FlagNotJunk
	// FlagsWildcard is the \* marker inside PERMANENTFLAGS: clients may
	// create new keywords.
	FlagsWildcard

	// FlagsServerSet are the flags the server owns; \Recent can never be
	// stored by a client.
	FlagsServerSet = FlagRecent
)

var systemFlagNames = []struct {
	name string
	flag Flags
}{
	{`\ANSWERED`, FlagAnswered},
	{`\DELETED`, FlagDeleted},
	{`\DRAFT`, FlagDraft},
	{`\FLAGGED`, FlagFlagged},
	{`\SEEN`, FlagSeen},
	{`\RECENT`, FlagRecent},
	{`JUNK`, FlagJunk},
	{`NOTJUNK`, FlagNotJunk},
	{`\*`, FlagsWildcard},
}

// wireFlagNames is the canonical spelling used when emitting flags.
var wireFlagNames = map[Flags]string{
	FlagAnswered:  `\Answered`,
	FlagDeleted:   `\Deleted`,
	FlagDraft:     `\Draft`,
	FlagFlagged:   `\Flagged`,
	FlagSeen:      `\Seen`,
	FlagRecent:    `\Recent`,
	FlagJunk:      `Junk`,
	FlagNotJunk:   `NotJunk`,
	FlagsWildcard: `\*`,
}

// Label keywords are stored on the server as the reserved names
// $Label1..$Label5 and shown to the rest of the system under readable
// names. The translation happens at the wire boundary, both directions.
var labelToServer = map[string]string{
	"$Labelimportant": "$Label1",
	"$Labelwork":      "$Label2",
	"$Labelpersonal":  "$Label3",
	"$Labeltodo":      "$Label4",
	"$Labellater":     "$Label5",
}

var labelFromServer = map[string]string{
	"$Label1": "$Labelimportant",
	"$Label2": "$Labelwork",
	"$Label3": "$Labelpersonal",
	"$Label4": "$Labeltodo",
	"$Label5": "$Labellater",
}

// parseFlagName resolves one flag atom. Recognized names set a bit in
// the system word; anything else survives as a user flag, with server
// label names translated to their readable form.
func parseFlagName(name string) (Flags, string) {
	upper := strings.ToUpper(name)
	for _, sf := range systemFlagNames {
		if sf.name == upper {
			return sf.flag, ""
		}
	}
	if readable, ok := labelFromServer[name]; ok {
		return 0, readable
	}
	return 0, name
}

// readFlagList consumes a parenthesized flag list from the tokenizer.
// The opening paren must not have been consumed yet. It returns the
// system-flag word plus the set of user flags.
func readFlagList(tk *Tokenizer) (Flags, map[string]bool, error) {
	tok, err := tk.NextToken()
	if err != nil {
		return 0, nil, err
	}
	if tok.Type != TokenListStart {
		return 0, nil, protocolErrorf("expected flag list, got %s", tok)
	}

	var flags Flags
	var userFlags map[string]bool
	for {
		tok, err = tk.NextToken()
		if err != nil {
			return 0, nil, err
		}
		switch tok.Type {
		case TokenListEnd:
			return flags, userFlags, nil
		case TokenAtom, TokenString, TokenNumber:
			f, user := parseFlagName(string(tok.Value))
			flags |= f
			if user != "" {
				if userFlags == nil {
					userFlags = make(map[string]bool)
				}
				userFlags[user] = true
			}
		default:
			return 0, nil, protocolErrorf("unexpected token %s in flag list", tok)
		}
	}
}

// appendFlagList formats a flag word plus user flags as a
// parenthesized wire list: (\Flagged \Seen $Label1). User flags are
// emitted sorted so output is deterministic; readable label names are
// translated back to their server form.
func appendFlagList(dst []byte, flags Flags, userFlags map[string]bool) []byte {
	dst = append(dst, '(')
	first := true
	for _, sf := range systemFlagNames {
		if flags&sf.flag == 0 || sf.flag == FlagsWildcard {
			continue
		}
		if !first {
			dst = append(dst, ' ')
		}
		dst = append(dst, wireFlagNames[sf.flag]...)
		first = false
	}
	if len(userFlags) > 0 {
		names := make([]string, 0, len(userFlags))
		for name := range userFlags {
			if server, ok := labelToServer[name]; ok {
				name = server
			}
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if !first {
				dst = append(dst, ' ')
			}
			dst = append(dst, name...)
			first = false
		}
	}
	return append(dst, ')')
}

// FlagNames renders a flag word for logs.
func FlagNames(flags Flags) []string {
	var names []string
	for _, sf := range systemFlagNames {
		if flags&sf.flag != 0 {
			names = append(names, wireFlagNames[sf.flag])
		}
	}
	return names
}
