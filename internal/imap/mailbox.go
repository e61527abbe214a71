package imap

import (
	"strings"

	"github.com/skylarkmail/skylark/internal/imap/utf7"
)

// encodeMailbox converts a UTF-8 mailbox name to its wire form.
// INBOX is case-insensitive per RFC 3501 and always canonicalized.
func encodeMailbox(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	return utf7.Encode(name)
}

// decodeMailbox converts a wire mailbox name to UTF-8. Undecodable
// names pass through unchanged: a mangled name beats a lost folder.
func decodeMailbox(wire string) string {
	if strings.EqualFold(wire, "INBOX") {
		return "INBOX"
	}
	decoded, err := utf7.Decode(wire)
	if err != nil {
		return wire
	}
	return decoded
}

// ListEntry is one LIST or LSUB response line.
type ListEntry struct {
	Name       string
	Separator  byte
	Attributes []string
	Subscribed bool
}

// NamespaceEntry is one prefix/separator pair from a NAMESPACE
// response.
type NamespaceEntry struct {
	Prefix    string
	Separator byte
}

// Namespaces is the parsed NAMESPACE response: personal, other users'
// and shared namespaces.
type Namespaces struct {
	Personal []NamespaceEntry
	Other    []NamespaceEntry
	Shared   []NamespaceEntry
}
