package imap

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/emersion/go-sasl"
)

// partKind discriminates what follows an inline chunk of command text.
type partKind int

const (
	// partInline is plain text written verbatim.
	partInline partKind = iota
	// partLiteralString / partLiteralFile / partLiteralReader deliver a
	// payload after a '+' continuation (or immediately with LITERAL+).
	partLiteralString
	partLiteralFile
	partLiteralReader
	// partAuth drives a SASL challenge/response exchange: each '+'
	// continuation carries a base64 challenge and expects a base64
	// response.
	partAuth
)

// commandPart is one chunk of a command: literal text plus an optional
// continuation payload. For literal payloads the octet size is computed
// when the part is sealed, so the {n} header is always exact.
type commandPart struct {
	kind partKind
	text []byte

	literalSize uint32
	payloadStr  string
	payloadPath string
	payloadSrc  LiteralSource

	sasl        sasl.Client
	saslStarted bool

	// Write-side progress markers, owned by the queue-lock holder.
	textSent   bool
	headerSent bool
}

// LiteralSource supplies a literal payload of known size. The size must
// be exact: it becomes the {n} octet count on the wire.
type LiteralSource interface {
	Len() uint32
	WriteTo(w interface{ Write([]byte) (int, error) }) error
}

// Command is one IMAP command: a tag, an ordered list of parts and a
// completion callback. Commands are built by a Job, enqueued on a
// Server, advanced through their parts as continuations arrive, and
// completed when the tagged status line is parsed.
type Command struct {
	// Name is the command verb, for diagnostics only.
	Name string

	// SelectFolder is the command's folder affinity: it may only run
	// while this folder is selected. Empty means folder-agnostic.
	SelectFolder string

	// Priority orders the pending queue; higher runs earlier.
	Priority int

	tag   string
	parts []*commandPart
	cur   int
	job   *Job

	// Status is the parsed tagged completion; Err is a local failure
	// (cancellation, transport) that preempted completion.
	Status *StatusInfo
	Err    error

	complete func(*Command)
	closed   bool
}

// newCommand starts building a command. The first inline part is
// seeded with the verb.
func newCommand(name string, pri int) *Command {
	c := &Command{
		Name:     name,
		Priority: pri,
		parts:    []*commandPart{{kind: partInline}},
	}
	c.addText(name)
	return c
}

func (c *Command) lastPart() *commandPart { return c.parts[len(c.parts)-1] }

// addText appends verbatim text to the current inline run.
func (c *Command) addText(s string) *Command {
	p := c.lastPart()
	p.text = append(p.text, s...)
	return c
}

// addAtom appends a space then the raw token.
func (c *Command) addAtom(s string) *Command {
	return c.addText(" " + s)
}

// addNumber appends a space then the decimal form of n.
func (c *Command) addNumber(n uint64) *Command {
	return c.addText(" " + strconv.FormatUint(n, 10))
}

type stringForm int

const (
	formAtom stringForm = iota
	formQuoted
	formLiteral
)

// stringSafety classifies how a string value must travel on the wire:
// bare atom, quoted string, or literal.
func stringSafety(s string) stringForm {
	if s == "" {
		return formQuoted
	}
	form := formAtom
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b < 0x20 || b >= 0x7f {
			return formLiteral
		}
		switch b {
		case ' ', '(', ')', '{', '%', '*', '"', '\\', '[', ']':
			form = formQuoted
		}
	}
	return form
}

// addString appends a string value: as a bare atom when safe, as a
// quoted string when printable, otherwise as a literal.
func (c *Command) addString(s string) *Command {
	switch stringSafety(s) {
	case formAtom:
		return c.addAtom(s)
	case formQuoted:
		quoted := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
		return c.addText(` "` + quoted + `"`)
	default:
		return c.addLiteralString(s)
	}
}

// addFolder appends a mailbox name: UTF-7 encoded, always at least
// quoted so servers never see a bare-atom mailbox. INBOX is
// canonicalized case-insensitively.
func (c *Command) addFolder(name string) *Command {
	encoded := encodeMailbox(name)
	if stringSafety(encoded) == formLiteral {
		return c.addLiteralString(encoded)
	}
	quoted := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(encoded)
	return c.addText(` "` + quoted + `"`)
}

// addFlags appends a parenthesized flag list.
func (c *Command) addFlags(flags Flags, userFlags map[string]bool) *Command {
	p := c.lastPart()
	p.text = append(p.text, ' ')
	p.text = appendFlagList(p.text, flags, userFlags)
	return c
}

// sealPart closes the current inline run with a continuation payload
// and opens the next part. Literal payloads are always preceded by a
// space on the wire.
func (c *Command) sealPart(kind partKind, seal func(*commandPart)) *Command {
	p := c.lastPart()
	if kind != partAuth {
		p.text = append(p.text, ' ')
	}
	p.kind = kind
	seal(p)
	c.parts = append(c.parts, &commandPart{kind: partInline})
	return c
}

// addLiteralString appends s as a literal payload.
func (c *Command) addLiteralString(s string) *Command {
	return c.sealPart(partLiteralString, func(p *commandPart) {
		p.payloadStr = s
		p.literalSize = uint32(len(s))
	})
}

// addLiteralFile appends the contents of path as a literal payload.
// The size is taken from the file now; the file must not change before
// the command is written.
func (c *Command) addLiteralFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("literal source: %w", err)
	}
	c.sealPart(partLiteralFile, func(p *commandPart) {
		p.payloadPath = path
		p.literalSize = uint32(fi.Size())
	})
	return nil
}

// addLiteralSource appends a LiteralSource payload.
func (c *Command) addLiteralSource(src LiteralSource) *Command {
	return c.sealPart(partLiteralReader, func(p *commandPart) {
		p.payloadSrc = src
		p.literalSize = src.Len()
	})
}

// addAuth appends a SASL exchange: the mechanism name is inlined and
// each continuation is answered from the client.
func (c *Command) addAuth(mechanism string, client sasl.Client) *Command {
	c.addAtom(mechanism)
	return c.sealPart(partAuth, func(p *commandPart) {
		p.sasl = client
	})
}

// close finishes building: no more parts may be added.
func (c *Command) close() {
	c.closed = true
}

// Tag returns the wire tag, assigned when the command is enqueued.
func (c *Command) Tag() string { return c.tag }

// formatTag renders the wire tag: a letter prefix and a 5-digit
// zero-padded counter.
func formatTag(prefix byte, n uint16) string {
	return fmt.Sprintf("%c%05d", prefix, n)
}
