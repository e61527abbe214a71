package imap

import (
	"strings"
	"sync"
)

// Capability flag bits for the extensions the engine knows at build
// time. Further capabilities get bits assigned at runtime through the
// process-wide registry.
const (
	CapIMAP4 uint32 = 1 << iota
	CapIMAP4Rev1
	CapStatus
	CapNamespace
	CapUIDPlus
	CapLiteralPlus
	CapStartTLS
	CapIdle
	CapCondstore
	CapQresync
	CapListExtended
	CapListStatus
	CapQuota
	CapMove
)

var capRegistry = struct {
	sync.Mutex
	names   map[string]uint32
	nextBit uint32
}{
	names: map[string]uint32{
		"IMAP4":         CapIMAP4,
		"IMAP4REV1":     CapIMAP4Rev1,
		"STATUS":        CapStatus,
		"NAMESPACE":     CapNamespace,
		"UIDPLUS":       CapUIDPlus,
		"LITERAL+":      CapLiteralPlus,
		"STARTTLS":      CapStartTLS,
		"IDLE":          CapIdle,
		"CONDSTORE":     CapCondstore,
		"QRESYNC":       CapQresync,
		"LIST-EXTENDED": CapListExtended,
		"LIST-STATUS":   CapListStatus,
		"QUOTA":         CapQuota,
		"MOVE":          CapMove,
	},
	nextBit: CapMove << 1,
}

// RegisterCapability returns the flag bit for a capability name,
// assigning a fresh bit for names seen for the first time. When the
// 32-bit word is exhausted, further unknown capabilities map to zero
// and are not recorded.
func RegisterCapability(name string) uint32 {
	name = strings.ToUpper(name)
	capRegistry.Lock()
	defer capRegistry.Unlock()

	if bit, ok := capRegistry.names[name]; ok {
		return bit
	}
	if capRegistry.nextBit == 0 {
		return 0
	}
	bit := capRegistry.nextBit
	capRegistry.names[name] = bit
	capRegistry.nextBit <<= 1 // wraps to 0 at the u32 ceiling
	return bit
}

// CapabilitySet is the parsed result of a CAPABILITY response: a flag
// word for known extensions plus the SASL mechanisms the server
// advertised through AUTH= tokens.
type CapabilitySet struct {
	Bits      uint32
	AuthTypes map[string]bool
}

// Has reports whether a capability bit is present.
func (c CapabilitySet) Has(bit uint32) bool { return c.Bits&bit != 0 }

// HasAuth reports whether the server advertised a SASL mechanism.
func (c CapabilitySet) HasAuth(mechanism string) bool {
	return c.AuthTypes[strings.ToUpper(mechanism)]
}

// Add records one capability token.
func (c *CapabilitySet) Add(name string) {
	upper := strings.ToUpper(name)
	if after, ok := strings.CutPrefix(upper, "AUTH="); ok {
		if c.AuthTypes == nil {
			c.AuthTypes = make(map[string]bool)
		}
		c.AuthTypes[after] = true
		return
	}
	c.Bits |= RegisterCapability(upper)
}

// Names lists the known capability names present in the set, for logs.
func (c CapabilitySet) Names() []string {
	capRegistry.Lock()
	defer capRegistry.Unlock()

	var names []string
	for name, bit := range capRegistry.names {
		if c.Bits&bit != 0 {
			names = append(names, name)
		}
	}
	return names
}

// readCapabilities consumes capability atoms up to a line or bracket
// boundary, leaving the terminator unconsumed.
func readCapabilities(tk *Tokenizer) (CapabilitySet, error) {
	var caps CapabilitySet
	for {
		tok, err := tk.NextToken()
		if err != nil {
			return caps, err
		}
		switch tok.Type {
		case TokenAtom, TokenNumber, TokenString:
			caps.Add(string(tok.Value))
		case TokenNewline, TokenBracketEnd:
			tk.Unget(tok)
			return caps, nil
		default:
			return caps, protocolErrorf("unexpected token %s in capability list", tok)
		}
	}
}
