package imap

import (
	"strconv"
	"strings"
)

// UIDRange is an inclusive UID interval.
type UIDRange struct {
	First uint32
	Last  uint32
}

// UIDSetBuilder packs sorted UIDs into the IMAP uid-set form:
// comma-separated singletons and start:end ranges, e.g. "1:3,5,9:12".
// Limits bound how much one flush may carry so bulk commands stay
// within reasonable line lengths.
type UIDSetBuilder struct {
	// EntryLimit caps the number of set entries per flush; UIDLimit caps
	// the total number of UIDs. Zero means unlimited.
	EntryLimit int
	UIDLimit   int

	buf     strings.Builder
	entries int
	uids    int
	start   uint32
	last    uint32
}

// Add appends a UID, which must be strictly greater than the previous
// one. It reports true when a limit was reached and the caller should
// take the packed set with String and continue with a fresh builder.
func (b *UIDSetBuilder) Add(uid uint32) bool {
	b.uids++
	if b.start == 0 {
		b.start = uid
		b.last = uid
	} else if uid == b.last+1 {
		b.last = uid
	} else {
		b.flushRange()
		b.start = uid
		b.last = uid
	}

	full := (b.EntryLimit > 0 && b.entries+1 >= b.EntryLimit) ||
		(b.UIDLimit > 0 && b.uids >= b.UIDLimit)
	return full
}

func (b *UIDSetBuilder) flushRange() {
	if b.start == 0 {
		return
	}
	if b.entries > 0 {
		b.buf.WriteByte(',')
	}
	b.buf.WriteString(strconv.FormatUint(uint64(b.start), 10))
	if b.last != b.start {
		b.buf.WriteByte(':')
		b.buf.WriteString(strconv.FormatUint(uint64(b.last), 10))
	}
	b.entries++
	b.start = 0
	b.last = 0
}

// Empty reports whether no UIDs have been added since the last reset.
func (b *UIDSetBuilder) Empty() bool {
	return b.start == 0 && b.buf.Len() == 0
}

// String flushes the pending range and returns the packed set, then
// resets the builder for reuse.
func (b *UIDSetBuilder) String() string {
	b.flushRange()
	s := b.buf.String()
	b.buf.Reset()
	b.entries = 0
	b.uids = 0
	return s
}

// PackUIDs is the one-shot form: the whole sorted list as a single set.
func PackUIDs(uids []uint32) string {
	var b UIDSetBuilder
	for _, uid := range uids {
		b.Add(uid)
	}
	return b.String()
}

// ParseUIDSet parses a wire uid-set ("1,3:5,8") into ranges. A '*'
// endpoint is represented as Last == 0 paired with First holding the
// known endpoint, mirroring how sequence sets treat the wildcard.
func ParseUIDSet(s string) ([]UIDRange, error) {
	if s == "" {
		return nil, protocolErrorf("empty uid set")
	}
	var out []UIDRange
	for _, part := range strings.Split(s, ",") {
		first, rest, isRange := strings.Cut(part, ":")
		r := UIDRange{}
		v, err := parseUIDNumber(first)
		if err != nil {
			return nil, err
		}
		r.First = v
		r.Last = v
		if isRange {
			v, err = parseUIDNumber(rest)
			if err != nil {
				return nil, err
			}
			r.Last = v
			if r.Last != 0 && r.Last < r.First {
				r.First, r.Last = r.Last, r.First
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func parseUIDNumber(s string) (uint32, error) {
	if s == "*" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, protocolErrorf("bad uid %q", s)
	}
	return uint32(v), nil
}

// CountUIDs reports the total number of UIDs covered by ranges.
// Wildcard ranges count as one.
func CountUIDs(ranges []UIDRange) uint32 {
	var n uint32
	for _, r := range ranges {
		if r.Last == 0 || r.Last < r.First {
			n++
			continue
		}
		n += r.Last - r.First + 1
	}
	return n
}

// EachUID calls fn for every UID covered by ranges, in order.
// Wildcard ranges invoke fn once with the known endpoint.
func EachUID(ranges []UIDRange, fn func(uid uint32)) {
	for _, r := range ranges {
		if r.Last == 0 || r.Last < r.First {
			fn(r.First)
			continue
		}
		for uid := r.First; uid <= r.Last; uid++ {
			fn(uid)
			if uid == r.Last {
				break // guard uint32 wrap at MaxUint32
			}
		}
	}
}

// ExpandUIDs flattens ranges into the covered UID list.
func ExpandUIDs(ranges []UIDRange) []uint32 {
	out := make([]uint32, 0, CountUIDs(ranges))
	EachUID(ranges, func(uid uint32) { out = append(out, uid) })
	return out
}
