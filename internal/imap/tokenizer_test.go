package imap

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"
)

// rwc adapts a reader and writer into the stream's transport
// interface.
type rwc struct {
	io.Reader
	io.Writer
	closed bool
}

func (c *rwc) Close() error {
	c.closed = true
	return nil
}

func newTestStream(input string) *Stream {
	return NewStream(&rwc{Reader: strings.NewReader(input), Writer: io.Discard})
}

func newTestTokenizer(input string) *Tokenizer {
	return NewTokenizer(newTestStream(input))
}

func TestTokenizerBasics(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "tagged ok line",
			input: "A00001 OK SELECT completed\r\n",
			want:  []string{`atom("A00001")`, `atom("OK")`, `atom("SELECT")`, `atom("completed")`, "newline"},
		},
		{
			name:  "untagged exists",
			input: "* 5 EXISTS\r\n",
			want:  []string{"star", "number(5)", `atom("EXISTS")`, "newline"},
		},
		{
			name:  "quoted string with escapes",
			input: `"My \"Drafts\": \\o/"` + "\r\n",
			want:  []string{`string("My \"Drafts\": \\o/")`, "newline"},
		},
		{
			name:  "specials",
			input: "[ ] ( ) + *\r\n",
			want:  []string{"bracket-start", "bracket-end", "list-start", "list-end", "plus", "star", "newline"},
		},
		{
			name:  "flag atoms",
			input: `(\Seen \Flagged \*)` + "\r\n",
			want:  []string{"list-start", `atom("\\Seen")`, `atom("\\Flagged")`, `atom("\\*")`, "list-end", "newline"},
		},
		{
			name:  "response code brackets split atoms",
			input: "[UIDVALIDITY 17]\r\n",
			want:  []string{"bracket-start", `atom("UIDVALIDITY")`, "number(17)", "bracket-end", "newline"},
		},
		{
			name:  "lf only line ending",
			input: "NOOP\n",
			want:  []string{`atom("NOOP")`, "newline"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := newTestTokenizer(tt.input)
			var got []string
			for range tt.want {
				tok, err := tk.NextToken()
				if err != nil {
					t.Fatalf("NextToken: %v (got so far %v)", err, got)
				}
				got = append(got, tok.String())
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("token %d = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestTokenizerLiteral(t *testing.T) {
	tk := newTestTokenizer("{11}\r\nHello world MORE\r\n")

	tok, err := tk.NextToken()
	if err != nil {
		t.Fatalf("NextToken: %v", err)
	}
	if tok.Type != TokenLiteral || tok.Literal != 11 {
		t.Fatalf("got %s, want literal{11}", tok)
	}
	if got := tk.Stream().LiteralRemaining(); got != 11 {
		t.Fatalf("LiteralRemaining = %d, want 11", got)
	}

	// Asking for a token with the literal pending is an internal error.
	if _, err := tk.NextToken(); err == nil {
		t.Fatal("NextToken with pending literal did not fail")
	}

	buf := make([]byte, 11)
	if err := readFullLiteral(tk.Stream(), buf); err != nil {
		t.Fatalf("readFullLiteral: %v", err)
	}
	if string(buf) != "Hello world" {
		t.Fatalf("literal = %q, want %q", buf, "Hello world")
	}

	// Reads never cross the literal boundary.
	tok, err = tk.NextToken()
	if err != nil {
		t.Fatalf("NextToken after literal: %v", err)
	}
	if !tok.IsEq("MORE") {
		t.Fatalf("token after literal = %s, want MORE", tok)
	}
}

func TestTokenizerLiteralPlusHeader(t *testing.T) {
	tk := newTestTokenizer("{5+}\r\nabcde\r\n")
	tok, err := tk.NextToken()
	if err != nil {
		t.Fatalf("NextToken: %v", err)
	}
	if tok.Type != TokenLiteral || tok.Literal != 5 {
		t.Fatalf("got %s, want literal{5}", tok)
	}
}

func TestTokenizerErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"newline in quoted string", "\"broken\r\nstring\""},
		{"bad escape", `"\x"`},
		{"literal overflow", "{99999999999}\r\n"},
		{"empty literal header", "{}\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := newTestTokenizer(tt.input)
			_, err := tk.NextToken()
			if err == nil {
				t.Fatal("expected error")
			}
			if kind, ok := ErrKind(err); !ok || kind != KindProtocol {
				t.Fatalf("error kind = %v, want protocol (%v)", kind, err)
			}
		})
	}
}

func TestTokenizerUnget(t *testing.T) {
	tk := newTestTokenizer("FIRST SECOND\r\n")
	tok, err := tk.NextToken()
	if err != nil {
		t.Fatalf("NextToken: %v", err)
	}
	saved := Token{Type: tok.Type, Value: append([]byte(nil), tok.Value...)}
	tk.Unget(saved)
	again, err := tk.NextToken()
	if err != nil {
		t.Fatalf("NextToken after unget: %v", err)
	}
	if !again.IsEq("FIRST") {
		t.Fatalf("unget token = %s, want FIRST", again)
	}
	next, err := tk.NextToken()
	if err != nil {
		t.Fatalf("NextToken: %v", err)
	}
	if !next.IsEq("SECOND") {
		t.Fatalf("token = %s, want SECOND", next)
	}
}

// TestTokenizerRoundTrip generates token sequences, renders them to
// wire form, and checks the tokenizer yields them back in order.
func TestTokenizerRoundTrip(t *testing.T) {
	type genTok struct {
		wire  string
		check func(t *testing.T, tok Token, stream *Stream)
	}
	atom := func(s string) genTok {
		return genTok{wire: s, check: func(t *testing.T, tok Token, _ *Stream) {
			if tok.Type != TokenAtom || string(tok.Value) != s {
				t.Fatalf("got %s, want atom %q", tok, s)
			}
		}}
	}
	number := func(n uint64) genTok {
		return genTok{wire: fmt.Sprintf("%d", n), check: func(t *testing.T, tok Token, _ *Stream) {
			if tok.Type != TokenNumber || tok.Number != n {
				t.Fatalf("got %s, want number %d", tok, n)
			}
		}}
	}
	quoted := func(s string) genTok {
		escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
		return genTok{wire: `"` + escaped + `"`, check: func(t *testing.T, tok Token, _ *Stream) {
			if tok.Type != TokenString || string(tok.Value) != s {
				t.Fatalf("got %s, want string %q", tok, s)
			}
		}}
	}
	literal := func(s string) genTok {
		return genTok{wire: fmt.Sprintf("{%d}\r\n%s", len(s), s), check: func(t *testing.T, tok Token, stream *Stream) {
			if tok.Type != TokenLiteral || int(tok.Literal) != len(s) {
				t.Fatalf("got %s, want literal{%d}", tok, len(s))
			}
			buf := make([]byte, len(s))
			if err := readFullLiteral(stream, buf); err != nil {
				t.Fatalf("readFullLiteral: %v", err)
			}
			if !bytes.Equal(buf, []byte(s)) {
				t.Fatalf("literal payload = %q, want %q", buf, s)
			}
		}}
	}

	seqs := [][]genTok{
		{atom("FETCH"), number(12), quoted("hello there"), literal("binary\x00payload")},
		{literal(""), atom("X"), literal(strings.Repeat("a", 5000))},
		{quoted(""), quoted(`quotes " and \ slashes`), number(4294967295)},
		{atom("BODY.PEEK"), atom("\\Seen"), number(1), number(2), number(3)},
	}

	for i, seq := range seqs {
		t.Run(fmt.Sprintf("seq%d", i), func(t *testing.T) {
			var wire strings.Builder
			for _, g := range seq {
				wire.WriteString(g.wire)
				wire.WriteByte(' ')
			}
			wire.WriteString("\r\n")

			stream := newTestStream(wire.String())
			tk := NewTokenizer(stream)
			for _, g := range seq {
				tok, err := tk.NextToken()
				if err != nil {
					t.Fatalf("NextToken: %v", err)
				}
				g.check(t, tok, stream)
			}
			end, err := tk.NextToken()
			if err != nil || end.Type != TokenNewline {
				t.Fatalf("trailing token = %v (%v), want newline", end, err)
			}
		})
	}
}
