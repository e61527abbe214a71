package imap

import (
	"strings"
	"testing"
)

func partText(c *Command) string {
	var b strings.Builder
	for _, p := range c.parts {
		b.Write(p.text)
	}
	return b.String()
}

func TestCommandAddString(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"atom safe", "INBOX", "X INBOX"},
		{"needs quoting", "My Folder", `X "My Folder"`},
		{"quote escaping", `say "hi"`, `X "say \"hi\""`},
		{"backslash escaping", `a\b`, `X "a\\b"`},
		{"empty string", "", `X ""`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newCommand("X", 0)
			cmd.addString(tt.value)
			if got := partText(cmd); got != tt.want {
				t.Errorf("text = %q, want %q", got, tt.want)
			}
			if len(cmd.parts) != 1 {
				t.Errorf("parts = %d, want 1", len(cmd.parts))
			}
		})
	}
}

func TestCommandAddStringLiteral(t *testing.T) {
	cmd := newCommand("X", 0)
	value := "line one\r\nline two"
	cmd.addString(value)

	if len(cmd.parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(cmd.parts))
	}
	p := cmd.parts[0]
	if p.kind != partLiteralString {
		t.Fatalf("part kind = %d, want literal string", p.kind)
	}
	// Literal size fidelity: the advertised size equals the payload.
	if int(p.literalSize) != len(value) {
		t.Errorf("literalSize = %d, want %d", p.literalSize, len(value))
	}
	if p.payloadStr != value {
		t.Errorf("payload = %q, want %q", p.payloadStr, value)
	}
}

func TestCommandAddStringEightBit(t *testing.T) {
	cmd := newCommand("X", 0)
	cmd.addString("héllo")
	if cmd.parts[0].kind != partLiteralString {
		t.Error("8-bit string did not become a literal")
	}
}

func TestCommandAddFolder(t *testing.T) {
	tests := []struct {
		folder string
		want   string
	}{
		{"INBOX", `SELECT "INBOX"`},
		{"inbox", `SELECT "INBOX"`}, // canonicalized
		{"Entwürfe", `SELECT "Entw&APw-rfe"`},
		{"My Folder", `SELECT "My Folder"`},
	}
	for _, tt := range tests {
		cmd := newCommand("SELECT", 0)
		cmd.addFolder(tt.folder)
		if got := partText(cmd); got != tt.want {
			t.Errorf("addFolder(%q) = %q, want %q", tt.folder, got, tt.want)
		}
	}
}

func TestCommandAddFlags(t *testing.T) {
	cmd := newCommand("STORE", 0)
	cmd.addAtom("1:3,5")
	cmd.addAtom("+FLAGS.SILENT")
	cmd.addFlags(FlagSeen, nil)
	want := `STORE 1:3,5 +FLAGS.SILENT (\Seen)`
	if got := partText(cmd); got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
}

func TestCommandAddNumber(t *testing.T) {
	cmd := newCommand("UID FETCH", 0)
	cmd.addNumber(41)
	cmd.addText(" (BODY.PEEK[])")
	want := "UID FETCH 41 (BODY.PEEK[])"
	if got := partText(cmd); got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
}

func TestFormatTag(t *testing.T) {
	tests := []struct {
		prefix byte
		n      uint16
		want   string
	}{
		{'A', 1, "A00001"},
		{'B', 42, "B00042"},
		{'Z', 65535, "Z65535"},
	}
	for _, tt := range tests {
		if got := formatTag(tt.prefix, tt.n); got != tt.want {
			t.Errorf("formatTag(%c, %d) = %q, want %q", tt.prefix, tt.n, got, tt.want)
		}
	}
}

func TestStringSafety(t *testing.T) {
	tests := []struct {
		value string
		want  stringForm
	}{
		{"ATOM123", formAtom},
		{"with space", formQuoted},
		{"", formQuoted},
		{"star*mark", formQuoted},
		{"tab\there", formLiteral},
		{"newline\n", formLiteral},
		{"ünïcode", formLiteral},
	}
	for _, tt := range tests {
		if got := stringSafety(tt.value); got != tt.want {
			t.Errorf("stringSafety(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}
