package imap

import (
	"reflect"
	"testing"
)

func TestReadFlagList(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantFlags Flags
		wantUser  map[string]bool
	}{
		{
			name:      "system flags",
			input:     `(\Seen \Answered \Flagged)` + "\r\n",
			wantFlags: FlagSeen | FlagAnswered | FlagFlagged,
		},
		{
			name:      "case folding",
			input:     `(\seen \DELETED junk)` + "\r\n",
			wantFlags: FlagSeen | FlagDeleted | FlagJunk,
		},
		{
			name:      "wildcard in permanentflags",
			input:     `(\Deleted \Seen \*)` + "\r\n",
			wantFlags: FlagDeleted | FlagSeen | FlagsWildcard,
		},
		{
			name:     "user flags survive verbatim",
			input:    `($Forwarded MyKeyword)` + "\r\n",
			wantUser: map[string]bool{"$Forwarded": true, "MyKeyword": true},
		},
		{
			name:     "server labels translate to readable names",
			input:    `($Label1 $Label4)` + "\r\n",
			wantUser: map[string]bool{"$Labelimportant": true, "$Labeltodo": true},
		},
		{
			name:  "empty list",
			input: "()\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := newTestTokenizer(tt.input)
			flags, user, err := readFlagList(tk)
			if err != nil {
				t.Fatalf("readFlagList: %v", err)
			}
			if flags != tt.wantFlags {
				t.Errorf("flags = %v, want %v", FlagNames(flags), FlagNames(tt.wantFlags))
			}
			if tt.wantUser == nil {
				tt.wantUser = map[string]bool(nil)
			}
			if !reflect.DeepEqual(user, tt.wantUser) {
				t.Errorf("user flags = %v, want %v", user, tt.wantUser)
			}
		})
	}
}

// TestFlagBijection parses a rendered flag list and checks the result
// matches the input: identity on the recognized subset, user flags
// preserved.
func TestFlagBijection(t *testing.T) {
	tests := []struct {
		flags Flags
		user  map[string]bool
	}{
		{FlagSeen, nil},
		{FlagSeen | FlagDeleted | FlagDraft | FlagFlagged | FlagAnswered, nil},
		{FlagJunk | FlagNotJunk, nil},
		{0, map[string]bool{"$Forwarded": true}},
		{FlagSeen, map[string]bool{"$Labelimportant": true, "custom": true}},
	}
	for _, tt := range tests {
		wire := string(appendFlagList(nil, tt.flags, tt.user))
		tk := newTestTokenizer(wire + "\r\n")
		flags, user, err := readFlagList(tk)
		if err != nil {
			t.Fatalf("readFlagList(%q): %v", wire, err)
		}
		if flags != tt.flags {
			t.Errorf("%q: flags = %v, want %v", wire, FlagNames(flags), FlagNames(tt.flags))
		}
		if len(tt.user) != len(user) {
			t.Errorf("%q: user flags = %v, want %v", wire, user, tt.user)
			continue
		}
		for name := range tt.user {
			if !user[name] {
				t.Errorf("%q: missing user flag %q", wire, name)
			}
		}
	}
}

func TestAppendFlagListLabels(t *testing.T) {
	wire := string(appendFlagList(nil, 0, map[string]bool{"$Labelwork": true}))
	if wire != "($Label2)" {
		t.Errorf("label rendering = %q, want ($Label2)", wire)
	}
}

func TestAppendFlagListOrder(t *testing.T) {
	got := string(appendFlagList(nil, FlagSeen|FlagDeleted, map[string]bool{"b": true, "a": true}))
	want := `(\Deleted \Seen a b)`
	if got != want {
		t.Errorf("flag list = %q, want %q", got, want)
	}
}
