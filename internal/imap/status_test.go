package imap

import (
	"reflect"
	"testing"

	"github.com/rs/zerolog"
)

// parseStatusLine feeds everything after the OK/NO/... atom through
// the parser.
func parseStatusLine(t *testing.T, result StatusResult, rest string) *StatusInfo {
	t.Helper()
	tk := newTestTokenizer(rest)
	st, err := parseStatus(tk, result, zerolog.Nop())
	if err != nil {
		t.Fatalf("parseStatus(%q): %v", rest, err)
	}
	return st
}

func TestParseStatusPlain(t *testing.T) {
	st := parseStatusLine(t, StatusOK, " Fetch completed\r\n")
	if st.Result != StatusOK || st.Code != CodeNone {
		t.Errorf("result = %v code = %v", st.Result, st.Code)
	}
	if st.Text != "Fetch completed" {
		t.Errorf("text = %q", st.Text)
	}
}

func TestParseStatusCodes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, st *StatusInfo)
	}{
		{
			name:  "uidvalidity",
			input: "[UIDVALIDITY 17] .\r\n",
			check: func(t *testing.T, st *StatusInfo) {
				if st.Code != CodeUIDValidity || st.UIDValidity != 17 {
					t.Errorf("code=%v uidvalidity=%d", st.Code, st.UIDValidity)
				}
			},
		},
		{
			name:  "uidnext",
			input: "[UIDNEXT 42] .\r\n",
			check: func(t *testing.T, st *StatusInfo) {
				if st.Code != CodeUIDNext || st.UIDNext != 42 {
					t.Errorf("code=%v uidnext=%d", st.Code, st.UIDNext)
				}
			},
		},
		{
			name:  "highestmodseq",
			input: "[HIGHESTMODSEQ 715194045007] ok\r\n",
			check: func(t *testing.T, st *StatusInfo) {
				if st.HighestModSeq != 715194045007 {
					t.Errorf("modseq=%d", st.HighestModSeq)
				}
			},
		},
		{
			name:  "read-write",
			input: "[READ-WRITE] SELECT completed\r\n",
			check: func(t *testing.T, st *StatusInfo) {
				if st.Code != CodeReadWrite {
					t.Errorf("code=%v", st.Code)
				}
				if st.Text != "SELECT completed" {
					t.Errorf("text=%q", st.Text)
				}
			},
		},
		{
			name:  "permanentflags",
			input: `[PERMANENTFLAGS (\Deleted \Seen \*)] Limited` + "\r\n",
			check: func(t *testing.T, st *StatusInfo) {
				want := FlagDeleted | FlagSeen | FlagsWildcard
				if st.PermanentFlags != want {
					t.Errorf("permanentflags=%v", FlagNames(st.PermanentFlags))
				}
			},
		},
		{
			name:  "appenduid",
			input: "[APPENDUID 38505 3955] APPEND completed\r\n",
			check: func(t *testing.T, st *StatusInfo) {
				if st.AppendUID.UIDValidity != 38505 || st.AppendUID.UID != 3955 {
					t.Errorf("appenduid=%+v", st.AppendUID)
				}
			},
		},
		{
			name:  "copyuid",
			input: "[COPYUID 38505 304,319:320 3956:3958] Done\r\n",
			check: func(t *testing.T, st *StatusInfo) {
				if st.CopyUID.UIDValidity != 38505 {
					t.Errorf("uidvalidity=%d", st.CopyUID.UIDValidity)
				}
				wantSrc := []UIDRange{{304, 304}, {319, 320}}
				wantDst := []UIDRange{{3956, 3958}}
				if !reflect.DeepEqual(st.CopyUID.Source, wantSrc) || !reflect.DeepEqual(st.CopyUID.Dest, wantDst) {
					t.Errorf("copyuid=%+v", st.CopyUID)
				}
			},
		},
		{
			name:  "capability",
			input: "[CAPABILITY IMAP4rev1 LITERAL+ IDLE AUTH=PLAIN] ready\r\n",
			check: func(t *testing.T, st *StatusInfo) {
				if st.Capabilities == nil {
					t.Fatal("no capabilities")
				}
				if !st.Capabilities.Has(CapIMAP4Rev1) || !st.Capabilities.Has(CapLiteralPlus) || !st.Capabilities.Has(CapIdle) {
					t.Errorf("capabilities=%v", st.Capabilities.Names())
				}
				if !st.Capabilities.HasAuth("PLAIN") {
					t.Error("AUTH=PLAIN not recorded")
				}
			},
		},
		{
			name:  "rfc5530 authenticationfailed",
			input: "[AUTHENTICATIONFAILED] Invalid credentials\r\n",
			check: func(t *testing.T, st *StatusInfo) {
				if st.Code != CodeAuthenticationFailed {
					t.Errorf("code=%v", st.Code)
				}
			},
		},
		{
			name:  "closed",
			input: "[CLOSED] Previous mailbox closed\r\n",
			check: func(t *testing.T, st *StatusInfo) {
				if st.Code != CodeClosed {
					t.Errorf("code=%v", st.Code)
				}
			},
		},
		{
			name:  "unknown code skipped",
			input: "[FROBNICATE 1 2 3] whatever\r\n",
			check: func(t *testing.T, st *StatusInfo) {
				if st.Code != CodeNone {
					t.Errorf("code=%v, want none", st.Code)
				}
				if st.Text != "whatever" {
					t.Errorf("text=%q", st.Text)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, parseStatusLine(t, StatusOK, tt.input))
		})
	}
}

func TestStatusErr(t *testing.T) {
	ok := parseStatusLine(t, StatusOK, " fine\r\n")
	if ok.Err() != nil {
		t.Errorf("OK gave error %v", ok.Err())
	}

	no := parseStatusLine(t, StatusNo, " Mailbox does not exist\r\n")
	err := no.Err()
	if err == nil {
		t.Fatal("NO gave no error")
	}
	if kind, _ := ErrKind(err); kind != KindServerRejection {
		t.Errorf("kind = %v, want server-rejection", kind)
	}

	authFail := parseStatusLine(t, StatusNo, "[AUTHENTICATIONFAILED] bad password\r\n")
	if kind, _ := ErrKind(authFail.Err()); kind != KindAuthentication {
		t.Errorf("kind = %v, want authentication", kind)
	}
}
