package imap

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// StatusResult is the result class of a status response.
type StatusResult int

const (
	StatusOK StatusResult = iota
	StatusNo
	StatusBad
	StatusPreauth
	StatusBye
)

func (r StatusResult) String() string {
	switch r {
	case StatusOK:
		return "OK"
	case StatusNo:
		return "NO"
	case StatusBad:
		return "BAD"
	case StatusPreauth:
		return "PREAUTH"
	case StatusBye:
		return "BYE"
	default:
		return fmt.Sprintf("StatusResult(%d)", int(r))
	}
}

// RespCode identifies the bracketed response code of a status
// response, when present.
type RespCode int

const (
	CodeNone RespCode = iota
	CodeAlert
	CodeParse
	CodeNewName
	CodePermanentFlags
	CodeReadOnly
	CodeReadWrite
	CodeTryCreate
	CodeUIDValidity
	CodeUIDNext
	CodeUnseen
	CodeHighestModSeq
	CodeNoModSeq
	CodeAppendUID
	CodeCopyUID
	CodeCapability
	CodeClosed

	// RFC 5530 codes
	CodeUnavailable
	CodeAuthenticationFailed
	CodeAuthorizationFailed
	CodeExpired
	CodePrivacyRequired
	CodeContactAdmin
	CodeNoPerm
	CodeInUse
	CodeExpungeIssued
	CodeCorruption
	CodeServerBug
	CodeClientBug
	CodeCannot
	CodeLimit
	CodeOverQuota
	CodeAlreadyExists
	CodeNonExistent
)

var respCodeNames = map[string]RespCode{
	"ALERT":                CodeAlert,
	"PARSE":                CodeParse,
	"NEWNAME":              CodeNewName,
	"PERMANENTFLAGS":       CodePermanentFlags,
	"READ-ONLY":            CodeReadOnly,
	"READ-WRITE":           CodeReadWrite,
	"TRYCREATE":            CodeTryCreate,
	"UIDVALIDITY":          CodeUIDValidity,
	"UIDNEXT":              CodeUIDNext,
	"UNSEEN":               CodeUnseen,
	"HIGHESTMODSEQ":        CodeHighestModSeq,
	"NOMODSEQ":             CodeNoModSeq,
	"APPENDUID":            CodeAppendUID,
	"COPYUID":              CodeCopyUID,
	"CAPABILITY":           CodeCapability,
	"CLOSED":               CodeClosed,
	"UNAVAILABLE":          CodeUnavailable,
	"AUTHENTICATIONFAILED": CodeAuthenticationFailed,
	"AUTHORIZATIONFAILED":  CodeAuthorizationFailed,
	"EXPIRED":              CodeExpired,
	"PRIVACYREQUIRED":      CodePrivacyRequired,
	"CONTACTADMIN":         CodeContactAdmin,
	"NOPERM":               CodeNoPerm,
	"INUSE":                CodeInUse,
	"EXPUNGEISSUED":        CodeExpungeIssued,
	"CORRUPTION":           CodeCorruption,
	"SERVERBUG":            CodeServerBug,
	"CLIENTBUG":            CodeClientBug,
	"CANNOT":               CodeCannot,
	"LIMIT":                CodeLimit,
	"OVERQUOTA":            CodeOverQuota,
	"ALREADYEXISTS":        CodeAlreadyExists,
	"NONEXISTENT":          CodeNonExistent,
}

// AppendUIDInfo is the payload of an APPENDUID response code.
type AppendUIDInfo struct {
	UIDValidity uint32
	UID         uint32
}

// CopyUIDInfo is the payload of a COPYUID response code.
type CopyUIDInfo struct {
	UIDValidity uint32
	Source      []UIDRange
	Dest        []UIDRange
}

// StatusInfo is one parsed status response: result class, optional
// response code with its typed payload, and the free text.
type StatusInfo struct {
	Result StatusResult
	Code   RespCode
	Text   string

	// Code payloads; which field is meaningful depends on Code.
	UIDValidity        uint32
	UIDNext            uint32
	Unseen             uint32
	HighestModSeq      uint64
	PermanentFlags     Flags
	PermanentUserFlags map[string]bool
	AppendUID          AppendUIDInfo
	CopyUID            CopyUIDInfo
	Capabilities       *CapabilitySet
	NewNameOld         string
	NewNameNew         string
}

// Err converts a NO/BAD status into an engine error, nil otherwise.
func (st *StatusInfo) Err() error {
	if st == nil {
		return nil
	}
	switch st.Result {
	case StatusNo, StatusBad:
		if st.Code == CodeAuthenticationFailed || st.Code == CodeAuthorizationFailed {
			return &Error{Kind: KindAuthentication, StatusText: st.Text, msg: st.Text}
		}
		return serverError(st)
	default:
		return nil
	}
}

// parseStatusResult maps the head atom of a status response.
func parseStatusResult(name string) (StatusResult, bool) {
	switch strings.ToUpper(name) {
	case "OK":
		return StatusOK, true
	case "NO":
		return StatusNo, true
	case "BAD":
		return StatusBad, true
	case "PREAUTH":
		return StatusPreauth, true
	case "BYE":
		return StatusBye, true
	}
	return 0, false
}

// parseStatus parses everything after the OK/NO/BAD/PREAUTH/BYE atom:
// an optional [response-code payload] then human text, through the end
// of the line.
func parseStatus(tk *Tokenizer, result StatusResult, log zerolog.Logger) (*StatusInfo, error) {
	st := &StatusInfo{Result: result}

	tok, err := tk.NextToken()
	if err != nil {
		return nil, err
	}
	if tok.Type == TokenNewline {
		return st, nil
	}
	if tok.Type != TokenBracketStart {
		tk.Unget(tok)
		return st, readStatusText(tk, st)
	}

	tok, err = tk.NextToken()
	if err != nil {
		return nil, err
	}
	if tok.Type != TokenAtom {
		return nil, protocolErrorf("expected response code atom, got %s", tok)
	}
	code, known := respCodeNames[strings.ToUpper(string(tok.Value))]
	if !known {
		log.Debug().Str("code", string(tok.Value)).Msg("Skipping unknown response code")
		if err := skipToBracketEnd(tk); err != nil {
			return nil, err
		}
		return st, readStatusText(tk, st)
	}
	st.Code = code

	if err := parseRespCodePayload(tk, st); err != nil {
		return nil, err
	}

	// Consume through the closing bracket; known payload parsers stop
	// before it, and some codes carry trailing words we ignore.
	if err := skipToBracketEnd(tk); err != nil {
		return nil, err
	}
	return st, readStatusText(tk, st)
}

func parseRespCodePayload(tk *Tokenizer, st *StatusInfo) error {
	var err error
	switch st.Code {
	case CodeUIDValidity:
		st.UIDValidity, err = readNumber32(tk)
	case CodeUIDNext:
		st.UIDNext, err = readNumber32(tk)
	case CodeUnseen:
		st.Unseen, err = readNumber32(tk)
	case CodeHighestModSeq:
		st.HighestModSeq, err = readNumber64(tk)
	case CodePermanentFlags:
		st.PermanentFlags, st.PermanentUserFlags, err = readFlagList(tk)
	case CodeAppendUID:
		if st.AppendUID.UIDValidity, err = readNumber32(tk); err != nil {
			return err
		}
		st.AppendUID.UID, err = readNumber32(tk)
	case CodeCopyUID:
		if st.CopyUID.UIDValidity, err = readNumber32(tk); err != nil {
			return err
		}
		var src, dst string
		if src, err = readAtomText(tk); err != nil {
			return err
		}
		if dst, err = readAtomText(tk); err != nil {
			return err
		}
		if st.CopyUID.Source, err = ParseUIDSet(src); err != nil {
			return err
		}
		st.CopyUID.Dest, err = ParseUIDSet(dst)
	case CodeCapability:
		var caps CapabilitySet
		if caps, err = readCapabilities(tk); err != nil {
			return err
		}
		st.Capabilities = &caps
	case CodeNewName:
		if st.NewNameOld, err = readAstring(tk); err != nil {
			return err
		}
		st.NewNameNew, err = readAstring(tk)
	}
	return err
}

// readStatusText reads the remaining human-readable text of the line,
// including the terminating newline.
func readStatusText(tk *Tokenizer, st *StatusInfo) error {
	var text []byte
	for {
		tok, err := tk.NextToken()
		if err != nil {
			return err
		}
		if tok.Type == TokenNewline {
			st.Text = string(text)
			return nil
		}
		if len(text) > 0 {
			text = append(text, ' ')
		}
		switch tok.Type {
		case TokenAtom, TokenString, TokenNumber:
			text = append(text, tok.Value...)
		case TokenListStart:
			text = append(text, '(')
		case TokenListEnd:
			text = append(text, ')')
		case TokenBracketStart:
			text = append(text, '[')
		case TokenBracketEnd:
			text = append(text, ']')
		case TokenPlus:
			text = append(text, '+')
		case TokenStar:
			text = append(text, '*')
		case TokenLiteral:
			if err := tk.Stream().DrainLiteral(); err != nil {
				return err
			}
		}
	}
}

func skipToBracketEnd(tk *Tokenizer) error {
	for {
		tok, err := tk.NextToken()
		if err != nil {
			return err
		}
		switch tok.Type {
		case TokenBracketEnd:
			return nil
		case TokenNewline:
			tk.Unget(tok)
			return nil
		}
	}
}

// readNumber32 expects a uint32 number token.
func readNumber32(tk *Tokenizer) (uint32, error) {
	tok, err := tk.NextToken()
	if err != nil {
		return 0, err
	}
	if tok.Type != TokenNumber || tok.Number > 0xFFFFFFFF {
		return 0, protocolErrorf("expected 32-bit number, got %s", tok)
	}
	return uint32(tok.Number), nil
}

// readNumber64 expects a uint64 number token.
func readNumber64(tk *Tokenizer) (uint64, error) {
	tok, err := tk.NextToken()
	if err != nil {
		return 0, err
	}
	if tok.Type != TokenNumber {
		return 0, protocolErrorf("expected number, got %s", tok)
	}
	return tok.Number, nil
}

// readAtomText expects an atom or number token and returns its text.
func readAtomText(tk *Tokenizer) (string, error) {
	tok, err := tk.NextToken()
	if err != nil {
		return "", err
	}
	if tok.Type != TokenAtom && tok.Type != TokenNumber {
		return "", protocolErrorf("expected atom, got %s", tok)
	}
	return string(tok.Value), nil
}

// readAstring expects an atom, quoted string or literal and returns
// the value. Literals are drained into memory.
func readAstring(tk *Tokenizer) (string, error) {
	tok, err := tk.NextToken()
	if err != nil {
		return "", err
	}
	switch tok.Type {
	case TokenAtom, TokenString, TokenNumber:
		return string(tok.Value), nil
	case TokenLiteral:
		buf := make([]byte, tok.Literal)
		if err := readFullLiteral(tk.Stream(), buf); err != nil {
			return "", err
		}
		return string(buf), nil
	default:
		return "", protocolErrorf("expected string, got %s", tok)
	}
}

// readFullLiteral drains exactly len(buf) literal bytes from the
// stream.
func readFullLiteral(s *Stream, buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := s.Read(buf[off:])
		if err != nil {
			return err
		}
		if n == 0 {
			return &Error{Kind: KindTransport, msg: "short literal"}
		}
		off += n
	}
	return nil
}
