package imap

import (
	"strconv"
	"strings"
)

// FetchFields records which attributes a FETCH response populated.
type FetchFields uint32

const (
	FetchGotUID FetchFields = 1 << iota
	FetchGotFlags
	FetchGotBody
	FetchGotHeader
	FetchGotText
	FetchGotInternalDate
	FetchGotSize
	FetchGotModSeq
	FetchGotStructure
	FetchGotEnvelope
	FetchGotSection
)

// Address is one parsed ENVELOPE address quadruple.
type Address struct {
	Name    string
	Route   string
	Mailbox string
	Host    string
}

// Addr renders the address as mailbox@host.
func (a Address) Addr() string {
	if a.Mailbox == "" {
		return ""
	}
	if a.Host == "" {
		return a.Mailbox
	}
	return a.Mailbox + "@" + a.Host
}

// Envelope is the fixed-shape ENVELOPE structure of RFC 3501.
type Envelope struct {
	Date      string
	Subject   string
	From      []Address
	Sender    []Address
	ReplyTo   []Address
	To        []Address
	Cc        []Address
	Bcc       []Address
	InReplyTo string
	MessageID string
}

// BodyStructure is one node of the recursive BODYSTRUCTURE tree. A
// multipart node has Parts and a Subtype; a leaf carries the single
// part fields. Extension data is consumed off the wire but discarded.
type BodyStructure struct {
	Type        string
	Subtype     string
	Params      map[string]string
	ID          string
	Description string
	Encoding    string
	Size        uint32
	Lines       uint32
	Parts       []*BodyStructure
}

// IsMultipart reports whether the node is a multipart container.
func (bs *BodyStructure) IsMultipart() bool { return len(bs.Parts) > 0 }

// FetchInfo is the parsed content of one FETCH response. Which fields
// are valid is recorded in Got. Body/Header/Text hold the literal
// payload; large bodies arrive in bounded chunks because fetches are
// issued with explicit <offset.length> windows.
type FetchInfo struct {
	Got FetchFields

	UID       uint32
	Flags     Flags
	UserFlags map[string]bool

	Body    []byte
	Offset  uint32
	Section string

	Header []byte
	Text   []byte

	InternalDate string
	Size         uint32
	ModSeq       uint64

	Structure *BodyStructure
	Envelope  *Envelope
}

// parseFetch parses the parenthesized attribute list of a FETCH
// response: ( key value [key value ...] ). The caller has consumed
// everything up to the opening paren.
func parseFetch(tk *Tokenizer) (*FetchInfo, error) {
	tok, err := tk.NextToken()
	if err != nil {
		return nil, err
	}
	if tok.Type != TokenListStart {
		return nil, protocolErrorf("expected FETCH attribute list, got %s", tok)
	}

	info := &FetchInfo{}
	for {
		tok, err = tk.NextToken()
		if err != nil {
			return nil, err
		}
		if tok.Type == TokenListEnd {
			return info, nil
		}
		if tok.Type != TokenAtom {
			return nil, protocolErrorf("expected FETCH attribute name, got %s", tok)
		}
		key := strings.ToUpper(string(tok.Value))
		if err := parseFetchValue(tk, info, key); err != nil {
			return nil, err
		}
	}
}

func parseFetchValue(tk *Tokenizer, info *FetchInfo, key string) error {
	var err error
	switch key {
	case "UID":
		if info.UID, err = readNumber32(tk); err != nil {
			return err
		}
		info.Got |= FetchGotUID
	case "FLAGS":
		if info.Flags, info.UserFlags, err = readFlagList(tk); err != nil {
			return err
		}
		info.Got |= FetchGotFlags
	case "MODSEQ":
		// MODSEQ (value)
		if err = expectToken(tk, TokenListStart); err != nil {
			return err
		}
		if info.ModSeq, err = readNumber64(tk); err != nil {
			return err
		}
		if err = expectToken(tk, TokenListEnd); err != nil {
			return err
		}
		info.Got |= FetchGotModSeq
	case "INTERNALDATE":
		var date string
		if date, err = readNstring(tk); err != nil {
			return err
		}
		info.InternalDate = date
		info.Got |= FetchGotInternalDate
	case "RFC822.SIZE":
		if info.Size, err = readNumber32(tk); err != nil {
			return err
		}
		info.Got |= FetchGotSize
	case "RFC822.HEADER":
		if info.Header, err = readBinary(tk); err != nil {
			return err
		}
		info.Got |= FetchGotHeader
	case "RFC822.TEXT":
		if info.Text, err = readBinary(tk); err != nil {
			return err
		}
		info.Got |= FetchGotText
	case "ENVELOPE":
		if info.Envelope, err = parseEnvelope(tk); err != nil {
			return err
		}
		info.Got |= FetchGotEnvelope
	case "BODYSTRUCTURE":
		if info.Structure, err = parseBodyStructure(tk); err != nil {
			return err
		}
		info.Got |= FetchGotStructure
	case "BODY":
		return parseFetchBody(tk, info)
	default:
		return protocolErrorf("unknown FETCH attribute %q", key)
	}
	return nil
}

// parseFetchBody handles the BODY key: either a body-structure list or
// a [section]<offset> qualified payload.
func parseFetchBody(tk *Tokenizer, info *FetchInfo) error {
	tok, err := tk.NextToken()
	if err != nil {
		return err
	}
	switch tok.Type {
	case TokenListStart:
		tk.Unget(tok)
		if info.Structure, err = parseBodyStructure(tk); err != nil {
			return err
		}
		info.Got |= FetchGotStructure
		return nil
	case TokenBracketStart:
		// fall through to section parse below
	default:
		return protocolErrorf("expected BODY section or structure, got %s", tok)
	}

	section, err := readSectionSpec(tk)
	if err != nil {
		return err
	}
	info.Section = section
	info.Got |= FetchGotSection

	// An optional <offset> atom precedes the payload.
	tok, err = tk.NextToken()
	if err != nil {
		return err
	}
	if tok.Type == TokenAtom && len(tok.Value) > 2 && tok.Value[0] == '<' && tok.Value[len(tok.Value)-1] == '>' {
		off, err := strconv.ParseUint(string(tok.Value[1:len(tok.Value)-1]), 10, 32)
		if err != nil {
			return protocolErrorf("bad BODY offset %q", tok.Value)
		}
		info.Offset = uint32(off)
	} else {
		tk.Unget(tok)
	}

	payload, err := readBinary(tk)
	if err != nil {
		return err
	}

	upper := strings.ToUpper(section)
	switch {
	case upper == "HEADER" || strings.HasPrefix(upper, "HEADER.FIELDS"):
		info.Header = payload
		info.Got |= FetchGotHeader
	case upper == "TEXT":
		info.Text = payload
		info.Got |= FetchGotText
	default:
		info.Body = payload
		info.Got |= FetchGotBody
	}
	return nil
}

// readSectionSpec accumulates the section text between the brackets of
// BODY[...], including a HEADER.FIELDS header list.
func readSectionSpec(tk *Tokenizer) (string, error) {
	var section strings.Builder
	for {
		tok, err := tk.NextToken()
		if err != nil {
			return "", err
		}
		switch tok.Type {
		case TokenBracketEnd:
			return section.String(), nil
		case TokenAtom, TokenNumber, TokenString:
			if section.Len() > 0 && !strings.HasSuffix(section.String(), "(") {
				section.WriteByte(' ')
			}
			section.Write(tok.Value)
		case TokenListStart:
			section.WriteString(" (")
		case TokenListEnd:
			section.WriteString(")")
		case TokenNewline:
			return "", protocolErrorf("unterminated BODY section")
		default:
			return "", protocolErrorf("unexpected token %s in BODY section", tok)
		}
	}
}

// readBinary reads a string-ish payload value: a literal (drained from
// the stream), a quoted string, or NIL.
func readBinary(tk *Tokenizer) ([]byte, error) {
	tok, err := tk.NextToken()
	if err != nil {
		return nil, err
	}
	switch tok.Type {
	case TokenLiteral:
		buf := make([]byte, tok.Literal)
		if err := readFullLiteral(tk.Stream(), buf); err != nil {
			return nil, err
		}
		return buf, nil
	case TokenString:
		return append([]byte(nil), tok.Value...), nil
	case TokenAtom:
		if tok.IsNIL() {
			return nil, nil
		}
		return nil, protocolErrorf("expected string payload, got %s", tok)
	default:
		return nil, protocolErrorf("expected string payload, got %s", tok)
	}
}

// readNstring reads a string or NIL.
func readNstring(tk *Tokenizer) (string, error) {
	tok, err := tk.NextToken()
	if err != nil {
		return "", err
	}
	switch tok.Type {
	case TokenString, TokenNumber:
		return string(tok.Value), nil
	case TokenAtom:
		if tok.IsNIL() {
			return "", nil
		}
		return string(tok.Value), nil
	case TokenLiteral:
		buf := make([]byte, tok.Literal)
		if err := readFullLiteral(tk.Stream(), buf); err != nil {
			return "", err
		}
		return string(buf), nil
	default:
		return "", protocolErrorf("expected nstring, got %s", tok)
	}
}

func expectToken(tk *Tokenizer, typ TokenType) error {
	tok, err := tk.NextToken()
	if err != nil {
		return err
	}
	if tok.Type != typ {
		return protocolErrorf("expected %s, got %s", typ, tok)
	}
	return nil
}

// parseEnvelope parses the fixed ENVELOPE tuple:
// (date subject (from) (sender) (reply-to) (to) (cc) (bcc)
//  in-reply-to message-id)
func parseEnvelope(tk *Tokenizer) (*Envelope, error) {
	if err := expectToken(tk, TokenListStart); err != nil {
		return nil, err
	}
	env := &Envelope{}
	var err error
	if env.Date, err = readNstring(tk); err != nil {
		return nil, err
	}
	if env.Subject, err = readNstring(tk); err != nil {
		return nil, err
	}
	for _, dst := range []*[]Address{
		&env.From, &env.Sender, &env.ReplyTo, &env.To, &env.Cc, &env.Bcc,
	} {
		if *dst, err = parseAddressList(tk); err != nil {
			return nil, err
		}
	}
	if env.InReplyTo, err = readNstring(tk); err != nil {
		return nil, err
	}
	if env.MessageID, err = readNstring(tk); err != nil {
		return nil, err
	}
	return env, expectToken(tk, TokenListEnd)
}

// parseAddressList parses NIL or ((name route mailbox host) ...).
func parseAddressList(tk *Tokenizer) ([]Address, error) {
	tok, err := tk.NextToken()
	if err != nil {
		return nil, err
	}
	if tok.Type == TokenAtom && tok.IsNIL() {
		return nil, nil
	}
	if tok.Type != TokenListStart {
		return nil, protocolErrorf("expected address list, got %s", tok)
	}

	var out []Address
	for {
		tok, err = tk.NextToken()
		if err != nil {
			return nil, err
		}
		if tok.Type == TokenListEnd {
			return out, nil
		}
		if tok.Type != TokenListStart {
			return nil, protocolErrorf("expected address, got %s", tok)
		}
		var addr Address
		if addr.Name, err = readNstring(tk); err != nil {
			return nil, err
		}
		if addr.Route, err = readNstring(tk); err != nil {
			return nil, err
		}
		if addr.Mailbox, err = readNstring(tk); err != nil {
			return nil, err
		}
		if addr.Host, err = readNstring(tk); err != nil {
			return nil, err
		}
		if err = expectToken(tk, TokenListEnd); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
}

// parseBodyStructure parses a body node: a multipart container
// ( body body ... subtype [ext] ) or a single part
// ( type subtype params id desc enc size [type-specific] [ext] ).
// Extension data is consumed and discarded.
func parseBodyStructure(tk *Tokenizer) (*BodyStructure, error) {
	if err := expectToken(tk, TokenListStart); err != nil {
		return nil, err
	}

	tok, err := tk.NextToken()
	if err != nil {
		return nil, err
	}
	bs := &BodyStructure{}

	if tok.Type == TokenListStart {
		// Multipart: one or more nested bodies then the subtype.
		tk.Unget(tok)
		for {
			tok, err = tk.NextToken()
			if err != nil {
				return nil, err
			}
			if tok.Type != TokenListStart {
				tk.Unget(tok)
				break
			}
			tk.Unget(tok)
			child, err := parseBodyStructure(tk)
			if err != nil {
				return nil, err
			}
			bs.Parts = append(bs.Parts, child)
		}
		bs.Type = "multipart"
		if bs.Subtype, err = readNstring(tk); err != nil {
			return nil, err
		}
		bs.Subtype = strings.ToLower(bs.Subtype)
		return bs, skipNested(tk)
	}

	tk.Unget(tok)
	if bs.Type, err = readNstring(tk); err != nil {
		return nil, err
	}
	if bs.Subtype, err = readNstring(tk); err != nil {
		return nil, err
	}
	bs.Type = strings.ToLower(bs.Type)
	bs.Subtype = strings.ToLower(bs.Subtype)

	if bs.Params, err = parseBodyParams(tk); err != nil {
		return nil, err
	}
	if bs.ID, err = readNstring(tk); err != nil {
		return nil, err
	}
	if bs.Description, err = readNstring(tk); err != nil {
		return nil, err
	}
	if bs.Encoding, err = readNstring(tk); err != nil {
		return nil, err
	}
	if bs.Size, err = readNumber32(tk); err != nil {
		return nil, err
	}

	// message/rfc822 parts carry an envelope, a nested body and a line
	// count; text parts carry a line count. Anything else that remains
	// (including all extension data) is consumed up to the close paren.
	if bs.Type == "message" && bs.Subtype == "rfc822" {
		if _, err = parseEnvelope(tk); err != nil {
			return nil, err
		}
		child, err := parseBodyStructure(tk)
		if err != nil {
			return nil, err
		}
		bs.Parts = append(bs.Parts, child)
		if bs.Lines, err = readNumber32(tk); err != nil {
			return nil, err
		}
	} else if bs.Type == "text" {
		if bs.Lines, err = readNumber32(tk); err != nil {
			return nil, err
		}
	}

	return bs, skipNested(tk)
}

// parseBodyParams parses NIL or (key value key value ...).
func parseBodyParams(tk *Tokenizer) (map[string]string, error) {
	tok, err := tk.NextToken()
	if err != nil {
		return nil, err
	}
	if tok.Type == TokenAtom && tok.IsNIL() {
		return nil, nil
	}
	if tok.Type != TokenListStart {
		return nil, protocolErrorf("expected body parameter list, got %s", tok)
	}
	params := make(map[string]string)
	for {
		tok, err = tk.NextToken()
		if err != nil {
			return nil, err
		}
		if tok.Type == TokenListEnd {
			return params, nil
		}
		tk.Unget(tok)
		key, err := readNstring(tk)
		if err != nil {
			return nil, err
		}
		value, err := readNstring(tk)
		if err != nil {
			return nil, err
		}
		params[strings.ToLower(key)] = value
	}
}

// skipNested consumes tokens until the current parenthesized group
// closes, draining any literals along the way.
func skipNested(tk *Tokenizer) error {
	depth := 0
	for {
		tok, err := tk.NextToken()
		if err != nil {
			return err
		}
		switch tok.Type {
		case TokenListStart:
			depth++
		case TokenListEnd:
			if depth == 0 {
				return nil
			}
			depth--
		case TokenLiteral:
			if err := tk.Stream().DrainLiteral(); err != nil {
				return err
			}
		case TokenNewline:
			return protocolErrorf("unterminated list")
		}
	}
}
