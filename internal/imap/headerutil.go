package imap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

// wordDecoder resolves RFC 2047 encoded words in header values, using
// the IANA registry for the long tail of legacy charsets.
var wordDecoder = mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := ianaindex.MIME.Encoding(charset)
		if err != nil || enc == nil {
			return nil, fmt.Errorf("unknown charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	},
}

// decodeHeaderWord decodes RFC 2047 encoded words, falling back to the
// raw value on malformed input.
func decodeHeaderWord(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// parseSummaryHeaders extracts the handful of header fields the
// summary keeps from a raw RFC822.HEADER payload. This is a flat
// line scan with folding support, not a MIME parser.
func parseSummaryHeaders(raw []byte, info *MessageInfo) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 4096), 1<<20)

	var name, value string
	flush := func() {
		if name == "" {
			return
		}
		switch strings.ToLower(name) {
		case "subject":
			info.Subject = decodeHeaderWord(value)
		case "from":
			info.From = decodeHeaderWord(value)
		case "to":
			info.To = decodeHeaderWord(value)
		case "date":
			info.Date = value
		case "message-id":
			info.MessageID = strings.TrimSpace(value)
		case "in-reply-to":
			info.InReplyTo = strings.TrimSpace(value)
		}
		name, value = "", ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			value += " " + strings.TrimSpace(line)
			continue
		}
		flush()
		header, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = header
		value = strings.TrimSpace(rest)
	}
	flush()
}
