package imap

import "testing"

func TestParseSummaryHeaders(t *testing.T) {
	raw := []byte("Subject: =?utf-8?q?Gr=C3=BC=C3=9Fe?=\r\n" +
		"From: Terry Gray <gray@cac.washington.edu>\r\n" +
		"To: imap@cac.washington.edu,\r\n" +
		"\tother@example.com\r\n" +
		"Date: Wed, 17 Jul 1996 02:23:25 -0700\r\n" +
		"Message-ID: <B27397@cac.washington.edu>\r\n" +
		"In-Reply-To: <earlier@example.com>\r\n" +
		"X-Other: ignored\r\n" +
		"\r\n" +
		"Body: not a header\r\n")

	info := &MessageInfo{}
	parseSummaryHeaders(raw, info)

	if info.Subject != "Grüße" {
		t.Errorf("subject = %q", info.Subject)
	}
	if info.From != "Terry Gray <gray@cac.washington.edu>" {
		t.Errorf("from = %q", info.From)
	}
	if info.To != "imap@cac.washington.edu, other@example.com" {
		t.Errorf("to = %q", info.To)
	}
	if info.MessageID != "<B27397@cac.washington.edu>" {
		t.Errorf("message-id = %q", info.MessageID)
	}
	if info.InReplyTo != "<earlier@example.com>" {
		t.Errorf("in-reply-to = %q", info.InReplyTo)
	}
	if info.Date == "" {
		t.Error("date missing")
	}
}

func TestDecodeHeaderWordFallback(t *testing.T) {
	// Malformed encoded words fall back to the raw value.
	raw := "=?bogus-charset?q?text?="
	if got := decodeHeaderWord(raw); got != raw {
		t.Errorf("got %q, want raw fallback", got)
	}
	if got := decodeHeaderWord("plain text"); got != "plain text" {
		t.Errorf("got %q", got)
	}
}
