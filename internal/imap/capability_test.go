package imap

import "testing"

func TestCapabilityParsing(t *testing.T) {
	tk := newTestTokenizer("IMAP4rev1 LITERAL+ IDLE QRESYNC AUTH=PLAIN AUTH=XOAUTH2 XSPECIAL\r\n")
	caps, err := readCapabilities(tk)
	if err != nil {
		t.Fatalf("readCapabilities: %v", err)
	}
	for _, bit := range []uint32{CapIMAP4Rev1, CapLiteralPlus, CapIdle, CapQresync} {
		if !caps.Has(bit) {
			t.Errorf("missing capability bit %#x", bit)
		}
	}
	if caps.Has(CapMove) || caps.Has(CapStartTLS) {
		t.Error("unadvertised capability reported present")
	}
	if !caps.HasAuth("PLAIN") || !caps.HasAuth("xoauth2") {
		t.Errorf("auth types = %v", caps.AuthTypes)
	}
	// Unknown capabilities get runtime-registered bits.
	if !caps.Has(RegisterCapability("XSPECIAL")) {
		t.Error("runtime-registered capability not present")
	}

	// The terminator is left for the caller.
	tok, err := tk.NextToken()
	if err != nil || tok.Type != TokenNewline {
		t.Errorf("trailing token = %v (%v), want newline", tok, err)
	}
}

func TestRegisterCapabilityStable(t *testing.T) {
	a := RegisterCapability("X-TEST-STABLE")
	b := RegisterCapability("x-test-stable")
	if a == 0 || a != b {
		t.Errorf("bits = %#x, %#x; want equal and nonzero", a, b)
	}
	if RegisterCapability("IDLE") != CapIdle {
		t.Error("pre-seeded capability remapped")
	}
}
