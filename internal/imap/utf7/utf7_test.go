package utf7

import "testing"

var codecTests = []struct {
	name    string
	decoded string
	encoded string
}{
	{"plain ascii", "INBOX", "INBOX"},
	{"ampersand", "Mail & Stuff", "Mail &- Stuff"},
	{"german", "Entwürfe", "Entw&APw-rfe"},
	{"japanese", "日本語", "&ZeVnLIqe-"},
	{"mixed", "Cafés/Archive", "Caf&AOk-s/Archive"},
	{"empty", "", ""},
	{"emoji surrogate pair", "\U0001f4e7", "&2D3c5w-"},
}

func TestEncode(t *testing.T) {
	for _, tt := range codecTests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Encode(tt.decoded); got != tt.encoded {
				t.Errorf("Encode(%q) = %q, want %q", tt.decoded, got, tt.encoded)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	for _, tt := range codecTests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.encoded)
			if err != nil {
				t.Fatalf("Decode(%q): %v", tt.encoded, err)
			}
			if got != tt.decoded {
				t.Errorf("Decode(%q) = %q, want %q", tt.encoded, got, tt.decoded)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	names := []string{
		"INBOX",
		"Sent Items",
		"&weird&names&",
		"папка",
		"信件/重要",
		"mixed ascii und Ümlaute",
	}
	for _, name := range names {
		encoded := Encode(name)
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(Encode(%q)) failed: %v", name, err)
		}
		if decoded != name {
			t.Errorf("round trip %q -> %q -> %q", name, encoded, decoded)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	bad := []string{
		"&unterminated",
		"&!!!-",
		"&AP-", // odd byte count after base64
	}
	for _, input := range bad {
		if _, err := Decode(input); err == nil {
			t.Errorf("Decode(%q) succeeded, want error", input)
		}
	}
}
