package imap

import (
	"reflect"
	"testing"
)

func TestPackUIDs(t *testing.T) {
	tests := []struct {
		name string
		uids []uint32
		want string
	}{
		{"empty", nil, ""},
		{"single", []uint32{7}, "7"},
		{"range", []uint32{1, 2, 3}, "1:3"},
		{"range then singleton", []uint32{1, 2, 3, 5}, "1:3,5"},
		{"mixed", []uint32{1, 3, 4, 5, 8}, "1,3:5,8"},
		{"two ranges", []uint32{10, 11, 20, 21, 22}, "10:11,20:22"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PackUIDs(tt.uids); got != tt.want {
				t.Errorf("PackUIDs(%v) = %q, want %q", tt.uids, got, tt.want)
			}
		})
	}
}

func TestUIDSetBuilderLimits(t *testing.T) {
	b := UIDSetBuilder{EntryLimit: 3}
	var sets []string
	for _, uid := range []uint32{1, 3, 5, 7, 9, 11} {
		if b.Add(uid) {
			sets = append(sets, b.String())
		}
	}
	if !b.Empty() {
		sets = append(sets, b.String())
	}
	want := []string{"1,3,5", "7,9,11"}
	if !reflect.DeepEqual(sets, want) {
		t.Errorf("sets = %v, want %v", sets, want)
	}
}

func TestUIDSetBuilderUIDLimit(t *testing.T) {
	b := UIDSetBuilder{UIDLimit: 4}
	full := 0
	for uid := uint32(1); uid <= 8; uid++ {
		if b.Add(uid) {
			full++
			_ = b.String()
		}
	}
	if full != 2 {
		t.Errorf("flush count = %d, want 2", full)
	}
}

// TestUIDSetRoundTrip checks that packed sets parse back to the same
// UID list with no overlapping ranges.
func TestUIDSetRoundTrip(t *testing.T) {
	lists := [][]uint32{
		{1},
		{1, 2, 3, 5},
		{2, 4, 6, 8, 10},
		{100, 101, 102, 103, 200},
		{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	}
	for _, uids := range lists {
		packed := PackUIDs(uids)
		ranges, err := ParseUIDSet(packed)
		if err != nil {
			t.Fatalf("ParseUIDSet(%q): %v", packed, err)
		}
		got := ExpandUIDs(ranges)
		if !reflect.DeepEqual(got, uids) {
			t.Errorf("round trip %v -> %q -> %v", uids, packed, got)
		}
		// No overlapping ranges.
		var last uint32
		for i, r := range ranges {
			if i > 0 && r.First <= last {
				t.Errorf("set %q has overlapping range %v", packed, r)
			}
			last = r.Last
		}
	}
}

func TestParseUIDSet(t *testing.T) {
	tests := []struct {
		input   string
		want    []UIDRange
		wantErr bool
	}{
		{"1:3,5", []UIDRange{{1, 3}, {5, 5}}, false},
		{"7", []UIDRange{{7, 7}}, false},
		{"5:3", []UIDRange{{3, 5}}, false}, // normalized
		{"1:*", []UIDRange{{1, 0}}, false},
		{"", nil, true},
		{"abc", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseUIDSet(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseUIDSet(%q) succeeded, want error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseUIDSet(%q): %v", tt.input, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseUIDSet(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestCountUIDs(t *testing.T) {
	ranges := []UIDRange{{1, 3}, {5, 5}, {10, 0}}
	if got := CountUIDs(ranges); got != 5 {
		t.Errorf("CountUIDs = %d, want 5", got)
	}
}
