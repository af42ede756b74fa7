package bitmap

import (
	"reflect"
	"testing"
)

func TestGetBit(t *testing.T) {
	buf := []byte{0x01, 0x00, 0x09} // 0000 0001 0000 0000 0000 1001
	indices := []int{7, 8, 9, 15, 19, 20, 22, 23}
	want := []bool{true, false, false, false, false, true, false, true}

	for i, idx := range indices {
		if got := GetBit(buf, idx); got != want[i] {
			t.Errorf("GetBit(buf, %d) = %v, want %v", idx, got, want[i])
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	const start = int64(1000)
	cases := [][]uint64{
		{1000},
		{1100},
		{1100, 1101, 1102},
		{1100, 1150, 1151, 1152, 1200, 51000},
		{1000, 1001, 1002, 1003, 1004, 1005, 1000 + 86000 - 1},
		{},
	}

	for _, heights := range cases {
		encoded, err := Encode(start, heights)
		if err != nil {
			t.Fatalf("Encode(%v) error: %v", heights, err)
		}

		decoded, err := Decode(start, encoded)
		if err != nil {
			t.Fatalf("Decode error for %v: %v", heights, err)
		}

		if len(decoded) == 0 && len(heights) == 0 {
			continue
		}
		if !reflect.DeepEqual(decoded, heights) {
			t.Fatalf("round trip mismatch: got %v, want %v", decoded, heights)
		}
	}
}

func TestDecodeRejectsNegativeStart(t *testing.T) {
	if _, err := Decode(-1, []byte{0, 0, 0, 0}); err == nil {
		t.Fatal("expected error for negative start_block_height")
	}
}

func TestDecodeRejectsOversizedLength(t *testing.T) {
	header := []byte{0, 1, 0x86, 0xA1} // 0x000186A1 > 86000
	if _, err := Decode(0, header); err == nil {
		t.Fatal("expected error for encoded length exceeding BLOCKS_PER_DAY")
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	if _, err := Decode(0, []byte{0, 0}); err == nil {
		t.Fatal("expected error for buffer shorter than length header")
	}
}

func TestDecodeTruncatedCodeword(t *testing.T) {
	// Claims a large bit length but supplies no payload bytes at all.
	header := []byte{0, 0, 1, 0} // bitLength = 256
	if _, err := Decode(0, header); err == nil {
		t.Fatal("expected error reading past end of buffer")
	}
}
