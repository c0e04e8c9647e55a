package note

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestParseHeaderRoundTrip(t *testing.T) {
	var id ID
	for i := range id {
		id[i] = byte(i)
	}
	meta := []byte("sender metadata")

	h := EncodeHeader(id, 0xc0000001, meta)

	gotID, gotTag, err := ParseHeader(h)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if gotID != id {
		t.Errorf("id = %x, want %x", gotID, id)
	}
	if gotTag != 0xc0000001 {
		t.Errorf("tag = %#x, want 0xc0000001", gotTag)
	}
	if !bytes.HasSuffix(h, meta) {
		t.Error("metadata not preserved after prefix")
	}
}

func TestParseHeaderShort(t *testing.T) {
	for _, n := range []int{0, 1, IDSize, headerPrefixSize - 1} {
		_, _, err := ParseHeader(make([]byte, n))
		if !errors.Is(err, ErrShortHeader) {
			t.Errorf("len %d: err = %v, want ErrShortHeader", n, err)
		}
	}
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	c := CursorFromTime(ts)
	if got := TimeFromCursor(c); !got.Equal(ts) {
		t.Errorf("TimeFromCursor(CursorFromTime(%v)) = %v", ts, got)
	}
}

func TestCursorPreEpoch(t *testing.T) {
	if c := CursorFromTime(time.Unix(-10, 0)); c != 0 {
		t.Errorf("pre-epoch cursor = %d, want 0", c)
	}
}

func TestMaxCursor(t *testing.T) {
	if got := MaxCursor(nil); got != 0 {
		t.Errorf("empty batch cursor = %d, want 0", got)
	}

	base := time.Now().UTC()
	notes := []StoredNote{
		{CreatedAt: base},
		{CreatedAt: base.Add(50 * time.Millisecond)},
		{CreatedAt: base.Add(10 * time.Millisecond)},
	}
	want := CursorFromTime(base.Add(50 * time.Millisecond))
	if got := MaxCursor(notes); got != want {
		t.Errorf("MaxCursor = %d, want %d", got, want)
	}
}
