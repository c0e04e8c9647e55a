package note

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// IDSize is the length of a note content identifier in bytes.
const IDSize = 32

// headerPrefixSize is the structured portion of a header: a 32-byte id
// followed by a big-endian uint32 tag. Anything after the prefix is
// sender-supplied metadata the relay carries but never interprets.
const headerPrefixSize = IDSize + 4

// ID is the content identifier of a note, unique relay-wide.
type ID [IDSize]byte

// Tag is the routing key recipients subscribe to.
type Tag = uint32

var ErrShortHeader = errors.New("note: header shorter than id+tag prefix")

// Note is the unit of relay: a structured-but-opaque header plus an
// opaque details blob. The relay parses only id and tag out of the header.
type Note struct {
	Header  []byte
	Details []byte
}

// StoredNote is a note as persisted by the relay, with the derived columns
// materialized and the server-assigned creation timestamp.
type StoredNote struct {
	ID        ID
	Tag       Tag
	Header    []byte
	Details   []byte
	CreatedAt time.Time
}

// Cursor returns the note's position marker: CreatedAt in microseconds
// since the Unix epoch.
func (n StoredNote) Cursor() uint64 {
	return CursorFromTime(n.CreatedAt)
}

// ParseHeader extracts the id and tag from a raw header.
func ParseHeader(header []byte) (ID, Tag, error) {
	if len(header) < headerPrefixSize {
		return ID{}, 0, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(header))
	}
	var id ID
	copy(id[:], header[:IDSize])
	tag := binary.BigEndian.Uint32(header[IDSize:headerPrefixSize])
	return id, tag, nil
}

// EncodeHeader builds a minimal valid header from an id, a tag, and
// optional trailing metadata. Used by clients and tests; the relay itself
// only ever parses.
func EncodeHeader(id ID, tag Tag, metadata []byte) []byte {
	h := make([]byte, headerPrefixSize, headerPrefixSize+len(metadata))
	copy(h, id[:])
	binary.BigEndian.PutUint32(h[IDSize:], tag)
	return append(h, metadata...)
}

// CursorFromTime converts a timestamp to its cursor encoding.
func CursorFromTime(t time.Time) uint64 {
	us := t.UTC().UnixMicro()
	if us < 0 {
		return 0
	}
	return uint64(us)
}

// TimeFromCursor is the inverse of CursorFromTime.
func TimeFromCursor(c uint64) time.Time {
	return time.UnixMicro(int64(c)).UTC()
}

// MaxCursor returns the response cursor for a batch: the maximum
// created-at over the notes, or 0 for an empty batch.
func MaxCursor(notes []StoredNote) uint64 {
	var max uint64
	for _, n := range notes {
		if c := n.Cursor(); c > max {
			max = c
		}
	}
	return max
}
