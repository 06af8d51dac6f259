package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxRecordSize rejects lengths no writer of ours could have produced,
// which usually means the reader lost framing or the file is not a capture.
const maxRecordSize = 16 << 20

// Record is one replayed binary log entry.
type Record struct {
	Direction Direction
	Data      []byte
}

// Reader walks a binary capture sequentially. Records carry their length
// exactly once, so there is no seeking; a truncated or corrupt record ends
// the replay with an error rather than a guess.
type Reader struct {
	r      *bufio.Reader
	offset int64
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Offset returns the byte offset of the next record.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Next returns the next record, or io.EOF at a clean end of the capture.
func (r *Reader) Next() (Record, error) {
	var head [recordOverhead]byte
	if _, err := io.ReadFull(r.r, head[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("truncated record header at offset %d: %w", r.offset, err)
	}

	if !isZero(head[0:4]) || !isZero(head[4+TagWidth:8+TagWidth]) {
		return Record{}, fmt.Errorf("bad record marker at offset %d", r.offset)
	}
	dir, ok := DirectionFromTag(head[4 : 4+TagWidth])
	if !ok {
		return Record{}, fmt.Errorf("unknown direction tag %q at offset %d", head[4:4+TagWidth], r.offset)
	}

	length := binary.LittleEndian.Uint32(head[8+TagWidth:])
	if length > maxRecordSize {
		return Record{}, fmt.Errorf("record length %d at offset %d exceeds limit", length, r.offset)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return Record{}, fmt.Errorf("truncated record data at offset %d: %w", r.offset, err)
	}

	r.offset += int64(recordOverhead) + int64(length)
	return Record{Direction: dir, Data: data}, nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
