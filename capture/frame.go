// Package capture records every chunk observed by the relay, in arrival
// order, to a human-readable text log and a replayable binary log.
package capture

import "time"

// Direction identifies which side of the tap a frame was read from.
type Direction uint8

const (
	ClientToServer Direction = iota
	ServerToClient
)

// TagWidth is the fixed width of the ASCII direction tag in the binary log.
// Both direction strings are exactly this long.
const TagWidth = 14

func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "CLIENT->SERVER"
	case ServerToClient:
		return "SERVER->CLIENT"
	default:
		return "UNKNOWN-DIRECT"
	}
}

// Tag returns the fixed-width binary log tag for the direction.
func (d Direction) Tag() []byte {
	return []byte(d.String())
}

// DirectionFromTag maps a binary log tag back to its direction.
func DirectionFromTag(tag []byte) (Direction, bool) {
	switch string(tag) {
	case "CLIENT->SERVER":
		return ClientToServer, true
	case "SERVER->CLIENT":
		return ServerToClient, true
	default:
		return 0, false
	}
}

// Frame is one chunk of bytes observed on one direction of one connection.
// Seq starts at 0 and increases by one per frame within a connection and
// direction. Data is not retained after Log.Record returns; callers may
// reuse the backing buffer.
type Frame struct {
	ConnID    uint64
	Direction Direction
	Seq       uint64
	Time      time.Time
	Data      []byte
}
