package serializer

import (
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dMon/lib/ids"
	"github.com/ValentinKolb/dMon/lib/timer"
	"github.com/ValentinKolb/dMon/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
//
// Layout: MsgType (1 byte) | presence flags (1 byte) | bool flags (1 byte) |
// present fields in flag order. Strings and byte slices are prefixed with
// their uint32 length, integers are big endian.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasLockID   byte = 1 << 0
	hasNodeID   byte = 1 << 1
	hasThreadID byte = 1 << 2
	hasLevel    byte = 1 << 3
	hasTimer    byte = 1 << 4
	hasErr      byte = 1 << 5
	hasMeta     byte = 1 << 6
)

// Bit flags for the boolean fields
const (
	boolOk     byte = 1 << 0
	boolAll    byte = 1 << 1
	boolGreedy byte = 1 << 2
)

const (
	headerSize = 3
	timerSize  = 1 + 8 + 4 // signature + millis + nanos
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	// Calculate total size needed
	totalSize := b.sizeBytes(msg)
	result := make([]byte, totalSize)

	// Write message type
	result[0] = byte(msg.MsgType)

	var flags, bools byte

	// Set position for writing
	pos := headerSize

	// Handle LockID
	if msg.LockID != "" {
		flags |= hasLockID
		pos = putBytes(result, pos, []byte(msg.LockID))
	}

	// Handle NodeID
	if msg.NodeID != 0 {
		flags |= hasNodeID
		binary.BigEndian.PutUint64(result[pos:pos+8], uint64(msg.NodeID))
		pos += 8
	}

	// Handle ThreadID
	if msg.ThreadID != 0 {
		flags |= hasThreadID
		binary.BigEndian.PutUint64(result[pos:pos+8], uint64(msg.ThreadID))
		pos += 8
	}

	// Handle Level
	if msg.Level != ids.LevelNil {
		flags |= hasLevel
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(msg.Level))
		pos += 4
	}

	// Handle timer arguments
	if hasTimerFields(msg) {
		flags |= hasTimer
		result[pos] = byte(msg.TimerSig)
		binary.BigEndian.PutUint64(result[pos+1:pos+9], uint64(msg.Millis))
		binary.BigEndian.PutUint32(result[pos+9:pos+13], uint32(msg.Nanos))
		pos += timerSize
	}

	// Handle Err
	if msg.Err != "" {
		flags |= hasErr
		pos = putBytes(result, pos, []byte(msg.Err))
	}

	// Handle Meta
	if msg.Meta != nil {
		flags |= hasMeta
		pos = putBytes(result, pos, msg.Meta)
	}

	// Handle booleans
	if msg.Ok {
		bools |= boolOk
	}
	if msg.All {
		bools |= boolAll
	}
	if msg.Greedy {
		bools |= boolGreedy
	}

	// Set flag bytes after knowing which fields are present
	result[1] = flags
	result[2] = bools

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags + bools)
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}

	// Read message type
	msg.MsgType = common.MessageType(data[0])

	flags := data[1]
	bools := data[2]

	// Initialize read position
	pos := headerSize

	// Read LockID if present
	if flags&hasLockID != 0 {
		raw, next, err := readBytes(data, pos, "lock id")
		if err != nil {
			return err
		}
		msg.LockID = ids.LockID(raw)
		pos = next
	} else {
		msg.LockID = ""
	}

	// Read NodeID if present
	if flags&hasNodeID != 0 {
		if pos+8 > len(data) {
			return fmt.Errorf("data too short for node id")
		}
		msg.NodeID = ids.NodeID(binary.BigEndian.Uint64(data[pos : pos+8]))
		pos += 8
	} else {
		msg.NodeID = 0
	}

	// Read ThreadID if present
	if flags&hasThreadID != 0 {
		if pos+8 > len(data) {
			return fmt.Errorf("data too short for thread id")
		}
		msg.ThreadID = ids.ThreadID(binary.BigEndian.Uint64(data[pos : pos+8]))
		pos += 8
	} else {
		msg.ThreadID = 0
	}

	// Read Level if present
	if flags&hasLevel != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for lock level")
		}
		msg.Level = ids.LockLevel(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
	} else {
		msg.Level = ids.LevelNil
	}

	// Read timer arguments if present
	if flags&hasTimer != 0 {
		if pos+timerSize > len(data) {
			return fmt.Errorf("data too short for timer spec")
		}
		msg.TimerSig = timer.Signature(data[pos])
		msg.Millis = int64(binary.BigEndian.Uint64(data[pos+1 : pos+9]))
		msg.Nanos = int32(binary.BigEndian.Uint32(data[pos+9 : pos+13]))
		pos += timerSize
	} else {
		msg.TimerSig = timer.SigNoArgs
		msg.Millis = 0
		msg.Nanos = 0
	}

	// Read Err if present
	if flags&hasErr != 0 {
		raw, next, err := readBytes(data, pos, "error")
		if err != nil {
			return err
		}
		msg.Err = string(raw)
		pos = next
	} else {
		msg.Err = ""
	}

	// Read Meta if present
	if flags&hasMeta != 0 {
		raw, next, err := readBytes(data, pos, "meta")
		if err != nil {
			return err
		}

		// Read metadata - create an empty slice (not nil) if length is 0
		// Allocate only if needed
		if msg.Meta == nil || cap(msg.Meta) < len(raw) {
			msg.Meta = make([]byte, len(raw))
		} else {
			msg.Meta = msg.Meta[:len(raw)]
		}
		copy(msg.Meta, raw)
		pos = next
	} else {
		msg.Meta = nil
	}

	if pos != len(data) {
		return fmt.Errorf("%d trailing bytes after message", len(data)-pos)
	}

	msg.Ok = bools&boolOk != 0
	msg.All = bools&boolAll != 0
	msg.Greedy = bools&boolGreedy != 0

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := headerSize

	// Add sizes for fields that require length encoding
	if msg.LockID != "" {
		size += 4 + len(msg.LockID) // 4 bytes for length + lock id string
	}
	if msg.NodeID != 0 {
		size += 8 // uint64
	}
	if msg.ThreadID != 0 {
		size += 8 // int64
	}
	if msg.Level != ids.LevelNil {
		size += 4 // int32
	}
	if hasTimerFields(msg) {
		size += timerSize
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err) // 4 bytes for length + error string
	}
	if msg.Meta != nil {
		size += 4 + len(msg.Meta) // 4 bytes for length + meta bytes
	}

	return size
}

func hasTimerFields(msg common.Message) bool {
	return msg.TimerSig != timer.SigNoArgs || msg.Millis != 0 || msg.Nanos != 0
}

// putBytes writes a length prefixed byte slice at pos and returns the new position
func putBytes(dst []byte, pos int, src []byte) int {
	binary.BigEndian.PutUint32(dst[pos:pos+4], uint32(len(src)))
	pos += 4
	copy(dst[pos:pos+len(src)], src)
	return pos + len(src)
}

// readBytes reads a length prefixed byte slice at pos. The returned slice
// aliases data.
func readBytes(data []byte, pos int, field string) ([]byte, int, error) {
	if pos+4 > len(data) {
		return nil, pos, fmt.Errorf("data too short for %s length", field)
	}
	n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if n < 0 || pos+n > len(data) {
		return nil, pos, fmt.Errorf("data too short for %s data", field)
	}
	return data[pos : pos+n], pos + n, nil
}
