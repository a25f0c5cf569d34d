package lockmgr

import (
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dMon/lib/ids"
)

// GlobalLockStateInfo is a snapshot of one holder, greedy holder, waiter or
// pending request.
type GlobalLockStateInfo struct {
	LockID    ids.LockID    `json:"lock_id"`
	NodeID    ids.NodeID    `json:"node_id"`
	ThreadID  ids.ThreadID  `json:"thread_id"`
	Timestamp int64         `json:"timestamp"` // unix millis of the award / wait / request
	Timeout   int64         `json:"timeout"`   // millis, 0 = unbounded
	Level     ids.LockLevel `json:"level"`
}

// GlobalLockInfo is a point-in-time snapshot of a lock. It is not live state.
type GlobalLockInfo struct {
	LockID             ids.LockID            `json:"lock_id"`
	Level              ids.LockLevel         `json:"level"`
	RequestQueueLength int32                 `json:"request_queue_length"`
	UpgradeQueueLength int32                 `json:"upgrade_queue_length"`
	Holders            []GlobalLockStateInfo `json:"holders"`
	GreedyHolders      []GlobalLockStateInfo `json:"greedy_holders"`
	Waiters            []GlobalLockStateInfo `json:"waiters"`
}

// --------------------------------------------------------------------------
// Binary Encoding
// --------------------------------------------------------------------------
//
// All integers are big endian. Strings and blocks are prefixed with their
// length as int32.
//
//	GlobalLockInfo:      lockID, level(int32), requestQueue(int32), upgradeQueue(int32),
//	                     holders, greedyHolders, waiters
//	GlobalLockStateInfo: lockID, nodeID(uint64), threadID(int64), timestamp(int64),
//	                     timeout(int64), level(int32)

// MarshalBinary implements encoding.BinaryMarshaler.
func (info GlobalLockInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = appendString(buf, string(info.LockID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(info.Level))
	buf = binary.BigEndian.AppendUint32(buf, uint32(info.RequestQueueLength))
	buf = binary.BigEndian.AppendUint32(buf, uint32(info.UpgradeQueueLength))
	for _, block := range [][]GlobalLockStateInfo{info.Holders, info.GreedyHolders, info.Waiters} {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(block)))
		for _, s := range block {
			buf = s.appendBinary(buf)
		}
	}
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (info *GlobalLockInfo) UnmarshalBinary(data []byte) error {
	r := &reader{data: data}
	info.LockID = ids.LockID(r.readString())
	info.Level = ids.LockLevel(r.readInt32())
	info.RequestQueueLength = r.readInt32()
	info.UpgradeQueueLength = r.readInt32()

	for _, block := range []*[]GlobalLockStateInfo{&info.Holders, &info.GreedyHolders, &info.Waiters} {
		n := r.readInt32()
		if n < 0 {
			r.fail("negative block length %d", n)
		}
		if r.err != nil {
			return r.err
		}
		*block = make([]GlobalLockStateInfo, 0, min(int(n), len(r.data)))
		for i := int32(0); i < n && r.err == nil; i++ {
			*block = append(*block, r.stateInfo())
		}
	}
	if r.err == nil && len(r.data) > 0 {
		r.fail("%d trailing bytes", len(r.data))
	}
	return r.err
}

func (s GlobalLockStateInfo) appendBinary(buf []byte) []byte {
	buf = appendString(buf, string(s.LockID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.NodeID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.ThreadID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.Timestamp))
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.Timeout))
	buf = binary.BigEndian.AppendUint32(buf, uint32(s.Level))
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// reader decodes the binary snapshot format. The first error sticks, all
// later reads return zero values.
type reader struct {
	data []byte
	err  error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrMalformedSnapshot, fmt.Sprintf(format, args...))
	}
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data) < n {
		r.fail("need %d bytes, have %d", n, len(r.data))
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *reader) readInt32() int32 {
	if b := r.next(4); b != nil {
		return int32(binary.BigEndian.Uint32(b))
	}
	return 0
}

func (r *reader) readInt64() int64 {
	if b := r.next(8); b != nil {
		return int64(binary.BigEndian.Uint64(b))
	}
	return 0
}

func (r *reader) readString() string {
	n := r.readInt32()
	if b := r.next(int(n)); b != nil {
		return string(b)
	}
	return ""
}

func (r *reader) stateInfo() GlobalLockStateInfo {
	return GlobalLockStateInfo{
		LockID:    ids.LockID(r.readString()),
		NodeID:    ids.NodeID(r.readInt64()),
		ThreadID:  ids.ThreadID(r.readInt64()),
		Timestamp: r.readInt64(),
		Timeout:   r.readInt64(),
		Level:     ids.LockLevel(r.readInt32()),
	}
}
