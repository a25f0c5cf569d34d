package serializer

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"github.com/ValentinKolb/dMon/rpc/common"
)

// NewGOBSerializer creates a new serializer using Go's binary gob format
func NewGOBSerializer() IRPCSerializer {
	return &gobSerializerImpl{}
}

// gobSerializerImpl implements the IRPCSerializer interface using gob encoding.
// Every frame is a self-contained gob stream (type definition plus value).
type gobSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (g gobSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.MsgType, err)
	}
	return buf.Bytes(), nil
}

func (g gobSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	// gob skips zero fields, reset so they are not taken from a reused message
	*msg = common.Message{}

	buf := bytes.NewReader(b)
	if err := gob.NewDecoder(buf).Decode(msg); err != nil {
		return fmt.Errorf("invalid gob message: %w", err)
	}
	if buf.Len() > 0 {
		return fmt.Errorf("%d trailing bytes after gob message", buf.Len())
	}
	return nil
}
