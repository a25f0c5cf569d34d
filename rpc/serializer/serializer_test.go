package serializer

import (
	"github.com/ValentinKolb/dMon/lib/ids"
	"github.com/ValentinKolb/dMon/lib/timer"
	"github.com/ValentinKolb/dMon/rpc/common"
	"reflect"
	"testing"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testMessages creates a set of test messages with different fields filled
func testMessages() []common.Message {
	return []common.Message{
		// Basic message with just a type
		{MsgType: common.MsgTSuccess},

		// Lock request
		*common.NewLockRequest("account-1", 42, ids.LevelWrite),

		// Try lock with a bounded spec
		*common.NewTryLockRequest("account-1", 42, ids.LevelRead, timer.NewMillisNanos(150, 500)),

		// Unlock of a greedy lease
		*common.NewUnlockRequest("account-1", ids.VMThreadID),

		// Notify all
		*common.NewNotifyRequest("queue", 7, true),

		// Award event
		*common.NewAwardEvent("account-1", 3, 42, ids.LevelWrite, true),

		// Recall event
		*common.NewRecallEvent("account-1", 3, ids.LevelRead),

		// Error response
		{
			MsgType: common.MsgTError,
			Err:     "test error message",
		},

		// Message with all fields filled
		{
			MsgType:  common.MsgTQuery,
			LockID:   "complete-lock",
			NodeID:   ^ids.NodeID(0),
			ThreadID: -12,
			Level:    ids.LevelConcurrent,
			TimerSig: timer.SigMillis,
			Millis:   9000,
			Nanos:    1,
			All:      true,
			Greedy:   true,
			Ok:       true,
			Err:      "not held",
			Meta:     []byte("test-meta-data"),
		},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				// Serialize
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				// Deserialize
				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				// Compare
				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, msg, result)
				}
			}
		})
	}
}

// TestMessageTypes tests each message type with each serializer
func TestMessageTypes(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			// Test each message type (don't test for MsgTUnknown since this should raise an error)
			for msgType := common.MsgTSuccess; msgType <= common.MsgTNotAwarded; msgType++ {
				msg := common.Message{MsgType: msgType}

				// Serialize
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message type %s: %v", msgType.String(), err)
					continue
				}

				// Deserialize
				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message type %s: %v", msgType.String(), err)
					continue
				}

				// Check type
				if result.MsgType != msgType {
					t.Errorf("Message type doesn't match after round trip: Expected %s, got %s",
						msgType.String(), result.MsgType.String())
				}
			}
		})
	}
}

// TestTimerSpecTransport checks that wait and try-lock arguments survive the wire
func TestTimerSpecTransport(t *testing.T) {
	tests := []struct {
		name   string
		spec   *timer.TimerSpec
		sig    timer.Signature
		millis int64
		nanos  int32
	}{
		{"infinite", nil, timer.SigNoArgs, 0, 0},
		{"no args", timer.NoTimeout(), timer.SigNoArgs, 0, 0},
		{"zero millis", timer.NewMillis(0), timer.SigMillis, 0, 0},
		{"millis", timer.NewMillis(250), timer.SigMillis, 250, 0},
		{"millis nanos", timer.NewMillisNanos(1, 999), timer.SigMillisNanos, 1, 999},
	}

	for name, factory := range testSerializers {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				serializer := factory()
				data, err := serializer.Serialize(*common.NewWaitRequest("monitor", 1, tt.spec))
				if err != nil {
					t.Fatalf("Failed to serialize: %v", err)
				}

				var result common.Message
				if err := serializer.Deserialize(data, &result); err != nil {
					t.Fatalf("Failed to deserialize: %v", err)
				}

				spec := result.TimerSpec()
				if spec.Signature() != tt.sig || spec.Millis() != tt.millis || spec.Nanos() != tt.nanos {
					t.Errorf("expected %v/%d/%d, got %v/%d/%d",
						tt.sig, tt.millis, tt.nanos, spec.Signature(), spec.Millis(), spec.Nanos())
				}
			})
		}
	}
}

// TestBinarySerializerSpecific tests specific edge cases for the binary serializer
func TestBinarySerializerSpecific(t *testing.T) {
	serializer := NewBinarySerializer()

	// Test cases for empty or zero values
	testCases := []struct {
		name string
		msg  common.Message
	}{
		{
			name: "Empty message",
			msg:  common.Message{},
		},
		{
			name: "Message with empty strings and zero values",
			msg: common.Message{
				MsgType: common.MsgTLock,
				LockID:  "",
				Level:   ids.LevelNil,
				Ok:      false,
				Err:     "",
				Meta:    []byte{},
			},
		},
		{
			name: "Message with only booleans",
			msg: common.Message{
				MsgType: common.MsgTAward,
				Ok:      true,
				All:     true,
				Greedy:  true,
			},
		},
		{
			name: "Zero millis spec is kept",
			msg: common.Message{
				MsgType:  common.MsgTTryLock,
				TimerSig: timer.SigMillis,
			},
		},
		{
			name: "Message with empty meta slice but not nil",
			msg: common.Message{
				MsgType: common.MsgTQuery,
				Meta:    []byte{},
			},
		},
		{
			name: "VM thread id",
			msg: common.Message{
				MsgType:  common.MsgTUnlock,
				LockID:   "l",
				ThreadID: ids.VMThreadID,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Serialize
			data, err := serializer.Serialize(tc.msg)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			// Deserialize
			var result common.Message
			err = serializer.Deserialize(data, &result)
			if err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}

			// Byte slices keep their nil / non-nil state, everything else compares directly
			if (tc.msg.Meta == nil) != (result.Meta == nil) {
				t.Errorf("Meta nil/non-nil mismatch: expected %v, got %v", tc.msg.Meta, result.Meta)
			}
			if !reflect.DeepEqual(tc.msg, result) {
				t.Errorf("Message mismatch:\nexpected %+v\ngot      %+v", tc.msg, result)
			}
		})
	}
}

// TestBinaryDeserializeReusesMeta checks that a large enough Meta buffer is reused
func TestBinaryDeserializeReusesMeta(t *testing.T) {
	serializer := NewBinarySerializer()
	data, err := serializer.Serialize(common.Message{MsgType: common.MsgTQuery, Meta: []byte("abc")})
	if err != nil {
		t.Fatalf("Failed to serialize: %v", err)
	}

	buf := make([]byte, 0, 16)
	msg := common.Message{Meta: buf}
	if err := serializer.Deserialize(data, &msg); err != nil {
		t.Fatalf("Failed to deserialize: %v", err)
	}
	if string(msg.Meta) != "abc" {
		t.Errorf("expected meta abc, got %q", msg.Meta)
	}
	if &msg.Meta[:1][0] != &buf[:1][0] {
		t.Errorf("expected meta buffer to be reused")
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectError: true,
		},
		{
			name:        "Too short header",
			data:        []byte{1, 0}, // Message type and flags, no bool byte
			expectError: true,
		},
		{
			name:        "Valid header only",
			data:        []byte{1, 0, 0}, // Message type 1, no fields
			expectError: false,
		},
		{
			name:        "Invalid length for lock id",
			data:        []byte{3, hasLockID, 0, 0, 0, 0, 5, 'a', 'b', 'c'}, // Claims length 5 but only 3 bytes provided
			expectError: true,
		},
		{
			name:        "Truncated thread id",
			data:        []byte{3, hasThreadID, 0, 0, 0, 0, 1},
			expectError: true,
		},
		{
			name:        "Truncated timer",
			data:        []byte{4, hasTimer, 0, 1, 0, 0, 0},
			expectError: true,
		},
		{
			name:        "Invalid length for meta",
			data:        []byte{8, hasMeta, 0, 0, 0, 0, 10}, // Claims meta length 10 but no bytes provided
			expectError: true,
		},
		{
			name:        "Trailing bytes",
			data:        []byte{1, 0, 0, 9},
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.Message
			err := serializer.Deserialize(tc.data, &msg)

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}

// TestDeserializeReusedMessage tests that decoding into a used message does not keep old fields
func TestDeserializeReusedMessage(t *testing.T) {
	messages := testMessages()
	full := messages[len(messages)-1]
	basic := messages[0]

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()
			fullData, err := serializer.Serialize(full)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}
			basicData, err := serializer.Serialize(basic)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			var msg common.Message
			if err := serializer.Deserialize(fullData, &msg); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}
			if err := serializer.Deserialize(basicData, &msg); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}
			if !reflect.DeepEqual(basic, msg) {
				t.Errorf("Fields of the previous message survived:\nExpected: %+v\nResult: %+v", basic, msg)
			}
		})
	}
}

// TestTrailingData tests that every serializer rejects a frame with more than one message
func TestTrailingData(t *testing.T) {
	msg := *common.NewLockRequest("account-1", 42, ids.LevelWrite)

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()
			data, err := serializer.Serialize(msg)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			var result common.Message
			if err := serializer.Deserialize(append(data, data...), &result); err == nil {
				t.Error("Expected an error for two messages in one frame")
			}
		})
	}
}

// TestInvalidJSONData tests how the json serializer handles foreign input
func TestInvalidJSONData(t *testing.T) {
	serializer := NewJSONSerializer()

	testCases := []struct {
		name        string
		data        string
		expectError bool
	}{
		{"Empty object", `{}`, false},
		{"Trailing whitespace", "{}\n", false},
		{"Unknown field", `{"lock_holder": 1}`, true},
		{"Not an object", `[1, 2]`, true},
		{"Truncated", `{"msg_type": 1`, true},
		{"Empty data", ``, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.Message
			err := serializer.Deserialize([]byte(tc.data), &msg)

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}
