package fuzzy

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/FumingPower3925/surge/internal/bytestream"
	"github.com/FumingPower3925/surge/internal/wsframe"
)

type event struct {
	kind    string
	op      wsframe.Opcode
	payload string
}

type eventLog struct {
	events []event
}

func (l *eventLog) OnMessage(op wsframe.Opcode, payload []byte) error {
	l.events = append(l.events, event{"message", op, string(payload)})
	return nil
}

func (l *eventLog) OnPing(payload []byte) error {
	l.events = append(l.events, event{"ping", wsframe.OpPing, string(payload)})
	return nil
}

func (l *eventLog) OnClose(payload []byte) error {
	l.events = append(l.events, event{"close", wsframe.OpClose, string(payload)})
	return nil
}

// decodeChunks feeds chunks one at a time and stops at the first error.
func decodeChunks(chunks ...[]byte) ([]event, error) {
	d := wsframe.NewDecoder(1<<16, true)
	var buf bytestream.Buffer
	log := &eventLog{}
	for _, c := range chunks {
		buf.Append(c)
		if err := d.Decode(&buf, log); err != nil {
			return log.events, err
		}
	}
	return log.events, nil
}

// FuzzDecoderSplit verifies that splitting the input at any point yields the
// same events and the same error as feeding it whole.
func FuzzDecoderSplit(f *testing.F) {
	key := [4]byte{1, 2, 3, 4}
	var seed []byte
	seed = wsframe.AppendMaskedFrame(seed, true, wsframe.OpText, key, []byte("hello"))
	seed = wsframe.AppendMaskedFrame(seed, false, wsframe.OpBinary, key, []byte{0, 1})
	seed = wsframe.AppendMaskedFrame(seed, true, wsframe.OpPing, key, []byte("p"))
	seed = wsframe.AppendMaskedFrame(seed, true, wsframe.OpContinuation, key, []byte{2, 3})
	seed = wsframe.AppendMaskedFrame(seed, true, wsframe.OpClose, key, wsframe.ClosePayload(1000, "bye"))

	f.Add(seed, 3)
	f.Add(seed, 11)
	f.Add(wsframe.AppendMaskedFrame(nil, true, wsframe.OpBinary, key, bytes.Repeat([]byte{9}, 300)), 4)
	f.Add([]byte{0x81, 0x02, 'h', 'i'}, 1)
	f.Add([]byte{0x83, 0x80, 0, 0, 0, 0}, 1)
	f.Add([]byte{0x81, 0x82, 0, 0, 0, 0, 0xff, 0xfe}, 5)
	f.Add([]byte{0x82, 0xff, 0x7f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, 2)
	f.Add([]byte{}, 0)

	f.Fuzz(func(t *testing.T, data []byte, split int) {
		if split < 0 {
			split = -split
		}
		if len(data) > 0 {
			split %= len(data) + 1
		} else {
			split = 0
		}

		wholeEvents, wholeErr := decodeChunks(data)
		splitEvents, splitErr := decodeChunks(data[:split], data[split:])

		if !reflect.DeepEqual(wholeEvents, splitEvents) {
			t.Fatalf("events differ at split %d:\nwhole %v\nsplit %v", split, wholeEvents, splitEvents)
		}
		if (wholeErr == nil) != (splitErr == nil) {
			t.Fatalf("errors differ at split %d: whole %v, split %v", split, wholeErr, splitErr)
		}
		if wholeErr != nil && wsframe.CloseCode(wholeErr) != wsframe.CloseCode(splitErr) {
			t.Fatalf("close codes differ: %d vs %d", wsframe.CloseCode(wholeErr), wsframe.CloseCode(splitErr))
		}
		if wholeErr != nil && !errors.Is(wholeErr, wsframe.ErrCloseReceived) {
			if code := wsframe.CloseCode(wholeErr); code < 1002 || code > 1011 {
				t.Fatalf("unexpected close code %d for %v", code, wholeErr)
			}
		}
	})
}

// FuzzMaskResume verifies masking in two pieces matches masking in one.
func FuzzMaskResume(f *testing.F) {
	f.Add([]byte("hello websocket"), uint32(0x01020304), 5)
	f.Add([]byte{}, uint32(0), 0)
	f.Add(bytes.Repeat([]byte{0xaa}, 100), uint32(0xdeadbeef), 33)

	f.Fuzz(func(t *testing.T, data []byte, k uint32, split int) {
		key := [4]byte{byte(k >> 24), byte(k >> 16), byte(k >> 8), byte(k)}
		if split < 0 {
			split = -split
		}
		if len(data) > 0 {
			split %= len(data) + 1
		} else {
			split = 0
		}

		whole := append([]byte(nil), data...)
		wsframe.Mask(key, 0, whole)

		pieces := append([]byte(nil), data...)
		pos := wsframe.Mask(key, 0, pieces[:split])
		wsframe.Mask(key, pos, pieces[split:])

		if !bytes.Equal(whole, pieces) {
			t.Fatalf("split %d: masked output differs", split)
		}

		wsframe.Mask(key, 0, whole)
		if !bytes.Equal(whole, data) {
			t.Fatal("masking twice did not restore the input")
		}
	})
}
