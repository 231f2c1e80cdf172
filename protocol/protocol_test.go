package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeSimpleFrames(t *testing.T) {
	p, err := Decode([]byte("2::"))
	assert.NoError(t, err)
	assert.Equal(t, FrameHeartbeat, p.Type)

	p, err = Decode([]byte("0::"))
	assert.NoError(t, err)
	assert.Equal(t, FrameDisconnect, p.Type)

	p, err = Decode([]byte("1::"))
	assert.NoError(t, err)
	assert.Equal(t, FrameConnect, p.Type)

	p, err = Decode([]byte("8::"))
	assert.NoError(t, err)
	assert.Equal(t, FrameNoop, p.Type)
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{"", "5", "5:", "x::", "9::", "55::", "hello"} {
		_, err := Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedFrame, "frame %q", raw)
	}
}

func TestEventRoundTrip(t *testing.T) {
	frame, err := MakeEvent("chat_presenceOfUserChangedTo", "alice", "away")
	assert.NoError(t, err)
	assert.Equal(t, byte('5'), frame[0])

	p, err := Decode(frame)
	assert.NoError(t, err)
	ev, err := ParseEvent(p)
	assert.NoError(t, err)
	assert.Equal(t, "chat_presenceOfUserChangedTo", ev.Name)
	assert.Equal(t, []any{"alice", "away"}, ev.Args)
}

func TestEventWithMapArgs(t *testing.T) {
	frame, err := MakeEvent("chat_postMessage", map[string]any{
		"Channel": "DEFAULT",
		"body":    "hi there",
	})
	assert.NoError(t, err)
	p, err := Decode(frame)
	assert.NoError(t, err)
	ev, err := ParseEvent(p)
	assert.NoError(t, err)
	assert.Len(t, ev.Args, 1)
	arg, ok := ev.Args[0].(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "hi there", arg["body"])
}

func TestParseEventRejectsGarbage(t *testing.T) {
	_, err := ParseEvent(&Packet{Type: FrameEvent, Data: "{not json"})
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = ParseEvent(&Packet{Type: FrameEvent, Data: `{"args":[]}`})
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = ParseEvent(&Packet{Type: FrameHeartbeat})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestReservedEventNames(t *testing.T) {
	for _, name := range []string{"message", "connect", "disconnect", "error"} {
		_, err := MakeEvent(name, "x")
		assert.Error(t, err, "encoding %q", name)

		_, err = ParseEvent(&Packet{Type: FrameEvent, Data: `{"name":"` + name + `","args":[]}`})
		assert.ErrorIs(t, err, ErrMalformedFrame, "decoding %q", name)
	}
}

func TestEncodeMultiSingleFramePassthrough(t *testing.T) {
	hb := MakeHeartbeat()
	assert.Equal(t, hb, EncodeMulti([][]byte{hb}))
}

func TestMultiFrameRoundTrip(t *testing.T) {
	f1, err := MakeEvent("chat_recvMessage", map[string]any{"body": "héllo ☃"})
	assert.NoError(t, err)
	f2 := MakeHeartbeat()
	f3, err := MakeEvent("chat_roomMembershipChanged", map[string]any{"ID": "room-1"})
	assert.NoError(t, err)

	batch := EncodeMulti([][]byte{f1, f2, f3})
	packets, err := DecodeMulti(batch)
	assert.NoError(t, err)
	assert.Len(t, packets, 3)
	assert.Equal(t, FrameEvent, packets[0].Type)
	assert.Equal(t, FrameHeartbeat, packets[1].Type)

	ev, err := ParseEvent(packets[0])
	assert.NoError(t, err)
	arg := ev.Args[0].(map[string]any)
	assert.Equal(t, "héllo ☃", arg["body"], "length prefix counts runes, not bytes")
}

func TestDecodeMultiSingle(t *testing.T) {
	packets, err := DecodeMulti([]byte("2::"))
	assert.NoError(t, err)
	assert.Len(t, packets, 1)
	assert.Equal(t, FrameHeartbeat, packets[0].Type)
}

func TestDecodeMultiMalformed(t *testing.T) {
	for _, raw := range []string{"�", "�x�2::", "�100�2::", "�3�"} {
		_, err := DecodeMulti([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedFrame, "batch %q", raw)
	}
}

func TestMakeAck(t *testing.T) {
	frame, err := MakeAck("12", map[string]any{"ok": true})
	assert.NoError(t, err)
	p, err := Decode(frame)
	assert.NoError(t, err)
	assert.Equal(t, FrameAck, p.Type)
	assert.Equal(t, `12+[{"ok":true}]`, p.Data)

	frame, err = MakeAck("7")
	assert.NoError(t, err)
	p, err = Decode(frame)
	assert.NoError(t, err)
	assert.Equal(t, "7", p.Data)
}
