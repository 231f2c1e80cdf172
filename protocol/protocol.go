// Package protocol implements the socket.io 0.9 text framing used by
// both transports: `<type>:<id>:<endpoint>[:<data>]` frames, JSON
// event payloads and the 0xFFFD length-prefixed batch format.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

type FrameType int

const (
	FrameDisconnect FrameType = iota
	FrameConnect
	FrameHeartbeat
	FrameMessage
	FrameJSON
	FrameEvent
	FrameAck
	FrameError
	FrameNoop
)

// frameSeparator delimits frames in a batch; each frame is preceded by
// its length in runes.
const frameSeparator = "�"

var ErrMalformedFrame = errors.New("malformed frame")

// reservedEventNames may not be used as application event names; the
// framing layer owns them.
var reservedEventNames = map[string]struct{}{
	"message": {}, "connect": {}, "disconnect": {}, "open": {},
	"close": {}, "error": {}, "retry": {}, "reconnect": {},
}

// Packet is a single decoded frame.
type Packet struct {
	Type     FrameType
	ID       string
	Endpoint string
	Data     string
}

// Event is the payload of a FrameEvent packet.
type Event struct {
	Name string `json:"name"`
	Args []any  `json:"args"`
}

// Encode renders a packet in wire form.
func Encode(p *Packet) []byte {
	s := fmt.Sprintf("%d:%s:%s", p.Type, p.ID, p.Endpoint)
	if p.Data != "" {
		s += ":" + p.Data
	}
	return []byte(s)
}

// Decode parses a single frame. The frame must start with a known
// one-digit type followed by at least the id and endpoint separators.
func Decode(raw []byte) (*Packet, error) {
	parts := strings.SplitN(string(raw), ":", 4)
	if len(parts) < 3 {
		return nil, ErrMalformedFrame
	}
	if len(parts[0]) != 1 || parts[0][0] < '0' || parts[0][0] > '8' {
		return nil, ErrMalformedFrame
	}
	p := &Packet{
		Type:     FrameType(parts[0][0] - '0'),
		ID:       parts[1],
		Endpoint: parts[2],
	}
	if len(parts) == 4 {
		p.Data = parts[3]
	}
	return p, nil
}

// MakeEvent builds a `5:::{"name":...,"args":[...]}` frame.
func MakeEvent(name string, args ...any) ([]byte, error) {
	if _, reserved := reservedEventNames[name]; reserved {
		return nil, fmt.Errorf("reserved event name %q", name)
	}
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(Event{Name: name, Args: args})
	if err != nil {
		return nil, err
	}
	return Encode(&Packet{Type: FrameEvent, Data: string(data)}), nil
}

// ParseEvent decodes the JSON payload of an event frame.
func ParseEvent(p *Packet) (*Event, error) {
	if p.Type != FrameEvent {
		return nil, fmt.Errorf("%w: not an event frame", ErrMalformedFrame)
	}
	ev := Event{}
	if err := json.Unmarshal([]byte(p.Data), &ev); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedFrame, err)
	}
	if ev.Name == "" {
		return nil, fmt.Errorf("%w: event without a name", ErrMalformedFrame)
	}
	if _, reserved := reservedEventNames[ev.Name]; reserved {
		return nil, fmt.Errorf("%w: reserved event name %q", ErrMalformedFrame, ev.Name)
	}
	return &ev, nil
}

func MakeConnect() []byte    { return Encode(&Packet{Type: FrameConnect}) }
func MakeDisconnect() []byte { return Encode(&Packet{Type: FrameDisconnect}) }
func MakeHeartbeat() []byte  { return Encode(&Packet{Type: FrameHeartbeat}) }
func MakeNoop() []byte       { return Encode(&Packet{Type: FrameNoop}) }

// MakeAck builds a `6:::<id>[+<json args>]` frame.
func MakeAck(id string, args ...any) ([]byte, error) {
	data := id
	if len(args) > 0 {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		data += "+" + string(raw)
	}
	return Encode(&Packet{Type: FrameAck, Data: data}), nil
}

// EncodeMulti joins frames into a batch. A single frame is passed
// through unchanged; multiple frames are each prefixed with
// `�<rune length>�`.
func EncodeMulti(frames [][]byte) []byte {
	if len(frames) == 1 {
		return frames[0]
	}
	b := strings.Builder{}
	for _, f := range frames {
		b.WriteString(frameSeparator)
		b.WriteString(strconv.Itoa(utf8.RuneCount(f)))
		b.WriteString(frameSeparator)
		b.Write(f)
	}
	return []byte(b.String())
}

// DecodeMulti parses either a single frame or a batch of
// length-prefixed frames.
func DecodeMulti(raw []byte) ([]*Packet, error) {
	s := string(raw)
	if !strings.HasPrefix(s, frameSeparator) {
		p, err := Decode(raw)
		if err != nil {
			return nil, err
		}
		return []*Packet{p}, nil
	}
	packets := make([]*Packet, 0)
	runes := []rune(s)
	sep, _ := utf8.DecodeRuneInString(frameSeparator)
	for i := 0; i < len(runes); {
		if runes[i] != sep {
			return nil, ErrMalformedFrame
		}
		i++
		j := i
		for j < len(runes) && runes[j] != sep {
			j++
		}
		if j == i || j == len(runes) {
			return nil, ErrMalformedFrame
		}
		length, err := strconv.Atoi(string(runes[i:j]))
		if err != nil || length <= 0 {
			return nil, ErrMalformedFrame
		}
		j++
		if j+length > len(runes) {
			return nil, ErrMalformedFrame
		}
		p, err := Decode([]byte(string(runes[j : j+length])))
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
		i = j + length
	}
	if len(packets) == 0 {
		return nil, ErrMalformedFrame
	}
	return packets, nil
}
