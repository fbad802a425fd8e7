package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// frameType is a socket.io (engine.io v3) packet type.
type frameType int

const (
	frameOther frameType = iota
	frameOpen
	frameClose
	framePing
	framePong
	frameNoop
	frameConnect
	frameDisconnect
	frameEvent
	frameAck
	frameError
)

func (t frameType) String() string {
	switch t {
	case frameOpen:
		return "open"
	case frameClose:
		return "close"
	case framePing:
		return "ping"
	case framePong:
		return "pong"
	case frameNoop:
		return "noop"
	case frameConnect:
		return "connect"
	case frameDisconnect:
		return "disconnect"
	case frameEvent:
		return "event"
	case frameAck:
		return "ack"
	case frameError:
		return "error"
	default:
		return "other"
	}
}

const (
	pingFrame  = "2"
	pongFrame  = "3"
	eventFrame = "42"
)

var errEmptyFrame = errors.New("empty frame")

type frame struct {
	Type    frameType
	Event   string
	Payload json.RawMessage
	// PingInterval is set on open frames, in milliseconds.
	PingInterval int64
}

type openPayload struct {
	SID          string `json:"sid"`
	PingInterval int64  `json:"pingInterval"`
	PingTimeout  int64  `json:"pingTimeout"`
}

func parseFrame(s string) (frame, error) {
	if s == "" {
		return frame{}, errEmptyFrame
	}
	switch s {
	case "1":
		return frame{Type: frameClose}, nil
	case pingFrame:
		return frame{Type: framePing}, nil
	case pongFrame:
		return frame{Type: framePong}, nil
	case "6":
		return frame{Type: frameNoop}, nil
	}

	switch {
	case s[0] == '0':
		var p openPayload
		if err := json.Unmarshal([]byte(s[1:]), &p); err != nil {
			return frame{}, fmt.Errorf("decode open frame: %w", err)
		}
		return frame{Type: frameOpen, PingInterval: p.PingInterval}, nil
	case strings.HasPrefix(s, "40"):
		return frame{Type: frameConnect}, nil
	case strings.HasPrefix(s, "41"):
		return frame{Type: frameDisconnect}, nil
	case strings.HasPrefix(s, "43"):
		return frame{Type: frameAck}, nil
	case strings.HasPrefix(s, "44"):
		return frame{Type: frameError, Payload: json.RawMessage(s[2:])}, nil
	case strings.HasPrefix(s, eventFrame):
		return parseEvent(s[2:])
	}
	return frame{Type: frameOther}, nil
}

// parseEvent decodes `[name, payload]`, skipping an optional numeric ack
// id before the array.
func parseEvent(s string) (frame, error) {
	i := strings.IndexByte(s, '[')
	if i < 0 {
		return frame{}, fmt.Errorf("event frame without array: %q", s)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(s[i:]), &parts); err != nil {
		return frame{}, fmt.Errorf("decode event frame: %w", err)
	}
	if len(parts) == 0 {
		return frame{}, errors.New("event frame with empty array")
	}
	f := frame{Type: frameEvent}
	if err := json.Unmarshal(parts[0], &f.Event); err != nil {
		return frame{}, fmt.Errorf("decode event name: %w", err)
	}
	if len(parts) > 1 {
		f.Payload = parts[1]
	}
	return f, nil
}

func encodeEvent(name string, payload any) (string, error) {
	b, err := json.Marshal([]any{name, payload})
	if err != nil {
		return "", fmt.Errorf("encode %s event: %w", name, err)
	}
	return eventFrame + string(b), nil
}
