// Package protocol implements the binary tagged-union frame codec and the
// JSON text fallback accepted from interoperability clients.
//
// Binary layout (big-endian):
//
//	type: u8 | data_type: u8 | payload fields
//
// Strings and the error message carry a u16 length prefix; Data.payload
// carries a u32 length prefix and decodes as a subslice of the input buffer
// (no copy). Decoding is strict: truncated fields and trailing bytes fail.
package protocol

import (
	"encoding/binary"
	"errors"
)

// MsgType tags the six application frame kinds.
type MsgType uint8

const (
	TypeConnect    MsgType = 0
	TypeDisconnect MsgType = 1
	TypeData       MsgType = 2
	TypeHeartbeat  MsgType = 3
	TypeReconnect  MsgType = 4
	TypeError      MsgType = 5
)

// String returns the lowercase wire name of the message kind.
func (t MsgType) String() string {
	switch t {
	case TypeConnect:
		return "connect"
	case TypeDisconnect:
		return "disconnect"
	case TypeData:
		return "data"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeReconnect:
		return "reconnect"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	// MaxFrameBytes is the protocol ceiling on a single application frame.
	MaxFrameBytes = 65536

	// MaxSessionIDBytes bounds the client-supplied session identifier.
	MaxSessionIDBytes = 256

	headerLen = 2
)

var (
	// ErrInvalidFrame signals a frame that neither the binary nor the text
	// parser accepts.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrMessageTooLarge signals a frame above MaxFrameBytes.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrEmptyMessage signals a zero-length frame.
	ErrEmptyMessage = errors.New("empty message")
)

// Message is a decoded application frame. Only the payload matching Type is
// populated.
type Message struct {
	Type MsgType

	Connect    ConnectPayload
	Disconnect DisconnectPayload
	Data       DataPayload
	Heartbeat  HeartbeatPayload
	Reconnect  ReconnectPayload
	Error      ErrorPayload
}

// ConnectPayload opens a new session.
type ConnectPayload struct {
	SessionID     string
	ClientVersion string
}

// ReconnectPayload resumes a suspended session.
type ReconnectPayload struct {
	SessionID string
}

// DisconnectPayload closes a session explicitly.
type DisconnectPayload struct {
	Reason string
}

// DataPayload carries opaque application bytes. Payload aliases the decoded
// frame buffer; callers that retain it past the read loop must copy.
type DataPayload struct {
	Payload   []byte
	MessageID uint64
	Timestamp uint64
}

// HeartbeatPayload is an application-level keepalive.
type HeartbeatPayload struct {
	Timestamp uint64
}

// ErrorPayload reports a protocol-level failure to the peer.
type ErrorPayload struct {
	Code    uint16
	Message string
}

// Decode parses a binary frame.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, ErrEmptyMessage
	}
	if len(frame) > MaxFrameBytes {
		return Message{}, ErrMessageTooLarge
	}
	if len(frame) < headerLen {
		return Message{}, ErrInvalidFrame
	}
	typ := MsgType(frame[0])
	if frame[1] != frame[0] {
		return Message{}, ErrInvalidFrame
	}
	body := frame[headerLen:]

	msg := Message{Type: typ}
	var rest []byte
	var err error
	switch typ {
	case TypeConnect:
		var sid, ver string
		if sid, rest, err = readString(body); err != nil {
			return Message{}, err
		}
		if ver, rest, err = readString(rest); err != nil {
			return Message{}, err
		}
		if !validSessionID(sid) {
			return Message{}, ErrInvalidFrame
		}
		msg.Connect = ConnectPayload{SessionID: sid, ClientVersion: ver}
	case TypeReconnect:
		var sid string
		if sid, rest, err = readString(body); err != nil {
			return Message{}, err
		}
		if !validSessionID(sid) {
			return Message{}, ErrInvalidFrame
		}
		msg.Reconnect = ReconnectPayload{SessionID: sid}
	case TypeDisconnect:
		var reason string
		if reason, rest, err = readString(body); err != nil {
			return Message{}, err
		}
		msg.Disconnect = DisconnectPayload{Reason: reason}
	case TypeData:
		if len(body) < 4 {
			return Message{}, ErrInvalidFrame
		}
		n := int(binary.BigEndian.Uint32(body[:4]))
		if n < 0 || n > MaxFrameBytes || len(body) < 4+n+16 {
			return Message{}, ErrInvalidFrame
		}
		msg.Data = DataPayload{
			Payload:   body[4 : 4+n],
			MessageID: binary.BigEndian.Uint64(body[4+n : 4+n+8]),
			Timestamp: binary.BigEndian.Uint64(body[4+n+8 : 4+n+16]),
		}
		rest = body[4+n+16:]
	case TypeHeartbeat:
		if len(body) < 8 {
			return Message{}, ErrInvalidFrame
		}
		msg.Heartbeat = HeartbeatPayload{Timestamp: binary.BigEndian.Uint64(body[:8])}
		rest = body[8:]
	case TypeError:
		if len(body) < 2 {
			return Message{}, ErrInvalidFrame
		}
		code := binary.BigEndian.Uint16(body[:2])
		var text string
		if text, rest, err = readString(body[2:]); err != nil {
			return Message{}, err
		}
		msg.Error = ErrorPayload{Code: code, Message: text}
	default:
		return Message{}, ErrInvalidFrame
	}
	if len(rest) != 0 {
		return Message{}, ErrInvalidFrame
	}
	return msg, nil
}

// EncodeConnect builds a Connect frame.
func EncodeConnect(sessionID, clientVersion string) ([]byte, error) {
	if !validSessionID(sessionID) {
		return nil, ErrInvalidFrame
	}
	out, err := appendString(header(TypeConnect), sessionID)
	if err != nil {
		return nil, err
	}
	if out, err = appendString(out, clientVersion); err != nil {
		return nil, err
	}
	return checkSize(out)
}

// EncodeReconnect builds a Reconnect frame.
func EncodeReconnect(sessionID string) ([]byte, error) {
	if !validSessionID(sessionID) {
		return nil, ErrInvalidFrame
	}
	out, err := appendString(header(TypeReconnect), sessionID)
	if err != nil {
		return nil, err
	}
	return checkSize(out)
}

// EncodeDisconnect builds a Disconnect frame.
func EncodeDisconnect(reason string) ([]byte, error) {
	out, err := appendString(header(TypeDisconnect), reason)
	if err != nil {
		return nil, err
	}
	return checkSize(out)
}

// EncodeData builds a Data frame around payload.
func EncodeData(payload []byte, messageID, timestamp uint64) ([]byte, error) {
	if len(payload) > MaxFrameBytes {
		return nil, ErrMessageTooLarge
	}
	out := make([]byte, 0, headerLen+4+len(payload)+16)
	out = append(out, header(TypeData)...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	out = binary.BigEndian.AppendUint64(out, messageID)
	out = binary.BigEndian.AppendUint64(out, timestamp)
	return checkSize(out)
}

// EncodeHeartbeat builds a Heartbeat frame.
func EncodeHeartbeat(timestamp uint64) []byte {
	out := make([]byte, 0, headerLen+8)
	out = append(out, header(TypeHeartbeat)...)
	return binary.BigEndian.AppendUint64(out, timestamp)
}

// EncodeError builds an Error frame.
func EncodeError(code uint16, message string) ([]byte, error) {
	out := append(header(TypeError), 0, 0)
	binary.BigEndian.PutUint16(out[headerLen:], code)
	out, err := appendString(out, message)
	if err != nil {
		return nil, err
	}
	return checkSize(out)
}

// HasJSONPrefix reports whether the frame starts like a JSON document. Used
// as the fallback discriminator when the WebSocket opcode is not decisive.
func HasJSONPrefix(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	switch frame[0] {
	case '{', '[', '"':
		return true
	}
	return false
}

func header(t MsgType) []byte {
	return []byte{byte(t), byte(t)}
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, ErrInvalidFrame
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	if len(b) < 2+n {
		return "", nil, ErrInvalidFrame
	}
	return string(b[2 : 2+n]), b[2+n:], nil
}

func appendString(out []byte, s string) ([]byte, error) {
	if len(s) > 0xffff {
		return nil, ErrMessageTooLarge
	}
	out = binary.BigEndian.AppendUint16(out, uint16(len(s)))
	return append(out, s...), nil
}

func checkSize(out []byte) ([]byte, error) {
	if len(out) > MaxFrameBytes {
		return nil, ErrMessageTooLarge
	}
	return out, nil
}

func validSessionID(id string) bool {
	return id != "" && len(id) <= MaxSessionIDBytes
}
