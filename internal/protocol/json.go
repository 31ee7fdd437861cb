package protocol

import "encoding/json"

// textEnvelope is the JSON shape accepted from text-mode clients. Unknown
// fields are ignored; unknown types map to Data.
type textEnvelope struct {
	Type          string          `json:"type"`
	SessionID     string          `json:"session_id,omitempty"`
	ClientVersion string          `json:"client_version,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Timestamp     uint64          `json:"timestamp,omitempty"`
	MessageID     uint64          `json:"message_id,omitempty"`
	Code          uint16          `json:"code,omitempty"`
	Message       string          `json:"message,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// DecodeText parses a JSON text frame and maps its "type" to a message kind:
// connect|connection, disconnect, heartbeat|ping, reconnect, error; anything
// else becomes Data carrying the raw frame bytes.
func DecodeText(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, ErrEmptyMessage
	}
	if len(frame) > MaxFrameBytes {
		return Message{}, ErrMessageTooLarge
	}
	var env textEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, ErrInvalidFrame
	}

	switch env.Type {
	case "connect", "connection":
		if !validSessionID(env.SessionID) {
			return Message{}, ErrInvalidFrame
		}
		return Message{Type: TypeConnect, Connect: ConnectPayload{
			SessionID:     env.SessionID,
			ClientVersion: env.ClientVersion,
		}}, nil
	case "disconnect":
		return Message{Type: TypeDisconnect, Disconnect: DisconnectPayload{Reason: env.Reason}}, nil
	case "heartbeat", "ping":
		return Message{Type: TypeHeartbeat, Heartbeat: HeartbeatPayload{Timestamp: env.Timestamp}}, nil
	case "reconnect":
		if !validSessionID(env.SessionID) {
			return Message{}, ErrInvalidFrame
		}
		return Message{Type: TypeReconnect, Reconnect: ReconnectPayload{SessionID: env.SessionID}}, nil
	case "error":
		return Message{Type: TypeError, Error: ErrorPayload{Code: env.Code, Message: env.Message}}, nil
	default:
		return Message{Type: TypeData, Data: DataPayload{
			Payload:   frame,
			MessageID: env.MessageID,
			Timestamp: env.Timestamp,
		}}, nil
	}
}

// EncodeTextHeartbeatResponse builds the JSON reply to a text heartbeat.
func EncodeTextHeartbeatResponse(timestamp uint64) []byte {
	out, _ := json.Marshal(struct {
		Type      string `json:"type"`
		Timestamp uint64 `json:"timestamp"`
	}{Type: "heartbeat_response", Timestamp: timestamp})
	return out
}

// EncodeTextError builds a JSON error frame for text-mode clients.
func EncodeTextError(code uint16, message string) []byte {
	out, _ := json.Marshal(struct {
		Type    string `json:"type"`
		Code    uint16 `json:"code"`
		Message string `json:"message"`
	}{Type: "error", Code: code, Message: message})
	return out
}

// EncodeTextData builds a JSON data frame; payload is base64-encoded by the
// standard library's []byte marshaling.
func EncodeTextData(payload []byte, messageID, timestamp uint64) []byte {
	out, _ := json.Marshal(struct {
		Type      string `json:"type"`
		Payload   []byte `json:"payload"`
		MessageID uint64 `json:"message_id"`
		Timestamp uint64 `json:"timestamp"`
	}{Type: "data", Payload: payload, MessageID: messageID, Timestamp: timestamp})
	return out
}
