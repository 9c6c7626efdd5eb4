package interactive

import (
	"encoding/json"
	"fmt"

	"github.com/pulsewire/realtime/internal/domain"
)

// Inbound message types.
const (
	msgSubscribe    = "subscribe"
	msgUnsubscribe  = "unsubscribe"
	msgTypingStart  = "typing_start"
	msgTypingStop   = "typing_stop"
	msgLiveReaction = "live_reaction"
	msgJoinThread   = "join_thread"
	msgLeaveThread  = "leave_thread"
	msgPing         = "ping"
	msgPong         = "pong"
)

// clientMessage is the envelope every inbound frame must match:
// a type discriminator plus a data object.
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type channelsPayload struct {
	Channels []string `json:"channels"`
}

type threadPayload struct {
	ThreadID string `json:"thread_id"`
}

type reactionPayload struct {
	PostID   string `json:"post_id"`
	Reaction string `json:"reaction"`
}

func parseClientMessage(raw []byte) (clientMessage, error) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return clientMessage{}, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return clientMessage{}, fmt.Errorf("%w: missing type", domain.ErrMalformedMessage)
	}
	return msg, nil
}

func decodeData(msg clientMessage, out any) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("%w: missing data", domain.ErrMalformedMessage)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	return nil
}

// serverFrame is the outbound envelope mirroring clientMessage.
type serverFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func encodeFrame(frameType string, data any) []byte {
	encoded, err := json.Marshal(serverFrame{Type: frameType, Data: data})
	if err != nil {
		// Frames are built from maps and structs we control.
		return []byte(`{"type":"error","data":{"message":"internal encoding error"}}`)
	}
	return encoded
}

func errorFrame(message string) []byte {
	return encodeFrame("error", map[string]any{"message": message})
}
