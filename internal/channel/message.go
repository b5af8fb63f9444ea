package channel

import (
	"encoding/json"
	"fmt"
)

// Message is what the foreground hands to a blocked worker: either a line
// of user input or a cooperative interrupt.
type Message struct {
	Text        string
	Interrupted bool
}

// Value returns a message carrying user input.
func Value(text string) Message {
	return Message{Text: text}
}

// Interrupted is the message that unblocks a waiting read without input.
var Interrupted = Message{Interrupted: true}

// envelope is the wire form of a Message. The id travels with the payload
// so a shared memory reader can discard a payload written for an abandoned
// wait.
type envelope struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	Interrupted bool   `json:"interrupted"`
}

func encode(msg Message, messageID string) ([]byte, error) {
	data, err := json.Marshal(envelope{
		ID:          messageID,
		Message:     msg.Text,
		Interrupted: msg.Interrupted,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

func decode(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return env, nil
}

func (e envelope) message() Message {
	return Message{Text: e.Message, Interrupted: e.Interrupted}
}
