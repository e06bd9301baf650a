// Package message defines the envelope exchanged between region controllers.
//
// Message is serialized by the codec layer and wrapped in a protocol frame
// for transmission. The same envelope carries requests and responses.
package message

// Message carries the data for a single command invocation or its answer.
//
//   - On request:  Command is set, Payload contains the JSON-encoded arguments, Error is empty.
//   - On response: Payload contains the JSON-encoded reply, Error is non-empty if the command failed.
type Message struct {
	Command string // Command name, e.g. "ReportBootImages"
	Error   string // Non-empty if the answering side failed the command
	Payload []byte // JSON arguments (request) or reply (response)
}

// Failed builds a response that carries only an error.
func Failed(command, reason string) *Message {
	return &Message{Command: command, Error: reason}
}
