package ports

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ContentPart is one typed fragment of a message body.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Message is one canonical turn message after gateway normalization.
type Message struct {
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content"`
}

// Text concatenates the text fragments of the message body.
func (m Message) Text() string {
	var out string
	for _, part := range m.Content {
		if part.Type == "text" {
			out += part.Text
		}
	}
	return out
}

// TextMessage builds a single-part text message.
func TextMessage(role Role, text string) Message {
	return Message{
		Role:    role,
		Content: []ContentPart{{Type: "text", Text: text}},
	}
}
