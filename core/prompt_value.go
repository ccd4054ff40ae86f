package core

// PromptValue is the output of a prompt template. It renders either as a
// single string (for completion models) or as a message list (for chat models).
type PromptValue struct {
	text     string
	messages []Message
	chat     bool
}

// NewStringPromptValue wraps plain prompt text.
func NewStringPromptValue(text string) PromptValue {
	return PromptValue{text: text}
}

// NewChatPromptValue wraps a rendered message list.
func NewChatPromptValue(msgs []Message) PromptValue {
	return PromptValue{messages: append([]Message(nil), msgs...), chat: true}
}

// IsChat reports whether the value was produced from messages.
func (p PromptValue) IsChat() bool { return p.chat }

// String renders the prompt as text. Chat values use "Role: content" lines.
func (p PromptValue) String() string {
	if p.chat {
		return BufferString(p.messages)
	}
	return p.text
}

// ToMessages renders the prompt as messages. String values become a single
// user message.
func (p PromptValue) ToMessages() []Message {
	if p.chat {
		return append([]Message(nil), p.messages...)
	}
	return []Message{UserMessage(p.text)}
}
