package execution

import "sync"

// Message is one turn of conversation memory attached to a run.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Memory is the conversation memory handle carried by the execution
// context. Component executors append to it; the engine never reads it.
type Memory interface {
	Append(message Message)
	History() []Message
}

type inMemoryConversation struct {
	mu       sync.Mutex
	messages []Message
}

func NewInMemoryConversation() Memory {
	return &inMemoryConversation{}
}

func (m *inMemoryConversation) Append(message Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, message)
}

func (m *inMemoryConversation) History() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}
