package model

import (
	"errors"
	"strings"
)

// Role identifies the author of a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a prompt.
type Message struct {
	Role    Role
	Content string
}

// ErrNoOpenTurn is returned when editing an assistant turn that was never
// opened or has already been sealed.
var ErrNoOpenTurn = errors.New("prompt: no open assistant turn")

// Prompt is an append-only message log. Sealed messages are never edited.
// At most one trailing assistant turn is open; its content may be rewritten
// until SealTurn is called, which is how multi-step rounds build an answer
// incrementally.
type Prompt struct {
	messages []Message
	open     bool
}

// NewPrompt returns an empty prompt.
func NewPrompt() *Prompt {
	return &Prompt{}
}

// AddSystem appends a sealed system message.
func (p *Prompt) AddSystem(content string) {
	p.append(RoleSystem, content)
}

// AddUser appends a sealed user message.
func (p *Prompt) AddUser(content string) {
	p.append(RoleUser, content)
}

// AddAssistant appends a sealed assistant message.
func (p *Prompt) AddAssistant(content string) {
	p.append(RoleAssistant, content)
}

func (p *Prompt) append(role Role, content string) {
	p.SealTurn()
	p.messages = append(p.messages, Message{Role: role, Content: content})
}

// OpenTurn seals any open turn and starts a new assistant turn.
func (p *Prompt) OpenTurn(content string) {
	p.SealTurn()
	p.messages = append(p.messages, Message{Role: RoleAssistant, Content: content})
	p.open = true
}

// SetOpenTurn replaces the content of the open assistant turn.
func (p *Prompt) SetOpenTurn(content string) error {
	if !p.open {
		return ErrNoOpenTurn
	}
	p.messages[len(p.messages)-1].Content = content
	return nil
}

// OpenTurnContent returns the open turn content, if any.
func (p *Prompt) OpenTurnContent() (string, bool) {
	if !p.open {
		return "", false
	}
	return p.messages[len(p.messages)-1].Content, true
}

// HasOpenTurn reports whether an assistant turn is open.
func (p *Prompt) HasOpenTurn() bool {
	return p.open
}

// SealTurn finalizes the open turn. An open turn left empty is dropped.
func (p *Prompt) SealTurn() {
	if !p.open {
		return
	}
	p.open = false
	last := len(p.messages) - 1
	if strings.TrimSpace(p.messages[last].Content) == "" {
		p.messages = p.messages[:last]
	}
}

// Messages returns a copy of the log.
func (p *Prompt) Messages() []Message {
	if p == nil {
		return nil
	}
	return append([]Message(nil), p.messages...)
}

// Len returns the number of messages, open turn included.
func (p *Prompt) Len() int {
	if p == nil {
		return 0
	}
	return len(p.messages)
}

// Reset clears the log.
func (p *Prompt) Reset() {
	p.messages = nil
	p.open = false
}

// PromptFrom rebuilds a prompt from a message snapshot. A trailing
// assistant message is treated as the open turn.
func PromptFrom(messages []Message) *Prompt {
	p := &Prompt{messages: append([]Message(nil), messages...)}
	if n := len(messages); n > 0 && messages[n-1].Role == RoleAssistant {
		p.open = true
	}
	return p
}

// Clone returns an independent copy.
func (p *Prompt) Clone() *Prompt {
	if p == nil {
		return NewPrompt()
	}
	return &Prompt{messages: p.Messages(), open: p.open}
}

// Render formats the log with ChatML markers for completion-style
// backends. The open turn is left unterminated so the model continues it.
func (p *Prompt) Render() string {
	var b strings.Builder
	for i, msg := range p.messages {
		b.WriteString("<|im_start|>")
		b.WriteString(string(msg.Role))
		b.WriteString("\n")
		b.WriteString(msg.Content)
		if p.open && i == len(p.messages)-1 {
			return b.String()
		}
		b.WriteString("<|im_end|>\n")
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String()
}

func (p *Prompt) String() string {
	var b strings.Builder
	for i, msg := range p.messages {
		b.WriteString("    ")
		b.WriteString(string(msg.Role))
		if p.open && i == len(p.messages)-1 {
			b.WriteString(" (open)")
		}
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}
