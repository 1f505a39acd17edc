package extract

import "strings"

// InstructPrompt holds the caller's instructions and the material they
// apply to.
type InstructPrompt struct {
	instructions []string
	supporting   []string
}

// SetInstructions replaces the instructions.
func (p *InstructPrompt) SetInstructions(text string) *InstructPrompt {
	p.instructions = nil
	return p.AddInstructions(text)
}

// AddInstructions appends a paragraph of instructions.
func (p *InstructPrompt) AddInstructions(text string) *InstructPrompt {
	if text = strings.TrimSpace(text); text != "" {
		p.instructions = append(p.instructions, text)
	}
	return p
}

// SetSupportingMaterial replaces the supporting material.
func (p *InstructPrompt) SetSupportingMaterial(text string) *InstructPrompt {
	p.supporting = nil
	return p.AddSupportingMaterial(text)
}

// AddSupportingMaterial appends a block of supporting material.
func (p *InstructPrompt) AddSupportingMaterial(text string) *InstructPrompt {
	if text = strings.TrimSpace(text); text != "" {
		p.supporting = append(p.supporting, text)
	}
	return p
}

// BuildInstructions joins the instructions, reporting false when empty.
func (p *InstructPrompt) BuildInstructions() (string, bool) {
	return join(p.instructions)
}

// BuildSupportingMaterial joins the supporting material, reporting false
// when empty.
func (p *InstructPrompt) BuildSupportingMaterial() (string, bool) {
	return join(p.supporting)
}

// Reset drops instructions and supporting material.
func (p *InstructPrompt) Reset() {
	p.instructions = nil
	p.supporting = nil
}

func join(parts []string) (string, bool) {
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n\n"), true
}
