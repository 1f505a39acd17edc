package model

import (
	"errors"
	"strings"
	"testing"
)

func TestPromptOpenTurnLifecycle(t *testing.T) {
	t.Parallel()

	p := NewPrompt()
	p.AddSystem("sys")
	p.AddUser("task")
	if err := p.SetOpenTurn("x"); !errors.Is(err, ErrNoOpenTurn) {
		t.Fatalf("expected ErrNoOpenTurn, got %v", err)
	}
	p.OpenTurn("")
	if err := p.SetOpenTurn("partial"); err != nil {
		t.Fatalf("set open turn: %v", err)
	}
	if got, ok := p.OpenTurnContent(); !ok || got != "partial" {
		t.Fatalf("open turn = %q %v", got, ok)
	}
	p.SealTurn()
	if p.HasOpenTurn() {
		t.Fatalf("turn should be sealed")
	}
	msgs := p.Messages()
	if len(msgs) != 3 || msgs[2].Role != RoleAssistant || msgs[2].Content != "partial" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestPromptSealDropsEmptyTurn(t *testing.T) {
	t.Parallel()

	p := NewPrompt()
	p.AddUser("task")
	p.OpenTurn("  ")
	p.AddUser("next")
	msgs := p.Messages()
	if len(msgs) != 2 || msgs[1].Content != "next" {
		t.Fatalf("empty open turn should be dropped: %+v", msgs)
	}
}

func TestPromptRenderLeavesOpenTurnUnterminated(t *testing.T) {
	t.Parallel()

	p := NewPrompt()
	p.AddUser("hi")
	p.OpenTurn("The URL is ")
	out := p.Render()
	if !strings.HasSuffix(out, "<|im_start|>assistant\nThe URL is ") {
		t.Fatalf("open turn should end the render: %q", out)
	}
	p.SealTurn()
	if !strings.HasSuffix(p.Render(), "<|im_end|>\n<|im_start|>assistant\n") {
		t.Fatalf("sealed render should cue a new assistant turn: %q", p.Render())
	}
}

func TestPromptCloneAndReset(t *testing.T) {
	t.Parallel()

	p := NewPrompt()
	p.AddUser("a")
	p.OpenTurn("b")
	clone := p.Clone()
	p.Reset()
	if p.Len() != 0 || p.HasOpenTurn() {
		t.Fatalf("reset left state")
	}
	if clone.Len() != 2 || !clone.HasOpenTurn() {
		t.Fatalf("clone should be independent: %s", clone)
	}
}

func TestPromptFromTreatsTrailingAssistantAsOpen(t *testing.T) {
	t.Parallel()

	p := PromptFrom([]Message{{Role: RoleUser, Content: "q"}, {Role: RoleAssistant, Content: "A: "}})
	if got, ok := p.OpenTurnContent(); !ok || got != "A: " {
		t.Fatalf("open turn = %q %v", got, ok)
	}
	if PromptFrom([]Message{{Role: RoleUser, Content: "q"}}).HasOpenTurn() {
		t.Fatalf("user-terminated snapshot has no open turn")
	}
}
