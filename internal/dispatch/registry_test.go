package dispatch

import (
	"context"
	"regexp"
	"testing"

	"github.com/dentalor/lorbot/internal/domain"
)

func noop(context.Context, domain.Event) error { return nil }

func TestPatterns(t *testing.T) {
	cmd := domain.Event{Kind: domain.KindCommand, Payload: domain.Payload{Command: "set_name", Args: "Ivan"}}
	msg := domain.Event{Kind: domain.KindMessage, Payload: domain.Payload{Text: " Мои данные "}}
	cb := domain.Event{Kind: domain.KindCallback, Payload: domain.Payload{CallbackData: "view_consult:12"}}
	photo := domain.Event{Kind: domain.KindPhoto, Payload: domain.Payload{Text: "caption"}}

	tests := []struct {
		name    string
		pattern Pattern
		ev      domain.Event
		want    bool
	}{
		{"command", Command("/set_name"), cmd, true},
		{"command other", Command("start"), cmd, false},
		{"command on text", Command("set_name"), domain.Event{Kind: domain.KindMessage, Payload: domain.Payload{Text: "/set_name"}}, false},
		{"text", Text(regexp.MustCompile(`данные`)), msg, true},
		{"text ignores captions", Text(regexp.MustCompile(`caption`)), photo, false},
		{"exact", Exact("Мои данные"), msg, true},
		{"exact mismatch", Exact("Мои"), msg, false},
		{"callback", Callback(regexp.MustCompile(`^view_consult:\d+$`)), cb, true},
		{"callback on text", Callback(regexp.MustCompile(`.*`)), msg, false},
		{"kind", Kind(domain.KindPhoto, domain.KindDocument), photo, true},
		{"kind mismatch", Kind(domain.KindDocument), photo, false},
		{"all", All(Kind(domain.KindCommand), Command("set_name")), cmd, true},
		{"all fails", All(Kind(domain.KindCommand), Command("start")), cmd, false},
		{"all empty", All(), photo, true},
		{"one of", OneOf(Command("start"), Kind(domain.KindPhoto)), photo, true},
		{"one of empty", OneOf(), photo, false},
		{"not", Not(Kind(domain.KindPhoto)), msg, true},
		{"any", anyEvent(), cb, true},
		{"func", PatternFunc(func(ev domain.Event) bool { return ev.Payload.Args == "Ivan" }), cmd, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pattern.Match(tt.ev); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistry_FirstMatchWins(t *testing.T) {
	r := NewRegistry()
	r.Register("start", Command("start"), noop)
	r.Register("commands", Kind(domain.KindCommand), noop)
	r.Register("fallback", anyEvent(), noop)

	tests := []struct {
		ev   domain.Event
		want string
	}{
		{domain.Event{Kind: domain.KindCommand, Payload: domain.Payload{Command: "start"}}, "start"},
		{domain.Event{Kind: domain.KindCommand, Payload: domain.Payload{Command: "me"}}, "commands"},
		{domain.Event{Kind: domain.KindMessage}, "fallback"},
	}
	for _, tt := range tests {
		b, ok := r.Match(tt.ev)
		if !ok || b.Name != tt.want {
			t.Errorf("Match(%v) = %q, %v; want %q", tt.ev.Kind, b.Name, ok, tt.want)
		}
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}

func TestRegistry_NoMatch(t *testing.T) {
	r := NewRegistry()
	r.Register("start", Command("start"), noop)
	if _, ok := r.Match(domain.Event{Kind: domain.KindPhoto}); ok {
		t.Error("Match() ok = true, want false")
	}
}

func TestRegistry_RegisterPanics(t *testing.T) {
	tests := []struct {
		name string
		fn   func(r *Registry)
	}{
		{"after seal", func(r *Registry) { r.Seal(); r.Register("late", anyEvent(), noop) }},
		{"duplicate", func(r *Registry) { r.Register("a", anyEvent(), noop); r.Register("a", anyEvent(), noop) }},
		{"nil pattern", func(r *Registry) { r.Register("a", nil, noop) }},
		{"nil handler", func(r *Registry) { r.Register("a", anyEvent(), nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Register did not panic")
				}
			}()
			tt.fn(NewRegistry())
		})
	}
}
