package dispatch

import (
	"regexp"
	"strings"

	"github.com/dentalor/lorbot/internal/domain"
)

// Pattern decides whether a handler applies to an event.
type Pattern interface {
	Match(ev domain.Event) bool
}

// PatternFunc adapts a function to Pattern.
type PatternFunc func(ev domain.Event) bool

// Match implements Pattern.
func (f PatternFunc) Match(ev domain.Event) bool { return f(ev) }

// Command matches command events with one of the given names.
// Names are compared case-insensitively and without the leading slash.
func Command(names ...string) Pattern {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[strings.ToLower(strings.TrimPrefix(n, "/"))] = struct{}{}
	}
	return PatternFunc(func(ev domain.Event) bool {
		if ev.Kind != domain.KindCommand {
			return false
		}
		_, ok := set[ev.Payload.Command]
		return ok
	})
}

// Text matches plain text messages whose text matches re.
func Text(re *regexp.Regexp) Pattern {
	return PatternFunc(func(ev domain.Event) bool {
		return ev.Kind == domain.KindMessage && re.MatchString(ev.Payload.Text)
	})
}

// Exact matches plain text messages equal to one of the given strings,
// ignoring surrounding whitespace.
func Exact(texts ...string) Pattern {
	set := make(map[string]struct{}, len(texts))
	for _, t := range texts {
		set[strings.TrimSpace(t)] = struct{}{}
	}
	return PatternFunc(func(ev domain.Event) bool {
		if ev.Kind != domain.KindMessage {
			return false
		}
		_, ok := set[strings.TrimSpace(ev.Payload.Text)]
		return ok
	})
}

// Callback matches callback events whose data matches re.
func Callback(re *regexp.Regexp) Pattern {
	return PatternFunc(func(ev domain.Event) bool {
		return ev.Kind == domain.KindCallback && re.MatchString(ev.Payload.CallbackData)
	})
}

// Kind matches events of any of the given kinds.
func Kind(kinds ...domain.Kind) Pattern {
	return PatternFunc(func(ev domain.Event) bool {
		for _, k := range kinds {
			if ev.Kind == k {
				return true
			}
		}
		return false
	})
}

// All matches when every pattern matches.
func All(patterns ...Pattern) Pattern {
	return PatternFunc(func(ev domain.Event) bool {
		for _, p := range patterns {
			if !p.Match(ev) {
				return false
			}
		}
		return true
	})
}

// OneOf matches when at least one pattern matches.
func OneOf(patterns ...Pattern) Pattern {
	return PatternFunc(func(ev domain.Event) bool {
		for _, p := range patterns {
			if p.Match(ev) {
				return true
			}
		}
		return false
	})
}

// Not inverts a pattern.
func Not(p Pattern) Pattern {
	return PatternFunc(func(ev domain.Event) bool { return !p.Match(ev) })
}
