package consult

import (
	"sync"

	"github.com/dentalor/lorbot/internal/dispatch"
	"github.com/dentalor/lorbot/internal/domain"
)

// Stage is the position of a conversation inside a multi-step flow.
type Stage int

const (
	StageIdle Stage = iota
	StageRegName
	StageRegPhone
	StageRegWork
	StageComplaints
	StageHistory
	StagePlan
	StageFiles
	StageConfirm
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageRegName:
		return "reg_name"
	case StageRegPhone:
		return "reg_phone"
	case StageRegWork:
		return "reg_work"
	case StageComplaints:
		return "complaints"
	case StageHistory:
		return "history"
	case StagePlan:
		return "plan"
	case StageFiles:
		return "files"
	case StageConfirm:
		return "confirm"
	default:
		return "unknown"
	}
}

type session struct {
	stage Stage
	// Registration answers collected before the profile is saved.
	name  string
	phone string
}

// Sessions holds the flow position of every conversation. A conversation's
// entry is only written from that conversation's dispatch lane; the lock
// guards the map itself.
type Sessions struct {
	mu sync.Mutex
	m  map[int64]session
}

// NewSessions returns an empty session table.
func NewSessions() *Sessions {
	return &Sessions{m: make(map[int64]session)}
}

func (s *Sessions) get(conv int64) session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[conv]
}

func (s *Sessions) put(conv int64, sess session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.stage == StageIdle {
		delete(s.m, conv)
		return
	}
	s.m[conv] = sess
}

func (s *Sessions) setStage(conv int64, stage Stage) {
	sess := s.get(conv)
	sess.stage = stage
	s.put(conv, sess)
}

func (s *Sessions) reset(conv int64) {
	s.put(conv, session{})
}

// Stage reports the current stage of a conversation.
func (s *Sessions) Stage(conv int64) Stage {
	return s.get(conv).stage
}

// InStage matches events of conversations currently at one of stages.
func (s *Sessions) InStage(stages ...Stage) dispatch.Pattern {
	return dispatch.PatternFunc(func(ev domain.Event) bool {
		cur := s.Stage(ev.Conversation)
		for _, st := range stages {
			if cur == st {
				return true
			}
		}
		return false
	})
}
