package telegram

import (
	"strings"
	"time"

	"github.com/dentalor/lorbot/internal/domain"
)

// toEvent converts an update into a domain event. Updates without a
// message or callback are reported as not ok.
func toEvent(u update, received time.Time) (domain.Event, bool) {
	switch {
	case u.CallbackQuery != nil:
		return callbackEvent(u.UpdateID, u.CallbackQuery, received), true
	case u.Message != nil:
		return messageEvent(u.UpdateID, u.Message, received), true
	}
	return domain.Event{}, false
}

func callbackEvent(id int64, q *callbackQuery, received time.Time) domain.Event {
	ev := domain.Event{
		ID:           id,
		Source:       q.From.ID,
		Username:     q.From.Username,
		Conversation: q.From.ID,
		Kind:         domain.KindCallback,
		Payload: domain.Payload{
			CallbackID:   q.ID,
			CallbackData: q.Data,
		},
		ReceivedAt: received,
	}
	if q.Message != nil {
		ev.Conversation = q.Message.Chat.ID
		ev.Payload.MessageID = q.Message.MessageID
	}
	return ev
}

func messageEvent(id int64, m *message, received time.Time) domain.Event {
	ev := domain.Event{
		ID:           id,
		Conversation: m.Chat.ID,
		Kind:         domain.KindOther,
		Payload:      domain.Payload{MessageID: m.MessageID},
		ReceivedAt:   received,
	}
	if m.From != nil {
		ev.Source = m.From.ID
		ev.Username = m.From.Username
	}

	switch {
	case len(m.Photo) > 0:
		// Sizes are ordered ascending; keep the largest.
		p := m.Photo[len(m.Photo)-1]
		ev.Kind = domain.KindPhoto
		ev.Payload.Text = m.Caption
		ev.Payload.Attachments = []domain.Attachment{{FileID: p.FileID, Type: domain.MediaPhoto, Size: p.FileSize}}
	case m.Document != nil:
		ev.Kind = domain.KindDocument
		ev.Payload.Text = m.Caption
		ev.Payload.Attachments = []domain.Attachment{{FileID: m.Document.FileID, Type: domain.MediaDocument, Size: m.Document.FileSize}}
	case strings.HasPrefix(m.Text, "/"):
		ev.Kind = domain.KindCommand
		ev.Payload.Text = m.Text
		ev.Payload.Command, ev.Payload.Args = parseCommand(m.Text)
	case m.Text != "":
		ev.Kind = domain.KindMessage
		ev.Payload.Text = m.Text
	}
	return ev
}

// parseCommand splits "/cmd@bot args" into "cmd" and "args".
func parseCommand(text string) (string, string) {
	head, args, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(args)
}
