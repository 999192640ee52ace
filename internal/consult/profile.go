package consult

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dentalor/lorbot/internal/domain"
	"github.com/dentalor/lorbot/internal/ports"
)

func (b *Bot) handleStart(ctx context.Context, ev domain.Event) error {
	patch := domain.DentistPatch{ID: ev.Source}
	if ev.Username != "" {
		patch.Username = &ev.Username
	}
	if err := b.store.UpsertDentist(ctx, patch); err != nil {
		return err
	}
	d, err := b.store.Dentist(ctx, ev.Source)
	if err != nil {
		return err
	}
	greeting := greetingBack
	if d.Empty() {
		greeting = greetingNew
	}
	return b.replyHTML(ctx, ev, greeting, mainKeyboard)
}

func (b *Bot) handleMe(ctx context.Context, ev domain.Event) error {
	d, err := b.store.Dentist(ctx, ev.Source)
	if err != nil {
		return err
	}
	username := placeholder
	if d.Username != "" {
		username = "@" + orDash(d.Username)
	}
	body := fmt.Sprintf("<b>Ваши данные:</b>\nИмя: %s\nТелефон: %s\nМесто работы: %s\nUsername: %s",
		orDash(d.FullName), orDash(d.Phone), orDash(d.Workplace), username)
	return b.replyHTML(ctx, ev, body, mainKeyboard)
}

func (b *Bot) handleList(ctx context.Context, ev domain.Event) error {
	list, err := b.store.ListConsultations(ctx, ev.Source, listLimit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return b.reply(ctx, ev, textNoConsultations, domain.Markup{})
	}

	var (
		body strings.Builder
		rows [][]domain.InlineButton
	)
	body.WriteString(textRecent)
	for _, c := range list {
		fmt.Fprintf(&body, "#%d · %s · статус: %s\n", c.ID, formatTime(c), c.Status)
		rows = append(rows, []domain.InlineButton{{
			Text: fmt.Sprintf("Открыть #%d", c.ID),
			Data: "view_consult:" + strconv.FormatInt(c.ID, 10),
		}})
	}
	return b.reply(ctx, ev, strings.TrimRight(body.String(), "\n"), domain.Markup{Inline: rows})
}

func (b *Bot) handleViewConsult(ctx context.Context, ev domain.Event) error {
	if _, err := b.sender.Send(ctx, ev.Conversation, domain.CallbackAnswer{CallbackID: ev.Payload.CallbackID}); err != nil {
		if domain.IsFatal(err) {
			return err
		}
		b.logger.Warn("answer callback failed", ports.Int64("conversation", ev.Conversation), ports.Err(err))
	}

	edit := func(body string) error {
		_, err := b.sender.Send(ctx, ev.Conversation, domain.EditText{
			MessageID: ev.Payload.MessageID,
			Body:      body,
			ParseMode: domain.ParseHTML,
		})
		return err
	}

	id, err := strconv.ParseInt(strings.TrimPrefix(ev.Payload.CallbackData, "view_consult:"), 10, 64)
	if err != nil {
		return edit(textBadID)
	}
	c, err := b.store.Consultation(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return edit(textNotFound)
	case err != nil:
		return err
	case c.DentistID != ev.Source:
		return edit(textNotFound)
	}
	return edit(fmt.Sprintf("<b>Заявка #%d</b>\nСтатус: %s\nСоздана: %s\n\n%s", c.ID, c.Status, formatTime(c), textConsultNote))
}

func (b *Bot) handleSetField(ctx context.Context, ev domain.Event) error {
	cmd, ok := fieldCommands[ev.Payload.Command]
	if !ok {
		return fmt.Errorf("unknown field command %q", ev.Payload.Command)
	}
	value := strings.TrimSpace(ev.Payload.Args)
	if value == "" {
		return b.reply(ctx, ev, cmd.usage, domain.Markup{})
	}

	patch := domain.DentistPatch{ID: ev.Source}
	switch ev.Payload.Command {
	case "set_name":
		patch.FullName = &value
	case "set_phone":
		patch.Phone = &value
	case "set_workplace":
		patch.Workplace = &value
	}
	if err := b.store.UpsertDentist(ctx, patch); err != nil {
		return err
	}
	return b.reply(ctx, ev, cmd.saved, domain.Markup{})
}

func (b *Bot) handleFill(ctx context.Context, ev domain.Event) error {
	b.sessions.put(ev.Conversation, session{stage: StageRegName})
	return b.reply(ctx, ev, textRegStart, removeKeyboard)
}

func (b *Bot) handleRegName(ctx context.Context, ev domain.Event) error {
	value := strings.TrimSpace(ev.Payload.Text)
	if value == "" {
		return b.reply(ctx, ev, textNeedValue, domain.Markup{})
	}
	sess := b.sessions.get(ev.Conversation)
	sess.name = value
	sess.stage = StageRegPhone
	b.sessions.put(ev.Conversation, sess)
	return b.reply(ctx, ev, textRegPhone, domain.Markup{})
}

func (b *Bot) handleRegPhone(ctx context.Context, ev domain.Event) error {
	value := strings.TrimSpace(ev.Payload.Text)
	if value == "" {
		return b.reply(ctx, ev, textNeedValue, domain.Markup{})
	}
	sess := b.sessions.get(ev.Conversation)
	sess.phone = value
	sess.stage = StageRegWork
	b.sessions.put(ev.Conversation, sess)
	return b.reply(ctx, ev, textRegWork, domain.Markup{})
}

func (b *Bot) handleRegWork(ctx context.Context, ev domain.Event) error {
	workplace := strings.TrimSpace(ev.Payload.Text)
	if workplace == "" {
		return b.reply(ctx, ev, textNeedValue, domain.Markup{})
	}
	sess := b.sessions.get(ev.Conversation)
	patch := domain.DentistPatch{
		ID:        ev.Source,
		FullName:  &sess.name,
		Phone:     &sess.phone,
		Workplace: &workplace,
	}
	if ev.Username != "" {
		patch.Username = &ev.Username
	}
	if err := b.store.UpsertDentist(ctx, patch); err != nil {
		return err
	}
	b.sessions.reset(ev.Conversation)
	b.logger.Info("dentist profile saved", ports.Int64("dentist", ev.Source))
	return b.reply(ctx, ev, textRegSaved, mainKeyboard)
}

func (b *Bot) handleCancel(ctx context.Context, ev domain.Event) error {
	b.sessions.reset(ev.Conversation)
	return b.reply(ctx, ev, textLeft, mainKeyboard)
}

func formatTime(c domain.Consultation) string {
	return c.CreatedAt.UTC().Format("2006-01-02 15:04:05")
}
