package consult

import (
	"context"
	"fmt"
	"strings"

	"github.com/dentalor/lorbot/internal/domain"
	"github.com/dentalor/lorbot/internal/ports"
)

func (b *Bot) handleNew(ctx context.Context, ev domain.Event) error {
	draft, ok, err := b.store.LoadDraft(ctx, ev.Source)
	if err != nil {
		return err
	}
	if ok && !draft.Empty() {
		b.sessions.setStage(ev.Conversation, StageConfirm)
		return b.reply(ctx, ev, textResume, resumeKeyboard)
	}
	return b.restart(ctx, ev, textComplaints)
}

func (b *Bot) restart(ctx context.Context, ev domain.Event, prompt string) error {
	if err := b.store.SaveDraft(ctx, ev.Source, domain.Draft{}); err != nil {
		return err
	}
	b.sessions.setStage(ev.Conversation, StageComplaints)
	return b.reply(ctx, ev, prompt, removeKeyboard)
}

// updateDraft applies fn to the stored draft and saves the result.
func (b *Bot) updateDraft(ctx context.Context, dentistID int64, fn func(*domain.Draft)) (domain.Draft, error) {
	draft, _, err := b.store.LoadDraft(ctx, dentistID)
	if err != nil {
		return domain.Draft{}, err
	}
	fn(&draft)
	if err := b.store.SaveDraft(ctx, dentistID, draft); err != nil {
		return domain.Draft{}, err
	}
	return draft, nil
}

func (b *Bot) textStep(set func(*domain.Draft, string), next Stage, prompt string, markup domain.Markup) func(context.Context, domain.Event) error {
	return func(ctx context.Context, ev domain.Event) error {
		value := strings.TrimSpace(ev.Payload.Text)
		if value == "" {
			return b.reply(ctx, ev, textNeedValue, domain.Markup{})
		}
		if _, err := b.updateDraft(ctx, ev.Source, func(d *domain.Draft) { set(d, value) }); err != nil {
			return err
		}
		b.sessions.setStage(ev.Conversation, next)
		return b.reply(ctx, ev, prompt, markup)
	}
}

func (b *Bot) handleComplaints(ctx context.Context, ev domain.Event) error {
	return b.textStep(func(d *domain.Draft, v string) { d.Complaints = v }, StageHistory, textHistory, domain.Markup{})(ctx, ev)
}

func (b *Bot) handleHistory(ctx context.Context, ev domain.Event) error {
	return b.textStep(func(d *domain.Draft, v string) { d.History = v }, StagePlan, textPlan, domain.Markup{})(ctx, ev)
}

func (b *Bot) handlePlan(ctx context.Context, ev domain.Event) error {
	return b.textStep(func(d *domain.Draft, v string) { d.PlannedWork = v }, StageFiles, textFiles, filesKeyboard)(ctx, ev)
}

func (b *Bot) handleAddFile(ctx context.Context, ev domain.Event) error {
	if len(ev.Payload.Attachments) == 0 {
		return b.reply(ctx, ev, textFilesHint, domain.Markup{})
	}
	if _, err := b.updateDraft(ctx, ev.Source, func(d *domain.Draft) {
		d.Attachments = append(d.Attachments, ev.Payload.Attachments...)
	}); err != nil {
		return err
	}
	return b.reply(ctx, ev, textFileAdded, filesKeyboard)
}

func (b *Bot) handleFilesDone(ctx context.Context, ev domain.Event) error {
	draft, _, err := b.store.LoadDraft(ctx, ev.Source)
	if err != nil {
		return err
	}
	dentist, err := b.store.Dentist(ctx, ev.Source)
	if err != nil {
		return err
	}
	b.sessions.setStage(ev.Conversation, StageConfirm)
	preview := SummaryHTML(draft, dentist) + fmt.Sprintf(textAttached, len(draft.Attachments))
	return b.replyHTML(ctx, ev, preview, confirmKeyboard)
}

func (b *Bot) handleSend(ctx context.Context, ev domain.Event) error {
	draft, _, err := b.store.LoadDraft(ctx, ev.Source)
	if err != nil {
		return err
	}
	dentist, err := b.store.Dentist(ctx, ev.Source)
	if err != nil {
		return err
	}

	method, err := b.deliver(ctx, draft, dentist)
	if err != nil {
		return fmt.Errorf("deliver consultation: %w", err)
	}
	id, err := b.store.InsertConsultation(ctx, ev.Source, domain.StatusSent)
	if err != nil {
		return err
	}
	if err := b.store.ClearDraft(ctx, ev.Source); err != nil {
		return err
	}
	b.sessions.reset(ev.Conversation)
	if b.recorder != nil {
		b.recorder.ConsultationSent(method)
	}
	b.logger.Info("consultation sent",
		ports.Int64("consultation", id),
		ports.Int64("dentist", ev.Source),
		ports.String("method", method),
		ports.Int("attachments", len(draft.Attachments)),
	)
	return b.reply(ctx, ev, textSent, mainKeyboard)
}

func (b *Bot) handleDiscard(ctx context.Context, ev domain.Event) error {
	if err := b.store.ClearDraft(ctx, ev.Source); err != nil {
		return err
	}
	b.sessions.reset(ev.Conversation)
	return b.reply(ctx, ev, textCancelled, mainKeyboard)
}

func (b *Bot) handleRestart(ctx context.Context, ev domain.Event) error {
	return b.restart(ctx, ev, textRestart)
}

// handleContinue resumes a draft at its first unanswered step.
func (b *Bot) handleContinue(ctx context.Context, ev domain.Event) error {
	draft, _, err := b.store.LoadDraft(ctx, ev.Source)
	if err != nil {
		return err
	}
	if err := b.reply(ctx, ev, textContinue, domain.Markup{}); err != nil {
		return err
	}

	stage, prompt, markup := StageFiles, textFiles, filesKeyboard
	switch {
	case draft.Complaints == "":
		stage, prompt, markup = StageComplaints, textComplaints, removeKeyboard
	case draft.History == "":
		stage, prompt, markup = StageHistory, textHistory, removeKeyboard
	case draft.PlannedWork == "":
		stage, prompt, markup = StagePlan, textPlan, removeKeyboard
	}
	b.sessions.setStage(ev.Conversation, stage)
	return b.reply(ctx, ev, prompt, markup)
}
