package consult

import (
	"context"
	"fmt"

	"github.com/dentalor/lorbot/internal/domain"
	"github.com/dentalor/lorbot/internal/ports"
)

// Delivery methods reported to the Recorder.
const (
	MethodArchive    = "zip"
	MethodMediaGroup = "media_group"
)

// deliver posts the consultation to the target chat. The archive is tried
// first; an oversized archive or a failed upload falls back to media
// groups. Fatal transport errors are returned as is.
func (b *Bot) deliver(ctx context.Context, draft domain.Draft, dentist domain.Dentist) (string, error) {
	summary := SummaryHTML(draft, dentist)
	caption := ShortCaption(summary)

	err := b.sendArchive(ctx, draft, summary, caption, dentist)
	if err == nil {
		return MethodArchive, nil
	}
	if domain.IsFatal(err) || ctx.Err() != nil {
		return "", err
	}
	b.logger.Warn("archive delivery failed, sending media groups",
		ports.Int64("dentist", dentist.ID),
		ports.Err(err),
	)
	if err := b.sendMediaGroups(ctx, draft, summary, caption, dentist); err != nil {
		return "", err
	}
	return MethodMediaGroup, nil
}

type archiveTooLargeError struct {
	size, limit int64
}

func (e *archiveTooLargeError) Error() string {
	return fmt.Sprintf("archive too large: %d bytes, limit %d", e.size, e.limit)
}

func (b *Bot) sendArchive(ctx context.Context, draft domain.Draft, summary, caption string, dentist domain.Dentist) error {
	files := make([]ports.FileInfo, len(draft.Attachments))
	var total int64
	for i, a := range draft.Attachments {
		info, err := b.files.File(ctx, a.FileID)
		if err != nil {
			return fmt.Errorf("resolve attachment %d: %w", i+1, err)
		}
		files[i] = info
		total += info.Size
	}
	if total > b.maxArchive {
		return &archiveTooLargeError{size: total, limit: b.maxArchive}
	}

	data, err := buildArchive(ctx, b.files, HTMLToPlain(summary), draft.Attachments, files, b.now())
	if err != nil {
		return err
	}
	if int64(len(data)) > b.maxArchive {
		return &archiveTooLargeError{size: int64(len(data)), limit: b.maxArchive}
	}

	_, err = b.sender.Send(ctx, b.target, domain.Document{
		FileName:  ArchiveName,
		Data:      data,
		Caption:   caption,
		ParseMode: domain.ParseHTML,
		Markup:    contactMarkup(dentist),
	})
	return err
}

func (b *Bot) sendMediaGroups(ctx context.Context, draft domain.Draft, summary, caption string, dentist domain.Dentist) error {
	groups := mediaGroups(draft.Attachments, caption)
	if len(groups) == 0 {
		if _, err := b.sender.Send(ctx, b.target, domain.Text{Body: summary, ParseMode: domain.ParseHTML}); err != nil {
			return fmt.Errorf("send summary: %w", err)
		}
	}
	for i, g := range groups {
		if _, err := b.sender.Send(ctx, b.target, g); err != nil {
			return fmt.Errorf("send media group %d/%d: %w", i+1, len(groups), err)
		}
	}
	return b.sendContact(ctx, dentist)
}

// sendContact posts the deep-link button. When the platform rejects the
// button the link is sent as plain text.
func (b *Bot) sendContact(ctx context.Context, dentist domain.Dentist) error {
	link := DeepLink(dentist)
	if link == "" {
		return nil
	}
	_, err := b.sender.Send(ctx, b.target, domain.Text{Body: textContact, Markup: contactMarkup(dentist)})
	if err == nil || domain.IsFatal(err) {
		return err
	}
	b.logger.Warn("contact button rejected, sending plain link", ports.Err(err))
	_, err = b.sender.Send(ctx, b.target, domain.Text{Body: textContactFallback + link, DisablePreview: true})
	return err
}
