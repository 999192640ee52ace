// Package consult implements the dentist to ENT consultation flow: profile
// registration, the draft questionnaire and delivery of finished requests
// to the ENT chat.
package consult

import (
	"context"
	"time"

	logAdapter "github.com/dentalor/lorbot/internal/adapters/log"
	"github.com/dentalor/lorbot/internal/dispatch"
	"github.com/dentalor/lorbot/internal/domain"
	"github.com/dentalor/lorbot/internal/ports"
)

// DefaultMaxArchiveBytes is the archive ceiling used when none is set.
const DefaultMaxArchiveBytes = 47 << 20

// listLimit bounds /list output.
const listLimit = 20

// Sender delivers replies. It is satisfied by ports.Transport.
type Sender interface {
	Send(ctx context.Context, conversation int64, payload domain.Outbound) (domain.SendResult, error)
}

// Recorder is notified about delivered consultations.
type Recorder interface {
	ConsultationSent(method string)
}

// Config wires a Bot.
type Config struct {
	Store  ports.Store
	Sender Sender
	Files  ports.FileFetcher
	// TargetChat receives finished consultations.
	TargetChat int64
	// MaxArchiveBytes is the largest archive uploaded before falling back
	// to media groups.
	MaxArchiveBytes int64
	Logger          ports.Logger
	Recorder        Recorder
}

// Bot holds the consultation handlers.
type Bot struct {
	store      ports.Store
	sender     Sender
	files      ports.FileFetcher
	target     int64
	maxArchive int64
	logger     ports.Logger
	recorder   Recorder
	sessions   *Sessions
	now        func() time.Time
}

// New creates a Bot.
func New(cfg Config) *Bot {
	if cfg.MaxArchiveBytes <= 0 {
		cfg.MaxArchiveBytes = DefaultMaxArchiveBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = logAdapter.NewNoopLogger()
	}
	return &Bot{
		store:      cfg.Store,
		sender:     cfg.Sender,
		files:      cfg.Files,
		target:     cfg.TargetChat,
		maxArchive: cfg.MaxArchiveBytes,
		logger:     cfg.Logger,
		recorder:   cfg.Recorder,
		sessions:   NewSessions(),
		now:        time.Now,
	}
}

// Register binds every handler. Order matters: commands and menu buttons
// come before the flow steps so they can interrupt a flow.
func (b *Bot) Register(reg *dispatch.Registry) {
	in := b.sessions.InStage
	text := dispatch.Kind(domain.KindMessage)

	reg.Register("cancel", dispatch.Command("cancel"), b.handleCancel)
	reg.Register("start", dispatch.Command("start"), b.handleStart)
	reg.Register("me", dispatch.OneOf(dispatch.Command("me"), dispatch.Text(myDataRe)), b.handleMe)
	reg.Register("list", dispatch.Command("list"), b.handleList)
	reg.Register("view_consult", dispatch.Callback(viewConsultRe), b.handleViewConsult)
	reg.Register("set_field", dispatch.Command("set_name", "set_phone", "set_workplace"), b.handleSetField)
	reg.Register("fill", dispatch.OneOf(dispatch.Command("fill"), dispatch.Text(fillProfileRe)), b.handleFill)
	reg.Register("new", dispatch.OneOf(dispatch.Command("new"), dispatch.Text(newConsultRe)), b.handleNew)

	reg.Register("reg_name", dispatch.All(in(StageRegName), text), b.handleRegName)
	reg.Register("reg_phone", dispatch.All(in(StageRegPhone), text), b.handleRegPhone)
	reg.Register("reg_work", dispatch.All(in(StageRegWork), text), b.handleRegWork)

	reg.Register("complaints", dispatch.All(in(StageComplaints), text), b.handleComplaints)
	reg.Register("history", dispatch.All(in(StageHistory), text), b.handleHistory)
	reg.Register("plan", dispatch.All(in(StagePlan), text), b.handlePlan)
	reg.Register("add_file", dispatch.All(in(StageFiles), dispatch.Kind(domain.KindPhoto, domain.KindDocument)), b.handleAddFile)
	reg.Register("files_done", dispatch.All(in(StageFiles), dispatch.Exact(BtnDone)), b.handleFilesDone)
	reg.Register("files_hint", dispatch.All(in(StageFiles), text), b.hint(textFilesHint))

	reg.Register("confirm_send", dispatch.All(in(StageConfirm), dispatch.Exact(BtnSend)), b.handleSend)
	reg.Register("confirm_cancel", dispatch.All(in(StageConfirm), dispatch.Exact(BtnCancel)), b.handleDiscard)
	reg.Register("confirm_restart", dispatch.All(in(StageConfirm), dispatch.Exact(BtnRestart)), b.handleRestart)
	reg.Register("confirm_continue", dispatch.All(in(StageConfirm), dispatch.Exact(BtnContinue)), b.handleContinue)
	reg.Register("confirm_hint", dispatch.All(in(StageConfirm), text), b.hint(textConfirmHint))
}

func (b *Bot) reply(ctx context.Context, ev domain.Event, body string, markup domain.Markup) error {
	_, err := b.sender.Send(ctx, ev.Conversation, domain.Text{Body: body, Markup: markup})
	return err
}

func (b *Bot) replyHTML(ctx context.Context, ev domain.Event, body string, markup domain.Markup) error {
	_, err := b.sender.Send(ctx, ev.Conversation, domain.Text{Body: body, ParseMode: domain.ParseHTML, Markup: markup})
	return err
}

func (b *Bot) hint(body string) dispatch.Handler {
	return func(ctx context.Context, ev domain.Event) error {
		return b.reply(ctx, ev, body, domain.Markup{})
	}
}
