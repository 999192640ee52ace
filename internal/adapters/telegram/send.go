package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dentalor/lorbot/internal/domain"
	"github.com/dentalor/lorbot/internal/ports"
)

const (
	// maxMessageLen is the Bot API limit for message text, in characters.
	maxMessageLen = 4096

	// maxSendAttempts bounds retries of a rate limited request.
	maxSendAttempts = 5
)

// Send delivers one outbound payload to a conversation.
func (c *Client) Send(ctx context.Context, conversation int64, payload domain.Outbound) (domain.SendResult, error) {
	switch p := payload.(type) {
	case domain.Text:
		return c.sendText(ctx, conversation, p)
	case domain.Document:
		return c.sendDocument(ctx, conversation, p)
	case domain.MediaGroup:
		return c.sendMediaGroup(ctx, conversation, p)
	case domain.EditText:
		return c.editText(ctx, conversation, p)
	case domain.CallbackAnswer:
		err := c.send(ctx, "answerCallbackQuery", answerCallbackQueryParams{
			CallbackQueryID: p.CallbackID,
			Text:            p.Text,
		}, nil)
		return domain.SendResult{}, err
	default:
		return domain.SendResult{}, fmt.Errorf("telegram: unsupported payload %T", payload)
	}
}

func (c *Client) sendText(ctx context.Context, chatID int64, t domain.Text) (domain.SendResult, error) {
	var res domain.SendResult
	var chunks []string
	if t.ParseMode == domain.ParseHTML {
		chunks = splitHTML(t.Body, maxMessageLen)
	} else {
		chunks = splitMessage(t.Body, maxMessageLen)
	}
	for i, chunk := range chunks {
		params := sendMessageParams{
			ChatID:    chatID,
			Text:      chunk,
			ParseMode: string(t.ParseMode),
		}
		if t.DisablePreview {
			params.LinkPreviewOptions = &linkPreviewOptions{IsDisabled: true}
		}
		// The keyboard goes with the last chunk.
		if i == len(chunks)-1 {
			params.ReplyMarkup = toReplyMarkup(t.Markup)
		}
		var msg message
		if err := c.send(ctx, "sendMessage", params, &msg); err != nil {
			return res, err
		}
		res.MessageIDs = append(res.MessageIDs, msg.MessageID)
	}
	return res, nil
}

func (c *Client) sendMediaGroup(ctx context.Context, chatID int64, g domain.MediaGroup) (domain.SendResult, error) {
	if len(g.Items) == 0 {
		return domain.SendResult{}, errors.New("telegram: empty media group")
	}
	if len(g.Items) > domain.MaxMediaGroup {
		return domain.SendResult{}, fmt.Errorf("telegram: media group of %d exceeds %d items", len(g.Items), domain.MaxMediaGroup)
	}

	params := sendMediaGroupParams{ChatID: chatID}
	for _, it := range g.Items {
		params.Media = append(params.Media, inputMedia{
			Type:      string(it.Type),
			Media:     it.FileID,
			Caption:   it.Caption,
			ParseMode: string(it.ParseMode),
		})
	}

	var msgs []message
	if err := c.send(ctx, "sendMediaGroup", params, &msgs); err != nil {
		return domain.SendResult{}, err
	}
	res := domain.SendResult{MessageIDs: make([]int64, 0, len(msgs))}
	for _, m := range msgs {
		res.MessageIDs = append(res.MessageIDs, m.MessageID)
	}
	return res, nil
}

func (c *Client) editText(ctx context.Context, chatID int64, e domain.EditText) (domain.SendResult, error) {
	params := editMessageTextParams{
		ChatID:    chatID,
		MessageID: e.MessageID,
		Text:      e.Body,
		ParseMode: string(e.ParseMode),
	}
	if err := c.send(ctx, "editMessageText", params, nil); err != nil {
		return domain.SendResult{}, err
	}
	return domain.SendResult{MessageIDs: []int64{e.MessageID}}, nil
}

// sendDocument uploads the document as multipart/form-data. The body is
// rebuilt for every attempt.
func (c *Client) sendDocument(ctx context.Context, chatID int64, d domain.Document) (domain.SendResult, error) {
	build := func() (*bytes.Buffer, string, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)

		fields := map[string]string{
			"chat_id":                        strconv.FormatInt(chatID, 10),
			"disable_content_type_detection": "true",
		}
		if d.Caption != "" {
			fields["caption"] = d.Caption
		}
		if d.ParseMode != domain.ParsePlain {
			fields["parse_mode"] = string(d.ParseMode)
		}
		if rm := toReplyMarkup(d.Markup); rm != nil {
			raw, err := jsonString(rm)
			if err != nil {
				return nil, "", err
			}
			fields["reply_markup"] = raw
		}
		for k, v := range fields {
			if err := w.WriteField(k, v); err != nil {
				return nil, "", fmt.Errorf("write field %s: %w", k, err)
			}
		}

		part, err := w.CreateFormFile("document", d.FileName)
		if err != nil {
			return nil, "", fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(d.Data); err != nil {
			return nil, "", fmt.Errorf("write file data: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("close multipart writer: %w", err)
		}
		return &buf, w.FormDataContentType(), nil
	}

	var msg message
	err := c.withRetry(ctx, "sendDocument", func() error {
		body, contentType, err := build()
		if err != nil {
			return err
		}
		return c.do(ctx, "sendDocument", body, contentType, &msg, c.cfg.HTTPTimeout)
	})
	if err != nil {
		return domain.SendResult{}, err
	}
	return domain.SendResult{MessageIDs: []int64{msg.MessageID}}, nil
}

// send issues a rate limited JSON request, retrying on 429.
func (c *Client) send(ctx context.Context, method string, params, out any) error {
	return c.withRetry(ctx, method, func() error {
		return c.call(ctx, method, params, out, c.cfg.HTTPTimeout)
	})
}

func (c *Client) withRetry(ctx context.Context, method string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.RetryAfter <= 0 || attempt >= maxSendAttempts {
			return err
		}
		wait := time.Duration(apiErr.RetryAfter) * time.Second
		c.logger.Warn("rate limited",
			ports.String("method", method),
			ports.Duration("retry_after", wait),
			ports.Int("attempt", attempt),
		)
		if !c.sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

func toReplyMarkup(m domain.Markup) *replyMarkup {
	switch {
	case m.RemoveKeyboard:
		return &replyMarkup{RemoveKeyboard: true}
	case len(m.Inline) > 0:
		rm := &replyMarkup{InlineKeyboard: make([][]inlineKeyboardButton, 0, len(m.Inline))}
		for _, row := range m.Inline {
			buttons := make([]inlineKeyboardButton, 0, len(row))
			for _, b := range row {
				buttons = append(buttons, inlineKeyboardButton{Text: b.Text, URL: b.URL, CallbackData: b.Data})
			}
			rm.InlineKeyboard = append(rm.InlineKeyboard, buttons)
		}
		return rm
	case m.Keyboard != nil:
		rm := &replyMarkup{
			ResizeKeyboard:        true,
			OneTimeKeyboard:       m.Keyboard.OneTime,
			IsPersistent:          m.Keyboard.Persistent,
			InputFieldPlaceholder: m.Keyboard.Placeholder,
			Keyboard:              make([][]keyboardButton, 0, len(m.Keyboard.Rows)),
		}
		for _, row := range m.Keyboard.Rows {
			buttons := make([]keyboardButton, 0, len(row))
			for _, text := range row {
				buttons = append(buttons, keyboardButton{Text: text})
			}
			rm.Keyboard = append(rm.Keyboard, buttons)
		}
		return rm
	}
	return nil
}

// splitMessage splits s into chunks of at most limit characters, preferring
// to break on newlines.
func splitMessage(s string, limit int) []string {
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}

	var chunks []string
	runes := []rune(s)
	for len(runes) > limit {
		cut := limit
		if i := lastIndexRune(runes[:limit], '\n'); i > 0 {
			cut = i + 1
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// maxEntityLen bounds how far back a cut looks for an unterminated
// character reference such as "&amp;".
const maxEntityLen = 10

// splitHTML is splitMessage for HTML bodies. A cut never falls inside a tag
// or character reference, and elements still open at a cut are closed at
// the end of the chunk and reopened at the start of the next one.
func splitHTML(s string, limit int) []string {
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}

	var chunks []string
	runes := []rune(s)
	for len(runes) > limit {
		cut := limit
		if i := lastIndexRune(runes[:limit], '\n'); i > 0 {
			cut = i + 1
		}
		cut = safeHTMLCut(runes, cut)

		var (
			chunk string
			open  []htmlTag
		)
		for {
			chunk = strings.TrimRight(string(runes[:cut]), "\n")
			open = openTags(chunk)
			closers := closingTags(open)
			over := utf8.RuneCountInString(chunk) + utf8.RuneCountInString(closers) - limit
			if over <= 0 || cut <= over {
				chunk += closers
				break
			}
			cut = safeHTMLCut(runes, cut-over)
		}
		chunks = append(chunks, chunk)

		rest := runes[cut:]
		var reopen []rune
		for _, t := range open {
			reopen = append(reopen, []rune(t.raw)...)
		}
		runes = append(reopen, rest...)
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// safeHTMLCut moves cut back so that runes[:cut] does not end inside a tag
// or a character reference.
func safeHTMLCut(runes []rune, cut int) int {
	head := runes[:cut]
	if lt := lastIndexRune(head, '<'); lt > 0 && lt > lastIndexRune(head, '>') {
		cut = lt
		head = runes[:cut]
	}
	if amp := lastIndexRune(head, '&'); amp > 0 && amp > lastIndexRune(head, ';') && cut-amp <= maxEntityLen {
		cut = amp
	}
	return cut
}

type htmlTag struct {
	name string
	raw  string
}

// openTags returns the elements opened but not closed in s, outermost
// first.
func openTags(s string) []htmlTag {
	var stack []htmlTag
	for {
		start := strings.IndexByte(s, '<')
		if start < 0 {
			return stack
		}
		end := strings.IndexByte(s[start:], '>')
		if end < 0 {
			return stack
		}
		raw := s[start : start+end+1]
		s = s[start+end+1:]

		inner := strings.TrimSuffix(strings.TrimPrefix(raw, "<"), ">")
		closing := strings.HasPrefix(inner, "/")
		name := strings.ToLower(strings.TrimPrefix(inner, "/"))
		if i := strings.IndexAny(name, " \t\n"); i >= 0 {
			name = name[:i]
		}
		if !closing {
			stack = append(stack, htmlTag{name: name, raw: raw})
			continue
		}
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i].name == name {
				stack = append(stack[:i], stack[i+1:]...)
				break
			}
		}
	}
}

func closingTags(open []htmlTag) string {
	var b strings.Builder
	for i := len(open) - 1; i >= 0; i-- {
		b.WriteString("</" + open[i].name + ">")
	}
	return b.String()
}

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
