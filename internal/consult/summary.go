package consult

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dentalor/lorbot/internal/domain"
)

// CaptionLimit is the platform limit for media captions, in characters.
const CaptionLimit = 1024

const (
	summaryFile   = "00_summary.txt"
	captionSuffix = " … (полный текст в " + summaryFile + ")"
	placeholder   = "—"
)

// SummaryHTML renders the consultation request sent to the ENT chat.
func SummaryHTML(d domain.Draft, dentist domain.Dentist) string {
	var b strings.Builder
	b.WriteString("<b>Заявка для консультации ЛОР</b>\n")
	fmt.Fprintf(&b, "<b>Жалобы</b>: %s\n", orDash(d.Complaints))
	fmt.Fprintf(&b, "<b>Анамнез</b>: %s\n", orDash(d.History))
	fmt.Fprintf(&b, "<b>Планируемая работа</b>: %s\n\n", orDash(d.PlannedWork))
	b.WriteString(DentistHTML(dentist))
	return b.String()
}

// DentistHTML renders the dentist's signature with a link to the profile
// when one can be built.
func DentistHTML(d domain.Dentist) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Стоматолог</b>: %s", orDash(d.FullName))
	switch {
	case d.Username != "":
		fmt.Fprintf(&b, " (<a href=\"https://t.me/%s\">@%s</a>)", d.Username, html.EscapeString(d.Username))
	case d.ID != 0:
		fmt.Fprintf(&b, " (<a href=\"tg://user?id=%d\">написать</a>)", d.ID)
	}
	fmt.Fprintf(&b, "\nТел.: %s; Место работы: %s", orDash(d.Phone), orDash(d.Workplace))
	return b.String()
}

// DeepLink returns a link opening a chat with the dentist, or "".
func DeepLink(d domain.Dentist) string {
	switch {
	case d.Username != "":
		return "https://t.me/" + d.Username
	case d.ID != 0:
		return "tg://user?id=" + strconv.FormatInt(d.ID, 10)
	default:
		return ""
	}
}

func contactMarkup(d domain.Dentist) domain.Markup {
	link := DeepLink(d)
	if link == "" {
		return domain.Markup{}
	}
	return domain.Markup{Inline: [][]domain.InlineButton{{{Text: btnContact, URL: link}}}}
}

var (
	anchorRe = regexp.MustCompile(`<a href="([^"]*)">([^<]*)</a>`)
	tagRe    = regexp.MustCompile(`</?b>`)
)

// HTMLToPlain converts the summary markup to plain text. Links keep their
// target in front of the label.
func HTMLToPlain(s string) string {
	s = anchorRe.ReplaceAllString(s, "$1 $2")
	s = tagRe.ReplaceAllString(s, "")
	return html.UnescapeString(s)
}

// ShortCaption fits an HTML summary into a media caption. Longer texts are
// cut at a word boundary and point to the summary file in the archive.
// Markup cut in half is dropped and open tags are closed.
func ShortCaption(s string) string {
	if utf8.RuneCountInString(s) <= CaptionLimit {
		return s
	}
	keep := CaptionLimit - utf8.RuneCountInString(captionSuffix) - len("</a></b>")
	cut := truncateRunes(s, keep)
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	if lt := strings.LastIndex(cut, "<"); lt > strings.LastIndex(cut, ">") {
		cut = cut[:lt]
	}
	if amp := strings.LastIndex(cut, "&"); amp > strings.LastIndex(cut, ";") {
		cut = cut[:amp]
	}
	cut = strings.TrimRight(cut, " \n")
	var closing string
	if strings.Count(cut, "<a ") > strings.Count(cut, "</a>") {
		closing += "</a>"
	}
	if strings.Count(cut, "<b>") > strings.Count(cut, "</b>") {
		closing += "</b>"
	}
	return cut + closing + captionSuffix
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return html.EscapeString(s)
}
