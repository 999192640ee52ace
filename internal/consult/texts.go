package consult

import (
	"regexp"

	"github.com/dentalor/lorbot/internal/domain"
)

// Reply keyboard buttons.
const (
	BtnNewConsult  = "🆕 Начать новую консультацию"
	BtnFillProfile = "✍️ Заполнить профиль"
	BtnMyData      = "ℹ️ Мои данные"

	BtnDone     = "Готово"
	BtnSend     = "✅ Отправить"
	BtnCancel   = "❌ Отмена"
	BtnRestart  = "🔄 Начать заново"
	BtnContinue = "▶️ Продолжить"
)

// FailureNotice is the reply sent when a handler fails.
const FailureNotice = "Произошла ошибка. Попробуйте ещё раз."

// Button labels are matched loosely: the emoji and variation selector are
// optional and case is ignored.
var (
	fillProfileRe = regexp.MustCompile(`(?i)^\s*(?:✍️?\s*)?заполнить профиль\s*$`)
	newConsultRe  = regexp.MustCompile(`(?i)^\s*(?:🆕\x{fe0f}?\s*)?начать новую консультацию\s*$`)
	myDataRe      = regexp.MustCompile(`(?i)^\s*(?:ℹ️?\s*)?мои данные\s*$`)
	viewConsultRe = regexp.MustCompile(`^view_consult:\d+$`)
)

const (
	greetingLead = "Здравствуйте! Укажите, пожалуйста, жалобы, анамнез, планируемую Вашу работу, прикрепите КТ сканы в коронарной и сагитальной проекции 📑\n"
	greetingNew  = greetingLead + "Похоже, Ваш профиль ещё не заполнен ✍🏼\nЗаполните, пожалуйста, данные о себе и начните новую консультацию ⬇️"
	greetingBack = greetingLead + "Проверьте свои данные и начните новую консультацию ⬇️"

	textNoConsultations = "У вас пока нет отправленных заявок."
	textRecent          = "Последние заявки:\n"
	textBadID           = "Некорректный ID."
	textNotFound        = "Заявка не найдена."
	textConsultNote     = "Детали анкеты сохраняются в черновике до отправки; архив содержит полный текст и файлы."

	textRegStart  = "🦷 Заполним профиль стоматолога\nВведите ФИО:"
	textRegPhone  = "Введите телефон (в любом удобном формате):"
	textRegWork   = "Введите место работы (клиника, город):"
	textRegSaved  = "✅ Профиль сохранён."
	textNeedValue = "Отправьте ответ текстом, пожалуйста."

	textResume      = "У вас есть незавершённая консультация. Хотите продолжить?"
	textComplaints  = "1/4. Жалобы пациента:"
	textHistory     = "2/4. Анамнез / сопутствующие данные (кратко):"
	textPlan        = "3/4. Планируемая стоматологическая работа:"
	textFiles       = "4/4. Прикрепите снимки/файлы (можно несколько, до 40 Мб). Когда закончите — нажмите «Готово»."
	textFileAdded   = "Файл добавлен. Прикрепите ещё или нажмите «Готово»."
	textFilesHint   = "Прикрепите снимок или файл либо нажмите «Готово»."
	textConfirmHint = "Выберите действие на клавиатуре ниже."
	textAttached    = "\n\n📎 Прикреплено файлов: %d"
	textSent        = "✅ Заявка отправлена ЛОР-врачу."
	textCancelled   = "❌ Отменено."
	textRestart     = "Начинаем заново. 1/4 Жалобы пациента:"
	textContinue    = "Продолжаем заполнение."
	textLeft        = "Действие отменено."

	textContact         = "Связаться со стоматологом:"
	textContactFallback = "💬 Связаться со стоматологом: "
	btnContact          = "💬 Написать стоматологу"
)

// Single field edit commands.
var fieldCommands = map[string]struct {
	usage string
	saved string
}{
	"set_name":      {"Использование: /set_name Иванов Иван Иванович", "✅ ФИО обновлено."},
	"set_phone":     {"Использование: /set_phone +7 900 000-00-00", "✅ Телефон обновлён."},
	"set_workplace": {"Использование: /set_workplace Клиника, город", "✅ Место работы обновлено."},
}

// Command is an entry of the bot command menu.
type Command struct {
	Name        string
	Description string
}

// Commands lists the menu published on startup.
var Commands = []Command{
	{"start", "Главное меню"},
	{"fill", "Заполнить профиль"},
	{"new", "Новая консультация"},
	{"me", "Мои данные"},
	{"list", "Список моих заявок"},
	{"set_name", "Изменить ФИО"},
	{"set_phone", "Изменить телефон"},
	{"set_workplace", "Изменить место работы"},
	{"cancel", "Отмена"},
}

// Profile descriptions published on startup.
const (
	ShortDescription = "Бот для быстрой связи между стоматологом-хирургом и хирургом-отоларингологом для планирования совместного лечения пациента."
	Description      = "Помогает стоматологу быстро сформировать и отправить анкету пациента для консультации с ЛОР-врачом."
)

var (
	mainKeyboard = domain.Markup{Keyboard: &domain.Keyboard{
		Rows:        [][]string{{BtnNewConsult}, {BtnFillProfile}, {BtnMyData}},
		Persistent:  true,
		Placeholder: "Выберите действие",
	}}
	resumeKeyboard  = domain.Markup{Keyboard: &domain.Keyboard{Rows: [][]string{{BtnContinue, BtnRestart}}}}
	filesKeyboard   = domain.Markup{Keyboard: &domain.Keyboard{Rows: [][]string{{BtnDone}}}}
	confirmKeyboard = domain.Markup{Keyboard: &domain.Keyboard{Rows: [][]string{{BtnSend, BtnCancel}, {BtnRestart}}}}
	removeKeyboard  = domain.Markup{RemoveKeyboard: true}
)
