package domain

// ParseMode selects how the platform renders message text.
type ParseMode string

const (
	ParsePlain ParseMode = ""
	ParseHTML  ParseMode = "HTML"
)

// Outbound is a reply the transport can deliver to a conversation.
// The set of implementations is closed: Text, Document, MediaGroup,
// EditText and CallbackAnswer.
type Outbound interface {
	outbound()
}

// Keyboard is a reply keyboard shown under the input field.
type Keyboard struct {
	Rows        [][]string
	Persistent  bool
	OneTime     bool
	Placeholder string
}

// InlineButton is a button attached to a message. Exactly one of URL and
// Data should be set.
type InlineButton struct {
	Text string
	URL  string
	Data string
}

// Markup is the optional keyboard attached to a message.
type Markup struct {
	Keyboard       *Keyboard
	Inline         [][]InlineButton
	RemoveKeyboard bool
}

// Text sends a text message.
type Text struct {
	Body           string
	ParseMode      ParseMode
	Markup         Markup
	DisablePreview bool
}

// Document uploads a file with an optional caption.
type Document struct {
	FileName  string
	Data      []byte
	Caption   string
	ParseMode ParseMode
	Markup    Markup
}

// MediaItem is one element of a media group. It references a file already
// stored on the platform.
type MediaItem struct {
	Type      MediaType
	FileID    string
	Caption   string
	ParseMode ParseMode
}

// MediaGroup sends up to ten photos/documents as an album.
type MediaGroup struct {
	Items []MediaItem
}

// EditText replaces the text of a previously sent message.
type EditText struct {
	MessageID int64
	Body      string
	ParseMode ParseMode
}

// CallbackAnswer acknowledges a callback query.
type CallbackAnswer struct {
	CallbackID string
	Text       string
}

func (Text) outbound()           {}
func (Document) outbound()       {}
func (MediaGroup) outbound()     {}
func (EditText) outbound()       {}
func (CallbackAnswer) outbound() {}

// SendResult describes a delivered outbound payload.
type SendResult struct {
	// MessageIDs lists the ids of created messages, in order.
	MessageIDs []int64
}

// MaxMediaGroup is the platform limit of items per media group.
const MaxMediaGroup = 10
