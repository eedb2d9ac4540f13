package core

import (
	"fmt"
	"time"
)

// Category names the payload variant carried by an update. The string
// values match the Bot API allowed_updates names.
type Category string

const (
	CategoryUnknown            Category = ""
	CategoryMessage            Category = "message"
	CategoryEditedMessage      Category = "edited_message"
	CategoryChannelPost        Category = "channel_post"
	CategoryEditedChannelPost  Category = "edited_channel_post"
	CategoryCallbackQuery      Category = "callback_query"
	CategoryInlineQuery        Category = "inline_query"
	CategoryChosenInlineResult Category = "chosen_inline_result"
	CategoryPoll               Category = "poll"
	CategoryPollAnswer         Category = "poll_answer"
	CategoryMyChatMember       Category = "my_chat_member"
	CategoryChatMember         Category = "chat_member"
	CategoryChatJoinRequest    Category = "chat_join_request"
)

// Update is one inbound event. Exactly one payload field is set.
type Update struct {
	ID                 int64               `json:"update_id"`
	Message            *Message            `json:"message,omitempty"`
	EditedMessage      *Message            `json:"edited_message,omitempty"`
	ChannelPost        *Message            `json:"channel_post,omitempty"`
	EditedChannelPost  *Message            `json:"edited_channel_post,omitempty"`
	CallbackQuery      *CallbackQuery      `json:"callback_query,omitempty"`
	InlineQuery        *InlineQuery        `json:"inline_query,omitempty"`
	ChosenInlineResult *ChosenInlineResult `json:"chosen_inline_result,omitempty"`
	Poll               *Poll               `json:"poll,omitempty"`
	PollAnswer         *PollAnswer         `json:"poll_answer,omitempty"`
	MyChatMember       *ChatMemberUpdated  `json:"my_chat_member,omitempty"`
	ChatMember         *ChatMemberUpdated  `json:"chat_member,omitempty"`
	ChatJoinRequest    *ChatJoinRequest    `json:"chat_join_request,omitempty"`
}

type User struct {
	ID           int64  `json:"id"`
	IsBot        bool   `json:"is_bot"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
}

// File covers the media payloads the engine only needs to detect.
type File struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileSize     int64  `json:"file_size,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type Contact struct {
	PhoneNumber string `json:"phone_number"`
	FirstName   string `json:"first_name"`
	UserID      int64  `json:"user_id,omitempty"`
}

type Message struct {
	MessageID       int64     `json:"message_id"`
	MessageThreadID int64     `json:"message_thread_id,omitempty"`
	From            *User     `json:"from,omitempty"`
	SenderChat      *Chat     `json:"sender_chat,omitempty"`
	Chat            Chat      `json:"chat"`
	Date            int64     `json:"date"`
	Text            string    `json:"text,omitempty"`
	Caption         string    `json:"caption,omitempty"`
	Photo           []File    `json:"photo,omitempty"`
	Document        *File     `json:"document,omitempty"`
	Audio           *File     `json:"audio,omitempty"`
	Video           *File     `json:"video,omitempty"`
	Voice           *File     `json:"voice,omitempty"`
	Animation       *File     `json:"animation,omitempty"`
	Sticker         *File     `json:"sticker,omitempty"`
	Location        *Location `json:"location,omitempty"`
	Contact         *Contact  `json:"contact,omitempty"`

	ForwardOrigin  *MessageOrigin `json:"forward_origin,omitempty"`
	ForwardDate    int64          `json:"forward_date,omitempty"`
	ReplyToMessage *Message       `json:"reply_to_message,omitempty"`
}

// MessageOrigin describes where a forwarded message came from.
type MessageOrigin struct {
	Type string `json:"type"`
	Date int64  `json:"date"`
}

// IsForwarded reports whether m was forwarded. Older payloads carry only
// forward_date.
func (m *Message) IsForwarded() bool {
	return m != nil && (m.ForwardOrigin != nil || m.ForwardDate != 0)
}

// ContentType reports the kind of content a message carries, using the
// Bot API field names ("text", "photo", "document", ...).
func (m *Message) ContentType() string {
	switch {
	case m == nil:
		return ""
	case m.Text != "":
		return "text"
	case len(m.Photo) > 0:
		return "photo"
	case m.Animation != nil:
		return "animation"
	case m.Document != nil:
		return "document"
	case m.Audio != nil:
		return "audio"
	case m.Video != nil:
		return "video"
	case m.Voice != nil:
		return "voice"
	case m.Sticker != nil:
		return "sticker"
	case m.Location != nil:
		return "location"
	case m.Contact != nil:
		return "contact"
	default:
		return "unknown"
	}
}

type CallbackQuery struct {
	ID              string   `json:"id"`
	From            User     `json:"from"`
	Message         *Message `json:"message,omitempty"`
	InlineMessageID string   `json:"inline_message_id,omitempty"`
	ChatInstance    string   `json:"chat_instance"`
	Data            string   `json:"data,omitempty"`
}

type InlineQuery struct {
	ID       string `json:"id"`
	From     User   `json:"from"`
	Query    string `json:"query"`
	Offset   string `json:"offset"`
	ChatType string `json:"chat_type,omitempty"`
}

type ChosenInlineResult struct {
	ResultID        string `json:"result_id"`
	From            User   `json:"from"`
	Query           string `json:"query"`
	InlineMessageID string `json:"inline_message_id,omitempty"`
}

type Poll struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	IsClosed bool   `json:"is_closed"`
}

type PollAnswer struct {
	PollID    string  `json:"poll_id"`
	User      *User   `json:"user,omitempty"`
	OptionIDs []int64 `json:"option_ids"`
}

type ChatMemberUpdated struct {
	Chat Chat  `json:"chat"`
	From User  `json:"from"`
	Date int64 `json:"date"`
}

type ChatJoinRequest struct {
	Chat Chat   `json:"chat"`
	From User   `json:"from"`
	Date int64  `json:"date"`
	Bio  string `json:"bio,omitempty"`
}

// Category returns the variant populated in u.
func (u Update) Category() Category {
	switch {
	case u.Message != nil:
		return CategoryMessage
	case u.EditedMessage != nil:
		return CategoryEditedMessage
	case u.ChannelPost != nil:
		return CategoryChannelPost
	case u.EditedChannelPost != nil:
		return CategoryEditedChannelPost
	case u.CallbackQuery != nil:
		return CategoryCallbackQuery
	case u.InlineQuery != nil:
		return CategoryInlineQuery
	case u.ChosenInlineResult != nil:
		return CategoryChosenInlineResult
	case u.Poll != nil:
		return CategoryPoll
	case u.PollAnswer != nil:
		return CategoryPollAnswer
	case u.MyChatMember != nil:
		return CategoryMyChatMember
	case u.ChatMember != nil:
		return CategoryChatMember
	case u.ChatJoinRequest != nil:
		return CategoryChatJoinRequest
	default:
		return CategoryUnknown
	}
}

// AnyMessage returns whichever message-like payload is set, or nil.
func (u Update) AnyMessage() *Message {
	switch {
	case u.Message != nil:
		return u.Message
	case u.EditedMessage != nil:
		return u.EditedMessage
	case u.ChannelPost != nil:
		return u.ChannelPost
	case u.EditedChannelPost != nil:
		return u.EditedChannelPost
	}
	return nil
}

// Chat returns the chat the update happened in, if it has one.
func (u Update) Chat() *Chat {
	if m := u.AnyMessage(); m != nil {
		return &m.Chat
	}
	switch {
	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil:
		return &u.CallbackQuery.Message.Chat
	case u.MyChatMember != nil:
		return &u.MyChatMember.Chat
	case u.ChatMember != nil:
		return &u.ChatMember.Chat
	case u.ChatJoinRequest != nil:
		return &u.ChatJoinRequest.Chat
	}
	return nil
}

// Sender returns the user who caused the update, if known.
func (u Update) Sender() *User {
	if m := u.AnyMessage(); m != nil {
		return m.From
	}
	switch {
	case u.CallbackQuery != nil:
		return &u.CallbackQuery.From
	case u.InlineQuery != nil:
		return &u.InlineQuery.From
	case u.ChosenInlineResult != nil:
		return &u.ChosenInlineResult.From
	case u.PollAnswer != nil:
		return u.PollAnswer.User
	case u.MyChatMember != nil:
		return &u.MyChatMember.From
	case u.ChatMember != nil:
		return &u.ChatMember.From
	case u.ChatJoinRequest != nil:
		return &u.ChatJoinRequest.From
	}
	return nil
}

// Text returns the matchable text of the update: message text or caption,
// callback data, or inline query.
func (u Update) Text() string {
	if m := u.AnyMessage(); m != nil {
		if m.Text != "" {
			return m.Text
		}
		return m.Caption
	}
	switch {
	case u.CallbackQuery != nil:
		return u.CallbackQuery.Data
	case u.InlineQuery != nil:
		return u.InlineQuery.Query
	case u.ChosenInlineResult != nil:
		return u.ChosenInlineResult.Query
	}
	return ""
}

// SentAt returns the platform timestamp of the update, or zero when the
// payload carries none.
func (u Update) SentAt() time.Time {
	var date int64
	if m := u.AnyMessage(); m != nil {
		date = m.Date
	} else {
		switch {
		case u.MyChatMember != nil:
			date = u.MyChatMember.Date
		case u.ChatMember != nil:
			date = u.ChatMember.Date
		case u.ChatJoinRequest != nil:
			date = u.ChatJoinRequest.Date
		}
	}
	if date == 0 {
		return time.Time{}
	}
	return time.Unix(date, 0)
}

// ConversationKey scopes conversation state and serializes dispatch.
// The zero key means the update has no conversation identity.
type ConversationKey struct {
	ChatID int64
	UserID int64
}

// KeyOf derives the conversation key of an update.
func KeyOf(u Update) ConversationKey {
	var k ConversationKey
	if c := u.Chat(); c != nil {
		k.ChatID = c.ID
	}
	if s := u.Sender(); s != nil {
		k.UserID = s.ID
	}
	return k
}

func (k ConversationKey) IsZero() bool {
	return k.ChatID == 0 && k.UserID == 0
}

func (k ConversationKey) String() string {
	return fmt.Sprintf("%d:%d", k.ChatID, k.UserID)
}
