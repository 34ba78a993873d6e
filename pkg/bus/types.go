package bus

import "time"

// InboundMessage is a chat event normalized by a channel adapter. The
// addressing fields are resolved by the adapter so the response gate can
// decide without talking to the platform again.
type InboundMessage struct {
	Channel    string
	ChatID     string
	MessageID  string
	SenderID   string
	SenderName string
	Content    string
	Timestamp  time.Time

	SenderIsBot     bool
	MentionsBot     bool
	MentionEveryone bool
	HasAttachments  bool

	// ReplyToMessageID is set when the event replies to an earlier message.
	// ReplyToAuthorID is filled only when the platform delivered the
	// referenced message inline.
	ReplyToMessageID string
	ReplyToAuthorID  string

	Metadata map[string]string
}

// IsReply reports whether the event references an earlier message.
func (m InboundMessage) IsReply() bool {
	return m.ReplyToMessageID != ""
}

// OutboundMessage is a reply routed back to the channel that produced the
// triggering event.
type OutboundMessage struct {
	Channel   string
	ChatID    string
	Content   string
	ReplyToID string
}

// HistoryMessage is one entry of recent channel history.
type HistoryMessage struct {
	MessageID      string
	AuthorID       string
	Username       string
	DisplayName    string
	Content        string
	Timestamp      time.Time
	HasAttachments bool
}

// MessageHandler receives inbound events for a channel.
type MessageHandler func(InboundMessage) error
