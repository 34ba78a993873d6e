package channels

import (
	"context"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/dotsetgreg/stefan/pkg/bus"
	"github.com/dotsetgreg/stefan/pkg/logger"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// Conversation is the read side of a chat transport used while building a
// reply: the bot's own identity, recent history and reply-reference lookup.
type Conversation interface {
	SelfID() string
	// History returns up to limit messages, newest first, as the platform
	// delivers them.
	History(ctx context.Context, chatID string, limit int) ([]bus.HistoryMessage, error)
	// ResolveReferenceAuthor returns the author ID of a referenced message.
	ResolveReferenceAuthor(ctx context.Context, chatID, messageID string) (string, error)
}

// TypingIndicator is implemented by channels that can signal that a reply
// is being prepared.
type TypingIndicator interface {
	BeginTyping(chatID string)
	EndTyping(chatID string)
}

type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
	chatIDs   []string
}

func NewBaseChannel(name string, messageBus *bus.MessageBus, allowList, chatIDs []string) *BaseChannel {
	return &BaseChannel{
		bus:       messageBus,
		name:      name,
		allowList: allowList,
		chatIDs:   chatIDs,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

// IsAllowed matches senderID against the allow-list. An entry may be a raw
// ID, an "@username" or the username part of a compound "id|username".
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	keys := senderKeys(senderID)
	for _, allowed := range c.allowList {
		entry := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if entry != "" && slices.Contains(keys, entry) {
			return true
		}
	}
	return false
}

// senderKeys expands "id|username" into every form an allow-list entry may
// take.
func senderKeys(senderID string) []string {
	id, user, ok := strings.Cut(senderID, "|")
	if !ok || id == "" {
		return []string{senderID}
	}
	keys := []string{senderID, id}
	if user != "" {
		keys = append(keys, user)
	}
	return keys
}

// IsChatAllowed reports whether the bot listens in chatID. An empty list
// means every chat.
func (c *BaseChannel) IsChatAllowed(chatID string) bool {
	if len(c.chatIDs) == 0 {
		return true
	}
	return slices.Contains(c.chatIDs, strings.TrimSpace(chatID))
}

// HandleMessage applies the sender and chat filters and queues msg for the
// agent loop.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) bool {
	if !c.IsChatAllowed(msg.ChatID) {
		logger.DebugCF(c.name, "Message outside configured chats", map[string]interface{}{
			"chat_id": msg.ChatID,
		})
		return false
	}
	if !c.IsAllowed(msg.SenderID) && !c.IsAllowed(msg.SenderID+"|"+msg.SenderName) {
		logger.DebugCF(c.name, "Message rejected by allowlist", map[string]interface{}{
			"user_id": msg.SenderID,
		})
		return false
	}
	msg.Channel = c.name
	c.bus.PublishInbound(msg)
	return true
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}
