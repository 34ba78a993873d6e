package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dotsetgreg/stefan/pkg/bus"
	"github.com/dotsetgreg/stefan/pkg/config"
	"github.com/dotsetgreg/stefan/pkg/logger"
)

const (
	sendTimeout           = 10 * time.Second
	typingRefreshInterval = 8 * time.Second

	// Discord caps a message at 2000 characters; the remainder is headroom
	// for keeping code blocks intact.
	messageChunkLimit = 1500

	// maxHistoryLimit is the largest page the messages endpoint returns.
	maxHistoryLimit = 100
)

var ErrNotRunning = errors.New("channel not running")

// discordAPI is the subset of *discordgo.Session used after the gateway
// connection is open.
type discordAPI interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	api     discordAPI
	config  config.DiscordConfig

	selfMu sync.RWMutex
	selfID string

	typing   map[string]*typingSession
	typingMu sync.Mutex
}

type typingSession struct {
	pending int
	cancel  context.CancelFunc
}

func NewDiscordChannel(cfg config.DiscordConfig, messageBus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	ch := newDiscordChannel(cfg, messageBus, session)
	ch.session = session
	return ch, nil
}

func newDiscordChannel(cfg config.DiscordConfig, messageBus *bus.MessageBus, api discordAPI) *DiscordChannel {
	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", messageBus, cfg.AllowFrom, cfg.ChannelIDs),
		api:         api,
		config:      cfg,
		typing:      make(map[string]*typingSession),
	}
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	botUser, err := c.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		_ = c.session.Close()
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	c.setSelfID(botUser.ID)
	c.setRunning(true)

	logger.InfoCF("discord", "Discord bot connected", map[string]interface{}{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")
	c.setRunning(false)
	c.stopAllTyping()

	if c.session == nil {
		return nil
	}
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

func (c *DiscordChannel) SelfID() string {
	c.selfMu.RLock()
	defer c.selfMu.RUnlock()
	return c.selfID
}

func (c *DiscordChannel) setSelfID(id string) {
	c.selfMu.Lock()
	defer c.selfMu.Unlock()
	c.selfID = id
}

func (c *DiscordChannel) History(ctx context.Context, chatID string, limit int) ([]bus.HistoryMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	msgs, err := c.api.ChannelMessages(chatID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch discord history: %w", err)
	}

	out := make([]bus.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || m.Author == nil {
			continue
		}
		out = append(out, bus.HistoryMessage{
			MessageID:      m.ID,
			AuthorID:       m.Author.ID,
			Username:       m.Author.Username,
			DisplayName:    displayName(m),
			Content:        m.Content,
			Timestamp:      m.Timestamp,
			HasAttachments: len(m.Attachments) > 0,
		})
	}
	return out, nil
}

func (c *DiscordChannel) ResolveReferenceAuthor(ctx context.Context, chatID, messageID string) (string, error) {
	ref, err := c.api.ChannelMessage(chatID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("fetch referenced message: %w", err)
	}
	if ref == nil || ref.Author == nil {
		return "", fmt.Errorf("referenced message %s has no author", messageID)
	}
	return ref.Author.ID, nil
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord: %w", ErrNotRunning)
	}

	channelID := msg.ChatID
	if channelID == "" {
		return fmt.Errorf("channel ID is empty")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}

	for i, chunk := range splitMessage(msg.Content, messageChunkLimit) {
		replyTo := ""
		if i == 0 {
			replyTo = msg.ReplyToID
		}
		if err := c.sendChunk(ctx, channelID, chunk, replyTo); err != nil {
			return err
		}
	}
	return nil
}

func (c *DiscordChannel) sendChunk(ctx context.Context, channelID, content, replyTo string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	var err error
	if replyTo != "" {
		ref := &discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID}
		_, err = c.api.ChannelMessageSendReply(channelID, content, ref, discordgo.WithContext(sendCtx))
	} else {
		_, err = c.api.ChannelMessageSend(channelID, content, discordgo.WithContext(sendCtx))
	}
	if err != nil {
		if sendCtx.Err() != nil {
			return fmt.Errorf("send message timeout: %w", sendCtx.Err())
		}
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	return nil
}

func (c *DiscordChannel) sendTyping(channelID string) {
	if channelID == "" || c.api == nil {
		return
	}
	if err := c.api.ChannelTyping(channelID); err != nil {
		logger.WarnCF("discord", "Failed to send typing indicator", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// BeginTyping shows the typing indicator in channelID until the matching
// EndTyping. Nested calls are reference counted.
func (c *DiscordChannel) BeginTyping(channelID string) {
	if channelID == "" {
		return
	}

	c.typingMu.Lock()
	if sess, ok := c.typing[channelID]; ok {
		sess.pending++
		c.typingMu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.typing[channelID] = &typingSession{pending: 1, cancel: cancel}
	c.typingMu.Unlock()

	c.sendTyping(channelID)

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.IsRunning() {
					return
				}
				c.sendTyping(channelID)
			}
		}
	}()
}

func (c *DiscordChannel) EndTyping(channelID string) {
	if channelID == "" {
		return
	}

	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	sess, ok := c.typing[channelID]
	if !ok {
		return
	}
	sess.pending--
	if sess.pending > 0 {
		return
	}
	delete(c.typing, channelID)
	sess.cancel()
}

func (c *DiscordChannel) stopAllTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	for channelID, sess := range c.typing {
		sess.cancel()
		delete(c.typing, channelID)
	}
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	selfID := c.SelfID()
	if selfID == "" && s != nil && s.State != nil && s.State.User != nil {
		selfID = s.State.User.ID
	}

	msg, ok := toInbound(selfID, m.Message)
	if !ok {
		return
	}

	logger.DebugCF("discord", "Received message", map[string]interface{}{
		"sender_name": msg.SenderName,
		"sender_id":   msg.SenderID,
		"mentions_me": msg.MentionsBot,
		"preview":     preview(msg.Content, 50),
	})

	c.HandleMessage(msg)
}

// toInbound normalizes a gateway message. Addressing is resolved against
// selfID here so the gate never needs the raw Discord payload.
func toInbound(selfID string, m *discordgo.Message) (bus.InboundMessage, bool) {
	if m == nil || m.Author == nil {
		return bus.InboundMessage{}, false
	}

	msg := bus.InboundMessage{
		ChatID:          m.ChannelID,
		MessageID:       m.ID,
		SenderID:        m.Author.ID,
		SenderName:      m.Author.Username,
		Content:         m.Content,
		Timestamp:       m.Timestamp,
		SenderIsBot:     m.Author.Bot,
		MentionEveryone: m.MentionEveryone,
		HasAttachments:  len(m.Attachments) > 0,
		Metadata: map[string]string{
			"guild_id":     m.GuildID,
			"display_name": displayName(m),
			"is_dm":        fmt.Sprintf("%t", m.GuildID == ""),
		},
	}

	for _, u := range m.Mentions {
		if u != nil && selfID != "" && u.ID == selfID {
			msg.MentionsBot = true
			break
		}
	}

	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		msg.ReplyToMessageID = m.MessageReference.MessageID
		if m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil {
			msg.ReplyToAuthorID = m.ReferencedMessage.Author.ID
		}
	}
	return msg, true
}

func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
