package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/dotsetgreg/stefan/pkg/bus"
	"github.com/dotsetgreg/stefan/pkg/logger"
	"github.com/google/uuid"
)

const (
	ConsoleChatID   = "console"
	consoleSelfID   = "stefan"
	consoleUserID   = "local"
	consoleMaxLines = 100
)

// ConsoleChannel is a local terminal transport. Every line typed is treated
// as addressed to the bot, and the session keeps its own short history so
// the agent sees the same shape of conversation it gets from Discord.
type ConsoleChannel struct {
	*BaseChannel
	botName     string
	userName    string
	historyFile string

	rl     *readline.Instance
	out    io.Writer
	onExit func()

	mu      sync.Mutex
	history []bus.HistoryMessage
	now     func() time.Time
	done    chan struct{}
}

func NewConsoleChannel(messageBus *bus.MessageBus, botName, historyFile string) *ConsoleChannel {
	userName := os.Getenv("USER")
	if userName == "" {
		userName = "you"
	}
	return &ConsoleChannel{
		BaseChannel: NewBaseChannel("console", messageBus, nil, nil),
		botName:     botName,
		userName:    userName,
		historyFile: historyFile,
		out:         os.Stdout,
		now:         time.Now,
		done:        make(chan struct{}),
	}
}

// OnExit registers the callback run when the user leaves the session.
func (c *ConsoleChannel) OnExit(fn func()) {
	c.onExit = fn
}

func (c *ConsoleChannel) Start(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36m" + c.userName + ">\033[0m ",
		HistoryFile:     c.historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize console: %w", err)
	}
	c.rl = rl
	c.out = rl.Stdout()
	c.setRunning(true)

	fmt.Fprintf(c.out, "Chatting with %s. Type 'exit' to quit.\n", c.botName)
	go c.readLoop(ctx)
	return nil
}

func (c *ConsoleChannel) Stop(ctx context.Context) error {
	if !c.IsRunning() {
		return nil
	}
	c.setRunning(false)
	if c.rl != nil {
		return c.rl.Close()
	}
	return nil
}

func (c *ConsoleChannel) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		line, err := c.rl.Readline()
		if err != nil {
			if !errors.Is(err, readline.ErrInterrupt) && !errors.Is(err, io.EOF) {
				logger.WarnCF("console", "Console read failed", map[string]interface{}{"error": err.Error()})
			}
			c.exit()
			return
		}
		if ctx.Err() != nil {
			return
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			c.exit()
			return
		}
		c.ingest(line)
	}
}

func (c *ConsoleChannel) exit() {
	if c.onExit != nil {
		c.onExit()
	}
}

// ingest records a line typed by the local user and queues it for the agent.
func (c *ConsoleChannel) ingest(line string) bus.InboundMessage {
	now := c.now()
	id := uuid.NewString()
	c.remember(bus.HistoryMessage{
		MessageID:   id,
		AuthorID:    consoleUserID,
		Username:    c.userName,
		DisplayName: c.userName,
		Content:     line,
		Timestamp:   now,
	})

	msg := bus.InboundMessage{
		ChatID:      ConsoleChatID,
		MessageID:   id,
		SenderID:    consoleUserID,
		SenderName:  c.userName,
		Content:     line,
		Timestamp:   now,
		MentionsBot: true,
	}
	c.HandleMessage(msg)
	return msg
}

func (c *ConsoleChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("console: %w", ErrNotRunning)
	}
	c.remember(bus.HistoryMessage{
		MessageID:   uuid.NewString(),
		AuthorID:    consoleSelfID,
		Username:    c.botName,
		DisplayName: c.botName,
		Content:     msg.Content,
		Timestamp:   c.now(),
	})
	_, err := fmt.Fprintf(c.out, "\033[33m%s>\033[0m %s\n", c.botName, msg.Content)
	return err
}

func (c *ConsoleChannel) SelfID() string {
	return consoleSelfID
}

func (c *ConsoleChannel) History(ctx context.Context, chatID string, limit int) ([]bus.HistoryMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	n := min(limit, len(c.history))
	out := make([]bus.HistoryMessage, 0, n)
	for i := len(c.history) - 1; i >= len(c.history)-n; i-- {
		out = append(out, c.history[i])
	}
	return out, nil
}

func (c *ConsoleChannel) ResolveReferenceAuthor(ctx context.Context, chatID, messageID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.history {
		if m.MessageID == messageID {
			return m.AuthorID, nil
		}
	}
	return "", fmt.Errorf("message %s not found", messageID)
}

func (c *ConsoleChannel) remember(m bus.HistoryMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, m)
	if len(c.history) > consoleMaxLines {
		c.history = c.history[len(c.history)-consoleMaxLines:]
	}
}
