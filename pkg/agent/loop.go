package agent

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/stefan/pkg/bus"
	"github.com/dotsetgreg/stefan/pkg/channels"
	"github.com/dotsetgreg/stefan/pkg/config"
	"github.com/dotsetgreg/stefan/pkg/logger"
	"github.com/dotsetgreg/stefan/pkg/memory"
	"github.com/dotsetgreg/stefan/pkg/metrics"
	"github.com/dotsetgreg/stefan/pkg/providers"
	"github.com/google/uuid"
)

// FallbackReply is posted whenever generation fails.
const FallbackReply = "Something went wrong"

// ConversationSource looks up the read side of a channel by name.
type ConversationSource interface {
	Conversation(name string) (channels.Conversation, bool)
}

// MemoryService is the part of *memory.Service the loop needs.
type MemoryService interface {
	Recall(ctx context.Context, now time.Time) ([]memory.Record, error)
	Apply(ctx context.Context, delta []memory.Record, now time.Time) ([]memory.Record, error)
}

// TurnResult summarizes one processed message.
type TurnResult struct {
	TurnID   string
	Decision Decision
	Reply    string
	Fallback bool
	// Memories is the store size after the update, or -1 when no update ran.
	Memories int
}

type AgentLoop struct {
	bus           *bus.MessageBus
	conversations ConversationSource
	gate          *Gate
	builder       *ContextBuilder
	invoker       *Invoker
	memory        MemoryService
	metrics       *metrics.Metrics
	window        int
	now           func() time.Time
	running       atomic.Bool
}

type Options struct {
	Bus           *bus.MessageBus
	Conversations ConversationSource
	Gate          *Gate
	Builder       *ContextBuilder
	Invoker       *Invoker
	Memory        MemoryService
	Metrics       *metrics.Metrics
	Window        int
	Now           func() time.Time
}

func NewAgentLoopWithOptions(opts Options) (*AgentLoop, error) {
	switch {
	case opts.Bus == nil:
		return nil, fmt.Errorf("message bus is required")
	case opts.Conversations == nil:
		return nil, fmt.Errorf("conversation source is required")
	case opts.Gate == nil, opts.Builder == nil, opts.Invoker == nil:
		return nil, fmt.Errorf("gate, context builder and invoker are required")
	case opts.Memory == nil:
		return nil, fmt.Errorf("memory service is required")
	}
	if opts.Window <= 0 {
		opts.Window = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &AgentLoop{
		bus:           opts.Bus,
		conversations: opts.Conversations,
		gate:          opts.Gate,
		builder:       opts.Builder,
		invoker:       opts.Invoker,
		memory:        opts.Memory,
		metrics:       opts.Metrics,
		window:        opts.Window,
		now:           opts.Now,
	}, nil
}

// NewAgentLoop wires the pipeline from configuration. It fails when the
// backstory cannot be read.
func NewAgentLoop(cfg *config.Config, msgBus *bus.MessageBus, conversations ConversationSource, provider providers.StructuredProvider, mem MemoryService, m *metrics.Metrics) (*AgentLoop, error) {
	backstory, err := LoadBackstory(cfg.Persona.BackstoryPath)
	if err != nil {
		return nil, err
	}
	pc := cfg.ActiveProvider()
	invoker, err := NewInvoker(provider, pc.Model, time.Duration(pc.TimeoutSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	return NewAgentLoopWithOptions(Options{
		Bus:           msgBus,
		Conversations: conversations,
		Gate:          NewGate(cfg.Gate.RandomChance, nil),
		Builder:       NewContextBuilder(cfg.Persona, backstory, cfg.Memory.Policy),
		Invoker:       invoker,
		Memory:        mem,
		Metrics:       m,
		Window:        cfg.Gate.HistoryWindow,
	})
}

// Run consumes inbound messages one at a time until ctx is done or Stop is
// called. No single message can end the loop.
func (al *AgentLoop) Run(ctx context.Context) error {
	al.running.Store(true)

	for al.running.Load() {
		msg, ok := al.bus.ConsumeInbound(ctx)
		if !ok {
			// ctx done or bus closed
			return nil
		}
		if _, err := al.processMessage(ctx, msg); err != nil {
			logger.ErrorCF("agent", "Turn abandoned", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
		}
	}
	return nil
}

func (al *AgentLoop) Stop() {
	al.running.Store(false)
}

func (al *AgentLoop) processMessage(ctx context.Context, msg bus.InboundMessage) (result TurnResult, err error) {
	result = TurnResult{TurnID: uuid.NewString(), Memories: -1}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing message: %v", r)
		}
	}()

	al.metrics.MessageSeen(msg.Channel)

	conv, ok := al.conversations.Conversation(msg.Channel)
	if !ok {
		return result, fmt.Errorf("no conversation for channel %q", msg.Channel)
	}

	result.Decision = al.gate.Decide(ctx, msg, conv)
	al.metrics.GateDecision(string(result.Decision.Reason), result.Decision.Respond)
	logger.DebugCF("agent", "Gate decision", map[string]interface{}{
		"turn_id":   result.TurnID,
		"sender_id": msg.SenderID,
		"respond":   result.Decision.Respond,
		"reason":    string(result.Decision.Reason),
	})
	if !result.Decision.Respond {
		return result, nil
	}

	if ti, ok := conv.(channels.TypingIndicator); ok {
		ti.BeginTyping(msg.ChatID)
		defer ti.EndTyping(msg.ChatID)
	}

	now := al.now()
	history, err := conv.History(ctx, msg.ChatID, al.window)
	if err != nil {
		return result, fmt.Errorf("fetch history: %w", err)
	}

	records, err := al.memory.Recall(ctx, now)
	if err != nil {
		logger.WarnCF("agent", "Memory unavailable, continuing without it", map[string]interface{}{
			"turn_id": result.TurnID,
			"error":   err.Error(),
		})
		records = nil
	}

	prompt, err := al.builder.Build(history, msg.MessageID, records, now)
	if err != nil {
		return result, fmt.Errorf("build prompt: %w", err)
	}

	started := time.Now()
	payload, err := al.invoker.Invoke(ctx, prompt)
	if err != nil {
		al.metrics.Completion(metrics.OutcomeFallback, time.Since(started))
		logger.ErrorCF("agent", "Generation failed, sending fallback", map[string]interface{}{
			"turn_id": result.TurnID,
			"error":   err.Error(),
		})
		result.Fallback = true
		result.Reply = FallbackReply
		al.reply(msg, FallbackReply)
		return result, nil
	}
	al.metrics.Completion(metrics.OutcomeSuccess, time.Since(started))

	result.Reply = payload.Message
	al.reply(msg, payload.Message)
	logger.InfoCF("agent", "Reply sent", map[string]interface{}{
		"turn_id":   result.TurnID,
		"chat_id":   msg.ChatID,
		"reason":    string(result.Decision.Reason),
		"rationale": payload.Rationale,
	})

	stored, err := al.memory.Apply(ctx, payload.Memory, now)
	if err != nil {
		al.metrics.MemoryWriteError()
		logger.ErrorCF("agent", "Memory update failed", map[string]interface{}{
			"turn_id": result.TurnID,
			"error":   err.Error(),
		})
		return result, nil
	}
	result.Memories = len(stored)
	al.metrics.MemoryRecords(len(stored))
	return result, nil
}

func (al *AgentLoop) reply(msg bus.InboundMessage, content string) {
	al.bus.PublishOutbound(bus.OutboundMessage{
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		Content:   content,
		ReplyToID: msg.MessageID,
	})
}

// GetStartupInfo summarizes the loop configuration for startup logs.
func (al *AgentLoop) GetStartupInfo() map[string]interface{} {
	return map[string]interface{}{
		"history_window": al.window,
		"random_chance":  al.gate.chance,
		"memory_policy":  al.builder.policy,
		"persona":        al.builder.persona.Name,
	}
}
