package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/stefan/pkg/bus"
	"github.com/dotsetgreg/stefan/pkg/channels"
	"github.com/dotsetgreg/stefan/pkg/memory"
)

type fakeConversation struct {
	self       string
	history    []bus.HistoryMessage
	historyErr error

	mu     sync.Mutex
	typing []string
}

func (f *fakeConversation) SelfID() string { return f.self }

func (f *fakeConversation) History(ctx context.Context, chatID string, limit int) ([]bus.HistoryMessage, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	if limit < len(f.history) {
		return f.history[:limit], nil
	}
	return f.history, nil
}

func (f *fakeConversation) ResolveReferenceAuthor(ctx context.Context, chatID, messageID string) (string, error) {
	return "", errors.New("not found")
}

func (f *fakeConversation) BeginTyping(chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, "begin:"+chatID)
}

func (f *fakeConversation) EndTyping(chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, "end:"+chatID)
}

type conversationMap map[string]channels.Conversation

func (m conversationMap) Conversation(name string) (channels.Conversation, bool) {
	c, ok := m[name]
	return c, ok
}

type fakeMemory struct {
	records   []memory.Record
	recallErr error
	applyErr  error
	applied   [][]memory.Record
}

func (f *fakeMemory) Recall(ctx context.Context, now time.Time) ([]memory.Record, error) {
	if f.recallErr != nil {
		return nil, f.recallErr
	}
	return memory.FilterLive(f.records, now), nil
}

func (f *fakeMemory) Apply(ctx context.Context, delta []memory.Record, now time.Time) ([]memory.Record, error) {
	f.applied = append(f.applied, delta)
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	f.records = append(f.records, delta...)
	return f.records, nil
}

type loopFixture struct {
	loop     *AgentLoop
	bus      *bus.MessageBus
	conv     *fakeConversation
	provider *fakeProvider
	memory   *fakeMemory
}

func newLoopFixture(t *testing.T, content string) *loopFixture {
	t.Helper()
	msgBus := bus.NewMessageBus()
	t.Cleanup(msgBus.Close)

	conv := &fakeConversation{
		self: "bot",
		history: []bus.HistoryMessage{
			{MessageID: "m2", AuthorID: "u1", Username: "alice", Content: "hey Stefan", Timestamp: testNow.Add(-time.Minute)},
			{MessageID: "m1", AuthorID: "u2", Username: "bob", Content: "morning", Timestamp: testNow.Add(-time.Hour)},
		},
	}
	provider := &fakeProvider{content: content}
	invoker, err := NewInvoker(provider, "", time.Second)
	if err != nil {
		t.Fatalf("NewInvoker: %v", err)
	}
	mem := &fakeMemory{}

	loop, err := NewAgentLoopWithOptions(Options{
		Bus:           msgBus,
		Conversations: conversationMap{"discord": conv},
		Gate:          NewGate(0, fixedDraw(0.5)),
		Builder:       NewContextBuilder(testPersona(), []string{"Stefan likes trains."}, memory.PolicyAppend),
		Invoker:       invoker,
		Memory:        mem,
		Now:           func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("NewAgentLoopWithOptions: %v", err)
	}
	return &loopFixture{loop: loop, bus: msgBus, conv: conv, provider: provider, memory: mem}
}

func mention() bus.InboundMessage {
	return bus.InboundMessage{
		Channel:     "discord",
		ChatID:      "c1",
		MessageID:   "m2",
		SenderID:    "u1",
		Content:     "hey Stefan",
		MentionsBot: true,
	}
}

func nextOutbound(t *testing.T, mb *bus.MessageBus) bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, ok := mb.SubscribeOutbound(ctx)
	if !ok {
		t.Fatalf("no outbound message")
	}
	return out
}

func TestProcessMessage_ReplyAndMemoryUpdate(t *testing.T) {
	f := newLoopFixture(t, validReply)

	res, err := f.loop.processMessage(context.Background(), mention())
	if err != nil {
		t.Fatalf("processMessage: %v", err)
	}
	if res.Fallback || res.Memories != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	out := nextOutbound(t, f.bus)
	if out.Content != "Sounds fun, <@u1>!" || out.ReplyToID != "m2" || out.ChatID != "c1" || out.Channel != "discord" {
		t.Fatalf("unexpected outbound %+v", out)
	}
	if len(f.memory.applied) != 1 || len(f.memory.applied[0]) != 2 {
		t.Fatalf("memory not applied once: %+v", f.memory.applied)
	}
	if got := f.conv.typing; len(got) != 2 || got[0] != "begin:c1" || got[1] != "end:c1" {
		t.Fatalf("typing not bracketed: %v", got)
	}
}

func TestProcessMessage_SchemaFailureSendsFallbackWithoutMemoryUpdate(t *testing.T) {
	f := newLoopFixture(t, `{"rationale":"r","message":"hi"}`)

	res, err := f.loop.processMessage(context.Background(), mention())
	if err != nil {
		t.Fatalf("processMessage: %v", err)
	}
	if !res.Fallback || res.Memories != -1 {
		t.Fatalf("unexpected result %+v", res)
	}
	out := nextOutbound(t, f.bus)
	if out.Content != FallbackReply || out.ReplyToID != "m2" {
		t.Fatalf("unexpected outbound %+v", out)
	}
	if len(f.memory.applied) != 0 {
		t.Fatalf("memory must not be touched on failure")
	}
}

func TestProcessMessage_GateDeclines(t *testing.T) {
	f := newLoopFixture(t, validReply)
	msg := mention()
	msg.MentionsBot = false

	res, err := f.loop.processMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("processMessage: %v", err)
	}
	if res.Decision.Respond || f.provider.calls != 0 {
		t.Fatalf("gate should have declined: %+v", res)
	}
	if len(f.conv.typing) != 0 {
		t.Fatalf("no typing expected when not responding")
	}
}

func TestProcessMessage_OwnMessageIgnored(t *testing.T) {
	f := newLoopFixture(t, validReply)
	msg := mention()
	msg.SenderID = "bot"

	res, _ := f.loop.processMessage(context.Background(), msg)
	if res.Decision.Reason != ReasonSelfAuthored || f.provider.calls != 0 {
		t.Fatalf("own message must be ignored: %+v", res)
	}
}

func TestProcessMessage_HistoryFailureAbandonsTurn(t *testing.T) {
	f := newLoopFixture(t, validReply)
	f.conv.historyErr = errors.New("missing access")

	if _, err := f.loop.processMessage(context.Background(), mention()); err == nil {
		t.Fatalf("expected history error")
	}
	if f.provider.calls != 0 {
		t.Fatalf("no completion expected")
	}
}

func TestProcessMessage_MemoryReadFailureContinues(t *testing.T) {
	f := newLoopFixture(t, validReply)
	f.memory.recallErr = errors.New("corrupt store")

	res, err := f.loop.processMessage(context.Background(), mention())
	if err != nil {
		t.Fatalf("processMessage: %v", err)
	}
	if res.Fallback {
		t.Fatalf("reply expected despite memory read failure")
	}
	if !strings.Contains(f.provider.last.Prompt, "memory: []") {
		t.Fatalf("prompt should carry an empty memory set")
	}
}

func TestProcessMessage_MemoryWriteFailureKeepsReply(t *testing.T) {
	f := newLoopFixture(t, validReply)
	f.memory.applyErr = errors.New("disk full")

	res, err := f.loop.processMessage(context.Background(), mention())
	if err != nil {
		t.Fatalf("processMessage: %v", err)
	}
	if res.Memories != -1 {
		t.Fatalf("failed write should not report a size")
	}
	if out := nextOutbound(t, f.bus); out.Content != "Sounds fun, <@u1>!" {
		t.Fatalf("reply should still be sent, got %+v", out)
	}
}

func TestProcessMessage_UsesConfiguredWindow(t *testing.T) {
	f := newLoopFixture(t, validReply)
	f.loop.window = 1

	if _, err := f.loop.processMessage(context.Background(), mention()); err != nil {
		t.Fatalf("processMessage: %v", err)
	}
	if strings.Contains(f.provider.last.Prompt, "morning") {
		t.Fatalf("message outside window leaked into prompt")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	f := newLoopFixture(t, validReply)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	f.bus.PublishInbound(mention())
	if out := nextOutbound(t, f.bus); out.Content == "" {
		t.Fatalf("empty reply")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestNewAgentLoopWithOptions_Validation(t *testing.T) {
	if _, err := NewAgentLoopWithOptions(Options{}); err == nil {
		t.Fatalf("expected validation error")
	}
}
