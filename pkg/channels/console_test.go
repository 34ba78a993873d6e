package channels

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/dotsetgreg/stefan/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsole(mb *bus.MessageBus) (*ConsoleChannel, *bytes.Buffer) {
	ch := NewConsoleChannel(mb, "Stefan", "")
	out := &bytes.Buffer{}
	ch.out = out
	ch.userName = "tester"
	clock := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	ch.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	ch.setRunning(true)
	return ch, out
}

func TestConsoleChannel_IngestMentionsBot(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	ch, _ := newTestConsole(mb)

	sent := ch.ingest("hello there")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "console", got.Channel)
	assert.Equal(t, ConsoleChatID, got.ChatID)
	assert.True(t, got.MentionsBot)
	assert.Equal(t, sent.MessageID, got.MessageID)
}

func TestConsoleChannel_HistoryNewestFirst(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	ch, out := newTestConsole(mb)

	first := ch.ingest("one")
	require.NoError(t, ch.Send(context.Background(), bus.OutboundMessage{Channel: "console", ChatID: ConsoleChatID, Content: "two"}))
	ch.ingest("three")

	hist, err := ch.History(context.Background(), ConsoleChatID, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "three", hist[0].Content)
	assert.Equal(t, "two", hist[1].Content)
	assert.Equal(t, ch.SelfID(), hist[1].AuthorID)
	assert.Contains(t, out.String(), "two")

	author, err := ch.ResolveReferenceAuthor(context.Background(), ConsoleChatID, first.MessageID)
	require.NoError(t, err)
	assert.Equal(t, consoleUserID, author)
}

func TestConsoleChannel_HistoryIsBounded(t *testing.T) {
	mb := bus.NewMessageBusWithCapacity(consoleMaxLines * 2)
	defer mb.Close()
	ch, _ := newTestConsole(mb)

	for i := 0; i < consoleMaxLines+10; i++ {
		ch.ingest("line")
	}
	hist, err := ch.History(context.Background(), ConsoleChatID, 1000)
	require.NoError(t, err)
	assert.Len(t, hist, consoleMaxLines)
}
