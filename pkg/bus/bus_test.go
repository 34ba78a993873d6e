package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageBus_PublishInboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBusWithCapacity(4)
	defer mb.Close()

	var drops []string
	mb.OnDrop(func(direction string) { drops = append(drops, direction) })

	for i := 0; i < cap(mb.inbound); i++ {
		mb.PublishInbound(InboundMessage{Channel: "discord", SenderID: "u", ChatID: "c", Content: "msg"})
	}
	mb.PublishInbound(InboundMessage{Channel: "discord", SenderID: "u", ChatID: "c", Content: "overflow"})

	assert.EqualValues(t, 1, mb.DroppedInbound())
	assert.Equal(t, []string{DirectionInbound}, drops)
}

func TestMessageBus_PublishOutboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBusWithCapacity(2)
	defer mb.Close()

	for i := 0; i < cap(mb.outbound); i++ {
		mb.PublishOutbound(OutboundMessage{Channel: "discord", ChatID: "c", Content: "msg"})
	}
	mb.PublishOutbound(OutboundMessage{Channel: "discord", ChatID: "c", Content: "overflow"})

	assert.EqualValues(t, 1, mb.DroppedOutbound())
}

func TestMessageBus_RoundTripPreservesAddressing(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	in := InboundMessage{
		Channel:          "discord",
		ChatID:           "chan-1",
		MessageID:        "m-2",
		SenderID:         "alice",
		Content:          "hey stefan",
		MentionsBot:      true,
		ReplyToMessageID: "m-1",
		Timestamp:        time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC),
	}
	mb.PublishInbound(in)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, in, got)
	assert.True(t, got.IsReply())
}

func TestMessageBus_ConsumeHonorsContext(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := mb.ConsumeInbound(ctx)
	assert.False(t, ok)
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()
	mb.Close()

	_, ok := mb.ConsumeInbound(context.Background())
	assert.False(t, ok)
	_, ok = mb.SubscribeOutbound(context.Background())
	assert.False(t, ok)

	// publishing after close is a no-op
	mb.PublishInbound(InboundMessage{Content: "late"})
	assert.Zero(t, mb.DroppedInbound())
}
