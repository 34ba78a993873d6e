package agent

import (
	"context"
	"math/rand/v2"

	"github.com/dotsetgreg/stefan/pkg/bus"
	"github.com/dotsetgreg/stefan/pkg/logger"
)

// GateReason names the rule that produced a gate decision.
type GateReason string

const (
	ReasonSelfAuthored GateReason = "self_authored"
	ReasonMention      GateReason = "direct_mention"
	ReasonBroadcast    GateReason = "broadcast_mention"
	ReasonReplyToBot   GateReason = "reply_to_bot"
	ReasonRandom       GateReason = "random_draw"
	ReasonNotAddressed GateReason = "not_addressed"
)

type Decision struct {
	Respond bool
	Reason  GateReason
}

// Addressee identifies the bot on a transport and resolves reply references.
type Addressee interface {
	SelfID() string
	ResolveReferenceAuthor(ctx context.Context, chatID, messageID string) (string, error)
}

// Gate decides whether an inbound message gets a reply.
type Gate struct {
	chance float64
	draw   func() float64
}

// NewGate builds a gate that answers unaddressed messages with probability
// chance. draw defaults to a uniform [0,1) source.
func NewGate(chance float64, draw func() float64) *Gate {
	if draw == nil {
		draw = rand.Float64
	}
	return &Gate{chance: chance, draw: draw}
}

// Decide never responds to the bot's own (or any bot's) messages. Otherwise
// it responds to a direct mention, a broadcast mention, a reply to one of
// the bot's messages, or a random draw below the configured chance. A reply
// reference that cannot be resolved counts as not addressed to the bot.
func (g *Gate) Decide(ctx context.Context, msg bus.InboundMessage, who Addressee) Decision {
	selfID := ""
	if who != nil {
		selfID = who.SelfID()
	}
	if msg.SenderIsBot || (selfID != "" && msg.SenderID == selfID) {
		return Decision{Respond: false, Reason: ReasonSelfAuthored}
	}
	if msg.MentionsBot {
		return Decision{Respond: true, Reason: ReasonMention}
	}
	if msg.MentionEveryone {
		return Decision{Respond: true, Reason: ReasonBroadcast}
	}
	if g.isReplyToBot(ctx, msg, who, selfID) {
		return Decision{Respond: true, Reason: ReasonReplyToBot}
	}
	if g.chance > 0 && g.draw() < g.chance {
		return Decision{Respond: true, Reason: ReasonRandom}
	}
	return Decision{Respond: false, Reason: ReasonNotAddressed}
}

func (g *Gate) isReplyToBot(ctx context.Context, msg bus.InboundMessage, who Addressee, selfID string) bool {
	if !msg.IsReply() || selfID == "" {
		return false
	}
	author := msg.ReplyToAuthorID
	if author == "" && who != nil {
		resolved, err := who.ResolveReferenceAuthor(ctx, msg.ChatID, msg.ReplyToMessageID)
		if err != nil {
			logger.DebugCF("gate", "Reply reference unresolved", map[string]interface{}{
				"chat_id":    msg.ChatID,
				"message_id": msg.ReplyToMessageID,
				"error":      err.Error(),
			})
			return false
		}
		author = resolved
	}
	return author == selfID
}
