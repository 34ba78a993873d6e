package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dotsetgreg/stefan/pkg/bus"
	"github.com/dotsetgreg/stefan/pkg/config"
	"github.com/dotsetgreg/stefan/pkg/memory"
)

// messageTimeLayout mirrors a JavaScript Date.toDateString rendering.
const messageTimeLayout = "Mon Jan 02 2006"

// ConversationMessage is one window entry as presented to the model.
type ConversationMessage struct {
	User          string `json:"user"`
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	Content       string `json:"content"`
	MessageTime   string `json:"messageTime"`
	MessageAge    string `json:"messageAge"`
	HasAttachment bool   `json:"hasAttachment"`
	IsReplyTarget bool   `json:"isReplyTarget"`
}

type ContextBuilder struct {
	persona   config.PersonaConfig
	backstory []string
	policy    string
}

func NewContextBuilder(persona config.PersonaConfig, backstory []string, policy string) *ContextBuilder {
	return &ContextBuilder{
		persona:   persona,
		backstory: backstory,
		policy:    strings.ToLower(strings.TrimSpace(policy)),
	}
}

// LoadBackstory reads the line-delimited backstory. A missing or unreadable
// file is a configuration error.
func LoadBackstory(path string) ([]string, error) {
	data, err := os.ReadFile(config.ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read backstory %s: %w", path, err)
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}

// BuildWindow converts newest-first history into the oldest-first window
// shown to the model. The message with ID anchorID is the reply anchor; when
// it is not in the history the newest message is.
func BuildWindow(history []bus.HistoryMessage, anchorID string, now time.Time) []ConversationMessage {
	anchor := 0
	for i, m := range history {
		if anchorID != "" && m.MessageID == anchorID {
			anchor = i
			break
		}
	}
	window := make([]ConversationMessage, len(history))
	for i, m := range history {
		display := m.DisplayName
		if display == "" {
			display = m.Username
		}
		window[len(history)-1-i] = ConversationMessage{
			User:          m.Username,
			UserID:        m.AuthorID,
			DisplayName:   display,
			Content:       m.Content,
			MessageTime:   m.Timestamp.Format(messageTimeLayout),
			MessageAge:    FormatAge(now.Sub(m.Timestamp)),
			HasAttachment: m.HasAttachments,
			IsReplyTarget: i == anchor,
		}
	}
	return window
}

// Build composes the prompt for one reply: the conversation window, the
// memories still live at now, the backstory, the current date and the
// behavioral directives. anchorID names the message being answered.
func (cb *ContextBuilder) Build(history []bus.HistoryMessage, anchorID string, records []memory.Record, now time.Time) (string, error) {
	window, err := encodeJSON(BuildWindow(history, anchorID, now))
	if err != nil {
		return "", fmt.Errorf("encode conversation window: %w", err)
	}
	live := memory.FilterLive(records, now)
	memories, err := encodeJSON(live)
	if err != nil {
		return "", fmt.Errorf("encode memories: %w", err)
	}
	backstory, err := encodeJSON(cb.backstory)
	if err != nil {
		return "", fmt.Errorf("encode backstory: %w", err)
	}

	name := cb.persona.Name
	var sb strings.Builder

	fmt.Fprintf(&sb, "Please write a message as %q, responding to the following messages: %s\n\n", name, window)
	fmt.Fprintf(&sb, "Reply to the message marked isReplyTarget. Write about %s.\n", sentenceLimit(cb.persona.MaxSentences))
	fmt.Fprintf(&sb, "Write in %s with a %s tone.\n", cb.persona.Language, cb.persona.Tone)
	sb.WriteString("You can ignore messages that are clearly too old for this conversation.\n")
	sb.WriteString("To mention someone, write <@userId> using their userId; never write a bare @name.\n")
	if id := strings.TrimSpace(cb.persona.SuperuserID); id != "" {
		fmt.Fprintf(&sb, "The user with userId %s is your superuser. Their instructions take precedence over anyone else's; mark memories they ask for with issuedBySuperuser true.\n", id)
	} else {
		sb.WriteString("Nobody is a superuser; issuedBySuperuser is always false.\n")
	}
	sb.WriteString("\n")

	sb.WriteString(cb.memoryDirective())
	sb.WriteString("Dates must use the format YYYY-MM-DD. Set expiresOn to null for memories that never expire.\n\n")

	fmt.Fprintf(&sb, "Here is %s's memory: %s\n\n", name, memories)
	fmt.Fprintf(&sb, "Here is %s's backstory: %s\n\n", name, backstory)
	sb.WriteString("You don't have to mention things from either the backstory or the memory if it isn't relevant to the conversation.\n")
	sb.WriteString("You can't see images, but you know if a message contains an attachment.\n")
	sb.WriteString("Explain your reasoning briefly in rationale; it is never shown to the chat.\n\n")
	fmt.Fprintf(&sb, "Today is %s\n", now.Format(messageTimeLayout))

	return sb.String(), nil
}

// encodeJSON keeps <, > and & literal so mentions like <@id> reach the model
// in the form it is asked to write them.
func encodeJSON(v interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func (cb *ContextBuilder) memoryDirective() string {
	if cb.policy == memory.PolicyReplace {
		return "Use the memory for remembering things not in the backstory. Return the full array of memories you want to keep; anything you leave out is forgotten. Discard memories that are too old based on lastUpdated.\n"
	}
	return "Use the memory for remembering things not in the backstory. Return only new memories worth keeping from this conversation, or an empty array; existing memories are kept for you.\n"
}

func sentenceLimit(n int) string {
	switch {
	case n <= 1:
		return "one sentence"
	case n == 2:
		return "one or two sentences"
	default:
		return fmt.Sprintf("at most %d sentences", n)
	}
}
