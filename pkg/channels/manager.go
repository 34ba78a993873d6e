package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dotsetgreg/stefan/pkg/bus"
	"github.com/dotsetgreg/stefan/pkg/config"
	"github.com/dotsetgreg/stefan/pkg/logger"
	"github.com/hashicorp/go-multierror"
)

type Manager struct {
	channels       map[string]Channel
	bus            *bus.MessageBus
	cancelDispatch context.CancelFunc
	dispatchDone   chan struct{}
	mu             sync.RWMutex
}

func NewManager(messageBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      messageBus,
	}
}

// NewDiscordManager builds a manager with the Discord channel registered.
func NewDiscordManager(cfg *config.Config, messageBus *bus.MessageBus) (*Manager, error) {
	logger.InfoC("channels", "Initializing channel manager")

	discord, err := NewDiscordChannel(cfg.Channels.Discord, messageBus)
	if err != nil {
		return nil, fmt.Errorf("initialize Discord channel: %w", err)
	}
	m := NewManager(messageBus)
	m.RegisterChannel(discord.Name(), discord)
	return m, nil
}

func (m *Manager) StartAll(ctx context.Context) error {
	channels := m.snapshot()
	if len(channels) == 0 {
		logger.WarnC("channels", "No channels enabled")
		return nil
	}

	var started []Channel
	var result *multierror.Error
	for _, channel := range channels {
		logger.InfoCF("channels", "Starting channel", map[string]interface{}{"channel": channel.Name()})
		if err := channel.Start(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", channel.Name(), err))
			continue
		}
		started = append(started, channel)
	}

	if err := result.ErrorOrNil(); err != nil {
		for _, channel := range started {
			if stopErr := channel.Stop(ctx); stopErr != nil {
				logger.WarnCF("channels", "Failed to stop partially-started channel", map[string]interface{}{
					"channel": channel.Name(),
					"error":   stopErr.Error(),
				})
			}
		}
		return fmt.Errorf("failed to start channels: %w", err)
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	if m.cancelDispatch != nil {
		m.cancelDispatch()
	}
	m.cancelDispatch = cancel
	m.dispatchDone = done
	m.mu.Unlock()

	go m.dispatchOutbound(dispatchCtx, done)

	logger.InfoCF("channels", "All channels started", map[string]interface{}{"count": len(started)})
	return nil
}

// StopAll stops every channel and reports all failures together.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancelDispatch, m.dispatchDone
	m.cancelDispatch, m.dispatchDone = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	var result *multierror.Error
	for _, channel := range m.snapshot() {
		if err := channel.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping channel", map[string]interface{}{
				"channel": channel.Name(),
				"error":   err.Error(),
			})
			result = multierror.Append(result, fmt.Errorf("%s: %w", channel.Name(), err))
		}
	}
	logger.InfoC("channels", "All channels stopped")
	return result.ErrorOrNil()
}

func (m *Manager) dispatchOutbound(ctx context.Context, done chan struct{}) {
	defer close(done)
	logger.DebugC("channels", "Outbound dispatcher started")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			logger.DebugC("channels", "Outbound dispatcher stopped")
			return
		}

		channel, exists := m.GetChannel(msg.Channel)
		if !exists {
			logger.WarnCF("channels", "Unknown channel for outbound message", map[string]interface{}{
				"channel": msg.Channel,
			})
			continue
		}

		if err := channel.Send(ctx, msg); err != nil {
			logger.ErrorCF("channels", "Error sending message to channel", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
		}
	}
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// Conversation returns the read side of the named channel, if it has one.
func (m *Manager) Conversation(name string) (Conversation, bool) {
	channel, ok := m.GetChannel(name)
	if !ok {
		return nil, false
	}
	conv, ok := channel.(Conversation)
	return conv, ok
}

func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{}, len(m.channels))
	for name, channel := range m.channels {
		status[name] = map[string]interface{}{
			"enabled": true,
			"running": channel.IsRunning(),
		}
	}
	return status
}

// AllRunning reports whether at least one channel is registered and every
// registered channel is running.
func (m *Manager) AllRunning() bool {
	channels := m.snapshot()
	if len(channels) == 0 {
		return false
	}
	for _, ch := range channels {
		if !ch.IsRunning() {
			return false
		}
	}
	return true
}

func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

func (m *Manager) snapshot() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Channel, 0, len(names))
	for _, name := range names {
		out = append(out, m.channels[name])
	}
	return out
}
