package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/stefan/pkg/config"
	"github.com/dotsetgreg/stefan/pkg/logger"
)

// Service routes every access to the store through one mutex so that
// read-modify-write cycles from concurrent events cannot lose updates.
type Service struct {
	store  Store
	policy RetentionPolicy
	mu     sync.Mutex

	onChange func(count int)
}

func NewService(store Store, policy RetentionPolicy) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("memory store is required")
	}
	if policy == nil {
		return nil, fmt.Errorf("retention policy is required")
	}
	return &Service{store: store, policy: policy}, nil
}

// NewServiceFromConfig wires the configured backend and retention policy.
func NewServiceFromConfig(ctx context.Context, cfg config.MemoryConfig) (*Service, error) {
	store, err := NewStoreFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	policy, err := NewPolicy(cfg.Policy, cfg.MaxRecords)
	if err != nil {
		return nil, err
	}
	return NewService(store, policy)
}

func NewStoreFromConfig(ctx context.Context, cfg config.MemoryConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "file":
		return NewFileStore(config.ExpandHome(cfg.Path))
	case "s3":
		client, err := NewAWSObjectClientFromEnv(ctx, cfg.S3.Region, cfg.S3.Endpoint)
		if err != nil {
			return nil, err
		}
		return NewS3Store(client, cfg.S3.Bucket, cfg.S3.Key)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// OnChange registers a callback receiving the record count after each save.
func (s *Service) OnChange(fn func(count int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *Service) Policy() RetentionPolicy {
	return s.policy
}

// Recall returns the records that are still live at now.
func (s *Service) Recall(ctx context.Context, now time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return FilterLive(records, now), nil
}

// All returns the stored records including expired ones.
func (s *Service) All(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Load(ctx)
}

// Apply merges delta into the store with the retention policy and persists
// the result.
func (s *Service) Apply(ctx context.Context, delta []Record, now time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load memory: %w", err)
	}
	next := s.policy.Merge(existing, delta, now)
	if err := s.store.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("save memory: %w", err)
	}

	logger.DebugCF("memory", "Memory updated", map[string]interface{}{
		"policy":   s.policy.Name(),
		"before":   len(existing),
		"incoming": len(delta),
		"after":    len(next),
	})
	s.notify(len(next))
	return next, nil
}

// Prune removes expired records and reports how many were dropped.
func (s *Service) Prune(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load memory: %w", err)
	}
	live := FilterLive(records, now)
	removed := len(records) - len(live)
	if removed == 0 {
		return 0, nil
	}
	if err := s.store.Save(ctx, live); err != nil {
		return 0, fmt.Errorf("save memory: %w", err)
	}
	s.notify(len(live))
	return removed, nil
}

func (s *Service) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Save(ctx, []Record{}); err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	s.notify(0)
	return nil
}

func (s *Service) notify(count int) {
	if s.onChange != nil {
		s.onChange(count)
	}
}
