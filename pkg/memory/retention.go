package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	PolicyAppend  = "append"
	PolicyReplace = "replace"
)

// RetentionPolicy merges the records returned by the model into the current
// store. Implementations never return expired records or more than their cap.
type RetentionPolicy interface {
	Name() string
	Merge(existing, delta []Record, now time.Time) []Record
}

func NewPolicy(name string, maxRecords int) (RetentionPolicy, error) {
	if maxRecords <= 0 {
		return nil, fmt.Errorf("max records must be positive, got %d", maxRecords)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyAppend:
		return &AppendPolicy{MaxRecords: maxRecords}, nil
	case PolicyReplace:
		return &ReplacePolicy{MaxRecords: maxRecords}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

// AppendPolicy treats delta as newly learned records: they are stamped,
// appended to the live store and the oldest are evicted past MaxRecords.
type AppendPolicy struct {
	MaxRecords int
}

func (p *AppendPolicy) Name() string { return PolicyAppend }

func (p *AppendPolicy) Merge(existing, delta []Record, now time.Time) []Record {
	combined := FilterLive(existing, now)
	for _, r := range delta {
		combined = append(combined, stamp(r, now))
	}
	combined = FilterLive(combined, now)
	SortByCreated(combined)
	return KeepNewest(combined, p.MaxRecords)
}

// ReplacePolicy treats delta as the complete desired set. Records matching an
// existing title and text keep their original identity and creation time.
// Repeated title and text pairs in delta collapse to the first.
type ReplacePolicy struct {
	MaxRecords int
}

func (p *ReplacePolicy) Name() string { return PolicyReplace }

func (p *ReplacePolicy) Merge(existing, delta []Record, now time.Time) []Record {
	known := make(map[string]Record, len(existing))
	for _, r := range existing {
		known[r.key()] = r
	}

	next := make([]Record, 0, len(delta))
	seen := make(map[string]bool, len(delta))
	for _, r := range delta {
		k := r.key()
		if seen[k] {
			continue
		}
		seen[k] = true
		if prev, ok := known[k]; ok && !prev.CreatedAt.IsZero() {
			r.ID = prev.ID
			r.CreatedAt = prev.CreatedAt
			next = append(next, r)
			continue
		}
		next = append(next, stamp(r, now))
	}
	next = FilterLive(next, now)
	SortByCreated(next)
	return KeepNewest(next, p.MaxRecords)
}

// stamp assigns ingest metadata without touching model-provided fields.
func stamp(r Record, now time.Time) Record {
	r.CreatedAt = now
	if r.ID == "" {
		r.ID = "mem-" + uuid.NewString()
	}
	if r.LastUpdated.IsZero() {
		r.LastUpdated = NewDate(now)
	}
	return r
}
