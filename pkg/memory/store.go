package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Store persists the whole record list. Save replaces prior content
// wholesale; a concurrent Load never observes a partial write.
type Store interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, records []Record) error
}

// FilterLive drops every record whose expiry is at or before now.
// The input slice is left untouched.
func FilterLive(records []Record, now time.Time) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Live(now) {
			out = append(out, r)
		}
	}
	return out
}

// SortByCreated orders records oldest first; equal timestamps keep their
// relative order.
func SortByCreated(records []Record) {
	slices.SortStableFunc(records, func(a, b Record) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// KeepNewest returns the last max records of an oldest-first slice.
func KeepNewest(records []Record, max int) []Record {
	if max <= 0 || len(records) <= max {
		return records
	}
	return records[len(records)-max:]
}

func decodeRecords(data []byte) ([]Record, error) {
	if len(data) == 0 {
		return []Record{}, nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode memory records: %w", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

func encodeRecords(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode memory records: %w", err)
	}
	return data, nil
}
