package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar format shared with the model for every
// human-readable date in the store.
const DateLayout = "2006-01-02"

// Date is a calendar day serialized as YYYY-MM-DD. It denotes midnight UTC.
type Date struct {
	time.Time
}

func NewDate(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return Date{Time: t}, nil
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDate, string(data))
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Record is one remembered fact. ExpiresOn nil means the record never expires.
type Record struct {
	ID                string    `json:"id,omitempty"`
	Title             string    `json:"title"`
	Memory            string    `json:"memory"`
	LastUpdated       Date      `json:"lastUpdated"`
	ExpiresOn         *Date     `json:"expiresOn"`
	IssuedBySuperuser bool      `json:"issuedBySuperuser"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Live reports whether r may still be surfaced at now: expiresOn must be
// strictly after now.
func (r Record) Live(now time.Time) bool {
	if r.ExpiresOn == nil {
		return true
	}
	return r.ExpiresOn.After(now)
}

func (r Record) key() string {
	return strings.ToLower(strings.TrimSpace(r.Title)) + "\x00" + strings.ToLower(strings.TrimSpace(r.Memory))
}
