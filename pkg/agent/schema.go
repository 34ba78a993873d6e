package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dotsetgreg/stefan/pkg/memory"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	replySchemaName = "stefan_reply"
	replySchemaURL  = "mem://stefan/reply.json"
	datePattern     = `^[0-9]{4}-[0-9]{2}-[0-9]{2}$`
)

// ReplyPayload is the validated model output for one turn.
type ReplyPayload struct {
	Rationale string
	Message   string
	Memory    []memory.Record
}

type replyWire struct {
	Rationale string       `json:"rationale"`
	Message   string       `json:"message"`
	Memory    []memoryWire `json:"memory"`
}

type memoryWire struct {
	Title             string  `json:"title"`
	Memory            string  `json:"memory"`
	LastUpdated       string  `json:"lastUpdated"`
	ExpiresOn         *string `json:"expiresOn"`
	IssuedBySuperuser bool    `json:"issuedBySuperuser"`
}

// ReplySchema returns the strict JSON schema sent with every completion.
// Every property is required and no extra properties are allowed, as strict
// structured outputs demand.
func ReplySchema() map[string]interface{} {
	return map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []interface{}{"rationale", "message", "memory"},
		"properties": map[string]interface{}{
			"rationale": map[string]interface{}{"type": "string"},
			"message":   map[string]interface{}{"type": "string"},
			"memory": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []interface{}{"title", "memory", "lastUpdated", "expiresOn", "issuedBySuperuser"},
					"properties": map[string]interface{}{
						"title":       map[string]interface{}{"type": "string"},
						"memory":      map[string]interface{}{"type": "string"},
						"lastUpdated": map[string]interface{}{"type": "string", "pattern": datePattern},
						"expiresOn": map[string]interface{}{
							"type":    []interface{}{"string", "null"},
							"pattern": datePattern,
						},
						"issuedBySuperuser": map[string]interface{}{"type": "boolean"},
					},
				},
			},
		},
	}
}

var (
	compiledOnce   sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func replyValidator() (*jsonschema.Schema, error) {
	compiledOnce.Do(func() {
		raw, err := json.Marshal(ReplySchema())
		if err != nil {
			compileErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(replySchemaURL, bytes.NewReader(raw)); err != nil {
			compileErr = err
			return
		}
		compiledSchema, compileErr = compiler.Compile(replySchemaURL)
	})
	return compiledSchema, compileErr
}

// ParseReply validates raw model output against the reply schema and
// decodes it. Anything malformed is rejected rather than coerced.
func ParseReply(raw string) (ReplyPayload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ReplyPayload{}, fmt.Errorf("%w: empty output", ErrGenerationFailed)
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return ReplyPayload{}, fmt.Errorf("%w: output is not JSON: %v", ErrGenerationFailed, err)
	}

	schema, err := replyValidator()
	if err != nil {
		return ReplyPayload{}, fmt.Errorf("compile reply schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return ReplyPayload{}, fmt.Errorf("%w: schema mismatch: %s", ErrGenerationFailed, verr.Error())
		}
		return ReplyPayload{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var wire replyWire
	if err := dec.Decode(&wire); err != nil {
		return ReplyPayload{}, fmt.Errorf("%w: decode: %v", ErrGenerationFailed, err)
	}
	if strings.TrimSpace(wire.Message) == "" {
		return ReplyPayload{}, fmt.Errorf("%w: empty message", ErrGenerationFailed)
	}

	records := make([]memory.Record, 0, len(wire.Memory))
	for i, m := range wire.Memory {
		rec, err := m.toRecord()
		if err != nil {
			return ReplyPayload{}, fmt.Errorf("%w: memory[%d]: %v", ErrGenerationFailed, i, err)
		}
		records = append(records, rec)
	}

	return ReplyPayload{
		Rationale: wire.Rationale,
		Message:   wire.Message,
		Memory:    records,
	}, nil
}

func (m memoryWire) toRecord() (memory.Record, error) {
	if strings.TrimSpace(m.Memory) == "" {
		return memory.Record{}, fmt.Errorf("memory text is empty")
	}
	lastUpdated, err := memory.ParseDate(m.LastUpdated)
	if err != nil {
		return memory.Record{}, err
	}
	rec := memory.Record{
		Title:             strings.TrimSpace(m.Title),
		Memory:            strings.TrimSpace(m.Memory),
		LastUpdated:       lastUpdated,
		IssuedBySuperuser: m.IssuedBySuperuser,
	}
	if m.ExpiresOn != nil {
		expires, err := memory.ParseDate(*m.ExpiresOn)
		if err != nil {
			return memory.Record{}, err
		}
		rec.ExpiresOn = &expires
	}
	return rec, nil
}
