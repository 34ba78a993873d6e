package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureJSON(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormat("json")
	prev := GetLevel()
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetFormat("text")
		SetLevel(prev)
	})
	return &buf
}

func TestInfoCF_WritesComponentAndFields(t *testing.T) {
	buf := captureJSON(t)
	SetLevel(INFO)

	InfoCF("memory", "Store saved", map[string]interface{}{"records": 3})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "memory", entry["component"])
	assert.Equal(t, "Store saved", entry["msg"])
	assert.Equal(t, float64(3), entry["records"])
	assert.Equal(t, "info", entry["level"])
}

func TestDebugSuppressedBelowLevel(t *testing.T) {
	buf := captureJSON(t)
	SetLevel(INFO)

	DebugC("agent", "hidden")
	assert.Zero(t, buf.Len())

	SetLevel(DEBUG)
	DebugC("agent", "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("WARNING"))
	assert.Equal(t, ERROR, ParseLevel(" error "))
	assert.Equal(t, INFO, ParseLevel("bogus"))
	assert.Equal(t, "warn", WARN.String())
}
