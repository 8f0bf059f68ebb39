package envelope

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeEmptyStreamYieldsZeroEvent(t *testing.T) {
	e := Decode(strings.NewReader(""))
	assert.Equal(t, Event{}, e)
}

func TestDecodeMalformedStreamFailsOpen(t *testing.T) {
	e := Decode(strings.NewReader("{not json"))
	assert.Equal(t, Event{}, e)
}

func TestDecodeParsesKnownFields(t *testing.T) {
	raw := `{"tool_name":"Edit","tool_input":{"file_path":"a.go","command":"rm -rf /"},"cwd":"/proj","transcript_path":"/t.jsonl","assistant_text":"hi"}`
	e := Decode(strings.NewReader(raw))

	assert.Equal(t, "Edit", e.ToolName)
	assert.Equal(t, "/proj", e.CWD)
	assert.Equal(t, "/t.jsonl", e.TranscriptPath)
	assert.Equal(t, "hi", e.AssistantText)
	assert.Equal(t, "a.go", e.ToolInputString("file_path"))
	assert.Equal(t, "rm -rf /", e.ToolInputString("command"))
}

func TestToolInputStringMissingKeyReturnsEmpty(t *testing.T) {
	e := Decode(strings.NewReader(`{"tool_input":{"file_path":"a.go"}}`))
	assert.Equal(t, "", e.ToolInputString("command"))
}

func TestToolInputStringAbsentInputReturnsEmpty(t *testing.T) {
	var e Event
	assert.Equal(t, "", e.ToolInputString("file_path"))
}

func TestToolInputStringNonObjectInputReturnsEmpty(t *testing.T) {
	e := Decode(strings.NewReader(`{"tool_input":"not an object"}`))
	assert.Equal(t, "", e.ToolInputString("file_path"))
}
