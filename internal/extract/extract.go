// Package extract provides Extractor implementations: an external command
// speaking JSON over stdin/stdout, and a passthrough for pre-structured
// payloads.
package extract

import (
	"encoding/json"
	"fmt"

	"github.com/basket/memq/internal/orchestrator"
	"github.com/basket/memq/internal/persistence"
	"github.com/basket/memq/internal/schema"
)

// outputSchema constrains what an extractor may hand back.
var outputSchema = []byte(`{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"memory_session_id": {"type": "string"},
		"discovery_tokens": {"type": "integer", "minimum": 0},
		"observations": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["type"],
				"properties": {
					"type": {"type": "string", "minLength": 1},
					"title": {"type": "string"},
					"subtitle": {"type": "string"},
					"narrative": {"type": "string"},
					"facts": {"$ref": "#/$defs/strings"},
					"concepts": {"$ref": "#/$defs/strings"},
					"files_read": {"$ref": "#/$defs/strings"},
					"files_modified": {"$ref": "#/$defs/strings"},
					"tags": {"$ref": "#/$defs/strings"}
				}
			}
		},
		"summary": {
			"type": ["object", "null"],
			"properties": {
				"request": {"type": "string"},
				"investigated": {"type": "string"},
				"learned": {"type": "string"},
				"completed": {"type": "string"},
				"next_steps": {"type": "string"},
				"notes": {"type": "string"}
			}
		}
	},
	"$defs": {
		"strings": {"type": "array", "items": {"type": "string"}}
	}
}`)

var outputValidator = schema.MustCompile("extraction", outputSchema)

// Request is the document written to an extractor command's stdin.
type Request struct {
	Session orchestrator.SessionContext `json:"session"`
	Item    RequestItem                 `json:"item"`
}

type RequestItem struct {
	ID           int64           `json:"id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	PromptNumber *int            `json:"prompt_number,omitempty"`
	RetryCount   int             `json:"retry_count"`
}

func newRequest(sc orchestrator.SessionContext, item persistence.QueueItem) Request {
	payload := json.RawMessage(item.Payload)
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(item.Payload)
		payload = quoted
	}
	return Request{
		Session: sc,
		Item: RequestItem{
			ID:           item.ID,
			Kind:         string(item.Kind),
			Payload:      payload,
			PromptNumber: item.PromptNumber,
			RetryCount:   item.RetryCount,
		},
	}
}

// ParseExtraction validates an extractor document and decodes it. An empty
// document means nothing was extracted.
func ParseExtraction(raw []byte) (*orchestrator.Extraction, error) {
	var out orchestrator.Extraction
	if len(raw) == 0 {
		return &out, nil
	}
	if err := outputValidator.Decode(raw, &out); err != nil {
		return nil, fmt.Errorf("parse extraction: %w", err)
	}
	return &out, nil
}
