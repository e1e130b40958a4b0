package fieldsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type ActionKind string

const (
	ActionStartRun       ActionKind = "START_RUN"
	ActionAdvanceStop    ActionKind = "ADVANCE_STOP"
	ActionPreviousStop   ActionKind = "PREVIOUS_STOP"
	ActionRecordDelivery ActionKind = "RECORD_DELIVERY"
	ActionSpotFriend     ActionKind = "SPOT_FRIEND"
	ActionMarkDelivered  ActionKind = "MARK_DELIVERED"
	ActionDeliveryFailed ActionKind = "DELIVERY_FAILED"
)

type ActionStatus string

const (
	ActionStatusPending ActionStatus = "pending"
	ActionStatusFailed  ActionStatus = "failed"
)

// ActionPayload carries the kind-specific fields of a queued action. Fields
// irrelevant to a kind stay at their zero value and are omitted on the wire.
type ActionPayload struct {
	RunID          int64  `json:"runId,omitempty"`
	LocationID     int64  `json:"locationId,omitempty"`
	FriendID       int64  `json:"friendId,omitempty"`
	RequestID      int64  `json:"requestId,omitempty"`
	MealsDelivered *int   `json:"mealsDelivered,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

type QueuedAction struct {
	ID         int64         `json:"id"`
	Kind       ActionKind    `json:"kind"`
	Payload    ActionPayload `json:"payload"`
	Status     ActionStatus  `json:"status"`
	RetryCount int           `json:"retryCount"`
	LastError  string        `json:"lastError,omitempty"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
}

const payloadSchemaTemplate = `{
	"type": "object",
	"properties": {
		"runId": {"type": "integer", "minimum": 1},
		"locationId": {"type": "integer", "minimum": 1},
		"friendId": {"type": "integer", "minimum": 1},
		"requestId": {"type": "integer", "minimum": 1},
		"mealsDelivered": {"type": "integer", "minimum": 0},
		"notes": {"type": "string"}
	},
	"required": [%s],
	"additionalProperties": false
}`

var payloadRequiredFields = map[ActionKind][]string{
	ActionStartRun:       {"runId"},
	ActionAdvanceStop:    {"runId"},
	ActionPreviousStop:   {"runId"},
	ActionRecordDelivery: {"runId", "locationId", "mealsDelivered"},
	ActionSpotFriend:     {"runId", "friendId", "locationId"},
	ActionMarkDelivered:  {"requestId"},
	ActionDeliveryFailed: {"requestId"},
}

var payloadSchemas = struct {
	once     sync.Once
	compiled map[ActionKind]*jsonschema.Schema
	err      error
}{}

func compilePayloadSchemas() (map[ActionKind]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	for kind, required := range payloadRequiredFields {
		quoted := make([]string, 0, len(required))
		for _, field := range required {
			quoted = append(quoted, `"`+field+`"`)
		}
		raw := fmt.Sprintf(payloadSchemaTemplate, strings.Join(quoted, ","))
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s payload schema: %w", kind, err)
		}
		if err := compiler.AddResource(string(kind)+".json", doc); err != nil {
			return nil, fmt.Errorf("register %s payload schema: %w", kind, err)
		}
	}
	compiled := make(map[ActionKind]*jsonschema.Schema, len(payloadRequiredFields))
	for kind := range payloadRequiredFields {
		schema, err := compiler.Compile(string(kind) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s payload schema: %w", kind, err)
		}
		compiled[kind] = schema
	}
	return compiled, nil
}

// ValidateAction rejects unknown kinds and payloads missing the fields the
// transport mapping needs. Malformed actions must never reach the queue:
// they are not retryable and would wedge at the retry ceiling.
func ValidateAction(kind ActionKind, payload ActionPayload) error {
	payloadSchemas.once.Do(func() {
		payloadSchemas.compiled, payloadSchemas.err = compilePayloadSchemas()
	})
	if payloadSchemas.err != nil {
		return payloadSchemas.err
	}
	schema, ok := payloadSchemas.compiled[kind]
	if !ok {
		return fmt.Errorf("%w: unknown action kind %q", ErrInvalidInput, kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidInput, kind, err)
	}
	return nil
}
