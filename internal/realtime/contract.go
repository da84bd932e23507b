package realtime

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const inboundSchemaURL = "https://crm.local/schemas/realtime-inbound.json"

//go:embed schemas/inbound.schema.json
var inboundSchema string

// Contract validates inbound frames against the embedded event schema.
type Contract struct {
	schema *jsonschema.Schema
}

// NewContract compiles the inbound event schema.
func NewContract() (*Contract, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(inboundSchemaURL, strings.NewReader(inboundSchema)); err != nil {
		return nil, fmt.Errorf("load inbound schema: %w", err)
	}
	schema, err := compiler.Compile(inboundSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile inbound schema: %w", err)
	}
	return &Contract{schema: schema}, nil
}

// MustContract is NewContract for callers that cannot recover from an invalid embedded schema.
func MustContract() *Contract {
	contract, err := NewContract()
	if err != nil {
		panic(err)
	}
	return contract
}

// Decode validates raw and decodes it into an InboundEvent. On schema failure the
// partially decoded event is still returned so the caller can echo its type and request id.
func (c *Contract) Decode(raw []byte) (InboundEvent, error) {
	var event InboundEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return InboundEvent{}, &ContractError{Err: fmt.Errorf("malformed frame: %w", err)}
	}

	var document interface{}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&document); err != nil {
		return event, &ContractError{Event: event.Type, Err: fmt.Errorf("malformed frame: %w", err)}
	}
	if err := c.schema.Validate(document); err != nil {
		return event, &ContractError{Event: event.Type, Err: err}
	}
	return event, nil
}

// ContractError reports a frame that does not satisfy the event schema.
type ContractError struct {
	Event string
	Err   error
}

func (e *ContractError) Error() string {
	var validation *jsonschema.ValidationError
	if errors.As(e.Err, &validation) {
		leaf := validation
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		location := leaf.InstanceLocation
		if location == "" {
			location = "/"
		}
		return fmt.Sprintf("invalid %s payload at %s: %s", eventLabel(e.Event), location, leaf.Message)
	}
	return fmt.Sprintf("invalid %s payload: %v", eventLabel(e.Event), e.Err)
}

func (e *ContractError) Unwrap() error { return e.Err }

func eventLabel(eventType string) string {
	if eventType == "" {
		return "event"
	}
	return eventType
}
