package stream

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed event.schema.json
var eventSchemaJSON []byte

var eventSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(eventSchemaJSON, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("event.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add event schema resource: %w", err)
	}
	s, err := c.Compile("event.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return s, nil
})

// EventSchema returns the JSON schema of the consumer-facing event form.
func EventSchema() []byte {
	return append([]byte(nil), eventSchemaJSON...)
}

// ValidateEvent checks the JSON form of ev against the event schema.
func ValidateEvent(ev Event) error {
	s, err := eventSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("event %s for run %s: %w", ev.Event, ev.RunID, err)
	}
	return nil
}
