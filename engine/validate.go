package engine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaCache sync.Map

func compileSchema(name string, schema []byte) (*jsonschema.Schema, error) {
	key := name + "\x00" + string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// validateJSON checks a document against a JSON schema. A nil or empty
// schema accepts everything.
func validateJSON(name string, schema, doc json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}

	compiled, err := compileSchema(name, schema)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}

	var decoded any
	if len(doc) == 0 {
		doc = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(doc, &decoded); err != nil {
		return fmt.Errorf("decode document for %s: %w", name, err)
	}

	return compiled.Validate(decoded)
}
