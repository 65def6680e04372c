package backend

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateContract checks that a discovered tool's InputSchema, if
// present, is itself well-formed JSON Schema. It does not validate any
// particular argument payload against the schema — that happens at
// call time against the schema's compiled form, if a caller wants it —
// it only rejects servers that advertise a broken schema during
// discovery sync.
func ValidateContract(tool ToolContract) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}

	resourceURL := "mem://" + tool.Name + "/input-schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceURL, bytes.NewReader(tool.InputSchema)); err != nil {
		return fmt.Errorf("tool %s: invalid input schema: %w", tool.Name, err)
	}
	if _, err := compiler.Compile(resourceURL); err != nil {
		return fmt.Errorf("tool %s: invalid input schema: %w", tool.Name, err)
	}
	return nil
}
