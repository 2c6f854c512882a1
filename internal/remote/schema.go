package remote

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/tasksync/internal/transport"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	schemaTasks       = "tasks.json"
	schemaProjects    = "projects.json"
	schemaLabels      = "labels.json"
	schemaAttachments = "attachments.json"
)

var compiledSchemas = sync.OnceValues(compileSchemas)

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	names := []string{schemaTasks, schemaProjects, schemaLabels, schemaAttachments}
	out := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
		schema, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[name] = schema
	}
	return out, nil
}

// decodeValidated checks raw against the named schema before decoding it into out.
// Violations are parse errors: the server answered, but not with what we can use.
func decodeValidated(op, schemaName string, raw json.RawMessage, out any) error {
	schemas, err := compiledSchemas()
	if err != nil {
		return &transport.Error{Kind: transport.KindParse, Op: op, Err: err}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &transport.Error{Kind: transport.KindParse, Op: op, Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	if err := schemas[schemaName].Validate(doc); err != nil {
		return &transport.Error{Kind: transport.KindParse, Op: op, Err: fmt.Errorf("schema %s: %w", schemaName, err)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &transport.Error{Kind: transport.KindParse, Op: op, Err: err}
	}
	return nil
}
