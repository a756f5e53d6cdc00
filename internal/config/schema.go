package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/jsonc"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

const schemaID = "https://github.com/lucasnoah/perfx/schemas/config.json"

// Schema produces a JSON Schema (Draft 2020-12) document for Config.
func Schema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.RequiredFromJSONSchemaTags = true

	s := r.Reflect(&Config{})
	s.ID = schemaID
	s.Title = "perfx pipeline configuration"
	s.Description = "Steps, commands, conditions and file operations for a perfx run"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

// ValidateSchema checks raw config bytes against Schema. It reports unknown
// keys and wrongly typed values that yaml/json decoding silently accepts.
func ValidateSchema(data []byte, format Format) []ValidationError {
	schemaJSON, err := Schema()
	if err != nil {
		return []ValidationError{{Field: "schema", Message: err.Error()}}
	}
	schemaDoc, err := sjsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return []ValidationError{{Field: "schema", Message: fmt.Sprintf("unmarshal schema: %v", err)}}
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource(schemaID, schemaDoc); err != nil {
		return []ValidationError{{Field: "schema", Message: fmt.Sprintf("add schema resource: %v", err)}}
	}
	sch, err := c.Compile(schemaID)
	if err != nil {
		return []ValidationError{{Field: "schema", Message: fmt.Sprintf("compile schema: %v", err)}}
	}

	docJSON, err := toJSON(data, format)
	if err != nil {
		return []ValidationError{{Field: "document", Message: err.Error()}}
	}
	doc, err := sjsonschema.UnmarshalJSON(bytes.NewReader(docJSON))
	if err != nil {
		return []ValidationError{{Field: "document", Message: fmt.Sprintf("unmarshal document: %v", err)}}
	}

	if err := sch.Validate(doc); err != nil {
		var ve *sjsonschema.ValidationError
		if !errors.As(err, &ve) {
			return []ValidationError{{Field: "document", Message: err.Error()}}
		}
		p := message.NewPrinter(language.English)
		var errs []ValidationError
		for _, cause := range flattenValidationErrors(ve) {
			field := strings.Join(cause.InstanceLocation, ".")
			if field == "" {
				field = "(root)"
			}
			errs = append(errs, ValidationError{Field: field, Message: cause.ErrorKind.LocalizedString(p)})
		}
		return errs
	}
	return nil
}

// toJSON normalises a YAML or JSONC document to plain JSON so it can be fed to
// the schema validator.
func toJSON(data []byte, format Format) ([]byte, error) {
	if format == FormatJSON {
		return jsonc.ToJSON(data), nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("converting YAML to JSON: %w", err)
	}
	return out, nil
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}
