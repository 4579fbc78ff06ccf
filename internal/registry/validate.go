package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ErrInvalidPayload is wrapped by every *ValidationError.
var ErrInvalidPayload = errors.New("registry: invalid payload")

var printer = message.NewPrinter(language.English)

// ValidationError reports the first failing field of a payload.
// Path is the dot-joined instance location, or "payload" for the root.
type ValidationError struct {
	Tool    string
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("invalid payload: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("invalid payload for %s: %s: %s", e.Tool, e.Path, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPayload }

// ValidateSchema validates payload against an uncompiled schema document.
// A nil or empty schema accepts everything.
func ValidateSchema(schema map[string]any, payload any) error {
	if len(schema) == 0 {
		return nil
	}
	doc, err := toJSONValue(schema)
	if err != nil {
		return fmt.Errorf("registry: normalize schema: %w", err)
	}
	compiled, err := compile("adhoc", doc)
	if err != nil {
		return err
	}
	return validateCompiled("", compiled, payload)
}

func compile(name string, doc any) (*jsonschema.Schema, error) {
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("registry: %s: add schema resource: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("registry: %s: compile schema: %w", name, err)
	}
	return schema, nil
}

func validateCompiled(tool string, schema *jsonschema.Schema, payload any) error {
	if m, ok := payload.(map[string]any); ok && m == nil {
		payload = map[string]any{}
	}
	inst, err := toJSONValue(payload)
	if err != nil {
		return &ValidationError{Tool: tool, Path: "payload", Message: "not representable as JSON: " + err.Error()}
	}
	err = schema.Validate(inst)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &ValidationError{Tool: tool, Path: "payload", Message: err.Error()}
	}
	return firstFailure(tool, verr)
}

// firstFailure walks to the deepest first cause, which names the concrete
// keyword that failed rather than the enclosing "doesn't validate" wrapper.
func firstFailure(tool string, verr *jsonschema.ValidationError) *ValidationError {
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}

	loc := append([]string(nil), leaf.InstanceLocation...)
	switch k := leaf.ErrorKind.(type) {
	case *kind.Required:
		if len(k.Missing) > 0 {
			loc = append(loc, k.Missing[0])
		}
	case *kind.AdditionalProperties:
		if len(k.Properties) > 0 {
			loc = append(loc, k.Properties[0])
		}
	}

	path := strings.Join(loc, ".")
	if path == "" {
		path = "payload"
	}
	return &ValidationError{
		Tool:    tool,
		Path:    path,
		Message: leaf.ErrorKind.LocalizedString(printer),
	}
}
