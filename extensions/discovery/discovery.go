// Package discovery lets resource servers describe paid endpoints so
// crawlers and agent tooling can catalog them: HTTP method, input shape
// and output schema, carried in the challenge under the "discovery" key.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	x402 "github.com/x402labs/x402-go"
)

// ExtensionKey is the name under which declarations travel in challenge
// extensions.
const ExtensionKey = "discovery"

// QueryInput describes an endpoint taking its input as query parameters.
type QueryInput struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// BodyInput describes an endpoint taking a request body.
type BodyInput struct {
	Method   string                 `json:"method"`
	BodyType string                 `json:"bodyType,omitempty"`
	Body     map[string]interface{} `json:"body,omitempty"`
}

// Info is the discoverable metadata for one endpoint. Input is either a
// QueryInput or a BodyInput.
type Info struct {
	Input       interface{}            `json:"input"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Description string                 `json:"description,omitempty"`
}

// Declaration pairs endpoint metadata with the JSON schema it must
// satisfy. The schema ships with the declaration so consumers can
// re-validate without out-of-band knowledge.
type Declaration struct {
	Info   Info                   `json:"info"`
	Schema map[string]interface{} `json:"schema"`
}

// ValidationResult reports schema validation with per-failure messages.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Declare builds and validates a declaration. The schema must compile,
// the info must satisfy it, and every provided example output must
// satisfy the declared output schema.
func Declare(info Info, schema map[string]interface{}, examples ...map[string]interface{}) (Declaration, error) {
	declaration := Declaration{Info: info, Schema: schema}

	result := Validate(declaration)
	if !result.Valid {
		return Declaration{}, fmt.Errorf("declaration does not satisfy its schema: %v", result.Errors)
	}

	if len(examples) > 0 {
		if info.Output == nil {
			return Declaration{}, fmt.Errorf("examples given but declaration has no output schema")
		}
		outputLoader, err := loader(info.Output)
		if err != nil {
			return Declaration{}, err
		}
		for i, example := range examples {
			exampleLoader, err := loader(example)
			if err != nil {
				return Declaration{}, err
			}
			res, err := gojsonschema.Validate(outputLoader, exampleLoader)
			if err != nil {
				return Declaration{}, fmt.Errorf("example %d validation failed: %w", i, err)
			}
			if !res.Valid() {
				return Declaration{}, fmt.Errorf("example %d does not satisfy the output schema: %s", i, describe(res))
			}
		}
	}

	return declaration, nil
}

// Validate checks a declaration's info against its schema.
func Validate(declaration Declaration) ValidationResult {
	schemaLoader, err := loader(declaration.Schema)
	if err != nil {
		return ValidationResult{Errors: []string{err.Error()}}
	}
	infoLoader, err := loader(declaration.Info)
	if err != nil {
		return ValidationResult{Errors: []string{err.Error()}}
	}

	result, err := gojsonschema.Validate(schemaLoader, infoLoader)
	if err != nil {
		return ValidationResult{Errors: []string{fmt.Sprintf("schema validation failed: %v", err)}}
	}
	if result.Valid() {
		return ValidationResult{Valid: true}
	}

	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return ValidationResult{Errors: errs}
}

// NewServiceExtension publishes the declaration in challenges, validating
// it on every enrichment so a drifting schema is caught at serve time.
func NewServiceExtension() x402.ServiceExtension {
	return x402.ServiceExtension{
		Key: ExtensionKey,
		EnrichChallenge: func(ctx context.Context, decl interface{}, requirements []x402.PaymentRequirements) (interface{}, error) {
			if decl == nil {
				return nil, nil
			}
			declaration, err := toDeclaration(decl)
			if err != nil {
				return nil, err
			}
			result := Validate(declaration)
			if !result.Valid {
				return nil, fmt.Errorf("invalid discovery declaration: %v", result.Errors)
			}
			return declaration, nil
		},
	}
}

func toDeclaration(decl interface{}) (Declaration, error) {
	switch v := decl.(type) {
	case Declaration:
		return v, nil
	case *Declaration:
		return *v, nil
	default:
		raw, err := json.Marshal(decl)
		if err != nil {
			return Declaration{}, fmt.Errorf("unsupported discovery declaration type %T", decl)
		}
		var declaration Declaration
		if err := json.Unmarshal(raw, &declaration); err != nil {
			return Declaration{}, fmt.Errorf("unsupported discovery declaration: %w", err)
		}
		return declaration, nil
	}
}

func loader(v interface{}) (gojsonschema.JSONLoader, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal for validation: %w", err)
	}
	return gojsonschema.NewBytesLoader(raw), nil
}

func describe(result *gojsonschema.Result) string {
	msg := ""
	for i, desc := range result.Errors() {
		if i > 0 {
			msg += ", "
		}
		msg += desc.Description()
	}
	return msg
}
