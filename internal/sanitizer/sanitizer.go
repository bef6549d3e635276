package sanitizer

import (
	"github.com/rs/zerolog/log"
)

// Adapter customizes schema handling for a family of tools. Adapters must be
// idempotent: running one twice over a schema yields the same schema.
type Adapter interface {
	// Matches reports whether this adapter handles the given tool name
	Matches(toolName string) bool
	// PreProcess runs before the universal cleanup
	PreProcess(schema map[string]any) error
	// PostProcess runs after the universal cleanup
	PostProcess(schema map[string]any) error
}

// Registry dispatches tool schemas through the first matching adapter in
// registration order, wrapping the universal cleanup.
type Registry struct {
	adapters []Adapter
}

// NewRegistry creates a registry with the built-in adapters
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(&PencilAdapter{})
	return r
}

// Register appends an adapter; earlier registrations win on overlap
func (r *Registry) Register(a Adapter) {
	r.adapters = append(r.adapters, a)
}

// Sanitize rewrites one tool's input schema in place: adapter pre-process,
// universal cleanup, adapter post-process.
func (r *Registry) Sanitize(toolName string, schema map[string]any) error {
	adapter := r.match(toolName)

	if adapter != nil {
		if err := adapter.PreProcess(schema); err != nil {
			log.Warn().Err(err).Str("tool", toolName).Msg("adapter pre-process failed")
			return err
		}
	}

	cleanupSchema(schema)

	if adapter != nil {
		if err := adapter.PostProcess(schema); err != nil {
			log.Warn().Err(err).Str("tool", toolName).Msg("adapter post-process failed")
			return err
		}
	}
	return nil
}

func (r *Registry) match(toolName string) Adapter {
	for _, a := range r.adapters {
		if a.Matches(toolName) {
			return a
		}
	}
	return nil
}

// allowedKeywords is the JSON-Schema subset the upstreams accept
var allowedKeywords = map[string]bool{
	"type":                 true,
	"description":          true,
	"properties":           true,
	"required":             true,
	"items":                true,
	"enum":                 true,
	"const":                true,
	"default":              true,
	"format":               true,
	"title":                true,
	"minimum":              true,
	"maximum":              true,
	"exclusiveMinimum":     true,
	"exclusiveMaximum":     true,
	"minLength":            true,
	"maxLength":            true,
	"pattern":              true,
	"minItems":             true,
	"maxItems":             true,
	"uniqueItems":          true,
	"additionalProperties": true,
}

// cleanupSchema strips constructs the upstream rejects: $defs/$ref trees,
// union combinators, and unknown custom keywords. It recurses through
// properties, items and additionalProperties.
func cleanupSchema(schema map[string]any) {
	delete(schema, "$defs")
	delete(schema, "definitions")
	delete(schema, "$ref")
	delete(schema, "$schema")

	lowerUnion(schema, "oneOf")
	lowerUnion(schema, "anyOf")
	lowerUnion(schema, "allOf")

	for key := range schema {
		if !allowedKeywords[key] {
			delete(schema, key)
		}
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		for _, v := range props {
			if sub, ok := v.(map[string]any); ok {
				cleanupSchema(sub)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		cleanupSchema(items)
	}
	if ap, ok := schema["additionalProperties"].(map[string]any); ok {
		cleanupSchema(ap)
	}
}

// lowerUnion replaces a oneOf/anyOf/allOf list with its first object branch,
// merged under any keys the parent already sets
func lowerUnion(schema map[string]any, keyword string) {
	raw, ok := schema[keyword]
	if !ok {
		return
	}
	delete(schema, keyword)

	branches, ok := raw.([]any)
	if !ok {
		return
	}
	for _, b := range branches {
		branch, ok := b.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range branch {
			if _, exists := schema[k]; !exists {
				schema[k] = v
			}
		}
		return
	}
}
