package sanitizer

import "strings"

// visualProps are the non-standard visual attributes the pencil tools carry
var visualProps = map[string]bool{
	"cornerRadius": true,
	"strokeWidth":  true,
	"opacity":      true,
	"rotation":     true,
}

// PencilAdapter tunes schemas of the pencil drawing tools: it annotates
// visual attribute fields and nudges path parameters toward absolute paths.
type PencilAdapter struct{}

// Matches reports whether the tool belongs to the pencil family
func (a *PencilAdapter) Matches(toolName string) bool {
	return strings.HasPrefix(toolName, "mcp__pencil__")
}

// PreProcess annotates visual properties and path parameters
func (a *PencilAdapter) PreProcess(schema map[string]any) error {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}

	for key, v := range props {
		prop, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if visualProps[key] {
			appendHint(prop, "Visual property for UI elements")
		}
		lower := strings.ToLower(key)
		if strings.Contains(lower, "path") || strings.Contains(lower, "file") {
			appendHint(prop, "Use an absolute path, e.g. /path/to/file.pen")
		}
	}
	return nil
}

// PostProcess is a no-op for pencil tools
func (a *PencilAdapter) PostProcess(schema map[string]any) error {
	return nil
}

// appendHint adds a hint to a schema node's description unless already present
func appendHint(node map[string]any, hint string) {
	desc, _ := node["description"].(string)
	if strings.Contains(desc, hint) {
		return
	}
	if desc == "" {
		node["description"] = hint
		return
	}
	node["description"] = desc + " (" + hint + ")"
}
