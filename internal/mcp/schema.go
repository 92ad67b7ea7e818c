package mcp

import (
	"google.golang.org/genai"
)

// ConvertMCPSchemaToGemini converts a tool JSON Schema to a Gemini Schema.
func ConvertMCPSchemaToGemini(mcpSchema *JSONSchema) *genai.Schema {
	if mcpSchema == nil {
		return nil
	}

	schema := &genai.Schema{
		Description: mcpSchema.Description,
	}

	switch mcpSchema.Type {
	case "string":
		schema.Type = genai.TypeString
		if len(mcpSchema.Enum) > 0 {
			schema.Enum = mcpSchema.Enum
		}
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if mcpSchema.Items != nil {
			schema.Items = ConvertMCPSchemaToGemini(mcpSchema.Items)
		}
	case "object":
		schema.Type = genai.TypeObject
		if len(mcpSchema.Properties) > 0 {
			schema.Properties = make(map[string]*genai.Schema)
			for name, prop := range mcpSchema.Properties {
				schema.Properties[name] = ConvertMCPSchemaToGemini(prop)
			}
		}
		schema.Required = mcpSchema.Required
	default:
		// Default to string for unknown types
		schema.Type = genai.TypeString
	}

	return schema
}

// RequiredParams returns a copy of the schema's required property names.
// It is read from the schema on every call.
func RequiredParams(schema *JSONSchema) []string {
	if schema == nil || len(schema.Required) == 0 {
		return nil
	}
	out := make([]string, len(schema.Required))
	copy(out, schema.Required)
	return out
}

// DefaultArguments synthesizes one value per declared property: the declared
// default when present, otherwise the zero value of the property type.
func DefaultArguments(schema *JSONSchema) map[string]any {
	args := make(map[string]any)
	if schema == nil {
		return args
	}
	for name, prop := range schema.Properties {
		args[name] = defaultValue(prop)
	}
	return args
}

func defaultValue(prop *JSONSchema) any {
	if prop == nil {
		return ""
	}
	if prop.Default != nil {
		return prop.Default
	}
	switch prop.Type {
	case "integer":
		return 0
	case "number":
		return 0.0
	case "boolean":
		return false
	case "array":
		return []any{}
	case "object":
		return map[string]any{}
	default:
		return ""
	}
}

// PartialSchema builds an object schema holding only the named properties of
// schema, with nothing required. Unknown names are typed as strings.
func PartialSchema(schema *JSONSchema, names []string) *JSONSchema {
	out := &JSONSchema{
		Type:       "object",
		Properties: make(map[string]*JSONSchema, len(names)),
	}
	for _, name := range names {
		var prop *JSONSchema
		if schema != nil {
			prop = schema.Properties[name]
		}
		if prop == nil {
			prop = &JSONSchema{Type: "string"}
		}
		out.Properties[name] = prop
	}
	return out
}
