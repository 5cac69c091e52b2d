package tools

// Schema describes a tool parameter in a provider-neutral subset of JSON
// Schema. The model client converts it to its provider's native form.
type Schema struct {
	Type        string
	Description string
	Properties  map[string]*Schema
	Required    []string
	Items       *Schema
	Enum        []string
}

// Definition declares a callable capability to the model.
type Definition struct {
	Name        string
	Description string
	Parameters  *Schema
}
