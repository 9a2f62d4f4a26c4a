package sources

import "github.com/google/jsonschema-go/jsonschema"

func searchSchema(queryDescription string) *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{
		"query":       {Type: "string", Description: queryDescription},
		"max_results": {Type: "integer", Description: "Maximum number of records to return (1-50)."},
	}, "query")
}

func objectSchema(properties map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}
