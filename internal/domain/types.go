package domain

import (
	"sort"

	"github.com/google/jsonschema-go/jsonschema"
)

// Source identifies where the records of a resolution originated.
type Source string

const (
	// SourceMirror means records came from the local relational mirror.
	SourceMirror Source = "mirror"
	// SourceExternal means records came from the canonical upstream API.
	SourceExternal Source = "external"
	// SourceMixed is reserved for merged results; the resolver never produces it.
	SourceMixed Source = "mixed"
)

// Parameter is one named query argument.
type Parameter struct {
	Name  string
	Value string
}

// ResolutionQuery is one logical lookup against a dataset. It is immutable
// once constructed; Normalized returns a canonical parameter ordering so that
// equivalent queries derive the same cache key.
type ResolutionQuery struct {
	ToolName   string
	Parameters []Parameter
	MaxResults int
}

// Parameter returns the value of a named parameter.
func (q ResolutionQuery) Parameter(name string) (string, bool) {
	for _, p := range q.Parameters {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Normalized returns a copy with parameters sorted by name.
func (q ResolutionQuery) Normalized() ResolutionQuery {
	params := make([]Parameter, len(q.Parameters))
	copy(params, q.Parameters)
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	q.Parameters = params
	return q
}

// Record is one normalized result row, shared by all dataset adapters.
type Record struct {
	ID         string
	Title      string
	Summary    string
	Attributes map[string]string
}

// ResolutionResult carries the records of one resolved lookup together with
// the source they actually came from.
type ResolutionResult struct {
	Records      []Record
	TotalResults int
	SourceUsed   Source
	QueryEcho    ResolutionQuery
}

// ToolDescriptor describes one registered tool. Descriptors are built once at
// startup from the registered adapters and are read-only afterward.
type ToolDescriptor struct {
	Name        string
	Description string
	SourceID    string
	InputSchema *jsonschema.Schema
}
