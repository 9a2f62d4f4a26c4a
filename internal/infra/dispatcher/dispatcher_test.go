package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrefd/internal/domain"
)

type fakeResolver struct {
	result domain.ResolutionResult
	err    error
	last   domain.ResolutionQuery
	calls  int
}

func (f *fakeResolver) Resolve(ctx context.Context, q domain.ResolutionQuery) (domain.ResolutionResult, error) {
	f.calls++
	f.last = q
	if f.err != nil {
		return domain.ResolutionResult{}, f.err
	}
	return f.result, nil
}

type panicResolver struct{}

func (panicResolver) Resolve(context.Context, domain.ResolutionQuery) (domain.ResolutionResult, error) {
	panic("adapter bug")
}

func literatureDescriptor() domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:        "search-literature",
		Description: "Search biomedical literature.",
		SourceID:    "pubmed",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"query":       {Type: "string"},
				"max_results": {Type: "integer"},
			},
			Required: []string{"query"},
		},
	}
}

func newDispatcher(t *testing.T, resolver ToolResolver) *Dispatcher {
	t.Helper()
	d := New(Options{CallTimeout: time.Second})
	require.NoError(t, d.Register(literatureDescriptor(), resolver))
	return d
}

func TestDispatcher_Success(t *testing.T) {
	resolver := &fakeResolver{result: domain.ResolutionResult{
		Records:      []domain.Record{{ID: "12345", Title: "Aspirin and bleeding risk", Summary: "A review."}},
		TotalResults: 1,
		SourceUsed:   domain.SourceMirror,
	}}
	d := newDispatcher(t, resolver)

	resp := d.Dispatch(context.Background(), Request{
		Tool:      "search-literature",
		Arguments: map[string]any{"query": "aspirin", "max_results": float64(5)},
	})

	assert.False(t, resp.IsError)
	require.GreaterOrEqual(t, len(resp.Content), 2)
	assert.Contains(t, resp.Content[0].Text, "1 result(s) from mirror source")
	assert.Contains(t, resp.Content[1].Text, "Aspirin and bleeding risk")

	assert.Equal(t, 5, resolver.last.MaxResults)
	value, ok := resolver.last.Parameter("query")
	require.True(t, ok)
	assert.Equal(t, "aspirin", value)
}

func TestDispatcher_UnknownTool(t *testing.T) {
	d := newDispatcher(t, &fakeResolver{})

	resp := d.Dispatch(context.Background(), Request{Tool: "no-such-tool"})

	assert.True(t, resp.IsError)
	require.Len(t, resp.Content, 1)
	assert.Contains(t, resp.Content[0].Text, `unknown tool "no-such-tool"`)
}

func TestDispatcher_MissingRequiredParameter(t *testing.T) {
	resolver := &fakeResolver{}
	d := newDispatcher(t, resolver)

	resp := d.Dispatch(context.Background(), Request{
		Tool:      "search-literature",
		Arguments: map[string]any{"max_results": float64(3)},
	})

	assert.True(t, resp.IsError)
	assert.Contains(t, resp.Content[0].Text, `missing required parameter "query"`)
	assert.Zero(t, resolver.calls, "validation failures must not reach the resolver")
}

func TestDispatcher_NonStringParameterRejected(t *testing.T) {
	resolver := &fakeResolver{}
	d := newDispatcher(t, resolver)

	resp := d.Dispatch(context.Background(), Request{
		Tool:      "search-literature",
		Arguments: map[string]any{"query": 42},
	})

	assert.True(t, resp.IsError)
	assert.Contains(t, resp.Content[0].Text, `parameter "query" must be a string`)
	assert.Zero(t, resolver.calls)
}

func TestDispatcher_MaxResultsOutOfRange(t *testing.T) {
	d := newDispatcher(t, &fakeResolver{})

	resp := d.Dispatch(context.Background(), Request{
		Tool:      "search-literature",
		Arguments: map[string]any{"query": "aspirin", "max_results": float64(999)},
	})

	assert.True(t, resp.IsError)
	assert.Contains(t, resp.Content[0].Text, "max_results must be between 1 and 50")
}

func TestDispatcher_RateLimitEnvelope(t *testing.T) {
	resolver := &fakeResolver{err: &domain.RateLimitError{SourceID: "pubmed", RetryAfter: 17 * time.Second}}
	d := newDispatcher(t, resolver)

	resp := d.Dispatch(context.Background(), Request{
		Tool:      "search-literature",
		Arguments: map[string]any{"query": "aspirin"},
	})

	assert.True(t, resp.IsError)
	assert.Contains(t, resp.Content[0].Text, "rate limited")
	assert.Contains(t, resp.Content[0].Text, "17s")
}

func TestDispatcher_ConnectionErrorHidesDetails(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.5:5432: password=supersecret")
	resolver := &fakeResolver{err: domain.Wrap(domain.CodeConnection, "resolver", cause)}
	d := newDispatcher(t, resolver)

	resp := d.Dispatch(context.Background(), Request{
		Tool:      "search-literature",
		Arguments: map[string]any{"query": "aspirin"},
	})

	assert.True(t, resp.IsError)
	assert.NotContains(t, resp.Content[0].Text, "supersecret")
	assert.Contains(t, resp.Content[0].Text, "no data source is currently reachable")
}

func TestDispatcher_PanicIsContained(t *testing.T) {
	d := newDispatcher(t, panicResolver{})

	resp := d.Dispatch(context.Background(), Request{
		Tool:      "search-literature",
		Arguments: map[string]any{"query": "aspirin"},
	})

	assert.True(t, resp.IsError)
	assert.Contains(t, resp.Content[0].Text, "internal error")
}

func TestDispatcher_DuplicateRegistrationRejected(t *testing.T) {
	d := New(Options{})
	require.NoError(t, d.Register(literatureDescriptor(), &fakeResolver{}))

	err := d.Register(literatureDescriptor(), &fakeResolver{})
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeConfiguration, code)
}

func TestDispatcher_DescriptorsSorted(t *testing.T) {
	d := New(Options{})
	second := literatureDescriptor()
	second.Name = "check-interactions"
	require.NoError(t, d.Register(literatureDescriptor(), &fakeResolver{}))
	require.NoError(t, d.Register(second, &fakeResolver{}))

	names := make([]string, 0, 2)
	for _, descriptor := range d.Descriptors() {
		names = append(names, descriptor.Name)
	}
	assert.Equal(t, []string{"check-interactions", "search-literature"}, names)
}
