package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrefd/internal/domain"
)

func icd10Query(term string) domain.ResolutionQuery {
	return domain.ResolutionQuery{
		ToolName:   "lookup-billing-code",
		Parameters: []domain.Parameter{{Name: "term", Value: term}},
		MaxResults: 5,
	}
}

func TestICD10_QueryExternal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "E11", r.URL.Query().Get("terms"))
		assert.Equal(t, "5", r.URL.Query().Get("maxList"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[2,["E11","E11.9"],null,[["E11","Type 2 diabetes mellitus"],["E11.9","Type 2 diabetes mellitus without complications"]]]`))
	}))
	defer server.Close()

	adapter := NewICD10(NewExternalClient(5*time.Second), Config{BaseURL: server.URL})

	records, err := adapter.QueryExternal(context.Background(), icd10Query("E11"))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "E11", records[0].ID)
	assert.Equal(t, "Type 2 diabetes mellitus", records[0].Summary)
}

func TestICD10_QueryExternal_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer server.Close()

	adapter := NewICD10(NewExternalClient(5*time.Second), Config{BaseURL: server.URL})

	_, err := adapter.QueryExternal(context.Background(), icd10Query("E11"))
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeConnection, code)
}

func TestICD10_MissingRequiredParameter(t *testing.T) {
	adapter := NewICD10(NewExternalClient(time.Second), Config{})

	_, err := adapter.QueryExternal(context.Background(), domain.ResolutionQuery{ToolName: "lookup-billing-code"})
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeInvalidArgument, code)
}

func TestDecodeICD10Response_MalformedPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not an array", body: `{"oops": true}`},
		{name: "too few elements", body: `[1,["E11"]]`},
		{name: "bad pair shape", body: `[1,["E11"],null,"nope"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeICD10Response([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestDecodeICD10Response_SkipsShortPairs(t *testing.T) {
	records, err := decodeICD10Response([]byte(`[2,["E11"],null,[["E11","Type 2 diabetes"],["E10"]]]`))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "E11", records[0].ID)
}
