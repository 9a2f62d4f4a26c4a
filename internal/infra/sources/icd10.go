package sources

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/go-resty/resty/v2"
	"github.com/google/jsonschema-go/jsonschema"

	"medrefd/internal/domain"
	"medrefd/internal/infra/pool"
)

const icd10MirrorQuery = `
SELECT code, description
FROM icd10_codes
WHERE description ILIKE '%' || $1 || '%' OR code ILIKE $1 || '%'
ORDER BY code
LIMIT $2`

// ICD10 resolves billing-code lookups against the ICD-10-CM code set.
type ICD10 struct {
	client *resty.Client
	cfg    Config
}

func NewICD10(client *resty.Client, cfg Config) *ICD10 {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://clinicaltables.nlm.nih.gov/api/icd10cm/v3/search"
	}
	return &ICD10{client: client, cfg: cfg}
}

func (i *ICD10) SourceID() string { return "icd10" }

func (i *ICD10) Descriptor() domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:        "lookup-billing-code",
		Description: "Find ICD-10-CM billing codes by code prefix or diagnosis description.",
		SourceID:    i.SourceID(),
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"term":        {Type: "string", Description: "Code prefix or diagnosis text, e.g. \"E11\" or \"migraine\"."},
			"max_results": {Type: "integer", Description: "Maximum number of codes to return (1-50)."},
		}, "term"),
	}
}

func (i *ICD10) QueryMirror(ctx context.Context, q domain.ResolutionQuery, conn pool.Querier) ([]domain.Record, error) {
	term, err := requiredParam(q, "term")
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(ctx, icd10MirrorQuery, term, clampMaxResults(q.MaxResults))
	if err != nil {
		return nil, domain.E(domain.CodeConnection, "icd10.mirror", "mirror query failed", err)
	}
	defer rows.Close()

	var records []domain.Record
	for rows.Next() {
		var code, description string
		if err := rows.Scan(&code, &description); err != nil {
			return nil, domain.E(domain.CodeInternal, "icd10.mirror", "scan code row", err)
		}
		records = append(records, domain.Record{ID: code, Title: code, Summary: description})
	}
	if err := rows.Err(); err != nil {
		return nil, domain.E(domain.CodeConnection, "icd10.mirror", "mirror query failed", err)
	}
	return records, nil
}

func (i *ICD10) QueryExternal(ctx context.Context, q domain.ResolutionQuery) ([]domain.Record, error) {
	term, err := requiredParam(q, "term")
	if err != nil {
		return nil, err
	}

	resp, err := i.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"sf":      "code,name",
			"terms":   term,
			"maxList": strconv.Itoa(clampMaxResults(q.MaxResults)),
		}).
		Get(i.cfg.BaseURL)
	if err != nil {
		return nil, domain.Wrap(domain.CodeConnection, "icd10.external", err)
	}
	if resp.IsError() {
		return nil, externalStatusError("icd10.external", resp)
	}
	return decodeICD10Response(resp.Body())
}

// decodeICD10Response unpacks the Clinical Tables array-shaped payload:
// [total, [codes...], null, [[code, name]...]].
func decodeICD10Response(body []byte) ([]domain.Record, error) {
	var payload []json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, domain.E(domain.CodeInternal, "icd10.external", "decode response", err)
	}
	if len(payload) < 4 {
		return nil, domain.E(domain.CodeInternal, "icd10.external", "unexpected response shape", nil)
	}

	var pairs [][]string
	if err := json.Unmarshal(payload[3], &pairs); err != nil {
		return nil, domain.E(domain.CodeInternal, "icd10.external", "decode code pairs", err)
	}

	records := make([]domain.Record, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) < 2 {
			continue
		}
		records = append(records, domain.Record{ID: pair[0], Title: pair[0], Summary: pair[1]})
	}
	return records, nil
}

var _ Adapter = (*ICD10)(nil)
