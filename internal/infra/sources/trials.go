package sources

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/google/jsonschema-go/jsonschema"

	"medrefd/internal/domain"
	"medrefd/internal/infra/pool"
)

const trialsMirrorQuery = `
SELECT nct_id, brief_title, brief_summary, overall_status, phase, conditions
FROM clinical_trials
WHERE conditions_tsv @@ plainto_tsquery('english', $1)
  AND ($2 = '' OR overall_status = $2)
ORDER BY last_update_posted DESC
LIMIT $3`

// Trials resolves ClinicalTrials.gov study searches.
type Trials struct {
	client *resty.Client
	cfg    Config
}

func NewTrials(client *resty.Client, cfg Config) *Trials {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://clinicaltrials.gov/api/v2/studies"
	}
	return &Trials{client: client, cfg: cfg}
}

func (t *Trials) SourceID() string { return "trials" }

func (t *Trials) Descriptor() domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:        "search-trials",
		Description: "Search ClinicalTrials.gov for studies by condition, optionally filtered by recruitment status.",
		SourceID:    t.SourceID(),
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"condition":   {Type: "string", Description: "Condition or disease, e.g. \"type 2 diabetes\"."},
			"status":      {Type: "string", Description: "Optional recruitment status filter, e.g. RECRUITING."},
			"max_results": {Type: "integer", Description: "Maximum number of studies to return (1-50)."},
		}, "condition"),
	}
}

func (t *Trials) QueryMirror(ctx context.Context, q domain.ResolutionQuery, conn pool.Querier) ([]domain.Record, error) {
	condition, err := requiredParam(q, "condition")
	if err != nil {
		return nil, err
	}
	status, _ := q.Parameter("status")

	rows, err := conn.Query(ctx, trialsMirrorQuery, condition, strings.ToUpper(status), clampMaxResults(q.MaxResults))
	if err != nil {
		return nil, domain.E(domain.CodeConnection, "trials.mirror", "mirror query failed", err)
	}
	defer rows.Close()

	var records []domain.Record
	for rows.Next() {
		var nctID, title, summary, overallStatus, phase string
		var conditions []string
		if err := rows.Scan(&nctID, &title, &summary, &overallStatus, &phase, &conditions); err != nil {
			return nil, domain.E(domain.CodeInternal, "trials.mirror", "scan study row", err)
		}
		records = append(records, domain.Record{
			ID:      nctID,
			Title:   title,
			Summary: summary,
			Attributes: map[string]string{
				"status":     overallStatus,
				"phase":      phase,
				"conditions": strings.Join(conditions, "; "),
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, domain.E(domain.CodeConnection, "trials.mirror", "mirror query failed", err)
	}
	return records, nil
}

type trialsEnvelope struct {
	Studies []struct {
		ProtocolSection struct {
			IdentificationModule struct {
				NCTID      string `json:"nctId"`
				BriefTitle string `json:"briefTitle"`
			} `json:"identificationModule"`
			StatusModule struct {
				OverallStatus string `json:"overallStatus"`
			} `json:"statusModule"`
			DescriptionModule struct {
				BriefSummary string `json:"briefSummary"`
			} `json:"descriptionModule"`
			DesignModule struct {
				Phases []string `json:"phases"`
			} `json:"designModule"`
			ConditionsModule struct {
				Conditions []string `json:"conditions"`
			} `json:"conditionsModule"`
		} `json:"protocolSection"`
	} `json:"studies"`
}

func (t *Trials) QueryExternal(ctx context.Context, q domain.ResolutionQuery) ([]domain.Record, error) {
	condition, err := requiredParam(q, "condition")
	if err != nil {
		return nil, err
	}

	params := map[string]string{
		"query.cond": condition,
		"pageSize":   strconv.Itoa(clampMaxResults(q.MaxResults)),
	}
	if status, ok := q.Parameter("status"); ok && status != "" {
		params["filter.overallStatus"] = strings.ToUpper(status)
	}

	var envelope trialsEnvelope
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&envelope).
		Get(t.cfg.BaseURL)
	if err != nil {
		return nil, domain.Wrap(domain.CodeConnection, "trials.external", err)
	}
	if resp.IsError() {
		return nil, externalStatusError("trials.external", resp)
	}

	records := make([]domain.Record, 0, len(envelope.Studies))
	for _, study := range envelope.Studies {
		p := study.ProtocolSection
		records = append(records, domain.Record{
			ID:      p.IdentificationModule.NCTID,
			Title:   p.IdentificationModule.BriefTitle,
			Summary: p.DescriptionModule.BriefSummary,
			Attributes: map[string]string{
				"status":     p.StatusModule.OverallStatus,
				"phase":      strings.Join(p.DesignModule.Phases, ", "),
				"conditions": strings.Join(p.ConditionsModule.Conditions, "; "),
			},
		})
	}
	return records, nil
}

var _ Adapter = (*Trials)(nil)
