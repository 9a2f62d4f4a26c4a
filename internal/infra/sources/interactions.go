package sources

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/google/jsonschema-go/jsonschema"

	"medrefd/internal/domain"
	"medrefd/internal/infra/pool"
)

const interactionsMirrorQuery = `
SELECT i.interaction_id, d1.name, d2.name, i.severity, i.description
FROM drug_interactions i
JOIN drugs d1 ON d1.rxcui = i.rxcui_a
JOIN drugs d2 ON d2.rxcui = i.rxcui_b
WHERE i.rxcui_a = $1 OR i.rxcui_b = $1
ORDER BY i.severity DESC
LIMIT $2`

// Interactions resolves drug-drug interaction lookups keyed by RxNorm CUI.
type Interactions struct {
	client *resty.Client
	cfg    Config
}

func NewInteractions(client *resty.Client, cfg Config) *Interactions {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://rxnav.nlm.nih.gov/REST/interaction/interaction.json"
	}
	return &Interactions{client: client, cfg: cfg}
}

func (i *Interactions) SourceID() string { return "interactions" }

func (i *Interactions) Descriptor() domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:        "check-interactions",
		Description: "List known drug-drug interactions for a medication identified by RxNorm CUI.",
		SourceID:    i.SourceID(),
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"rxcui":       {Type: "string", Description: "RxNorm concept identifier of the medication."},
			"max_results": {Type: "integer", Description: "Maximum number of interactions to return (1-50)."},
		}, "rxcui"),
	}
}

func (i *Interactions) QueryMirror(ctx context.Context, q domain.ResolutionQuery, conn pool.Querier) ([]domain.Record, error) {
	rxcui, err := requiredParam(q, "rxcui")
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(ctx, interactionsMirrorQuery, rxcui, clampMaxResults(q.MaxResults))
	if err != nil {
		return nil, domain.E(domain.CodeConnection, "interactions.mirror", "mirror query failed", err)
	}
	defer rows.Close()

	var records []domain.Record
	for rows.Next() {
		var id, drugA, drugB, severity, description string
		if err := rows.Scan(&id, &drugA, &drugB, &severity, &description); err != nil {
			return nil, domain.E(domain.CodeInternal, "interactions.mirror", "scan interaction row", err)
		}
		records = append(records, domain.Record{
			ID:      id,
			Title:   fmt.Sprintf("%s + %s", drugA, drugB),
			Summary: description,
			Attributes: map[string]string{
				"severity": severity,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, domain.E(domain.CodeConnection, "interactions.mirror", "mirror query failed", err)
	}
	return records, nil
}

type rxnavEnvelope struct {
	InteractionTypeGroup []struct {
		InteractionType []struct {
			InteractionPair []struct {
				Severity           string `json:"severity"`
				Description        string `json:"description"`
				InteractionConcept []struct {
					MinConceptItem struct {
						RxCUI string `json:"rxcui"`
						Name  string `json:"name"`
					} `json:"minConceptItem"`
				} `json:"interactionConcept"`
			} `json:"interactionPair"`
		} `json:"interactionType"`
	} `json:"interactionTypeGroup"`
}

func (i *Interactions) QueryExternal(ctx context.Context, q domain.ResolutionQuery) ([]domain.Record, error) {
	rxcui, err := requiredParam(q, "rxcui")
	if err != nil {
		return nil, err
	}

	var envelope rxnavEnvelope
	resp, err := i.client.R().
		SetContext(ctx).
		SetQueryParam("rxcui", rxcui).
		SetResult(&envelope).
		Get(i.cfg.BaseURL)
	if err != nil {
		return nil, domain.Wrap(domain.CodeConnection, "interactions.external", err)
	}
	if resp.IsError() {
		return nil, externalStatusError("interactions.external", resp)
	}

	limit := clampMaxResults(q.MaxResults)
	var records []domain.Record
	for _, group := range envelope.InteractionTypeGroup {
		for _, typ := range group.InteractionType {
			for _, pair := range typ.InteractionPair {
				if len(records) >= limit {
					return records, nil
				}
				title := ""
				if len(pair.InteractionConcept) == 2 {
					title = fmt.Sprintf("%s + %s",
						pair.InteractionConcept[0].MinConceptItem.Name,
						pair.InteractionConcept[1].MinConceptItem.Name)
				}
				records = append(records, domain.Record{
					ID:      fmt.Sprintf("%s-%d", rxcui, len(records)),
					Title:   title,
					Summary: pair.Description,
					Attributes: map[string]string{
						"severity": pair.Severity,
					},
				})
			}
		}
	}
	return records, nil
}

var _ Adapter = (*Interactions)(nil)
