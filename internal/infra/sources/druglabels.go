package sources

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/google/jsonschema-go/jsonschema"

	"medrefd/internal/domain"
	"medrefd/internal/infra/pool"
)

const drugLabelMirrorQuery = `
SELECT set_id, brand_name, generic_name, indications, warnings, dosage
FROM drug_labels
WHERE brand_name ILIKE $1 OR generic_name ILIKE $1
ORDER BY brand_name
LIMIT $2`

// DrugLabels resolves FDA structured product labels.
type DrugLabels struct {
	client *resty.Client
	cfg    Config
}

func NewDrugLabels(client *resty.Client, cfg Config) *DrugLabels {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.fda.gov/drug/label.json"
	}
	return &DrugLabels{client: client, cfg: cfg}
}

func (d *DrugLabels) SourceID() string { return "druglabels" }

func (d *DrugLabels) Descriptor() domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:        "get-drug-label",
		Description: "Look up FDA drug label sections (indications, warnings, dosage) by brand or generic name.",
		SourceID:    d.SourceID(),
		InputSchema: objectSchema(map[string]*jsonschema.Schema{
			"drug_name":   {Type: "string", Description: "Brand or generic drug name, e.g. \"aspirin\"."},
			"max_results": {Type: "integer", Description: "Maximum number of labels to return (1-50)."},
		}, "drug_name"),
	}
}

func (d *DrugLabels) QueryMirror(ctx context.Context, q domain.ResolutionQuery, conn pool.Querier) ([]domain.Record, error) {
	name, err := requiredParam(q, "drug_name")
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(ctx, drugLabelMirrorQuery, "%"+name+"%", clampMaxResults(q.MaxResults))
	if err != nil {
		return nil, domain.E(domain.CodeConnection, "druglabels.mirror", "mirror query failed", err)
	}
	defer rows.Close()

	var records []domain.Record
	for rows.Next() {
		var setID, brand, generic, indications, warnings, dosage string
		if err := rows.Scan(&setID, &brand, &generic, &indications, &warnings, &dosage); err != nil {
			return nil, domain.E(domain.CodeInternal, "druglabels.mirror", "scan label row", err)
		}
		records = append(records, domain.Record{
			ID:      setID,
			Title:   fmt.Sprintf("%s (%s)", brand, generic),
			Summary: indications,
			Attributes: map[string]string{
				"warnings": warnings,
				"dosage":   dosage,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, domain.E(domain.CodeConnection, "druglabels.mirror", "mirror query failed", err)
	}
	return records, nil
}

type openFDALabelEnvelope struct {
	Results []struct {
		SetID                   string   `json:"set_id"`
		IndicationsAndUsage     []string `json:"indications_and_usage"`
		Warnings                []string `json:"warnings"`
		DosageAndAdministration []string `json:"dosage_and_administration"`
		OpenFDA                 struct {
			BrandName   []string `json:"brand_name"`
			GenericName []string `json:"generic_name"`
		} `json:"openfda"`
	} `json:"results"`
}

func (d *DrugLabels) QueryExternal(ctx context.Context, q domain.ResolutionQuery) ([]domain.Record, error) {
	name, err := requiredParam(q, "drug_name")
	if err != nil {
		return nil, err
	}

	params := map[string]string{
		"search": fmt.Sprintf(`openfda.brand_name:%q openfda.generic_name:%q`, name, name),
		"limit":  strconv.Itoa(clampMaxResults(q.MaxResults)),
	}
	if d.cfg.APIKey != "" {
		params["api_key"] = d.cfg.APIKey
	}

	var envelope openFDALabelEnvelope
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&envelope).
		Get(d.cfg.BaseURL)
	if err != nil {
		return nil, domain.Wrap(domain.CodeConnection, "druglabels.external", err)
	}
	// openFDA answers 404 for zero matches rather than an empty result set.
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, externalStatusError("druglabels.external", resp)
	}

	records := make([]domain.Record, 0, len(envelope.Results))
	for _, label := range envelope.Results {
		brand := firstOr(label.OpenFDA.BrandName, name)
		generic := firstOr(label.OpenFDA.GenericName, "")
		records = append(records, domain.Record{
			ID:      label.SetID,
			Title:   fmt.Sprintf("%s (%s)", brand, generic),
			Summary: strings.Join(label.IndicationsAndUsage, "\n"),
			Attributes: map[string]string{
				"warnings": strings.Join(label.Warnings, "\n"),
				"dosage":   strings.Join(label.DosageAndAdministration, "\n"),
			},
		})
	}
	return records, nil
}

func firstOr(values []string, fallback string) string {
	if len(values) > 0 {
		return values[0]
	}
	return fallback
}

var _ Adapter = (*DrugLabels)(nil)
