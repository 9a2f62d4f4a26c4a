package sources

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"medrefd/internal/domain"
	"medrefd/internal/infra/pool"
)

const pubmedMirrorQuery = `
SELECT pmid, title, abstract, journal, published_on, authors
FROM pubmed_articles
WHERE search_tsv @@ plainto_tsquery('english', $1)
ORDER BY published_on DESC
LIMIT $2`

// PubMed resolves biomedical literature searches.
type PubMed struct {
	client *resty.Client
	cfg    Config
}

func NewPubMed(client *resty.Client, cfg Config) *PubMed {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	}
	return &PubMed{client: client, cfg: cfg}
}

func (p *PubMed) SourceID() string { return "pubmed" }

func (p *PubMed) Descriptor() domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:        "search-literature",
		Description: "Search PubMed for biomedical literature by topic, drug, or condition.",
		SourceID:    p.SourceID(),
		InputSchema: searchSchema("Search terms, e.g. \"aspirin cardiovascular prevention\""),
	}
}

func (p *PubMed) QueryMirror(ctx context.Context, q domain.ResolutionQuery, conn pool.Querier) ([]domain.Record, error) {
	term, err := requiredParam(q, "query")
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(ctx, pubmedMirrorQuery, term, clampMaxResults(q.MaxResults))
	if err != nil {
		return nil, domain.E(domain.CodeConnection, "pubmed.mirror", "mirror query failed", err)
	}
	defer rows.Close()

	var records []domain.Record
	for rows.Next() {
		var pmid, title, abstract, journal string
		var published time.Time
		var authors []string
		if err := rows.Scan(&pmid, &title, &abstract, &journal, &published, &authors); err != nil {
			return nil, domain.E(domain.CodeInternal, "pubmed.mirror", "scan article row", err)
		}
		records = append(records, domain.Record{
			ID:      pmid,
			Title:   title,
			Summary: abstract,
			Attributes: map[string]string{
				"journal":   journal,
				"published": published.Format("2006-01-02"),
				"authors":   strings.Join(authors, ", "),
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, domain.E(domain.CodeConnection, "pubmed.mirror", "mirror query failed", err)
	}
	return records, nil
}

type pubmedSearchEnvelope struct {
	ESearchResult struct {
		Count  string   `json:"count"`
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

type pubmedSummary struct {
	Title           string `json:"title"`
	FullJournalName string `json:"fulljournalname"`
	PubDate         string `json:"pubdate"`
	Authors         []struct {
		Name string `json:"name"`
	} `json:"authors"`
}

func (p *PubMed) QueryExternal(ctx context.Context, q domain.ResolutionQuery) ([]domain.Record, error) {
	term, err := requiredParam(q, "query")
	if err != nil {
		return nil, err
	}

	params := map[string]string{
		"db":      "pubmed",
		"term":    term,
		"retmax":  strconv.Itoa(clampMaxResults(q.MaxResults)),
		"retmode": "json",
	}
	if p.cfg.APIKey != "" {
		params["api_key"] = p.cfg.APIKey
	}

	var search pubmedSearchEnvelope
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&search).
		Get(p.cfg.BaseURL + "/esearch.fcgi")
	if err != nil {
		return nil, domain.Wrap(domain.CodeConnection, "pubmed.external", err)
	}
	if resp.IsError() {
		return nil, externalStatusError("pubmed.external", resp)
	}
	if len(search.ESearchResult.IDList) == 0 {
		return nil, nil
	}

	summaryParams := map[string]string{
		"db":      "pubmed",
		"id":      strings.Join(search.ESearchResult.IDList, ","),
		"retmode": "json",
	}
	if p.cfg.APIKey != "" {
		summaryParams["api_key"] = p.cfg.APIKey
	}

	var raw struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	resp, err = p.client.R().
		SetContext(ctx).
		SetQueryParams(summaryParams).
		SetResult(&raw).
		Get(p.cfg.BaseURL + "/esummary.fcgi")
	if err != nil {
		return nil, domain.Wrap(domain.CodeConnection, "pubmed.external", err)
	}
	if resp.IsError() {
		return nil, externalStatusError("pubmed.external", resp)
	}

	records := make([]domain.Record, 0, len(search.ESearchResult.IDList))
	for _, pmid := range search.ESearchResult.IDList {
		blob, ok := raw.Result[pmid]
		if !ok {
			continue
		}
		var summary pubmedSummary
		if err := json.Unmarshal(blob, &summary); err != nil {
			continue
		}
		names := make([]string, 0, len(summary.Authors))
		for _, a := range summary.Authors {
			names = append(names, a.Name)
		}
		records = append(records, domain.Record{
			ID:    pmid,
			Title: summary.Title,
			Attributes: map[string]string{
				"journal":   summary.FullJournalName,
				"published": summary.PubDate,
				"authors":   strings.Join(names, ", "),
			},
		})
	}
	return records, nil
}

var _ Adapter = (*PubMed)(nil)
