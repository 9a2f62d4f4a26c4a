package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"medrefd/internal/domain"
	"medrefd/internal/infra/pool"
)

// Adapter resolves one dataset twice: against the local relational mirror and
// against the canonical upstream API. Both sides accept the same query shape
// and return the same normalized records. Adapters are stateless; the
// resolver owns routing, caching, and health bookkeeping.
type Adapter interface {
	SourceID() string
	Descriptor() domain.ToolDescriptor
	QueryMirror(ctx context.Context, q domain.ResolutionQuery, conn pool.Querier) ([]domain.Record, error)
	QueryExternal(ctx context.Context, q domain.ResolutionQuery) ([]domain.Record, error)
}

// Config carries the per-source external endpoint settings.
type Config struct {
	BaseURL string
	APIKey  string
}

// NewExternalClient builds the resty client shared by all adapters for
// canonical-source calls. Per-call deadlines come from the caller's context;
// the client timeout is only a hard upper bound.
func NewExternalClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = time.Duration(domain.DefaultCallTimeoutSeconds) * time.Second
	}
	return resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "medrefd/0.1").
		SetHeader("Accept", "application/json")
}

func clampMaxResults(n int) int {
	if n <= 0 {
		return domain.DefaultMaxResults
	}
	if n > domain.DefaultMaxResultsCap {
		return domain.DefaultMaxResultsCap
	}
	return n
}

func requiredParam(q domain.ResolutionQuery, name string) (string, error) {
	value, ok := q.Parameter(name)
	if !ok || value == "" {
		return "", domain.E(domain.CodeInvalidArgument, "", fmt.Sprintf("missing required parameter %q", name), nil)
	}
	return value, nil
}

func externalStatusError(op string, resp *resty.Response) error {
	return domain.E(domain.CodeConnection, op,
		fmt.Sprintf("upstream returned %s", resp.Status()), nil)
}
