package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"medrefd/internal/domain"
)

// CacheKey derives a deterministic content address from a query. Parameter
// order does not matter; equivalent queries hash identically.
func CacheKey(q domain.ResolutionQuery) string {
	normalized := q.Normalized()

	hasher := sha256.New()
	_, _ = hasher.Write([]byte(normalized.ToolName))
	_, _ = hasher.Write([]byte{0})
	for _, p := range normalized.Parameters {
		_, _ = hasher.Write([]byte(p.Name))
		_, _ = hasher.Write([]byte{1})
		_, _ = hasher.Write([]byte(p.Value))
		_, _ = hasher.Write([]byte{0})
	}
	_, _ = fmt.Fprintf(hasher, "%d", normalized.MaxResults)
	return hex.EncodeToString(hasher.Sum(nil))
}
