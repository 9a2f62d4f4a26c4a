package telemetry

import (
	"time"

	"go.uber.org/zap"
)

// Shared structured-log field constructors so the same keys appear across
// every package.

func RequestIDField(id string) zap.Field {
	return zap.String("request_id", id)
}

func ToolField(name string) zap.Field {
	return zap.String("tool", name)
}

func SourceField(sourceID string) zap.Field {
	return zap.String("source", sourceID)
}

func DurationField(d time.Duration) zap.Field {
	return zap.Duration("duration", d)
}
