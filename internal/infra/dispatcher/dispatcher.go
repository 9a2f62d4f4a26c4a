package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"medrefd/internal/domain"
	"medrefd/internal/infra/telemetry"
)

// ToolResolver executes one lookup for a registered tool.
type ToolResolver interface {
	Resolve(ctx context.Context, q domain.ResolutionQuery) (domain.ResolutionResult, error)
}

// Request is one inbound tool call.
type Request struct {
	Tool      string
	Arguments map[string]any
}

// ContentBlock is one element of a response payload.
type ContentBlock struct {
	Type string
	Text string
}

// Response is the uniform call envelope handed back to the protocol layer.
// A failed call is an isError envelope, never a raised error.
type Response struct {
	Content []ContentBlock
	IsError bool
}

type registration struct {
	descriptor domain.ToolDescriptor
	resolver   ToolResolver
}

// Dispatcher routes call envelopes to resolvers. The tool table is built once
// at construction and read-only afterward; Dispatch is safe for concurrent
// use and converts every failure mode into an isError envelope.
type Dispatcher struct {
	tools       map[string]registration
	order       []string
	validate    *validator.Validate
	callTimeout time.Duration
	logger      *zap.Logger
}

type Options struct {
	CallTimeout time.Duration
	Logger      *zap.Logger
}

func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = time.Duration(domain.DefaultCallTimeoutSeconds) * time.Second
	}
	return &Dispatcher{
		tools:       make(map[string]registration),
		validate:    validator.New(),
		callTimeout: callTimeout,
		logger:      logger.Named("dispatcher"),
	}
}

// Register adds a tool. Registration happens during startup wiring only.
func (d *Dispatcher) Register(descriptor domain.ToolDescriptor, resolver ToolResolver) error {
	if descriptor.Name == "" {
		return domain.E(domain.CodeConfiguration, "dispatcher.register", "tool descriptor has no name", nil)
	}
	if _, exists := d.tools[descriptor.Name]; exists {
		return domain.E(domain.CodeConfiguration, "dispatcher.register", fmt.Sprintf("duplicate tool %q", descriptor.Name), nil)
	}
	d.tools[descriptor.Name] = registration{descriptor: descriptor, resolver: resolver}
	d.order = append(d.order, descriptor.Name)
	sort.Strings(d.order)
	return nil
}

// Descriptors lists the registered tools for capability discovery.
func (d *Dispatcher) Descriptors() []domain.ToolDescriptor {
	out := make([]domain.ToolDescriptor, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.tools[name].descriptor)
	}
	return out
}

// Dispatch executes one call under the call-scoped timeout. It never panics
// outward and never returns a Go error; every outcome is an envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (resp Response) {
	requestID := uuid.NewString()
	logger := d.logger.With(
		telemetry.RequestIDField(requestID),
		telemetry.ToolField(req.Tool),
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("tool call panicked", zap.Any("panic", r))
			resp = errorResponse(domain.E(domain.CodeInternal, "dispatcher", "internal error while handling the call", nil))
		}
	}()

	reg, ok := d.tools[req.Tool]
	if !ok {
		logger.Warn("unknown tool requested")
		return errorResponse(domain.E(domain.CodeToolNotFound, "dispatcher",
			fmt.Sprintf("unknown tool %q", req.Tool), domain.ErrToolNotFound))
	}

	query, err := d.buildQuery(reg.descriptor, req.Arguments)
	if err != nil {
		logger.Warn("argument validation failed", zap.Error(err))
		return errorResponse(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	start := time.Now()
	result, err := reg.resolver.Resolve(callCtx, query)
	if err != nil {
		logger.Warn("tool call failed",
			telemetry.DurationField(time.Since(start)),
			zap.Error(err),
		)
		return errorResponse(err)
	}

	logger.Info("tool call succeeded",
		telemetry.DurationField(time.Since(start)),
		zap.String("source_used", string(result.SourceUsed)),
		zap.Int("records", len(result.Records)),
	)
	return renderResult(result)
}

// buildQuery decodes the argument mapping into a ResolutionQuery and checks
// it against the descriptor's input contract.
func (d *Dispatcher) buildQuery(descriptor domain.ToolDescriptor, args map[string]any) (domain.ResolutionQuery, error) {
	query := domain.ResolutionQuery{ToolName: descriptor.Name}

	for name, raw := range args {
		if name == "max_results" {
			n, err := decodeMaxResults(raw)
			if err != nil {
				return domain.ResolutionQuery{}, err
			}
			query.MaxResults = n
			continue
		}
		value, ok := raw.(string)
		if !ok {
			return domain.ResolutionQuery{}, domain.E(domain.CodeInvalidArgument, "dispatcher",
				fmt.Sprintf("parameter %q must be a string", name), nil)
		}
		query.Parameters = append(query.Parameters, domain.Parameter{Name: name, Value: value})
	}

	if descriptor.InputSchema != nil {
		for _, required := range descriptor.InputSchema.Required {
			value, ok := query.Parameter(required)
			if !ok {
				return domain.ResolutionQuery{}, domain.E(domain.CodeInvalidArgument, "dispatcher",
					fmt.Sprintf("missing required parameter %q", required), nil)
			}
			if err := d.validate.Var(value, "required,min=1,max=500"); err != nil {
				return domain.ResolutionQuery{}, domain.E(domain.CodeInvalidArgument, "dispatcher",
					fmt.Sprintf("parameter %q is empty or too long", required), err)
			}
		}
	}
	if query.MaxResults != 0 {
		if err := d.validate.Var(query.MaxResults, "min=1,max=50"); err != nil {
			return domain.ResolutionQuery{}, domain.E(domain.CodeInvalidArgument, "dispatcher",
				"max_results must be between 1 and 50", err)
		}
	}

	return query.Normalized(), nil
}

func decodeMaxResults(raw any) (int, error) {
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, domain.E(domain.CodeInvalidArgument, "dispatcher", "max_results must be an integer", err)
		}
		return n, nil
	default:
		return 0, domain.E(domain.CodeInvalidArgument, "dispatcher", "max_results must be an integer", nil)
	}
}

func renderResult(result domain.ResolutionResult) Response {
	blocks := make([]ContentBlock, 0, len(result.Records)+1)
	blocks = append(blocks, ContentBlock{
		Type: "text",
		Text: fmt.Sprintf("%d result(s) from %s source", result.TotalResults, result.SourceUsed),
	})
	for _, record := range result.Records {
		blocks = append(blocks, ContentBlock{Type: "text", Text: formatRecord(record)})
	}
	return Response{Content: blocks}
}

func formatRecord(record domain.Record) string {
	text := record.Title
	if record.ID != "" && record.ID != record.Title {
		text = fmt.Sprintf("[%s] %s", record.ID, record.Title)
	}
	if record.Summary != "" {
		text += "\n" + record.Summary
	}
	keys := make([]string, 0, len(record.Attributes))
	for key := range record.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if record.Attributes[key] == "" {
			continue
		}
		text += fmt.Sprintf("\n%s: %s", key, record.Attributes[key])
	}
	return text
}

// errorResponse renders an error as a human-readable isError envelope. It
// never leaks connection strings or credentials; messages come from the
// domain taxonomy only.
func errorResponse(err error) Response {
	code, _ := domain.CodeFrom(err)

	var text string
	switch code {
	case domain.CodeToolNotFound:
		text = err.Error()
	case domain.CodeInvalidArgument:
		text = fmt.Sprintf("invalid arguments: %s", err.Error())
	case domain.CodeRateLimited:
		var rateErr *domain.RateLimitError
		if errors.As(err, &rateErr) {
			text = fmt.Sprintf("the %s source is rate limited; retry in %s",
				rateErr.SourceID, rateErr.RetryAfter.Round(time.Second))
		} else {
			text = err.Error()
		}
	case domain.CodeTimeout:
		text = "the lookup timed out; try narrowing the query or retrying"
	case domain.CodeConnection:
		text = "no data source is currently reachable for this tool; try again later"
	default:
		text = "the lookup failed due to an internal error"
	}

	return Response{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}
