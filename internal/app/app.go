package app

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"medrefd/internal/domain"
	"medrefd/internal/infra/config"
	"medrefd/internal/infra/dispatcher"
	"medrefd/internal/infra/telemetry"
)

const version = "0.1.0"

type App struct {
	logger *zap.Logger
}

type ServeConfig struct {
	ConfigPath string
}

type ValidateConfig struct {
	ConfigPath string
}

func New(logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		logger: logger.Named("app"),
	}
}

// Serve wires the component graph and runs the stdio protocol server until
// the context is canceled or the transport closes.
func (a *App) Serve(ctx context.Context, cfg ServeConfig) error {
	loader := config.NewLoader(a.logger)
	conf, err := loader.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}

	logger, err := NewLogger(conf.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("configuration loaded",
		zap.String("config", cfg.ConfigPath),
		zap.String("mirror", config.RedactDSN(conf.Mirror.DSN)),
		zap.Int("sources", len(conf.Sources)),
	)

	rt, err := buildRuntime(ctx, conf, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go rt.cache.RunJanitor(runCtx, conf.Cache.JanitorInterval)

	watcher := config.NewWatcher(loader, cfg.ConfigPath, rt.applyConfig, logger)
	go watcher.Run(runCtx)

	go func() {
		err := telemetry.StartHTTPServer(runCtx, telemetry.HTTPServerOptions{
			Addr:          conf.Observability.ListenAddress,
			EnableMetrics: conf.Observability.EnableMetrics,
			EnableHealthz: conf.Observability.EnableHealthz,
			Health:        rt.health,
			Mirror:        rt.pool,
		}, logger)
		if err != nil {
			logger.Warn("observability server exited", zap.Error(err))
		}
	}()

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "medrefd",
		Version: version,
	}, &mcp.ServerOptions{
		HasTools: true,
	})

	descriptors := rt.dispatcher.Descriptors()
	for _, descriptor := range descriptors {
		tool := &mcp.Tool{
			Name:        descriptor.Name,
			Description: descriptor.Description,
			InputSchema: descriptor.InputSchema,
		}
		server.AddTool(tool, toolHandler(rt.dispatcher, descriptor.Name))
	}

	logger.Info("server starting (stdio transport)", zap.Int("tools", len(descriptors)))
	err = server.Run(runCtx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// toolHandler bridges one protocol tool call into the dispatcher. Argument
// and error shaping live in the dispatcher; this layer only translates
// envelopes.
func toolHandler(d *dispatcher.Dispatcher, name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args map[string]any
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.Content{&mcp.TextContent{Text: "invalid arguments: payload is not a JSON object"}},
				}, nil
			}
		}

		resp := d.Dispatch(ctx, dispatcher.Request{Tool: name, Arguments: args})

		content := make([]mcp.Content, 0, len(resp.Content))
		for _, block := range resp.Content {
			content = append(content, &mcp.TextContent{Text: block.Text})
		}
		return &mcp.CallToolResult{
			IsError: resp.IsError,
			Content: content,
		}, nil
	}
}

// ValidateConfig checks the configuration at the provided path without
// connecting to anything.
func (a *App) ValidateConfig(ctx context.Context, cfg ValidateConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	loader := config.NewLoader(a.logger)
	conf, err := loader.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}

	enabled := 0
	for _, src := range conf.Sources {
		if !src.Disabled {
			enabled++
		}
	}
	if enabled == 0 && len(conf.Sources) > 0 {
		return domain.E(domain.CodeConfiguration, "app.validate", "all sources are disabled", nil)
	}

	a.logger.Info("configuration validated",
		zap.String("config", cfg.ConfigPath),
		zap.String("mirror", config.RedactDSN(conf.Mirror.DSN)),
		zap.Int("sources", len(conf.Sources)),
	)
	return nil
}
