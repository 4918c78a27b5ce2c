// Command dispatchctl is a development CLI over the dispatch core: it
// loads built-in tools (optionally plus a plugin manifest), dispatches one
// call, and prints the result or registry/metrics reports. The transport
// layer a real deployment sits behind is expected to do the same thing
// over HTTP/gRPC/etc; this wraps the identical Executor.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dispatchrt/tooldispatch/pkg/config"
	"github.com/dispatchrt/tooldispatch/pkg/tools"
	"go.uber.org/zap"
)

// Exit codes, mirrored from the executor's error taxonomy.
const (
	ExitSuccess          = 0
	ExitValidationFailed = 3  // maps to HTTP 400
	ExitUnknownTool      = 4  // maps to HTTP 404
	ExitRateLimited      = 6  // maps to HTTP 429
	ExitSecurityRejected = 7  // maps to HTTP 409
	ExitCircuitOpen      = 8  // maps to HTTP 503
	ExitInternalError    = 9  // maps to HTTP 500
	ExitTimeout          = 10 // maps to HTTP 504
	ExitUsage            = 64
)

type command struct {
	name        string
	description string
	usage       string
	run         func(ctx context.Context, app *app, args []string) int
}

// app bundles the wired core so commands can share one instance per run.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *tools.Registry
	executor *tools.Executor
	metrics  *tools.MetricsSink
	breakers *tools.CircuitBreakerRegistry
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		showHelp()
		return ExitSuccess
	}

	cfg, err := config.Load(os.Getenv("DISPATCH_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		return ExitInternalError
	}

	logger, _ := zap.NewProduction()
	if logger == nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()

	a := buildApp(cfg, logger)

	cmds := commands()
	cmdName, cmdArgs := args[0], args[1:]
	cmd, ok := cmds[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", cmdName)
		fmt.Fprintln(os.Stderr, "Run 'dispatchctl help' for usage.")
		return ExitUsage
	}
	return cmd.run(context.Background(), a, cmdArgs)
}

func buildApp(cfg *config.Config, logger *zap.Logger) *app {
	registry := tools.NewRegistry(logger)

	breakerCfg := tools.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout(),
		FailureWindow:    cfg.Breaker.FailureWindow(),
		MaxBreakers:      cfg.Breaker.MaxBreakers,
	}
	breakers := tools.NewCircuitBreakerRegistry(breakerCfg, logger)

	var cacheOpts []tools.CacheOption
	if cfg.Cache.RedisAddr != "" {
		cacheOpts = append(cacheOpts, tools.WithRemoteCache(tools.NewRedisCache(cfg.Cache.RedisAddr, 0, "dispatchctl")))
	}
	cache := tools.NewCache(cfg.Cache.MaxEntries, logger, cacheOpts...)

	limiter := tools.NewRateLimiter(tools.DefaultRateLimiterConfig(), logger)
	metrics := tools.NewMetricsSink(cfg.Metrics.Retention(), logger)
	scanner := tools.NewDefaultSecurityScanner()

	executor := tools.NewExecutor(registry, breakers, cache, limiter, metrics, scanner, logger, tools.ExecutorConfig{
		BatchConcurrency: cfg.Batch.Concurrency,
	})

	registerBuiltins(registry)

	return &app{cfg: cfg, logger: logger, registry: registry, executor: executor, metrics: metrics, breakers: breakers}
}

func registerBuiltins(registry *tools.Registry) {
	builtins := []*tools.ToolDescriptor{
		tools.NewReadFileDescriptor(nil),
		tools.NewWriteFileDescriptor(nil),
		tools.NewHTTPGetDescriptor(nil, nil),
		tools.NewHTTPPostDescriptor(nil, nil),
	}
	for _, d := range builtins {
		_ = registry.Register(d)
	}
}

func commands() map[string]*command {
	return map[string]*command{
		"dispatch": {"dispatch", "Dispatch a single tool call", "dispatchctl dispatch <tool_id> [args_json] [--subject=ID] [--cache-key=KEY] [--skip-cache] [--skip-rate-limit] [--skip-security]", runDispatch},
		"list":     {"list", "List registered tools", "dispatchctl list", runList},
		"stats":    {"stats", "Show registry statistics", "dispatchctl stats", runStats},
		"report":   {"report", "Show a metrics report", "dispatchctl report [day|week|month]", runReport},
		"manifest": {"manifest", "Register remote tools from a JSON/YAML manifest", "dispatchctl manifest <path>", runManifest},
		"help":     {"help", "Show help information", "dispatchctl help", nil},
	}
}

func showHelp() {
	fmt.Println("dispatchctl is a development CLI for the tool-dispatch runtime.")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  dispatchctl <command> [args...]")
	fmt.Println()
	fmt.Println("Commands:")
	for name, cmd := range commands() {
		fmt.Printf("  %-10s %s\n", name, cmd.description)
	}
}

func runDispatch(ctx context.Context, a *app, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: dispatchctl dispatch <tool_id> [args_json] [--subject=ID] [--cache-key=KEY] [--skip-cache] [--skip-rate-limit] [--skip-security]")
		return ExitUsage
	}
	toolID := args[0]
	argsJSON := "{}"
	rest := args[1:]
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "--") {
		argsJSON = rest[0]
		rest = rest[1:]
	}

	var callArgs map[string]interface{}
	if err := json.Unmarshal([]byte(argsJSON), &callArgs); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid args JSON: %v\n", err)
		return ExitValidationFailed
	}

	if !a.registry.Exists(toolID) {
		fmt.Fprintf(os.Stderr, "error: unknown tool %q\n", toolID)
		return ExitUnknownTool
	}

	var caller tools.CallerContext
	opts := &tools.ExecuteOptions{}
	for _, flag := range rest {
		switch {
		case strings.HasPrefix(flag, "--subject="):
			caller.SubjectID = strings.TrimPrefix(flag, "--subject=")
		case strings.HasPrefix(flag, "--cache-key="):
			opts.CacheKeyOverride = strings.TrimPrefix(flag, "--cache-key=")
		case flag == "--skip-cache":
			opts.SkipCache = true
		case flag == "--skip-rate-limit":
			opts.SkipRateLimit = true
		case flag == "--skip-security":
			opts.SkipSecurity = true
		}
	}

	result, err := a.executor.Execute(ctx, toolID, callArgs, nil, &caller, opts)
	if err != nil {
		return exitForError(err)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	if !result.Success {
		return ExitInternalError
	}
	return ExitSuccess
}

func exitForError(err error) int {
	var toolErr *tools.ToolError
	if te, ok := err.(*tools.ToolError); ok {
		toolErr = te
	}
	if toolErr == nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitInternalError
	}

	fmt.Fprintf(os.Stderr, "error: [%s] %s\n", toolErr.Code, toolErr.Message)
	switch toolErr.Code {
	case tools.CodeToolNotFound:
		return ExitUnknownTool
	case tools.CodeInvalidInput, tools.CodeValidationFailed:
		return ExitValidationFailed
	case tools.CodeSecurityRejected:
		return ExitSecurityRejected
	case tools.CodeCircuitOpen:
		return ExitCircuitOpen
	case tools.CodeRateLimitExceeded:
		return ExitRateLimited
	case tools.CodeTimeout:
		return ExitTimeout
	default:
		return ExitInternalError
	}
}

func runList(ctx context.Context, a *app, args []string) int {
	for _, desc := range a.registry.All() {
		fmt.Printf("%-20s %-12s %s\n", desc.ID, desc.Category, desc.Description)
	}
	return ExitSuccess
}

func runStats(ctx context.Context, a *app, args []string) int {
	stats := a.registry.Stats()
	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(out))
	return ExitSuccess
}

func runReport(ctx context.Context, a *app, args []string) int {
	period := tools.PeriodDay
	if len(args) > 0 {
		period = tools.MetricsPeriod(args[0])
	}
	report := a.metrics.Report(period)
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	return ExitSuccess
}

func runManifest(ctx context.Context, a *app, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: dispatchctl manifest <path>")
		return ExitUsage
	}
	f, err := os.Open(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: opening manifest: %v\n", err)
		return ExitInternalError
	}
	defer f.Close()

	count, err := a.registry.LoadManifest(ctx, f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading manifest: %v\n", err)
		return ExitValidationFailed
	}

	fmt.Printf("registered %d tools from %s\n", count, args[0])
	return ExitSuccess
}
