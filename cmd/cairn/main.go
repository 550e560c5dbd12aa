// =============================================================================
// cairn 主入口
// =============================================================================
// Thin CLI adapter over the Orchestrator command ABI.
//
// 使用方法:
//
//	cairn up                          # 启动 orchestrator + dispatcher，阻塞直到信号
//	cairn queue "refactor parser"      # 以 NORMAL 优先级提交任务
//	cairn spawn "hotfix crash"         # 以 HIGH 优先级提交任务
//	cairn list-agents                 # 列出所有 agent 及其状态
//	cairn status <agent_id>           # 查看单个 agent 状态
//	cairn accept <agent_id>           # 接受处于 REVIEWING 的 agent
//	cairn reject <agent_id>           # 拒绝一个 agent
//	cairn version                     # 显示版本信息
//
// Every invocation other than `up` is a short-lived, single-command
// process: it builds its own Orchestrator bound to --project-root/
// --cairn-home, submits exactly one Command, prints the result, and exits.
// The command ABI is local/in-process, not
// a network RPC, so `queue`/`status`/`accept`/`reject` only observe state
// from the same cairn_home a concurrently-running `up` is writing the
// status snapshot to; they do not share the in-memory active-agents map or
// lifecycle store of a separate `up` process.
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/cairn/config"
	"github.com/BaSui01/cairn/metrics"
	"github.com/BaSui01/cairn/orchestrator"
	"github.com/BaSui01/cairn/provider"
	"github.com/BaSui01/cairn/taskqueue"
)

// =============================================================================
// 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// globalFlags are accepted by every subcommand except version/help.
type globalFlags struct {
	configPath          string
	projectRoot         string
	cairnHome           string
	maxConcurrentAgents int
	maxQueueSize        int
	maxExecutionTime    time.Duration
	maxMemoryBytes      int64
	codeProvider        string
}

func parseGlobalFlags(fs *flag.FlagSet) *globalFlags {
	g := &globalFlags{}
	fs.StringVar(&g.configPath, "config", "", "Path to config file (YAML)")
	fs.StringVar(&g.projectRoot, "project-root", "", "Project root directory")
	fs.StringVar(&g.cairnHome, "cairn-home", "", "Cairn home directory (previews, state)")
	fs.IntVar(&g.maxConcurrentAgents, "max-concurrent-agents", 0, "Max simultaneously-running agents")
	fs.IntVar(&g.maxQueueSize, "max-queue-size", 0, "Max queued tasks before ResourceLimit")
	fs.DurationVar(&g.maxExecutionTime, "max-execution-time", 0, "Wall-clock cap on one agent's script run")
	fs.Int64Var(&g.maxMemoryBytes, "max-memory-bytes", 0, "Advisory memory ceiling per agent run")
	fs.StringVar(&g.codeProvider, "code-provider", "", "CodeProvider implementation name")
	return g
}

func (g *globalFlags) loadConfig() (config.Config, error) {
	loader := config.NewLoader()
	if g.configPath != "" {
		loader = loader.WithConfigPath(g.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return config.Config{}, err
	}
	if g.projectRoot != "" {
		cfg.Paths.ProjectRoot = g.projectRoot
	}
	if g.cairnHome != "" {
		cfg.Paths.CairnHome = g.cairnHome
	}
	if g.maxConcurrentAgents > 0 {
		cfg.Concurrency.MaxConcurrentAgents = g.maxConcurrentAgents
	}
	if g.maxQueueSize > 0 {
		cfg.Concurrency.MaxQueueSize = g.maxQueueSize
	}
	if g.maxExecutionTime > 0 {
		cfg.Limits.MaxExecutionTime = g.maxExecutionTime
	}
	if g.maxMemoryBytes > 0 {
		cfg.Limits.MaxMemoryBytes = g.maxMemoryBytes
	}
	if g.codeProvider != "" {
		cfg.CodeProvider.Name = g.codeProvider
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return *cfg, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "up":
		runUp(os.Args[2:])
	case "queue":
		runSubmit(os.Args[2:], "queue", taskqueue.Normal)
	case "spawn":
		runSubmit(os.Args[2:], "spawn", taskqueue.High)
	case "list-agents":
		runListAgents(os.Args[2:])
	case "status":
		runAgentIDCommand(os.Args[2:], "status", orchestrator.CmdStatus)
	case "accept":
		runAgentIDCommand(os.Args[2:], "accept", orchestrator.CmdAccept)
	case "reject":
		runAgentIDCommand(os.Args[2:], "reject", orchestrator.CmdReject)
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// collaborator + orchestrator construction
// =============================================================================

func buildOrchestrator(cfg config.Config, logger *zap.Logger) (*orchestrator.Orchestrator, error) {
	var (
		cp   orchestrator.CodeProvider
		host orchestrator.ScriptHost
	)
	switch cfg.CodeProvider.Name {
	case "", "stub":
		cp = provider.New()
		host = provider.NewScriptHost()
	default:
		return nil, fmt.Errorf("unknown code_provider %q: only \"stub\" is built into this binary; "+
			"a real LLM-backed CodeProvider must be supplied by the embedding application", cfg.CodeProvider.Name)
	}

	o, err := orchestrator.New(cfg, cp, host, logger)
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	return o, nil
}

// =============================================================================
// up — long-running dispatcher
// =============================================================================

func runUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	metricsAddr := fs.String("metrics-addr", "", "Address to serve /metrics and /healthz on (empty disables)")
	g := parseGlobalFlags(fs)
	_ = fs.Parse(args)

	cfg, err := g.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, logLevel := initLogger(cfg.Log)
	defer logger.Sync()
	logger.Info("starting cairn",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	o, err := buildOrchestrator(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build orchestrator", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)
	o.SetMetrics(collector)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := o.Recover(ctx); err != nil {
		logger.Error("recovery scan failed", zap.Error(err))
	}
	o.Start(ctx)

	// 配置热重载：监听 --config 文件，变更经 HotReloadManager 校验后应用。
	// 目前运行期间真正生效的是 log.level（通过 AtomicLevel 调整）；其余
	// 可热重载字段的变更会被记录到变更日志，便于诊断。
	if g.configPath != "" {
		reloadCfg := cfg
		hotReload := config.NewHotReloadManager(&reloadCfg,
			config.WithConfigPath(g.configPath),
			config.WithHotReloadLogger(logger),
		)
		hotReload.OnReload(func(oldCfg, newCfg *config.Config) {
			if oldCfg.Log.Level != newCfg.Log.Level {
				logLevel.SetLevel(parseLogLevel(newCfg.Log.Level))
				logger.Info("log level updated from config file",
					zap.String("old", oldCfg.Log.Level),
					zap.String("new", newCfg.Log.Level))
			}
		})
		if err := hotReload.Start(ctx); err != nil {
			logger.Warn("config hot reload unavailable", zap.Error(err))
		} else {
			defer hotReload.Stop()
		}
	}

	stopSampling := startMetricsSampling(ctx, collector, o)
	defer stopSampling()

	var metricsSrv *http.Server
	if *metricsAddr != "" {
		metricsSrv = startMetricsServer(*metricsAddr, reg, logger)
	}

	logger.Info("cairn is running; press Ctrl+C to stop")
	<-ctx.Done()
	logger.Info("shutdown signal received")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	grace := cfg.Server.ShutdownTimeout
	if grace <= 0 {
		grace = 30 * time.Second
	}
	o.Shutdown(grace)
	logger.Info("cairn stopped")
}

func startMetricsSampling(ctx context.Context, c *metrics.Collector, o *orchestrator.Orchestrator) func() {
	ticker := time.NewTicker(time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sample(o)
			}
		}
	}()
	return func() {
		ticker.Stop()
		<-done
	}
}

// startMetricsServer exposes /metrics (Prometheus) and a liveness probe
// behind the shared middleware chain.
func startMetricsServer(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	handler := Chain(mux, Recovery(logger), RequestLogger(logger), SecurityHeaders(), RequestID())

	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("metrics server listening", zap.String("addr", addr))
	return srv
}

// =============================================================================
// queue / spawn
// =============================================================================

func runSubmit(args []string, name string, priority taskqueue.Priority) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	g := parseGlobalFlags(fs)
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: cairn %s <task description> [flags]\n", name)
		os.Exit(1)
	}
	task := fs.Arg(0)

	cfg, err := g.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	logger, _ := initLogger(cfg.Log)
	defer logger.Sync()

	o, err := buildOrchestrator(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	result, err := o.SubmitCommand(context.Background(), orchestrator.Command{
		Kind: orchestrator.CmdQueue, Task: task, Priority: priority,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(result.AgentID)
}

// =============================================================================
// list-agents
// =============================================================================

func runListAgents(args []string) {
	fs := flag.NewFlagSet("list-agents", flag.ExitOnError)
	g := parseGlobalFlags(fs)
	_ = fs.Parse(args)

	cfg, err := g.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	logger, _ := initLogger(cfg.Log)
	defer logger.Sync()

	o, err := buildOrchestrator(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := o.Recover(context.Background()); err != nil {
		logger.Warn("recovery scan failed", zap.Error(err))
	}

	result, err := o.SubmitCommand(context.Background(), orchestrator.Command{Kind: orchestrator.CmdListAgents})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	printJSON(result.Agents)
}

// =============================================================================
// status / accept / reject
// =============================================================================

func runAgentIDCommand(args []string, name string, kind orchestrator.CommandKind) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	g := parseGlobalFlags(fs)
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: cairn %s <agent_id> [flags]\n", name)
		os.Exit(1)
	}
	agentID := fs.Arg(0)

	cfg, err := g.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	logger, _ := initLogger(cfg.Log)
	defer logger.Sync()

	o, err := buildOrchestrator(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := o.Recover(context.Background()); err != nil {
		logger.Warn("recovery scan failed", zap.Error(err))
	}

	result, err := o.SubmitCommand(context.Background(), orchestrator.Command{Kind: kind, AgentID: agentID})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if result.Status != nil {
		printJSON(result.Status)
	} else {
		fmt.Println("ok")
	}
}

func printJSON(v any) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal result: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}

// =============================================================================
// version / help
// =============================================================================

func printVersion() {
	fmt.Printf("cairn %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`cairn - Agent Orchestration Core CLI

Usage:
  cairn <command> [arguments] [flags]

Commands:
  up                    Start the orchestrator and dispatcher; blocks until signal
  queue <task>          Submit a task at NORMAL priority
  spawn <task>          Submit a task at HIGH priority
  list-agents           List every known agent and its state
  status <agent_id>     Show one agent's status
  accept <agent_id>     Accept an agent awaiting review
  reject <agent_id>     Reject an agent
  version               Show version information
  help                  Show this help message

Global flags (all commands but version/help):
  --config <path>               Path to a YAML config file
  --project-root <path>         Project root directory
  --cairn-home <path>           Cairn home directory (previews, state)
  --max-concurrent-agents <n>   Max simultaneously-running agents
  --max-queue-size <n>          Max queued tasks before ResourceLimit
  --max-execution-time <dur>    Wall-clock cap on one agent's script run
  --max-memory-bytes <n>        Advisory memory ceiling per agent run
  --code-provider <name>        CodeProvider implementation name ("stub")

'up'-only flags:
  --metrics-addr <host:port>   Serve /metrics and /healthz on this address

Examples:
  cairn up --project-root . --cairn-home .cairn --metrics-addr :9090
  cairn queue "add retry logic to the HTTP client"
  cairn spawn "fix panic in the parser"
  cairn status agent-1a2b3c4d
  cairn accept agent-1a2b3c4d`)
}

// =============================================================================
// logging
// =============================================================================

func parseLogLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// initLogger builds the process logger. The returned AtomicLevel stays
// adjustable at runtime, which is how the hot-reload path applies a changed
// log.level without rebuilding the logger.
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(parseLogLevel(cfg.Level))

	var encoderConfig zapcore.EncoderConfig
	encoding := cfg.Format
	if encoding == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoding = "json"
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            level,
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger, level
}
