package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/thinkflow"
	"github.com/BaSui01/thinkflow/config"
	"github.com/BaSui01/thinkflow/telemetry"
	"github.com/BaSui01/thinkflow/types"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "solve":
		runSolve(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
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

func runSolve(args []string) {
	fs := flag.NewFlagSet("solve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	model := fs.String("model", "", "Logical model id from the config")
	knowledge := fs.String("knowledge", "", "Extra context appended to the system prompt")
	maxIterations := fs.Int("max-iterations", 0, "Override the model's iteration budget")
	verifications := fs.Int("verifications", 0, "Override the required consecutive passes")
	numAgents := fs.Int("agents", 0, "Override the ultrathink agent count")
	timeout := fs.Duration("timeout", 0, "Abort the run after this long (0 = no limit)")
	fs.Parse(args)

	if *model == "" {
		fatalf("solve: --model is required")
	}
	problem := readProblem(fs)

	cfg, logger, otelProviders := bootstrap(*configPath)
	defer logger.Sync()
	defer shutdownTelemetry(otelProviders, logger)

	core, err := thinkflow.New(cfg, thinkflow.WithLogger(logger))
	if err != nil {
		fatalf("solve: %v", err)
	}
	defer core.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	ov := &thinkflow.Overrides{Knowledge: *knowledge}
	if *maxIterations > 0 {
		ov.MaxIterations = types.IntPtr(*maxIterations)
	}
	if *verifications > 0 {
		ov.RequiredVerifications = types.IntPtr(*verifications)
	}
	if *numAgents > 0 {
		ov.NumAgents = types.IntPtr(*numAgents)
	}

	// The model's configured level picks the engine.
	mcfg, ok := cfg.Model(*model)
	if !ok {
		fatalf("solve: unknown model id %q", *model)
	}

	var out any
	if mcfg.Level == config.LevelUltraThink {
		out, err = core.RunUltraThink(ctx, *model, problem, ov)
	} else {
		out, err = core.RunDeepThink(ctx, *model, problem, ov)
	}
	if err != nil {
		fatalf("solve: %v", err)
	}
	printJSON(out)
}

func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	model := fs.String("model", "", "Logical model id from the config")
	system := fs.String("system", "", "Optional system prompt")
	fs.Parse(args)

	if *model == "" {
		fatalf("chat: --model is required")
	}
	prompt := readProblem(fs)

	cfg, logger, otelProviders := bootstrap(*configPath)
	defer logger.Sync()
	defer shutdownTelemetry(otelProviders, logger)

	core, err := thinkflow.New(cfg, thinkflow.WithLogger(logger))
	if err != nil {
		fatalf("chat: %v", err)
	}
	defer core.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messages := make([]types.Message, 0, 2)
	if *system != "" {
		messages = append(messages, types.SystemMessage(*system))
	}
	messages = append(messages, types.UserMessage(prompt))

	out, err := core.ChatCompletion(ctx, *model, messages, types.CallParams{})
	if err != nil {
		fatalf("chat: %v", err)
	}
	printJSON(out)
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	_, err := config.Load(*configPath)
	if err == nil {
		fmt.Println("OK")
		return
	}

	var verr *config.ValidationError
	if errors.As(err, &verr) {
		fmt.Fprintln(os.Stderr, "Config is invalid:")
		for _, issue := range verr.Issues {
			fmt.Fprintf(os.Stderr, "  - %s\n", issue)
		}
		os.Exit(1)
	}
	fatalf("validate: %v", err)
}

// bootstrap loads the config and wires logging and telemetry. A telemetry
// failure degrades to local-only observability rather than refusing to run.
func bootstrap(configPath string) (*config.Config, *zap.Logger, *telemetry.Providers) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("failed to load config: %v", err)
	}

	logger := config.NewLogger(cfg.Log)
	logger.Info("starting thinkflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	return cfg, logger, otelProviders
}

func shutdownTelemetry(p *telemetry.Providers, logger *zap.Logger) {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
}

// readProblem returns the positional argument, reading stdin when it is "-".
func readProblem(fs *flag.FlagSet) string {
	if fs.NArg() != 1 {
		fatalf("expected exactly one problem argument (use \"-\" to read stdin)")
	}
	arg := fs.Arg(0)
	if arg != "-" {
		return arg
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		fatalf("failed to read stdin: %v", err)
	}
	return string(data)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("failed to encode result: %v", err)
	}
	fmt.Println(string(data))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printVersion() {
	fmt.Printf("thinkflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`thinkflow - reasoning engine CLI

Usage:
  thinkflow <command> [options] <problem>

Commands:
  solve     Run a problem through a configured reasoning model
  chat      One-shot chat completion through a configured model
  validate  Check a configuration file
  version   Show version information
  help      Show this help message

Options for 'solve':
  --config <path>       Path to configuration file (YAML)
  --model <id>          Logical model id (required)
  --knowledge <text>    Extra context for the solver
  --max-iterations <n>  Override the iteration budget
  --verifications <n>   Override the required consecutive passes
  --agents <n>          Override the ultrathink agent count
  --timeout <dur>       Abort the run after this long

Options for 'chat':
  --config <path>       Path to configuration file (YAML)
  --model <id>          Logical model id (required)
  --system <text>       Optional system prompt

Examples:
  thinkflow solve --config thinkflow.yaml --model prover "Prove that ..."
  echo "Prove that ..." | thinkflow solve --config thinkflow.yaml --model prover -
  thinkflow chat --config thinkflow.yaml --model prover "Hello"
  thinkflow validate --config thinkflow.yaml
  thinkflow version`)
}
