// =============================================================================
// docforge 主入口
// =============================================================================
// 多提供商 LLM 路由器命令行，包含生成、文档精炼、用量统计
//
// 使用方法:
//
//	docforge generate "prompt"                  # 单次生成
//	docforge generate --stream "prompt"         # 流式生成
//	docforge generate --synthesize "prompt"     # 多提供商合成
//	docforge refine document.md                 # 熵驱动文档精炼
//	docforge stats                              # 用量与预算统计
//	docforge version                            # 显示版本信息
// =============================================================================
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/docforge-ai/docforge/config"
	"github.com/docforge-ai/docforge/llm"
	"github.com/docforge-ai/docforge/miair"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "generate":
		runGenerate(os.Args[2:])
	case "refine":
		runRefine(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
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

// setup 加载配置、初始化日志并装配门面.
func setup(configPath string) (*config.Config, *zap.Logger) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.WithValidator(func(c *config.Config) error {
		return c.Validate()
	}).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	return cfg, logger
}

// signalContext 返回收到 SIGINT/SIGTERM 时取消的 context.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// =============================================================================
// ✍️ generate 命令
// =============================================================================

func runGenerate(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	model := fs.String("model", "", "Model override")
	provider := fs.String("provider", "", "Preferred provider name")
	system := fs.String("system", "", "System prompt")
	maxTokens := fs.Int("max-tokens", 0, "Max completion tokens")
	temperature := fs.Float64("temperature", 0.7, "Sampling temperature")
	stream := fs.Bool("stream", false, "Stream the response")
	synthesize := fs.Bool("synthesize", false, "Consult multiple providers and pick the best answer")
	timeout := fs.Duration("timeout", 2*time.Minute, "Overall timeout")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: docforge generate [options] <prompt>")
		os.Exit(1)
	}
	prompt := fs.Arg(0)

	cfg, logger := setup(*configPath)
	defer logger.Sync()

	a, err := buildAdapter(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build adapter", zap.Error(err))
	}
	defer a.Close()

	var messages []llm.Message
	if *system != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: *system})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	req := llm.NewRequest(*model, messages)
	req.Temperature = *temperature
	if *maxTokens > 0 {
		req.MaxTokens = *maxTokens
	}
	if *provider != "" {
		req.Metadata = map[string]string{"provider": *provider}
	}

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	switch {
	case *stream:
		generateStream(ctx, a, req)
	case *synthesize || cfg.Synthesis.Enabled:
		resp, err := a.Synthesize(ctx, req)
		if err != nil {
			logger.Fatal("Synthesis failed", zap.Error(err))
		}
		printResponse(resp)
	default:
		resp, err := a.Generate(ctx, req)
		if err != nil {
			logger.Fatal("Generation failed", zap.Error(err))
		}
		printResponse(resp)
	}
}

type generator interface {
	GenerateStream(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error)
}

func generateStream(ctx context.Context, a generator, req *llm.Request) {
	chunks, err := a.GenerateStream(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Stream failed: %v\n", err)
		os.Exit(1)
	}
	for chunk := range chunks {
		if chunk.Err != nil {
			fmt.Fprintf(os.Stderr, "\nStream error: %v\n", chunk.Err)
			os.Exit(1)
		}
		fmt.Print(chunk.Content)
	}
	fmt.Println()
}

func printResponse(resp *llm.Response) {
	fmt.Println(resp.Content)
	fmt.Fprintf(os.Stderr, "\n[%s/%s] %d tokens, $%.6f%s\n",
		resp.Provider, resp.Model,
		resp.Usage.TotalTokens, resp.Usage.TotalCost,
		cachedSuffix(resp.Cached),
	)
}

func cachedSuffix(cached bool) string {
	if cached {
		return " (cached)"
	}
	return ""
}

// =============================================================================
// 📄 refine 命令
// =============================================================================

func runRefine(args []string) {
	fs := flag.NewFlagSet("refine", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	model := fs.String("model", "", "Model override")
	iterations := fs.Int("iterations", 5, "Max refinement iterations")
	epsilon := fs.Float64("epsilon", 0.01, "Convergence threshold on quality gain")
	output := fs.String("output", "", "Write refined document to file (default stdout)")
	timeout := fs.Duration("timeout", 10*time.Minute, "Overall timeout")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: docforge refine [options] <document-file>")
		os.Exit(1)
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read document: %v\n", err)
		os.Exit(1)
	}

	cfg, logger := setup(*configPath)
	defer logger.Sync()

	a, err := buildAdapter(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build adapter", zap.Error(err))
	}
	defer a.Close()

	engine := miair.NewEngine(a, miair.Config{
		Model:         *model,
		MaxIterations: *iterations,
		Epsilon:       *epsilon,
	}, logger.Named("miair"))

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	result, err := engine.Refine(ctx, string(data))
	if err != nil {
		logger.Fatal("Refinement failed", zap.Error(err))
	}

	if *output != "" {
		if err := os.WriteFile(*output, []byte(result.Document), 0644); err != nil {
			logger.Fatal("Failed to write output", zap.Error(err))
		}
	} else {
		fmt.Println(result.Document)
	}

	fmt.Fprintf(os.Stderr, "quality %.3f → %.3f in %d iteration(s), $%.6f%s\n",
		result.Initial.Quality, result.Final.Quality,
		len(result.Iterations), result.TotalCost,
		convergedSuffix(result.Converged),
	)
}

func convergedSuffix(converged bool) string {
	if converged {
		return " (converged)"
	}
	return ""
}

// =============================================================================
// 📊 stats 命令
// =============================================================================

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	days := fs.Int("days", 7, "Per-provider spend lookback window in days")
	fs.Parse(args)

	cfg, logger := setup(*configPath)
	defer logger.Sync()

	a, err := buildAdapter(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build adapter", zap.Error(err))
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := a.UsageStats(ctx, *days)
	if err != nil {
		logger.Fatal("Failed to collect stats", zap.Error(err))
	}

	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		logger.Fatal("Failed to encode stats", zap.Error(err))
	}
	fmt.Println(string(out))
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("docforge %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`docforge - multi-provider LLM router with fallback, caching and budget control

Usage:
  docforge <command> [options]

Commands:
  generate  Generate a completion through the provider chain
  refine    Iteratively refine a document with entropy scoring
  stats     Show budget, provider health and spend statistics
  version   Show version information
  help      Show this help message

Options for 'generate':
  --config <path>     Path to configuration file (YAML)
  --model <name>      Model override
  --provider <name>   Preferred provider name
  --system <prompt>   System prompt
  --max-tokens <n>    Max completion tokens
  --temperature <t>   Sampling temperature
  --stream            Stream the response
  --synthesize        Consult multiple providers and pick the best answer

Options for 'refine':
  --iterations <n>    Max refinement iterations
  --epsilon <e>       Convergence threshold
  --output <path>     Write the refined document to a file

Examples:
  docforge generate "Summarize the attached design"
  docforge generate --stream --model gpt-4o "Explain circuit breakers"
  docforge refine README.md --output README.refined.md
  docforge stats --days 30`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level)
	return zap.New(core, zap.AddCaller())
}
