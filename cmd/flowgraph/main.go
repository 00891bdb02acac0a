// =============================================================================
// FlowGraph 主入口
// =============================================================================
// 命令行入口点，运行和校验节点图工作流
//
// 使用方法:
//
//	flowgraph run -workflow flow.json -input '{"message": "Hello!"}'
//	flowgraph run -workflow flow.yaml -config config.yaml -thread t-42
//	flowgraph validate -workflow flow.json   # 仅解析和校验
//	flowgraph version                        # 显示版本信息
// =============================================================================
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/config"
	"github.com/BaSui01/flowgraph/internal/metrics"
	"github.com/BaSui01/flowgraph/llm"
	"github.com/BaSui01/flowgraph/memory"
	"github.com/BaSui01/flowgraph/store"
	"github.com/BaSui01/flowgraph/tools"
	"github.com/BaSui01/flowgraph/workflow"
	"github.com/BaSui01/flowgraph/workflow/nodes"
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
	case "run":
		runRun(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`FlowGraph - node-graph workflow engine

Usage:
  flowgraph run -workflow <file> [flags]   Run a workflow definition
  flowgraph validate -workflow <file>      Parse and validate a definition
  flowgraph version                        Show version information

Run flags:
  -workflow string   Workflow definition file (JSON or YAML)
  -config string     Config file path
  -input string      Input data as JSON (default {})
  -start string      Start node id (default: the single entry node)
  -thread string     Conversation thread id (default: random)`)
}

func printVersion() {
	fmt.Printf("FlowGraph %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
}

// =============================================================================
// ▶️ run 子命令
// =============================================================================

func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	workflowPath := fs.String("workflow", "", "workflow definition file")
	configPath := fs.String("config", "", "config file path")
	inputJSON := fs.String("input", "{}", "input data as JSON")
	startNodeID := fs.String("start", "", "start node id")
	threadID := fs.String("thread", "", "conversation thread id")
	fs.Parse(args)

	if *workflowPath == "" {
		fmt.Fprintln(os.Stderr, "run: -workflow is required")
		os.Exit(1)
	}

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var inputData map[string]any
	if err := json.Unmarshal([]byte(*inputJSON), &inputData); err != nil {
		fmt.Fprintf(os.Stderr, "parse -input: %v\n", err)
		os.Exit(1)
	}
	if *threadID == "" {
		*threadID = uuid.NewString()
	}

	ctx := context.Background()
	if cfg.Engine.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Engine.RunTimeout)
		defer cancel()
	}

	src, workflowID, err := buildSource(ctx, cfg, *workflowPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load workflow: %v\n", err)
		os.Exit(1)
	}

	engine := buildEngine(cfg, src, logger)
	state, err := engine.ExecuteFromNodeParallel(ctx, workflowID, *startNodeID, inputData, *threadID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}

	printResult(state)
	if len(state.NodeFailures()) > 0 {
		os.Exit(2)
	}
}

// buildSource loads the definition file into the configured store and returns
// the workflow id to execute.
func buildSource(ctx context.Context, cfg *config.Config, path string, logger *zap.Logger) (workflow.Source, string, error) {
	definition, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	workflowID := uuid.NewString()

	switch cfg.Store.Driver {
	case "sqlite":
		s, err := store.OpenSQLite(cfg.Store.Path, logger)
		if err != nil {
			return nil, "", err
		}
		if err := s.SaveWorkflow(ctx, workflowID, path, definition); err != nil {
			return nil, "", err
		}
		return s, workflowID, nil
	default:
		s := store.NewInMemory()
		if err := s.SaveWorkflow(ctx, workflowID, path, definition); err != nil {
			return nil, "", err
		}
		return s, workflowID, nil
	}
}

func buildEngine(cfg *config.Config, src workflow.Source, logger *zap.Logger) *workflow.ParallelEngine {
	deps := nodes.Deps{
		LLM:  &llm.Echo{},
		HTTP: tools.NewHTTPInvoker(tools.HTTPInvokerConfig{}, logger),
	}

	opts := []workflow.Option{workflow.WithLogger(logger)}
	if cfg.Metrics.Enabled {
		opts = append(opts, workflow.WithMetrics(metrics.NewCollector(cfg.Metrics.Namespace, logger)))
	}
	if cfg.Redis.Enabled {
		opts = append(opts, workflow.WithMemoryFactory(redisMemoryFactory(cfg, logger)))
	}

	return workflow.NewParallelEngine(src, nodes.DefaultRegistry(deps), opts,
		workflow.WithMaxConcurrency(cfg.Engine.MaxConcurrency))
}

// redisMemoryFactory connects each thread to Redis-backed conversation
// memory, falling back to process-local memory when Redis is unreachable.
func redisMemoryFactory(cfg *config.Config, logger *zap.Logger) workflow.MemoryFactory {
	return func(threadID string) memory.ConversationMemory {
		mem, err := memory.NewRedisMemory(memory.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}, threadID)
		if err != nil {
			logger.Warn("redis unavailable, using in-process memory",
				zap.String("thread_id", threadID), zap.Error(err))
			return memory.NewInMemory(nil)
		}
		return mem
	}
}

func printResult(state *workflow.State) {
	result := map[string]any{
		"status":  state.Status(),
		"outputs": state.NodeOutputs(),
	}
	if failures := state.NodeFailures(); len(failures) > 0 {
		msgs := make(map[string]string, len(failures))
		for id, err := range failures {
			msgs[id] = err.Error()
		}
		result["failures"] = msgs
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

// =============================================================================
// ✅ validate 子命令
// =============================================================================

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	workflowPath := fs.String("workflow", "", "workflow definition file")
	fs.Parse(args)

	if *workflowPath == "" {
		fmt.Fprintln(os.Stderr, "validate: -workflow is required")
		os.Exit(1)
	}

	data, err := os.ReadFile(*workflowPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read workflow: %v\n", err)
		os.Exit(1)
	}
	wf, err := workflow.ParseDefinition(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid workflow: %v\n", err)
		os.Exit(1)
	}

	starts := wf.StartNodes()
	fmt.Printf("ok: %d nodes, %d edges, %d start node(s)\n", len(wf.Nodes), len(wf.Edges), len(starts))
}
