// aca - autonomous coding agent runtime: schedules a task graph, dispatches
// tasks to an LLM CLI, and persists resumable session state.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/agentrt/aca/pkg/api"
	"github.com/agentrt/aca/pkg/audit"
	"github.com/agentrt/aca/pkg/config"
	"github.com/agentrt/aca/pkg/container"
	"github.com/agentrt/aca/pkg/database"
	"github.com/agentrt/aca/pkg/llm"
	"github.com/agentrt/aca/pkg/masking"
	"github.com/agentrt/aca/pkg/session"
	"github.com/agentrt/aca/pkg/task"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// planTask is one entry of the operator-supplied execution plan. The plan
// file is deliberately plain JSON; richer task-list ingestion (markdown
// parsing) lives outside this binary.
type planTask struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Priority     int      `json:"priority"`
	DependsOn    []int    `json:"depends_on"` // indices into the plan
	Tags         []string `json:"tags"`
}

type plan struct {
	Tasks []planTask `json:"tasks"`
}

func loadPlan(path string) (plan, error) {
	var p plan
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	data = config.ExpandEnv(data)
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse plan %s: %w", path, err)
	}
	return p, nil
}

func seedTasks(mgr *session.Manager, p plan) error {
	ids := make([]string, len(p.Tasks))
	for i, pt := range p.Tasks {
		deps := make([]string, 0, len(pt.DependsOn))
		for _, dep := range pt.DependsOn {
			if dep < 0 || dep >= i {
				return fmt.Errorf("plan task %d: depends_on index %d out of range", i, dep)
			}
			deps = append(deps, ids[dep])
		}
		priority := task.Priority(pt.Priority)
		if pt.Priority == 0 {
			priority = task.PriorityNormal
		}
		id, err := mgr.Tasks().CreateFromSpec(task.Spec{
			Title:        pt.Title,
			Description:  pt.Description,
			Priority:     priority,
			Dependencies: deps,
			Metadata:     task.Metadata{Tags: pt.Tags},
		}, nil)
		if err != nil {
			return fmt.Errorf("plan task %d: %w", i, err)
		}
		ids[i] = id
	}
	return nil
}

func main() {
	workspace := flag.String("workspace", getEnv("ACA_WORKSPACE", "."), "Workspace root the session persists under")
	planPath := flag.String("plan", getEnv("ACA_PLAN", ""), "JSON execution plan to seed the task tree with")
	httpAddr := flag.String("http", getEnv("ACA_HTTP_ADDR", ":8080"), "Admin API listen address (empty disables)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file loaded, continuing with existing environment", "error", err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(log)

	gin.SetMode(getEnv("GIN_MODE", gin.ReleaseMode))

	if err := run(*workspace, *planPath, *httpAddr, log); err != nil {
		log.Error("aca exited with error", "error", err)
		os.Exit(1)
	}
}

func run(workspace, planPath, httpAddr string, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionCfg := config.DefaultSessionConfig()
	tasksCfg := config.DefaultTaskManagerConfig()
	recoveryCfg := config.DefaultRecoveryConfig()
	for name, cfg := range map[string]any{
		"session": sessionCfg, "tasks": tasksCfg, "recovery": recoveryCfg,
	} {
		if err := config.Validate(name, cfg); err != nil {
			return err
		}
	}

	mgr, err := session.New(workspace, sessionCfg, tasksCfg, recoveryCfg,
		config.DefaultSchedulerWeights(), session.RestoreOption{}, log)
	if err != nil {
		return fmt.Errorf("construct session: %w", err)
	}
	log.Info("session created", "session_id", mgr.ID(), "workspace", workspace)

	// Optional audit mirror: enabled when database credentials are present.
	var auditStore *audit.Store
	if os.Getenv("ACA_DB_PASSWORD") != "" {
		dbCfg, err := database.LoadConfigFromEnv()
		if err != nil {
			return fmt.Errorf("load database config: %w", err)
		}
		dbClient, err := database.NewClient(ctx, dbCfg)
		if err != nil {
			return fmt.Errorf("connect audit database: %w", err)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				log.Warn("closing audit database", "error", err)
			}
		}()
		auditStore = audit.NewStore(dbClient, log)
		mgr.Tasks().OnEvent(auditStore.TaskEventHandler(mgr.ID()))
		log.Info("audit store connected", "host", dbCfg.Host, "database", dbCfg.Database)
	}

	// Optional sandbox: tasks execute inside a per-session container when an
	// image is configured.
	if image := os.Getenv("ACA_SANDBOX_IMAGE"); image != "" {
		docker, err := container.NewClient()
		if err != nil {
			return fmt.Errorf("docker client: %w", err)
		}
		containerCfg := config.ContainerConfig{
			Image:         image,
			WorkspacePath: workspace,
			ACAPath:       workspace + "/.aca",
			AutoRemove:    getEnv("ACA_SANDBOX_AUTO_REMOVE", "true") == "true",
		}
		if err := config.Validate("container", containerCfg); err != nil {
			return err
		}
		mgr.SetContainerLifecycle(container.NewManager(docker, mgr.ID(), containerCfg, log))
	}

	// Provider dispatcher: the LLM CLI is an opaque child process.
	providerName := getEnv("ACA_PROVIDER", "claude")
	spec := llm.CLISpec{
		Provider:       providerName,
		Program:        getEnv("ACA_PROVIDER_CLI", providerName),
		BaseArgs:       []string{"--output-format", "stream-json"},
		ModelFlag:      "--model",
		Model:          os.Getenv("ACA_PROVIDER_MODEL"),
		PromptViaStdin: true,
	}
	logCfg := config.DefaultLoggingConfig()
	dispatcher := llm.NewDispatcher(spec,
		llm.New(config.DefaultRateLimitConfig()),
		llm.NewCircuitBreaker(config.DefaultErrorRecoveryConfig()),
		llm.DispatcherLogConfig{
			Enabled:         logCfg.Enabled,
			TrackToolUses:   logCfg.TrackToolUses,
			TrackCommands:   logCfg.TrackCommands,
			MaxPreviewChars: logCfg.MaxPreviewChars,
		}, log)
	masker := masking.NewService(masking.DefaultConfig(), os.Environ(), log)
	dispatcher.SetRedactor(masker.MaskData)
	mgr.RegisterDispatcher(providerName, dispatcher)

	if planPath != "" {
		p, err := loadPlan(planPath)
		if err != nil {
			return err
		}
		if err := seedTasks(mgr, p); err != nil {
			return err
		}
		log.Info("execution plan seeded", "tasks", len(p.Tasks))
	}

	mgr.Start(ctx)

	driver := session.NewDriver(mgr, llm.NewContextManager(config.DefaultContextConfig()), providerName, log)
	if auditStore != nil {
		driver.SetRecorder(auditStore)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		driver.Run(gctx, func(t *task.Task) string {
			return fmt.Sprintf("%s\n\n%s", t.Title, t.Description)
		})
		return nil
	})

	if httpAddr != "" {
		server := &http.Server{
			Addr:              httpAddr,
			Handler:           api.NewServer(mgr).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("admin API listening", "addr", httpAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if shutdownErr := mgr.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error("session shutdown incomplete", "error", shutdownErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
