package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"deepresearch/internal/config"
	"deepresearch/internal/llm"
	"deepresearch/internal/logging"
	"deepresearch/internal/research"
	"deepresearch/internal/research/aggregate"
	"deepresearch/internal/search"
	"deepresearch/internal/server"
	"deepresearch/internal/session"
	"deepresearch/internal/task"
)

const version = "0.2.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "deepresearch-server",
		Short:   "Deep research orchestration service",
		Long:    "HTTP service that runs phased deep-research pipelines: clarifying questions, report planning, web search execution, and final report generation, with live progress over WebSocket.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is fine; explicit config errors are not.
			_ = godotenv.Load()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (optional)")
	return cmd
}

func run(cfg *config.Config) error {
	logger := logging.NewComponentLogger("main")
	printBanner(cfg)

	store, err := session.NewFileStore(cfg.Session.Dir, logging.NewComponentLogger("session"))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metrics, err := task.NewMetrics("deepresearch_tasks", promRegistry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	broadcaster := task.NewBroadcaster(cfg.Task.SubscriberBuffer, cfg.Task.IdleResend,
		logging.NewComponentLogger("broadcaster"), metrics)
	registry := task.NewRegistry(broadcaster, cfg.Task.EvictionGrace,
		logging.NewComponentLogger("registry"), metrics)

	baseClient := llm.NewOpenAIClient(llm.Config{
		BaseURL:       cfg.LLM.BaseURL,
		APIKey:        cfg.LLM.APIKey,
		Timeout:       cfg.LLM.Timeout,
		GroundingTool: cfg.LLM.GroundingTool,
	})
	client := llm.NewRetryClient(baseClient, cfg.LLM.MaxRetries)
	catalog := llm.NewCatalog(client, cfg.LLM.CatalogTTL, logging.NewComponentLogger("catalog"))

	adapter := search.NewTavilyAdapter(search.TavilyConfig{
		BaseURL:           cfg.Search.BaseURL,
		APIKey:            cfg.Search.APIKey,
		Timeout:           cfg.Search.Timeout,
		RequestsPerMinute: cfg.Search.RequestsPerMinute,
		FetchPageContent:  cfg.Search.FetchPageContent,
	})

	aggregator := aggregate.New(client, adapter, logging.NewComponentLogger("aggregate"))
	engine := research.NewEngine(client, aggregator, store, registry, cfg.Limits,
		logging.NewComponentLogger("research"))
	engine.SetTemperature(cfg.LLM.DefaultTemperature)
	if api, ok := baseClient.(llm.AgentAPI); ok {
		agents, err := llm.NewAgentCache(api, 0, cfg.LLM.GroundingTool,
			logging.NewComponentLogger("agents"))
		if err != nil {
			return fmt.Errorf("build agent cache: %w", err)
		}
		engine.SetAgentCache(agents)
	}

	srv := server.New(*cfg, server.Deps{
		Research:    engine,
		Registry:    registry,
		Broadcaster: broadcaster,
		Store:       store,
		Catalog:     catalog,
		Metrics:     promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		Logger:      logging.NewComponentLogger("server"),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func printBanner(cfg *config.Config) {
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	bold := color.New(color.Bold).SprintFunc()

	fmt.Printf("%s %s\n", bold(cyan("deepresearch-server")), gray("v"+version))
	fmt.Printf("  %s %s:%d\n", gray("listen"), cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  %s %s\n", gray("models"), cfg.LLM.ThinkingModel+" / "+cfg.LLM.TaskModel)
	fmt.Printf("  %s %s\n", gray("sessions"), cfg.Session.Dir)
	if cfg.Search.APIKey == "" {
		fmt.Printf("  %s no search API key set, external search will fail\n", color.YellowString("warn"))
	}
	fmt.Println()
}
