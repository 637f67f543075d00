package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/halcyon-chat/halcyon/internal/agent"
	"github.com/halcyon-chat/halcyon/internal/config"
	"github.com/halcyon-chat/halcyon/internal/gateway"
	"github.com/halcyon-chat/halcyon/internal/llm"
	"github.com/halcyon-chat/halcyon/internal/memory"
	"github.com/halcyon-chat/halcyon/internal/recall"
	"github.com/halcyon-chat/halcyon/internal/session"
	"github.com/halcyon-chat/halcyon/internal/toolserver"
)

// version is overridden at release time via -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "halcyon",
	Short: "Halcyon conversational assistant",
	Long: `halcyon runs a conversational assistant whose capabilities come from
tool-server subprocesses. Servers are declared in the config file; their
tools are aggregated under namespaced names and offered to the model.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/halcyon.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(hashKeyCmd)
	rootCmd.AddCommand(versionCmd)
}

// ── serve ────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the assistant and its HTTP gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, _ := zap.NewProduction()
		defer logger.Sync() //nolint:errcheck

		if err := runServe(logger); err != nil {
			logger.Error("halcyon exited with error", zap.Error(err))
			return err
		}
		return nil
	},
}

func runServe(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	// ── Database ─────────────────────────────────────────────────────────
	db, err := pgxpool.New(context.Background(), cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer db.Close()

	if err := db.Ping(context.Background()); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("connected to postgres")

	sessions := session.NewService(session.NewRepository(db), logger)

	// ── Tool servers ─────────────────────────────────────────────────────
	registry := toolserver.NewRegistry(logger, toolserver.Options{
		CallTimeout:    cfg.Tools.CallTimeout,
		StartupTimeout: cfg.Tools.StartupTimeout,
	})

	specs := cfg.ToolServerSpecs()
	ready := registry.Start(context.Background(), specs)
	if len(specs) > 0 && ready == 0 {
		logger.Warn("no tool servers came up; continuing without tools")
	}
	defer registry.Shutdown()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	if cfg.Tools.HealthInterval > 0 {
		monitor := toolserver.NewHealthMonitor(registry, toolserver.HealthConfig{
			CheckInterval: cfg.Tools.HealthInterval,
			FailThreshold: cfg.Tools.HealthThreshold,
		}, logger)
		go monitor.Start(bgCtx)
	}

	// ── Model provider ───────────────────────────────────────────────────
	completer := llm.NewClient(llm.Options{
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		EmbedModel:        cfg.LLM.EmbedModel,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
	}, logger)

	// ── Recall index ─────────────────────────────────────────────────────
	var recaller agent.Recaller
	if cfg.Recall.Enabled {
		store, err := recall.Open(cfg.Recall.Path, logger)
		if err != nil {
			return err
		}
		recaller = store

		repo := session.NewRepository(db)
		indexer := recall.NewIndexer(store, completer, repo, cfg.Recall.IndexInterval, logger)
		go indexer.Start(bgCtx)
	}

	// ── Long-term memory ─────────────────────────────────────────────────
	var mem agent.LongTermMemory
	if cfg.Memory.Enabled {
		mem = memory.NewClient(cfg.Memory.BaseURL, cfg.Memory.APIKey, cfg.Memory.Timeout, logger)
		logger.Info("long-term memory enabled", zap.String("base_url", cfg.Memory.BaseURL))
	}

	// ── Agent ────────────────────────────────────────────────────────────
	assistant := agent.New(completer, registry, sessions, recaller, mem, agent.Options{
		MaxToolRounds: cfg.LLM.MaxToolRounds,
		RecallTopK:    cfg.Recall.TopK,
	}, logger)

	// ── HTTP gateway ─────────────────────────────────────────────────────
	creds := make([]gateway.Credential, 0, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		creds = append(creds, gateway.Credential{Name: k.Name, Hash: k.Hash})
	}
	tokens, err := gateway.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, creds)
	if err != nil {
		return err
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gateway.NewServer(assistant, registry, tokens, logger).Router(gateway.Options{
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		RateLimitRPS:   cfg.HTTP.RateLimitRPS,
		BodyLimitBytes: cfg.HTTP.BodyLimitBytes,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("gateway listening", zap.Int("port", cfg.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down...")
	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("gateway shutdown error", zap.Error(err))
	}
	registry.Shutdown()
	return nil
}

// ── tools ────────────────────────────────────────────────────────────────

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Start the configured tool servers and print the catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := zap.NewNop()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		specs := cfg.ToolServerSpecs()
		if len(specs) == 0 {
			fmt.Println("no tool servers configured")
			return nil
		}

		registry := toolserver.NewRegistry(logger, toolserver.Options{
			CallTimeout:    cfg.Tools.CallTimeout,
			StartupTimeout: cfg.Tools.StartupTimeout,
		})
		defer registry.Shutdown()

		ready := registry.Start(cmd.Context(), specs)
		fmt.Printf("%d/%d servers ready\n\n", ready, len(specs))

		tools := registry.ListTools()
		sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TOOL\tSERVER\tDESCRIPTION")
		for _, t := range tools {
			fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.Server, t.Description)
		}
		return w.Flush()
	},
}

// ── hash-key ─────────────────────────────────────────────────────────────

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <api-key>",
	Short: "Print the bcrypt hash of an API key for the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := gateway.HashAPIKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the halcyon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("halcyon", version)
	},
}
