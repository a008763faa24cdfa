package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/funnelworks/leadline/gateway"
	"github.com/funnelworks/leadline/internal/profile"
	"github.com/funnelworks/leadline/internal/version"
	"github.com/funnelworks/leadline/metrics"
	"github.com/funnelworks/leadline/pipeline"
	"github.com/funnelworks/leadline/queue"
	"github.com/funnelworks/leadline/retrieval"
	"github.com/funnelworks/leadline/rpcclient"
	"github.com/funnelworks/leadline/server"
	"github.com/funnelworks/leadline/store"
	"github.com/funnelworks/leadline/store/db/postgres"
	"github.com/funnelworks/leadline/worker"
)

const defaultPIDFile = "/tmp/leadline.pid"

var rootCmd = &cobra.Command{
	Use:   "leadline",
	Short: "Multi-tenant WhatsApp lead conversation automation.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		_ = godotenv.Load()
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the selected roles (gateway, server, worker)",
	RunE: func(_ *cobra.Command, _ []string) error {
		p := &profile.Profile{
			Mode: viper.GetString("mode"),
			DSN:  viper.GetString("dsn"),
		}
		p.FromEnv()
		p.Version = version.GetCurrentVersion(p.Mode)
		if err := p.Validate(); err != nil {
			return err
		}
		roles := parseRoles(viper.GetString("roles"))
		return runStart(p, roles)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running instance to shut down",
	RunE: func(_ *cobra.Command, _ []string) error {
		raw, err := os.ReadFile(viper.GetString("pid-file"))
		if err != nil {
			return fmt.Errorf("read pid file: %w", err)
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			return fmt.Errorf("parse pid file: %w", err)
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal pid %d: %w", pid, err)
		}
		fmt.Printf("sent SIGTERM to pid %d\n", pid)
		return nil
	},
}

var resetStateCmd = &cobra.Command{
	Use:   "reset-state",
	Short: "Truncate conversations, messages and leads (testing only)",
	RunE: func(_ *cobra.Command, _ []string) error {
		if !viper.GetBool("yes") {
			return errors.New("refusing to reset state without --yes")
		}
		p := &profile.Profile{}
		p.FromEnv()
		if p.InternalBaseURL == "" || p.InternalSecret == "" {
			return errors.New("INTERNAL_BASE_URL and INTERNAL_SECRET are required")
		}
		client, err := rpcclient.New(p.InternalBaseURL, p.InternalSecret)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.ResetState(ctx); err != nil {
			return err
		}
		fmt.Println("operational state reset")
		return nil
	},
}

func parseRoles(raw string) map[string]bool {
	roles := map[string]bool{}
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles[r] = true
		}
	}
	if len(roles) == 0 {
		roles["gateway"], roles["server"], roles["worker"] = true, true, true
	}
	return roles
}

func runStart(p *profile.Profile, roles map[string]bool) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := writePIDFile(viper.GetString("pid-file")); err != nil {
		return err
	}
	defer os.Remove(viper.GetString("pid-file"))

	exporter := metrics.NewExporter(metrics.DefaultConfig())
	shutdowns := []func(context.Context) error{}

	// State server owns the database.
	if roles["server"] {
		db, err := postgres.NewDB(ctx, p.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		buckets, err := profile.ParseFollowupBuckets(p.FollowupBuckets)
		if err != nil {
			return err
		}
		srv := server.New(store.New(db), server.NewWhatsAppSender(0), nil, server.Config{
			Secret:          p.InternalSecret,
			FollowupBuckets: buckets,
		})
		go func() {
			if err := srv.Start(profile.Addr(p.ServerPort)); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("rpc server stopped", "error", err)
				cancel()
			}
		}()
		shutdowns = append(shutdowns, srv.Shutdown)
	}

	var q queue.Queue
	if roles["gateway"] || roles["worker"] {
		if p.QueueURL != "" {
			sqsQueue, err := queue.NewSQSQueue(ctx, p.QueueURL, p.AWSRegion)
			if err != nil {
				return err
			}
			q = sqsQueue
		} else if p.IsDev() {
			slog.Warn("QUEUE_URL not set, using in-memory queue (dev only)")
			q = queue.NewMemoryQueue(0)
		} else {
			return errors.New("QUEUE_URL is required")
		}
	}

	if roles["gateway"] {
		if p.WhatsAppAppSecret == "" {
			return errors.New("WHATSAPP_APP_SECRET is required for the gateway")
		}
		gw := gateway.New(q, gateway.Config{
			AppSecret:   p.WhatsAppAppSecret,
			VerifyToken: p.WhatsAppVerifyToken,
		})
		go func() {
			if err := gw.Start(profile.Addr(p.GatewayPort)); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("gateway stopped", "error", err)
				cancel()
			}
		}()
		shutdowns = append(shutdowns, gw.Shutdown)
	}

	if roles["worker"] {
		if p.InternalBaseURL == "" {
			return errors.New("INTERNAL_BASE_URL is required for the worker")
		}
		rpc, err := rpcclient.New(p.InternalBaseURL, p.InternalSecret)
		if err != nil {
			return err
		}
		llm, err := pipeline.NewLLMClient(&pipeline.LLMConfig{
			BaseURL: p.LLMBaseURL,
			APIKey:  p.LLMAPIKey,
			Model:   p.LLMModel,
		})
		if err != nil {
			return err
		}
		var retriever pipeline.Retriever
		if p.EmbeddingModel != "" && roles["server"] {
			// Retrieval reads the knowledge store directly and therefore
			// rides along only when this process also hosts the database.
			db, err := postgres.NewDB(ctx, p.DSN)
			if err != nil {
				return err
			}
			defer db.Close()
			embedder, err := retrieval.NewEmbedder(&retrieval.EmbedderConfig{
				BaseURL: p.EmbeddingBaseURL,
				APIKey:  p.EmbeddingAPIKey,
				Model:   p.EmbeddingModel,
			})
			if err != nil {
				return err
			}
			retriever = retrieval.NewEngine(db, embedder)
		}
		runner := pipeline.NewRunner(llm, retriever)
		processor := worker.NewProcessor(rpc, runner, llm,
			time.Duration(p.PipelineBudgetSeconds)*time.Second, exporter)
		debouncer := worker.NewDebouncer(ctx,
			time.Duration(p.DebounceWindowSeconds)*time.Second,
			func(flushCtx context.Context, conversationID, text string) error {
				_, err := processor.Process(flushCtx, conversationID, text)
				return err
			},
			exporter.SetBufferedConversations)
		debouncer.OnDrop = func(conversationID string) {
			dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer dropCancel()
			attention := true
			if _, err := rpc.PatchConversation(dropCtx, conversationID, rpcclient.ConversationPatch{
				NeedsHumanAttention: &attention,
			}); err != nil {
				slog.Warn("attention flag after dropped flush failed",
					"conversation_id", conversationID, "error", err)
			}
		}
		consumer := worker.NewConsumer(q, rpc, debouncer, exporter, 0)
		scheduler := worker.NewScheduler(rpc, processor, debouncer,
			time.Duration(p.SchedulerIntervalSeconds)*time.Second, exporter)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("consumer stopped", "error", err)
				cancel()
			}
		}()
		go func() {
			if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("scheduler stopped", "error", err)
				cancel()
			}
		}()
	}

	metricsSrv := &http.Server{
		Addr:    profile.Addr(p.MetricsPort),
		Handler: exporter.Handler(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "error", err)
		}
	}()
	shutdowns = append(shutdowns, metricsSrv.Shutdown)

	slog.Info("leadline started",
		"version", p.Version,
		"mode", p.Mode,
		"roles", strings.Join(roleNames(roles), ","),
	)

	c := make(chan os.Signal, 1)
	signal.Notify(c, terminationSignals...)
	select {
	case <-c:
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	for _, stop := range shutdowns {
		if err := stop(shutdownCtx); err != nil {
			slog.Warn("shutdown step failed", "error", err)
		}
	}
	slog.Info("leadline stopped")
	return nil
}

func roleNames(roles map[string]bool) []string {
	names := make([]string, 0, len(roles))
	for name := range roles {
		names = append(names, name)
	}
	return names
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("roles", "gateway,server,worker")
	viper.SetDefault("pid-file", defaultPIDFile)

	rootCmd.PersistentFlags().String("mode", "dev", `run mode, "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("pid-file", defaultPIDFile, "path to the pid file")
	startCmd.Flags().String("dsn", "", "database source name (aka DSN)")
	startCmd.Flags().String("roles", "gateway,server,worker", "comma-separated roles to run")
	resetStateCmd.Flags().Bool("yes", false, "confirm destructive reset")

	for key, flag := range map[string]*cobra.Command{
		"mode":     rootCmd,
		"pid-file": rootCmd,
	} {
		if err := viper.BindPFlag(key, flag.PersistentFlags().Lookup(key)); err != nil {
			panic(err)
		}
	}
	if err := viper.BindPFlag("dsn", startCmd.Flags().Lookup("dsn")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("roles", startCmd.Flags().Lookup("roles")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("yes", resetStateCmd.Flags().Lookup("yes")); err != nil {
		panic(err)
	}

	viper.SetEnvPrefix("leadline")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	rootCmd.AddCommand(startCmd, stopCmd, resetStateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
