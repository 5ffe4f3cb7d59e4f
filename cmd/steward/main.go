package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"steward/internal/app"
	"steward/internal/config"
	"steward/internal/queue"
	"steward/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Steward execution control plane",
	Long: `Steward gates the side effects of an autonomous project agent.
- Held actions: proposed emails and Jira transitions wait out a hold so a human can cancel them.
- Graduation: a clean streak of approvals per action type shortens the hold until it reaches zero.
- Budget: reasoning spend is tracked per day and month; rising spend degrades to cheaper models and finally blocks calls.
- Circuit breakers: a failing executor service is cut off and probed again after a cool-down.
- Workspace: steward.yml plus the .steward directory holding the database.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STEWARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on decisions")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(actionsCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(graduationCmd())
	rootCmd.AddCommand(breakersCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var sweepEvery time.Duration
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server, webhook delivery and the optional due sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: allowLegacy,
					Logger:                 a.Logger,
				}
				if authCfg.JWTSecret == "" && !allowLegacy {
					return fmt.Errorf("STEWARD_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					a.Notifier.Run(gctx)
					return nil
				})
				if sweepEvery > 0 {
					g.Go(func() error {
						return runSweepLoop(gctx, a, sweepEvery)
					})
				}
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					a.Logger.Info("serving steward API", "addr", addr, "base_path", basePath, "docs", "/docs", "metrics", "/metrics")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&sweepEvery, "sweep-interval", 0, "run the due sweep at this interval (0 disables)")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without a token (dev only)")
	return cmd
}

func sweepCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Execute due actions and report stuck executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if interval > 0 {
					return runSweepLoop(ctx, a, interval)
				}
				res, err := sweepOnce(ctx, a)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("due %d, executed %d, lost %d, deferred %d, failed %d\n",
					res.Due, len(res.Executed), res.Lost, res.Deferred, len(res.Failed))
				for _, f := range res.Failed {
					fmt.Printf("  %s %s\n", red("failed"), f.Error())
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat at this interval until interrupted")
	return cmd
}

func sweepOnce(ctx context.Context, a *app.App) (queue.SweepResult, error) {
	res, err := a.Queue.ProcessDue(ctx, a.Executor)
	if err != nil {
		return res, err
	}
	if _, err := a.Queue.ReportStuck(ctx, a.StuckThreshold()); err != nil {
		return res, err
	}
	return res, nil
}

func runSweepLoop(ctx context.Context, a *app.App, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := sweepOnce(ctx, a); err != nil && ctx.Err() == nil {
			a.Logger.Error("due sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "steward.yml sets budget thresholds, graduation levels, breaker limits, executor endpoints and event webhooks. Missing sections fall back to defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate steward.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println(green("config OK"))
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var agentID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default steward.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(agentID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "steward", "agent id written to the config")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for --actor-id signed with STEWARD_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.IssueToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	logger := app.NewLogger(app.LogConfig{
		Level:  viper.GetString("log-level"),
		Format: viper.GetString("log-format"),
	})
	a, err := app.Open(ctx, viper.GetString("workspace"), app.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
