package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskline/internal/app"
	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/logging"
	"taskline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "taskline",
	Short: "Taskline task manager",
	Long: `Taskline keeps hierarchical tasks in a SQL store and serves them over HTTP.
- Tasks: title, status, priority, due date and an optional responsible user.
- Subtasks: tasks nested under a parent; deleting a task deletes everything below it.
- Store: a SQLite file under .taskline/ by default, or Postgres through --db-url / DB_URL.
- Event log: every change is recorded, view with 'taskline log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
	config.SetDefaults(viper.GetViper())
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("db-url", "", "database url (postgres://… or sqlite://…); default is the workspace SQLite file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json|text)")
	for _, name := range []string{"workspace", "db-url", "json", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				cfg := a.Config
				handler, err := server.New(server.Config{
					Engine:      a.Engine,
					StaticDir:   cfg.StaticDir,
					CORSOrigins: cfg.CORSOrigins,
					Logger:      a.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: cfg.Addr, Handler: handler}
				log := logging.Base(a.Logger)
				done := make(chan struct{})
				go func() {
					defer close(done)
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						log.WithError(err).Warn("shutdown")
					}
				}()
				log.WithField("addr", cfg.Addr).WithField("dialect", a.Dialect).Info("serving task API (OpenAPI at /api/openapi.json, Swagger UI at /api/docs)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				<-done
				log.Info("server stopped")
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "0.0.0.0:5000", "listen address")
	cmd.Flags().String("static-dir", "static", "directory served for non-API paths")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("static-dir", cmd.Flags().Lookup("static-dir"))
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if a.Dialect == db.SQLite && a.Config.DBURL == "" {
					fmt.Printf("database %s is up to date\n", db.Path(a.Config.Workspace))
					return nil
				}
				fmt.Printf("database (%s) is up to date\n", a.Dialect)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	})
	return cfgCmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	// Events written by one CLI invocation share a correlation id.
	ctx = logging.WithRequestID(ctx, "cli-"+uuid.NewString())
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
