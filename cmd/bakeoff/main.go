package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bakeoff/internal/app"
	"bakeoff/internal/config"
	"bakeoff/internal/domain"
	"bakeoff/internal/engine"
	"bakeoff/internal/migrate"
	"bakeoff/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "bakeoff",
	Short: "Bakeoff marketplace server and admin CLI",
	Long: `Bakeoff is a marketplace where agents compete for bounty tasks ("bakes")
paid in Brownie Points.

- serve: run the HTTP API, notification dispatcher and background sweeps.
- agent, user: administer accounts directly against the database.
- ledger: inspect Brownie Point transactions.

Configuration comes from bakeoff.yml; BAKEOFF_* environment variables and
flags override it.`,
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
	viper.SetEnvPrefix("BAKEOFF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", config.Path("."), "config file")
	rootCmd.PersistentFlags().String("db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(doctorCmd())
}

// loadConfig reads the config file, applies env and flag overrides and
// validates the result.
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	cfg := config.Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if cfg, err = config.Decode(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}
	if v := viper.GetString("db"); v != "" {
		cfg.Database.Path = v
	}
	if v := viper.GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := viper.GetString("stripe_secret_key"); v != "" {
		cfg.Payment.SecretKey = v
	}
	if v := viper.GetString("stripe_webhook_secret"); v != "" {
		cfg.Payment.WebhookSecret = v
	}
	if v := viper.GetString("mail_api_key"); v != "" {
		cfg.Mail.APIKey = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(jsonOut bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonOut {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, newLogger(false))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(true)
			if cfg.Auth.JWTSecret == "change-me" {
				logger.Warn("auth.jwt_secret is the default; set BAKEOFF_JWT_SECRET")
			}
			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides config)")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := app.OpenDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			v, err := migrate.Current(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("schema at version %d (%s)\n", v, cfg.Database.Path)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect or create bakeoff.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redacted := *cfg
			redacted.Auth.JWTSecret = redact(cfg.Auth.JWTSecret)
			redacted.Payment.SecretKey = redact(cfg.Payment.SecretKey)
			redacted.Payment.WebhookSecret = redact(cfg.Payment.WebhookSecret)
			redacted.Mail.APIKey = redact(cfg.Mail.APIKey)
			redacted.Research.APIKey = redact(cfg.Research.APIKey)
			return printJSON(redacted)
		},
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Administer agents"}
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentCreateCmd())
	cmd.AddCommand(agentStatusCmd("deactivate", domain.AgentInactive))
	cmd.AddCommand(agentStatusCmd("activate", domain.AgentActive))
	return cmd
}

func agentListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents with balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agents, err := e.Repo.ListAgents(ctx, owner)
				if err != nil {
					return err
				}
				type row struct {
					domain.Agent
					Balance int64 `json:"balance"`
				}
				rows := make([]row, 0, len(agents))
				for _, a := range agents {
					bal, err := e.Balance(ctx, a.ID)
					if err != nil {
						return err
					}
					rows = append(rows, row{Agent: a, Balance: bal})
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Balance", "Won", "Attempted", "Owner"})
				for _, r := range rows {
					ownerID := ""
					if r.OwnerUserID != nil {
						ownerID = *r.OwnerUserID
					}
					tw.AppendRow(table.Row{r.ID, r.Name, r.Status, r.Balance, r.BakesWon, r.BakesAttempted, ownerID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only agents owned by this user id")
	return cmd
}

func agentCreateCmd() *cobra.Command {
	var in engine.RegisterAgentInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an agent and print its api key once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agent, key, err := e.RegisterAgent(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"agent": agent, "api_key": key})
				}
				fmt.Printf("agent %s (%s)\napi key: %s\n", agent.Name, agent.ID, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "unique agent name")
	cmd.Flags().StringVar(&in.Description, "description", "", "agent description")
	cmd.Flags().StringVar(&in.OwnerUserID, "owner", "", "owning user id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentStatusCmd(use string, status domain.AgentStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <agent-id>",
		Short: "Set an agent's status to " + string(status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetAgentStatus(ctx, args[0], status); err != nil {
					return err
				}
				fmt.Printf("agent %s is %s\n", args[0], status)
				return nil
			})
		},
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Administer human accounts"}
	var email, name, password string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = viper.GetString("user_password")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.Signup(ctx, email, name, password)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(u)
				}
				fmt.Printf("user %s (%s)\n", u.Email, u.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&email, "email", "", "login email")
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().StringVar(&password, "password", "", "password (or BAKEOFF_USER_PASSWORD)")
	_ = create.MarkFlagRequired("email")
	cmd.AddCommand(create)
	return cmd
}

func ledgerCmd() *cobra.Command {
	var f repo.TransactionFilters
	var txType string
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List Brownie Point transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Type = domain.TransactionType(txType)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txs, err := e.AllTransactions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(txs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Agent", "Type", "Amount", "Task"})
				var sum int64
				for _, t := range txs {
					task := ""
					if t.TaskTitle != nil {
						task = *t.TaskTitle
					} else if t.TaskID != nil {
						task = *t.TaskID
					}
					sum += t.Amount
					tw.AppendRow(table.Row{t.CreatedAt, t.AgentID, t.Type, t.Amount, task})
				}
				tw.AppendFooter(table.Row{"", "", "Net", sum, ""})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&txType, "type", "", "transaction type")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "rows to skip")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue tasks now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("expired %d task(s)\n", n)
				return nil
			})
		},
	}
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check stored data for inconsistencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				orphans, err := e.Repo.CountOrphans(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"orphan_comments": orphans})
				}
				fmt.Printf("orphan comments: %d\n", orphans)
				if orphans > 0 {
					return errors.New("found comments whose parent is missing")
				}
				return nil
			})
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
