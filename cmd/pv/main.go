package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"provline/internal/config"
	"provline/internal/csp"
	"provline/internal/db"
	"provline/internal/domain"
	"provline/internal/engine"
	"provline/internal/fsm"
	"provline/internal/migrate"
	"provline/internal/repo"
	"provline/internal/server"
	"provline/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "pv",
	Short: "Provline CLI",
	Long: `Provline provisions cloud portfolios through a durable state machine.
Core concepts:
- Portfolio: a funded program that gets its own cloud tenant and billing setup.
- Task order: the contract funding a portfolio; it must be signed before provisioning starts.
- CLIN: a funding line on a task order with an active [start, end) window.
- State machine: the durable provisioning record; each stage runs as CREATED -> IN_PROGRESS -> next stage.
- Claims: time-bounded row leases that keep concurrent workers off the same portfolio.
- Event log: diary of every change, view with 'pv log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PROVLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(portfolioCmd())
	rootCmd.AddCommand(taskOrderCmd())
	rootCmd.AddCommand(clinCmd())
	rootCmd.AddCommand(appCmd())
	rootCmd.AddCommand(provisionCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default provline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func portfolioCmd() *cobra.Command {
	p := &cobra.Command{Use: "portfolio", Short: "Manage portfolios"}
	p.AddCommand(portfolioCreateCmd())
	p.AddCommand(portfolioListCmd())
	p.AddCommand(portfolioShowCmd())
	p.AddCommand(portfolioDeleteCmd())
	p.AddCommand(portfolioCredsCmd())
	return p
}

func portfolioCredsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "creds <id>",
		Short: "Show tenant owner credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				creds, err := e.TenantCredentials(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(creds)
			})
		},
	}
	return cmd
}

func portfolioCreateCmd() *cobra.Command {
	var name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create portfolio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePortfolio(ctx, name, desc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "portfolio name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func portfolioListCmd() *cobra.Command {
	var includeDeleted bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List portfolios",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPortfolios(ctx, includeDeleted)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "State", "Created"})
				for _, p := range items {
					state, err := stateFor(ctx, e, p.ID)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{p.ID, p.Name, state, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "include soft-deleted portfolios")
	return cmd
}

// stateFor reports UNSTARTED for portfolios whose provisioning has not been
// materialized yet; real database failures propagate.
func stateFor(ctx context.Context, e engine.Engine, portfolioID string) (string, error) {
	sm, err := e.Repo.GetStateMachineByPortfolio(ctx, portfolioID)
	if errors.Is(err, repo.ErrNotFound) {
		return string(fsm.Unstarted), nil
	}
	if err != nil {
		return "", err
	}
	return sm.State, nil
}

func portfolioShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a portfolio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPortfolio(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func portfolioDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a portfolio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeletePortfolio(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func taskOrderCmd() *cobra.Command {
	to := &cobra.Command{Use: "taskorder", Short: "Manage task orders"}
	to.AddCommand(taskOrderAddCmd())
	to.AddCommand(taskOrderSignCmd())
	return to
}

func taskOrderAddCmd() *cobra.Command {
	var portfolioID, number string
	var signed bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a task order to a portfolio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddTaskOrder(ctx, portfolioID, number, signed, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&portfolioID, "portfolio", "", "portfolio id")
	cmd.Flags().StringVar(&number, "number", "", "task order number")
	cmd.Flags().BoolVar(&signed, "signed", false, "mark as signed now")
	_ = cmd.MarkFlagRequired("portfolio")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func taskOrderSignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Sign a task order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SignTaskOrder(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func clinCmd() *cobra.Command {
	c := &cobra.Command{Use: "clin", Short: "Manage funding lines"}
	c.AddCommand(clinAddCmd())
	return c
}

func clinAddCmd() *cobra.Command {
	var taskOrderID, number, start, end string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a CLIN to a task order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AddCLIN(ctx, taskOrderID, number, start, end, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&taskOrderID, "taskorder", "", "task order id")
	cmd.Flags().StringVar(&number, "number", "", "clin number")
	cmd.Flags().StringVar(&start, "start", "", "start date (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "end date (RFC3339)")
	_ = cmd.MarkFlagRequired("taskorder")
	_ = cmd.MarkFlagRequired("number")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func appCmd() *cobra.Command {
	a := &cobra.Command{Use: "app", Short: "Manage applications"}
	a.AddCommand(appCreateCmd())
	a.AddCommand(appListCmd())
	return a
}

func appCreateCmd() *cobra.Command {
	var portfolioID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an application under a portfolio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				app, err := e.CreateApplication(ctx, portfolioID, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(app)
			})
		},
	}
	cmd.Flags().StringVar(&portfolioID, "portfolio", "", "portfolio id")
	cmd.Flags().StringVar(&name, "name", "", "application name")
	_ = cmd.MarkFlagRequired("portfolio")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func appListCmd() *cobra.Command {
	var portfolioID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListApplications(ctx, portfolioID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Cloud ID", "Created"})
				for _, a := range items {
					cloudID := ""
					if a.CloudID != nil {
						cloudID = *a.CloudID
					}
					tw.AppendRow(table.Row{a.ID, a.Name, cloudID, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&portfolioID, "portfolio", "", "portfolio id")
	_ = cmd.MarkFlagRequired("portfolio")
	return cmd
}

func provisionCmd() *cobra.Command {
	p := &cobra.Command{Use: "provision", Short: "Drive provisioning"}
	p.AddCommand(provisionRunCmd())
	p.AddCommand(provisionWatchCmd())
	p.AddCommand(provisionStatusCmd())
	p.AddCommand(provisionRestartCmd())
	return p
}

func provisionRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single provisioning pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w := worker.New(e)
				n, err := w.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("advanced %d portfolio(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func provisionWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run provisioning passes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w := worker.New(e)
				fmt.Printf("provisioning every %s, ctrl-c to stop\n", w.Interval)
				err := w.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	return cmd
}

func provisionStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <portfolio-id>",
		Short: "Show provisioning state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sm, err := e.GetOrCreateStateMachine(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(sm)
			})
		},
	}
	return cmd
}

func provisionRestartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart <portfolio-id>",
		Short: "Restart a failed provisioning stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sm, err := e.RestartStage(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(sm)
			})
		},
	}
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyDeleteCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("api key id: %s\nkey (save it, it is not stored): %s\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: portfolio changes, state transitions, claims, and more.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, portfolioID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, repo.EventFilters{
					PortfolioID: portfolioID,
					Type:        evtType,
					Limit:       n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Portfolio", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.PortfolioID, e.EntityKind, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&portfolioID, "portfolio", "", "portfolio id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("PROVLINE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("PROVLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				if withWorker {
					go worker.New(e).Run(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Provline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "run the provisioning worker in-process")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	cloud, err := csp.Select(cfg.CSP)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, cloud)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
