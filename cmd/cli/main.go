package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/iho/sagaledger/internal/adapter/compliance"
	"github.com/iho/sagaledger/internal/adapter/http/dto"
	"github.com/iho/sagaledger/internal/adapter/http/middleware"
	postgresRepo "github.com/iho/sagaledger/internal/adapter/repository/postgres"
	"github.com/iho/sagaledger/internal/app"
	"github.com/iho/sagaledger/internal/infrastructure/config"
	"github.com/iho/sagaledger/internal/infrastructure/logging"
	"github.com/iho/sagaledger/internal/infrastructure/postgres"
)

// apiClient talks to a running server.
type apiClient struct {
	baseURL string
	actor   string
	http    *http.Client
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	api := &apiClient{}
	var timeout time.Duration

	rootCmd := &cobra.Command{
		Use:           "sagaledger",
		Short:         "SagaLedger CLI tool",
		Long:          `Operate a SagaLedger deployment: run migrations, inspect sagas and run the zombie monitor by hand.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			api.http = &http.Client{Timeout: timeout}
		},
	}

	rootCmd.PersistentFlags().StringVar(&api.baseURL, "url", "http://localhost:8080", "Base URL of the SagaLedger API")
	rootCmd.PersistentFlags().StringVar(&api.actor, "actor", "cli", "Actor id sent with API requests")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")

	rootCmd.AddCommand(migrateCmd(), ledgerCmd(api), sagasCmd(api), monitorCmd(), complianceCmd())
	return rootCmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migrations",
	}

	newMigrator := func() (*postgres.Migrator, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		return postgres.NewMigrator(cfg.DatabaseURL, cfg.MigrationsPath, newLogger(cfg)), nil
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newMigrator()
			if err != nil {
				return err
			}
			return m.Up()
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newMigrator()
			if err != nil {
				return err
			}
			return m.Down(steps)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newMigrator()
			if err != nil {
				return err
			}
			v, dirty, err := m.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version: %d dirty: %v\n", v, dirty)
			return nil
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func ledgerCmd(api *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Ledger operations",
	}

	consistency := &cobra.Command{
		Use:   "consistency",
		Short: "Check ledger consistency",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result dto.ConsistencyResponse
			status, err := api.get(cmd.Context(), "/api/v1/ledger/consistency", &result)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("consistency check FAILED (status %d): %s", status, result.Message)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Consistency check PASSED\nStatus: %s\n", result.Status)
			return nil
		},
	}

	cmd.AddCommand(consistency)
	return cmd
}

func sagasCmd(api *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sagas",
		Short: "Inspect sagas",
	}

	var status, name string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List sagas",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if name != "" {
				q.Set("name", name)
			}
			q.Set("limit", strconv.Itoa(limit))

			var resp dto.ListSagasResponse
			code, err := api.get(cmd.Context(), "/api/v1/sagas?"+q.Encode(), &resp)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return fmt.Errorf("list sagas failed with status %d", code)
			}
			printSagas(cmd.OutOrStdout(), resp.Sagas)
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status")
	list.Flags().StringVar(&name, "name", "", "Filter by saga name")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum number of sagas")

	var withEvents, withAudit bool
	show := &cobra.Command{
		Use:   "show <saga-id>",
		Short: "Show one saga",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := url.PathEscape(args[0])
			out := cmd.OutOrStdout()

			var saga json.RawMessage
			code, err := api.get(cmd.Context(), "/api/v1/sagas/"+id, &saga)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return fmt.Errorf("saga %s: status %d", args[0], code)
			}
			if err := printJSON(out, saga); err != nil {
				return err
			}

			if withEvents {
				var events json.RawMessage
				if _, err := api.get(cmd.Context(), "/api/v1/sagas/"+id+"/events", &events); err != nil {
					return err
				}
				if err := printJSON(out, events); err != nil {
					return err
				}
			}
			if withAudit {
				var audit json.RawMessage
				if _, err := api.get(cmd.Context(), "/api/v1/sagas/"+id+"/audit", &audit); err != nil {
					return err
				}
				return printJSON(out, audit)
			}
			return nil
		},
	}
	show.Flags().BoolVar(&withEvents, "events", false, "Include outbox events")
	show.Flags().BoolVar(&withAudit, "audit", false, "Include the audit trail")

	cmd.AddCommand(list, show)
	return cmd
}

func monitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Zombie monitor",
	}

	scan := &cobra.Command{
		Use:   "scan",
		Short: "Run one zombie monitor pass against the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Monitor.Scan(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.AddCommand(scan)
	return cmd
}

func complianceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compliance",
		Short: "Compliance rules",
	}

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Upsert the rules and authorizations of a compliance file into postgres",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := compliance.LoadDocument(args[0])
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Pool == nil {
				return fmt.Errorf("compliance import requires STORE_BACKEND=%s", config.StorePostgres)
			}

			repo := postgresRepo.NewComplianceRepository(a.Pool)
			for _, rule := range doc.Rules {
				if err := repo.UpsertRule(cmd.Context(), rule); err != nil {
					return fmt.Errorf("rule %s: %w", rule.ID, err)
				}
			}
			for _, auth := range doc.Authorizations {
				if err := repo.UpsertAuthorization(cmd.Context(), auth); err != nil {
					return fmt.Errorf("authorization %s: %w", auth.ID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d rules, %d authorizations\n", len(doc.Rules), len(doc.Authorizations))
			return nil
		},
	}

	cmd.AddCommand(importCmd)
	return cmd
}

func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, newLogger(cfg), app.Options{})
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.NewWithWriter(os.Stderr, logging.ParseLevel(cfg.LogLevel), cfg.LogFormat).Logger
}

// get decodes the JSON body of a GET into out and returns the status code.
func (c *apiClient) get(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set(middleware.ActorIDHeader, c.actor)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func printSagas(w io.Writer, sagas []*dto.SagaResponse) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSTEP\tHEARTBEAT\tERROR")
	for _, s := range sagas {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Name, s.Status, s.CurrentStep,
			s.HeartbeatAt.Format(time.RFC3339), truncate(s.ErrorMessage, 40))
	}
	tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
