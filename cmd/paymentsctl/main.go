// Package main is the operator CLI for the payment engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aura-learn/backend/config"
	"github.com/aura-learn/backend/internal/app"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "paymentsctl",
		Short:        "Operate the course payment engine",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(expireCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(providersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withEngine loads configuration, wires the engine and runs fn.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	logger := app.NewLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.Pool == nil {
		logger.Warn("no database configured; the in-memory store is empty")
	}
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Query providers for non-terminal payments in the reconciliation window",
		RunE: func(cmd *cobra.Command, args []string) error {
			var scope *uuid.UUID
			if s, _ := cmd.Flags().GetString("user"); s != "" {
				id, err := uuid.Parse(s)
				if err != nil {
					return fmt.Errorf("invalid --user: %w", err)
				}
				scope = &id
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			return withEngine(cmd, func(ctx context.Context, a *app.App) error {
				outcomes, err := a.Service.ReconcileRecent(ctx, scope)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(outcomes)
				}
				for _, o := range outcomes {
					id := "-"
					if o.IntentID != nil {
						id = o.IntentID.String()
					}
					fmt.Printf("%s  %-10s  %-8s  changed=%v\n", id, o.Status, o.Result, o.Changed)
				}
				fmt.Printf("%d payment(s) reconciled\n", len(outcomes))
				return nil
			})
		},
	}
	cmd.Flags().StringP("user", "u", "", "Only reconcile this user's payments")
	return cmd
}

func expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Cancel payments left non-terminal past the expiry age",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Service.ExpireStale(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%d payment(s) expired\n", n)
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [intent-id]",
		Short: "Show a payment intent and its provider payload history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid intent id: %w", err)
			}
			return withEngine(cmd, func(ctx context.Context, a *app.App) error {
				in, err := a.Store.IntentByID(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(in)
			})
		},
	}
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List configured payment providers and their detected environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, a *app.App) error {
				for _, name := range a.Adapters.Names() {
					adapter, err := a.Adapters.Build(name)
					if err != nil {
						return err
					}
					fmt.Printf("%-12s %-9s %s\n", name, adapter.Strategy(), adapter.Environment())
				}
				return nil
			})
		},
	}
}
