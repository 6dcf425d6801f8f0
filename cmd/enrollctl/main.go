package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"learnhub/config"
	"learnhub/internal/app"
	"learnhub/internal/auth"
	"learnhub/internal/database"
	"learnhub/internal/domain"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "enrollctl",
		Short:         "Operator tools for payments and enrollments",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(recountCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(failedEventsCmd())
	rootCmd.AddCommand(tokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openApp loads config and connects to the database. Logs go to stderr so stdout stays
// clean for command output.
func openApp() (*app.App, error) {
	cfg := config.Load()
	log := app.Logger(cfg.Log, os.Stderr)
	db, err := database.NewDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	return app.New(cfg, db, log), nil
}

func recountCmd() *cobra.Command {
	var courseID uint
	cmd := &cobra.Command{
		Use:   "recount",
		Short: "Recompute students_count for a course from its active enrollments",
		RunE: func(cmd *cobra.Command, args []string) error {
			if courseID == 0 {
				return fmt.Errorf("--course is required")
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.Recon.RecountCourse(cmd.Context(), courseID, domain.SourceCLI)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "course %d: students_count=%d\n", courseID, n)
			return nil
		},
	}
	cmd.Flags().UintVar(&courseID, "course", 0, "course id")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the payment sweeper once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Sweeper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked=%d completed=%d failed=%d cancelled=%d errors=%d\n",
				res.Checked, res.Completed, res.Failed, res.Cancelled, res.Errors)
			return nil
		},
	}
}

func replayCmd() *cobra.Command {
	var eventID uint
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-dispatch a stored webhook event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventID == 0 {
				return fmt.Errorf("--event is required")
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Webhooks.Replay(cmd.Context(), eventID); err != nil {
				return err
			}
			ev, err := a.Events.GetByID(eventID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "event %d (%s %s): %s\n", ev.ID, ev.Provider, ev.EventType, ev.Status)
			return nil
		},
	}
	cmd.Flags().UintVar(&eventID, "event", 0, "webhook event row id")
	return cmd
}

func failedEventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failed-events",
		Short: "List webhook events that failed to apply",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			list, err := a.Events.ListFailed(limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tTYPE\tINTENT\tATTEMPTS\tERROR")
			for _, ev := range list {
				msg := ""
				if ev.Error != nil {
					msg = *ev.Error
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", ev.ID, ev.Provider, ev.EventType, ev.ProviderPaymentID, ev.Attempts, msg)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		userID uint
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 {
				return fmt.Errorf("--user is required")
			}
			cfg := config.Load()
			if cfg.IsProduction() {
				return fmt.Errorf("token minting is disabled in production")
			}
			jwtCfg := cfg.JWT
			if ttl > 0 {
				jwtCfg.AccessExpiry = ttl
			}
			tok, err := auth.GenerateAccessToken(&jwtCfg, userID, role)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), tok+"\n")
			return err
		},
	}
	cmd.Flags().UintVar(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&role, "role", domain.RoleStudent, "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default from JWT_ACCESS_EXPIRY)")
	return cmd
}
