package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"MailCadence/internal/app"
	"MailCadence/internal/csvparser"
	"MailCadence/internal/db"
	"MailCadence/internal/models"
	"MailCadence/internal/scheduler"
	"MailCadence/internal/worker"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect schema migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), cmd.OutOrStdout(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			p, err := db.NewMigrator(e.stores.Driver, e.stores.SQL)
			if err != nil {
				return err
			}
			results, err := p.Up(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Fprintf(e.out, "applied %s (%s)\n", r.Source.Path, r.Duration)
			}
			if len(results) == 0 {
				fmt.Fprintln(e.out, "no pending migrations")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), cmd.OutOrStdout(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			p, err := db.NewMigrator(e.stores.Driver, e.stores.SQL)
			if err != nil {
				return err
			}
			r, err := p.Down(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "rolled back %s\n", r.Source.Path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), cmd.OutOrStdout(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			p, err := db.NewMigrator(e.stores.Driver, e.stores.SQL)
			if err != nil {
				return err
			}
			statuses, err := p.Status(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range statuses {
				applied := "pending"
				if !s.AppliedAt.IsZero() {
					applied = s.AppliedAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(e.out, "%-8s %-30s %s\n", s.State, s.Source.Path, applied)
			}
			return nil
		},
	})

	return cmd
}

func newSubmitCmd() *cobra.Command {
	var (
		csvPath     string
		userID      string
		senderEmail string
		senderName  string
		subject     string
		body        string
		bodyFile    string
		start       string
		delay       time.Duration
		maxRows     int
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Schedule a batch for the recipients in a CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bodyFile != "" {
				b, err := os.ReadFile(bodyFile)
				if err != nil {
					return err
				}
				body = string(b)
			}

			recipients, err := csvparser.ParseFile(csvPath, maxRows)
			if err != nil {
				return err
			}

			req := scheduler.Request{
				UserID:      userID,
				SenderEmail: senderEmail,
				SenderName:  senderName,
				Subject:     subject,
				Body:        body,
				Recipients:  recipients,
				Delay:       delay,
			}
			if start != "" {
				t, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("--start: %w", err)
				}
				req.StartTime = t
			}

			e, err := openEnv(cmd.Context(), cmd.OutOrStdout(), true)
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := scheduler.New(e.stores.Records, e.stores.Jobs, e.log).Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(e.out, res)
		},
	}

	f := cmd.Flags()
	f.StringVar(&csvPath, "csv", "", "CSV file with an Email column")
	f.StringVar(&userID, "user", "", "owning user id")
	f.StringVar(&senderEmail, "sender-email", "", "From address")
	f.StringVar(&senderName, "sender-name", "", "From display name")
	f.StringVar(&subject, "subject", "", "message subject")
	f.StringVar(&body, "body", "", "HTML body")
	f.StringVar(&bodyFile, "body-file", "", "read the HTML body from a file")
	f.StringVar(&start, "start", "", "RFC3339 start time (default now)")
	f.DurationVar(&delay, "delay", time.Second, "delay between recipients")
	f.IntVar(&maxRows, "max-rows", csvparser.DefaultMaxRows, "maximum recipients read from the CSV")
	_ = cmd.MarkFlagRequired("csv")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("sender-email")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

func newRateLimitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Inspect or reset a sender's current rate window",
		Long: `ratelimit reads the shared Redis counters and needs REDIS_ADDR.
Without Redis the windows live inside the server; use its
GET/DELETE /api/ratelimit/{senderId} endpoints instead.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "count <sender-id>",
		Short: "Show the send count for the current hour",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), cmd.OutOrStdout(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			limiter, closeLimiter, err := app.NewSharedLimiter(cmd.Context(), e.cfg, e.log)
			if err != nil {
				return err
			}
			defer closeLimiter()

			n, err := limiter.CurrentCount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(e.out, map[string]any{
				"senderId":          args[0],
				"count":             n,
				"limit":             limiter.Limit(),
				"nextAvailableSlot": limiter.NextAvailableSlot(args[0]),
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <sender-id>",
		Short: "Clear the current hour's counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), cmd.OutOrStdout(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			limiter, closeLimiter, err := app.NewSharedLimiter(cmd.Context(), e.cfg, e.log)
			if err != nil {
				return err
			}
			defer closeLimiter()

			if err := limiter.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(e.out, "rate window reset for %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func newListCmd() *cobra.Command {
	var (
		userID string
		status string
		batch  string
		page   int
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's records",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), cmd.OutOrStdout(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			if batch != "" {
				recs, err := e.stores.Records.FindByBatch(cmd.Context(), userID, batch)
				if err != nil {
					return err
				}
				return printJSON(e.out, recs)
			}

			var statuses []models.EmailStatus
			switch status {
			case "", "all":
			case "scheduled":
				statuses = []models.EmailStatus{models.StatusScheduled}
			case "sent":
				statuses = []models.EmailStatus{models.StatusSent, models.StatusFailed}
			default:
				s := models.EmailStatus(status)
				if !s.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
				statuses = []models.EmailStatus{s}
			}

			p, err := e.stores.Records.ListByUserAndStatus(cmd.Context(), userID, statuses, page, limit)
			if err != nil {
				return err
			}
			return printJSON(e.out, p)
		},
	}

	f := cmd.Flags()
	f.StringVar(&userID, "user", "", "owning user id")
	f.StringVar(&status, "status", "scheduled", "scheduled, sent (sent and failed), failed or all")
	f.StringVar(&batch, "batch", "", "list one batch instead")
	f.IntVar(&page, "page", 1, "page number")
	f.IntVar(&limit, "limit", models.DefaultPageSize, "page size")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newRecoverCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Return stale job claims to the pending set",
		Long: `recover releases jobs claimed longer ago than CLAIM_TIMEOUT.
With --all every claim is released, which is only safe while no server runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), cmd.OutOrStdout(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			r := worker.NewRecovery(e.stores.Jobs, e.cfg.ClaimTimeout, e.log)
			var n int
			if all {
				n, err = r.RecoverAll(cmd.Context())
			} else {
				n, err = r.Sweep(cmd.Context())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "recovered %d claims\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "release every claim")

	return cmd
}
