package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"followup-engine/internal/campaign"
	"followup-engine/internal/channel"
	"followup-engine/internal/config"
	"followup-engine/internal/httpserver"
	"followup-engine/internal/logging"
)

// rootOptions holds state shared by every subcommand.
type rootOptions struct {
	envFile string
	cfg     config.Config
	logger  *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "followup",
		Short:         "Recurring follow-up campaigns for quiz leads",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.envFile != "" {
				if err := godotenv.Load(opts.envFile); err != nil {
					return fmt.Errorf("load env file: %w", err)
				}
			} else {
				_ = godotenv.Load()
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			opts.cfg = cfg
			opts.logger = logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file to load (default .env when present)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newCycleCommand(opts))
	cmd.AddCommand(newDedupeCommand(opts))
	cmd.AddCommand(newTopupCommand(opts))
	cmd.AddCommand(newCampaignCommand(opts))
	cmd.AddCommand(newLeadCommand(opts))
	return cmd
}

// withApp runs fn with a wired app and a context cancelled on SIGINT or SIGTERM.
func withApp(opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the detection loop and the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	a.logger.Info("starting followup engine", "env", a.cfg.AppEnv, "channels", a.router.Channels())

	go func() {
		if err := a.startWhatsApp(ctx); err != nil {
			a.logger.Error("whatsapp client stopped", "error", err)
		}
	}()

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	httpSrv := httpserver.New(a.cfg.HTTPListenAddr, a.logger, a.metrics, httpserver.Handlers{
		TopupWebhook: a.topup,
	}, httpserver.Dependencies{
		Storage:   a.repository,
		Cycles:    a.scheduler,
		Summaries: a.summaries,
		Dedupe:    a.dedupe,
	}, a.cfg.AdminToken, a.cfg.HTTPBasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		runErr = fmt.Errorf("http server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", "error", err)
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Error("scheduler shutdown error", "error", err)
	}
	return runErr
}

func newCycleCommand(opts *rootOptions) *cobra.Command {
	var campaignID string
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one detection cycle now and print its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				if err := a.startWhatsApp(ctx); err != nil {
					return fmt.Errorf("start whatsapp: %w", err)
				}
				summary, err := a.scheduler.ForceCycle(ctx, campaignID)
				if err != nil {
					return fmt.Errorf("force cycle: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
	cmd.Flags().StringVar(&campaignID, "campaign", "", "run only this campaign, due or not")
	return cmd
}

func newDedupeCommand(opts *rootOptions) *cobra.Command {
	var campaignID string
	cmd := &cobra.Command{
		Use:   "dedupe",
		Short: "Collapse duplicate delivery log rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				removed, err := a.dedupe(ctx, campaignID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"campaign_id": campaignID, "removed": removed})
			})
		},
	}
	cmd.Flags().StringVar(&campaignID, "campaign", "", "limit to one campaign (default all)")
	return cmd
}

func newTopupCommand(opts *rootOptions) *cobra.Command {
	var (
		userID    string
		ch        string
		amount    int64
		reference string
	)
	cmd := &cobra.Command{
		Use:   "topup",
		Short: "Add credits to a user's channel balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := channel.Parse(ch)
			if err != nil {
				return err
			}
			if amount <= 0 {
				return errors.New("--amount must be positive")
			}
			return withApp(opts, func(ctx context.Context, a *app) error {
				resp, err := a.topup.Apply(ctx, userID, parsed, amount, reference)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owner id (required)")
	cmd.Flags().StringVar(&ch, "channel", "", "sms, email or whatsapp (required)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "credits to add (required)")
	cmd.Flags().StringVar(&reference, "reference", "", "payment reference, applied at most once")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newCampaignCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Manage campaigns",
	}

	var file string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a campaign from a YAML definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read campaign file: %w", err)
			}
			def, err := campaign.ParseDefinition(data)
			if err != nil {
				return err
			}
			return withApp(opts, func(ctx context.Context, a *app) error {
				prepared, err := campaign.Prepare(def, time.Now().UTC(), a.tuning.Current().Holidays)
				if err != nil {
					return err
				}
				created, err := a.repository.CreateCampaign(ctx, prepared)
				if err != nil {
					return err
				}
				a.logger.Info("campaign created", "campaign_id", created.ID, "owner_id", created.OwnerID, "channel", created.Channel)
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"id":              created.ID,
					"status":          created.Status,
					"next_occurrence": nextOccurrence(created),
				})
			})
		},
	}
	create.Flags().StringVarP(&file, "file", "f", "", "campaign YAML file (required)")
	_ = create.MarkFlagRequired("file")

	cmd.AddCommand(create)
	return cmd
}

func nextOccurrence(c campaign.Campaign) *time.Time {
	if c.Pattern == nil {
		return nil
	}
	return c.Pattern.NextOccurrence
}

func newLeadCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lead",
		Short: "Manage quiz leads",
	}

	var lead campaign.Lead
	add := &cobra.Command{
		Use:   "add",
		Short: "Record a quiz lead",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if lead.Email == "" && lead.Phone == "" {
				return errors.New("--email or --phone is required")
			}
			return withApp(opts, func(ctx context.Context, a *app) error {
				created, err := a.repository.InsertLead(ctx, lead)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"id": created.ID, "created_at": created.CreatedAt})
			})
		},
	}
	add.Flags().StringVar(&lead.QuizID, "quiz", "", "quiz id the lead answered (required)")
	add.Flags().StringVar(&lead.Name, "name", "", "lead name")
	add.Flags().StringVar(&lead.Email, "email", "", "lead email")
	add.Flags().StringVar(&lead.Phone, "phone", "", "lead phone")
	_ = add.MarkFlagRequired("quiz")

	cmd.AddCommand(add)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
