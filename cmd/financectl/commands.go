package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aura-learn/backend/config"
	"github.com/aura-learn/backend/internal/audit"
	"github.com/aura-learn/backend/internal/auth"
	"github.com/aura-learn/backend/internal/commissions"
	"github.com/aura-learn/backend/internal/ledger"
	"github.com/aura-learn/backend/internal/models"
)

type earningsOps interface {
	MarkPaid(ctx context.Context, ids []uuid.UUID, meta commissions.PayoutMeta) (commissions.PayoutResult, error)
	Cancel(ctx context.Context, earningID uuid.UUID, reason string) (*models.Earning, error)
}

type ledgerOps interface {
	Balance(ctx context.Context) (ledger.Balance, error)
	ExportStatement(ctx context.Context, from, to time.Time) (*ledger.Export, error)
}

type services struct {
	earnings map[models.PayeeKind]earningsOps
	ledger   ledgerOps
	audit    *audit.Recorder
	migrate  func(ctx context.Context) ([]string, error)
}

type opener func(ctx context.Context, cfg *config.Config) (*services, func(), error)

// cli carries state shared by every command.
type cli struct {
	open    opener
	actor   string
	asJSON  bool
	loadCfg func() (*config.Config, error)
}

func newRootCmd(open opener, loadCfg func() (*config.Config, error)) *cobra.Command {
	c := &cli{open: open, loadCfg: loadCfg}
	root := &cobra.Command{
		Use:           "financectl",
		Short:         "Operate payouts, earnings and the ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.actor, "actor", "", "admin user id recorded in the audit log")
	root.PersistentFlags().BoolVar(&c.asJSON, "json", false, "print JSON")

	payouts := &cobra.Command{Use: "payouts", Short: "Payout operations"}
	payouts.AddCommand(c.payoutsMarkCmd())

	earnings := &cobra.Command{Use: "earnings", Short: "Earning operations"}
	earnings.AddCommand(c.earningsCancelCmd())

	ledgerCmd := &cobra.Command{Use: "ledger", Short: "Ledger reports"}
	ledgerCmd.AddCommand(c.ledgerBalanceCmd(), c.ledgerExportCmd())

	root.AddCommand(payouts, earnings, ledgerCmd, c.tokenCmd(), c.migrateCmd())
	return root
}

// withServices loads config, opens services and runs fn.
func (c *cli) withServices(cmd *cobra.Command, fn func(ctx context.Context, svc *services) error) error {
	cfg, err := c.loadCfg()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, closeFn, err := c.open(ctx, cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}
	return fn(ctx, svc)
}

func (c *cli) actorID() (*uuid.UUID, error) {
	if c.actor == "" {
		return nil, nil
	}
	id, err := uuid.Parse(c.actor)
	if err != nil {
		return nil, fmt.Errorf("invalid --actor: %w", err)
	}
	return &id, nil
}

func engineFor(svc *services, kind string) (earningsOps, error) {
	e, ok := svc.earnings[models.PayeeKind(strings.ToLower(kind))]
	if !ok {
		return nil, fmt.Errorf("--kind must be instructor or affiliate, got %q", kind)
	}
	return e, nil
}

func parseIDs(args []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(args))
	for _, a := range args {
		id, err := uuid.Parse(a)
		if err != nil {
			return nil, fmt.Errorf("invalid earning id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *cli) payoutsMarkCmd() *cobra.Command {
	var kind, reference string
	cmd := &cobra.Command{
		Use:   "mark [earning-id...]",
		Short: "Mark pending earnings as paid",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			actor, err := c.actorID()
			if err != nil {
				return err
			}
			if actor == nil {
				return fmt.Errorf("--actor is required to mark payouts")
			}
			return c.withServices(cmd, func(ctx context.Context, svc *services) error {
				e, err := engineFor(svc, kind)
				if err != nil {
					return err
				}
				res, err := e.MarkPaid(ctx, ids, commissions.PayoutMeta{PaidBy: *actor, Reference: reference})
				if err != nil {
					return err
				}
				svc.audit.Record(ctx, audit.Entry(actor, audit.ActionPayoutMarked, audit.EntityEarning, reference,
					map[string]any{"kind": kind, "count": res.Count, "total": res.TotalAmount.String(), "earning_ids": ids, "source": "financectl"}))
				if c.asJSON {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "marked %d earnings paid, total %s\n", res.Count, res.TotalAmount.StringFixed(2))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "instructor", "payee kind (instructor, affiliate)")
	cmd.Flags().StringVar(&reference, "reference", "", "payout batch reference")
	return cmd
}

func (c *cli) earningsCancelCmd() *cobra.Command {
	var kind, reason string
	cmd := &cobra.Command{
		Use:   "cancel [earning-id]",
		Short: "Cancel a pending earning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			actor, err := c.actorID()
			if err != nil {
				return err
			}
			return c.withServices(cmd, func(ctx context.Context, svc *services) error {
				e, err := engineFor(svc, kind)
				if err != nil {
					return err
				}
				earn, err := e.Cancel(ctx, ids[0], reason)
				if err != nil {
					return err
				}
				svc.audit.Record(ctx, audit.Entry(actor, audit.ActionEarningCancelled, audit.EntityEarning, ids[0].String(),
					map[string]any{"kind": kind, "reason": reason, "amount": earn.Amount.String(), "source": "financectl"}))
				if c.asJSON {
					return printJSON(cmd.OutOrStdout(), earn)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "earning %s cancelled (%s)\n", earn.ID, earn.Amount.StringFixed(2))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "instructor", "payee kind (instructor, affiliate)")
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func (c *cli) ledgerBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show credits, debits and the derived balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withServices(cmd, func(ctx context.Context, svc *services) error {
				b, err := svc.ledger.Balance(ctx)
				if err != nil {
					return err
				}
				if c.asJSON {
					return printJSON(cmd.OutOrStdout(), b)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "credits\t%s\n", b.Credits.StringFixed(2))
				fmt.Fprintf(w, "debits\t%s\n", b.Debits.StringFixed(2))
				fmt.Fprintf(w, "balance\t%s\n", b.Balance.StringFixed(2))
				return w.Flush()
			})
		},
	}
}

func (c *cli) ledgerExportCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a statement as CSV to object storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, end, err := ledger.ParseRange(from, to, time.Now())
			if err != nil {
				return err
			}
			actor, err := c.actorID()
			if err != nil {
				return err
			}
			return c.withServices(cmd, func(ctx context.Context, svc *services) error {
				exp, err := svc.ledger.ExportStatement(ctx, start, end)
				if err != nil {
					return err
				}
				svc.audit.Record(ctx, audit.Entry(actor, audit.ActionLedgerExported, audit.EntityLedger, exp.Key,
					map[string]any{"rows": exp.Rows, "source": "financectl"}))
				if c.asJSON {
					return printJSON(cmd.OutOrStdout(), exp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d rows written to %s\n%s\n", exp.Rows, exp.Key, exp.DownloadURL)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first day, YYYY-MM-DD (default: start of this month)")
	cmd.Flags().StringVar(&to, "to", "", "last day, YYYY-MM-DD, inclusive")
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	var userID, email, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a short-lived API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadCfg()
			if err != nil {
				return err
			}
			id, err := uuid.Parse(userID)
			if err != nil {
				return fmt.Errorf("invalid --user-id: %w", err)
			}
			tok, err := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours).Issue(id, email, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "subject user id")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringVar(&role, "role", string(models.RoleAdmin), "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withServices(cmd, func(ctx context.Context, svc *services) error {
				applied, err := svc.migrate(ctx)
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
					return nil
				}
				for _, name := range applied {
					fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
				}
				return nil
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
