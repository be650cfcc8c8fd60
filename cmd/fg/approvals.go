package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowgate/internal/app"
	"flowgate/internal/approval"
	"flowgate/internal/audit"
	"flowgate/internal/domain"
	"flowgate/internal/signature"
	"flowgate/internal/webhook"
)

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{Use: "approval", Aliases: []string{"approvals"}, Short: "Review approval requests"}
	ap.AddCommand(approvalListCmd())
	ap.AddCommand(approvalShowCmd())
	ap.AddCommand(approvalDecideCmd())
	ap.AddCommand(approvalSweepCmd())
	return ap
}

func approvalListCmd() *cobra.Command {
	var status, item string
	var mine bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch domain.ApprovalStatus(status) {
			case "", domain.ApprovalPending, domain.ApprovalApproved, domain.ApprovalRejected, domain.ApprovalExpired:
			default:
				return fmt.Errorf("invalid status %q", status)
			}
			opts := approval.ListOptions{Status: status, WorkItemID: item, Limit: limit}
			if mine {
				opts.Approver = actorID()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				reqs, err := a.Approvals.List(ctx, opts)
				if err != nil {
					return err
				}
				return printApprovals(reqs)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "pending", "pending, approved, rejected, expired or empty for all")
	cmd.Flags().StringVar(&item, "item", "", "only requests for this work item")
	cmd.Flags().BoolVar(&mine, "mine", false, "only requests --actor-id may decide")
	cmd.Flags().IntVar(&limit, "limit", 50, "max requests")
	return cmd
}

func approvalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request and its decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req, err := a.Approvals.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printApproval(req)
			})
		},
	}
}

func approvalDecideCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:       "decide <id> approved|rejected",
		Short:     "Record a decision as --actor-id",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(domain.VerdictApproved), string(domain.VerdictRejected)},
		RunE: func(cmd *cobra.Command, args []string) error {
			verdict := domain.Verdict(strings.ToLower(args[1]))
			if !verdict.Valid() {
				return fmt.Errorf("verdict must be approved or rejected, got %q", args[1])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req, err := a.Approvals.Decide(ctx, args[0], actorID(), verdict, comment)
				if err != nil {
					return err
				}
				return printApproval(req)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "note stored with the decision")
	return cmd
}

func approvalSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue requests and release their work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				expired, err := a.Approvals.Sweep(ctx)
				if err != nil {
					return err
				}
				n, err := a.Engine.Reconcile(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"expired": expired, "reconciled": n})
				}
				fmt.Printf("expired %d request(s), reconciled %d work item(s)\n", len(expired), n)
				return nil
			})
		},
	}
}

func auditCmd() *cobra.Command {
	au := &cobra.Command{Use: "audit", Short: "Query the audit trail"}
	au.AddCommand(auditQueryCmd())
	au.AddCommand(auditStatsCmd())
	return au
}

type auditFlags struct {
	item, actor, kind, outcome, from, to string
}

func (f *auditFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.item, "item", "", "work item id")
	cmd.Flags().StringVar(&f.actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&f.kind, "kind", "", "entry kind, e.g. approval.decide")
	cmd.Flags().StringVar(&f.outcome, "outcome", "", "ok, rejected, failed, ignored or duplicate")
	cmd.Flags().StringVar(&f.from, "from", "", "inclusive start (RFC 3339 or a duration like 24h)")
	cmd.Flags().StringVar(&f.to, "to", "", "exclusive end (RFC 3339)")
}

func (f *auditFlags) filter() (audit.Filter, error) {
	out := audit.Filter{WorkItemID: f.item, Actor: f.actor, Kind: f.kind, Outcome: f.outcome}
	var err error
	if f.from != "" {
		if out.From, err = parseWhen(f.from); err != nil {
			return out, fmt.Errorf("--from: %w", err)
		}
	}
	if f.to != "" {
		if out.To, err = parseWhen(f.to); err != nil {
			return out, fmt.Errorf("--to: %w", err)
		}
	}
	return out, nil
}

// parseWhen accepts an RFC 3339 time or a duration counted back from now.
func parseWhen(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	return time.Parse(time.RFC3339, s)
}

func auditQueryCmd() *cobra.Command {
	var flags auditFlags
	var limit int
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List audit entries in time order",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := flags.filter()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Audit.Collect(ctx, f, limit)
				if err != nil {
					return err
				}
				return printAudit(entries)
			})
		},
	}
	flags.bind(cmd)
	cmd.Flags().IntVar(&limit, "limit", 200, "max entries")
	return cmd
}

func auditStatsCmd() *cobra.Command {
	var flags auditFlags
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := flags.filter()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Audit.Stats(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("entries: %d\n", st.Total)
				for _, group := range []struct {
					title  string
					counts map[string]int
				}{
					{"Kind", st.ByKind},
					{"Outcome", st.ByOutcome},
					{"Actor", st.ByActor},
					{"Resolved as", st.Approvals.Resolved},
				} {
					if len(group.counts) == 0 {
						continue
					}
					tw := newTable()
					tw.AppendHeader(table.Row{group.title, "Count"})
					for _, k := range sortedKeys(group.counts) {
						tw.AppendRow(table.Row{k, group.counts[k]})
					}
					tw.Render()
				}
				fmt.Printf("pending approvals: %d\nmean turnaround: %s\n", st.Approvals.Pending, st.Approvals.MeanTurnaround.Round(time.Second))
				return nil
			})
		},
	}
	flags.bind(cmd)
	return cmd
}

func webhookCmd() *cobra.Command {
	wh := &cobra.Command{Use: "webhook", Short: "Webhook intake"}
	wh.AddCommand(webhookIngestCmd())
	wh.AddCommand(webhookRoutesCmd())
	return wh
}

func webhookIngestCmd() *cobra.Command {
	var file, sig string
	var headers []string
	var sign bool
	cmd := &cobra.Command{
		Use:   "ingest <source>",
		Short: "Feed a recorded delivery through the router",
		Long:  "Reads the body from --file (or stdin). --sign computes the signature from the source's configured secret.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			var err error
			if file == "" || file == "-" {
				body, err = readAll(os.Stdin)
			} else {
				body, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			h := http.Header{}
			for _, kv := range headers {
				k, v, ok := strings.Cut(kv, ":")
				if !ok {
					return fmt.Errorf("expected Header: value, got %q", kv)
				}
				h.Add(strings.TrimSpace(k), strings.TrimSpace(v))
			}
			source := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if sign {
					sc, ok := a.Config.Webhooks.Sources[source]
					if !ok {
						return fmt.Errorf("%w: %s", webhook.ErrUnknownSource, source)
					}
					if sc.VerifyMode() == "hmac-sha256" {
						sig = signature.Sign(sc.ResolvedSecret(), body)
					} else {
						sig = sc.ResolvedSecret()
					}
				}
				if sig == "" {
					sig = h.Get(a.Router.SignatureHeader(source))
				}
				res, err := a.Router.Ingest(ctx, webhook.RawEvent{Source: source, Headers: h, Body: body}, sig)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s %s/%s -> %s", res.Outcome, res.Event.Source, res.Event.EventType, res.Event.WorkItemID)
				if res.Action != "" {
					fmt.Printf(" (%s)", res.Action)
				}
				fmt.Println()
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "payload file, - for stdin")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "request header 'Name: value' (repeatable)")
	cmd.Flags().StringVar(&sig, "signature", "", "signature or token as the sender would send it")
	cmd.Flags().BoolVar(&sign, "sign", false, "sign the payload with the configured secret")
	return cmd
}

func webhookRoutesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Show the routing table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				routes := a.Router.Table.Routes()
				if viper.GetBool("json") {
					return printJSON(routes)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Source", "Event", "Action", "Detail"})
				for _, r := range routes {
					tw.AppendRow(table.Row{r.Source, r.EventType, r.Action, r.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
}
