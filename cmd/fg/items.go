package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowgate/internal/app"
	"flowgate/internal/domain"
	"flowgate/internal/repo"
)

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Aliases: []string{"items"}, Short: "Manage work items"}
	item.AddCommand(itemStartCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemAdvanceCmd())
	item.AddCommand(itemCancelCmd())
	item.AddCommand(itemStepCmd("provision", "Create the feature branch", func(a *app.App) stepFunc { return a.Engine.ProvisionBranch }))
	item.AddCommand(itemStepCmd("develop", "Run the task executor on the item", func(a *app.App) stepFunc { return a.Engine.Develop }))
	item.AddCommand(itemStepCmd("pr", "Open the pull request", func(a *app.App) stepFunc { return a.Engine.OpenPullRequest }))
	return item
}

func itemStartCmd() *cobra.Command {
	var meta []string
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start tracking a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parsePairs(meta)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				item, err := a.Engine.Start(ctx, args[0], metadata, actorID())
				if err != nil {
					return err
				}
				return printItem(item)
			})
		},
	}
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable, team=<id> selects the team)")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				item, err := a.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printItem(item)
			})
		},
	}
}

func itemListCmd() *cobra.Command {
	var phase, team string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.WorkItemFilters{TeamID: team, Limit: limit}
			if phase != "" {
				p, err := domain.ParsePhase(phase)
				if err != nil {
					return err
				}
				f.Phase = string(p)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.List(ctx, f)
				if err != nil {
					return err
				}
				return printItems(items)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "only items in this phase")
	cmd.Flags().StringVar(&team, "team", "", "only items owned by this team")
	cmd.Flags().IntVar(&limit, "limit", 50, "max items")
	return cmd
}

func itemAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <id> <phase>",
		Short: "Move a work item to the next phase",
		Long:  "Gated phases open an approval request and park the item in approval_pending.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := domain.ParsePhase(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Advance(ctx, args[0], to, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Pending {
					fmt.Printf("%s waits for approval %s before %s\n", res.Item.ID, res.ApprovalID, styledPhase(to))
					return nil
				}
				return printItem(res.Item)
			})
		},
	}
}

func itemCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				item, err := a.Engine.Cancel(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printItem(item)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the item is cancelled")
	return cmd
}

type stepFunc func(ctx context.Context, id, actor string) (domain.WorkItem, error)

func itemStepCmd(use, short string, pick func(*app.App) stepFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				item, err := pick(a)(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printItem(item)
			})
		},
	}
}
