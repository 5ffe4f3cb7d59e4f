package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"steward/internal/app"
	"steward/internal/breaker"
	"steward/internal/domain"
	"steward/internal/executor"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	blue   = color.New(color.FgBlue).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func colorStatus(s domain.ActionStatus) string {
	switch s {
	case domain.StatusPending:
		return yellow(string(s))
	case domain.StatusApproved:
		return cyan(string(s))
	case domain.StatusExecuting:
		return blue(string(s))
	case domain.StatusExecuted:
		return green(string(s))
	default:
		return gray(string(s))
	}
}

func colorBreaker(s breaker.State) string {
	switch s {
	case breaker.StateOpen:
		return red(string(s))
	case breaker.StateHalfOpen:
		return yellow(string(s))
	default:
		return green(string(s))
	}
}

func actionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Inspect and decide held actions",
	}
	cmd.AddCommand(actionsListCmd())
	cmd.AddCommand(actionsShowCmd())
	cmd.AddCommand(actionsApproveCmd())
	cmd.AddCommand(actionsCancelCmd())
	cmd.AddCommand(actionsReverseCmd())
	cmd.AddCommand(actionsStuckCmd())
	return cmd
}

func printActions(items []domain.HeldAction) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Project", "Type", "Status", "Held Until", "Decided By", "Last Error"})
	for _, a := range items {
		tw.AppendRow(table.Row{
			a.ID, a.ProjectID, a.ActionType, colorStatus(a.Status),
			a.HeldUntil.Local().Format(time.DateTime), stringOrEmpty(a.DecidedBy), stringOrEmpty(a.LastError),
		})
	}
	tw.Render()
	return nil
}

func actionsListCmd() *cobra.Command {
	var projectID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions by project or status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" && status == "" {
				return fmt.Errorf("--project or --status required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var items []domain.HeldAction
				var err error
				if projectID != "" {
					items, err = a.Queue.ListProject(ctx, projectID)
				} else {
					items, err = a.Queue.ListByStatus(ctx, domain.ActionStatus(status))
				}
				if err != nil {
					return err
				}
				if projectID != "" && status != "" {
					filtered := items[:0]
					for _, it := range items {
						if string(it.Status) == status {
							filtered = append(filtered, it)
						}
					}
					items = filtered
				}
				return printActions(items)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func actionsShowCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "show <action-id>",
		Short: "Show one action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				got, err := a.Queue.Get(ctx, projectID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(got)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// settled prints the outcome of a transition that may have lost a race.
func settled(a *domain.HeldAction, id, verb string) error {
	if a == nil {
		fmt.Printf("%s action %s was already settled\n", yellow("skipped"), id)
		return nil
	}
	if viper.GetBool("json") {
		return printJSON(a)
	}
	fmt.Printf("%s %s (%s)\n", verb, a.ID, colorStatus(a.Status))
	return nil
}

func actionsApproveCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "approve <action-id>",
		Short: "Approve and execute an action now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				got, err := a.Queue.ApproveAction(ctx, projectID, args[0], a.Executor, viper.GetString("actor-id"))
				if got == nil && err != nil {
					return err
				}
				if err != nil {
					a.Logger.Warn("executed action not credited to graduation", "action_id", got.ID, "error", err)
				}
				return settled(got, args[0], "approved")
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func actionsCancelCmd() *cobra.Command {
	var projectID, reason string
	cmd := &cobra.Command{
		Use:   "cancel <action-id>",
		Short: "Cancel a pending or approved action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				got, err := a.Queue.CancelAction(ctx, projectID, args[0], reason, viper.GetString("actor-id"))
				if got == nil && err != nil {
					return err
				}
				if err != nil {
					a.Logger.Warn("cancellation not recorded by graduation", "action_id", got.ID, "error", err)
				}
				return settled(got, args[0], "cancelled")
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&reason, "reason", "", "why the action was cancelled")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func actionsReverseCmd() *cobra.Command {
	var projectID, reason string
	cmd := &cobra.Command{
		Use:   "reverse <action-id>",
		Short: "Record that an executed action was undone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				got, err := a.Queue.ReverseAction(ctx, projectID, args[0], viper.GetString("actor-id"), reason)
				if got == nil && err != nil {
					return err
				}
				if err != nil {
					a.Logger.Warn("reversal not recorded by graduation", "action_id", got.ID, "error", err)
				}
				return settled(got, args[0], "reversed")
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&reason, "reason", "", "what went wrong")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func actionsStuckCmd() *cobra.Command {
	var threshold time.Duration
	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List actions executing longer than the stuck threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if threshold <= 0 {
					threshold = a.StuckThreshold()
				}
				items, err := a.Queue.GetStuckExecuting(ctx, threshold)
				if err != nil {
					return err
				}
				return printActions(items)
			})
		},
	}
	cmd.Flags().DurationVar(&threshold, "threshold", 0, "stuck threshold (default from config)")
	return cmd
}

func budgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect and record reasoning spend",
	}
	cmd.AddCommand(budgetStatusCmd())
	cmd.AddCommand(budgetRecordCmd())
	cmd.AddCommand(budgetCanCallCmd())
	return cmd
}

func printBudget(a *app.App, st domain.BudgetStatus) error {
	d := a.Ledger.DirectiveFor(st.DegradationTier, st.Blocked)
	if viper.GetBool("json") {
		return printJSON(map[string]any{"status": st, "directive": d})
	}
	tier := fmt.Sprintf("%d", st.DegradationTier)
	switch {
	case st.Blocked:
		tier = red(tier + " (blocked)")
	case st.DegradationTier >= 2:
		tier = yellow(tier)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"Day", st.DayKey},
		{"Daily spend", fmt.Sprintf("$%.4f / $%.2f", st.DailySpendUSD, st.DailyLimitUSD)},
		{"Month", st.MonthKey},
		{"Monthly spend", fmt.Sprintf("$%.4f / $%.2f", st.MonthlySpendUSD, st.MonthlyLimitUSD)},
		{"Tier", tier},
		{"Model split", fmt.Sprintf("%d%% cheap / %d%% strong", d.CheapPercent, d.StrongPercent)},
		{"Poll interval", fmt.Sprintf("x%d", d.PollIntervalFactor)},
		{"Autonomous execution", d.AutonomousExecution},
	})
	tw.Render()
	return nil
}

func budgetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show spend and degradation tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Ledger.Status(ctx)
				if err != nil {
					return err
				}
				return printBudget(a, st)
			})
		},
	}
}

func budgetRecordCmd() *cobra.Command {
	var amount float64
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record the cost of one reasoning call",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Ledger.RecordSpend(ctx, amount)
				if err != nil {
					return err
				}
				return printBudget(a, st)
			})
		},
	}
	cmd.Flags().Float64Var(&amount, "usd", 0, "amount in USD")
	_ = cmd.MarkFlagRequired("usd")
	return cmd
}

func budgetCanCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "can-call",
		Short: "Report whether another reasoning call is allowed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Ledger.CanMakeLLMCall(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				if d.Allowed {
					fmt.Println(green("allowed"))
					return nil
				}
				fmt.Println(red("blocked:"), d.Reason)
				return nil
			})
		},
	}
}

func graduationCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "graduation",
		Short: "Show earned autonomy per action type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var evidence []domain.GraduationEvidence
				for _, t := range domain.ActionTypes {
					ev, err := a.Graduation.Evidence(ctx, projectID, t)
					if err != nil {
						return err
					}
					evidence = append(evidence, ev)
				}
				if viper.GetBool("json") {
					return printJSON(evidence)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Tier", "Streak", "Next Tier At", "Hold", "Graduated"})
				for _, ev := range evidence {
					next := "-"
					if ev.NextTierAt != nil {
						next = fmt.Sprintf("%d", *ev.NextTierAt)
					}
					grad := gray("no")
					if ev.Graduated {
						grad = green("yes")
					}
					tw.AppendRow(table.Row{ev.ActionType, fmt.Sprintf("%d/%d", ev.Tier, ev.MaxTier), ev.ConsecutiveApprovals, next, fmt.Sprintf("%dm", ev.HoldMinutes), grad})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func breakersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "breakers",
		Short: "Show executor circuit breakers",
		Long:  "Breaker state lives in memory of the serving process; this shows the configured services as a fresh process sees them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				for _, svc := range []string{executor.ServiceEmail, executor.ServiceJira} {
					a.Breakers.Get(svc)
				}
				snaps := a.Breakers.Snapshots()
				if viper.GetBool("json") {
					return printJSON(snaps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Service", "State", "Failures"})
				for _, s := range snaps {
					tw.AppendRow(table.Row{s.Name, colorBreaker(s.State), s.ConsecutiveFailures})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	var n int
	var projectID, evtType string
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Repo.Events.Latest(ctx, n, projectID)
				if err != nil {
					return err
				}
				if evtType != "" {
					filtered := evts[:0]
					for _, e := range evts {
						if strings.HasPrefix(e.Type, evtType) {
							filtered = append(filtered, e)
						}
					}
					evts = filtered
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Type", "Project", "Entity", "Actor"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.TS.Local().Format(time.DateTime), e.Type, e.ProjectID, e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type prefix filter")
	return cmd
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
