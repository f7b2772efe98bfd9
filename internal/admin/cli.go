package admin

import (
    "context"
    "fmt"
    "os"
    "time"

    "github.com/fatih/color"
    "github.com/olekukonko/tablewriter"
    "github.com/spf13/cobra"

    "github.com/radscheduler/core/internal/models"
)

var (
    green  = color.New(color.FgGreen).SprintFunc()
    red    = color.New(color.FgRed).SprintFunc()
    yellow = color.New(color.FgYellow).SprintFunc()
    bold   = color.New(color.Bold).SprintFunc()
)

// Resolver lazily builds (or returns an already-built) Service. Commands
// call it inside RunE rather than at registration time, so "--help" and
// other non-admin subcommands never pay for a database connection,
// mirroring the teacher's per-command initializeForCLI call.
type Resolver func(ctx context.Context) (*Service, error)

// Commands builds the "admin" cobra command tree, resolving the backing
// Service lazily on each invocation via resolve.
func Commands(resolve Resolver) *cobra.Command {
    adminCmd := &cobra.Command{
        Use:   "admin",
        Short: "Inspect conversations and scheduling stats",
        Long:  "Read-only commands for inspecting scheduling conversations and aggregate statistics",
    }

    adminCmd.AddCommand(
        createConversationsListCommand(resolve),
        createConversationShowCommand(resolve),
        createStateCountsCommand(resolve),
        createTimeInStateCommand(resolve),
        createSMSVolumeCommand(resolve),
    )
    return adminCmd
}

func createConversationsListCommand(resolve Resolver) *cobra.Command {
    var (
        state    string
        stuck    bool
        stuckSLA time.Duration
        limit    int
    )

    cmd := &cobra.Command{
        Use:   "list",
        Short: "List scheduling conversations",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            svc, err := resolve(ctx)
            if err != nil {
                return err
            }

            f := Filter{State: parseState(state), Stuck: stuck, StuckSLA: stuckSLA, Limit: limit}
            rows, err := svc.ListConversations(ctx, f)
            if err != nil {
                return fmt.Errorf("failed to list conversations: %v", err)
            }
            if len(rows) == 0 {
                fmt.Println("No conversations found")
                return nil
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"ID", "State", "Organization", "Created", "Updated"})
            table.SetBorder(false)
            table.SetAutoWrapText(false)

            for _, c := range rows {
                table.Append([]string{
                    c.ID,
                    colorState(c.State),
                    c.OrganizationID,
                    c.CreatedAt.Format(time.RFC3339),
                    c.UpdatedAt.Format(time.RFC3339),
                })
            }
            table.Render()
            return nil
        },
    }

    cmd.Flags().StringVar(&state, "state", "", "Filter by conversation state")
    cmd.Flags().BoolVar(&stuck, "stuck", false, "Only show conversations the stuck-session monitor would act on")
    cmd.Flags().DurationVar(&stuckSLA, "stuck-sla", time.Minute, "Idle duration before a non-terminal conversation counts as stuck")
    cmd.Flags().IntVar(&limit, "limit", 100, "Maximum rows to return")

    return cmd
}

func createConversationShowCommand(resolve Resolver) *cobra.Command {
    cmd := &cobra.Command{
        Use:   "show <id>",
        Short: "Show a single conversation's detail",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            svc, err := resolve(ctx)
            if err != nil {
                return err
            }

            detail, err := svc.GetConversationDetail(ctx, args[0])
            if err != nil {
                return fmt.Errorf("failed to load conversation: %v", err)
            }

            fmt.Printf("%s %s\n", bold("ID:"), detail.ID)
            fmt.Printf("%s %s\n", bold("State:"), colorState(detail.State))
            fmt.Printf("%s %s\n", bold("Organization:"), detail.OrganizationID)
            fmt.Printf("%s %s\n", bold("Created:"), detail.CreatedAt.Format(time.RFC3339))
            fmt.Printf("%s %s\n", bold("Updated:"), detail.UpdatedAt.Format(time.RFC3339))
            if detail.CompletedAt != nil {
                fmt.Printf("%s %s\n", bold("Completed:"), detail.CompletedAt.Format(time.RFC3339))
            }
            fmt.Printf("%s %d pending, %d available slots\n", bold("Orders:"),
                len(detail.OrderData.PendingOrders), len(detail.OrderData.AvailableSlots))
            if detail.OrderData.Appointment != nil {
                fmt.Printf("%s %s at %s\n", bold("Appointment:"),
                    detail.OrderData.Appointment.LocationName, detail.OrderData.Appointment.DateTime.Format(time.RFC3339))
            }
            return nil
        },
    }
    return cmd
}

func createStateCountsCommand(resolve Resolver) *cobra.Command {
    var days int

    cmd := &cobra.Command{
        Use:   "state-counts",
        Short: "Show conversation counts by state",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            svc, err := resolve(ctx)
            if err != nil {
                return err
            }
            to := time.Now()
            from := to.Add(-time.Duration(days) * 24 * time.Hour)

            rows, err := svc.CountsByState(ctx, from, to)
            if err != nil {
                return fmt.Errorf("failed to count conversations by state: %v", err)
            }
            if len(rows) == 0 {
                fmt.Println("No conversations in range")
                return nil
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"State", "Count"})
            table.SetBorder(false)
            for _, r := range rows {
                table.Append([]string{colorState(r.State), fmt.Sprintf("%d", r.Count)})
            }
            table.Render()
            return nil
        },
    }
    cmd.Flags().IntVar(&days, "days", 7, "Lookback window in days")
    return cmd
}

func createTimeInStateCommand(resolve Resolver) *cobra.Command {
    var days int

    cmd := &cobra.Command{
        Use:   "time-in-state",
        Short: "Show average dwell time per state",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            svc, err := resolve(ctx)
            if err != nil {
                return err
            }
            to := time.Now()
            from := to.Add(-time.Duration(days) * 24 * time.Hour)

            rows, err := svc.AverageTimeInState(ctx, from, to)
            if err != nil {
                return fmt.Errorf("failed to compute average time in state: %v", err)
            }
            if len(rows) == 0 {
                fmt.Println("No state transitions in range")
                return nil
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"State", "Avg Duration", "Samples"})
            table.SetBorder(false)
            for _, r := range rows {
                table.Append([]string{
                    colorState(r.State),
                    (time.Duration(r.AverageSeconds) * time.Second).String(),
                    fmt.Sprintf("%d", r.SampleSize),
                })
            }
            table.Render()
            return nil
        },
    }
    cmd.Flags().IntVar(&days, "days", 7, "Lookback window in days")
    return cmd
}

func createSMSVolumeCommand(resolve Resolver) *cobra.Command {
    var days int

    cmd := &cobra.Command{
        Use:   "sms-volume",
        Short: "Show inbound/outbound SMS counts",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()
            svc, err := resolve(ctx)
            if err != nil {
                return err
            }
            to := time.Now()
            from := to.Add(-time.Duration(days) * 24 * time.Hour)

            vol, err := svc.SMSVolumeByDirection(ctx, from, to)
            if err != nil {
                return fmt.Errorf("failed to count sms volume: %v", err)
            }
            fmt.Printf("%s %s\n", bold("Inbound:"), green(fmt.Sprintf("%d", vol.Inbound)))
            fmt.Printf("%s %s\n", bold("Outbound:"), green(fmt.Sprintf("%d", vol.Outbound)))
            return nil
        },
    }
    cmd.Flags().IntVar(&days, "days", 7, "Lookback window in days")
    return cmd
}

func colorState(s models.ConversationState) string {
    switch s {
    case models.StateConfirmed:
        return green(string(s))
    case models.StateCancelled, models.StateExpired:
        return red(string(s))
    default:
        return yellow(string(s))
    }
}

func parseState(v string) models.ConversationState {
    return models.ConversationState(v)
}
