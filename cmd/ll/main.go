package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"leadline/internal/app"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/migrate"
	"leadline/internal/repo"
	"leadline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ll",
	Short: "Leadline CLI",
	Long: `Leadline distributes sales orders (leads) across teams with daily capacity.
- Orders arrive "new" and wait in the pool.
- "ll allocate run" fills teams largest-capacity-first for a date; whatever
  does not fit lands in the pending bucket for that date.
- Re-running the same date only hands out the delta, never double-allocates.
- "ll allocate rollback" undoes a team's day and releases its orders.
- Payments mark orders Paid and book profit per the stored config.
- Event log: diary of changes, view with 'll log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LEADLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(allocateCmd())
	rootCmd.AddCommand(leadsCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(resultsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func orderCmd() *cobra.Command {
	order := &cobra.Command{Use: "order", Short: "Manage orders"}
	order.AddCommand(orderImportCmd())
	order.AddCommand(orderListCmd())
	return order
}

func orderImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import orders from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var orders []domain.Order
			if err := json.Unmarshal(data, &orders); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.ImportOrders(ctx, orders, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("imported %d orders\n", len(out))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to JSON array of orders")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func orderListCmd() *cobra.Command {
	var f repo.OrderFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				orders, total, err := r.ListOrders(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": orders, "total": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Customer", "Status", "Payment", "State", "Team", "Created"})
				for _, o := range orders {
					teamID := ""
					if o.TeamID != nil {
						teamID = *o.TeamID
					}
					tw.AppendRow(table.Row{o.ID, o.CustomerID, o.Status, o.PaymentStatus, o.State, teamID, o.CreatedAt})
				}
				tw.Render()
				fmt.Printf("total: %d\n", total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter (new, old)")
	cmd.Flags().IntVar(&f.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "page size (0 = all)")
	return cmd
}

func teamCmd() *cobra.Command {
	team := &cobra.Command{Use: "team", Short: "Manage teams"}
	team.AddCommand(teamAddCmd())
	team.AddCommand(teamListCmd())
	team.AddCommand(teamUpdateCmd())
	team.AddCommand(teamDeleteCmd())
	return team
}

func teamAddCmd() *cobra.Command {
	var t domain.Team
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.CreateTeam(ctx, t, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&t.ID, "id", "", "team id (optional, generated if omitted)")
	cmd.Flags().StringVar(&t.TeamName, "name", "", "team name")
	cmd.Flags().StringVar(&t.TeamLeader, "leader", "", "team leader")
	cmd.Flags().StringArrayVar(&t.MemberEmails, "member", []string{}, "member email (repeatable)")
	cmd.Flags().IntVar(&t.Capacity, "capacity", 0, "orders per allocation date")
	cmd.Flags().IntVar(&t.NumMembers, "num-members", 0, "member count (defaults to member emails)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func teamListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				teams, err := r.ListTeams(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(teams)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Leader", "Capacity", "Members", "Payment Received"})
				for _, t := range teams {
					tw.AppendRow(table.Row{t.ID, t.TeamName, t.TeamLeader, t.Capacity, t.NumMembers, t.PaymentReceived})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func teamUpdateCmd() *cobra.Command {
	var id, name, leader string
	var members []string
	var capacity, numMembers int
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TeamUpdateOptions{ID: id, ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("name") {
				opts.TeamName = &name
			}
			if cmd.Flags().Changed("leader") {
				opts.TeamLeader = &leader
			}
			if cmd.Flags().Changed("member") {
				opts.MemberEmails = members
			}
			if cmd.Flags().Changed("capacity") {
				opts.Capacity = &capacity
			}
			if cmd.Flags().Changed("num-members") {
				opts.NumMembers = &numMembers
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.UpdateTeam(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "team id")
	cmd.Flags().StringVar(&name, "name", "", "team name")
	cmd.Flags().StringVar(&leader, "leader", "", "team leader")
	cmd.Flags().StringArrayVar(&members, "member", []string{}, "member email (repeatable, replaces the list)")
	cmd.Flags().IntVar(&capacity, "capacity", 0, "orders per allocation date")
	cmd.Flags().IntVar(&numMembers, "num-members", 0, "member count")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func teamDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTeam(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "team id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func allocateCmd() *cobra.Command {
	alloc := &cobra.Command{
		Use:   "allocate",
		Short: "Run and inspect allocations",
		Long:  "Allocation fills teams largest-capacity-first from the pool of new orders for a date. Quotas (--quota team=count) tighten a team's ceiling for one run; payments (--payment team=amount) annotate the batch.",
	}
	alloc.AddCommand(allocateRunCmd())
	alloc.AddCommand(allocateListCmd())
	alloc.AddCommand(allocateHistoryCmd())
	alloc.AddCommand(allocateRollbackCmd())
	alloc.AddCommand(allocateSweepCmd())
	return alloc
}

// parsePair splits "team=value" flag arguments.
func parsePair(in string) (string, string, error) {
	parts := strings.SplitN(in, "=", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid value %q, want team=value", in)
	}
	return parts[0], parts[1], nil
}

func allocateRunCmd() *cobra.Command {
	var date string
	var quotaFlags, paymentFlags []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an allocation pass for a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.AllocateOptions{Date: date, ActorID: viper.GetString("actor-id")}
			entries := map[string]*engine.QuotaEntry{}
			var order []string
			entry := func(teamID string) *engine.QuotaEntry {
				if q, ok := entries[teamID]; ok {
					return q
				}
				q := &engine.QuotaEntry{TeamID: teamID}
				entries[teamID] = q
				order = append(order, teamID)
				return q
			}
			for _, raw := range quotaFlags {
				teamID, v, err := parsePair(raw)
				if err != nil {
					return err
				}
				n, err := strconv.Atoi(v)
				if err != nil {
					return fmt.Errorf("invalid quota count %q: %v", v, err)
				}
				entry(teamID).RequestedOrders = &n
			}
			for _, raw := range paymentFlags {
				teamID, v, err := parsePair(raw)
				if err != nil {
					return err
				}
				entry(teamID).PaymentAmount = v
			}
			for _, teamID := range order {
				opts.Quotas = append(opts.Quotas, *entries[teamID])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AllocateOrders(ctx, opts)
				if errors.Is(err, engine.ErrNothingToAllocate) {
					fmt.Println("nothing to allocate")
					return nil
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Team", "Orders", "Status", "Payment"})
				for _, b := range res.Batches {
					teamID := ""
					if b.TeamID != nil {
						teamID = *b.TeamID
					}
					payment := ""
					if b.PaymentGiven != nil {
						payment = *b.PaymentGiven
					}
					tw.AppendRow(table.Row{teamID, len(b.OrderIDs), b.Status, payment})
				}
				tw.Render()
				fmt.Printf("assigned: %d, pending: %d\n", res.Assigned, len(res.PendingOrderIDs))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "allocation date (YYYY-MM-DD)")
	cmd.Flags().StringArrayVar(&quotaFlags, "quota", []string{}, "per-team order quota, team=count (repeatable)")
	cmd.Flags().StringArrayVar(&paymentFlags, "payment", []string{}, "per-team payment, team=amount (repeatable)")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func allocateListCmd() *cobra.Command {
	var f repo.AllocationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List allocation batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAllocations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderAllocations(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TeamID, "team", "", "team filter")
	cmd.Flags().BoolVar(&f.PendingOnly, "pending", false, "only the pending buckets")
	cmd.Flags().StringVar(&f.FromDate, "from", "", "start date")
	cmd.Flags().StringVar(&f.ToDate, "to", "", "end date")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func allocateHistoryCmd() *cobra.Command {
	var f repo.AllocationFilters
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Per-order allocation history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.AllocationHistory(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Order", "Team", "Date", "Status"})
				for _, row := range rows {
					teamID := "(pending)"
					if row.AssignedTeam != nil {
						teamID = *row.AssignedTeam
					}
					tw.AppendRow(table.Row{row.OrderID, teamID, row.AllocatedDate, row.CompletionStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TeamID, "team", "", "team filter")
	cmd.Flags().StringVar(&f.FromDate, "from", "", "start date")
	cmd.Flags().StringVar(&f.ToDate, "to", "", "end date")
	return cmd
}

func allocateRollbackCmd() *cobra.Command {
	var teamID, date string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Undo a team's allocation for a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Unallocate(ctx, teamID, date, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("released %d orders from team %s on %s\n", len(res.OrderIDs), res.TeamID, res.Date)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team id")
	cmd.Flags().StringVar(&date, "date", "", "allocation date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("team")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func allocateSweepCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Mark batches from other dates as Unsuccessful",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.MarkStaleAllocations(ctx, date, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("marked %d stale batches\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date to keep (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func renderAllocations(items []domain.Allocation) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Team", "Date", "Status", "Allocated", "Completed", "Payment"})
	for _, b := range items {
		teamID := "(pending)"
		if b.TeamID != nil {
			teamID = *b.TeamID
		}
		payment := ""
		if b.PaymentGiven != nil {
			payment = *b.PaymentGiven
		}
		tw.AppendRow(table.Row{b.ID, teamID, b.AllocationDate, b.Status, b.LeadsAllocated, b.LeadsCompleted, payment})
	}
	tw.Render()
}

func leadsCmd() *cobra.Command {
	leads := &cobra.Command{Use: "leads", Short: "Per-member lead assignments"}
	leads.AddCommand(leadsAssignCmd())
	leads.AddCommand(leadsListCmd())
	return leads
}

func leadsAssignCmd() *cobra.Command {
	var teamID, date string
	var entryFlags []string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a team's allocated leads to members",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.LeadAssignOptions{TeamID: teamID, Date: date, ActorID: viper.GetString("actor-id")}
			for _, raw := range entryFlags {
				memberID, v, err := parsePair(raw)
				if err != nil {
					return err
				}
				opts.Entries = append(opts.Entries, engine.LeadEntry{
					MemberID: memberID,
					LeadIDs:  strings.Split(v, ","),
				})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.SaveLeadAllocations(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team id")
	cmd.Flags().StringVar(&date, "date", "", "allocation date (YYYY-MM-DD)")
	cmd.Flags().StringArrayVar(&entryFlags, "entry", []string{}, "member=lead1,lead2 (repeatable)")
	_ = cmd.MarkFlagRequired("team")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func leadsListCmd() *cobra.Command {
	var teamID, date string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lead assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListLeadAllocations(ctx, teamID, date)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Team", "Member", "Leads", "Date", "Status"})
				for _, la := range items {
					tw.AppendRow(table.Row{la.ID, la.TeamID, la.MemberID, len(la.LeadIDs), la.Date, la.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team filter")
	cmd.Flags().StringVar(&date, "date", "", "date filter")
	return cmd
}

func paymentCmd() *cobra.Command {
	payment := &cobra.Command{Use: "payment", Short: "Record order payments"}
	payment.AddCommand(paymentRecordCmd())
	return payment
}

func paymentRecordCmd() *cobra.Command {
	var orderID, status, memberName string
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record an order's payment status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, result, err := e.RecordPayment(ctx, engine.PaymentOptions{
					OrderID:       orderID,
					PaymentStatus: status,
					MemberName:    memberName,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"order": o, "result": result})
			})
		},
	}
	cmd.Flags().StringVar(&orderID, "order", "", "order id")
	cmd.Flags().StringVar(&status, "status", "Paid", "payment status (Paid, Unpaid, Failed)")
	cmd.Flags().StringVar(&memberName, "member-name", "", "member credited with the sale")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func resultsCmd() *cobra.Command {
	results := &cobra.Command{Use: "results", Short: "Profit results"}
	results.AddCommand(resultsListCmd())
	return results
}

func resultsListCmd() *cobra.Command {
	var f repo.ResultFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List profit results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListResults(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Order", "Team", "Member", "Profit", "Member Profit", "Completed"})
				for _, res := range items {
					teamID := ""
					if res.TeamID != nil {
						teamID = *res.TeamID
					}
					completed := ""
					if res.CompletionDate != nil {
						completed = *res.CompletionDate
					}
					tw.AppendRow(table.Row{res.OrderID, teamID, res.MemberName, res.ProfitBehindOrder, res.MembersProfit, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TeamID, "team", "", "team filter")
	cmd.Flags().StringVar(&f.FromDate, "from", "", "start date")
	cmd.Flags().StringVar(&f.ToDate, "to", "", "end date")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage allocation config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertConfig(ctx, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Print the default config YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), r)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Server.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Logger: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Leadline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
