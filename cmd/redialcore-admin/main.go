// Command redialcore-admin is a small local operator tool for
// inspecting and adjusting the core's on-disk state directly. It
// reads and writes the same data directory as the daemon; there is
// no HTTP surface.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"redialcore/internal/callstate"
	"redialcore/internal/clockpolicy"
	"redialcore/internal/config"
	"redialcore/internal/logging"
	"redialcore/internal/phonekey"
	"redialcore/internal/redial"
	"redialcore/internal/store"
	"redialcore/internal/suppression"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "redialcore-admin",
		Short: "Inspect and adjust redialcore's on-disk state",
	}
	root.PersistentFlags().StringVar(&configPath, "config", envOr("REDIALCORE_CONFIG", "/etc/redialcore/redialcore.yaml"), "path to redialcore.yaml")

	root.AddCommand(suppressionCmd(), redialCmd(), callStateCmd(), scheduleCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func openRootStore(cfg *config.Config) (*store.Store, error) {
	return store.New(cfg.DataDir)
}

func openRedialStore(cfg *config.Config) (*store.Store, error) {
	return store.New(filepath.Join(cfg.DataDir, "redial-queue"))
}

// buildPolicy prefers the persisted scheduler-config.json (the
// authoritative copy once the daemon has seeded it), falling back to
// the YAML config for a data dir the daemon has never touched.
func buildPolicy(cfg *config.Config) (*clockpolicy.Policy, error) {
	backing, err := openRootStore(cfg)
	if err != nil {
		return nil, err
	}
	doc, existed, err := clockpolicy.LoadConfigDocument(backing)
	if err != nil {
		return nil, err
	}
	if existed {
		return clockpolicy.FromDocument(doc)
	}
	return clockpolicy.New(cfg.Policy.Timezone, cfg.Policy.BusinessStart, cfg.Policy.BusinessEnd, cfg.Policy.BlackoutDates, cfg.Policy.SMSBusinessHoursOnly())
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// === suppression ===

func suppressionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "suppression", Short: "Manage the suppression/blocklist store"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every suppression flag",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fatalf("loading config: %v", err)
			}
			backing, err := openRootStore(cfg)
			if err != nil {
				fatalf("opening store: %v", err)
			}
			sup, err := suppression.New(backing)
			if err != nil {
				fatalf("loading suppression store: %v", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tFIELD\tVALUE\tREASON\tADDED_AT")
			for _, f := range sup.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", f.ID, f.Field, f.Value, f.Reason, f.AddedAt.Format(time.RFC3339))
			}
			w.Flush()
		},
	}

	var addField, addReason string
	add := &cobra.Command{
		Use:   "add [value]",
		Short: "Add a suppression flag",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fatalf("loading config: %v", err)
			}
			backing, err := openRootStore(cfg)
			if err != nil {
				fatalf("opening store: %v", err)
			}
			sup, err := suppression.New(backing)
			if err != nil {
				fatalf("loading suppression store: %v", err)
			}
			flag, existed, err := sup.Add(suppression.Field(addField), args[0], addReason, time.Now())
			if err != nil {
				fatalf("adding flag: %v", err)
			}
			if existed {
				fmt.Printf("already suppressed: %s\n", flag.ID)
				return
			}
			fmt.Printf("added: %s\n", flag.ID)
		},
	}
	add.Flags().StringVar(&addField, "field", "phone", "field to suppress: phone|lead_id|email")
	add.Flags().StringVar(&addReason, "reason", "admin", "reason recorded on the flag")

	remove := &cobra.Command{
		Use:   "remove [id]",
		Short: "Remove a suppression flag by id",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fatalf("loading config: %v", err)
			}
			backing, err := openRootStore(cfg)
			if err != nil {
				fatalf("opening store: %v", err)
			}
			sup, err := suppression.New(backing)
			if err != nil {
				fatalf("loading suppression store: %v", err)
			}
			ok, err := sup.Remove(args[0])
			if err != nil {
				fatalf("removing flag: %v", err)
			}
			if !ok {
				fmt.Printf("no such flag: %s\n", args[0])
				return
			}
			fmt.Printf("removed: %s\n", args[0])
		},
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}

// === redial ===

func redialCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "redial", Short: "Inspect and adjust redial records"}

	show := &cobra.Command{
		Use:   "show [phone]",
		Short: "Show a single redial record",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			_, q := mustOpenQueue()
			rec, found, err := q.Get(phonekey.Normalize(args[0]))
			if err != nil {
				fatalf("looking up record: %v", err)
			}
			if !found {
				fmt.Printf("no redial record for %s\n", args[0])
				return
			}
			fmt.Printf("phone=%s status=%s attempts=%d/%d attempts_today=%d/%d next_redial=%s last_outcome=%s\n",
				rec.Phone, rec.Status, rec.Attempts, cfgMaxAttempts, rec.AttemptsToday, cfgMaxDaily,
				rec.NextRedialTimestamp.Format(time.RFC3339), rec.LastOutcome)
		},
	}

	pause := &cobra.Command{
		Use:   "pause [phone]",
		Short: "Admin-pause a redial record",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			_, q := mustOpenQueue()
			if err := q.Pause(phonekey.Normalize(args[0]), time.Now()); err != nil {
				fatalf("pausing: %v", err)
			}
			fmt.Println("paused")
		},
	}

	resume := &cobra.Command{
		Use:   "resume [phone]",
		Short: "Resume a paused redial record",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			_, q := mustOpenQueue()
			if err := q.Resume(phonekey.Normalize(args[0]), time.Now()); err != nil {
				fatalf("resuming: %v", err)
			}
			fmt.Println("resumed")
		},
	}

	reset := &cobra.Command{
		Use:   "reset-daily",
		Short: "Force the daily-reset boundary logic immediately",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, q := mustOpenQueue()
			policy, err := buildPolicy(cfg)
			if err != nil {
				fatalf("building policy: %v", err)
			}
			reopened, err := q.DailyReset(policy.Now())
			if err != nil {
				fatalf("daily reset: %v", err)
			}
			fmt.Printf("reopened %d record(s)\n", reopened)
		},
	}

	var bfLeadID, bfListID, bfFirst, bfLast string
	backfill := &cobra.Command{
		Use:   "backfill [phone]",
		Short: "Insert a record, or refresh an existing one so it dispatches today",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			_, q := mustOpenQueue()
			rec, err := q.Backfill(redial.RedialRecord{
				Phone:     phonekey.Normalize(args[0]),
				LeadID:    bfLeadID,
				ListID:    bfListID,
				FirstName: bfFirst,
				LastName:  bfLast,
			}, time.Now())
			if err != nil {
				fatalf("backfilling: %v", err)
			}
			fmt.Printf("phone=%s status=%s attempts=%d next_redial=%s\n",
				rec.Phone, rec.Status, rec.Attempts, rec.NextRedialTimestamp.Format(time.RFC3339))
		},
	}
	backfill.Flags().StringVar(&bfLeadID, "lead", "", "lead id")
	backfill.Flags().StringVar(&bfListID, "list", "", "list id")
	backfill.Flags().StringVar(&bfFirst, "first-name", "", "first name")
	backfill.Flags().StringVar(&bfLast, "last-name", "", "last name")

	cmd.AddCommand(show, pause, resume, reset, backfill)
	return cmd
}

// cfgMaxAttempts/cfgMaxDaily are populated by mustOpenQueue for the
// duration of one command invocation, purely for the `show` output
// above; the CLI is a single-shot process, not a long-lived server,
// so package state here carries no concurrency risk.
var cfgMaxAttempts, cfgMaxDaily int

func mustOpenQueue() (*config.Config, *redial.Queue) {
	cfg, err := loadConfig()
	if err != nil {
		fatalf("loading config: %v", err)
	}
	policy, err := buildPolicy(cfg)
	if err != nil {
		fatalf("building policy: %v", err)
	}
	backing, err := openRedialStore(cfg)
	if err != nil {
		fatalf("opening store: %v", err)
	}
	q, err := redial.New(backing, policy, redial.Config{
		MaxAttempts:          cfg.Redial.MaxAttempts,
		MaxDailyAttempts:     cfg.Redial.MaxDailyAttempts,
		ProgressiveIntervals: cfg.Redial.ProgressiveIntervals,
		MinRetryGapMinutes:   cfg.Redial.MinRetryGapMinutes,
		ResetTiming:          cfg.Redial.ResetTiming,
		PendingGraceMinutes:  cfg.Redial.PendingGraceMinutes,
		TodayOnlyDispatch:    cfg.Redial.TodayOnly(),
		ConsecutiveFailLimit: cfg.Redial.ConsecutiveFailLimit,
		OutcomeHistoryLimit:  cfg.Redial.OutcomeHistoryLimit,
		CallHistoryLimit:     cfg.Redial.CallHistoryLimit,
		RetentionWindow:      cfg.RetentionWindow(),
	}, logging.Nop())
	if err != nil {
		fatalf("loading redial queue: %v", err)
	}
	cfgMaxAttempts = cfg.Redial.MaxAttempts
	cfgMaxDaily = cfg.Redial.MaxDailyAttempts
	return cfg, q
}

// === schedule ===

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "schedule", Short: "Inspect and adjust the persisted scheduler config"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the active schedule policy",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fatalf("loading config: %v", err)
			}
			backing, err := openRootStore(cfg)
			if err != nil {
				fatalf("opening store: %v", err)
			}
			doc, existed, err := clockpolicy.LoadConfigDocument(backing)
			if err != nil {
				fatalf("loading scheduler config: %v", err)
			}
			if !existed {
				fmt.Println("no scheduler-config.json yet (daemon not started against this data dir); YAML config applies")
				return
			}
			fmt.Printf("timezone=%s business_hours=%s-%s sms_business_hours_only=%v\n",
				doc.Timezone, doc.BusinessStart, doc.BusinessEnd, doc.SMSBusinessHoursOnly)
			for _, d := range doc.BlackoutDates {
				fmt.Printf("blackout: %s\n", d)
			}
		},
	}

	setBlackouts := &cobra.Command{
		Use:   "set-blackouts [YYYY-MM-DD ...]",
		Short: "Replace the blackout date list (no args clears it)",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fatalf("loading config: %v", err)
			}
			for _, d := range args {
				if _, err := time.Parse("2006-01-02", d); err != nil {
					fatalf("invalid blackout date %q: %v", d, err)
				}
			}
			backing, err := openRootStore(cfg)
			if err != nil {
				fatalf("opening store: %v", err)
			}
			doc, existed, err := clockpolicy.LoadConfigDocument(backing)
			if err != nil {
				fatalf("loading scheduler config: %v", err)
			}
			if !existed {
				doc = clockpolicy.ConfigDocument{
					Timezone:             cfg.Policy.Timezone,
					BusinessStart:        cfg.Policy.BusinessStart,
					BusinessEnd:          cfg.Policy.BusinessEnd,
					SMSBusinessHoursOnly: cfg.Policy.SMSBusinessHoursOnly(),
				}
			}
			doc.BlackoutDates = args
			if err := clockpolicy.SaveConfigDocument(backing, doc); err != nil {
				fatalf("saving scheduler config: %v", err)
			}
			fmt.Printf("blackout list now has %d date(s); restart the daemon to apply\n", len(args))
		},
	}

	cmd.AddCommand(show, setBlackouts)
	return cmd
}

// === call-state ===

func callStateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "call-state", Short: "Inspect and sweep the in-flight call tracker"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every tracked call",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fatalf("loading config: %v", err)
			}
			backing, err := openRootStore(cfg)
			if err != nil {
				fatalf("opening store: %v", err)
			}
			tracker, err := callstate.New(backing, logging.Nop(), cfg.CallStatePersistInterval())
			if err != nil {
				fatalf("loading call-state tracker: %v", err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "CALL_ID\tPHONE\tSTATUS\tCREATED_AT")
			for _, c := range tracker.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.CallID, c.Phone, c.Status, c.CreatedAt.Format(time.RFC3339))
			}
			w.Flush()
		},
	}

	sweep := &cobra.Command{
		Use:   "sweep-stale",
		Short: "Demote pending calls older than the configured max age",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fatalf("loading config: %v", err)
			}
			backing, err := openRootStore(cfg)
			if err != nil {
				fatalf("opening store: %v", err)
			}
			tracker, err := callstate.New(backing, logging.Nop(), cfg.CallStatePersistInterval())
			if err != nil {
				fatalf("loading call-state tracker: %v", err)
			}
			demoted, err := tracker.SweepStale(cfg.StalePendingMaxAge(), time.Now())
			if err != nil {
				fatalf("sweeping: %v", err)
			}
			fmt.Printf("demoted %d stale pending call(s)\n", demoted)
		},
	}

	cmd.AddCommand(list, sweep)
	return cmd
}
