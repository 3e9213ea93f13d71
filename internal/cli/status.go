package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/javanstorm/clawbox/internal/lockmgr"
	"github.com/javanstorm/clawbox/internal/vm"
)

var statusCmd = &cobra.Command{
	Use:   "status [number]",
	Short: "Show VM, lock and sync status",
	Long: `Show the state of one VM, or of every VM clawbox knows about when no
number is given. A single VM report includes its mount locks and the health
of each payload sync session.`,
	Args: numberArg,
	RunE: runStatus,
}

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print machine-readable JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	// Best effort: a stale descriptor only makes the report less accurate.
	if changed, err := a.mgr.Reconcile(ctx); err != nil {
		a.log.Warn("reconcile VM state", "error", err)
	} else if len(changed) > 0 {
		a.log.Debug("reconciled VM state", "vms", changed)
	}
	if dropped, err := a.watchers.Reconcile(); err != nil {
		a.log.Warn("reconcile watchers", "error", err)
	} else if len(dropped) > 0 {
		a.log.Debug("dropped dead watcher records", "vms", dropped)
	}

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		vms, locks, err := a.mgr.Environment(ctx)
		if err != nil {
			return err
		}
		if statusJSON {
			return writeJSON(out, struct {
				VMs   []*vm.Status     `json:"vms"`
				Locks []lockmgr.Record `json:"locks"`
			}{vms, locks})
		}
		return printEnvironment(out, vms, locks)
	}

	number, err := parseNumber(args[0])
	if err != nil {
		return err
	}
	st, err := a.mgr.Status(ctx, number)
	if err != nil {
		return err
	}
	if statusJSON {
		return writeJSON(out, st)
	}
	return printStatus(out, st)
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printStatus(w io.Writer, st *vm.Status) error {
	fmt.Fprintf(w, "VM:       %s\n", st.Name)
	if !st.Exists {
		fmt.Fprintf(w, "State:    %s\n", vm.StateAbsent)
		fmt.Fprintf(w, "\nCreate it with: clawbox up %d\n", st.Number)
		return nil
	}
	fmt.Fprintf(w, "State:    %s\n", st.State)
	fmt.Fprintf(w, "Running:  %s\n", yesNo(st.Running))
	if st.Profile != "" {
		fmt.Fprintf(w, "Profile:  %s\n", st.Profile)
	}
	if st.IP != "" {
		fmt.Fprintf(w, "IP:       %s\n", st.IP)
	}
	fmt.Fprintf(w, "Boots:    %d\n", st.BootCount)
	if st.WatcherPID > 0 {
		fmt.Fprintf(w, "Watcher:  pid %d\n", st.WatcherPID)
	}
	if st.Saga != nil {
		completed := st.Saga.Completed
		if completed == "" {
			completed = "none"
		}
		fmt.Fprintf(w, "Pending:  %s (last completed step: %s)\n", st.Saga.Op, completed)
		fmt.Fprintf(w, "          re-run 'clawbox up %d' to resume\n", st.Number)
	}

	if len(st.Locks) > 0 {
		fmt.Fprintln(w, "\nLocks:")
		if err := lockTable(w, st.Locks, false); err != nil {
			return err
		}
	}

	if len(st.Sessions) > 0 {
		fmt.Fprintln(w, "\nPayload sync:")
		table := tablewriter.NewWriter(w)
		table.Header("Role", "Mode", "Host Path", "Last Sync", "Failures", "Marker", "Daemon")
		for _, s := range st.Sessions {
			marker, daemon := "-", "-"
			if s.Checked {
				marker, daemon = yesNo(s.MarkerVisible), yesNo(s.DaemonSeen)
			}
			if err := table.Append(
				s.Role,
				s.Mode,
				s.HostPath,
				formatTime(s.LastSuccessfulSyncAt),
				strconv.Itoa(s.ConsecutiveFailures),
				marker,
				daemon,
			); err != nil {
				return err
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
		for _, s := range st.Sessions {
			if s.LastError != "" {
				fmt.Fprintf(w, "  %s: %s\n", s.Role, s.LastError)
			}
		}
	}
	return nil
}

func printEnvironment(w io.Writer, vms []*vm.Status, locks []lockmgr.Record) error {
	if len(vms) == 0 {
		fmt.Fprintln(w, "No clawbox VMs")
	} else {
		table := tablewriter.NewWriter(w)
		table.Header("Name", "State", "Running", "Profile", "IP", "Locks", "Watcher")
		for _, st := range vms {
			watcher := "-"
			if st.WatcherPID > 0 {
				watcher = strconv.Itoa(st.WatcherPID)
			}
			if err := table.Append(
				st.Name,
				st.State.String(),
				yesNo(st.Running),
				orDash(st.Profile),
				orDash(st.IP),
				strconv.Itoa(len(st.Locks)),
				watcher,
			); err != nil {
				return err
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	if len(locks) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nLocks:")
	return lockTable(w, locks, true)
}

func lockTable(w io.Writer, locks []lockmgr.Record, withOwner bool) error {
	table := tablewriter.NewWriter(w)
	if withOwner {
		table.Header("Path", "Role", "Owner", "Host", "Acquired")
	} else {
		table.Header("Path", "Role", "Host", "Acquired")
	}
	for _, rec := range locks {
		row := []any{rec.Path, rec.Role}
		if withOwner {
			row = append(row, rec.OwnerVM)
		}
		row = append(row, rec.OwnerHost, rec.AcquiredAt.Local().Format(time.DateTime))
		if err := table.Append(row...); err != nil {
			return err
		}
	}
	return table.Render()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
