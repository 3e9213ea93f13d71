package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/javanstorm/clawbox/internal/events"
	"github.com/javanstorm/clawbox/internal/lockmgr"
	"github.com/javanstorm/clawbox/internal/payload"
)

// SessionStatus is the operator view of one sync session.
type SessionStatus struct {
	Role                 string     `json:"role"`
	Mode                 string     `json:"mode"`
	HostPath             string     `json:"payload_path"`
	GuestLocal           string     `json:"guest_local_path"`
	ReadyAt              *time.Time `json:"ready_at,omitempty"`
	LastSuccessfulSyncAt *time.Time `json:"last_successful_sync_at,omitempty"`
	ConsecutiveFailures  int        `json:"consecutive_failure_count"`

	// Checked is set when the guest answered a health check.
	Checked       bool   `json:"checked"`
	MarkerVisible bool   `json:"marker_visible"`
	DaemonSeen    bool   `json:"daemon_seen"`
	LastError     string `json:"last_error,omitempty"`
}

// Status is the operator view of one VM.
type Status struct {
	Name       string           `json:"name"`
	Number     int              `json:"number"`
	Exists     bool             `json:"exists"`
	Running    bool             `json:"running"`
	State      State            `json:"state"`
	Profile    string           `json:"profile,omitempty"`
	IP         string           `json:"ip,omitempty"`
	BootCount  int              `json:"boot_count"`
	Saga       *Saga            `json:"saga,omitempty"`
	Locks      []lockmgr.Record `json:"locks"`
	Sessions   []SessionStatus  `json:"sessions"`
	WatcherPID int              `json:"watcher_pid,omitempty"`
}

// Status reports VM number. It does not take the command lock and checks
// the guest only when the VM is running.
func (m *Manager) Status(ctx context.Context, number int) (*Status, error) {
	name := m.cfg.VMName(number)
	d, err := m.store.Load(name)
	if err != nil {
		return nil, err
	}
	records, err := m.locks.List()
	if err != nil {
		return nil, err
	}
	return m.status(ctx, name, number, d, records, true)
}

func (m *Manager) status(ctx context.Context, name string, number int, d *Descriptor, records []lockmgr.Record, check bool) (*Status, error) {
	st := &Status{Name: name, Number: number, State: StateAbsent, Locks: []lockmgr.Record{}, Sessions: []SessionStatus{}}

	exists, err := m.driver.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	st.Exists = exists
	if exists {
		if st.Running, err = m.driver.IsRunning(ctx, name); err != nil {
			return nil, err
		}
	}
	if d != nil {
		st.State = d.State
		st.Profile = string(d.Profile)
		st.BootCount = d.BootCount
		st.Saga = d.Saga
	}
	if st.Running {
		if ip, err := m.driver.IP(ctx, name); err == nil {
			st.IP = ip
		}
	}
	for _, rec := range records {
		if rec.OwnerVM == name {
			st.Locks = append(st.Locks, rec)
		}
	}
	if m.watch != nil {
		if pid, ok := m.watch.PID(name); ok {
			st.WatcherPID = pid
		}
	}

	sessions, err := m.sync.Sessions(name)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		ss := SessionStatus{Role: sess.Role, Mode: string(sess.Mode), HostPath: sess.HostPath, GuestLocal: sess.GuestLocal}
		if check && st.Running {
			if h, err := m.sync.Health(ctx, sess); err == nil {
				ss.Checked = true
				ss.MarkerVisible = h.MarkerVisible
				ss.DaemonSeen = h.DaemonSeen
				ss.LastError = h.LastError
			} else {
				m.log.Debug("sync health check", "vm", name, "role", sess.Role, "error", err)
			}
		}
		ss.ReadyAt = sess.ReadyAt
		ss.LastSuccessfulSyncAt = sess.LastSuccessfulSyncAt
		ss.ConsecutiveFailures = sess.ConsecutiveFailureCount
		st.Sessions = append(st.Sessions, ss)
	}
	return st, nil
}

// Environment reports every VM clawbox has a record of, plus the full lock
// registry. Guests are not contacted.
func (m *Manager) Environment(ctx context.Context) ([]*Status, []lockmgr.Record, error) {
	descs, err := m.store.List()
	if err != nil {
		return nil, nil, err
	}
	records, err := m.locks.List()
	if err != nil {
		return nil, nil, err
	}
	var out []*Status
	for _, d := range descs {
		st, err := m.status(ctx, d.Name, d.Number, d, records, false)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, st)
	}
	if records == nil {
		records = []lockmgr.Record{}
	}
	return out, records, nil
}

// IP resolves the address of running VM number.
func (m *Manager) IP(ctx context.Context, number int) (string, error) {
	name := m.cfg.VMName(number)
	exists, err := m.driver.Exists(ctx, name)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: VM '%s' does not exist\nCreate it first: clawbox up %d", ErrVMNotFound, name, number)
	}
	running, err := m.driver.IsRunning(ctx, name)
	if err != nil {
		return "", err
	}
	if !running {
		return "", fmt.Errorf("%w: VM '%s' is not running\nStart it first: clawbox launch %d", ErrInvalidState, name, number)
	}
	return m.waitIP(ctx, name)
}

// Reconcile brings descriptors in line with the hypervisor: VMs that stopped
// outside clawbox become stopped and VMs that vanished become absent. VMs
// another command is driving are skipped. It returns the names it changed.
func (m *Manager) Reconcile(ctx context.Context) ([]string, error) {
	descs, err := m.store.List()
	if err != nil {
		return nil, err
	}
	var changed []string
	for _, d := range descs {
		ok, err := m.reconcileOne(ctx, d.Name, "reconcile")
		if err != nil {
			if errors.Is(err, ErrVMLocked) {
				continue
			}
			return changed, err
		}
		if ok {
			changed = append(changed, d.Name)
		}
	}
	return changed, nil
}

// MarkStopped records that name stopped on its own. The watcher calls it
// once the hypervisor reports the VM down.
func (m *Manager) MarkStopped(ctx context.Context, name string) error {
	_, err := m.reconcileOne(ctx, name, "watcher")
	return err
}

func (m *Manager) reconcileOne(ctx context.Context, name, actor string) (bool, error) {
	unlock, err := m.lock(ctx, name)
	if err != nil {
		return false, err
	}
	defer unlock()

	d, err := m.store.Load(name)
	if err != nil || d == nil {
		return false, err
	}
	exists, err := m.driver.Exists(ctx, name)
	if err != nil {
		return false, err
	}
	if !exists {
		if d.State == StateAbsent {
			return false, nil
		}
		d.State = StateAbsent
		d.Saga = nil
		return true, m.store.Save(d)
	}

	running, err := m.driver.IsRunning(ctx, name)
	if err != nil || running || !d.State.Live() {
		return false, err
	}
	prev := d.State
	d.State = StateStopped
	if err := m.store.Save(d); err != nil {
		return false, err
	}
	if err := m.events.Emit(name, events.VMStoppedExternal, actor, "hypervisor reports VM stopped", map[string]any{"previous_state": prev.String()}); err != nil {
		m.log.Warn("record sync event", "vm", name, "error", err)
	}
	return true, nil
}

var _ payload.ShellProvider = (*Manager)(nil)
