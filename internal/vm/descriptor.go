package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/javanstorm/clawbox/internal/fslock"
	"github.com/javanstorm/clawbox/internal/provision"
)

// Mounts are the host directories shared with a developer VM.
type Mounts struct {
	Source        string `json:"source,omitempty"`
	Payload       string `json:"payload,omitempty"`
	SignalPayload string `json:"signal_payload,omitempty"`
}

// Empty reports whether no mount is set.
func (m Mounts) Empty() bool {
	return m.Source == "" && m.Payload == "" && m.SignalPayload == ""
}

// Options are the parameters of create and up.
type Options struct {
	Number   int               `json:"number"`
	Profile  provision.Profile `json:"profile"`
	Mounts   Mounts            `json:"mounts"`
	Services []string          `json:"services,omitempty"`
	Headless bool              `json:"headless,omitempty"`
}

// Invocation is the first create or up call for a VM, replayed by recreate.
type Invocation struct {
	Options
	CapturedAt time.Time `json:"captured_at"`
}

// ProvisionRecord describes a completed provisioning run.
type ProvisionRecord struct {
	Profile       provision.Profile `json:"profile"`
	Services      []string          `json:"services,omitempty"`
	SignalPayload bool              `json:"signal_payload"`
	ProvisionedAt time.Time         `json:"provisioned_at"`
}

// Saga tracks a composite operation so a retry resumes it.
type Saga struct {
	Op string `json:"op"`
	// Completed is the last step that finished.
	Completed string `json:"completed,omitempty"`
	// Provisioned is set once this saga ran provisioning.
	Provisioned bool `json:"provisioned,omitempty"`
	// Headless records that this saga booted the VM without a window.
	Headless  bool      `json:"headless,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Descriptor is the persisted record of one VM.
type Descriptor struct {
	Number      int               `json:"number"`
	Name        string            `json:"name"`
	Profile     provision.Profile `json:"profile"`
	State       State             `json:"state"`
	Mounts      Mounts            `json:"mounts"`
	Services    []string          `json:"services,omitempty"`
	Invocation  *Invocation       `json:"original_invocation,omitempty"`
	Provisioned *ProvisionRecord  `json:"provisioned,omitempty"`
	Saga        *Saga             `json:"saga,omitempty"`
	BootCount   int               `json:"boot_count"`
	LastBootAt  time.Time         `json:"last_boot_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// SignalPayload reports whether the VM carries a signal-cli payload.
func (d *Descriptor) SignalPayload() bool {
	return d.Mounts.SignalPayload != ""
}

// Store keeps descriptors under dir/<name>.json. Each VM also has a flock
// at dir/<name>.lock held by whichever command is driving it.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Lock takes name's command lock, waiting until ctx is done.
func (s *Store) Lock(ctx context.Context, name string) (*fslock.Lock, error) {
	l, err := fslock.Acquire(ctx, filepath.Join(s.dir, name+".lock"))
	if errors.Is(err, fslock.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s", ErrVMLocked, name)
	}
	return l, err
}

// Load returns name's descriptor, or nil if there is none.
func (s *Store) Load(name string) (*Descriptor, error) {
	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse descriptor %s: %w", name, err)
	}
	return &d, nil
}

// Save writes d atomically.
func (s *Store) Save(d *Descriptor) error {
	d.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create descriptor dir: %w", err)
	}
	if err := fslock.WriteFileAtomic(s.path(d.Name), data, 0644); err != nil {
		return fmt.Errorf("write descriptor: %w", err)
	}
	return nil
}

// Delete removes name's descriptor.
func (s *Store) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove descriptor: %w", err)
	}
	return nil
}

// List returns every descriptor sorted by number.
func (s *Store) List() ([]*Descriptor, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read descriptor dir: %w", err)
	}

	var out []*Descriptor
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		d, err := s.Load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil || d == nil {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}
