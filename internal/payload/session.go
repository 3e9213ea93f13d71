package payload

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/javanstorm/clawbox/internal/fslock"
)

// Session is the persisted state of one payload binding in one VM.
type Session struct {
	ID                      string     `json:"id"`
	VM                      string     `json:"vm"`
	Role                    string     `json:"role"`
	Mode                    Mode       `json:"mode"`
	HostPath                string     `json:"payload_path"`
	GuestMount              string     `json:"guest_mount"`
	GuestLocal              string     `json:"guest_local_path"`
	MarkerPath              string     `json:"marker_path"`
	DaemonLabel             string     `json:"daemon_label,omitempty"`
	StatusFile              string     `json:"status_file,omitempty"`
	EstablishedAt           time.Time  `json:"established_at"`
	ReadyAt                 *time.Time `json:"ready_at,omitempty"`
	LastSuccessfulSyncAt    *time.Time `json:"last_successful_sync_at,omitempty"`
	ConsecutiveFailureCount int        `json:"consecutive_failure_count"`
}

// Store keeps sessions under dir/<vm>/<role>.json.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(vm, role string) string {
	return filepath.Join(s.dir, vm, role+".json")
}

// Save writes a session atomically.
func (s *Store) Save(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	p := s.path(sess.VM, sess.Role)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := fslock.WriteFileAtomic(p, data, 0644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Load reads one session. A missing session returns ErrNoSession.
func (s *Store) Load(vm, role string) (*Session, error) {
	data, err := os.ReadFile(s.path(vm, role))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoSession, vm, role)
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parse session %s/%s: %w", vm, role, err)
	}
	return &sess, nil
}

// List returns vm's sessions sorted by role.
func (s *Store) List(vm string) ([]*Session, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, vm))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}

	var out []*Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		sess, err := s.Load(vm, strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}

// Remove deletes every session of vm.
func (s *Store) Remove(vm string) error {
	if err := os.RemoveAll(filepath.Join(s.dir, vm)); err != nil {
		return fmt.Errorf("remove sessions: %w", err)
	}
	return nil
}
