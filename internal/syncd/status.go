package syncd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/javanstorm/clawbox/internal/fslock"
)

// Status is written by the daemon after every tick and read by the host.
type Status struct {
	SessionID           string    `json:"session_id"`
	PID                 int       `json:"pid"`
	StartedAt           time.Time `json:"started_at"`
	HeartbeatAt         time.Time `json:"heartbeat_at"`
	Ticks               int       `json:"ticks"`
	MarkerVisible       bool      `json:"marker_visible"`
	LastSyncAt          time.Time `json:"last_sync_at,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Stopping            bool      `json:"stopping,omitempty"`
}

// ParseStatus decodes a status document.
func ParseStatus(data []byte) (*Status, error) {
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse sync status: %w", err)
	}
	return &s, nil
}

// WriteStatus atomically replaces the status file at path.
func WriteStatus(path string, s *Status) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sync status: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	return fslock.WriteFileAtomic(path, data, 0644)
}
