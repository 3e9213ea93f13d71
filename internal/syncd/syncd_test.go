package syncd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const marker = ".clawbox-payload-host-marker"

type countingPusher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *countingPusher) Push(context.Context, string, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *countingPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// waitPushes blocks until p has seen n pushes.
func waitPushes(t *testing.T, p *countingPusher, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.count() >= n }, 5*time.Second, time.Millisecond)
}

func setup(t *testing.T, withMarker bool) (local, mount string) {
	t.Helper()
	local = t.TempDir()
	mount = t.TempDir()
	if withMarker {
		require.NoError(t, os.WriteFile(filepath.Join(mount, marker), []byte("vm: clawbox-1\n"), 0644))
	}
	return local, mount
}

func newDaemon(t *testing.T, local, mount string, p Pusher, tick chan time.Time) *Daemon {
	t.Helper()
	d, err := New(Config{
		LocalDir:         local,
		MountDir:         mount,
		MarkerName:       marker,
		SessionID:        "sess-1",
		FailureThreshold: 3,
		Grace:            time.Second,
		StatusFile:       filepath.Join(t.TempDir(), "status.json"),
		Pusher:           p,
		Tick:             tick,
	})
	require.NoError(t, err)
	return d
}

func TestFinalPushExactlyOnceOnCancel(t *testing.T) {
	local, mount := setup(t, true)
	p := &countingPusher{}
	tick := make(chan time.Time)
	d := newDaemon(t, local, mount, p, tick)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	tick <- time.Now()
	tick <- time.Now()
	// initial push plus two ticks
	waitPushes(t, p, 3)
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, 4, p.count(), "exactly one final push after cancel")
	assert.True(t, d.Status().Stopping)
	assert.Equal(t, "sess-1", d.Status().SessionID)
}

func TestFinalPushWhenCancelledBeforeFirstTick(t *testing.T) {
	local, mount := setup(t, true)
	p := &countingPusher{}
	d := newDaemon(t, local, mount, p, make(chan time.Time))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitPushes(t, p, 1)
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, 2, p.count())
	assert.True(t, d.Status().Stopping)
}

func TestThresholdExitsWithoutFinalPush(t *testing.T) {
	local, mount := setup(t, true)
	p := &countingPusher{err: errors.New("disk full")}
	tick := make(chan time.Time, 10)
	for i := 0; i < 10; i++ {
		tick <- time.Now()
	}
	d := newDaemon(t, local, mount, p, tick)

	err := d.Run(context.Background())
	require.ErrorIs(t, err, ErrFailureThreshold)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 3, p.count())
	assert.Equal(t, 3, d.Status().ConsecutiveFailures)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	local, mount := setup(t, true)
	p := &countingPusher{err: errors.New("transient")}
	tick := make(chan time.Time)
	d := newDaemon(t, local, mount, p, tick)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	tick <- time.Now()
	p.mu.Lock()
	p.err = nil
	p.mu.Unlock()
	tick <- time.Now()
	tick <- time.Now()
	cancel()

	require.NoError(t, <-done)
	assert.Zero(t, d.Status().ConsecutiveFailures)
	assert.False(t, d.Status().LastSyncAt.IsZero())
}

func TestSkipsWhileMarkerMissing(t *testing.T) {
	local, mount := setup(t, false)
	p := &countingPusher{}
	tick := make(chan time.Time)
	d := newDaemon(t, local, mount, p, tick)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// The second send returns only once the first tick was handled.
	tick <- time.Now()
	tick <- time.Now()
	cancel()

	require.NoError(t, <-done)
	assert.Zero(t, p.count(), "no push without the host marker, including on shutdown")
	assert.False(t, d.Status().MarkerVisible)
	assert.GreaterOrEqual(t, d.Status().Ticks, 2)
}

func TestStatusFileWritten(t *testing.T) {
	local, mount := setup(t, true)
	statusPath := filepath.Join(t.TempDir(), "nested", "status.json")
	d, err := New(Config{
		LocalDir:   local,
		MountDir:   mount,
		MarkerName: marker,
		SessionID:  "abc",
		StatusFile: statusPath,
		Pusher:     &countingPusher{},
		Tick:       make(chan time.Time),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))

	data, err := os.ReadFile(statusPath)
	require.NoError(t, err)
	s, err := ParseStatus(data)
	require.NoError(t, err)
	assert.Equal(t, "abc", s.SessionID)
	assert.Equal(t, os.Getpid(), s.PID)
	assert.GreaterOrEqual(t, s.Ticks, 1)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{LocalDir: "/a", MountDir: "/b", MarkerName: "x/y"})
	assert.Error(t, err)
	_, err = New(Config{MountDir: "/b", MarkerName: "m"})
	assert.Error(t, err)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandHome("~/.openclaw")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".openclaw"), got)

	got, err = ExpandHome("/abs")
	require.NoError(t, err)
	assert.Equal(t, "/abs", got)
}

func TestMirrorPusher(t *testing.T) {
	local, mount := setup(t, true)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(local, "agents", "main"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(local, "openclaw.json"), []byte(`{"a":1}`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(local, "agents", "main", "state"), []byte("s"), 0644))
	require.NoError(t, os.Symlink("openclaw.json", filepath.Join(local, "current")))

	require.NoError(t, os.MkdirAll(filepath.Join(mount, "stale-dir"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(mount, "stale-dir", "x"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(mount, "stale.txt"), []byte("x"), 0644))

	p := MirrorPusher{Keep: marker}
	require.NoError(t, p.Push(ctx, local, mount))

	data, err := os.ReadFile(filepath.Join(mount, "openclaw.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
	assert.FileExists(t, filepath.Join(mount, "agents", "main", "state"))
	target, err := os.Readlink(filepath.Join(mount, "current"))
	require.NoError(t, err)
	assert.Equal(t, "openclaw.json", target)

	assert.NoFileExists(t, filepath.Join(mount, "stale.txt"))
	assert.NoDirExists(t, filepath.Join(mount, "stale-dir"))
	assert.FileExists(t, filepath.Join(mount, marker), "marker must survive")

	info, err := os.Stat(filepath.Join(mount, "openclaw.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// A second push with an edit only rewrites the changed file.
	edited := filepath.Join(local, "openclaw.json")
	require.NoError(t, os.WriteFile(edited, []byte(`{"a":2}`), 0600))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(edited, later, later))
	require.NoError(t, p.Push(ctx, local, mount))
	data, err = os.ReadFile(filepath.Join(mount, "openclaw.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))
}

func TestMirrorPusherMissingSource(t *testing.T) {
	_, mount := setup(t, true)
	err := MirrorPusher{Keep: marker}.Push(context.Background(), filepath.Join(t.TempDir(), "gone"), mount)
	assert.Error(t, err)
}
