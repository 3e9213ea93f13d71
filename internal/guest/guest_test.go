package guest

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func runLocal(t *testing.T, home, script string) string {
	t.Helper()
	cmd := exec.Command("sh", "-c", script)
	cmd.Env = append(os.Environ(), "HOME="+home)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	return string(out)
}

func TestQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"plain", "'plain'"},
		{"/Volumes/My Shared Files/x", "'/Volumes/My Shared Files/x'"},
		{"it's", `'it'\''s'`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Quote(tt.in))
	}
}

func TestQuoteRoundTripsThroughShell(t *testing.T) {
	in := `a 'b' "c" $d`
	out := runLocal(t, t.TempDir(), "printf '%s' "+Quote(in))
	assert.Equal(t, in, out)
}

func TestHomePath(t *testing.T) {
	assert.Equal(t, `"$HOME"/'.openclaw'`, HomePath("~/.openclaw"))
	assert.Equal(t, `"$HOME"/'.local/share/signal-cli'`, HomePath(".local/share/signal-cli"))
	assert.Equal(t, `'/Users/Shared/x'`, HomePath("/Users/Shared/x"))

	home := t.TempDir()
	out := runLocal(t, home, "printf '%s' "+HomePath("~/.openclaw"))
	assert.Equal(t, filepath.Join(home, ".openclaw"), out)
}

func TestPresenceCommandAndParse(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "with space", "marker")
	require.NoError(t, os.MkdirAll(filepath.Dir(present), 0755))
	require.NoError(t, os.WriteFile(present, []byte("x"), 0644))
	missing := filepath.Join(dir, "missing")

	out := runLocal(t, dir, "echo 'Last login: today'; "+PresenceCommand([]string{present, missing}, Quote))
	statuses := ParseStatuses(out)

	assert.Equal(t, StatusOK, statuses[present])
	assert.Equal(t, StatusMissing, statuses[missing])
	assert.True(t, AllPresent(statuses, []string{present}))
	assert.False(t, AllPresent(statuses, []string{present, missing}))
}

func TestParseStatusesIgnoresNoise(t *testing.T) {
	out := "warning: something\nclawbox-presence ok /a\n  clawbox-presence missing /b c\nclawbox-presence broken\n"
	got := ParseStatuses(out)
	assert.Equal(t, map[string]string{"/a": "ok", "/b c": "missing"}, got)
}

func TestKeyManager(t *testing.T) {
	km := NewKeyManager(t.TempDir())
	assert.False(t, km.Exists("clawbox-1"))

	require.NoError(t, km.Ensure("clawbox-1"))
	require.True(t, km.Exists("clawbox-1"))

	pem, err := km.PrivateKey("clawbox-1")
	require.NoError(t, err)
	_, err = ssh.ParsePrivateKey(pem)
	require.NoError(t, err)

	info, err := os.Stat(km.PrivateKeyPath("clawbox-1"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	pub, err := km.AuthorizedKey("clawbox-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pub, "ssh-ed25519 "))
	assert.True(t, strings.HasSuffix(pub, "clawbox@clawbox-1"))

	// Ensure is idempotent.
	require.NoError(t, km.Ensure("clawbox-1"))
	again, err := km.AuthorizedKey("clawbox-1")
	require.NoError(t, err)
	assert.Equal(t, pub, again)

	require.NoError(t, km.Remove("clawbox-1"))
	assert.False(t, km.Exists("clawbox-1"))
}

func TestAuthorizeCommandIsIdempotent(t *testing.T) {
	home := t.TempDir()
	key := "ssh-ed25519 AAAAC3Nza test@clawbox"

	runLocal(t, home, AuthorizeCommand(key))
	runLocal(t, home, AuthorizeCommand(key))

	data, err := os.ReadFile(filepath.Join(home, ".ssh", "authorized_keys"))
	require.NoError(t, err)
	assert.Equal(t, key+"\n", string(data))
}

type scriptedShell struct {
	res Result
}

func (s scriptedShell) Run(context.Context, string) (Result, error) { return s.res, nil }
func (s scriptedShell) Close() error                                { return nil }

func TestCheck(t *testing.T) {
	_, err := Check(context.Background(), scriptedShell{res: Result{ExitCode: 2, Stderr: "nope\n"}}, "seed payload", "false")
	require.Error(t, err)

	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "seed payload failed in guest (exit 2): nope", err.Error())

	res, err := Check(context.Background(), scriptedShell{res: Result{Stdout: "fine"}}, "noop", "true")
	require.NoError(t, err)
	assert.Equal(t, "fine", res.Stdout)
}

func TestConnectValidatesTarget(t *testing.T) {
	_, err := SSHConnector{}.Connect(context.Background(), Target{User: "admin"})
	assert.Error(t, err)

	_, err = SSHConnector{}.Connect(context.Background(), Target{Host: "127.0.0.1", User: "admin"})
	assert.ErrorContains(t, err, "no credentials")
}
