package provision

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/javanstorm/clawbox/internal/execx"
)

// Run is one invocation of the configuration engine.
type Run struct {
	Step      string
	Playbook  string
	Inventory string
	User      string
	Password  string
	Vars      map[string]string
}

// Engine applies playbooks to a guest.
type Engine interface {
	Run(ctx context.Context, run Run) error
}

// AnsibleEngine runs ansible-playbook from the project's ansible directory.
type AnsibleEngine struct {
	Dir            string
	SecretsFile    string
	ConnectTimeout time.Duration
	Runner         execx.Runner
	// Stream receives playbook output as it runs.
	Stream io.Writer
}

// Command builds the ansible-playbook invocation for run.
func (e *AnsibleEngine) Command(run Run) execx.Command {
	args := []string{"-i", run.Inventory, run.Playbook}
	if e.ConnectTimeout > 0 {
		args = append(args, "-T", fmt.Sprintf("%d", int(e.ConnectTimeout.Seconds())))
	}
	if e.SecretsFile != "" {
		args = append(args, "--extra-vars", "@"+e.SecretsFile)
	}
	if run.User != "" {
		args = append(args, "--extra-vars", "ansible_user="+run.User)
	}
	if run.Password != "" {
		args = append(args,
			"--extra-vars", "ansible_password="+run.Password,
			"--extra-vars", "ansible_become_password="+run.Password,
		)
	}
	args = append(args, "--extra-vars", "ansible_become=true")

	keys := make([]string, 0, len(run.Vars))
	for k := range run.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--extra-vars", k+"="+run.Vars[k])
	}

	return execx.Command{
		Name:   "ansible-playbook",
		Args:   args,
		Dir:    e.Dir,
		Env:    []string{"ANSIBLE_HOST_KEY_CHECKING=False"},
		Stream: e.Stream,
	}
}

// Run executes the playbook. Failures carry the tail of its output.
func (e *AnsibleEngine) Run(ctx context.Context, run Run) error {
	if _, err := e.Runner.Run(ctx, e.Command(run)); err != nil {
		return fmt.Errorf("provision step %s: %w", run.Step, err)
	}
	return nil
}
