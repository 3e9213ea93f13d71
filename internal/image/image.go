// Package image builds the macOS base image that clawbox VMs are cloned
// from, by running packer against the project's template.
package image

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/javanstorm/clawbox/internal/execx"
)

// Builder runs packer from the project directory.
type Builder struct {
	// ProjectDir is the working directory for packer.
	ProjectDir string
	// Template is the packer template path.
	Template string
	// Binary defaults to "packer".
	Binary string
	Runner execx.Runner
	// Out receives progress lines and packer's output.
	Out io.Writer
}

// BuildOptions tune Build.
type BuildOptions struct {
	// SkipInit skips packer init.
	SkipInit bool
	// Force replaces an existing base image.
	Force bool
}

func (b *Builder) packer(args ...string) execx.Command {
	bin := b.Binary
	if bin == "" {
		bin = "packer"
	}
	return execx.Command{Name: bin, Args: args, Dir: b.ProjectDir, Stream: b.Out}
}

// templateArg returns the template relative to the project when it lives
// inside it.
func (b *Builder) templateArg() (string, error) {
	if _, err := os.Stat(b.Template); err != nil {
		return "", fmt.Errorf("packer template not found: %s", b.Template)
	}
	rel, err := filepath.Rel(b.ProjectDir, b.Template)
	if err != nil || !filepath.IsLocal(rel) {
		return b.Template, nil
	}
	return rel, nil
}

// Init installs the packer plugins the template needs.
func (b *Builder) Init(ctx context.Context) error {
	tmpl, err := b.templateArg()
	if err != nil {
		return err
	}
	fmt.Fprintf(b.out(), "Initializing packer plugins for template: %s\n", tmpl)
	if _, err := b.Runner.Run(ctx, b.packer("init", tmpl)); err != nil {
		return fmt.Errorf("packer init: %w", err)
	}
	return nil
}

// Build builds the base image, running Init first unless opts.SkipInit.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) error {
	tmpl, err := b.templateArg()
	if err != nil {
		return err
	}
	if !opts.SkipInit {
		if err := b.Init(ctx); err != nil {
			return err
		}
	}
	args := []string{"build"}
	if opts.Force {
		args = append(args, "-force")
	}
	args = append(args, tmpl)

	fmt.Fprintf(b.out(), "Building base image from template: %s\n", tmpl)
	if _, err := b.Runner.Run(ctx, b.packer(args...)); err != nil {
		return fmt.Errorf("packer build: %w", err)
	}
	return nil
}

func (b *Builder) out() io.Writer {
	if b.Out == nil {
		return io.Discard
	}
	return b.Out
}
