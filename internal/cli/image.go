package cli

import (
	"github.com/spf13/cobra"

	"github.com/javanstorm/clawbox/internal/config"
	"github.com/javanstorm/clawbox/internal/execx"
	"github.com/javanstorm/clawbox/internal/image"
)

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Build the macOS base image with packer",
}

var imageInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Install the packer plugins the base image template needs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newImageBuilder(cmd)
		if err != nil {
			return err
		}
		return b.Init(cmd.Context())
	},
}

var imageBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the base image",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runImageBuild(cmd, false)
	},
}

var imageRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the base image, replacing the existing one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runImageBuild(cmd, true)
	},
}

func init() {
	for _, c := range []*cobra.Command{imageBuildCmd, imageRebuildCmd} {
		c.Flags().Bool("skip-init", false, "skip packer init")
	}
	imageCmd.AddCommand(imageInitCmd, imageBuildCmd, imageRebuildCmd)
}

func runImageBuild(cmd *cobra.Command, force bool) error {
	skipInit, err := cmd.Flags().GetBool("skip-init")
	if err != nil {
		return err
	}
	b, err := newImageBuilder(cmd)
	if err != nil {
		return err
	}
	return b.Build(cmd.Context(), image.BuildOptions{SkipInit: skipInit, Force: force})
}

// newImageBuilder is replaced in tests.
var newImageBuilder = func(cmd *cobra.Command) (*image.Builder, error) {
	cfg := config.Global
	if cfg == nil {
		var err error
		if cfg, err = loadConfig(); err != nil {
			return nil, err
		}
	}
	return &image.Builder{
		ProjectDir: cfg.ProjectDir,
		Template:   cfg.PackerTemplate(),
		Runner:     execx.OSRunner{},
		Out:        cmd.OutOrStdout(),
	}, nil
}
