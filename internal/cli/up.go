package cli

import (
	"github.com/spf13/cobra"

	"github.com/javanstorm/clawbox/internal/vm"
)

var upCmd = &cobra.Command{
	Use:   "up [number]",
	Short: "Create, launch, and provision as needed",
	Long: `Bring a VM to a ready state, doing whatever is still missing: create it
from the base image, launch it, provision it and start payload sync.

First-time provisioning runs headless; the VM is then relaunched with a
window unless --headless is given. An interrupted up resumes where it
stopped.`,
	Example: `  clawbox up
  clawbox up 2 --add-tailscale-provisioning
  clawbox up --developer --openclaw-source ~/src/openclaw --openclaw-payload ~/.openclaw`,
	Args: numberArg,
	RunE: runUp,
}

var recreateCmd = &cobra.Command{
	Use:   "recreate [number]",
	Short: "Cleanly recreate a VM (down + delete + up)",
	Long:  `Stop and delete the VM, then replay the up command it was first created with.`,
	Args:  numberArg,
	RunE:  runRecreate,
}

var (
	upNumber   int
	upHeadless bool
	upProfile  profileFlags
	upMounts   mountFlags
	upServices serviceFlags

	recreateNumber int
)

func init() {
	f := upCmd.Flags()
	f.IntVar(&upNumber, "number", 1, "VM number")
	f.BoolVar(&upHeadless, "headless", false, "keep the VM without a window")
	upProfile.register(f, "standard")
	upMounts.register(f)
	upServices.register(f)

	recreateCmd.Flags().IntVar(&recreateNumber, "number", 1, "VM number")
}

func runUp(cmd *cobra.Command, args []string) error {
	number, err := optionalNumber(cmd.Flags(), upNumber, args)
	if err != nil {
		return err
	}
	profile, err := upProfile.resolve()
	if err != nil {
		return err
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	return a.mgr.Up(cmd.Context(), vm.Options{
		Number:   number,
		Profile:  profile,
		Mounts:   upMounts.mounts(),
		Services: upServices.keys(),
		Headless: upHeadless,
	})
}

func runRecreate(cmd *cobra.Command, args []string) error {
	number, err := optionalNumber(cmd.Flags(), recreateNumber, args)
	if err != nil {
		return err
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	return a.mgr.Recreate(cmd.Context(), number)
}
