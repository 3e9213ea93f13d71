package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanstorm/clawbox/internal/vm"
)

var createCmd = &cobra.Command{
	Use:   "create [number]",
	Short: "Create a Clawbox VM from the base image",
	Long: `Clone the base image into a new VM. Profile, mounts and services given
here are recorded and used by later launch, provision and recreate.`,
	Args: numberArg,
	RunE: runCreate,
}

var launchCmd = &cobra.Command{
	Use:   "launch [number]",
	Short: "Launch a Clawbox VM",
	Long:  `Boot a created VM with its recorded mounts attached. Mount locks are taken before boot.`,
	Args:  numberArg,
	RunE:  runLaunch,
}

var provisionCmd = &cobra.Command{
	Use:   "provision [number]",
	Short: "Run provisioning on an existing VM",
	Long: `Run the configuration playbooks against a running VM and start payload
sync. Services given here are added to those the VM already has.`,
	Args: numberArg,
	RunE: runProvision,
}

var downCmd = &cobra.Command{
	Use:   "down [number]",
	Short: "Stop a running Clawbox VM",
	Long:  `Stop the VM after its sync daemons make a final push. Mount locks are kept until delete.`,
	Args:  numberArg,
	RunE:  runDown,
}

var deleteCmd = &cobra.Command{
	Use:   "delete [number]",
	Short: "Delete a Clawbox VM and local Clawbox state for that VM",
	Long:  `Delete a stopped VM and release its mount locks, sync sessions and keys.`,
	Args:  numberArg,
	RunE:  runDelete,
}

var ipCmd = &cobra.Command{
	Use:   "ip [number]",
	Short: "Print the VM IP address",
	Args:  numberArg,
	RunE:  runIP,
}

var (
	createProfile  profileFlags
	createMounts   mountFlags
	createServices serviceFlags

	launchHeadless bool

	provisionProfile       profileFlags
	provisionServices      serviceFlags
	provisionSignalPayload bool
)

func init() {
	createProfile.register(createCmd.Flags(), "standard")
	createMounts.register(createCmd.Flags())
	createServices.register(createCmd.Flags())

	launchCmd.Flags().BoolVar(&launchHeadless, "headless", false, "boot without a window")

	f := provisionCmd.Flags()
	provisionProfile.register(f, "")
	provisionServices.register(f)
	f.BoolVar(&provisionSignalPayload, "enable-signal-payload", false,
		"enable signal payload sync mode (launch with --signal-cli-payload, then provision with this flag)")
}

func runCreate(cmd *cobra.Command, args []string) error {
	number, err := singleNumber(args)
	if err != nil {
		return err
	}
	profile, err := createProfile.resolve()
	if err != nil {
		return err
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	_, err = a.mgr.Create(cmd.Context(), vm.Options{
		Number:   number,
		Profile:  profile,
		Mounts:   createMounts.mounts(),
		Services: createServices.keys(),
	})
	return err
}

func runLaunch(cmd *cobra.Command, args []string) error {
	number, err := singleNumber(args)
	if err != nil {
		return err
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	return a.mgr.Launch(cmd.Context(), number, launchHeadless)
}

func runProvision(cmd *cobra.Command, args []string) error {
	number, err := singleNumber(args)
	if err != nil {
		return err
	}
	profile, err := provisionProfile.resolve()
	if err != nil {
		return err
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	return a.mgr.Provision(cmd.Context(), vm.ProvisionOptions{
		Number:              number,
		Profile:             profile,
		Services:            provisionServices.keys(),
		EnableSignalPayload: provisionSignalPayload,
	})
}

func runDown(cmd *cobra.Command, args []string) error {
	number, err := singleNumber(args)
	if err != nil {
		return err
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	return a.mgr.Down(cmd.Context(), number)
}

func runDelete(cmd *cobra.Command, args []string) error {
	number, err := singleNumber(args)
	if err != nil {
		return err
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	return a.mgr.Delete(cmd.Context(), number)
}

func runIP(cmd *cobra.Command, args []string) error {
	number, err := singleNumber(args)
	if err != nil {
		return err
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	ip, err := a.mgr.IP(cmd.Context(), number)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), ip)
	return nil
}
