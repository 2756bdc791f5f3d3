package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meigma/rescache"
)

var flagsCmd = &cobra.Command{
	Use:   "flags PATH",
	Short: "Show the page flags of a resource file",
	Long: `Print the resource version and page flags recorded in the manifest for
PATH. Nothing is downloaded.

Examples:
  rescache flags base/props/crate.ydr`,
	Args: cobra.ExactArgs(1),
	RunE: runFlags,
}

func runFlags(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfgFile, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	dev := a.session.Blocking()
	req := rescache.PageFlagsRequest{Name: qualify(dev.Prefix(), args[0])}
	if err := dev.ExtensionControl(rescache.ControlPageFlags, &req); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "version:  %d\nvirtual:  %#08x\nphysical: %#08x\n",
		req.Version, req.Flags.Virtual, req.Flags.Physical)
	return nil
}
