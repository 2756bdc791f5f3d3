package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/meigma/rescache"
)

var catOutput string

var catCmd = &cobra.Command{
	Use:   "cat PATH",
	Short: "Write a cached file to stdout",
	Long: `Read a file through the cache, downloading it first if needed.

PATH is cache:/<resource>/<file>, cache_nb:/<resource>/<file>, or a bare
<resource>/<file>, which reads through the blocking mount.

Examples:
  rescache cat base/props/crate.ydr > crate.ydr
  rescache cat cache:/base/maps/town.ymap -o town.ymap`,
	Args: cobra.ExactArgs(1),
	RunE: runCat,
}

func init() {
	catCmd.Flags().StringVarP(&catOutput, "output", "o", "", "Write to file instead of stdout")
}

func runCat(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfgFile, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	var w io.Writer = cmd.OutOrStdout()
	if catOutput != "" {
		f, err := os.Create(catOutput)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	p := qualify(rescache.DefaultPathPrefix, args[0])
	n, err := copyFile(cmd.Context(), a.ns, p, w)
	if err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	if catOutput != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s to %s\n", humanBytes(n), catOutput)
	}
	return nil
}
