// Command sail is the monorepo build orchestrator's CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sail-build/sail/internal/cmdutil"
)

// version is overwritten at release-build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	helper := cmdutil.NewHelper(version)
	root := newRootCommand(helper)
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		if ee, ok := err.(*exitError); ok {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, ee.err)
			}
			return ee.code
		}
		fmt.Fprintln(os.Stderr, err)
		return 4
	}
	return 0
}

func newRootCommand(h *cmdutil.Helper) *cobra.Command {
	root := &cobra.Command{
		Use:           "sail",
		Short:         "sail orchestrates builds across a monorepo's packages",
		Version:       h.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	h.AddFlags(root.PersistentFlags())
	root.AddCommand(newRunCommand(h))
	root.AddCommand(newCleanCommand(h))
	return root
}
