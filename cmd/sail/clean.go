package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/spf13/cobra"

	"github.com/sail-build/sail/internal/cmdutil"
	"github.com/sail-build/sail/internal/config"
	"github.com/sail-build/sail/internal/donefile"
	"github.com/sail-build/sail/internal/filehash"
	"github.com/sail-build/sail/internal/util"
)

// newCleanCommand removes donefile markers and each task's declared
// output files so the next `run` starts from a cold local cache. It never
// touches the shared cache directory -- that's governed by its own LRU
// policy, not by clean. Without --all, only donefiles for tasks still
// declared in sail.json are removed; --all additionally sweeps every
// package directory for orphaned donefiles left behind by tasks since
// renamed or deleted from sail.json, which would otherwise never get
// cleaned.
func newCleanCommand(h *cmdutil.Helper) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove donefiles and task outputs across the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(h, all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Also remove orphaned donefiles left by tasks no longer in sail.json")
	return cmd
}

func runClean(h *cmdutil.Helper, all bool) error {
	base, err := h.GetCmdBase()
	if err != nil {
		return &exitError{code: 2, err: err}
	}

	var removed, failed int
	for pkgName, pkg := range base.Catalog.Packages {
		overlay, err := config.LoadOverlay(pkg.Dir.Join("sail.json"))
		if err != nil {
			base.Logger.Warn("skipping overlay", "package", pkgName, "err", err)
			failed++
			continue
		}

		for taskName, globalCfg := range base.Config.Tasks {
			var overlayCfg *config.TaskConfig
			if t, ok := overlay[taskName]; ok {
				overlayCfg = &t
			}
			merged := config.MergeTaskDefinitions(globalCfg, overlayCfg)
			taskID := util.TaskID(pkgName, taskName)

			if err := donefile.Remove(pkg.Dir, taskID); err != nil && !os.IsNotExist(err) {
				base.Logger.Warn("failed to remove donefile", "task", taskID, "err", err)
				failed++
			} else if err == nil {
				removed++
			}

			rels, err := filehash.ExpandGlobs(pkg.Dir, merged.Outputs)
			if err != nil {
				base.Logger.Warn("failed to expand output globs", "task", taskID, "err", err)
				failed++
				continue
			}
			for _, rel := range rels {
				abs := pkg.Dir.Join(filepath.FromSlash(rel))
				if err := abs.RemoveAll(); err != nil && !os.IsNotExist(err) {
					base.Logger.Warn("failed to remove output", "path", abs.String(), "err", err)
					failed++
					continue
				}
				removed++
			}
		}

		if all {
			n, err := removeOrphanedDonefiles(pkg.Dir.String())
			if err != nil {
				base.Logger.Warn("failed to sweep for orphaned donefiles", "package", pkgName, "err", err)
				failed++
			}
			removed += n
		}
	}

	fmt.Printf("clean: removed %d path(s)", removed)
	if failed > 0 {
		fmt.Printf(", %d failure(s)", failed)
	}
	fmt.Println()
	if failed > 0 {
		return &exitError{code: 4, err: fmt.Errorf("clean encountered %d failure(s)", failed)}
	}
	return nil
}

// donefileSuffix mirrors internal/donefile's on-disk naming; kept as a
// literal here since it's a stable file-format detail, not an exported
// API.
const donefileSuffix = ".done.build.log"

// removeOrphanedDonefiles sweeps dir for any donefile marker, including ones
// left behind by tasks no longer declared in sail.json, which runClean's
// per-task loop above has no way to find since it only knows today's task
// names.
func removeOrphanedDonefiles(dir string) (int, error) {
	removed := 0
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				base := filepath.Base(osPathname)
				if base == "node_modules" || base == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(osPathname, donefileSuffix) {
				return nil
			}
			if err := os.Remove(osPathname); err != nil && !os.IsNotExist(err) {
				return err
			}
			removed++
			return nil
		},
	})
	return removed, err
}
