package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/devflow/internal/config"
)

func (a *app) initCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init [name]",
		Short: "Write a default project config to .devflow/config.json",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ProjectPath(a.opts.Root)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}

			cfg := config.DefaultConfig()
			if len(args) == 1 {
				cfg.Name = args[0]
			} else if abs, err := filepath.Abs(a.opts.Root); err == nil {
				cfg.Name = filepath.Base(abs)
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			if !a.opts.Silent {
				fmt.Fprintf(a.stdout, "Wrote %s\n", path)
			}
			return nil
		},
	}
}
