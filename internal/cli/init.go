package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/benclarkson/foreman/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default foreman.yaml in the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(config.FileName); err == nil {
			return fmt.Errorf("%s already exists", config.FileName)
		}
		cfg := config.Default()
		if err := cfg.Save(config.FileName); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", config.FileName)
		return nil
	},
}
