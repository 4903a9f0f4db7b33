package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/automate/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize the configuration file",
	}
	cmd.AddCommand(configShowCmd(), configInitCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fail(err)
			}
			data, err := yaml.Marshal(cfg.MaskedCopy())
			if err != nil {
				fail(err)
			}
			fmt.Print(string(data))
		},
	}
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file if none exists",
		Run: func(cmd *cobra.Command, args []string) {
			path := resolveConfigPath()
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("config already exists at %s\n", path)
				return
			}
			if err := config.Default().Save(path); err != nil {
				fail(err)
			}
			fmt.Printf("wrote default config to %s\n", path)
		},
	}
}
