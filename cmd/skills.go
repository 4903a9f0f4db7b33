package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/automate/internal/skills"
)

func skillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect loaded skills",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List loaded and skipped skills",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fail(err)
			}
			loader := skills.NewLoader(cfg.Skills.Directory, cfg.Skills.ExtraDirs...)
			loaded := loader.LoadAll()

			if len(loaded) == 0 {
				fmt.Println("No skills loaded.")
			}
			for _, s := range loaded {
				label := s.Name
				if s.Meta.Emoji != "" {
					label = s.Meta.Emoji + " " + label
				}
				fmt.Printf("  %-30s %s\n", label, s.Dir)
			}

			skipped := loader.ListSkippedSkills()
			if len(skipped) > 0 {
				fmt.Println("\nSkipped:")
				for _, s := range skipped {
					fmt.Printf("  %-30s %s\n", s.Name, strings.Join(s.Reasons, "; "))
					for _, hint := range s.Install {
						fmt.Printf("    install: %s\n", hint)
					}
				}
			}
		},
	})
	return cmd
}
