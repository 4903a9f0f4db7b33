package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/automate/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("automate doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Agent:")
	fmt.Printf("    %-12s %s\n", "Model:", cfg.Agent.Model)
	fmt.Printf("    %-12s %s\n", "API key:", redact(cfg.Agent.APIKey))
	fmt.Println()
	fmt.Println("  Embeddings:")
	if cfg.Memory.Embedding.IsEnabled() {
		fmt.Printf("    %-12s %s\n", "Model:", cfg.Memory.Embedding.Model)
		fmt.Printf("    %-12s %s\n", "API key:", redact(cfg.Memory.Embedding.APIKey))
	} else {
		fmt.Println("    disabled (lexical search only)")
	}
	fmt.Println()
	fmt.Println("  Directories:")
	for _, d := range []struct{ name, path string }{
		{"Sessions:", cfg.Sessions.Directory},
		{"Memory:", cfg.Memory.Directory},
		{"Cron:", cfg.Cron.Directory},
		{"Skills:", cfg.Skills.Directory},
	} {
		fmt.Printf("    %-12s %s\n", d.name, config.ExpandHome(d.path))
	}

	fmt.Println()
	fmt.Println("  Binaries:")
	for _, bin := range []string{"git", "curl"} {
		if _, err := exec.LookPath(bin); err != nil {
			fmt.Printf("    %-12s MISSING\n", bin)
		} else {
			fmt.Printf("    %-12s OK\n", bin)
		}
	}
}

func redact(secret string) string {
	if secret == "" {
		return "(not set)"
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
