package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/automate/internal/memory"
	"github.com/nextlevelbuilder/automate/internal/providers"
	"github.com/nextlevelbuilder/automate/internal/vector"
)

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and search agent memory",
	}
	cmd.AddCommand(memorySearchCmd(), memoryIndexCmd(), memoryResetCmd())
	return cmd
}

func openMemory() (*memory.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	var embedder providers.Embedder
	if cfg.Memory.Embedding.IsEnabled() {
		embedder = providers.NewEmbeddingClient(
			cfg.Memory.Embedding.Model,
			cfg.Memory.Embedding.APIKey,
			cfg.Memory.Embedding.APIBase,
		)
	}
	index := vector.New(vector.Options{
		Dir:          cfg.Memory.Directory,
		ChunkSize:    cfg.Memory.Embedding.ChunkSize,
		ChunkOverlap: cfg.Memory.Embedding.ChunkOverlap,
		VectorWeight: cfg.Memory.Embedding.VectorWeight,
		BM25Weight:   cfg.Memory.Embedding.BM25Weight,
		Embedder:     embedder,
	})
	return memory.NewManager(cfg.Memory.Directory, cfg.Memory.SharedDirectory, index)
}

func memorySearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memory with the hybrid index",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			mem, err := openMemory()
			if err != nil {
				fail(err)
			}
			results := mem.SemanticSearch(context.Background(), strings.Join(args, " "), limit)
			if len(results) == 0 {
				fmt.Println("No matches.")
				return
			}
			for _, r := range results {
				fmt.Printf("[%.3f %s] %s\n    %s\n", r.Score, r.Source, r.File, firstLine(r.Text))
			}
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "maximum results")
	return cmd
}

func memoryIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Rebuild the semantic index over memory files",
		Run: func(cmd *cobra.Command, args []string) {
			mem, err := openMemory()
			if err != nil {
				fail(err)
			}
			report, err := mem.IndexAll(context.Background())
			if err != nil {
				fail(err)
			}
			fmt.Printf("Indexed %d files (%d chunks), %d unchanged.\n",
				report.FilesIndexed, report.ChunksIndexed, report.FilesSkipped)
		},
	}
}

func memoryResetCmd() *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "factory-reset",
		Short: "Delete all memory files and reseed defaults",
		Run: func(cmd *cobra.Command, args []string) {
			if !confirmed {
				fail(fmt.Errorf("refusing without --yes"))
			}
			mem, err := openMemory()
			if err != nil {
				fail(err)
			}
			if err := mem.FactoryReset(); err != nil {
				fail(err)
			}
			fmt.Println("Memory reset to defaults.")
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm the reset")
	return cmd
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "…"
	}
	return s
}
