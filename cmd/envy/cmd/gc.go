package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/wharflab/envy/internal/cachestore"
	"github.com/wharflab/envy/internal/config"
)

func gcCommand() *cli.Command {
	return &cli.Command{
		Name:  "gc",
		Usage: "Remove incomplete cache entries not currently locked by another process",
		Flags: commonFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(flagsFromCacheRoot(cmd.String("cache-root")))
			if err != nil {
				return err
			}
			store := cachestore.New(cfg.CacheRoot)

			var removed, skipped int
			for _, kind := range []cachestore.Kind{cachestore.KindPackage, cachestore.KindRecipe, cachestore.KindBundle} {
				result, err := store.GC(kind)
				if err != nil {
					return fmt.Errorf("gc: %s: %w", kind, err)
				}
				for _, path := range result.Removed {
					fmt.Printf("removed %s\n", path)
				}
				removed += len(result.Removed)
				skipped += len(result.Skipped)
			}
			fmt.Printf("gc: removed %d, skipped %d (in use or already complete)\n", removed, skipped)
			return nil
		},
	}
}

func flagsFromCacheRoot(cacheRoot string) map[string]any {
	if cacheRoot == "" {
		return nil
	}
	return map[string]any{"cache-root": cacheRoot}
}
