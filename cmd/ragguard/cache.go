package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fractal-lba/ragguard/internal/cache"
)

// cleaner is implemented by backends that need explicit expiry.
type cleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the relevance grade cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired grades",
		Long: `Deletes expired grades from the configured cache backend. Redis expires
keys itself, so this is a no-op there.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := cache.Open(cfg.CacheOptions())
			if err != nil {
				return fmt.Errorf("failed to open cache: %w", err)
			}
			defer store.Close()

			c, ok := store.(cleaner)
			if !ok {
				fmt.Printf("Backend %s expires entries itself; nothing to do\n", cfg.Cache.Backend)
				return nil
			}
			n, err := c.CleanupExpired(cmd.Context())
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}
			fmt.Printf("Deleted %d expired grades from %s\n", n, cfg.Cache.Backend)
			return nil
		},
	})
	return cmd
}
