package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"swcache/internal/swcache"
)

// newCachesCmd inspects the partition store offline. The leveldb backend is
// locked by a running server, so stop it first.
func newCachesCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caches",
		Short: "Inspect or delete cache partitions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List partitions and their entry counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, cfg, err := openStorage(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			names, err := st.Names()
			if err != nil {
				return err
			}
			gen := cfg.Generation()
			for _, name := range names {
				p, err := st.Lookup(name)
				if err != nil {
					return err
				}
				keys, err := p.Keys()
				if err != nil {
					return err
				}
				mark := "stale"
				if gen.Contains(name) {
					mark = "current"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", name, len(keys), mark)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a partition and all of its entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStorage(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			ok, err := st.Delete(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", swcache.ErrPartitionNotFound, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func openStorage(configPath string) (swcache.Storage, swcache.Config, error) {
	cfg, err := swcache.LoadConfig(configPath)
	if err != nil {
		return nil, swcache.Config{}, fmt.Errorf("load config: %w", err)
	}
	st, err := swcache.OpenStorage(cfg.Storage)
	if err != nil {
		return nil, swcache.Config{}, err
	}
	return st, cfg, nil
}
