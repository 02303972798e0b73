package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/devrev/pairdb/replicator/internal/client"
	"github.com/devrev/pairdb/replicator/internal/config"
	"github.com/devrev/pairdb/replicator/internal/topology"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRouter builds a failover router from the --url, --db, --timeout and --cache-dir flags.
// A topology cached by an earlier run orders the nodes before the seeds are used.
func newRouter(cmd *cobra.Command, logger *zap.Logger) (*client.Router, error) {
	urls, _ := cmd.Flags().GetStringSlice("url")
	db, _ := cmd.Flags().GetString("db")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	cacheDir, _ := cmd.Flags().GetString("cache-dir")

	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one --url is required")
	}
	if db == "" {
		return nil, fmt.Errorf("--db is required")
	}

	var local *topology.LocalCache
	if cacheDir != "" {
		local = topology.NewLocalCache(cacheDir, logger)
	}
	cache := topology.NewCache(db, local, nil, logger)
	cache.Warm()

	return client.NewRouter(client.Config{Database: db, SeedURLs: urls, Timeout: timeout}, cache, nil, logger), nil
}

// clearTopologyCache removes the cached topology of --db so the next run starts from the seeds
func clearTopologyCache(cmd *cobra.Command) error {
	db, _ := cmd.Flags().GetString("db")
	cacheDir, _ := cmd.Flags().GetString("cache-dir")
	if db == "" {
		return fmt.Errorf("--db is required")
	}
	if cacheDir == "" {
		return fmt.Errorf("--cache-dir is required with --clear")
	}

	local := topology.NewLocalCache(cacheDir, zap.NewNop())
	if err := local.Clear(db); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", local.Path(db))
	return nil
}

func withRouter(run func(ctx context.Context, router *client.Router, cmd *cobra.Command, args []string) (interface{}, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger := loggerFromFlags(cmd, "warn", "console")
		defer logger.Sync()

		router, err := newRouter(cmd, logger)
		if err != nil {
			return err
		}
		out, err := run(cmd.Context(), router, cmd, args)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
}

func addRouterFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("url", nil, "node URL, repeat or comma separate for failover")
	cmd.Flags().String("db", "", "database name")
	cmd.Flags().Duration("timeout", 10*time.Second, "per request timeout")
	cmd.Flags().String("cache-dir", "./topology-cache", "directory of the local topology cache, empty to disable")
}

var (
	conflictsCmd = &cobra.Command{
		Use:   "conflicts",
		Short: "List pending conflicts",
		RunE: withRouter(func(ctx context.Context, router *client.Router, cmd *cobra.Command, args []string) (interface{}, error) {
			doc, _ := cmd.Flags().GetString("doc")
			return router.GetConflicts(ctx, doc)
		}),
	}
	tombstonesCmd = &cobra.Command{
		Use:   "tombstones",
		Short: "List deleted documents",
		RunE: withRouter(func(ctx context.Context, router *client.Router, cmd *cobra.Command, args []string) (interface{}, error) {
			return router.GetTombstones(ctx)
		}),
	}
	rejectionsCmd = &cobra.Command{
		Use:   "rejections",
		Short: "Show why incoming replication was rejected",
		RunE: withRouter(func(ctx context.Context, router *client.Router, cmd *cobra.Command, args []string) (interface{}, error) {
			return router.GetIncomingRejectionInfo(ctx)
		}),
	}
	topologyCmd = &cobra.Command{
		Use:   "topology",
		Short: "Fetch the database topology and store it in the local cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearCache, _ := cmd.Flags().GetBool("clear"); clearCache {
				return clearTopologyCache(cmd)
			}
			return withRouter(func(ctx context.Context, router *client.Router, cmd *cobra.Command, args []string) (interface{}, error) {
				if _, err := router.UpdateTopology(ctx); err != nil {
					return nil, err
				}
				return struct {
					Nodes  interface{} `json:"Nodes"`
					Status interface{} `json:"NodeStatus"`
				}{router.Nodes(), router.NodeStatus()}, nil
			})(cmd, args)
		},
	}
	solverCmd = &cobra.Command{
		Use:   "solver [file]",
		Short: "Install a conflict solver from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: withRouter(func(ctx context.Context, router *client.Router, cmd *cobra.Command, args []string) (interface{}, error) {
			cfg, err := config.LoadConflictSolver(args[0])
			if err != nil {
				return nil, err
			}
			return router.PutConflictSolver(ctx, cfg)
		}),
	}
)

func init() {
	for _, cmd := range []*cobra.Command{conflictsCmd, tombstonesCmd, rejectionsCmd, topologyCmd, solverCmd} {
		addRouterFlags(cmd)
	}
	conflictsCmd.Flags().String("doc", "", "only list conflicts of this document")
	topologyCmd.Flags().Bool("clear", false, "remove the cached topology instead of fetching it")
}
