package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/millipress/millicache/internal/config"
	"github.com/millipress/millicache/internal/engine"
	"github.com/millipress/millicache/internal/logging"
	"github.com/millipress/millicache/internal/server"
	"github.com/millipress/millicache/internal/storage"
)

type rootOptions struct {
	configFile string
	envPrefix  string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "millicache",
		Short:         "Full-page cache in front of a content system",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadEnvFiles(opts.envFiles)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "path to server configuration file (yaml, json or toml)")
	flags.StringVar(&opts.envPrefix, "env-prefix", "MILLICACHE", "environment variable prefix")
	flags.StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files to load before reading the environment")

	root.AddCommand(
		newServeCmd(opts),
		newClearCmd(opts),
		newStatusCmd(opts),
		newCleanupCmd(opts),
	)
	return root
}

// loadEnvFiles applies dotenv files without overriding variables that are
// already set. Missing files are ignored.
func loadEnvFiles(files []string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", file, err)
		}
	}
	return nil
}

func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	var files []string
	if o.configFile != "" {
		files = append(files, o.configFile)
	}
	cfg, err := config.NewLoader(o.envPrefix, files...).Load(cmd.Context())
	if err != nil {
		return config.Config{}, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the caching reverse proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Server.Logging)
			if err != nil {
				return err
			}
			for _, skip := range cfg.SkippedDefinitions {
				logger.Warn("rule skipped", slog.String("rule", skip.Name), slog.String("reason", skip.Reason))
			}
			app, err := server.NewApp(cfg, logger, server.AppOptions{})
			if err != nil {
				return err
			}
			err = app.Run(cmd.Context(), nil)
			logger.Info("server shutdown complete")
			return err
		},
	}
}

// offlineEngine builds an engine for one-shot commands. Logs go to stderr so
// stdout carries only the command result.
func (o *rootOptions) offlineEngine(cmd *cobra.Command) (*engine.Engine, storage.Store, error) {
	cfg, err := o.load(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewWithWriter(cfg.Server.Logging, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	app, err := server.NewApp(cfg, logger, server.AppOptions{Origin: http.NotFoundHandler()})
	if err != nil {
		return nil, nil, err
	}
	e := app.Engine()
	store := e.Store()
	if !store.IsAvailable() {
		store.Close()
		return nil, nil, errors.New("cache store unavailable")
	}
	return e, store, nil
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	var (
		expire  bool
		all     bool
		sites   []string
		network string
		posts   []int
	)
	cmd := &cobra.Command{
		Use:   "clear [targets...]",
		Short: "Expire or delete cached pages by URL, post id or tag",
		Long: "Targets are URLs, numeric post ids or raw tags. Use --all, --site or --network\n" +
			"to clear whole sites; --expire marks entries stale instead of deleting them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && network == "" && len(sites) == 0 && len(posts) == 0 && len(args) == 0 {
				return errors.New("nothing to clear: pass targets, --post, --site, --network or --all")
			}
			e, store, err := opts.offlineEngine(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			var total storage.ClearResult
			add := func(r storage.ClearResult) {
				total.Expired += r.Expired
				total.Deleted += r.Deleted
			}
			switch {
			case all:
				add(e.ClearCache(ctx, expire))
			case network != "":
				add(e.ClearCacheByNetworkID(ctx, network, expire))
			default:
				if len(sites) > 0 {
					add(e.ClearCacheBySiteIDs(ctx, sites, expire))
				}
				if len(posts) > 0 {
					add(e.ClearCacheByPostIDs(ctx, posts, expire))
				}
				if len(args) > 0 {
					add(e.ClearCacheByTargets(ctx, args, expire))
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d, deleted %d\n", total.Expired, total.Deleted)
			return nil
		},
	}
	cmd.Flags().BoolVar(&expire, "expire", false, "mark entries stale instead of deleting them")
	cmd.Flags().BoolVar(&all, "all", false, "clear every cached page")
	cmd.Flags().StringSliceVar(&sites, "site", nil, "clear every page of these site ids")
	cmd.Flags().StringVar(&network, "network", "", "clear every page of this network id")
	cmd.Flags().IntSliceVar(&posts, "post", nil, "clear pages tagged with these post ids")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print cache settings and size as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, store, err := opts.offlineEngine(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			return printJSON(cmd.OutOrStdout(), e.GetStatus(cmd.Context(), tag))
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "only count entries carrying this tag")
	return cmd
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove tag index members whose entries no longer exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := opts.offlineEngine(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			removed := store.CleanupOrphanedTagMembers(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "removed "+strconv.Itoa(removed))
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
