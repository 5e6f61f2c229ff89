package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/studio-b12/gowebdav"

	davsync "github.com/davdelta/davdelta/sync"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "davdelta",
		Short:         "Incremental index of a remote WebDAV file tree",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default ./davdelta.yaml)")
	flags.String("url", "", "WebDAV server URL")
	flags.String("username", "", "WebDAV username")
	flags.String("password", "", "WebDAV password")
	flags.String("base-path", "/", "HTTP path prefix of the WebDAV endpoint")
	flags.String("remote-base", "/", "remote directory to index")
	flags.String("vault", "default", "vault name, namespaces the index")
	flags.Int("concurrency", 0, "parallel remote requests (0 = default)")
	flags.String("db", "davdelta-cache.db", "index database path")
	flags.String("log-dir", "", "directory for rotated log files")
	flags.String("rules", "", "include/exclude rules file")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		viper.SetEnvPrefix("DAVDELTA")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()

		if cfg := viper.GetString("config"); cfg != "" {
			viper.SetConfigFile(cfg)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("read config: %w", err)
			}
		} else {
			viper.SetConfigName("davdelta")
			viper.AddConfigPath(".")
			if err := viper.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return fmt.Errorf("read config: %w", err)
				}
			}
		}

		davsync.InitLogger(viper.GetString("log-dir"))
		return nil
	}

	root.AddCommand(newSyncCmd(), newRebuildCmd(), newStatsCmd(), newClearCmd())
	return root
}

// openWalker builds the store, remote adapter and driver from the
// resolved configuration. The caller closes the returned database.
func openWalker() (*davsync.Walker, *sql.DB, error) {
	serverURL := viper.GetString("url")
	if serverURL == "" {
		return nil, nil, fmt.Errorf("no WebDAV server URL configured (--url or DAVDELTA_URL)")
	}

	db, err := davsync.OpenDB(viper.GetString("db"))
	if err != nil {
		return nil, nil, err
	}

	settings := davsync.Settings{
		VaultName:     viper.GetString("vault"),
		RemoteBaseDir: viper.GetString("remote-base"),
		BasePath:      viper.GetString("base-path"),
		Concurrency:   viper.GetInt("concurrency"),
	}

	endpoint := strings.TrimRight(serverURL, "/")
	if bp := davsync.NormalizePath(settings.BasePath); bp != "/" {
		endpoint += bp
	}
	client := gowebdav.NewClient(endpoint, viper.GetString("username"), viper.GetString("password"))
	remote := davsync.NewDavRemote(client)

	var filter davsync.Filter = davsync.AcceptAll{}
	if rules := viper.GetString("rules"); rules != "" {
		filter = davsync.LoadRules(rules)
	}

	store := davsync.NewStore(db, settings.VaultName, settings.RemoteBaseDir)
	walker := davsync.NewWalker(store, remote, filter, settings)
	walker.SetProgressFunc(func(entries int, currentPath string) {
		fmt.Fprintf(os.Stderr, "\rscanned %d entries  %s", entries, currentPath)
	})
	return walker, db, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newSyncCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the index with the remote and report the listing size (--list prints it)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			walker, db, err := openWalker()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := signalContext()
			defer cancel()

			listing, err := walker.Walk(ctx)
			if err != nil {
				return err
			}
			if list {
				for _, st := range listing {
					fmt.Fprintln(cmd.OutOrStdout(), st.Path)
				}
			}
			fmt.Fprintf(os.Stderr, "\n%d entries\n", len(listing))
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "print every listed path")
	return cmd
}

func newRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Clear the index and rescan the whole remote tree",
		RunE: func(cmd *cobra.Command, _ []string) error {
			walker, db, err := openWalker()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := signalContext()
			defer cancel()

			stats, err := walker.RebuildIndex(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "\nrebuilt: %d files, %d directories\n", stats.FileCount, stats.DirCount)
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print index statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			walker, db, err := openWalker()
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := walker.IndexStats()
			if err != nil {
				return err
			}
			out := struct {
				davsync.IndexStats
				RecentErrors []davsync.LogEntry `json:"recentErrors,omitempty"`
			}{IndexStats: *stats, RecentErrors: davsync.RecentErrors()}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop all persisted index state for the namespace",
		RunE: func(_ *cobra.Command, _ []string) error {
			walker, db, err := openWalker()
			if err != nil {
				return err
			}
			defer db.Close()
			return walker.ClearIndex()
		},
	}
}
