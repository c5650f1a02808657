// Package cmd implements the pkgref command line.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/git-pkgs/pkgref"
	"github.com/git-pkgs/pkgref/client"
	"github.com/git-pkgs/pkgref/internal/config"
	"github.com/git-pkgs/pkgref/internal/logging"
	"github.com/git-pkgs/pkgref/internal/metrics"
)

// app holds what every subcommand needs once configuration is loaded.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	manager  *pkgref.Manager
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "pkgref",
		Short: "Manage NuGet package references in project manifests",
		Long: `pkgref lists, adds, updates and removes the NuGet package references
declared in .csproj, .fsproj, .vbproj, .props, .targets and packages.config
files. Manifests are rewritten in place: only the edited entry changes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is $HOME/.config/pkgref/config.yaml)")
	flags.String("log-level", "", "log level: "+strings.Join(logging.ValidLevels(), ", "))
	flags.String("registry", "", "NuGet service index URL")
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("registry.service_index_url", flags.Lookup("registry"))

	root.AddCommand(
		newListCmd(a),
		newAddCmd(a),
		newUpdateCmd(a),
		newRemoveCmd(a),
		newSearchCmd(a),
		newVersionsCmd(a),
		newOutdatedCmd(a),
		newShowCmd(a),
		newConfigCmd(a),
		newServeCmd(a),
	)
	return root
}

func initConfig() error {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	cfgFile := viper.GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		if dir := config.Dir(); dir != "" {
			viper.AddConfigPath(dir)
		}
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	// PKGREF_REGISTRY_SERVICE_INDEX_URL for registry.service_index_url
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

func (a *app) setup(cmd *cobra.Command) error {
	if err := initConfig(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	a.cfg = cfg
	a.logger = logging.New(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)

	opts := []pkgref.Option{
		pkgref.WithClient(newClient(cfg.Registry, a.metrics)),
		pkgref.WithRegistryURL(cfg.Registry.ServiceIndexURL),
		pkgref.WithLogger(a.logger),
		pkgref.WithMetrics(a.metrics),
		pkgref.WithConcurrency(cfg.Registry.Concurrency),
	}
	if cfg.Store.SerializeWrites {
		opts = append(opts, pkgref.WithSerializedWrites())
	}
	a.manager = pkgref.New(opts...)

	a.logger.Debug("configuration loaded",
		"config_file", viper.ConfigFileUsed(),
		"registry", cfg.Registry.ServiceIndexURL,
	)
	return nil
}

func (a *app) close() {
	if a.manager != nil {
		a.manager.Close()
	}
}

func newClient(cfg config.RegistryConfig, m *metrics.Metrics) *client.Client {
	opts := []client.Option{
		client.WithTimeout(cfg.Timeout()),
		client.WithMaxRetries(cfg.MaxRetries),
		client.WithObserver(m.RegistryObserver()),
	}
	if cfg.CircuitBreakerThreshold > 0 {
		opts = append(opts, client.WithCircuitBreaker(int64(cfg.CircuitBreakerThreshold)))
	}
	if refresh := cfg.DNSCacheRefresh(); refresh > 0 {
		opts = append(opts, client.WithDNSCache(refresh))
	}
	return client.NewClient(opts...).WithUserAgent(cfg.UserAgent)
}
