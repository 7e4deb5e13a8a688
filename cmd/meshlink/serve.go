package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/nerrad567/meshlink-core/migrations"

	"github.com/nerrad567/meshlink-core/internal/api"
	"github.com/nerrad567/meshlink-core/internal/auth"
	"github.com/nerrad567/meshlink-core/internal/gateway"
	"github.com/nerrad567/meshlink-core/internal/infrastructure/config"
	"github.com/nerrad567/meshlink-core/internal/infrastructure/database"
	"github.com/nerrad567/meshlink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/meshlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/meshlink-core/internal/manager"
	"github.com/nerrad567/meshlink-core/internal/processor"
	"github.com/nerrad567/meshlink-core/internal/radio"
	"github.com/nerrad567/meshlink-core/internal/store"
	"github.com/nerrad567/meshlink-core/internal/transport"
)

// pruneInterval is how often persisted history is trimmed to retention.
const pruneInterval = time.Hour

func newServeCommand(opts *rootOptions) *cobra.Command {
	var devices []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the meshlink service",
		Long: `Run the meshlink service until interrupted. Devices given with --device
are connected at startup; more can be connected through the API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd, opts, devices)
		},
	}
	cmd.Flags().StringSliceVarP(&devices, "device", "d", nil, "serial port to connect at startup (repeatable)")
	return cmd
}

// loadConfig resolves the config path from the flag, then $MESHLINK_CONFIG,
// then the default. A missing default file falls back to built-in defaults;
// a missing file that was asked for is an error.
func loadConfig(flagPath string) (*config.Config, string, error) {
	path, explicit := flagPath, flagPath != ""
	if !explicit {
		if env := os.Getenv(configEnv); env != "" {
			path, explicit = env, true
		} else {
			path = defaultConfigPath
		}
	}

	if _, err := os.Stat(path); err != nil && !explicit && errors.Is(err, os.ErrNotExist) {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, "", fmt.Errorf("validating default config: %w", err)
		}
		return cfg, "", nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// radioFromConfig builds the radio config new sessions start with.
func radioFromConfig(rc config.RadioConfig) (radio.Config, error) {
	region, err := radio.ParseRegion(rc.Region)
	if err != nil {
		return radio.Config{}, err
	}
	cfg := radio.ForRegion(region)
	if rc.Preset != "" {
		preset, err := radio.ParsePreset(rc.Preset)
		if err != nil {
			return radio.Config{}, err
		}
		if cfg, err = cfg.WithPreset(preset); err != nil {
			return radio.Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return radio.Config{}, err
	}
	return cfg, nil
}

// runServe wires the service together and blocks until ctx is cancelled.
// Deferred closes run in reverse order: API, manager (sessions and
// gateways), InfluxDB, database.
func runServe(ctx context.Context, cmd *cobra.Command, opts *rootOptions, devices []string) error { //nolint:gocognit,gocyclo // linear startup sequence
	cfg, path, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	log := logging.New(cfg.Logging, version)
	log.Info("starting meshlink",
		"version", version,
		"commit", commit,
		"build_date", date,
	)
	if path == "" {
		log.Warn("no config file found, using built-in defaults", "looked_for", defaultConfigPath)
	} else {
		log.Info("configuration loaded", "path", path)
	}

	radioCfg, err := radioFromConfig(cfg.Radio)
	if err != nil {
		return fmt.Errorf("radio config: %w", err)
	}

	// Database and warm start
	db, err := database.Open(database.FromConfig(cfg.Database))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	st := store.NewSQLiteStore(db.DB)

	// InfluxDB (optional)
	influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	procOpts := processor.Options{
		DedupCapacity:   cfg.Processor.DedupCapacity,
		HistoryCapacity: cfg.Processor.HistoryCapacity,
		Store:           st,
	}
	gwOpts := gateway.ManagerOptions{
		HeartbeatInterval: cfg.GetHeartbeatInterval(),
		Logger:            log.Component("gateway"),
	}
	if influxClient != nil {
		procOpts.Metrics = influxClient
		gwOpts.Metrics = influxClient
	}

	proc := processor.New(procOpts)
	proc.SetLogger(log.Component("processor"))

	nodes, messages, err := st.Load(ctx, cfg.Processor.HistoryCapacity)
	if err != nil {
		return fmt.Errorf("loading stored directory: %w", err)
	}
	proc.Restore(nodes, messages)
	log.Info("directory restored", "nodes", len(nodes), "messages", len(messages))

	gateways := gateway.NewManager(gwOpts)
	for _, gc := range cfg.Gateways.Instances {
		if _, addErr := gateways.Add(gateway.FromConfig(gc)); addErr != nil {
			return fmt.Errorf("gateway %q: %w", gc.Name, addErr)
		}
		if !gc.AutoConnect {
			continue
		}
		if connErr := gateways.Connect(ctx, gc.Name); connErr != nil {
			log.Warn("gateway connect failed", "gateway", gc.Name, "error", connErr)
		} else {
			log.Info("gateway connected", "gateway", gc.Name, "broker", gc.BrokerURL)
		}
	}

	mgr := manager.New(manager.Options{
		Processor: proc,
		Gateways:  gateways,
		Radio:     radioCfg,
		Serial: transport.SerialOptions{
			BaudRates:   cfg.Serial.BaudRates,
			OpenTimeout: cfg.GetSerialOpenTimeout(),
			ReadTimeout: cfg.GetSerialReadTimeout(),
		},
		History: st,
		Logger:  log.Component("manager"),
	})
	defer func() {
		log.Info("closing sessions and gateways")
		if closeErr := mgr.Close(); closeErr != nil {
			log.Error("error closing manager", "error", closeErr)
		}
	}()

	for _, dev := range devices {
		id, connErr := mgr.Connect(ctx, dev, transport.KindSerial)
		if connErr != nil {
			log.Warn("device connect failed", "device", dev, "error", connErr)
			continue
		}
		log.Info("device connected", "device", dev, "session", id)
	}

	var authn *auth.Authenticator
	if cfg.AuthEnabled() {
		authn, err = auth.NewAuthenticator(cfg.Security)
		if err != nil {
			return fmt.Errorf("configuring auth: %w", err)
		}
	} else {
		log.Warn("API authentication disabled; keep api.host on loopback")
	}

	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log.Component("api"),
		Manager:  mgr,
		Auth:     authn,
		Database: db,
		Store:    st,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if cfg.Database.HistoryRetention > 0 {
		go pruneLoop(ctx, st, cfg.Database.HistoryRetention, log)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "meshlink listening on %s:%d\n", cfg.API.Host, cfg.API.Port)
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// pruneLoop trims persisted history to keep messages until ctx is cancelled.
func pruneLoop(ctx context.Context, st *store.SQLiteStore, keep int, log *logging.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.PruneMessages(ctx, keep)
			if err != nil {
				log.Warn("history prune failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("history pruned", "deleted", n, "kept", keep)
			}
		}
	}
}
