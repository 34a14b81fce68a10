package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/doppler-ln/doppler/pkg/compose"
	"github.com/doppler-ln/doppler/pkg/config"
	"github.com/doppler-ln/doppler/pkg/engine"
	"github.com/doppler-ln/doppler/pkg/providers"
	"github.com/doppler-ln/doppler/pkg/stores"
	"github.com/doppler-ln/doppler/pkg/telemetry"
	"github.com/doppler-ln/doppler/pkg/transports"
	"github.com/doppler-ln/doppler/pkg/transports/local"
	"github.com/doppler-ln/doppler/pkg/transports/ssh"
)

// environment is what every command that touches a cluster shares.
type environment struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	runtime   *compose.Runtime
	remote    *ssh.Client
	store     *stores.SQLiteStore
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Telemetry.Logging.Level = level
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// setup loads the configuration and builds telemetry and the container
// runtime. withStore also opens and migrates the tag store.
func setup(ctx context.Context, withStore bool) (*environment, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	env := &environment{cfg: cfg, telemetry: tel}

	var runner transports.Runner = local.NewRunner("")
	var opts []compose.RuntimeOption
	if remote := cfg.SSH(); remote != nil {
		client, err := ssh.NewClient(remote)
		if err != nil {
			env.close()
			return nil, fmt.Errorf("failed to configure docker host: %w", err)
		}
		env.remote = client
		runner = client
		opts = append(opts, compose.WithUploader(client, remote.WorkDir))
		log.Info().Str("host", remote.Address()).Str("workdir", remote.WorkDir).Msg("using remote docker host")
	}
	env.runtime = compose.NewRuntime(runner, cfg.Compose.DockerCommand, opts...)

	if withStore {
		store, err := openStore(ctx, cfg.Store.Path)
		if err != nil {
			env.close()
			return nil, err
		}
		env.store = store
	}

	if err := tel.Metrics.StartServer(); err != nil {
		env.close()
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	return env, nil
}

func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate store %s: %w", path, err)
	}
	return store, nil
}

// newState creates the cluster state of a run. An empty runID records no
// actions.
func (e *environment) newState(runID string, extra ...engine.Option) (*engine.ClusterState, error) {
	registry := providers.NewRegistry(e.cfg.ProviderOptions(e.telemetry.Logger))
	opts := []engine.Option{
		engine.WithSettings(e.cfg.Settings()),
		engine.WithTelemetry(e.telemetry),
		engine.WithRuntime(e.runtime),
		engine.WithRegistry(registry),
		engine.WithDefaultImages(e.cfg.ImageMap()),
		engine.WithRunID(runID),
	}
	if e.store != nil {
		opts = append(opts, engine.WithTagStore(e.store))
	}
	opts = append(opts, extra...)
	return engine.NewClusterState(e.telemetry.Logger, opts...)
}

func (e *environment) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if e.store != nil {
		if err := e.store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close store")
		}
	}
	if e.remote != nil {
		if err := e.remote.Disconnect(); err != nil {
			log.Warn().Err(err).Msg("failed to disconnect from docker host")
		}
	}
	if err := e.telemetry.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to shut down telemetry")
	}
}
