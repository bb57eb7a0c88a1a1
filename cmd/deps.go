package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ontoserve/authcore/internal"
	"github.com/ontoserve/authcore/internal/audit"
	"github.com/ontoserve/authcore/internal/store"
	"github.com/ontoserve/authcore/pkg/logger"
)

type Dependencies struct {
	Config   *internal.Config
	Store    *store.Store
	Recorder *audit.Recorder
	Logger   *slog.Logger
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(config.Observability.Logging.Level, config.Observability.Logging.Format)
	log := logger.LoggerWrapper()

	var replicator store.Replicator
	if config.Replication.Enabled {
		replicator = store.NewS3Replicator(config.Replication, config.Storage.Dir, log)
	}

	userStore, err := store.New(config, replicator, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize user store: %w", err)
	}

	var recorder *audit.Recorder
	if config.Audit.Enabled {
		recorder, err = audit.Open(config.Audit.Source, "authcore", log)
		if err != nil {
			userStore.Close()
			return nil, fmt.Errorf("failed to open audit trail: %w", err)
		}
		userStore.OnChange(recorder.Record)
	}

	return &Dependencies{
		Config:   config,
		Store:    userStore,
		Recorder: recorder,
		Logger:   log,
	}, nil
}

// shutdown drains the replication worker and closes the audit trail.
func (d *Dependencies) shutdown() {
	d.Store.Close()
	if d.Recorder != nil {
		if err := d.Recorder.Close(); err != nil {
			d.Logger.Error("audit trail close error", "error", err)
		}
	}
}
