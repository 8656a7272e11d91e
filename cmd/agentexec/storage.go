package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/common/config"
	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/credentials"
	"github.com/kandev/agentexec/internal/db"
	"github.com/kandev/agentexec/internal/execution"
	"github.com/kandev/agentexec/internal/terminal"
	"github.com/kandev/agentexec/internal/workspace"
)

// Stores bundles every repository backed by the shared pool.
type Stores struct {
	Pool       *db.Pool
	Executions *execution.SQLRepository
	Resources  *workspace.SQLStore
	Terminals  *terminal.SQLStore
	Keys       *credentials.SQLKeyStore
	Secrets    *credentials.SQLSecretStore
}

// provideStores opens the database and creates each store, which applies
// its schema.
func provideStores(cfg *config.Config, log *logger.Logger) (*Stores, func() error, error) {
	pool, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	fail := func(err error) (*Stores, func() error, error) {
		_ = pool.Close()
		return nil, nil, err
	}

	s := &Stores{Pool: pool}
	if s.Executions, err = execution.NewSQLRepository(pool); err != nil {
		return fail(fmt.Errorf("init execution store: %w", err))
	}
	if s.Resources, err = workspace.NewSQLStore(pool); err != nil {
		return fail(fmt.Errorf("init workspace store: %w", err))
	}
	if s.Terminals, err = terminal.NewSQLStore(pool); err != nil {
		return fail(fmt.Errorf("init terminal store: %w", err))
	}
	if s.Keys, err = credentials.NewSQLKeyStore(pool); err != nil {
		return fail(fmt.Errorf("init key store: %w", err))
	}

	keyPath, err := config.ExpandHome(cfg.Credentials.MasterKeyPath)
	if err != nil {
		return fail(err)
	}
	master, err := credentials.LoadOrCreateMasterKey(keyPath)
	if err != nil {
		return fail(fmt.Errorf("load master key: %w", err))
	}
	if s.Secrets, err = credentials.NewSQLSecretStore(pool, master); err != nil {
		return fail(fmt.Errorf("init secret store: %w", err))
	}

	log.Info("database ready", zap.String("driver", cfg.Database.Driver))
	return s, pool.Close, nil
}
