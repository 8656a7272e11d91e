package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/artifacts"
	"github.com/kandev/agentexec/internal/common/config"
	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/credentials"
	"github.com/kandev/agentexec/internal/events/bus"
	"github.com/kandev/agentexec/internal/fleet"
	"github.com/kandev/agentexec/internal/github"
	"github.com/kandev/agentexec/internal/metrics"
	"github.com/kandev/agentexec/internal/orchestrator"
	"github.com/kandev/agentexec/internal/orchestrator/queue"
	"github.com/kandev/agentexec/internal/runtime"
	"github.com/kandev/agentexec/internal/terminal"
	"github.com/kandev/agentexec/internal/workspace"
	"github.com/kandev/agentexec/internal/worktree"
)

// Services is the wired application graph.
type Services struct {
	Runtime      runtime.Runtime
	Resolver     *credentials.Resolver
	Provisioner  *workspace.Provisioner
	Terminals    *terminal.Manager
	Orchestrator *orchestrator.Service
}

func provideServices(ctx context.Context, cfg *config.Config, stores *Stores, eventBus bus.EventBus, q queue.Queue, m *metrics.Metrics, log *logger.Logger) (*Services, error) {
	fleetEndpoint := cfg.Fleet.Endpoint
	if fleetEndpoint == "" {
		fleetEndpoint = cfg.Runtime.RemoteEndpoint
	}
	var fleetMgr fleet.Manager
	if fleetEndpoint != "" {
		fleetMgr = fleet.NewClient(fleetEndpoint, log)
	}
	rt := runtime.New(cfg.Runtime, runtime.Deps{
		Bus:     eventBus,
		Fleet:   fleetMgr,
		Metrics: m,
		Agents:  cfg.Agents,
	}, log)
	log.Info("agent runtime ready", zap.String("mode", string(rt.Mode())), zap.String("endpoint", rt.Endpoint()))

	baseDir, err := config.ExpandHome(cfg.Workspace.BaseDir)
	if err != nil {
		return nil, err
	}
	scratchDir, err := config.ExpandHome(cfg.Workspace.ScratchDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}

	ghFactory := github.NewPATClientFactory()
	wt, err := worktree.NewManager(worktree.Config{
		BaseDir:      baseDir,
		BranchPrefix: cfg.Workspace.BranchPrefix,
	}, ghFactory, log)
	if err != nil {
		return nil, fmt.Errorf("init worktree manager: %w", err)
	}

	resolver := credentials.NewResolver(stores.Secrets, cfg.Credentials, log)
	provisioner := workspace.NewProvisioner(stores.Resources, wt, resolver, ghFactory, cfg.Workspace.BranchPrefix, log)
	preparer := workspace.NewPreparer(stores.Keys, wt, workspace.PreparerConfig{
		PublicURL:    cfg.API.PublicURL,
		Agents:       cfg.Agents,
		SpawnTimeout: cfg.Runtime.SpawnTimeout,
		Cols:         cfg.Runtime.DefaultCols,
		Rows:         cfg.Runtime.DefaultRows,
	}, log)

	var archiver terminal.Archiver
	if cfg.Artifacts.Enabled() {
		store, err := artifacts.NewStore(cfg.Artifacts, log)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			// Transcripts are optional; keep serving without them.
			log.Warn("transcript archival disabled", zap.Error(err))
		} else {
			archiver = store
		}
	}
	terminals := terminal.NewManager(stores.Terminals, eventBus, rt, archiver, log)

	orch, err := orchestrator.NewService(orchestrator.Config{
		DefaultAgentKind: cfg.Orchestrator.DefaultAgentKind,
		ScratchDir:       scratchDir,
		RecoveryGrace:    cfg.Orchestrator.RecoveryGrace,
		FailureDelay:     cfg.Cleanup.FailureDelay,
		SuccessDelay:     cfg.Cleanup.SuccessDelay,
	}, orchestrator.Deps{
		Repo:        stores.Executions,
		Queue:       q,
		Runtime:     rt,
		Provisioner: provisioner,
		Preparer:    preparer,
		Credentials: resolver,
		Terminals:   terminals,
		Bus:         eventBus,
		Metrics:     m,
	}, log)
	if err != nil {
		return nil, err
	}

	return &Services{
		Runtime:      rt,
		Resolver:     resolver,
		Provisioner:  provisioner,
		Terminals:    terminals,
		Orchestrator: orch,
	}, nil
}
