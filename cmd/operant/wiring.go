package main

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/operant/pkg/action"
	"github.com/codeready-toolchain/operant/pkg/audit"
	"github.com/codeready-toolchain/operant/pkg/authz"
	"github.com/codeready-toolchain/operant/pkg/config"
	"github.com/codeready-toolchain/operant/pkg/contextgather"
	"github.com/codeready-toolchain/operant/pkg/database"
	"github.com/codeready-toolchain/operant/pkg/diagnosis"
	"github.com/codeready-toolchain/operant/pkg/dispatcher"
	"github.com/codeready-toolchain/operant/pkg/eval"
	"github.com/codeready-toolchain/operant/pkg/redact"
	"github.com/codeready-toolchain/operant/pkg/registry"
	"github.com/codeready-toolchain/operant/pkg/safety"
	"github.com/codeready-toolchain/operant/pkg/subject"
	"github.com/codeready-toolchain/operant/pkg/ticket"
	"github.com/codeready-toolchain/operant/pkg/toolexec"
)

// subjectRegistry is the extension point a concrete deployment populates
// with subject.Registry.Register calls before this binary's Execute runs
// (e.g. from a vendored main that imports this package's root command and
// registers its cluster adapters first). Concrete subject adapters are an
// external collaborator per spec.md §1 — this binary only wires the
// protocol boundary, never a specific cluster implementation.
var subjectRegistry = subject.NewRegistry()

func buildSubject(name string) (subject.Subject, error) {
	subj, err := subjectRegistry.Build(name)
	if err != nil {
		return nil, notFoundError(fmt.Errorf("subject %q: %w", name, err))
	}
	return subj, nil
}

// openTicketStore opens the tickets SQLite file, applying migrations.
func openTicketStore(ctx context.Context) (*ticket.Store, *database.Client, error) {
	cfg, err := database.ConfigForStore(database.StoreTickets)
	if err != nil {
		return nil, nil, err
	}
	migrations, err := ticket.Migrations()
	if err != nil {
		return nil, nil, err
	}
	client, err := database.NewClient(ctx, cfg, migrations)
	if err != nil {
		return nil, nil, err
	}
	return ticket.NewStore(client), client, nil
}

// openActionStore opens the actions SQLite file, applying migrations.
func openActionStore(ctx context.Context) (*action.Store, *database.Client, error) {
	cfg, err := database.ConfigForStore(database.StoreActions)
	if err != nil {
		return nil, nil, err
	}
	migrations, err := action.Migrations()
	if err != nil {
		return nil, nil, err
	}
	client, err := database.NewClient(ctx, cfg, migrations)
	if err != nil {
		return nil, nil, err
	}
	// The audit log lives in this file too. Its migration reuses version 1,
	// so its idempotent DDL is executed directly rather than version-tracked.
	auditMigrations, err := audit.Migrations()
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	for _, m := range auditMigrations {
		if _, err := client.DB().ExecContext(ctx, m.SQL); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("apply audit migration %d_%s: %w", m.Version, m.Name, err)
		}
	}
	return action.NewStore(client), client, nil
}

// openEvalStore opens the eval harness's own SQLite file, applying
// migrations, per spec.md §6's "eval uses its own SQLite file" clause.
func openEvalStore(ctx context.Context) (*eval.Store, *database.Client, error) {
	cfg, err := database.ConfigForStore(database.StoreEval)
	if err != nil {
		return nil, nil, err
	}
	migrations, err := eval.Migrations()
	if err != nil {
		return nil, nil, err
	}
	client, err := database.NewClient(ctx, cfg, migrations)
	if err != nil {
		return nil, nil, err
	}
	return eval.NewStore(client), client, nil
}

// openAuditStore opens the audit log, sharing the actions database client
// so a single transaction can span both stores where the dispatcher needs
// it — matching how pkg/action and pkg/audit migrations both apply against
// the same SQLite file.
func openAuditStore(client *database.Client, redactExtraKeys []string) *audit.Store {
	return audit.NewStore(client, redact.NewService(redactExtraKeys))
}

// appDeps bundles every store and service a daemon or admin command needs,
// closed over one subject and one loaded configuration.
type appDeps struct {
	cfg      *config.Config
	tickets  *ticket.Store
	actions  *action.Store
	auditor  *audit.Store
	safety   *safety.Controller
	dispatch *dispatcher.Dispatcher
	registry *registry.ActionRegistry
	gatherer *contextgather.Gatherer
	diag     *diagnosis.Client
	subj     subject.Subject

	closers []func() error
}

// buildCommandClassifier builds the eval harness's command classifier from
// the same LLM provider the diagnosis agent uses — a second, Haiku-tier
// Anthropic call per spec.md's eval command-thrashing analysis, distinct
// from pkg/diagnosis's forced-tool-call diagnosis prompt. Returns nil (a
// valid, supported CommandClassifier) when no provider is configured, so
// eval analysis still runs with destructive-command counts left at zero.
func buildCommandClassifier(cfg *config.Config) eval.CommandClassifier {
	provider, err := cfg.LLMProviderRegistry.Get(cfg.Defaults.LLMProvider)
	if err != nil {
		return nil
	}
	classifier, err := eval.NewAnthropicCommandClassifier(eval.ClassifierConfig{
		APIKey: getEnv(provider.APIKeyEnv, ""),
	})
	if err != nil {
		return nil
	}
	return classifier
}

func (d *appDeps) Close() {
	for _, c := range d.closers {
		_ = c()
	}
}

// buildDeps wires every component the monitor and agent daemons (and the
// admin commands that share their stores) depend on, for one named
// subject.
func buildDeps(ctx context.Context, subjectName string) (*appDeps, error) {
	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	subj, err := buildSubject(subjectName)
	if err != nil {
		return nil, err
	}

	tickets, ticketClient, err := openTicketStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open ticket store: %w", err)
	}

	actions, actionClient, err := openActionStore(ctx)
	if err != nil {
		_ = ticketClient.Close()
		return nil, fmt.Errorf("open action store: %w", err)
	}

	auditStore := openAuditStore(actionClient, nil)
	auditor := audit.NewAuditor(auditStore)

	killer, err := safety.NewDockerKiller()
	if err != nil {
		killer = safety.NoopContainerKiller{}
	}
	safetyCtl := safety.NewController(actions, auditor, killer)

	reg := registry.NewActionRegistry(subj, toolexec.Definitions(), cfg.ToolOverrideRegistry)
	authzChecker := authz.NewChecker(authz.AllowAllPermissionChecker{}, authz.AllowAllCapabilityChecker{})

	dockerExec, err := toolexec.NewDockerExecutor()
	if err != nil {
		dockerExec = nil
	}
	hostExec := toolexec.NewHostExecutor(toolexec.DefaultServiceWhitelist())
	// ScriptExecutor wraps whatever dockerAPI NewScriptExecutor is handed
	// unconditionally, even nil — unlike NewDockerExecutor it has no
	// connection-failure path to report through, so only construct it once
	// a Docker client is confirmed reachable. Without Docker, execute_script
	// stays nil and toolexec.Executor's ErrBackendUnavailable guard kicks in.
	var scriptExec *toolexec.ScriptExecutor
	if dockerExec != nil {
		scriptExec = toolexec.NewScriptExecutor(dockerExec.API())
	}
	toolExecutor := toolexec.NewExecutor(dockerExec, hostExec, scriptExec)

	// subj satisfies subject.ActionExecutor only when the concrete adapter
	// implements subject-native actions; a monitoring-only subject leaves
	// it nil and the dispatcher rejects "subject"-typed proposals for it.
	subjExecutor, _ := subj.(subject.ActionExecutor)
	dispatch := dispatcher.New(actions, reg, safetyCtl, authzChecker, auditor, cfg.Retry, cfg.Risk, subjExecutor, toolExecutor)

	gatherer := contextgather.New(subj, tickets, reg)

	provider, err := cfg.LLMProviderRegistry.Get(cfg.Defaults.LLMProvider)
	var diagClient *diagnosis.Client
	if err == nil {
		diagClient = diagnosis.New(diagnosis.Config{
			APIKey:    getEnv(provider.APIKeyEnv, ""),
			Model:     provider.Model,
			MaxTokens: int64(provider.MaxOutputTokens),
		})
	}

	return &appDeps{
		cfg:      cfg,
		tickets:  tickets,
		actions:  actions,
		auditor:  auditStore,
		safety:   safetyCtl,
		dispatch: dispatch,
		registry: reg,
		gatherer: gatherer,
		diag:     diagClient,
		subj:     subj,
		closers:  []func() error{ticketClient.Close, actionClient.Close},
	}, nil
}
