package stateflow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	apperrors "github.com/goliatone/go-errors"
)

// CLICommand is implemented by commands that mount a kong handler into the
// maintenance CLI. CLIHandler returns the kong grammar struct; kong invokes
// its Run method after parsing.
type CLICommand interface {
	CLIHandler() any
	CLIOptions() CLIConfig
}

// CronCommand is implemented by commands that also want a recurring
// schedule. The registry forwards them to whatever scheduler the host wired
// via SetCronRegister; hosts without one pass NilCronRegister.
type CronCommand interface {
	CronHandler() func(ctx context.Context) error
	CronOptions() CronConfig
}

// CronConfig is the schedule a CronCommand asks its host for.
type CronConfig struct {
	Expression string
	MaxRetries int
	Timeout    time.Duration
}

// CLIGroup describes one segment of a command path for help output.
type CLIGroup struct {
	Name        string
	Description string
}

// CLIConfig addresses a command inside the CLI tree. Path holds the full
// command path ("transfer build" is Path: ["transfer", "build"]); Name is
// the single-segment form kept for commands that never nest.
type CLIConfig struct {
	Name        string
	Path        []string
	Description string
	Groups      []CLIGroup
	Aliases     []string
	Hidden      bool
}

func (opts CLIConfig) normalizedPath() []string {
	if len(opts.Path) > 0 {
		return append([]string{}, opts.Path...)
	}
	return strings.Fields(opts.Name)
}

// groupDescription resolves the help text for an intermediate path segment.
func (opts CLIConfig) groupDescription(name string) string {
	for _, g := range opts.Groups {
		if strings.EqualFold(g.Name, name) {
			return g.Description
		}
	}
	return ""
}

// NilCronRegister satisfies SetCronRegister for hosts that run no scheduler.
func NilCronRegister(CronConfig, func(ctx context.Context) error) error {
	return nil
}

// Registry collects commands and mounts them into a kong CLI tree plus an
// optional cron scheduler. Registration is closed by Initialize; the kong
// options it produces are handed to the host's parser.
type Registry struct {
	mu                 sync.RWMutex
	commandsToRegister []any
	initialized        bool
	cronRegisterFn     func(cfg CronConfig, run func(ctx context.Context) error) error
	root               *cliNode
}

func NewRegistry() *Registry {
	return &Registry{
		root: newCLINode(""),
	}
}

func (r *Registry) SetCronRegister(fn func(cfg CronConfig, run func(ctx context.Context) error) error) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cronRegisterFn = fn
	return r
}

func (r *Registry) RegisterCommand(cmd any) error {
	if cmd == nil {
		return apperrors.New("command cannot be nil", apperrors.CategoryBadInput).
			WithTextCode("NIL_COMMAND")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return apperrors.New("cannot register commands after registry has been initialized", apperrors.CategoryConflict).
			WithTextCode("REGISTRY_ALREADY_INITIALIZED")
	}
	r.commandsToRegister = append(r.commandsToRegister, cmd)

	return nil
}

// Initialize mounts every registered command. Mount failures are joined so
// one bad command does not mask the rest; the registry still closes.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return apperrors.New("registry already initialized", apperrors.CategoryConflict).
			WithTextCode("REGISTRY_ALREADY_INITIALIZED")
	}

	var errs error
	for _, cmd := range r.commandsToRegister {
		if cliCmd, ok := cmd.(CLICommand); ok {
			if err := r.registerWithCLI(cliCmd); err != nil {
				errs = apperrors.Join(errs, err)
			}
		}

		if cronCmd, ok := cmd.(CronCommand); ok {
			if err := r.registerWithCron(cronCmd); err != nil {
				errs = apperrors.Join(errs, err)
			}
		}
	}

	r.initialized = true

	return errs
}

func (r *Registry) registerWithCron(cronCmd CronCommand) error {
	if r.cronRegisterFn == nil {
		return apperrors.New("cron scheduler not provided during initialization", apperrors.CategoryBadInput).
			WithTextCode("CRON_SCHEDULER_NOT_SET")
	}

	run := cronCmd.CronHandler()
	cfg := cronCmd.CronOptions()

	if err := r.cronRegisterFn(cfg, run); err != nil {
		return apperrors.Wrap(err, apperrors.CategoryExternal, "cron scheduler registration failed").
			WithTextCode("CRON_REGISTRATION_FAILED").
			WithMetadata(map[string]any{
				"expression": cfg.Expression,
			})
	}

	return nil
}

func (r *Registry) registerWithCLI(cliCmd CLICommand) error {
	opts := cliCmd.CLIOptions()
	return r.root.insert(opts.normalizedPath(), opts, cliCmd.CLIHandler())
}

// GetCLIOptions builds the kong options embedding the mounted command tree.
func (r *Registry) GetCLIOptions() ([]kong.Option, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.initialized {
		return nil, apperrors.New("registry not initialized", apperrors.CategoryConflict).
			WithTextCode("REGISTRY_NOT_INITIALIZED")
	}

	return buildCLIOptions(r.root)
}
