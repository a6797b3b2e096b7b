package stateflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliRecorder struct {
	mu   sync.Mutex
	runs []string
}

func (r *cliRecorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, name)
}

func (r *cliRecorder) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.runs))
	copy(out, r.runs)
	return out
}

type lintHandler struct {
	Strict bool `help:"Fail on warnings."`

	recorder *cliRecorder
}

func (h *lintHandler) Run(_ *kong.Context) error {
	name := "chart lint"
	if h.Strict {
		name += " --strict"
	}
	h.recorder.record(name)
	return nil
}

type buildHandler struct {
	recorder *cliRecorder
}

func (h *buildHandler) Run(_ *kong.Context) error {
	h.recorder.record("transfer build")
	return nil
}

type pathCommand struct {
	path    []string
	aliases []string
	handler any
}

func (c *pathCommand) CLIHandler() any { return c.handler }

func (c *pathCommand) CLIOptions() CLIConfig {
	groups := make([]CLIGroup, 0, len(c.path))
	for _, segment := range c.path[:len(c.path)-1] {
		groups = append(groups, CLIGroup{Name: segment, Description: fmt.Sprintf("%s commands", segment)})
	}
	return CLIConfig{
		Path:        c.path,
		Description: fmt.Sprintf("Test command %v", c.path),
		Groups:      groups,
		Aliases:     c.aliases,
	}
}

type pruneCommand struct {
	expression string
}

func (c *pruneCommand) CronHandler() func(ctx context.Context) error {
	return func(context.Context) error { return nil }
}

func (c *pruneCommand) CronOptions() CronConfig {
	return CronConfig{
		Expression: c.expression,
		MaxRetries: 2,
		Timeout:    time.Minute,
	}
}

type recordingCronRegister struct {
	mu            sync.Mutex
	registrations []CronConfig
	shouldError   bool
}

func (m *recordingCronRegister) register(cfg CronConfig, _ func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldError {
		return errors.New("scheduler rejected the job")
	}
	m.registrations = append(m.registrations, cfg)
	return nil
}

func TestRegistryRegisterCommand(t *testing.T) {
	tests := []struct {
		name        string
		cmd         any
		initialized bool
		wantErr     string
	}{
		{
			name: "valid command",
			cmd:  &pathCommand{path: []string{"lint"}, handler: &lintHandler{recorder: &cliRecorder{}}},
		},
		{
			name:    "nil command",
			cmd:     nil,
			wantErr: "command cannot be nil",
		},
		{
			name:        "registry already initialized",
			cmd:         &pathCommand{path: []string{"lint"}, handler: &lintHandler{recorder: &cliRecorder{}}},
			initialized: true,
			wantErr:     "cannot register commands after registry has been initialized",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			if tt.initialized {
				registry.initialized = true
			}

			err := registry.RegisterCommand(tt.cmd)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegistryInitializeOnce(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Initialize())

	err := registry.Initialize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already initialized")
}

func TestRegistryGetCLIOptionsBeforeInitialize(t *testing.T) {
	registry := NewRegistry()

	options, err := registry.GetCLIOptions()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry not initialized")
	assert.Nil(t, options)
}

func TestRegistryMountsNestedCommands(t *testing.T) {
	recorder := &cliRecorder{}
	registry := NewRegistry()
	require.NoError(t, registry.RegisterCommand(&pathCommand{
		path:    []string{"transfer", "build"},
		aliases: []string{"render"},
		handler: &buildHandler{recorder: recorder},
	}))
	require.NoError(t, registry.RegisterCommand(&pathCommand{
		path:    []string{"chart", "lint"},
		handler: &lintHandler{recorder: recorder},
	}))
	require.NoError(t, registry.Initialize())

	options, err := registry.GetCLIOptions()
	require.NoError(t, err)
	require.NotEmpty(t, options)

	parser, err := kong.New(&struct{}{}, append(options, kong.Name("app"))...)
	require.NoError(t, err)

	ctx, err := parser.Parse([]string{"transfer", "build"})
	require.NoError(t, err)
	assert.Equal(t, "transfer build", ctx.Command())
	require.NoError(t, ctx.Run())

	ctx, err = parser.Parse([]string{"chart", "lint", "--strict"})
	require.NoError(t, err)
	require.NoError(t, ctx.Run())

	// Alias resolves to the same command node.
	_, err = parser.Parse([]string{"transfer", "render"})
	require.NoError(t, err)

	assert.Equal(t, []string{"transfer build", "chart lint --strict"}, recorder.ran())
}

func TestRegistryPathConflicts(t *testing.T) {
	recorder := &cliRecorder{}

	t.Run("duplicate leaf", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.RegisterCommand(&pathCommand{
			path:    []string{"transfer", "build"},
			handler: &buildHandler{recorder: recorder},
		}))
		require.NoError(t, registry.RegisterCommand(&pathCommand{
			path:    []string{"transfer", "build"},
			handler: &buildHandler{recorder: recorder},
		}))

		err := registry.Initialize()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("leaf shadows group", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.RegisterCommand(&pathCommand{
			path:    []string{"transfer", "build"},
			handler: &buildHandler{recorder: recorder},
		}))
		require.NoError(t, registry.RegisterCommand(&pathCommand{
			path:    []string{"transfer"},
			handler: &buildHandler{recorder: recorder},
		}))

		err := registry.Initialize()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shadows an existing command group")
	})

	t.Run("group shadows leaf", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.RegisterCommand(&pathCommand{
			path:    []string{"transfer"},
			handler: &buildHandler{recorder: recorder},
		}))
		require.NoError(t, registry.RegisterCommand(&pathCommand{
			path:    []string{"transfer", "build"},
			handler: &buildHandler{recorder: recorder},
		}))

		err := registry.Initialize()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shadows an existing command")
	})
}

func TestRegistryCronMount(t *testing.T) {
	mock := &recordingCronRegister{}
	registry := NewRegistry().SetCronRegister(mock.register)
	require.NoError(t, registry.RegisterCommand(&pruneCommand{expression: "0 */6 * * *"}))

	require.NoError(t, registry.Initialize())

	require.Len(t, mock.registrations, 1)
	assert.Equal(t, "0 */6 * * *", mock.registrations[0].Expression)
	assert.Equal(t, 2, mock.registrations[0].MaxRetries)
}

func TestRegistryCronRegisterFailure(t *testing.T) {
	mock := &recordingCronRegister{shouldError: true}
	registry := NewRegistry().SetCronRegister(mock.register)
	require.NoError(t, registry.RegisterCommand(&pruneCommand{expression: "@hourly"}))

	err := registry.Initialize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cron scheduler registration failed")
}

func TestRegistryCronWithoutScheduler(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.RegisterCommand(&pruneCommand{expression: "@hourly"}))

	err := registry.Initialize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cron scheduler not provided")
}

func TestRegistryNilCronRegister(t *testing.T) {
	registry := NewRegistry().SetCronRegister(NilCronRegister)
	require.NoError(t, registry.RegisterCommand(&pruneCommand{expression: "@hourly"}))

	assert.NoError(t, registry.Initialize())
}

func TestExportFieldName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"build", "Build"},
		{"response-sweep", "ResponseSweep"},
		{"all_or_nothing", "AllOrNothing"},
		{"2fa", "Cmd2fa"},
		{"--", "Cmd"},
	}
	for _, tt := range tests {
		if got := exportFieldName(tt.in); got != tt.want {
			t.Fatalf("exportFieldName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
