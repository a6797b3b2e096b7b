package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-logger/glog"
	_ "modernc.org/sqlite"

	stateflow "github.com/goliatone/go-stateflow"
	"github.com/goliatone/go-stateflow/engine"
	"github.com/goliatone/go-stateflow/graph"
	"github.com/goliatone/go-stateflow/ledger"
	"github.com/goliatone/go-stateflow/transfer"
)

// glogLogger adapts go-logger to the engine's Logger contract.
type glogLogger struct {
	logger glog.Logger
}

func (l glogLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l glogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l glogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l glogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l glogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l glogLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l glogLogger) WithContext(ctx context.Context) engine.Logger {
	return glogLogger{logger: l.logger.WithContext(ctx)}
}

func (l glogLogger) WithFields(fields map[string]any) engine.Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogLogger{logger: fl.WithFields(fields)}
	}
	return l
}

// newLogger reads the level from the environment; logger construction has to
// happen before flag parsing because the registry commands capture it.
func newLogger() engine.Logger {
	level := os.Getenv("STATEFLOW_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	return glogLogger{logger: glog.NewLogger(
		glog.WithWriter(os.Stderr),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel(level),
	)}
}

type rootCLI struct {
	Chart struct {
		Show chartShowCLI `cmd:"" help:"Print the groups, states, and paths of a chart."`
	} `cmd:"" help:"Inspect workflow charts."`
	Serve serveCLI `cmd:"" help:"Run the response sweep on a schedule until interrupted."`
}

type chartShowCLI struct {
	Chart string `arg:"" required:"" type:"existingfile" help:"Chart definition file."`
}

func (c *chartShowCLI) Run(kctx *kong.Context) error {
	data, err := os.ReadFile(c.Chart)
	if err != nil {
		return err
	}
	def, err := graph.ParseDefinition(data)
	if err != nil {
		return err
	}
	g, err := graph.Compile(def)
	if err != nil {
		return err
	}

	fmt.Fprintf(kctx.Stdout, "graph %s\n", g.Name)
	for _, grp := range g.Groups() {
		states := grp.States()
		names := make([]string, 0, len(states))
		for _, st := range states {
			names = append(names, st.Name)
		}
		fmt.Fprintf(kctx.Stdout, "group %s: %s\n", grp.Name, strings.Join(names, ", "))
	}
	for _, p := range g.Paths() {
		line := fmt.Sprintf("path %s: %s -> %s", p.Name, p.From.Name, p.To.Name)
		if n := len(p.PreActions) + len(p.PostActions); n > 0 {
			line += fmt.Sprintf(" (%d actions)", n)
		}
		fmt.Fprintln(kctx.Stdout, line)
	}
	return nil
}

type serveCLI struct {
	Database    string            `name:"db" required:"" placeholder:"PATH" help:"SQLite database path."`
	Chart       string            `required:"" placeholder:"FILE" type:"existingfile" help:"Chart definition file."`
	Prefix      string            `default:"transfer" help:"Table name prefix."`
	Dir         string            `required:"" type:"existingdir" help:"Directory holding response files."`
	Paths       map[string]string `placeholder:"TYPE=PATH" help:"Event-type to chart-path transition map."`
	BillingCode string            `default:"FUNDS_TRANSFER" help:"Billing code stamped on settlement postings."`
	Every       string            `default:"@every 5m" help:"Sweep cron expression."`

	logger engine.Logger
	poster ledger.Poster
}

func (c *serveCLI) Run(kctx *kong.Context) error {
	cfg := transfer.SweepConfig{
		ReconcilerConfig: transfer.ReconcilerConfig{
			Database:    c.Database,
			Chart:       c.Chart,
			Prefix:      c.Prefix,
			BillingCode: c.BillingCode,
			Paths:       c.Paths,
			Poster:      c.poster,
			Logger:      c.logger,
		},
		Dir:        c.Dir,
		Expression: c.Every,
		MaxRetries: 2,
		Timeout:    5 * time.Minute,
	}

	sched := transfer.NewScheduler(transfer.WithSchedulerLogger(c.logger))
	_, err := sched.ScheduleJob(transfer.JobConfig{
		Expression: cfg.Expression,
		MaxRetries: cfg.MaxRetries,
		Retry:      transfer.ExponentialBackoff{Base: time.Second, Factor: 2, Max: time.Minute},
		Timeout:    cfg.Timeout,
	}, transfer.NewJob("response-sweep", func(ctx context.Context) error {
		return transfer.Sweep(ctx, cfg)
	}))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(kctx.Stdout, "sweeping %s on %s\n", cfg.Dir, cfg.Expression)
	<-ctx.Done()
	return sched.Stop(context.Background())
}

func main() {
	logger := newLogger()
	poster := ledger.NewJournalLog()

	registry := stateflow.NewRegistry().SetCronRegister(stateflow.NilCronRegister)
	commands := []any{
		&transfer.StageCommand{},
		&transfer.BuildFileCommand{Logger: logger},
		&transfer.ReconcileCommand{Poster: poster, Logger: logger},
		&transfer.StatusCommand{},
		&transfer.ResponseSweepCommand{Config: transfer.SweepConfig{
			ReconcilerConfig: transfer.ReconcilerConfig{Poster: poster, Logger: logger},
		}},
	}
	for _, cmd := range commands {
		if err := registry.RegisterCommand(cmd); err != nil {
			die(err)
		}
	}
	if err := registry.Initialize(); err != nil {
		die(err)
	}
	options, err := registry.GetCLIOptions()
	if err != nil {
		die(err)
	}

	cli := rootCLI{}
	cli.Serve.logger = logger
	cli.Serve.poster = poster

	parser, err := kong.New(&cli, append(options,
		kong.Name("stateflow"),
		kong.Description("Workflow transitions and settlement batch maintenance."),
		kong.UsageOnError(),
	)...)
	if err != nil {
		die(err)
	}

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	kctx.FatalIfErrorf(kctx.Run())
}

func die(err error) {
	fmt.Fprintf(os.Stderr, "stateflow: %v\n", err)
	os.Exit(1)
}
