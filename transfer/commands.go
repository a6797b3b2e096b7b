package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	stateflow "github.com/goliatone/go-stateflow"
	"github.com/goliatone/go-stateflow/engine"
	"github.com/goliatone/go-stateflow/graph"
	"github.com/goliatone/go-stateflow/ledger"
)

var transferCLIGroups = []stateflow.CLIGroup{
	{Name: "transfer", Description: "Settlement batch maintenance."},
}

// storeFlags are the persistence flags every transfer command shares.
type storeFlags struct {
	Database string `name:"db" required:"" placeholder:"PATH" help:"SQLite database holding transfer state."`
	Chart    string `required:"" placeholder:"FILE" type:"existingfile" help:"Workflow chart YAML subjects validate against."`
	Prefix   string `default:"transfer" help:"Table-name prefix for transfer state."`
}

func (f storeFlags) open() (*sql.DB, *graph.Graph, *SQLiteStore, error) {
	chart, err := loadChart(f.Chart)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := sql.Open("sqlite", "file:"+f.Database+"?_journal=WAL")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database %s: %w", f.Database, err)
	}
	return db, chart, NewSQLiteStore(db, chart, f.Prefix), nil
}

func loadChart(path string) (*graph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chart %s: %w", path, err)
	}
	def, err := graph.ParseDefinition(data)
	if err != nil {
		return nil, err
	}
	return graph.Compile(def)
}

// BatchDefinition is the YAML document the stage command reads. Account
// details arrive in the clear and are sealed before they touch the store.
type BatchDefinition struct {
	CreditSystem string              `yaml:"credit_system"`
	Date         string              `yaml:"date"`
	Description  string              `yaml:"description,omitempty"`
	InitialState string              `yaml:"initial_state"`
	Requests     []RequestDefinition `yaml:"requests"`
}

// RequestDefinition declares one transfer request of a batch definition.
type RequestDefinition struct {
	TransactionID string            `yaml:"transaction_id"`
	Amount        string            `yaml:"amount"`
	CollationID   string            `yaml:"collation_id,omitempty"`
	Account       AccountDefinition `yaml:"account"`
}

// AccountDefinition is the cleartext account block of a request definition.
type AccountDefinition struct {
	Holder  string `yaml:"holder,omitempty"`
	Number  string `yaml:"number"`
	Routing string `yaml:"routing"`
}

// ParseBatchDefinition decodes and validates a YAML batch definition.
func ParseBatchDefinition(data []byte) (*BatchDefinition, error) {
	var def BatchDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, stateflow.CloneError(stateflow.ErrSchema, "batch definition is not valid YAML", err, nil)
	}
	if err := def.Validate(); err != nil {
		return nil, stateflow.CloneError(stateflow.ErrSchema, "batch definition is invalid", err, nil)
	}
	return &def, nil
}

func (d BatchDefinition) Validate() error {
	if strings.TrimSpace(d.CreditSystem) == "" {
		return fmt.Errorf("credit_system is required")
	}
	if _, err := time.Parse("2006-01-02", strings.TrimSpace(d.Date)); err != nil {
		return fmt.Errorf("date %q is not a YYYY-MM-DD date", d.Date)
	}
	if strings.TrimSpace(d.InitialState) == "" {
		return fmt.Errorf("initial_state is required")
	}
	if len(d.Requests) == 0 {
		return fmt.Errorf("at least one request is required")
	}
	seen := make(map[string]struct{}, len(d.Requests))
	for idx, rd := range d.Requests {
		txID := strings.TrimSpace(rd.TransactionID)
		if txID == "" {
			return fmt.Errorf("request[%d]: transaction_id is required", idx)
		}
		if _, dup := seen[txID]; dup {
			return fmt.Errorf("request[%d]: duplicate transaction id %q", idx, txID)
		}
		seen[txID] = struct{}{}
		if _, err := decimal.NewFromString(strings.TrimSpace(rd.Amount)); err != nil {
			return fmt.Errorf("request %s: amount %q is not a decimal", txID, rd.Amount)
		}
		if strings.TrimSpace(rd.Account.Number) == "" {
			return fmt.Errorf("request %s: account number is required", txID)
		}
		if strings.TrimSpace(rd.Account.Routing) == "" {
			return fmt.Errorf("request %s: account routing is required", txID)
		}
	}
	return nil
}

func (d BatchDefinition) batchDate() time.Time {
	// format checked in Validate
	ts, _ := time.Parse("2006-01-02", strings.TrimSpace(d.Date))
	return ts
}

// Materialize builds the pending message the definition describes. Subjects
// start at the definition's initial state in chart; account blocks are sealed
// with seal before they are attached to the requests.
func (d *BatchDefinition) Materialize(chart *graph.Graph, seal func(BankAccount) string) (*BatchMessage, error) {
	if d == nil {
		return nil, stateflow.CloneError(stateflow.ErrSchema, "batch definition required", nil, nil)
	}
	if seal == nil {
		return nil, stateflow.CloneError(stateflow.ErrLogic, "account sealer required", nil, nil)
	}
	state, err := chart.StateByName(d.InitialState)
	if err != nil {
		return nil, err
	}

	batch := &Batch{
		ID:           uuid.NewString(),
		Description:  strings.TrimSpace(d.Description),
		CreditSystem: strings.TrimSpace(d.CreditSystem),
		Date:         d.batchDate(),
	}
	requests := make([]*Request, 0, len(d.Requests))
	for _, rd := range d.Requests {
		amount, err := decimal.NewFromString(strings.TrimSpace(rd.Amount))
		if err != nil {
			return nil, stateflow.CloneError(stateflow.ErrSchema,
				fmt.Sprintf("request %s carries a malformed amount %q", rd.TransactionID, rd.Amount), err, nil)
		}
		requests = append(requests, &Request{
			Subject:       engine.Subject{ID: uuid.NewString(), State: state},
			TransactionID: strings.TrimSpace(rd.TransactionID),
			Amount:        amount,
			AccountCipher: seal(BankAccount{
				Holder:  rd.Account.Holder,
				Number:  rd.Account.Number,
				Routing: rd.Account.Routing,
			}),
			CollationID: strings.TrimSpace(rd.CollationID),
		})
	}
	return NewPendingMessage(batch, requests...), nil
}

// StageCommand stages a batch definition file as a pending message.
type StageCommand struct{}

func (c *StageCommand) CLIOptions() stateflow.CLIConfig {
	return stateflow.CLIConfig{
		Path:        []string{"transfer", "stage"},
		Description: "Stage a batch definition as a pending message.",
		Groups:      transferCLIGroups,
	}
}

func (c *StageCommand) CLIHandler() any { return &stageCLI{} }

type stageCLI struct {
	storeFlags
	File string `arg:"" required:"" type:"existingfile" help:"Batch definition YAML to stage."`
}

func (c *stageCLI) Run(kctx *kong.Context) error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	def, err := ParseBatchDefinition(data)
	if err != nil {
		return err
	}

	db, chart, store, err := c.open()
	if err != nil {
		return err
	}
	defer db.Close()

	msg, err := def.Materialize(chart, InlineCipher{}.Seal)
	if err != nil {
		return err
	}
	if err := Stage(context.Background(), store, msg); err != nil {
		return err
	}

	fmt.Fprintf(kctx.Stdout, "staged batch %s as message %s with %d requests\n",
		msg.BatchID, msg.ID, len(msg.Requests()))
	return nil
}

// BuildFileCommand renders the settlement file for a staged pending message.
// Decryptor defaults to the inline development cipher.
type BuildFileCommand struct {
	Decryptor AccountDecryptor
	Logger    engine.Logger
}

func (c *BuildFileCommand) CLIOptions() stateflow.CLIConfig {
	return stateflow.CLIConfig{
		Path:        []string{"transfer", "build"},
		Description: "Render the settlement file for a staged batch message.",
		Groups:      transferCLIGroups,
		Aliases:     []string{"render"},
	}
}

func (c *BuildFileCommand) CLIHandler() any {
	dec := c.Decryptor
	if dec == nil {
		dec = InlineCipher{}
	}
	return &buildFileCLI{decryptor: dec, logger: c.Logger}
}

type buildFileCLI struct {
	storeFlags
	Message       string `arg:"" required:"" help:"Batch message id to render."`
	Output        string `short:"o" placeholder:"FILE" help:"Write the file here instead of stdout."`
	MarkSubmitted bool   `help:"Record a Submitted checkpoint after rendering."`

	decryptor AccountDecryptor
	logger    engine.Logger
}

func (c *buildFileCLI) Run(kctx *kong.Context) error {
	db, _, store, err := c.open()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	msg, err := store.MessageByID(ctx, c.Message)
	if err != nil {
		return err
	}

	file, err := NewBuilder(c.decryptor, WithBuilderLogger(c.logger)).BuildFile(ctx, msg)
	if err != nil {
		return err
	}

	if c.Output != "" {
		data, err := file.Bytes()
		if err != nil {
			return err
		}
		if err := os.WriteFile(c.Output, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(kctx.Stdout, "wrote %s\n", c.Output)
	} else {
		if err := file.Encode(kctx.Stdout); err != nil {
			return err
		}
		fmt.Fprintln(kctx.Stdout)
	}

	if c.MarkSubmitted {
		checkpoint := &BatchMessage{
			ID:        uuid.NewString(),
			BatchID:   msg.BatchID,
			Type:      MessageSubmitted,
			CreatedAt: time.Now().UTC(),
		}
		err := store.RunInTransaction(ctx, func(tx Tx) error {
			return tx.SaveMessage(ctx, checkpoint)
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(kctx.Stdout, "recorded submitted checkpoint %s\n", checkpoint.ID)
	}
	return nil
}

// ReconcilerConfig is the wiring shared by the reconcile command and the
// response sweep. Paths maps event-type names to chart path names; event
// types left out record tracking events only.
type ReconcilerConfig struct {
	Database string
	Chart    string
	Prefix   string

	BillingCode  string
	Paths        map[string]string
	AllOrNothing bool

	Poster     ledger.Poster
	Dispatcher *Dispatcher
	Logger     engine.Logger
}

func (cfg ReconcilerConfig) open() (*sql.DB, *Reconciler, error) {
	byType, err := eventPathMap(cfg.Paths)
	if err != nil {
		return nil, nil, err
	}
	db, chart, store, err := storeFlags{Database: cfg.Database, Chart: cfg.Chart, Prefix: cfg.Prefix}.open()
	if err != nil {
		return nil, nil, err
	}

	eng := engine.New(store.Subjects(), nil, engine.WithLogger(cfg.Logger))
	opts := []ReconcilerOption{
		WithBillingCode(cfg.BillingCode),
		WithPathMap(chart, byType),
		WithSession(stateflow.NewSession("maintenance")),
		WithReconcilerLogger(cfg.Logger),
	}
	if cfg.Poster != nil {
		opts = append(opts, WithPoster(cfg.Poster))
	}
	if cfg.Dispatcher != nil {
		opts = append(opts, WithDispatcher(cfg.Dispatcher))
	}
	if cfg.AllOrNothing {
		opts = append(opts, WithAllOrNothing())
	}
	return db, NewReconciler(store, eng, opts...), nil
}

func eventPathMap(paths map[string]string) (map[EventType]string, error) {
	out := make(map[EventType]string, len(paths))
	for name, pathName := range paths {
		evType := EventType(strings.TrimSpace(name))
		switch evType {
		case EventAccepted, EventSucceeded, EventFailed, EventReturned, EventNoticeOfChange:
		default:
			return nil, stateflow.CloneError(stateflow.ErrSchema,
				fmt.Sprintf("unknown event type %q in transition map", name), nil, nil)
		}
		out[evType] = strings.TrimSpace(pathName)
	}
	return out, nil
}

// ReconcileCommand applies a response file against the store. A nil Poster
// skips settlement postings; events still record.
type ReconcileCommand struct {
	Poster     ledger.Poster
	Dispatcher *Dispatcher
	Logger     engine.Logger
}

func (c *ReconcileCommand) CLIOptions() stateflow.CLIConfig {
	return stateflow.CLIConfig{
		Path:        []string{"transfer", "reconcile"},
		Description: "Reconcile a settlement response file against the store.",
		Groups:      transferCLIGroups,
	}
}

func (c *ReconcileCommand) CLIHandler() any {
	return &reconcileCLI{poster: c.Poster, dispatcher: c.Dispatcher, logger: c.Logger}
}

type reconcileCLI struct {
	storeFlags
	File        string            `arg:"" required:"" type:"existingfile" help:"Response file to reconcile."`
	Paths       map[string]string `placeholder:"TYPE=PATH" help:"Event-type to chart-path transition map, e.g. Succeeded=settle;Failed=fail."`
	BillingCode string            `default:"FUNDS_TRANSFER" help:"Billing code stamped on settlement postings."`
	Atomic      bool              `help:"Abort the whole file on the first failing line."`

	poster     ledger.Poster
	dispatcher *Dispatcher
	logger     engine.Logger
}

func (c *reconcileCLI) Run(kctx *kong.Context) error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	respFile, err := ParseResponseFile(data)
	if err != nil {
		return err
	}

	cfg := ReconcilerConfig{
		Database:     c.Database,
		Chart:        c.Chart,
		Prefix:       c.Prefix,
		BillingCode:  c.BillingCode,
		Paths:        c.Paths,
		AllOrNothing: c.Atomic,
		Poster:       c.poster,
		Dispatcher:   c.dispatcher,
		Logger:       c.logger,
	}
	db, rec, err := cfg.open()
	if err != nil {
		return err
	}
	defer db.Close()

	report, reconcileErr := rec.ReconcileFile(context.Background(), respFile)
	if report == nil {
		return reconcileErr
	}

	already := 0
	for _, result := range report.Results {
		already += len(result.AlreadyRecorded)
	}
	fmt.Fprintf(kctx.Stdout, "message %s: %d lines, %d events recorded, %d already recorded\n",
		report.MessageID, len(report.Results), len(report.RecordedEvents()), already)
	for _, result := range report.Failed() {
		fmt.Fprintf(kctx.Stdout, "  line %s failed: %v\n", result.Line.ID, result.Err)
	}
	if report.Checkpoint != nil {
		fmt.Fprintf(kctx.Stdout, "responded checkpoint %s recorded\n", report.Checkpoint.ID)
	}

	if reconcileErr != nil {
		return reconcileErr
	}
	if failed := report.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d of %d lines failed", len(failed), len(report.Results))
	}
	return nil
}

// StatusCommand prints a batch message with its requests and latest events.
type StatusCommand struct{}

func (c *StatusCommand) CLIOptions() stateflow.CLIConfig {
	return stateflow.CLIConfig{
		Path:        []string{"transfer", "status"},
		Description: "Show a batch message with its requests and latest events.",
		Groups:      transferCLIGroups,
	}
}

func (c *StatusCommand) CLIHandler() any { return &statusCLI{} }

type statusCLI struct {
	storeFlags
	Message string `arg:"" required:"" help:"Batch message id to inspect."`
}

func (c *statusCLI) Run(kctx *kong.Context) error {
	db, _, store, err := c.open()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	msg, err := store.MessageByID(ctx, c.Message)
	if err != nil {
		return err
	}

	if msg.Batch != nil {
		fmt.Fprintf(kctx.Stdout, "message %s %s batch %s %s dated %s\n",
			msg.ID, msg.Type, msg.BatchID, msg.Batch.CreditSystem, formatWireDate(msg.Batch.Date))
	} else {
		fmt.Fprintf(kctx.Stdout, "message %s %s batch %s (unlinked)\n", msg.ID, msg.Type, msg.BatchID)
	}
	for _, req := range msg.Requests() {
		events, err := store.EventsForRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		latest := "-"
		if len(events) > 0 {
			last := events[len(events)-1]
			latest = fmt.Sprintf("%s at %s", last.Type, last.CreatedAt.Format(time.RFC3339))
		}
		state := "-"
		if req.State != nil {
			state = req.State.Name
		}
		fmt.Fprintf(kctx.Stdout, "  line %s tx %s amount %s state %s last %s\n",
			req.LineID(), req.TransactionID, req.Amount.StringFixed(2), state, latest)
	}
	return nil
}

// SweepConfig configures the response-directory sweep.
type SweepConfig struct {
	ReconcilerConfig

	Dir        string
	Expression string
	MaxRetries int
	Timeout    time.Duration
}

// ResponseSweepCommand reconciles every response file waiting in a drop
// directory. It mounts both as the sweep CLI command and, for hosts running
// a scheduler, as a recurring cron command.
type ResponseSweepCommand struct {
	Config SweepConfig
}

func (c *ResponseSweepCommand) CLIOptions() stateflow.CLIConfig {
	return stateflow.CLIConfig{
		Path:        []string{"transfer", "sweep"},
		Description: "Reconcile every response file waiting in a drop directory.",
		Groups:      transferCLIGroups,
	}
}

func (c *ResponseSweepCommand) CLIHandler() any { return &sweepCLI{defaults: c.Config} }

func (c *ResponseSweepCommand) CronHandler() func(ctx context.Context) error {
	cfg := c.Config
	return func(ctx context.Context) error {
		return Sweep(ctx, cfg)
	}
}

func (c *ResponseSweepCommand) CronOptions() stateflow.CronConfig {
	expr := c.Config.Expression
	if expr == "" {
		expr = "@every 5m"
	}
	return stateflow.CronConfig{
		Expression: expr,
		MaxRetries: c.Config.MaxRetries,
		Timeout:    c.Config.Timeout,
	}
}

type sweepCLI struct {
	storeFlags
	Dir         string            `arg:"" required:"" type:"existingdir" help:"Directory holding response files."`
	Paths       map[string]string `placeholder:"TYPE=PATH" help:"Event-type to chart-path transition map."`
	BillingCode string            `default:"FUNDS_TRANSFER" help:"Billing code stamped on settlement postings."`

	defaults SweepConfig
}

func (c *sweepCLI) Run(kctx *kong.Context) error {
	cfg := c.defaults
	cfg.Database = c.Database
	cfg.Chart = c.Chart
	cfg.Prefix = c.Prefix
	cfg.Dir = c.Dir
	cfg.BillingCode = c.BillingCode
	if len(c.Paths) > 0 {
		cfg.Paths = c.Paths
	}

	if err := Sweep(context.Background(), cfg); err != nil {
		return err
	}
	fmt.Fprintf(kctx.Stdout, "swept %s\n", c.Dir)
	return nil
}

// Sweep reconciles every .xml response file under cfg.Dir. A fully applied
// file is renamed with a .done suffix; a file with failing lines stays in
// place so the next pass retries it, idempotency skipping the lines that
// already committed.
func Sweep(ctx context.Context, cfg SweepConfig) error {
	logger := loggerOrDefault(cfg.Logger)
	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return err
	}

	db, rec, err := cfg.ReconcilerConfig.open()
	if err != nil {
		return err
	}
	defer db.Close()

	var errs error
	processed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".xml") {
			continue
		}
		path := filepath.Join(cfg.Dir, entry.Name())
		if err := sweepFile(ctx, rec, path); err != nil {
			logWith(logger, map[string]any{"file": entry.Name()}).Error("response sweep failed: %v", err)
			errs = errors.Join(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		processed++
	}

	logWith(logger, map[string]any{"dir": cfg.Dir}).Info("response sweep finished: %d files processed", processed)
	return errs
}

func sweepFile(ctx context.Context, rec *Reconciler, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	respFile, err := ParseResponseFile(data)
	if err != nil {
		return err
	}

	report, err := rec.ReconcileFile(ctx, respFile)
	if err != nil {
		return err
	}
	if failed := report.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d of %d lines failed", len(failed), len(report.Results))
	}
	return os.Rename(path, path+".done")
}
