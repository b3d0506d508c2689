package commands

import (
	"database/sql"
	"fmt"
	"io"

	"github.com/teranos/pulseq/am"
	"github.com/teranos/pulseq/errors"
	"github.com/teranos/pulseq/i18n"
	"github.com/teranos/pulseq/logger"
	"github.com/teranos/pulseq/pulse/async"
	"github.com/teranos/pulseq/pulse/cache"
	"github.com/teranos/pulseq/pulse/proc"
	"github.com/teranos/pulseq/sym"
)

// queueEnv holds everything a queue sub-command needs, built from config
type queueEnv struct {
	cfg      *am.Config
	db       *sql.DB
	text     *i18n.Printer
	registry *async.Registry
	svc      *async.Service
	reaper   *async.Reaper
	control  *proc.Control
}

func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func newControl(cfg *am.Config) (*proc.Control, error) {
	return proc.New(proc.Config{
		Binary:        cfg.Queue.Binary,
		WindowsHelper: cfg.Queue.WindowsHelper,
	}, logger.Logger.Named("pulse.proc"))
}

// openQueue wires the task service, the reaper and process control over
// one database handle. console receives task status lines.
func openQueue(console io.Writer) (*queueEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	control, err := newControl(cfg)
	if err != nil {
		return nil, err
	}
	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	text := i18n.New(cfg.Queue.Language)
	store := async.NewStore(database)
	progress := cache.NewStore(database)
	registry := async.NewRegistry()

	env := &queueEnv{
		cfg:      cfg,
		db:       database,
		text:     text,
		registry: registry,
		control:  control,
		svc:      async.NewService(store, progress, registry, text, console, logger.Logger.Named("pulse.service")),
		reaper: async.NewReaper(store, progress, text, console, async.ReaperConfig{
			Retention: cfg.Queue.Retention(),
			Overrun:   cfg.Queue.Overrun(),
			Heartbeat: cfg.Queue.Heartbeat(),
			PageSize:  cfg.Queue.PageSize,
		}, logger.Logger.Named("pulse.reaper")),
	}
	registerUnits(env)
	return env, nil
}

// registerUnits installs the units built into the binary
func registerUnits(env *queueEnv) {
	env.registry.Register(async.CleanUnit(env.reaper))
}

func (e *queueEnv) executor() *async.Executor {
	return async.NewExecutor(e.svc, e.registry, e.control, e.cfg.Queue.Heartbeat(), logger.Logger.Named("pulse.worker"))
}

func (e *queueEnv) Close() error {
	return e.db.Close()
}

// PrintError writes a failed command's error followed by its hints
func PrintError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %v\n", sym.Failed, err)
	for _, hint := range errors.GetAllHints(err) {
		fmt.Fprintf(w, "  hint: %s\n", hint)
	}
}
