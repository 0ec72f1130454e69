// Package refresh reconciles a provider's inventory snapshot with the
// persisted graph: it creates new entities, updates matched ones, resolves
// duplicate identities, patches forward references once both sides exist,
// and disconnects entities the provider no longer reports.
//
// Records are processed on a single goroutine. Instances are written one
// transaction per record so a bad record is isolated; other collections
// commit as one transaction per collection.
package refresh

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/emsrefresh/internal/inventory"
)

// Requeuer schedules targeted refreshes for entities whose disconnect could
// not be decided. Satisfied by *inventory.Store.
type Requeuer interface {
	QueueRefresh(ctx context.Context, emsID int64, reason string, entities []*inventory.Entity) error
}

// TagSaver persists resolved tags before entity batches are saved.
// Satisfied by *inventory.Store.
type TagSaver interface {
	SaveTags(ctx context.Context, emsID int64, tags []inventory.Tag) error
}

// Config holds the options for New.
type Config struct {
	Store    *inventory.Store
	Requeuer Requeuer  // nil uses Store
	Tags     TagSaver  // nil uses Store
	Registry *Registry // nil uses DefaultRegistry
	Metrics  *Metrics  // nil records into unregistered collectors
	Logger   *slog.Logger

	// DebugFailures aborts the run on the first failing record instead of
	// marking it invalid and continuing.
	DebugFailures bool

	// DebugTrace dumps the incoming inventory as YAML at debug level.
	DebugTrace bool
}

// Refresher saves provider inventories into the store.
type Refresher struct {
	store         *inventory.Store
	requeuer      Requeuer
	tags          TagSaver
	registry      *Registry
	metrics       *Metrics
	logger        *slog.Logger
	debugFailures bool
	debugTrace    bool
	nowFunc       func() time.Time
}

// New returns a Refresher writing to cfg.Store.
func New(cfg *Config) *Refresher {
	rf := &Refresher{
		store:         cfg.Store,
		requeuer:      cfg.Requeuer,
		tags:          cfg.Tags,
		registry:      cfg.Registry,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		debugFailures: cfg.DebugFailures,
		debugTrace:    cfg.DebugTrace,
		nowFunc:       time.Now,
	}

	if rf.requeuer == nil {
		rf.requeuer = cfg.Store
	}

	if rf.tags == nil {
		rf.tags = cfg.Store
	}

	if rf.registry == nil {
		rf.registry = DefaultRegistry()
	}

	if rf.metrics == nil {
		rf.metrics = NewMetrics(nil)
	}

	if rf.logger == nil {
		rf.logger = slog.Default()
	}

	return rf
}

// run is the state of one refresh: the provider, the scope, the ids saved so
// far, and the report being built.
type run struct {
	*Refresher
	ems        *inventory.Provider
	target     Target
	disconnect bool
	ledger     *ledger
	report     *Report
	logger     *slog.Logger
	started    time.Time
}

func (rf *Refresher) newRun(ems *inventory.Provider, target Target, disconnect bool) *run {
	id := uuid.New().String()

	return &run{
		Refresher:  rf,
		ems:        ems,
		target:     target,
		disconnect: disconnect,
		ledger:     newLedger(),
		report:     &Report{RunID: id, EMSID: ems.ID, Target: target},
		logger: rf.logger.With(
			slog.String("ems", ems.Name),
			slog.Int64("ems_id", ems.ID),
			slog.String("run_id", id),
		),
		started: rf.nowFunc(),
	}
}

// defaultInstanceType is the concrete instance type for records that carry
// no discriminator: the provider's vendor vm type when one is registered.
func (r *run) defaultInstanceType() string {
	if r.ems.Type != "" && r.registry.Has(r.ems.Type+"_vm") {
		return r.ems.Type + "_vm"
	}

	return r.registry.Default()
}

// finish stamps the duration and feeds the metrics.
func (r *run) finish(err error) *Report {
	r.report.Duration = r.nowFunc().Sub(r.started)
	r.metrics.observe(r.report, err)

	return r.report
}
