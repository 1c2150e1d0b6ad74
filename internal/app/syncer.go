package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deviationsync/internal/archive"
	"deviationsync/internal/config"
	"deviationsync/internal/domain"
	"deviationsync/internal/events"
	"deviationsync/internal/executor"
	"deviationsync/internal/metrics"
	"deviationsync/internal/planner"
	"deviationsync/internal/repo"
	"deviationsync/internal/sheet"
	"deviationsync/internal/source"
)

// Syncer runs reconciliation passes for one sheet.
type Syncer struct {
	Config  *config.Config
	Repo    repo.Repo
	Feed    source.Feed
	Store   sheet.Store
	Sink    archive.Sink
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	// Owner identifies this process in the pass lease.
	Owner string
}

type RunOptions struct {
	DryRun bool
}

type Report struct {
	PassID  string          `json:"pass_id"`
	Status  string          `json:"status"`
	Summary planner.Summary `json:"summary"`
	Result  executor.Result `json:"result"`
	Plan    domain.SyncPlan `json:"plan"`
}

func (s *Syncer) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Syncer) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Syncer) policy() executor.Policy {
	return executor.Policy{MaxAttempts: s.Config.Retry.MaxAttempts, Delay: s.Config.Retry.Delay}
}

// Run performs one pass: lease, plan, apply, ledger. A dry run stops after
// planning and leaves the sheet untouched.
func (s *Syncer) Run(ctx context.Context, opts RunOptions) (Report, error) {
	sheetName := s.Config.Sheet.Name
	owner := s.Owner
	if owner == "" {
		owner = uuid.NewString()
	}
	ttl := s.Config.Sync.LeaseTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	lease := &leaseKeeper{repo: s.Repo, sheet: sheetName, owner: owner, ttl: ttl, now: s.now}
	if err := lease.acquire(ctx); err != nil {
		return Report{}, err
	}
	defer func() {
		if err := lease.release(context.WithoutCancel(ctx)); err != nil {
			s.logger().Warn("release pass lease", zap.Error(err))
		}
	}()

	started := s.now()
	report := Report{PassID: uuid.NewString(), Status: repo.PassRunning}
	if err := s.Repo.InsertPass(ctx, domain.Pass{ID: report.PassID, Sheet: sheetName, DryRun: opts.DryRun}); err != nil {
		return report, fmt.Errorf("open pass: %w", err)
	}
	log := s.logger().With(zap.String("pass_id", report.PassID), zap.String("sheet", sheetName))
	writer := events.Writer{DB: s.Repo.DB, Now: s.Now}
	emit := func(ctx context.Context, evtType string, recordID int64, payload events.EventPayload) {
		if err := writer.Append(ctx, nil, report.PassID, evtType, recordID, payload); err != nil {
			log.Warn("append pass event", zap.String("type", evtType), zap.Error(err))
		}
	}
	emit(ctx, events.PassStarted, 0, events.EventPayload{"dry_run": opts.DryRun, "owner": owner})
	log.Info("pass started", zap.Bool("dry_run", opts.DryRun))

	err := s.run(ctx, opts, &report, lease, emit, log)
	switch {
	case err == nil && opts.DryRun:
		report.Status = repo.PassDryRun
	case err == nil:
		report.Status = repo.PassSucceeded
	case errors.As(err, new(*executor.PassAbortedError)):
		report.Status = repo.PassAborted
		emit(ctx, events.PassAborted, 0, events.EventPayload{"completed": report.Result.Completed, "pending": report.Result.Pending, "error": err.Error()})
	default:
		report.Status = repo.PassFailed
	}

	summary, merr := json.Marshal(struct {
		planner.Summary
		executor.Result
	}{report.Summary, report.Result})
	if merr != nil {
		return report, merr
	}
	if ferr := s.Repo.FinishPass(context.WithoutCancel(ctx), report.PassID, report.Status, string(summary)); ferr != nil {
		log.Error("finish pass", zap.Error(ferr))
	}
	emit(context.WithoutCancel(ctx), events.PassFinished, 0, events.EventPayload{"status": report.Status})
	s.Metrics.Pass(report.Status, s.now().Sub(started))
	if err != nil {
		log.Error("pass ended", zap.String("status", report.Status), zap.Error(err))
		return report, err
	}
	log.Info("pass finished",
		zap.String("status", report.Status),
		zap.Int("new", report.Summary.New),
		zap.Int("changed", report.Summary.Changed),
		zap.Int("unchanged", report.Summary.Unchanged),
		zap.Int("archivable", report.Summary.Archivable),
		zap.Int("skipped", report.Summary.Skipped),
		zap.Int("deferred", report.Summary.Deferred))
	return report, nil
}

func (s *Syncer) run(ctx context.Context, opts RunOptions, report *Report, lease *leaseKeeper, emit executor.EventFunc, log *zap.Logger) error {
	plan, summary, err := s.Plan(ctx)
	if err != nil {
		return err
	}
	report.Plan = plan
	report.Summary = summary
	emit(ctx, events.PlanComputed, 0, events.EventPayload{
		"summary":    summary,
		"updates":    len(plan.Updates),
		"archivals":  len(plan.Archivals),
		"creates":    len(plan.Creates),
		"operations": plan.Operations(),
	})
	s.Metrics.RecordClass("new", summary.New)
	s.Metrics.RecordClass("changed", summary.Changed)
	s.Metrics.RecordClass("unchanged", summary.Unchanged)
	s.Metrics.RecordClass("archivable", summary.Archivable)
	s.Metrics.RecordClass("skipped", summary.Skipped)
	s.Metrics.RecordClass("deferred", summary.Deferred)
	if opts.DryRun || plan.Empty() {
		return nil
	}

	renew := func(ctx context.Context) error {
		if err := lease.renew(ctx); err != nil {
			return fmt.Errorf("renew pass lease: %w", err)
		}
		return nil
	}
	exec := &executor.Executor{
		Store:      s.Store,
		Sink:       s.Sink,
		Policy:     s.policy(),
		Limiter:    executor.NewLimiter(s.Config.Retry.RequestsPerMinute),
		Logger:     log,
		Metrics:    s.Metrics,
		OnEvent:    emit,
		BeforeStep: renew,
	}
	res, err := exec.Apply(ctx, plan)
	report.Result = res
	return err
}

// Plan reads the source and the sheet and computes the pass plan without
// touching the sheet.
func (s *Syncer) Plan(ctx context.Context) (domain.SyncPlan, planner.Summary, error) {
	records, err := s.Feed.Records(ctx)
	if err != nil {
		return domain.SyncPlan{}, planner.Summary{}, fmt.Errorf("read source records: %w", err)
	}
	var snapshot []domain.ExternalRow
	_, err = executor.Retry(ctx, s.policy(), "snapshot", func(ctx context.Context) (sheet.Status, error) {
		rows, st, err := s.Store.Snapshot(ctx)
		if err == nil && st.OK() {
			snapshot = rows
		}
		return st, err
	}, nil)
	if err != nil {
		return domain.SyncPlan{}, planner.Summary{}, fmt.Errorf("read sheet: %w", err)
	}

	p := planner.Planner{Config: s.Config, Logger: s.logger()}
	in := planner.Input{Records: records, Snapshot: snapshot, Today: s.now()}
	ids := p.HistoryIDs(in)
	history, err := source.FetchHistory(ctx, s.Feed, ids, s.Config.Source.HistoryConcurrency)
	if err != nil {
		s.Metrics.HistoryFetch("error")
		return domain.SyncPlan{}, planner.Summary{}, err
	}
	s.Metrics.HistoryFetch("ok")
	in.History = history
	return p.Plan(in)
}
