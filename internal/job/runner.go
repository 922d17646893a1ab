// Package job orchestrates a harvest run: enumerate city scopes, fetch each
// city's rows through the browser session, parse them, and store them with
// exactly-once semantics. Failures are contained per city so one broken
// scope never sinks the whole run.
package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waterwatch/cnemc-harvester/internal/clock"
	"github.com/waterwatch/cnemc-harvester/internal/metrics"
	"github.com/waterwatch/cnemc-harvester/internal/parser"
	"github.com/waterwatch/cnemc-harvester/internal/publish"
	"github.com/waterwatch/cnemc-harvester/internal/scraper"
	"github.com/waterwatch/cnemc-harvester/internal/snapshot"
)

// Navigator is the browser-facing surface the runner drives. *scraper.Session
// implements it; tests substitute fakes.
type Navigator interface {
	Open(ctx context.Context) error
	SelectNationalScope(ctx context.Context) error
	Areas(ctx context.Context) ([]scraper.Province, error)
	FetchRows(ctx context.Context, scope scraper.CityScope) ([]scraper.RawRow, scraper.Source, error)
	CaptureHTML(ctx context.Context) ([]byte, error)
}

// Storage is the persistence surface the runner writes to. *store.Gateway
// implements it.
type Storage interface {
	UpsertStation(ctx context.Context, rec parser.Record) (int64, error)
	InsertReadingIfAbsent(ctx context.Context, stationID int64, rec parser.Record, batchTime time.Time) (bool, error)
}

// Config scopes and bounds a run.
type Config struct {
	// Provinces and Cities restrict the run to matching scope names. Empty
	// means no restriction.
	Provinces []string
	Cities    []string

	Retry RetryPolicy

	// Location interprets scraped timestamps. Required.
	Location *time.Location

	// PublishTopic names the topic the run summary is published to.
	PublishTopic string
}

// Runner executes harvest runs.
type Runner struct {
	nav    Navigator
	store  Storage
	snaps  snapshot.Provider
	pub    publish.Publisher
	clk    clock.Clock
	cfg    Config
	logger *zap.Logger
}

// NewRunner wires a Runner. snaps and pub may be the no-op implementations.
func NewRunner(nav Navigator, store Storage, snaps snapshot.Provider, pub publish.Publisher, clk clock.Clock, cfg Config, logger *zap.Logger) (*Runner, error) {
	if nav == nil || store == nil {
		return nil, fmt.Errorf("runner requires a navigator and storage")
	}
	if cfg.Location == nil {
		return nil, fmt.Errorf("runner requires a timezone location")
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if snaps == nil {
		snaps = snapshot.NoOpProvider{}
	}
	if pub == nil {
		pub = publish.NoOpPublisher{}
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{nav: nav, store: store, snaps: snaps, pub: pub, clk: clk, cfg: cfg, logger: logger}, nil
}

// Run performs one full harvest and returns its summary. The returned error
// is non-nil only when the run could not proceed at all; per-city failures
// are reported through the summary.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	start := r.clk.Now()
	summary := Summary{
		RunID:     uuid.NewString(),
		StartedAt: start,
	}
	logger := r.logger.With(zap.String("run_id", summary.RunID))

	if err := r.prepare(ctx); err != nil {
		return summary, fmt.Errorf("open portal: %w", err)
	}

	areas, err := r.nav.Areas(ctx)
	if err != nil {
		return summary, fmt.Errorf("enumerate areas: %w", err)
	}
	scopes := r.filterScopes(scraper.CityScopes(areas))
	if len(scopes) == 0 {
		return summary, fmt.Errorf("no city scopes matched the configured filter")
	}
	logger.Info("starting harvest", zap.Int("cities", len(scopes)))

	for _, scope := range scopes {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		outcome := r.harvestCity(ctx, scope, logger)
		metrics.ObserveCity(string(outcome.Status))
		summary.add(outcome)
	}

	summary.FinishedAt = r.clk.Now()
	metrics.ObserveRunDuration(summary.FinishedAt.Sub(summary.StartedAt))
	logger.Info("harvest finished",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("aborted", summary.Aborted),
		zap.Int("rows_inserted", summary.RowsInserted),
		zap.Int("rows_duplicate", summary.RowsDuplicate),
		zap.Int("rows_dropped", summary.RowsDropped),
	)

	if _, err := r.pub.Publish(ctx, r.cfg.PublishTopic, summary); err != nil {
		logger.Warn("publishing run summary failed", zap.Error(err))
	}
	return summary, nil
}

// prepare opens the portal and resets the area filter to the national view,
// retrying transient failures under the same policy as city fetches.
func (r *Runner) prepare(ctx context.Context) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = r.nav.Open(ctx); err == nil {
			if err = r.nav.SelectNationalScope(ctx); err == nil {
				return nil
			}
		}
		if !r.cfg.Retry.ShouldRetry(err, attempt) {
			return err
		}
		metrics.ObserveFetchRetry()
		if serr := sleep(ctx, r.cfg.Retry.Delay(attempt + 1)); serr != nil {
			return serr
		}
	}
}

func (r *Runner) filterScopes(scopes []scraper.CityScope) []scraper.CityScope {
	provinces := toSet(r.cfg.Provinces)
	cities := toSet(r.cfg.Cities)
	if len(provinces) == 0 && len(cities) == 0 {
		return scopes
	}
	var kept []scraper.CityScope
	for _, s := range scopes {
		if len(provinces) > 0 {
			if _, ok := provinces[s.Province]; !ok {
				continue
			}
		}
		if len(cities) > 0 {
			if _, ok := cities[s.City]; !ok {
				continue
			}
		}
		kept = append(kept, s)
	}
	return kept
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func (r *Runner) harvestCity(ctx context.Context, scope scraper.CityScope, logger *zap.Logger) CityOutcome {
	outcome := CityOutcome{Scope: scope.Label()}
	logger = logger.With(zap.String("scope", scope.Label()))

	rows, fetchOutcome := r.fetchWithRetry(ctx, scope, &outcome, logger)
	if fetchOutcome != CitySucceeded {
		outcome.Status = fetchOutcome
		return outcome
	}
	outcome.RowsFetched = len(rows)
	if len(rows) == 0 {
		logger.Warn("city returned no rows")
		outcome.Status = CitySucceeded
		return outcome
	}

	batch := r.clk.Now()
	records := r.parseRows(rows, scope, batch, &outcome, logger)
	if err := r.storeRecords(ctx, records, batch, &outcome, logger); err != nil {
		outcome.Status = CityAborted
		outcome.Error = err.Error()
		logger.Error("city batch aborted by storage", zap.Error(err))
		return outcome
	}

	outcome.Status = CitySucceeded
	logger.Info("city harvested",
		zap.Int("fetched", outcome.RowsFetched),
		zap.Int("inserted", outcome.RowsInserted),
		zap.Int("duplicate", outcome.RowsDuplicate),
		zap.Int("dropped", outcome.RowsDropped),
	)
	return outcome
}

// fetchWithRetry fetches one city's rows, snapshotting the rendered page
// after every attempt so failures can be diagnosed offline. It returns
// CitySucceeded with the rows, or the terminal failure status.
func (r *Runner) fetchWithRetry(ctx context.Context, scope scraper.CityScope, outcome *CityOutcome, logger *zap.Logger) ([]scraper.RawRow, CityStatus) {
	for attempt := 1; ; attempt++ {
		outcome.Attempts = attempt
		start := time.Now()
		rows, source, err := r.nav.FetchRows(ctx, scope)
		metrics.ObserveFetch(string(source), time.Since(start))
		r.snapshotAttempt(ctx, scope, attempt, outcome, logger)
		if err == nil {
			return rows, CitySucceeded
		}

		outcome.Error = err.Error()

		if !r.cfg.Retry.ShouldRetry(err, attempt) {
			logger.Error("city fetch failed", zap.Int("attempts", attempt), zap.Error(err))
			if errors.Is(err, scraper.ErrStructural) {
				return nil, CityAborted
			}
			return nil, CityFailed
		}
		delay := r.cfg.Retry.Delay(attempt + 1)
		logger.Warn("city fetch retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		metrics.ObserveFetchRetry()
		if serr := sleep(ctx, delay); serr != nil {
			outcome.Error = serr.Error()
			return nil, CityFailed
		}
	}
}

func (r *Runner) snapshotAttempt(ctx context.Context, scope scraper.CityScope, attempt int, outcome *CityOutcome, logger *zap.Logger) {
	html, err := r.nav.CaptureHTML(ctx)
	if err != nil {
		metrics.ObserveSnapshot("capture_error")
		logger.Warn("capturing snapshot failed", zap.Error(err))
		return
	}
	name := snapshotName(r.clk.Now(), scope, attempt)
	uri, err := r.snaps.Save(ctx, name, html)
	if err != nil {
		metrics.ObserveSnapshot("save_error")
		logger.Warn("saving snapshot failed", zap.Error(err))
		return
	}
	metrics.ObserveSnapshot("saved")
	if uri != "" {
		outcome.Snapshots = append(outcome.Snapshots, uri)
	}
}

// snapshotName builds a filesystem and object-store safe name for one fetch
// attempt's capture.
func snapshotName(at time.Time, scope scraper.CityScope, attempt int) string {
	label := strings.NewReplacer("/", "-", " ", "_").Replace(scope.Label())
	return fmt.Sprintf("%s_%s_%d.html", at.UTC().Format("20060102T150405Z"), label, attempt)
}

// parseRows converts raw rows into records, filling station fields the grid
// omitted from the scope context. Unparseable rows are dropped and counted.
func (r *Runner) parseRows(rows []scraper.RawRow, scope scraper.CityScope, batch time.Time, outcome *CityOutcome, logger *zap.Logger) []parser.Record {
	records := make([]parser.Record, 0, len(rows))
	for _, row := range rows {
		rawHeaders := make([]string, 0, len(row.Cells))
		cells := make([]string, 0, len(row.Cells))
		for _, cell := range row.Cells {
			rawHeaders = append(rawHeaders, cell.Header)
			cells = append(cells, cell.Value)
		}
		rec, err := parser.ParseRow(parser.MapHeaders(rawHeaders), cells, row.Hints, batch, r.cfg.Location)
		if err != nil {
			outcome.RowsDropped++
			logger.Debug("dropping unparseable row", zap.Error(err))
			continue
		}
		if rec.Province == "" {
			rec.Province = scope.Province
		}
		if rec.City == "" {
			rec.City = scope.City
		}
		records = append(records, rec)
	}
	metrics.ObserveRows("dropped", outcome.RowsDropped)
	return records
}

// storeRecords persists records one by one. A storage error aborts the rest
// of the city batch; rows already stored stay stored and the next run's
// conflict handling makes the retry safe.
func (r *Runner) storeRecords(ctx context.Context, records []parser.Record, batch time.Time, outcome *CityOutcome, logger *zap.Logger) error {
	for _, rec := range records {
		stationID, err := r.store.UpsertStation(ctx, rec)
		if err != nil {
			return fmt.Errorf("upsert station %q: %w", rec.StationName, err)
		}
		inserted, err := r.store.InsertReadingIfAbsent(ctx, stationID, rec, batch)
		if err != nil {
			return fmt.Errorf("insert reading for station %d: %w", stationID, err)
		}
		if inserted {
			outcome.RowsInserted++
		} else {
			outcome.RowsDuplicate++
		}
	}
	metrics.ObserveRows("inserted", outcome.RowsInserted)
	metrics.ObserveRows("duplicate", outcome.RowsDuplicate)
	return nil
}
