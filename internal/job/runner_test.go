package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/waterwatch/cnemc-harvester/internal/clock"
	"github.com/waterwatch/cnemc-harvester/internal/metrics"
	"github.com/waterwatch/cnemc-harvester/internal/parser"
	"github.com/waterwatch/cnemc-harvester/internal/publish"
	"github.com/waterwatch/cnemc-harvester/internal/scraper"
)

func init() {
	metrics.Init()
}

// fakeNavigator serves canned rows per scope label and can be programmed to
// fail a given number of times before succeeding.
type fakeNavigator struct {
	provinces []scraper.Province
	rows      map[string][]scraper.RawRow
	sources   map[string]scraper.Source
	failures  map[string][]error

	openErrs  []error
	openCalls int
	fetchLog  []string
	attempts  map[string]int
}

func newFakeNavigator() *fakeNavigator {
	return &fakeNavigator{
		rows:     make(map[string][]scraper.RawRow),
		sources:  make(map[string]scraper.Source),
		failures: make(map[string][]error),
		attempts: make(map[string]int),
	}
}

func (f *fakeNavigator) Open(_ context.Context) error {
	f.openCalls++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		return err
	}
	return nil
}

func (f *fakeNavigator) SelectNationalScope(_ context.Context) error { return nil }

func (f *fakeNavigator) Areas(_ context.Context) ([]scraper.Province, error) {
	return f.provinces, nil
}

func (f *fakeNavigator) FetchRows(_ context.Context, scope scraper.CityScope) ([]scraper.RawRow, scraper.Source, error) {
	label := scope.Label()
	source := f.sources[label]
	if source == "" {
		source = scraper.SourceAPI
	}
	f.fetchLog = append(f.fetchLog, label)
	f.attempts[label]++
	if queue := f.failures[label]; len(queue) > 0 {
		err := queue[0]
		f.failures[label] = queue[1:]
		return nil, source, err
	}
	return f.rows[label], source, nil
}

func (f *fakeNavigator) CaptureHTML(_ context.Context) ([]byte, error) {
	return []byte("<html>failed</html>"), nil
}

// fakeStorage reproduces the gateway's exactly-once contract in memory.
type fakeStorage struct {
	mu       sync.Mutex
	stations map[parser.StationKey]int64
	readings map[parser.ReadingKey]struct{}
	nextID   int64

	upsertErr error
	insertErr error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		stations: make(map[parser.StationKey]int64),
		readings: make(map[parser.ReadingKey]struct{}),
	}
}

func (s *fakeStorage) UpsertStation(_ context.Context, rec parser.Record) (int64, error) {
	if s.upsertErr != nil {
		return 0, s.upsertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := parser.KeyForStation(rec)
	if id, ok := s.stations[key]; ok {
		return id, nil
	}
	s.nextID++
	s.stations[key] = s.nextID
	return s.nextID, nil
}

func (s *fakeStorage) InsertReadingIfAbsent(_ context.Context, stationID int64, rec parser.Record, _ time.Time) (bool, error) {
	if s.insertErr != nil {
		return false, s.insertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := parser.KeyForReading(stationID, rec)
	if _, ok := s.readings[key]; ok {
		return false, nil
	}
	s.readings[key] = struct{}{}
	return true, nil
}

// recordingSnapshots collects saved snapshot names.
type recordingSnapshots struct {
	mu    sync.Mutex
	names []string
}

func (p *recordingSnapshots) Save(_ context.Context, name string, _ []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names = append(p.names, name)
	return "mem://" + name, nil
}

func rawRow(station, observed string, ph string) scraper.RawRow {
	return scraper.RawRow{
		Cells: []scraper.Cell{
			{Header: "断面名称", Value: station},
			{Header: "监测时间", Value: observed},
			{Header: "pH(无量纲)", Value: ph},
			{Header: "水质类别", Value: "II"},
		},
		Hints: map[string]string{},
	}
}

func singleCityProvinces() []scraper.Province {
	return []scraper.Province{
		{AreaID: "43", Name: "湖南省", Cities: []scraper.City{{AreaID: "4301", Name: "长沙市"}}},
	}
}

func testConfig() Config {
	return Config{
		Retry:        RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond},
		Location:     time.UTC,
		PublishTopic: "harvest-runs",
	}
}

func newTestRunner(t *testing.T, nav Navigator, storage Storage, cfg Config) (*Runner, *recordingSnapshots, *publish.MemoryPublisher) {
	t.Helper()
	snaps := &recordingSnapshots{}
	pub := publish.NewMemoryPublisher()
	clk := clock.NewFixed(time.Date(2025, 6, 15, 4, 0, 0, 0, time.UTC))
	runner, err := NewRunner(nav, storage, snaps, pub, clk, cfg, zap.NewNop())
	require.NoError(t, err)
	return runner, snaps, pub
}

func TestRunnerHappyPath(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator()
	nav.provinces = []scraper.Province{
		{AreaID: "43", Name: "湖南省", Cities: []scraper.City{
			{AreaID: "4301", Name: "长沙市"},
			{AreaID: "4302", Name: "株洲市"},
		}},
	}
	nav.rows["长沙市"] = []scraper.RawRow{
		rawRow("湘江大桥", "06-15 04:00", "7.2"),
		rawRow("橘子洲", "06-15 04:00", "7.0"),
	}
	nav.rows["株洲市"] = []scraper.RawRow{
		rawRow("株洲断面", "06-15 04:00", "6.9"),
	}

	storage := newFakeStorage()
	runner, _, pub := newTestRunner(t, nav, storage, testConfig())

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, summary.RunID)
	require.Len(t, summary.Cities, 2)
	require.Equal(t, 2, summary.Succeeded)
	require.Equal(t, 0, summary.Failed)
	require.Equal(t, 3, summary.RowsInserted)
	require.Equal(t, 0, summary.RowsDuplicate)
	require.Equal(t, 0, summary.RowsDropped)

	messages := pub.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, "harvest-runs", messages[0].Topic)
	published, ok := messages[0].Payload.(Summary)
	require.True(t, ok)
	require.Equal(t, summary.RunID, published.RunID)
}

func TestRunnerFillsScopeStationFields(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator()
	nav.provinces = singleCityProvinces()
	nav.rows["长沙市"] = []scraper.RawRow{rawRow("湘江大桥", "06-15 04:00", "7.2")}

	storage := newFakeStorage()
	runner, _, _ := newTestRunner(t, nav, storage, testConfig())

	_, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, storage.stations, 1)
	for key := range storage.stations {
		require.Equal(t, "湖南省", key.Province)
		require.Equal(t, "长沙市", key.City)
		require.Equal(t, "湘江大桥", key.StationName)
	}
}

func TestRunnerRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator()
	nav.provinces = singleCityProvinces()
	nav.failures["长沙市"] = []error{
		errors.New("net::ERR_TIMED_OUT"),
		errors.New("net::ERR_TIMED_OUT"),
	}
	nav.rows["长沙市"] = []scraper.RawRow{rawRow("湘江大桥", "06-15 04:00", "7.2")}

	storage := newFakeStorage()
	runner, snaps, _ := newTestRunner(t, nav, storage, testConfig())

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, 3, summary.Cities[0].Attempts)
	require.Equal(t, 1, summary.RowsInserted)
	// one snapshot per attempt, including the final successful one
	require.Len(t, snaps.names, 3)
	require.Contains(t, snaps.names[0], "长沙市")
	require.Contains(t, snaps.names[0], "20250615T040000Z")
}

func TestRunnerRetriesBrowserTimeouts(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator()
	nav.provinces = singleCityProvinces()
	nav.failures["长沙市"] = []error{
		fmt.Errorf("publish api page 1: %w", scraper.ErrTimeout),
		fmt.Errorf("publish api page 1: %w", scraper.ErrTimeout),
	}
	nav.rows["长沙市"] = []scraper.RawRow{rawRow("湘江大桥", "06-15 04:00", "7.2")}

	storage := newFakeStorage()
	runner, _, _ := newTestRunner(t, nav, storage, testConfig())

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, 3, summary.Cities[0].Attempts)
	require.Equal(t, 1, summary.RowsInserted)
}

func TestRunnerTimeoutsExhaustRetryBudget(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator()
	nav.provinces = singleCityProvinces()
	// a scope that never renders in time gets exactly MaxAttempts tries
	nav.failures["长沙市"] = []error{
		fmt.Errorf("publish api page 1: %w", scraper.ErrTimeout),
		fmt.Errorf("publish api page 1: %w", scraper.ErrTimeout),
		fmt.Errorf("publish api page 1: %w", scraper.ErrTimeout),
	}

	storage := newFakeStorage()
	runner, _, _ := newTestRunner(t, nav, storage, testConfig())

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 3, nav.attempts["长沙市"])
	require.Equal(t, CityFailed, summary.Cities[0].Status)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 0, summary.Aborted)
}

func TestRunnerRetriesSlowPortalOpen(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator()
	nav.provinces = singleCityProvinces()
	nav.openErrs = []error{fmt.Errorf("navigate: %w", scraper.ErrTimeout)}
	nav.rows["长沙市"] = []scraper.RawRow{rawRow("湘江大桥", "06-15 04:00", "7.2")}

	storage := newFakeStorage()
	runner, _, _ := newTestRunner(t, nav, storage, testConfig())

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, nav.openCalls)
	require.Equal(t, 1, summary.Succeeded)
}

func TestRunnerGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator()
	nav.provinces = singleCityProvinces()
	nav.failures["长沙市"] = []error{
		errors.New("transient 1"),
		errors.New("transient 2"),
		errors.New("transient 3"),
	}

	storage := newFakeStorage()
	runner, snaps, _ := newTestRunner(t, nav, storage, testConfig())

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, summary.Failed)
	require.Equal(t, CityFailed, summary.Cities[0].Status)
	require.Equal(t, 3, summary.Cities[0].Attempts)
	require.Equal(t, 3, nav.attempts["长沙市"])
	require.Len(t, snaps.names, 3)
	require.Contains(t, summary.Cities[0].Error, "transient 3")
}

func TestRunnerDoesNotRetryStructuralFailures(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator()
	nav.provinces = []scraper.Province{
		{AreaID: "43", Name: "湖南省", Cities: []scraper.City{
			{AreaID: "4301", Name: "长沙市"},
			{AreaID: "4302", Name: "株洲市"},
		}},
	}
	nav.failures["长沙市"] = []error{fmt.Errorf("%w: grid header missing", scraper.ErrStructural)}
	nav.rows["株洲市"] = []scraper.RawRow{rawRow("株洲断面", "06-15 04:00", "6.9")}

	storage := newFakeStorage()
	runner, _, _ := newTestRunner(t, nav, storage, testConfig())

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, nav.attempts["长沙市"])
	require.Equal(t, CityAborted, summary.Cities[0].Status)
	require.Equal(t, 1, summary.Aborted)
	// the structural failure does not stop the next city
	require.Equal(t, CitySucceeded, summary.Cities[1].Status)
	require.Equal(t, 1, summary.RowsInserted)
}

func TestRunnerAbortsCityOnStorageError(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator()
	nav.provinces = singleCityProvinces()
	nav.rows["长沙市"] = []scraper.RawRow{rawRow("湘江大桥", "06-15 04:00", "7.2")}

	storage := newFakeStorage()
	storage.insertErr = errors.New("connection refused")
	runner, _, _ := newTestRunner(t, nav, storage, testConfig())

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, summary.Aborted)
	require.Equal(t, CityAborted, summary.Cities[0].Status)
	require.Equal(t, 1, summary.Cities[0].RowsFetched)
	require.Equal(t, 0, summary.RowsInserted)
	require.Contains(t, summary.Cities[0].Error, "connection refused")
}

func TestRunnerDropsUnparseableRows(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator()
	nav.provinces = singleCityProvinces()
	nav.rows["长沙市"] = []scraper.RawRow{
		rawRow("湘江大桥", "06-15 04:00", "7.2"),
		rawRow("坏断面", "not a time", "7.0"),
	}

	storage := newFakeStorage()
	runner, _, _ := newTestRunner(t, nav, storage, testConfig())

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, 2, summary.Cities[0].RowsFetched)
	require.Equal(t, 1, summary.RowsInserted)
	require.Equal(t, 1, summary.RowsDropped)
}

func TestRunnerReingestionIsIdempotent(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator()
	nav.provinces = singleCityProvinces()
	nav.rows["长沙市"] = []scraper.RawRow{
		rawRow("湘江大桥", "06-15 04:00", "7.2"),
		rawRow("橘子洲", "06-15 04:00", "7.0"),
	}

	storage := newFakeStorage()
	runner, _, _ := newTestRunner(t, nav, storage, testConfig())

	first, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, first.RowsInserted)
	require.Equal(t, 0, first.RowsDuplicate)

	second, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, second.RowsInserted)
	require.Equal(t, 2, second.RowsDuplicate)
	require.Equal(t, 2, second.Succeeded+first.Succeeded)
	require.Len(t, storage.readings, 2)
}

func fetchSampleCount(t *testing.T, source string) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "harvester_fetch_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "source" && l.GetValue() == source {
					return m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}

func TestRunnerRecordsFetchSource(t *testing.T) {
	// reads the process-wide registry, so no t.Parallel; the dom label is
	// exercised by this test alone

	nav := newFakeNavigator()
	nav.provinces = singleCityProvinces()
	nav.rows["长沙市"] = []scraper.RawRow{rawRow("湘江大桥", "06-15 04:00", "7.2")}
	nav.sources["长沙市"] = scraper.SourceDOM

	before := fetchSampleCount(t, "dom")

	storage := newFakeStorage()
	runner, _, _ := newTestRunner(t, nav, storage, testConfig())
	_, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, before+1, fetchSampleCount(t, "dom"))
}

func TestRunnerScopeFilter(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator()
	nav.provinces = []scraper.Province{
		{AreaID: "43", Name: "湖南省", Cities: []scraper.City{{AreaID: "4301", Name: "长沙市"}}},
		{AreaID: "44", Name: "广东省", Cities: []scraper.City{{AreaID: "4401", Name: "广州市"}}},
	}
	nav.rows["广州市"] = []scraper.RawRow{rawRow("珠江断面", "06-15 04:00", "7.1")}

	cfg := testConfig()
	cfg.Provinces = []string{"广东省"}

	storage := newFakeStorage()
	runner, _, _ := newTestRunner(t, nav, storage, cfg)

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, summary.Cities, 1)
	require.Equal(t, "广州市", summary.Cities[0].Scope)
	require.Equal(t, []string{"广州市"}, nav.fetchLog)
}

func TestRunnerNoMatchingScopes(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator()
	nav.provinces = singleCityProvinces()

	cfg := testConfig()
	cfg.Cities = []string{"不存在市"}

	storage := newFakeStorage()
	runner, _, _ := newTestRunner(t, nav, storage, cfg)

	_, err := runner.Run(context.Background())
	require.Error(t, err)
}

func TestRunnerOpenFailureFailsRun(t *testing.T) {
	t.Parallel()

	nav := newFakeNavigator()
	nav.openErrs = []error{fmt.Errorf("%w: frame never appeared", scraper.ErrStructural)}

	storage := newFakeStorage()
	runner, _, pub := newTestRunner(t, nav, storage, testConfig())

	_, err := runner.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, scraper.ErrStructural)
	require.Empty(t, pub.Messages())
}

func TestSnapshotName(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 6, 15, 4, 30, 0, 0, time.UTC)
	scope := scraper.CityScope{Province: "湖南省", City: "长沙市"}
	require.Equal(t, "20250615T043000Z_长沙市_2.html", snapshotName(at, scope, 2))
}
