package job

import "time"

// CityStatus describes the final state of one city batch.
type CityStatus string

const (
	// CitySucceeded means rows were fetched and stored.
	CitySucceeded CityStatus = "succeeded"
	// CityFailed means fetching gave up after exhausting transient retries.
	CityFailed CityStatus = "failed"
	// CityAborted means the city was given up without retrying: a structural
	// page change, or a storage failure mid-batch.
	CityAborted CityStatus = "aborted"
)

// CityOutcome records what happened to one city during a run.
type CityOutcome struct {
	Scope         string     `json:"scope"`
	Status        CityStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	RowsFetched   int        `json:"rows_fetched"`
	RowsInserted  int        `json:"rows_inserted"`
	RowsDuplicate int        `json:"rows_duplicate"`
	RowsDropped   int        `json:"rows_dropped"`
	Error         string     `json:"error,omitempty"`
	Snapshots     []string   `json:"snapshots,omitempty"`
}

// Summary aggregates a full harvest run.
type Summary struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Cities     []CityOutcome `json:"cities"`

	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Aborted   int `json:"aborted"`

	RowsInserted  int `json:"rows_inserted"`
	RowsDuplicate int `json:"rows_duplicate"`
	RowsDropped   int `json:"rows_dropped"`
}

func (s *Summary) add(outcome CityOutcome) {
	s.Cities = append(s.Cities, outcome)
	switch outcome.Status {
	case CitySucceeded:
		s.Succeeded++
	case CityFailed:
		s.Failed++
	case CityAborted:
		s.Aborted++
	}
	s.RowsInserted += outcome.RowsInserted
	s.RowsDuplicate += outcome.RowsDuplicate
	s.RowsDropped += outcome.RowsDropped
}
