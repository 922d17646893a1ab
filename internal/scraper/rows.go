package scraper

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/waterwatch/cnemc-harvester/internal/parser"
)

// publishFetchJS replays the request the frame's own RealDatas script sends
// to /GJZ/Ajax/Publish.ashx. Running it inside the frame reuses the page's
// session and same-origin context, which is why no plain-HTTP client can
// serve this path.
const publishFetchJS = `(async () => {
	const params = new URLSearchParams();
	params.set("action", "getRealDatas");
	params.set("AreaID", %q);
	params.set("RiverID", "");
	params.set("MNName", "");
	params.set("PageIndex", %q);
	params.set("PageSize", %q);
	const resp = await w.fetch("/GJZ/Ajax/Publish.ashx", {
		method: "POST",
		headers: {
			"Content-Type": "application/x-www-form-urlencoded; charset=UTF-8",
			"X-Requested-With": "XMLHttpRequest"
		},
		body: params.toString(),
		credentials: "same-origin"
	});
	const text = await resp.text();
	try {
		return JSON.parse(text);
	} catch (e) {
		return { result: 0, error: text.slice(0, 300) };
	}
})()`

type publishPayload struct {
	Result int      `json:"result"`
	Thead  []string `json:"thead"`
	Tbody  [][]any  `json:"tbody"`
	Total  any      `json:"total"`
	Error  string   `json:"error"`
}

// FetchRows returns the ordered raw rows for one city scope along with the
// path that served them. The publish API is the primary path; the
// virtual-scroll DOM walk is the fallback when the API yields nothing for
// the scope.
func (s *Session) FetchRows(ctx context.Context, scope CityScope) ([]RawRow, Source, error) {
	rows, err := s.fetchViaPublishAPI(ctx, scope)
	if err != nil {
		return nil, SourceAPI, err
	}
	if len(rows) > 0 {
		return rows, SourceAPI, nil
	}
	s.logger.Warn("publish api returned no rows, falling back to rendered table",
		zap.String("scope", scope.Label()),
	)
	rows, err = s.fetchViaDOM(ctx, scope)
	return rows, SourceDOM, err
}

func (s *Session) fetchViaPublishAPI(ctx context.Context, scope CityScope) ([]RawRow, error) {
	acc := newRowAccumulator()

	pageSize := s.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 9999
	}
	maxPages := s.cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 200
	}

	totalPages := 1
	for pageIndex := 1; pageIndex <= totalPages && pageIndex <= maxPages; pageIndex++ {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("publish api rate limit: %w", err)
			}
		}

		var payload publishPayload
		js := fmt.Sprintf(publishFetchJS, scope.AreaID, strconv.Itoa(pageIndex), strconv.Itoa(pageSize))
		if err := s.evalFrame(ctx, js, &payload); err != nil {
			return nil, fmt.Errorf("publish api page %d: %w", pageIndex, err)
		}
		if payload.Result == 0 {
			if payload.Error != "" {
				s.logger.Warn("publish api rejected request",
					zap.String("scope", scope.Label()),
					zap.String("error", payload.Error),
				)
			}
			break
		}

		acc.addPage(payload.Thead, payload.Tbody, scope.City)
		if pages := coerceInt(payload.Total); pages > totalPages {
			totalPages = pages
		}
	}

	s.logger.Info("publish api scope collected",
		zap.String("scope", scope.Label()),
		zap.Int("rows", len(acc.rows)),
	)
	return acc.rows, nil
}

// rowAccumulator merges publish-API pages, deduplicating on the leading
// identity cells since overlapping pages repeat rows.
type rowAccumulator struct {
	headers []string
	rows    []RawRow
	seen    map[string]int
}

func newRowAccumulator() *rowAccumulator {
	return &rowAccumulator{seen: make(map[string]int)}
}

func (a *rowAccumulator) addPage(thead []string, tbody [][]any, cityHint string) {
	if len(a.headers) == 0 && len(thead) > 0 {
		a.headers = make([]string, 0, len(thead))
		for _, h := range thead {
			a.headers = append(a.headers, normalizeAPIText(h))
		}
	}

	for _, raw := range tbody {
		rawCells := make([]string, 0, len(raw))
		cells := make([]string, 0, len(raw))
		for _, item := range raw {
			text := stringifyCell(item)
			rawCells = append(rawCells, text)
			cells = append(cells, normalizeAPIText(text))
		}
		if len(cells) == 0 {
			continue
		}

		city := cityHint
		if city == "" {
			city = extractCityHint(rawCells)
		}

		key := dedupeKey(cells)
		if pos, dup := a.seen[key]; dup {
			if city != "" && a.rows[pos].Hints[parser.FieldCity] == "" {
				a.rows[pos].Hints[parser.FieldCity] = city
			}
			continue
		}

		row := RawRow{
			Cells: zipCells(a.headers, cells),
			Hints: map[string]string{},
		}
		if city != "" {
			row.Hints[parser.FieldCity] = city
		}
		a.seen[key] = len(a.rows)
		a.rows = append(a.rows, row)
	}
}

func dedupeKey(cells []string) string {
	n := len(cells)
	if n > 5 {
		n = 5
	}
	return strings.Join(cells[:n], "\x1f")
}

func zipCells(headers, cells []string) []Cell {
	n := len(headers)
	if len(cells) < n {
		n = len(cells)
	}
	zipped := make([]Cell, 0, n)
	for i := 0; i < n; i++ {
		zipped = append(zipped, Cell{Header: headers[i], Value: cells[i]})
	}
	return zipped
}

func stringifyCell(item any) string {
	switch v := item.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

func coerceInt(value any) int {
	switch v := value.(type) {
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		return n
	case int:
		return v
	}
	return 0
}

// domHeadersJS reads the fixed header table of the grid.
const domHeadersJS = `Array.from(d.querySelectorAll('#gridHd tr td')).map(e => (e.innerText || "").trim())`

// domRowsJS walks the streamed row list. Cells prefer the raw value carried
// in bootstrap tooltips over the formatted text; the owning city rides in
// the station cell's tooltip.
const domRowsJS = `(() => {
	const rawFromTooltip = (text) => {
		if (!text || text.indexOf("原始值") === -1) { return null; }
		for (const line of text.split("\n")) {
			if (line.indexOf("原始值") !== -1) {
				const raw = line.split("原始值").pop().replace("：", "").replace(":", "").trim();
				if (raw) { return raw; }
			}
		}
		return null;
	};
	const cellValue = (cell) => {
		if (!cell) { return ""; }
		const own = rawFromTooltip(cell.getAttribute("data-original-title"));
		if (own) { return own; }
		const inner = cell.querySelector("[data-original-title]");
		if (inner) {
			const nested = rawFromTooltip(inner.getAttribute("data-original-title"));
			if (nested) { return nested; }
		}
		return (cell.innerText || "").trim();
	};
	const rows = [];
	for (const tr of d.querySelectorAll('#gridDatas li tr')) {
		const cells = Array.from(tr.querySelectorAll('td')).map(cellValue);
		if (!cells.length) { continue; }
		let city = "";
		const host = tr.querySelector('td.MN [data-original-title]');
		if (host) {
			for (const line of (host.getAttribute("data-original-title") || "").split("\n")) {
				const trimmed = line.trim();
				if (trimmed.indexOf("所在地市:") === 0) {
					city = trimmed.split(":").slice(1).join(":").trim();
					break;
				}
			}
		}
		rows.push({ cells: cells, city: city });
	}
	return rows;
})()`

type domRow struct {
	Cells []string `json:"cells"`
	City  string   `json:"city"`
}

func (s *Session) fetchViaDOM(ctx context.Context, scope CityScope) ([]RawRow, error) {
	level := scope.Level
	if level == 0 {
		level = 2
	}
	var filtered bool
	err := s.evalFrame(ctx, fmt.Sprintf(
		`(typeof w.filterArea === 'function') && (w.filterArea(%q, %q, %d), true)`,
		scope.AreaID, scope.Label(), level,
	), &filtered)
	if err != nil {
		return nil, fmt.Errorf("apply city filter: %w", err)
	}
	if !filtered {
		return nil, fmt.Errorf("filterArea missing from frame: %w", ErrStructural)
	}

	if err := s.scrollUntilSettled(ctx); err != nil {
		return nil, err
	}

	var rawHeaders []string
	if err := s.evalFrame(ctx, domHeadersJS, &rawHeaders); err != nil {
		return nil, fmt.Errorf("read table headers: %w", err)
	}
	if len(rawHeaders) == 0 {
		return nil, fmt.Errorf("header row #gridHd matched nothing: %w", ErrStructural)
	}

	var domRows []domRow
	if err := s.evalFrame(ctx, domRowsJS, &domRows); err != nil {
		return nil, fmt.Errorf("read table rows: %w", err)
	}
	if len(domRows) == 0 {
		return nil, fmt.Errorf("data rows #gridDatas matched nothing: %w", ErrStructural)
	}

	headers := make([]string, 0, len(rawHeaders))
	for _, h := range rawHeaders {
		headers = append(headers, normalizeAPIText(h))
	}

	rows := make([]RawRow, 0, len(domRows))
	for _, dr := range domRows {
		row := RawRow{Cells: zipCells(headers, dr.Cells), Hints: map[string]string{}}
		city := dr.City
		if city == "" {
			city = scope.City
		}
		if city != "" {
			row.Hints[parser.FieldCity] = city
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// scrollUntilSettled drives the virtual-scroll container until neither the
// scroll height nor the row count changes for three consecutive rounds, or
// the iteration cap is hit. The cap prevents an infinite loop on a stalled
// render.
func (s *Session) scrollUntilSettled(ctx context.Context) error {
	maxIterations := s.cfg.MaxScrollIterations
	if maxIterations <= 0 {
		maxIterations = 120
	}
	settle := s.cfg.SettleWait
	if settle <= 0 {
		settle = time.Second
	}

	const scrollJS = `(() => {
	const el = d.querySelector('#div_gridBodys');
	if (el) {
		el.scrollTo(0, el.scrollHeight);
		el.dispatchEvent(new Event('scroll', { bubbles: true }));
		return el.scrollHeight;
	}
	w.scrollTo(0, d.body.scrollHeight);
	return d.body.scrollHeight;
})()`
	const countJS = `d.querySelectorAll('#gridDatas li').length`

	lastHeight, lastRows := -1, -1
	stableRounds := 0
	for i := 0; i < maxIterations; i++ {
		var height int
		if err := s.evalFrame(ctx, scrollJS, &height); err != nil {
			return fmt.Errorf("scroll grid: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(settle):
		}

		var rows int
		if err := s.evalFrame(ctx, countJS, &rows); err != nil {
			return fmt.Errorf("count grid rows: %w", err)
		}

		if height == lastHeight && rows == lastRows {
			stableRounds++
		} else {
			stableRounds = 0
		}
		if stableRounds >= 3 {
			return nil
		}
		lastHeight, lastRows = height, rows
	}
	s.logger.Warn("scroll iteration cap reached before the grid settled",
		zap.Int("iterations", maxIterations),
	)
	return nil
}
