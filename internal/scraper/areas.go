package scraper

import (
	"context"
	"fmt"
)

// areaAnchorsJS parses province/city area IDs out of the area dropdown. The
// portal renders every option as an anchor whose onclick calls
// filterArea(id, label, level); level 1 is a province, level 2 a city whose
// data-id points at its parent province.
const areaAnchorsJS = `(() => {
	const items = [];
	const anchors = Array.from(d.querySelectorAll("#ddm_Area + ul a[onclick*='filterArea(']"));
	for (const anchor of anchors) {
		const onclick = anchor.getAttribute("onclick") || "";
		const m = onclick.match(/filterArea\('([^']*)','([^']*)',(\d+)\)/);
		if (!m) continue;
		items.push({
			id: String(m[1] || ""),
			label: String(m[2] || ""),
			level: Number(m[3] || "0"),
			parentId: String(anchor.getAttribute("data-id") || ""),
		});
	}
	return items;
})()`

// topAreaInfoJS is the fallback when dropdown parsing yields nothing: the
// frame keeps a province-level listing in a JS global.
const topAreaInfoJS = `(w._TopAreaInfo || []).map(item => ({
	id: String(item.AreaID || ""),
	label: String(item.AreaName || ""),
	level: 1,
	parentId: "",
}))`

type areaItem struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Level    int    `json:"level"`
	ParentID string `json:"parentId"`
}

// Areas enumerates the provinces and their cities in the portal's dropdown
// order. The order is load-bearing: it fixes the deterministic city sequence
// of a run.
func (s *Session) Areas(ctx context.Context) ([]Province, error) {
	var items []areaItem
	if err := s.evalFrame(ctx, areaAnchorsJS, &items); err != nil {
		return nil, fmt.Errorf("read area dropdown: %w", err)
	}
	if len(items) == 0 {
		if err := s.evalFrame(ctx, topAreaInfoJS, &items); err != nil {
			return nil, fmt.Errorf("read area globals: %w", err)
		}
	}

	provinces := buildProvinces(items)
	if len(provinces) == 0 {
		return nil, fmt.Errorf("no provinces in area dropdown: %w", ErrStructural)
	}
	return provinces, nil
}

func buildProvinces(items []areaItem) []Province {
	var provinces []Province
	index := make(map[string]int)
	seenCities := make(map[string]map[string]struct{})

	for _, item := range items {
		if item.ID == "" || item.Label == "" {
			continue
		}
		switch item.Level {
		case 1:
			if _, ok := index[item.ID]; ok {
				continue
			}
			index[item.ID] = len(provinces)
			provinces = append(provinces, Province{AreaID: item.ID, Name: item.Label})
		case 2:
			pos, ok := index[item.ParentID]
			if !ok {
				continue
			}
			if seenCities[item.ParentID] == nil {
				seenCities[item.ParentID] = make(map[string]struct{})
			}
			if _, dup := seenCities[item.ParentID][item.ID]; dup {
				continue
			}
			seenCities[item.ParentID][item.ID] = struct{}{}
			provinces[pos].Cities = append(provinces[pos].Cities, City{AreaID: item.ID, Name: item.Label})
		}
	}
	return provinces
}

// SelectNationalScope engages the all-provinces view and resets the basin
// filter. This must happen once per session before any city iteration:
// selecting a city while a narrower default scope is active yields an empty
// or stale result set.
func (s *Session) SelectNationalScope(ctx context.Context) error {
	var switched bool
	err := s.evalFrame(ctx,
		`(typeof w.filterArea === 'function') && (w.filterArea('', '城市', 0), true)`,
		&switched,
	)
	if err != nil {
		return fmt.Errorf("select national scope: %w", err)
	}
	if !switched {
		return fmt.Errorf("filterArea missing from frame: %w", ErrStructural)
	}

	// Reset the basin filter so nationwide rows are not truncated. Missing
	// filterRiver is tolerated; older revisions of the page lacked it.
	var riverReset bool
	if err := s.evalFrame(ctx,
		`(typeof w.filterRiver === 'function') && (w.filterRiver('', '流域'), true)`,
		&riverReset,
	); err != nil {
		return fmt.Errorf("reset river scope: %w", err)
	}
	if !riverReset {
		s.logger.Debug("filterRiver not present; basin filter left as-is")
	}

	if _, err := s.pollFrame(ctx, `d.querySelectorAll('#gridDatas li').length > 0`); err != nil {
		return fmt.Errorf("wait for national rows: %w", err)
	}
	return nil
}
