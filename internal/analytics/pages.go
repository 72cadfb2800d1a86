package analytics

import (
	"sort"
	"time"

	"github.com/wesm/sessiontrack/internal/timeutil"
	"github.com/wesm/sessiontrack/internal/tracking"
)

// --- Page stats ---

// PageStat summarizes one page.
type PageStat struct {
	PageID       string  `json:"page_id"`
	VisitCount   int     `json:"visit_count"`
	AvgTimeSpent float64 `json:"avg_time_spent"`
	TotalTime    int     `json:"total_time"`
}

// PageStatsResult holds per-page counts and windowed time totals.
// Each window map only lists pages with at least one visit in it.
type PageStatsResult struct {
	TotalVisits int            `json:"total_visits"`
	UniquePages int            `json:"unique_pages"`
	PageStats   []PageStat     `json:"page_stats"`
	Count       map[string]int `json:"count"`
	Last24h     map[string]int `json:"last_24h"`
	Last7Days   map[string]int `json:"last_7days"`
	Last1Month  map[string]int `json:"last_1month"`
	AllTime     map[string]int `json:"all_time"`
}

// ComputePageStats reduces visits relative to now. Window
// membership is now-window < timestamp <= now.
func ComputePageStats(visits []tracking.PageVisit, now time.Time) *PageStatsResult {
	res := &PageStatsResult{
		PageStats:  []PageStat{},
		Count:      map[string]int{},
		Last24h:    sumWindow(visits, now, Day),
		Last7Days:  sumWindow(visits, now, Week),
		Last1Month: sumWindow(visits, now, Month),
		AllTime:    map[string]int{},
	}
	for _, v := range visits {
		res.Count[v.Page]++
		res.AllTime[v.Page] += v.TimeSpent
	}
	res.TotalVisits = len(visits)
	res.UniquePages = len(res.Count)

	for page, n := range res.Count {
		total := res.AllTime[page]
		res.PageStats = append(res.PageStats, PageStat{
			PageID:       page,
			VisitCount:   n,
			AvgTimeSpent: round2(float64(total) / float64(n)),
			TotalTime:    total,
		})
	}
	sort.Slice(res.PageStats, func(i, j int) bool {
		a, b := res.PageStats[i], res.PageStats[j]
		if a.VisitCount != b.VisitCount {
			return a.VisitCount > b.VisitCount
		}
		return a.PageID < b.PageID
	})
	return res
}

func sumWindow(
	visits []tracking.PageVisit, now time.Time, d time.Duration,
) map[string]int {
	r := window(now, d)
	out := map[string]int{}
	for _, v := range visits {
		if r.Contains(v.Timestamp) {
			out[v.Page] += v.TimeSpent
		}
	}
	return out
}

// --- Time by page ---

// PageTime is the total time spent on one page.
type PageTime struct {
	Page             string  `json:"page"`
	TotalTimeSeconds int     `json:"total_time_seconds"`
	TotalTimeISO     string  `json:"total_time_formatted"`
	TotalTimeMinutes float64 `json:"total_time_minutes"`
	VisitCount       int     `json:"visit_count"`
}

// TimeByPageResult lists pages in name order.
type TimeByPageResult struct {
	PageTime   []PageTime `json:"page_time"`
	TotalPages int        `json:"total_pages"`
}

// ComputeTimeByPage sums timespent and visits per page.
func ComputeTimeByPage(visits []tracking.PageVisit) *TimeByPageResult {
	type acc struct{ total, count int }
	byPage := map[string]*acc{}
	for _, v := range visits {
		a := byPage[v.Page]
		if a == nil {
			a = &acc{}
			byPage[v.Page] = a
		}
		a.total += v.TimeSpent
		a.count++
	}

	res := &TimeByPageResult{PageTime: make([]PageTime, 0, len(byPage))}
	for page, a := range byPage {
		secs := float64(a.total)
		res.PageTime = append(res.PageTime, PageTime{
			Page:             page,
			TotalTimeSeconds: a.total,
			TotalTimeISO:     timeutil.ISODuration(secs),
			TotalTimeMinutes: minutes(secs),
			VisitCount:       a.count,
		})
	}
	sort.Slice(res.PageTime, func(i, j int) bool {
		return res.PageTime[i].Page < res.PageTime[j].Page
	})
	res.TotalPages = len(res.PageTime)
	return res
}
