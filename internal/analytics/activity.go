package analytics

import (
	"sort"
	"strconv"
	"time"

	"github.com/wesm/sessiontrack/internal/timeutil"
	"github.com/wesm/sessiontrack/internal/tracking"
)

// isoWeekday maps time.Weekday to Monday=0 .. Sunday=6.
func isoWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// inActivityWindow filters sessions to those created within the
// activity window ending at now.
func inActivityWindow(
	sessions []tracking.Session, now time.Time,
) []tracking.Session {
	r := window(now, ActivityWindow)
	out := make([]tracking.Session, 0, len(sessions))
	for _, s := range sessions {
		if r.Contains(s.CreatedAt) {
			out = append(out, s)
		}
	}
	return out
}

// --- Heatmap ---

// DateRange spans the first and last active dates.
type DateRange struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// HeatmapResult counts sessions per date and per weekday-hour cell.
// WeeklyHourly is keyed "0".."6" (Monday first) then "0".."23".
type HeatmapResult struct {
	DailySessions         map[string]int            `json:"daily_sessions"`
	WeeklyHourly          map[string]map[string]int `json:"weekly_hourly"`
	TotalSessions         int                       `json:"total_sessions"`
	TotalDaysWithActivity int                       `json:"total_days_with_activity"`
	DateRange             *DateRange                `json:"date_range"`
}

// ComputeHeatmap buckets session creation times in the window
// ending at now.
func ComputeHeatmap(sessions []tracking.Session, now time.Time) *HeatmapResult {
	sessions = inActivityWindow(sessions, now)

	var grid [7][24]int
	daily := map[string]int{}
	for _, s := range sessions {
		t := s.CreatedAt.UTC()
		daily[timeutil.DateOf(t)]++
		grid[isoWeekday(t)][t.Hour()]++
	}

	weekly := make(map[string]map[string]int, 7)
	for d := range 7 {
		hours := make(map[string]int, 24)
		for h := range 24 {
			hours[strconv.Itoa(h)] = grid[d][h]
		}
		weekly[strconv.Itoa(d)] = hours
	}

	res := &HeatmapResult{
		DailySessions:         daily,
		WeeklyHourly:          weekly,
		TotalSessions:         len(sessions),
		TotalDaysWithActivity: len(daily),
	}
	if len(daily) > 0 {
		dates := sortedKeys(daily)
		res.DateRange = &DateRange{
			StartDate: dates[0],
			EndDate:   dates[len(dates)-1],
		}
	}
	return res
}

// --- Most active ---

// HourCount is the number of sessions started in one hour.
type HourCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// ActiveDay is one ranked day.
type ActiveDay struct {
	Date            string      `json:"date"`
	Day             string      `json:"day"`
	Count           int         `json:"count"`
	MostActiveHours []HourCount `json:"most_active_hours"`
}

// MostActiveResult lists up to five days, busiest first.
type MostActiveResult struct {
	MostActiveDays []ActiveDay `json:"most_active_days"`
	TotalSessions  int         `json:"total_sessions"`
}

// ComputeMostActive ranks days by session count. Ties go to the
// earlier date; hours within a day tie-break to the earlier hour.
func ComputeMostActive(sessions []tracking.Session, now time.Time) *MostActiveResult {
	sessions = inActivityWindow(sessions, now)

	type dayAcc struct {
		date  string
		first time.Time
		count int
		hours [24]int
	}
	days := map[string]*dayAcc{}
	for _, s := range sessions {
		t := s.CreatedAt.UTC()
		key := timeutil.DateOf(t)
		d := days[key]
		if d == nil {
			d = &dayAcc{date: key, first: t}
			days[key] = d
		}
		d.count++
		d.hours[t.Hour()]++
	}

	ranked := make([]*dayAcc, 0, len(days))
	for _, d := range days {
		ranked = append(ranked, d)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].date < ranked[j].date
	})
	if len(ranked) > mostActiveDays {
		ranked = ranked[:mostActiveDays]
	}

	res := &MostActiveResult{
		MostActiveDays: make([]ActiveDay, 0, len(ranked)),
		TotalSessions:  len(sessions),
	}
	for _, d := range ranked {
		var hours []HourCount
		for h, n := range d.hours {
			if n > 0 {
				hours = append(hours, HourCount{Hour: h, Count: n})
			}
		}
		// Hours are collected ascending, so a stable sort keeps
		// the earlier hour first on ties.
		sort.SliceStable(hours, func(i, j int) bool {
			return hours[i].Count > hours[j].Count
		})
		if len(hours) > mostActiveHours {
			hours = hours[:mostActiveHours]
		}
		res.MostActiveDays = append(res.MostActiveDays, ActiveDay{
			Date:            d.date,
			Day:             d.first.Weekday().String(),
			Count:           d.count,
			MostActiveHours: hours,
		})
	}
	return res
}

// --- Stats ---

// StatsResult summarizes the activity window.
type StatsResult struct {
	TotalUsers            int     `json:"total_users"`
	AvgSessionTime        float64 `json:"avg_session_time"`
	AvgSessionTimeSeconds float64 `json:"avg_session_time_seconds"`
	TotalSessions         int     `json:"total_sessions"`
	EndedSessions         int     `json:"ended_sessions"`
}

// ComputeStats counts distinct users in the window and averages
// total active time over ended sessions only. AvgSessionTime is in
// minutes.
func ComputeStats(sessions []tracking.Session, now time.Time) *StatsResult {
	sessions = inActivityWindow(sessions, now)

	users := map[string]struct{}{}
	var ended int
	var total float64
	for _, s := range sessions {
		users[s.User] = struct{}{}
		if s.Status == tracking.StatusEnded {
			ended++
			total += s.TotalActiveTime
		}
	}

	res := &StatsResult{
		TotalUsers:    len(users),
		TotalSessions: len(sessions),
		EndedSessions: ended,
	}
	if ended > 0 {
		avg := total / float64(ended)
		res.AvgSessionTimeSeconds = round2(avg)
		res.AvgSessionTime = minutes(avg)
	}
	return res
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
