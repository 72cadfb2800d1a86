// Command testfixture writes a deterministic SQLite database of
// sessions and page visits for demos and end-to-end tests.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/wesm/sessiontrack/internal/db"
	"github.com/wesm/sessiontrack/internal/timeutil"
	"github.com/wesm/sessiontrack/internal/tracking"
)

// sessionSpec describes one generated session. Segments alternate
// active and paused minutes, starting with active.
type sessionSpec struct {
	app      string
	user     string
	day      int
	hour     int
	segments []int
	open     bool
	pages    []string
}

var specs = []sessionSpec{
	{"web", "alice", 0, 9, []int{25}, false, []string{"/home", "/pricing"}},
	{"web", "alice", 1, 14, []int{10, 5, 20}, false, []string{"/home", "/docs"}},
	{"web", "bob", 1, 9, []int{45}, false, []string{"/docs", "/docs/api"}},
	{"web", "bob", 3, 21, []int{5, 60, 5}, false, []string{"/settings"}},
	{"web", "carol", 2, 11, []int{90}, false, []string{"/home", "/blog", "/blog/launch"}},
	{"mobile", "alice", 2, 8, []int{15, 10, 15}, false, []string{"home", "profile"}},
	{"mobile", "dave", 4, 19, []int{30}, false, []string{"home"}},
	{"web", "dave", 5, 10, []int{12, 3}, true, []string{"/home"}},
}

func main() {
	out := pflag.String("out", "", "output database path")
	baseStr := pflag.String("base", "2025-01-15T00:00:00Z",
		"timestamp of the first fixture day")
	pflag.Parse()
	if *out == "" {
		fmt.Fprintln(os.Stderr, "usage: testfixture --out <path> [--base <time>]")
		os.Exit(1)
	}
	base, err := timeutil.Parse(*baseStr)
	if err != nil {
		log.Fatalf("parsing --base: %v", err)
	}

	if err := os.Remove(*out); err != nil &&
		!errors.Is(err, os.ErrNotExist) {
		log.Fatalf("removing existing db: %v", err)
	}

	database, err := db.Open(*out)
	if err != nil {
		log.Fatalf("opening db: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	svc := tracking.NewService(database)
	for _, spec := range specs {
		if err := createSessionFixture(ctx, svc, spec, base); err != nil {
			log.Fatalf("creating fixture %s/%s: %v", spec.app, spec.user, err)
		}
		fmt.Printf("  %s/%s: day %d, %v\n",
			spec.app, spec.user, spec.day, spec.segments)
	}

	stats, err := database.GetStats(ctx)
	if err != nil {
		log.Fatalf("reading stats: %v", err)
	}
	fmt.Printf(
		"Fixture DB written to %s: %d sessions (%d open), %d page visits\n",
		*out, stats.SessionCount, stats.OpenSessionCount, stats.VisitCount,
	)
}

func createSessionFixture(
	ctx context.Context, svc *tracking.Service,
	spec sessionSpec, base time.Time,
) error {
	at := base.AddDate(0, 0, spec.day).Add(time.Duration(spec.hour) * time.Hour)
	cmd := tracking.Command{App: spec.app, User: spec.user}
	stamp := func(t time.Time) tracking.Command {
		c := cmd
		c.Time = t.Format("2006-01-02T15:04:05Z")
		return c
	}

	if _, err := svc.Start(ctx, stamp(at)); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	for i, minutes := range spec.segments {
		at = at.Add(time.Duration(minutes) * time.Minute)
		if i == len(spec.segments)-1 {
			break
		}
		var err error
		if i%2 == 0 {
			_, err = svc.Pause(ctx, stamp(at))
		} else {
			_, err = svc.Resume(ctx, stamp(at))
		}
		if err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
	}
	if !spec.open {
		if _, err := svc.End(ctx, stamp(at)); err != nil {
			return fmt.Errorf("end: %w", err)
		}
	}

	for i, page := range spec.pages {
		_, err := svc.RecordVisit(ctx, tracking.VisitInput{
			App:       spec.app,
			User:      spec.user,
			Page:      page,
			TimeSpent: 30 * (i + 1),
			Time:      stamp(at.Add(time.Duration(i) * time.Minute)).Time,
		})
		if err != nil {
			return fmt.Errorf("visit %s: %w", page, err)
		}
	}
	return nil
}
