// Package ingest replays event scripts against a tracking service.
//
// A script has one directive per line, tokenized with shell rules
// so quoted arguments may contain spaces. '#' starts a comment.
//
//	start  <app> <user> <time>
//	pause  <app> <user> <time> [session_id]
//	resume <app> <user> <time> [session_id]
//	end    <app> <user> <time> [session_id]
//	visit  <app> <user> <page> <timespent> [time]
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/wesm/sessiontrack/internal/tracking"
)

// ErrSyntax is returned for malformed directives.
var ErrSyntax = errors.New("syntax error")

// Directive is one parsed script line.
type Directive struct {
	Line      int
	Op        string
	App       string
	User      string
	Time      string
	SessionID string
	Page      string
	TimeSpent int
}

// ParseLine parses one line. It returns nil for a blank or
// comment-only line.
func ParseLine(line string, n int) (*Directive, error) {
	fields, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("%w: line %d: %v", ErrSyntax, n, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	d := &Directive{Line: n, Op: strings.ToLower(fields[0])}
	args := fields[1:]
	switch d.Op {
	case "start":
		if len(args) != 3 {
			return nil, fmt.Errorf(
				"%w: line %d: start takes <app> <user> <time>", ErrSyntax, n,
			)
		}
		d.App, d.User, d.Time = args[0], args[1], args[2]
	case "pause", "resume", "end":
		if len(args) < 3 || len(args) > 4 {
			return nil, fmt.Errorf(
				"%w: line %d: %s takes <app> <user> <time> [session_id]",
				ErrSyntax, n, d.Op,
			)
		}
		d.App, d.User, d.Time = args[0], args[1], args[2]
		if len(args) == 4 {
			d.SessionID = args[3]
		}
	case "visit":
		if len(args) < 4 || len(args) > 5 {
			return nil, fmt.Errorf(
				"%w: line %d: visit takes <app> <user> <page> <timespent> [time]",
				ErrSyntax, n,
			)
		}
		d.App, d.User, d.Page = args[0], args[1], args[2]
		d.TimeSpent, err = strconv.Atoi(args[3])
		if err != nil {
			return nil, fmt.Errorf(
				"%w: line %d: timespent %q is not an integer", ErrSyntax, n, args[3],
			)
		}
		if len(args) == 5 {
			d.Time = args[4]
		}
	default:
		return nil, fmt.Errorf("%w: line %d: unknown directive %q", ErrSyntax, n, fields[0])
	}
	return d, nil
}

// Parse reads a whole script. The first malformed line aborts
// parsing so nothing from a broken file is applied.
func Parse(r io.Reader) ([]Directive, error) {
	lr := newLineReader(r, maxLineLen)
	var out []Directive
	for {
		line, n, ok := lr.next()
		if !ok {
			break
		}
		d, err := ParseLine(line, n)
		if err != nil {
			return nil, err
		}
		if d != nil {
			out = append(out, *d)
		}
	}
	if err := lr.Err(); err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	return out, nil
}

// Result summarizes one replay. LastLine is the line of the last
// directive applied or rejected, so a stopped replay can resume
// after it.
type Result struct {
	Applied  int
	Failed   int
	Errors   []error
	LastLine int
}

// Runner applies directives through a tracking.Service.
type Runner struct {
	svc *tracking.Service
}

// NewRunner creates a Runner for svc.
func NewRunner(svc *tracking.Service) *Runner {
	return &Runner{svc: svc}
}

// Run applies ds in order. A directive the service rejects is
// recorded and the replay continues. Caller cancellation or a
// retryable store failure stops it before that directive.
func (r *Runner) Run(ctx context.Context, ds []Directive) (Result, error) {
	var res Result
	for _, d := range ds {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := r.apply(ctx, d); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			err = fmt.Errorf("line %d (%s): %w", d.Line, d.Op, err)
			if tracking.Retryable(err) {
				return res, err
			}
			res.Failed++
			res.Errors = append(res.Errors, err)
		} else {
			res.Applied++
		}
		res.LastLine = d.Line
	}
	return res, nil
}

func (r *Runner) apply(ctx context.Context, d Directive) error {
	cmd := tracking.Command{
		App:       d.App,
		User:      d.User,
		SessionID: d.SessionID,
		Time:      d.Time,
	}
	var err error
	switch d.Op {
	case "start":
		_, err = r.svc.Start(ctx, cmd)
	case "pause":
		_, err = r.svc.Pause(ctx, cmd)
	case "resume":
		_, err = r.svc.Resume(ctx, cmd)
	case "end":
		_, err = r.svc.End(ctx, cmd)
	case "visit":
		_, err = r.svc.RecordVisit(ctx, tracking.VisitInput{
			App:       d.App,
			User:      d.User,
			Page:      d.Page,
			TimeSpent: d.TimeSpent,
			Time:      d.Time,
		})
	default:
		err = fmt.Errorf("%w: unknown directive %q", ErrSyntax, d.Op)
	}
	return err
}

// ImportFile parses and replays the script at path.
func (r *Runner) ImportFile(ctx context.Context, path string) (Result, error) {
	return r.ImportFileFrom(ctx, path, 0)
}

// ImportFileFrom is ImportFile skipping every directive on or
// before line after.
func (r *Runner) ImportFileFrom(
	ctx context.Context, path string, after int,
) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("opening script: %w", err)
	}
	defer f.Close()

	ds, err := Parse(f)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", path, err)
	}
	for len(ds) > 0 && ds[0].Line <= after {
		ds = ds[1:]
	}
	res, err := r.Run(ctx, ds)
	if res.LastLine == 0 {
		res.LastLine = after
	}
	for _, e := range res.Errors {
		log.Printf("import %s: %v", path, e)
	}
	return res, err
}
