package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/sessiontrack/internal/auth"
	"github.com/wesm/sessiontrack/internal/config"
	"github.com/wesm/sessiontrack/internal/db"
	"github.com/wesm/sessiontrack/internal/tracking"
)

// isolate points HOME and the data dir at fresh temp dirs.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	dataDir := t.TempDir()
	t.Setenv("SESSIONTRACK_DATA_DIR", dataDir)
	return dataDir
}

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantHost string
		wantPort int
		wantDB   string
	}{
		{
			name:     "DefaultArgs",
			args:     []string{},
			wantHost: "127.0.0.1",
			wantPort: 8080,
			wantDB:   "sessions.db",
		},
		{
			name:     "ExplicitFlags",
			args:     []string{"--host", "0.0.0.0", "--port", "9090"},
			wantHost: "0.0.0.0",
			wantPort: 9090,
			wantDB:   "sessions.db",
		},
		{
			name:     "DBPathFlag",
			args:     []string{"--db-path", "custom.db"},
			wantHost: "127.0.0.1",
			wantPort: 8080,
			wantDB:   "custom.db",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataDir := isolate(t)
			cmd := newServeCmd()
			if err := cmd.ParseFlags(tt.args); err != nil {
				t.Fatalf("ParseFlags: %v", err)
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				t.Fatalf("loadConfig: %v", err)
			}

			if cfg.Host != tt.wantHost {
				t.Errorf("Host = %q, want %q", cfg.Host, tt.wantHost)
			}
			if cfg.Port != tt.wantPort {
				t.Errorf("Port = %d, want %d", cfg.Port, tt.wantPort)
			}
			if filepath.Base(cfg.DBPath) != tt.wantDB {
				t.Errorf("DBPath = %q, want base %q", cfg.DBPath, tt.wantDB)
			}
			if cfg.DataDir != dataDir {
				t.Errorf("DataDir = %q, want %q", cfg.DataDir, dataDir)
			}
			if _, err := os.Stat(cfg.DataDir); err != nil {
				t.Errorf("data dir not created: %v", err)
			}
		})
	}
}

func TestLoadConfigRejectsMongoWithoutURL(t *testing.T) {
	isolate(t)
	cmd := newServeCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--store", "mongo"}))
	_, err := loadConfig(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongo_url")
}

func TestVersionCmd(t *testing.T) {
	out, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "sessiontrack dev")
}

func TestParsePruneDate(t *testing.T) {
	got, err := parsePruneDate("2024-01-15")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), got)

	_, err = parsePruneDate("")
	assert.ErrorContains(t, err, "--before is required")

	_, err = parsePruneDate("01/15/2024")
	assert.ErrorContains(t, err, "YYYY-MM-DD")
}

// seedStore opens a store with one ended and one open session plus
// two page visits, straddling 2024-01-15.
func seedStore(t *testing.T, path string) *db.DB {
	t.Helper()
	d, err := db.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	ctx := context.Background()
	svc := tracking.NewService(d)
	_, err = svc.Start(ctx, tracking.Command{
		App: "web", User: "alice", Time: "2024-01-10T09:00:00Z",
	})
	require.NoError(t, err)
	_, err = svc.End(ctx, tracking.Command{
		App: "web", User: "alice", Time: "2024-01-10T09:30:00Z",
	})
	require.NoError(t, err)
	_, err = svc.Start(ctx, tracking.Command{
		App: "web", User: "bob", Time: "2024-01-10T10:00:00Z",
	})
	require.NoError(t, err)
	for _, ts := range []string{"2024-01-10T09:05:00Z", "2024-01-20T09:05:00Z"} {
		_, err = svc.RecordVisit(ctx, tracking.VisitInput{
			App: "web", User: "alice", Page: "/home", TimeSpent: 30, Time: ts,
		})
		require.NoError(t, err)
	}
	return d
}

func countAll(t *testing.T, d *db.DB) (sessions, visits int) {
	t.Helper()
	ctx := context.Background()
	ss, err := d.QuerySessions(ctx, "web", "all", nil)
	require.NoError(t, err)
	vs, err := d.QueryVisits(ctx, "web", "all", nil)
	require.NoError(t, err)
	return len(ss), len(vs)
}

func TestPruner(t *testing.T) {
	before := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		cfg          PruneConfig
		input        string
		wantOut      []string
		wantSessions int
		wantVisits   int
	}{
		{
			name:         "dry run",
			cfg:          PruneConfig{Before: before, DryRun: true},
			wantOut:      []string{"Found 1 ended sessions and 1 page visits", "Dry run"},
			wantSessions: 2,
			wantVisits:   2,
		},
		{
			name:         "declined",
			cfg:          PruneConfig{Before: before},
			input:        "n\n",
			wantOut:      []string{"[y/N]", "Aborted."},
			wantSessions: 2,
			wantVisits:   2,
		},
		{
			name:         "confirmed",
			cfg:          PruneConfig{Before: before},
			input:        "yes\n",
			wantOut:      []string{"Deleted 1 sessions and 1 page visits"},
			wantSessions: 1,
			wantVisits:   1,
		},
		{
			name:         "yes flag",
			cfg:          PruneConfig{Before: before, Yes: true},
			wantOut:      []string{"Deleted 1 sessions"},
			wantSessions: 1,
			wantVisits:   1,
		},
		{
			name:         "nothing to prune",
			cfg:          PruneConfig{Before: before.AddDate(0, 0, -30), Yes: true},
			wantOut:      []string{"Found 0 ended sessions and 0 page visits"},
			wantSessions: 2,
			wantVisits:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := seedStore(t, filepath.Join(t.TempDir(), "test.db"))
			var out bytes.Buffer
			p := &Pruner{Store: d, Out: &out, In: strings.NewReader(tt.input)}

			require.NoError(t, p.Prune(context.Background(), tt.cfg))
			for _, want := range tt.wantOut {
				assert.Contains(t, out.String(), want)
			}
			sessions, visits := countAll(t, d)
			assert.Equal(t, tt.wantSessions, sessions, "sessions")
			assert.Equal(t, tt.wantVisits, visits, "visits")
		})
	}
}

func TestPruneCmd(t *testing.T) {
	dataDir := isolate(t)
	dbPath := filepath.Join(dataDir, "sessions.db")
	d := seedStore(t, dbPath)

	out, err := executeCLI(t, "prune", "--before", "2024-01-15", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 1 sessions and 1 page visits")

	sessions, visits := countAll(t, d)
	assert.Equal(t, 1, sessions)
	assert.Equal(t, 1, visits)

	_, err = executeCLI(t, "prune")
	assert.ErrorContains(t, err, "--before is required")
}

func TestImportCmd(t *testing.T) {
	dataDir := isolate(t)
	script := filepath.Join(t.TempDir(), "events.txt")
	require.NoError(t, os.WriteFile(script, []byte(`
start web alice 2024-01-15T09:00:00Z
end   web alice 2024-01-15T09:10:00Z
end   web alice 2024-01-15T09:20:00Z
`), 0o644))

	out, err := executeCLI(t, "import", script)
	require.NoError(t, err)
	assert.Contains(t, out, "2 applied, 1 failed")

	_, err = executeCLI(t, "import", "--strict", script)
	assert.ErrorContains(t, err, "directives failed")

	d, err := db.Open(filepath.Join(dataDir, "sessions.db"))
	require.NoError(t, err)
	defer d.Close()
	sessions, err := d.QuerySessions(context.Background(), "web", "alice", nil)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, 600.0, sessions[0].TotalActiveTime)
}

func TestTokenCmd(t *testing.T) {
	isolate(t)
	out, err := executeCLI(t, "token", "carol", "--ttl", "1h")
	require.NoError(t, err)

	cfg, err := config.Load(nil)
	require.NoError(t, err)
	id, err := auth.New(cfg.JWTSecret,
		auth.WithAllowUnverified(false),
	).Authenticate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "carol", id.User)
	assert.True(t, id.Verified)

	_, err = executeCLI(t, "token", "carol", "--ttl", "0s")
	assert.ErrorContains(t, err, "--ttl must be positive")
}

func TestTokenCmdDataDirFlag(t *testing.T) {
	isolate(t)
	dataDir := t.TempDir()
	out, err := executeCLI(t, "token", "alice", "--ttl", "1h", "--data-dir", dataDir)
	require.NoError(t, err)

	t.Setenv("SESSIONTRACK_DATA_DIR", dataDir)
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	id, err := auth.New(cfg.JWTSecret).Authenticate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", id.User)
	assert.True(t, id.Verified)
	require.NotNil(t, id.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *id.ExpiresAt, time.Minute)
}
