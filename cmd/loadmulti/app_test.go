package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/ruslano69/loadmulti/pkg/brokers"
	"github.com/ruslano69/loadmulti/pkg/config"
	"github.com/ruslano69/loadmulti/pkg/loaddata"
	"github.com/ruslano69/loadmulti/pkg/resilience"
	"github.com/ruslano69/loadmulti/pkg/retry"
)

// fakeMySQL answers SHOW COLUMNS and captures every loaded batch file.
type fakeMySQL struct {
	mu      sync.Mutex
	loadErr error
	loads   []string // statements
	rows    int
}

func (f *fakeMySQL) Dial(ctx context.Context, conn loaddata.ConnConfig) (loaddata.Session, error) {
	return &fakeSession{srv: f}, nil
}

type fakeSession struct{ srv *fakeMySQL }

func (s *fakeSession) Query(ctx context.Context, query string) ([]loaddata.Row, error) {
	if strings.HasPrefix(query, "SHOW COLUMNS FROM ") {
		return []loaddata.Row{
			{"Field": "host", "Type": "varchar(4)"},
			{"Field": "path", "Type": "text"},
		}, nil
	}
	return []loaddata.Row{{"1": "1"}}, nil
}

func (s *fakeSession) Exec(ctx context.Context, query string) (int64, error) {
	if !strings.HasPrefix(query, "LOAD DATA") {
		return 0, nil
	}
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if s.srv.loadErr != nil {
		return 0, s.srv.loadErr
	}

	start := strings.Index(query, "'") + 1
	end := strings.Index(query[start:], "'") + start
	data, err := os.ReadFile(query[start:end])
	if err != nil {
		return 0, err
	}
	n := strings.Count(string(data), "\n")
	s.srv.loads = append(s.srv.loads, query)
	s.srv.rows += n
	return int64(n), nil
}

func (s *fakeSession) RegisterLocalFile(path string) func() { return func() {} }
func (s *fakeSession) Close() error                         { return nil }

const events = `{"tag":"app.access","time":1700000000,"record":{"host":"web1","path":"/a"}}
{"tag":"app.access","time":1700000001,"record":{"host":"web2","path":"/b"}}

not json
{"tag":"app.access","time":1700000002,"record":{"host":"web3-long","path":"/c"}}
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	data := `
name: test
mysql:
  database: logs
  tablename: access_log
  column_names: host, path
  time_zone: UTC
  tmp_dir: ` + dir + `
buffer:
  chunk_limit_records: 2
  flush_interval: 1h
retry:
  max_attempts: 2
  initial_delay: 1ms
  max_delay: 2ms
  dlq:
    enabled: true
    path: ` + filepath.Join(dir, "dlq.json") + `
server:
  enabled: false
`
	cfg, err := config.Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return cfg
}

func runApp(t *testing.T, cfg *config.Config, db *fakeMySQL) *app {
	t.Helper()
	src := brokers.NewReaderSource(strings.NewReader(events), "default", zerolog.Nop())
	a, err := newApp(context.Background(), cfg, db, src, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	if err := a.run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if err := a.shutdown(5 * time.Second); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	return a
}

func TestApp_LoadsEveryEvent(t *testing.T) {
	db := &fakeMySQL{}
	a := runApp(t, testConfig(t), db)

	if len(db.loads) != 2 {
		t.Fatalf("Expected 2 loads (limit flush + shutdown flush), got %d", len(db.loads))
	}
	if db.rows != 3 {
		t.Errorf("Expected 3 rows loaded, got %d", db.rows)
	}
	if !strings.HasSuffix(db.loads[0], "INTO TABLE access_log (host,path)") {
		t.Errorf("Unexpected statement %s", db.loads[0])
	}

	stats := a.buffer.Stats()
	if stats.Emitted != 3 || stats.FlushedRecords != 3 || stats.DeadLettered != 0 {
		t.Errorf("Unexpected buffer stats %+v", stats)
	}
}

func TestApp_UnrecoverableErrorIsDeadLettered(t *testing.T) {
	db := &fakeMySQL{loadErr: &mysql.MySQLError{Number: 1045, Message: "Access denied for user 'loader'"}}
	a := runApp(t, testConfig(t), db)

	if a.buffer.Stats().DeadLettered != 2 {
		t.Errorf("Expected both chunks dead lettered, got %+v", a.buffer.Stats())
	}
	if a.buffer.Stats().Retries != 0 {
		t.Errorf("Expected no retries for access denied, got %d", a.buffer.Stats().Retries)
	}
	if a.breaker.State() != resilience.StateClosed {
		t.Errorf("Access denied must not open the circuit, got %v", a.breaker.State())
	}

	entries := a.retryer.DLQ().Get()
	if len(entries) != 2 || entries[0].FailureType != retry.FailureNonRetryable {
		t.Errorf("Unexpected DLQ entries %+v", entries)
	}
}

func TestRunCheck_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.MySQL.ColumnNames = ""
	if err := runCheck(context.Background(), cfg); err == nil {
		t.Error("Expected an error for an empty column list")
	}
}
