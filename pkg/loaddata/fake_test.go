package loaddata

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
)

// fakeServer records what the sessions it hands out were asked to do.
type fakeServer struct {
	mu sync.Mutex

	columns  map[string][]Row // table -> SHOW COLUMNS result
	dialErr  error
	queryErr error
	execErr  error // returned for LOAD DATA statements
	affected int64

	dials    []ConnConfig
	opened   int
	closed   int
	execs    []string
	loaded   []string // batch file content seen by LOAD DATA
	register []string
}

func newFakeServer() *fakeServer {
	return &fakeServer{columns: make(map[string][]Row)}
}

func (f *fakeServer) Dial(_ context.Context, conn ConnConfig) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, conn)
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	f.opened++
	return &fakeSession{srv: f, files: make(map[string]bool)}, nil
}

type fakeSession struct {
	srv   *fakeServer
	files map[string]bool
}

func (s *fakeSession) Query(_ context.Context, query string) ([]Row, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if s.srv.queryErr != nil {
		return nil, s.srv.queryErr
	}
	if table, ok := strings.CutPrefix(query, "SHOW COLUMNS FROM "); ok {
		table = strings.ReplaceAll(strings.Trim(table, "`"), "``", "`")
		rows, found := s.srv.columns[table]
		if !found {
			return nil, errors.New("Error 1146: Table '" + table + "' doesn't exist")
		}
		return rows, nil
	}
	return []Row{{"1": "1"}}, nil
}

func (s *fakeSession) Exec(_ context.Context, query string) (int64, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	s.srv.execs = append(s.srv.execs, query)

	if !strings.HasPrefix(query, "LOAD DATA") {
		return 0, nil
	}
	if s.srv.execErr != nil {
		return 0, s.srv.execErr
	}

	start := strings.Index(query, "'") + 1
	end := strings.Index(query[start:], "'") + start
	path := query[start:end]
	if !s.files[path] {
		return 0, errors.New("local file " + path + " is not registered")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s.srv.loaded = append(s.srv.loaded, string(data))
	if s.srv.affected > 0 {
		return s.srv.affected, nil
	}
	return int64(strings.Count(string(data), "\n")), nil
}

func (s *fakeSession) RegisterLocalFile(path string) func() {
	s.files[path] = true
	s.srv.mu.Lock()
	s.srv.register = append(s.srv.register, path)
	s.srv.mu.Unlock()
	return func() { delete(s.files, path) }
}

func (s *fakeSession) Close() error {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	s.srv.closed++
	return nil
}

func (f *fakeServer) balanced() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened == f.closed
}
