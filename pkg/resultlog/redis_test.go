package resultlog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/ruslano69/loadmulti/pkg/loaddata"
)

func newTestPublisher(t *testing.T, ttl time.Duration) (*RedisPublisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	p := NewRedisPublisher(Config{Enabled: true, Address: mr.Addr(), TTL: ttl}, "sink", zerolog.Nop())
	t.Cleanup(func() { p.Close() })
	return p, mr
}

func testResult() *loaddata.Result {
	return &loaddata.Result{
		ChunkID:     "c1",
		Destination: loaddata.Destination{Database: "logs", Table: "access_log_web"},
		LoadedTable: "access_log",
		Records:     10,
		State:       loaddata.StateReport,
		Duration:    1500 * time.Millisecond,
	}
}

func TestPublish_SetsStateKey(t *testing.T) {
	p, mr := newTestPublisher(t, time.Minute)

	if err := p.Publish(context.Background(), testResult(), nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	key := StateKey("sink", "access_log_web")
	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("Expected key %s: %v", key, err)
	}

	var got WriteResult
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "success" || got.Records != 10 || got.DurationMs != 1500 || got.Error != nil {
		t.Errorf("Unexpected payload %+v", got)
	}
	if ttl := mr.TTL(key); ttl != time.Minute {
		t.Errorf("Expected TTL 1m, got %v", ttl)
	}
}

func TestPublish_Failure(t *testing.T) {
	p, mr := newTestPublisher(t, 0)

	if err := p.Publish(context.Background(), testResult(), errors.New("execute_load: refused")); err != nil {
		t.Fatal(err)
	}

	raw, _ := mr.Get(StateKey("sink", "access_log_web"))
	var got WriteResult
	json.Unmarshal([]byte(raw), &got)
	if got.Status != "failed" || got.Error == nil || *got.Error != "execute_load: refused" {
		t.Errorf("Unexpected payload %+v", got)
	}
	if ttl := mr.TTL(StateKey("sink", "access_log_web")); ttl != 0 {
		t.Errorf("Expected no TTL, got %v", ttl)
	}
}

func TestPublish_PubSub(t *testing.T) {
	p, _ := newTestPublisher(t, 0)

	sub := p.client.Subscribe(context.Background(), Channel("sink"))
	defer sub.Close()
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	p.ReportWrite(context.Background(), testResult(), nil)

	select {
	case msg := <-sub.Channel():
		var got WriteResult
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatal(err)
		}
		if got.ChunkID != "c1" {
			t.Errorf("Expected chunk c1, got %s", got.ChunkID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No message published")
	}
}

func TestReportWrite_ServerDown(t *testing.T) {
	p, mr := newTestPublisher(t, 0)
	p.config.Timeout = 100 * time.Millisecond
	mr.Close()

	// не должно паниковать или блокироваться дольше таймаута
	done := make(chan struct{})
	go func() {
		p.ReportWrite(context.Background(), testResult(), nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ReportWrite blocked")
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{Enabled: true}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error without address")
	}
	cfg.Address = "localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Timeout != 2*time.Second {
		t.Errorf("Expected default timeout, got %v", cfg.Timeout)
	}
}
