package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "maflow/config"
	"maflow/internal/aggregate"
	"maflow/internal/metric"
)

type fakeStore struct {
	mu     sync.Mutex
	record *aggregate.PublishedRecord
	err    error
	reads  int
}

func (f *fakeStore) Publish(ctx context.Context, record aggregate.PublishedRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record = &record
	return nil
}

func (f *fakeStore) Latest(ctx context.Context) (*aggregate.PublishedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.record, f.err
}

func snapshot(total, near int) *aggregate.PublishedRecord {
	rec := aggregate.Aggregate([]metric.StockMetric{{
		Symbol: "SPY", Price: 450, MovingAverage: 440,
		DistancePercent: 2.27, DistanceAbs: 2.27,
		Direction: metric.Above, NearMA: true,
	}}, time.Second)
	rec.Metadata.TotalCount = total
	rec.Metadata.NearMACount = near
	return &rec
}

func testServer(store *fakeStore) *Server {
	cfg := &appconfig.Config{}
	cfg.Universe.Base = []string{"SPY", "QQQ"}
	cfg.Universe.Custom = []string{"IOZ"}
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Server.CacheTTL = appconfig.Duration(time.Hour)
	return New(cfg, store, func() string { return "IDLE" })
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(&fakeStore{})
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v", body["status"])
	}
	if body["pipeline_state"] != "IDLE" {
		t.Errorf("pipeline_state = %v", body["pipeline_state"])
	}
}

func TestTickersEndpoint(t *testing.T) {
	s := testServer(&fakeStore{})
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	get := func(url string) []string {
		t.Helper()
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var body struct {
			Tickers []string `json:"tickers"`
			Count   int      `json:"count"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Count != len(body.Tickers) {
			t.Errorf("count %d does not match %d tickers", body.Count, len(body.Tickers))
		}
		return body.Tickers
	}

	all := get(srv.URL + "/api/tickers")
	if len(all) != 3 {
		t.Errorf("tickers = %v, want base plus custom", all)
	}
	baseOnly := get(srv.URL + "/api/tickers?include_custom=false")
	if len(baseOnly) != 2 {
		t.Errorf("tickers = %v, want base only", baseOnly)
	}
}

func TestStocksEndpointBeforeFirstRun(t *testing.T) {
	s := testServer(&fakeStore{})
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/stocks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStocksEndpointServesSnapshot(t *testing.T) {
	store := &fakeStore{record: snapshot(100, 7)}
	s := testServer(store)
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/stocks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var rec aggregate.PublishedRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Metadata.TotalCount != 100 || len(rec.Stocks) != 1 {
		t.Errorf("unexpected snapshot: %+v", rec.Metadata)
	}
}

func TestStatisticsEndpoint(t *testing.T) {
	store := &fakeStore{record: snapshot(100, 7)}
	s := testServer(store)
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/statistics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var meta aggregate.RunMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if meta.NearMACount != 7 {
		t.Errorf("near_ma_count = %d, want 7", meta.NearMACount)
	}
}

func TestCacheShieldsStore(t *testing.T) {
	store := &fakeStore{record: snapshot(100, 7)}
	s := testServer(store)
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	for i := 0; i < 5; i++ {
		resp, err := http.Get(srv.URL + "/api/stocks")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
	}
	if store.reads != 1 {
		t.Errorf("store read %d times for 5 requests, want 1", store.reads)
	}
}

func TestRunCompletedRefreshesCache(t *testing.T) {
	store := &fakeStore{record: snapshot(100, 7), err: errors.New("store down")}
	s := testServer(store)
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	s.RunCompleted(context.Background(), *snapshot(200, 9))

	resp, err := http.Get(srv.URL + "/api/stocks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 from cache with store down", resp.StatusCode)
	}

	var rec aggregate.PublishedRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Metadata.TotalCount != 200 {
		t.Errorf("total = %d, want the pushed snapshot", rec.Metadata.TotalCount)
	}
}

func TestStreamPushesSnapshots(t *testing.T) {
	store := &fakeStore{}
	s := testServer(store)
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.run(ctx)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Let the subscriber register before broadcasting.
	time.Sleep(50 * time.Millisecond)
	s.RunCompleted(context.Background(), *snapshot(42, 3))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var rec aggregate.PublishedRecord
	if err := conn.ReadJSON(&rec); err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.Metadata.TotalCount != 42 {
		t.Errorf("streamed total = %d, want 42", rec.Metadata.TotalCount)
	}
}

func TestStreamSubscribeDuringBroadcastStorm(t *testing.T) {
	store := &fakeStore{record: snapshot(1, 0)}
	s := testServer(store)
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.run(ctx)

	// Broadcast continuously while clients connect, so writes from the hub
	// overlap the handshake window where the handler sends the initial
	// snapshot.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return
			default:
				s.RunCompleted(context.Background(), *snapshot(i+2, 0))
				time.Sleep(time.Millisecond)
			}
		}
	}()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream"
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer conn.Close()
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			var rec aggregate.PublishedRecord
			if err := conn.ReadJSON(&rec); err != nil {
				t.Errorf("read: %v", err)
				return
			}
			if rec.Metadata.TotalCount < 1 {
				t.Errorf("unexpected snapshot: %+v", rec.Metadata)
			}
		}()
	}
	wg.Wait()
	cancel()
	<-done
}
