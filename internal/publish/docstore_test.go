package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	appconfig "maflow/config"
	"maflow/internal/aggregate"
	"maflow/internal/metric"
)

func testRecord() aggregate.PublishedRecord {
	return aggregate.Aggregate([]metric.StockMetric{{
		Symbol:          "SPY",
		Price:           450,
		MovingAverage:   440,
		DistancePercent: 2.27,
		DistanceAbs:     2.27,
		Direction:       metric.Above,
		NearMA:          true,
	}}, time.Second)
}

// fakeBin emulates the document store: PUT replaces the whole document, GET
// /latest returns it wrapped in a record envelope.
type fakeBin struct {
	mu       sync.Mutex
	document []byte
	puts     int
	apiKey   string
}

func (b *fakeBin) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Master-Key") != b.apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodPut:
			body, err := io.ReadAll(r.Body)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			b.mu.Lock()
			b.document = body
			b.puts++
			b.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			b.mu.Lock()
			doc := b.document
			b.mu.Unlock()
			if doc == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			fmt.Fprintf(w, `{"record":%s}`, doc)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func docStoreFor(url, key string) *DocStore {
	return NewDocStore(appconfig.DocStoreConfig{
		Enabled: true,
		BaseURL: url,
		BinID:   "bin1",
		APIKey:  key,
		Timeout: appconfig.Duration(5 * time.Second),
	})
}

func TestDocStoreRoundTrip(t *testing.T) {
	bin := &fakeBin{apiKey: "secret"}
	srv := httptest.NewServer(bin.handler(t))
	defer srv.Close()

	store := docStoreFor(srv.URL, "secret")
	record := testRecord()

	if err := store.Publish(context.Background(), record); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, err := store.Latest(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(got.Stocks) != 1 || got.Stocks[0].Symbol != "SPY" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Metadata.TotalCount != record.Metadata.TotalCount {
		t.Errorf("metadata mismatch: %+v", got.Metadata)
	}
}

func TestDocStorePublishIdempotent(t *testing.T) {
	bin := &fakeBin{apiKey: "secret"}
	srv := httptest.NewServer(bin.handler(t))
	defer srv.Close()

	store := docStoreFor(srv.URL, "secret")
	record := testRecord()

	if err := store.Publish(context.Background(), record); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	first, err := store.Latest(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}

	if err := store.Publish(context.Background(), record); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	second, err := store.Latest(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Error("republishing an identical record changed the readable state")
	}
}

func TestDocStoreAuthRejected(t *testing.T) {
	bin := &fakeBin{apiKey: "secret"}
	srv := httptest.NewServer(bin.handler(t))
	defer srv.Close()

	store := docStoreFor(srv.URL, "wrong-key")

	err := store.Publish(context.Background(), testRecord())
	var pe *PublishError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PublishError, got %v", err)
	}
	if pe.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", pe.StatusCode)
	}
}

func TestDocStoreFailureLeavesPreviousRecord(t *testing.T) {
	bin := &fakeBin{apiKey: "secret"}
	srv := httptest.NewServer(bin.handler(t))
	defer srv.Close()

	good := docStoreFor(srv.URL, "secret")
	if err := good.Publish(context.Background(), testRecord()); err != nil {
		t.Fatalf("seed publish: %v", err)
	}

	bad := docStoreFor(srv.URL, "wrong-key")
	if err := bad.Publish(context.Background(), aggregate.PublishedRecord{}); err == nil {
		t.Fatal("expected publish failure")
	}

	got, err := good.Latest(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(got.Stocks) != 1 {
		t.Error("failed publish disturbed the previously published record")
	}
}

func TestDocStoreQuotaExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	store := docStoreFor(srv.URL, "secret")
	err := store.Publish(context.Background(), testRecord())
	var pe *PublishError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PublishError, got %v", err)
	}
	if pe.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", pe.StatusCode)
	}
}
