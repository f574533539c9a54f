package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appconfig "maflow/config"
	"maflow/internal/aggregate"
	"maflow/logger"
)

// DocStore publishes to a key-addressed JSON document store over HTTP
// (JSONBin-compatible API). The whole record is replaced with a single PUT so
// readers never see a partial update.
type DocStore struct {
	baseURL string
	binID   string
	apiKey  string
	client  *http.Client
	log     *logger.Log
}

// NewDocStore builds the client from the document store configuration.
func NewDocStore(cfg appconfig.DocStoreConfig) *DocStore {
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &DocStore{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		binID:   cfg.BinID,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		log:     logger.GetLogger(),
	}
}

// Publish replaces the stored document with the serialized record.
func (d *DocStore) Publish(ctx context.Context, record aggregate.PublishedRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return &PublishError{Err: fmt.Errorf("serialize record: %w", err)}
	}

	url := fmt.Sprintf("%s/v3/b/%s", d.baseURL, d.binID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return &PublishError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Master-Key", d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		logger.IncrementStoreFailure()
		return &PublishError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.IncrementStoreFailure()
		return &PublishError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("document store rejected replace: %s", statusReason(resp.StatusCode)),
		}
	}

	logger.IncrementStoreWrite(int64(len(body)))
	d.log.WithComponent("docstore").WithFields(logger.Fields{
		"bin":    d.binID,
		"bytes":  len(body),
		"stocks": record.Metadata.TotalCount,
	}).Info("record published")
	return nil
}

// Latest fetches the current document. The store wraps the stored value in a
// "record" envelope.
func (d *DocStore) Latest(ctx context.Context) (*aggregate.PublishedRecord, error) {
	url := fmt.Sprintf("%s/v3/b/%s/latest", d.baseURL, d.binID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Master-Key", d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &PublishError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("document store read failed: %s", statusReason(resp.StatusCode)),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Record aggregate.PublishedRecord `json:"record"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("malformed store document: %w", err)
	}
	return &envelope.Record, nil
}

func statusReason(code int) string {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "auth rejected"
	case http.StatusTooManyRequests:
		return "quota exceeded"
	default:
		return http.StatusText(code)
	}
}
