// Package notify sends a webhook message when a run finds enough tickers
// sitting near their moving average.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	appconfig "maflow/config"
	"maflow/internal/aggregate"
	"maflow/logger"
)

const defaultEndpoint = "https://api.callmebot.com/whatsapp.php"

// Webhook posts a short summary to a CallMeBot-style endpoint. A cooldown
// suppresses repeat alerts so back-to-back runs do not spam the recipient.
type Webhook struct {
	cfg      appconfig.NotifyConfig
	endpoint string
	client   *http.Client
	log      *logger.Log
	now      func() time.Time

	mu       sync.Mutex
	lastSent time.Time
}

func NewWebhook(cfg appconfig.NotifyConfig) *Webhook {
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		cfg:      cfg,
		endpoint: defaultEndpoint,
		client:   &http.Client{Timeout: timeout},
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

// RunCompleted alerts when the near-MA count reaches the configured threshold.
// Delivery failures are logged, never propagated; the published snapshot is
// already safe by the time this runs.
func (w *Webhook) RunCompleted(ctx context.Context, record aggregate.PublishedRecord) {
	if !w.cfg.Enabled {
		return
	}
	log := w.log.WithComponent("notify")

	if float64(record.Metadata.NearMACount) < w.cfg.Threshold {
		return
	}

	w.mu.Lock()
	since := w.now().Sub(w.lastSent)
	cooldown := w.cfg.Cooldown.Std()
	if !w.lastSent.IsZero() && since < cooldown {
		w.mu.Unlock()
		log.WithFields(logger.Fields{
			"since_last": since.String(),
			"cooldown":   cooldown.String(),
		}).Debug("alert suppressed by cooldown")
		return
	}
	w.lastSent = w.now()
	w.mu.Unlock()

	text := fmt.Sprintf("MA-150 watch: %d of %d tickers near their moving average",
		record.Metadata.NearMACount, record.Metadata.TotalCount)

	if err := w.send(ctx, text); err != nil {
		log.WithError(err).Warn("alert delivery failed")
		return
	}
	log.WithFields(logger.Fields{"near_ma": record.Metadata.NearMACount}).Info("alert sent")
}

func (w *Webhook) send(ctx context.Context, text string) error {
	q := url.Values{}
	q.Set("phone", w.cfg.Phone)
	q.Set("apikey", w.cfg.APIKey)
	q.Set("text", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
