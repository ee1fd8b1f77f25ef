package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/example/home-dispatch/internal/logging"
	"github.com/example/home-dispatch/internal/observability"
)

const (
	webhookTimeout  = 3 * time.Second
	webhookInFlight = 64
)

// WebhookPublisher forwards worker-group status changes to an external push
// notification service, reaching workers with no open socket. Delivery runs
// off the caller's path; Publish only queues.
type WebhookPublisher struct {
	Endpoint string
	Client   *http.Client
	Timeout  time.Duration

	logger *slog.Logger
	slots  chan struct{}
	wg     sync.WaitGroup
}

func NewWebhookPublisher(endpoint string, logger *slog.Logger) *WebhookPublisher {
	return &WebhookPublisher{
		Endpoint: endpoint,
		Client:   &http.Client{},
		Timeout:  webhookTimeout,
		logger:   logging.OrDefault(logger),
		slots:    make(chan struct{}, webhookInFlight),
	}
}

func (p *WebhookPublisher) Publish(_ context.Context, group Group, ev Event) error {
	if ev.Type != EventStatusChange || !strings.HasPrefix(string(group), "worker:") {
		return nil
	}
	b, err := json.Marshal(map[string]any{
		"worker_id": strings.TrimPrefix(string(group), "worker:"),
		"event":     ev,
	})
	if err != nil {
		return err
	}
	select {
	case p.slots <- struct{}{}:
	default:
		observability.PublishFailuresTotal.WithLabelValues("webhook_dropped").Inc()
		p.logger.Warn("webhook_dropped", "group", string(group), "request_id", ev.RequestID)
		return nil
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()
		ctx, cancel := context.WithTimeout(context.Background(), p.Timeout)
		defer cancel()
		if err := p.deliver(ctx, b); err != nil {
			observability.PublishFailuresTotal.WithLabelValues("webhook").Inc()
			p.logger.Warn("webhook_failed", "group", string(group), "request_id", ev.RequestID, "error", err)
		}
	}()
	return nil
}

func (p *WebhookPublisher) deliver(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push webhook: status %d", resp.StatusCode)
	}
	return nil
}

// Close waits for queued deliveries to finish or time out.
func (p *WebhookPublisher) Close() error {
	p.wg.Wait()
	return nil
}
