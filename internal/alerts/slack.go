// Package alerts posts operational events (degraded responses, seed
// failures) to a Slack-compatible webhook.
package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type event struct {
	name     string
	detail   string
	at       time.Time
	attempts int
}

// Notifier delivers events through a bounded queue with dedupe, so a
// flapping upstream cannot flood the channel or block a request. A nil
// Notifier is valid and does nothing; callers never branch on whether
// alerting is configured.
type Notifier struct {
	webhookURL string
	hc         *http.Client
	queue      chan event
	window     time.Duration
	cancel     context.CancelFunc
	done       chan struct{}
	logger     *logrus.Logger

	mu     sync.Mutex
	dedupe map[string]time.Time
}

// New returns nil when webhookURL is empty.
func New(webhookURL string, dedupeWindow time.Duration, logger *logrus.Logger) *Notifier {
	if webhookURL == "" {
		return nil
	}
	if dedupeWindow <= 0 {
		dedupeWindow = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		webhookURL: webhookURL,
		hc:         &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan event, 100),
		window:     dedupeWindow,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger,
		dedupe:     make(map[string]time.Time),
	}
	go n.worker(ctx)
	return n
}

// Notify enqueues one event. Repeats of the same event and detail inside the
// dedupe window are dropped.
func (n *Notifier) Notify(name, detail string) {
	if n == nil {
		return
	}
	hash := dedupeHash(name, detail)
	now := time.Now()

	n.mu.Lock()
	if last, ok := n.dedupe[hash]; ok && now.Sub(last) < n.window {
		n.mu.Unlock()
		return
	}
	n.dedupe[hash] = now
	n.pruneLocked(now)
	n.mu.Unlock()

	select {
	case n.queue <- event{name: name, detail: detail, at: now}:
	default:
		n.logger.WithField("event", name).Warn("alert queue full, dropping event")
	}
}

// Close stops the worker. Events still queued are lost.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.cancel()
	<-n.done
}

// pruneLocked drops dedupe entries older than the window once the map grows.
func (n *Notifier) pruneLocked(now time.Time) {
	if len(n.dedupe) < 64 {
		return
	}
	cutoff := now.Add(-n.window)
	for hash, at := range n.dedupe {
		if at.Before(cutoff) {
			delete(n.dedupe, hash)
		}
	}
}

func dedupeHash(name, detail string) string {
	sum := sha256.Sum256([]byte(name + ":" + detail))
	return fmt.Sprintf("%x", sum)[:16]
}

func (n *Notifier) worker(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.queue:
			if ev.attempts > 0 {
				backoff := time.Duration(1<<ev.attempts) * time.Second
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
			}
			if err := n.post(ctx, ev); err != nil {
				ev.attempts++
				if ev.attempts >= 3 {
					n.logger.WithError(err).WithField("event", ev.name).Error("giving up on alert delivery")
					continue
				}
				select {
				case n.queue <- ev:
				default:
					n.logger.WithField("event", ev.name).Warn("alert queue full, dropping retry")
				}
			}
		}
	}
}

func (n *Notifier) post(ctx context.Context, ev event) error {
	detail := ev.detail
	if len(detail) > 1000 {
		detail = detail[:1000] + "..."
	}
	msg := SlackMessage{
		Text: fmt.Sprintf(":warning: price service: %s", ev.name),
		Attachments: []SlackAttachment{{
			Color: "warning",
			Fields: []SlackField{
				{Title: "Event", Value: ev.name, Short: true},
				{Title: "Time", Value: ev.at.UTC().Format(time.RFC3339), Short: true},
				{Title: "Detail", Value: detail},
			},
		}},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.hc.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
