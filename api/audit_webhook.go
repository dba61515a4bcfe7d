package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	webhookQueueSize  = 512
	webhookTimeout    = 5 * time.Second
	webhookRetryDelay = time.Second
)

// webhookEvent is the JSON body POSTed for each audit event.
type webhookEvent struct {
	Event      string            `json:"event"`
	Username   string            `json:"username,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Path       string            `json:"path,omitempty"`
	Time       time.Time         `json:"time"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// auditWebhook forwards audit events to an HTTP collector. Delivery is
// best effort: a full queue drops the event.
type auditWebhook struct {
	url        string
	header     string
	value      string
	client     *http.Client
	retryDelay time.Duration
	logger     *slog.Logger

	events    chan webhookEvent
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// newAuditWebhook starts a dispatcher for url. header, when set, has the
// form "Name: value" and is added to every request.
func newAuditWebhook(url, header string, logger *slog.Logger) *auditWebhook {
	w := &auditWebhook{
		url:        url,
		client:     &http.Client{Timeout: webhookTimeout},
		retryDelay: webhookRetryDelay,
		logger:     logger,
		events:     make(chan webhookEvent, webhookQueueSize),
	}
	if name, value, ok := strings.Cut(header, ":"); ok {
		w.header = strings.TrimSpace(name)
		w.value = strings.TrimSpace(value)
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *auditWebhook) enqueue(ev webhookEvent) {
	if w == nil {
		return
	}
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("audit webhook queue full, dropping event", "event", ev.Event)
	}
}

// close stops accepting events and waits for queued ones to be sent.
func (w *auditWebhook) close() {
	if w == nil {
		return
	}
	w.closeOnce.Do(func() {
		close(w.events)
		w.wg.Wait()
	})
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	for ev := range w.events {
		w.send(ev)
	}
}

// send POSTs ev, retrying once on a transport error or 5xx.
func (w *auditWebhook) send(ev webhookEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		w.logger.Warn("audit webhook marshal failed", "error", err)
		return
	}
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			time.Sleep(w.retryDelay)
		}
		status, err := w.post(body)
		switch {
		case err != nil:
			w.logger.Warn("audit webhook request failed", "error", err, "attempt", attempt)
		case status >= 500:
			w.logger.Warn("audit webhook server error", "status", status, "attempt", attempt)
		case status >= 400:
			w.logger.Warn("audit webhook rejected event", "status", status, "event", ev.Event)
			return
		default:
			return
		}
	}
}

func (w *auditWebhook) post(body []byte) (int, error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "gatehouse-audit/1")
	if w.header != "" {
		req.Header.Set(w.header, w.value)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// webhookEventFrom flattens slog attributes into the webhook payload.
func webhookEventFrom(event AuditEvent, r *http.Request, at time.Time, attrs []slog.Attr) webhookEvent {
	ev := webhookEvent{
		Event:      string(event),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
		Time:       at.UTC(),
	}
	for _, a := range attrs {
		if a.Key == "username" {
			ev.Username = a.Value.String()
			continue
		}
		if ev.Attrs == nil {
			ev.Attrs = make(map[string]string)
		}
		ev.Attrs[a.Key] = a.Value.String()
	}
	return ev
}
