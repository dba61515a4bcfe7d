package api

import (
	"log/slog"
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertBulkExport        AlertType = "bulk_export"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

func logAlert(logger *slog.Logger) AlertFunc {
	return func(ev AlertEvent) {
		logger.Warn("security alert",
			"alert", string(ev.Type),
			"message", ev.Message,
			"count", ev.Count,
			"threshold", ev.Threshold,
		)
	}
}

const (
	defaultFailureWindow    = time.Minute
	defaultFailureThreshold = 50
	defaultExportWindow     = 5 * time.Minute
	defaultExportThreshold  = 10
)

// slidingWindow counts events within the trailing window.
type slidingWindow struct {
	times     []time.Time
	window    time.Duration
	threshold int
}

// add records an event at now and reports the count if the threshold was
// reached, resetting the window so one spike raises one alert.
func (s *slidingWindow) add(now time.Time) (int, bool) {
	s.times = append(trimWindow(s.times, now, s.window), now)
	if len(s.times) < s.threshold {
		return 0, false
	}
	n := len(s.times)
	s.times = s.times[:0]
	return n, true
}

// alertCollector watches audit events for failure spikes and bulk exports.
type alertCollector struct {
	mu       sync.Mutex
	failures slidingWindow
	exports  slidingWindow
	alertFn  AlertFunc
	now      func() time.Time
}

func newAlertCollector(alertFn AlertFunc, now func() time.Time) *alertCollector {
	return &alertCollector{
		failures: slidingWindow{window: defaultFailureWindow, threshold: defaultFailureThreshold},
		exports:  slidingWindow{window: defaultExportWindow, threshold: defaultExportThreshold},
		alertFn:  alertFn,
		now:      now,
	}
}

func (c *alertCollector) recordEvent(event AuditEvent) {
	if c == nil || c.alertFn == nil {
		return
	}
	var (
		w    *slidingWindow
		typ  AlertType
		text string
	)
	switch event {
	case AuditLoginFailure, AuditMFAFailure, AuditSetupFailure:
		w, typ, text = &c.failures, AlertLoginFailureSpike, "authentication failure rate exceeds threshold"
	case AuditSecretsExported:
		w, typ, text = &c.exports, AlertBulkExport, "secret export rate exceeds threshold"
	default:
		return
	}

	c.mu.Lock()
	now := c.now()
	count, fire := w.add(now)
	threshold := w.threshold
	c.mu.Unlock()

	if fire {
		c.alertFn(AlertEvent{
			Type:      typ,
			Message:   text,
			Count:     count,
			Threshold: threshold,
			Timestamp: now,
		})
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
