package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertOnFailureSpike(t *testing.T) {
	clock := newFakeClock()
	var alerts []AlertEvent
	c := newAlertCollector(func(ev AlertEvent) { alerts = append(alerts, ev) }, clock.Now)

	for i := 0; i < defaultFailureThreshold-1; i++ {
		c.recordEvent(AuditLoginFailure)
	}
	assert.Empty(t, alerts)

	c.recordEvent(AuditMFAFailure)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, alerts[0].Type)
	assert.Equal(t, defaultFailureThreshold, alerts[0].Count)

	c.recordEvent(AuditLoginFailure)
	assert.Len(t, alerts, 1, "window resets after an alert")
}

func TestAlertWindowExpires(t *testing.T) {
	clock := newFakeClock()
	fired := 0
	c := newAlertCollector(func(AlertEvent) { fired++ }, clock.Now)

	for i := 0; i < defaultExportThreshold-1; i++ {
		c.recordEvent(AuditSecretsExported)
	}
	clock.Advance(defaultExportWindow + time.Second)
	c.recordEvent(AuditSecretsExported)
	assert.Zero(t, fired)

	for i := 0; i < defaultExportThreshold-1; i++ {
		c.recordEvent(AuditSecretsExported)
	}
	assert.Equal(t, 1, fired)
}

func TestAlertIgnoresOtherEvents(t *testing.T) {
	fired := 0
	c := newAlertCollector(func(AlertEvent) { fired++ }, time.Now)
	for i := 0; i < 200; i++ {
		c.recordEvent(AuditLoginSuccess)
	}
	assert.Zero(t, fired)

	var nilCollector *alertCollector
	nilCollector.recordEvent(AuditLoginFailure)
}
