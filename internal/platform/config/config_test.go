package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadCoordinatorAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
marketplace:
  id: market-1
`)
	cfg, err := LoadCoordinator(path)
	require.NoError(t, err)

	assert.Equal(t, "market-1", cfg.Marketplace.ID)
	assert.Equal(t, 5555, cfg.Marketplace.Router.Port)
	assert.Equal(t, 5000, cfg.Request.Timeout.MS)
	assert.Equal(t, 60, cfg.Saga.Timeout.Seconds)
	assert.Equal(t, 10, cfg.Saga.Processing.Threads)
	assert.Equal(t, "./data/sagas", cfg.Saga.State.Directory)
	assert.Equal(t, 4, cfg.Retry.Max.Attempts)
	assert.Equal(t, 1000, cfg.Retry.Base.Delay.MS)
	assert.Equal(t, 2.0, cfg.Retry.Backoff.Multiplier)
	assert.Equal(t, 30000, cfg.Retry.Max.Delay.MS)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "fulfillment.events", cfg.MQ.Exchange)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadCoordinatorHonorsExplicitValues(t *testing.T) {
	path := writeTempConfig(t, `
marketplace:
  id: market-1
  router:
    port: 7000
saga:
  processing:
    threads: 20
`)
	cfg, err := LoadCoordinator(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Marketplace.Router.Port)
	assert.Equal(t, 20, cfg.Saga.Processing.Threads)
}

func TestLoadCoordinatorRejectsMissingID(t *testing.T) {
	path := writeTempConfig(t, `marketplace: {}`)
	_, err := LoadCoordinator(path)
	assert.Error(t, err)
}

func TestLoadCoordinatorRejectsMQEnabledWithoutURL(t *testing.T) {
	path := writeTempConfig(t, `
marketplace:
  id: market-1
mq:
  enabled: true
`)
	_, err := LoadCoordinator(path)
	assert.Error(t, err)
}

func TestLoadSellerAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
identity:
  seller_id: seller-1
  coordinator:
    addr: 127.0.0.1:5555
`)
	cfg, err := LoadSeller(path)
	require.NoError(t, err)

	assert.Equal(t, "seller-1", cfg.Identity.SellerID)
	assert.Equal(t, 5*60*1000, cfg.Reservation.Timeout.MS)
	assert.Equal(t, 60, cfg.Cleanup.Interval.Seconds)
	assert.Equal(t, 30*60*1000, cfg.Idempotency.Retention.Time.MS)
	assert.Equal(t, "memory", cfg.Idempotency.Backend)
}

func TestLoadSellerRejectsMissingIdentity(t *testing.T) {
	path := writeTempConfig(t, `identity: {}`)
	_, err := LoadSeller(path)
	assert.Error(t, err)
}

func TestLoadSellerRejectsRedisBackendWithoutAddr(t *testing.T) {
	path := writeTempConfig(t, `
identity:
  seller_id: seller-1
  coordinator:
    addr: 127.0.0.1:5555
idempotency:
  backend: redis
`)
	_, err := LoadSeller(path)
	assert.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	path := writeTempConfig(t, `
marketplace:
  id: market-1
request:
  timeout:
    ms: 2500
saga:
  timeout:
    seconds: 45
order:
  delay:
    ms: 1500
`)
	cfg, err := LoadCoordinator(path)
	require.NoError(t, err)

	assert.Equal(t, int64(2500), cfg.RequestTimeout().Milliseconds())
	assert.Equal(t, float64(45), cfg.SagaTimeout().Seconds())
	assert.Equal(t, int64(1500), cfg.OrderDelay().Milliseconds())
}
