package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling-core/internal/config"
	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
	"github.com/hackgods/clinic-scheduling-core/internal/seed"
	"github.com/hackgods/clinic-scheduling-core/pkg/logging"
)

func memoryConfig() config.Config {
	return config.Config{
		Env:                 "test",
		StoreBackend:        config.BackendMemory,
		CacheBackend:        config.BackendMemory,
		Timezone:            "UTC",
		AppointmentTTL:      10 * time.Minute,
		LockTTL:             5 * time.Second,
		SlotResultLimit:     50,
		RecommendCacheTTL:   time.Hour,
		NotifyTimeout:       time.Second,
		CompensationTimeout: time.Second,
	}
}

func TestNewMemoryBackend(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.IsType(t, &schedule.MemoryStore{}, a.Store)
	assert.NotNil(t, a.memCache)

	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNewWithRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.CacheBackend = config.BackendRedis
	cfg.RedisAddr = mr.Addr()

	a, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.Nil(t, a.memCache)
	assert.Len(t, a.healthDeps, 1)
}

func TestNewFailsWithoutRedis(t *testing.T) {
	cfg := memoryConfig()
	cfg.CacheBackend = config.BackendRedis
	cfg.RedisAddr = "127.0.0.1:1"

	_, err := New(context.Background(), cfg, logging.Discard())
	assert.Error(t, err)
}

func TestMaintainOnceExpiresHolds(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig(), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ds := seed.Generate(seed.Options{Practitioners: 1, Patients: 1, Seed: 3})
	require.NoError(t, seed.Load(ctx, a.Store, ds))

	past := time.Now().Add(-time.Hour)
	expires := past.Add(time.Minute)
	require.NoError(t, a.Store.CreateAppointment(ctx, &schedule.Appointment{
		PatientID:      ds.Patients[0].ID,
		PractitionerID: ds.Practitioners[0].ID,
		StartTime:      past.Add(24 * time.Hour),
		Duration:       30 * time.Minute,
		Status:         schedule.StatusPending,
		ExpiresAt:      &expires,
	}))

	a.maintainOnce(ctx)
	a.Bookings.Wait()

	appts := a.Store.(*schedule.MemoryStore).Appointments()
	require.Len(t, appts, 1)
	assert.Equal(t, schedule.StatusCancelled, appts[0].Status)
}
