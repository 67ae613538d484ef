package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"phatnguoi-service/internal/config"
	"phatnguoi-service/internal/domain/violation"
	"phatnguoi-service/internal/lookup"
	"phatnguoi-service/internal/ratelimit"
	"phatnguoi-service/internal/service"
	"phatnguoi-service/internal/telemetry"
)

type stubPipeline struct {
	result violation.LookupResult
	calls  int
	panics bool
}

func (s *stubPipeline) Lookup(context.Context, lookup.Options) violation.LookupResult {
	s.calls++
	if s.panics {
		panic("recognizer blew up")
	}
	return s.result
}

type memStore struct {
	users map[string]int64
	jobs  map[int64]*violation.CronJob
	hist  map[int64][]violation.LookupHistory
	next  int64
}

func newMemStore() *memStore {
	return &memStore{
		users: make(map[string]int64),
		jobs:  make(map[int64]*violation.CronJob),
		hist:  make(map[int64][]violation.LookupHistory),
	}
}

func (m *memStore) GetOrCreateUser(_ context.Context, chatID, _ string) (int64, error) {
	if id, ok := m.users[chatID]; ok {
		return id, nil
	}
	id := int64(len(m.users) + 1)
	m.users[chatID] = id
	return id, nil
}

func (m *memStore) CreateCronJob(_ context.Context, job *violation.CronJob) error {
	m.next++
	job.ID = m.next
	m.jobs[job.ID] = job
	return nil
}

func (m *memStore) GetCronJob(_ context.Context, id int64) (*violation.CronJob, error) {
	return m.jobs[id], nil
}

func (m *memStore) ListJobsForUser(_ context.Context, userID int64) ([]violation.CronJob, error) {
	var out []violation.CronJob
	for _, j := range m.jobs {
		if j.UserID == userID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memStore) ListActiveJobs(context.Context) ([]violation.CronJob, error) {
	return nil, nil
}

func (m *memStore) SetJobActive(_ context.Context, id int64, active bool) error {
	j, ok := m.jobs[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	j.Active = active
	return nil
}

func (m *memStore) DeleteCronJob(_ context.Context, id int64) error {
	delete(m.jobs, id)
	return nil
}

func (m *memStore) UpdateJobRunTimes(context.Context, int64, time.Time, time.Time) error {
	return nil
}

func (m *memStore) LatestHistory(context.Context, int64) (*violation.LookupHistory, error) {
	return nil, nil
}

func (m *memStore) ListHistory(_ context.Context, jobID int64, _ int) ([]violation.LookupHistory, error) {
	return m.hist[jobID], nil
}

func (m *memStore) CreateHistory(_ context.Context, h *violation.LookupHistory) error {
	m.hist[h.CronJobID] = append(m.hist[h.CronJobID], *h)
	return nil
}

type testEnv struct {
	router *gin.Engine
	store  *memStore
	pipe   *stubPipeline
}

func newTestEnv(t *testing.T, jwtSecret string, rateLimiter gin.HandlerFunc) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newMemStore()
	pipe := &stubPipeline{result: violation.LookupResult{
		Status: violation.StatusOK,
		Data:   &violation.LookupData{Plate: "51K67179"},
	}}
	svc := service.NewLookupService(pipe, store,
		func(now time.Time) time.Time { return now.Add(time.Hour) },
		nil, zerolog.Nop())

	if rateLimiter == nil {
		rateLimiter = RateLimit(nil, zerolog.Nop())
	}

	router := gin.New()
	router.Use(gin.Recovery())
	h := NewHandler(svc, &config.Config{}, zerolog.Nop())
	h.Register(router, JWTAuth(jwtSecret), rateLimiter)
	return &testEnv{router: router, store: store, pipe: pipe}
}

func (e *testEnv) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func signToken(t *testing.T, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + token
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, "", nil)
	w := env.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLookupSuccess(t *testing.T) {
	env := newTestEnv(t, "", nil)

	w := env.do(http.MethodPost, "/api/v1/lookup", gin.H{
		"plate":        "51K-671.79",
		"vehicle_type": "1",
	}, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var res violation.LookupResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, violation.StatusOK, res.Status)
	assert.Equal(t, "51K67179", res.Data.Plate)
}

func TestLookupMissingFields(t *testing.T) {
	env := newTestEnv(t, "", nil)
	w := env.do(http.MethodPost, "/api/v1/lookup", gin.H{"plate": "51K67179"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLookupInvalidInputIsBadRequest(t *testing.T) {
	env := newTestEnv(t, "", nil)

	w := env.do(http.MethodPost, "/api/v1/lookup", gin.H{
		"plate":        "51K67179",
		"vehicle_type": "9",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	// Validation rejects the request before the pipeline runs.
	assert.Zero(t, env.pipe.calls)

	w = env.do(http.MethodPost, "/api/v1/lookup", gin.H{
		"plate":        " -. ",
		"vehicle_type": "1",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, env.pipe.calls)
}

func TestLookupPanicDoesNotLeakInFlightGauge(t *testing.T) {
	env := newTestEnv(t, "", nil)
	env.pipe.panics = true
	before := testutil.ToFloat64(telemetry.InFlightLookups)

	w := env.do(http.MethodPost, "/api/v1/lookup", gin.H{
		"plate":        "51K67179",
		"vehicle_type": "1",
	}, nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, before, testutil.ToFloat64(telemetry.InFlightLookups))
}

func TestLookupUpstreamFailureIsBadGateway(t *testing.T) {
	env := newTestEnv(t, "", nil)
	env.pipe.result = violation.LookupResult{
		Status:  violation.StatusError,
		Message: "server_error: site down",
	}

	w := env.do(http.MethodPost, "/api/v1/lookup", gin.H{
		"plate":        "51K67179",
		"vehicle_type": "1",
	}, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestCreateJobRequiresToken(t *testing.T) {
	env := newTestEnv(t, "s3cret", nil)
	body := gin.H{"chat_id": "c1", "plate": "51K67179", "vehicle_type": "1"}

	w := env.do(http.MethodPost, "/api/v1/jobs", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/api/v1/jobs", body, map[string]string{
		"Authorization": "Bearer not-a-jwt",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/api/v1/jobs", body, map[string]string{
		"Authorization": signToken(t, "s3cret"),
	})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestCreateJobRejectsWrongSigningKey(t *testing.T) {
	env := newTestEnv(t, "s3cret", nil)
	w := env.do(http.MethodPost, "/api/v1/jobs",
		gin.H{"chat_id": "c1", "plate": "51K67179", "vehicle_type": "1"},
		map[string]string{"Authorization": signToken(t, "other-secret")})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateJobInvalidVehicleType(t *testing.T) {
	env := newTestEnv(t, "", nil)
	w := env.do(http.MethodPost, "/api/v1/jobs",
		gin.H{"chat_id": "c1", "plate": "51K67179", "vehicle_type": "9"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListJobsRequiresChatID(t *testing.T) {
	env := newTestEnv(t, "", nil)
	w := env.do(http.MethodGet, "/api/v1/jobs", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateAndDeleteJobLifecycle(t *testing.T) {
	env := newTestEnv(t, "", nil)

	w := env.do(http.MethodPost, "/api/v1/jobs",
		gin.H{"chat_id": "c1", "plate": "51K67179", "vehicle_type": "1"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(http.MethodPatch, "/api/v1/jobs/1", gin.H{"active": false}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.store.jobs[1].Active)

	w = env.do(http.MethodPatch, "/api/v1/jobs/999", gin.H{"active": true}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodDelete, "/api/v1/jobs/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodDelete, "/api/v1/jobs/1", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, env.store.jobs)
}

func TestJobHistoryUnknownJob(t *testing.T) {
	env := newTestEnv(t, "", nil)
	w := env.do(http.MethodGet, "/api/v1/jobs/999/history", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimitRejectsWhenBucketEmpty(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	bucket := ratelimit.NewTokenBucket(client, 1, 0.001, time.Minute)

	env := newTestEnv(t, "", RateLimit(bucket, zerolog.Nop()))
	body := gin.H{"plate": "51K67179", "vehicle_type": "1"}

	w := env.do(http.MethodPost, "/api/v1/lookup", body, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodPost, "/api/v1/lookup", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRateLimitAdmitsWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := ratelimit.NewTokenBucket(client, 1, 1, time.Minute)
	mr.Close()

	env := newTestEnv(t, "", RateLimit(bucket, zerolog.Nop()))
	w := env.do(http.MethodPost, "/api/v1/lookup",
		gin.H{"plate": "51K67179", "vehicle_type": "1"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
