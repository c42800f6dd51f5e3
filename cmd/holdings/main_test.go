package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holdingsitems/internal/config"
	"holdingsitems/internal/logger"
	"holdingsitems/internal/reconcile"
	"holdingsitems/internal/store/memory"
	"holdingsitems/internal/supersede"
	"holdingsitems/internal/telemetry"
)

func TestRouter(t *testing.T) {
	v := config.New()
	v.Set("database.driver", "memory")
	var err error
	cfg, err = config.Load(v, "")
	require.NoError(t, err)
	log = logger.Nop()

	st := memory.New()
	tel, err := telemetry.Init(context.Background(), log, cfg.OTel)
	require.NoError(t, err)
	hooks, err := tel.Hooks()
	require.NoError(t, err)
	resolver := supersede.NewResolver(st, log)
	svc := reconcile.NewService(st, reconcile.Options{Resolver: resolver, Hooks: hooks, Suppliers: []string{"solr"}})
	h := newRouter(svc, resolver, tel)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/agencies/700000/records/R/online",
		strings.NewReader(`{"modified":"2024-03-01T09:00:00Z","hasOnlineHolding":true}`)))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/agencies/700000/records/R", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "holdings.reconcile.operations")

	jobs, err := st.PendingJobs(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}
