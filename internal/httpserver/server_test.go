package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followup-engine/internal/logging"
	"followup-engine/internal/repo"
	"followup-engine/internal/scheduler"
)

type fakeCycles struct {
	got string
	err error
}

func (f *fakeCycles) ForceCycle(_ context.Context, campaignID string) (scheduler.CycleSummary, error) {
	f.got = campaignID
	return scheduler.CycleSummary{ID: "cycle-1", Trigger: "manual", Sent: 3}, f.err
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func newServer(deps Dependencies, token, base string) http.Handler {
	return New(":0", logging.Discard(), nil, Handlers{}, deps, token, base).Handler()
}

func do(h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := do(newServer(Dependencies{Storage: fakePinger{}}, "", ""), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(newServer(Dependencies{Storage: fakePinger{err: errors.New("down")}}, "", ""), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestForceCycle(t *testing.T) {
	cycles := &fakeCycles{}
	h := newServer(Dependencies{Cycles: cycles}, "tok", "")

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodPost, "/admin/cycle", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodGet, "/admin/cycle", "tok").Code)

	rec := do(h, http.MethodPost, "/admin/cycle?campaign_id=c1", "tok")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c1", cycles.got)
	var summary scheduler.CycleSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 3, summary.Sent)
}

func TestForceCycleErrors(t *testing.T) {
	cases := map[string]struct {
		err  error
		code int
	}{
		"busy":       {err: scheduler.ErrCampaignBusy, code: http.StatusConflict},
		"not active": {err: fmt.Errorf("%w: c1 is paused", scheduler.ErrNotActive), code: http.StatusConflict},
		"missing":    {err: fmt.Errorf("get campaign c1: %w", repo.ErrNotFound), code: http.StatusNotFound},
		"storage":    {err: errors.New("db down"), code: http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newServer(Dependencies{Cycles: &fakeCycles{err: tc.err}}, "", "")
			assert.Equal(t, tc.code, do(h, http.MethodPost, "/admin/cycle?campaign_id=c1", "").Code)
		})
	}
}

func TestDedupe(t *testing.T) {
	var got string
	h := newServer(Dependencies{Dedupe: func(_ context.Context, id string) (int64, error) {
		got = id
		return 9, nil
	}}, "", "")
	rec := do(h, http.MethodPost, "/admin/maintenance/dedupe?campaign_id=c7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c7", got)
	assert.JSONEq(t, `{"status":"ok","campaign_id":"c7","removed":9}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	summaries := &scheduler.MemorySummaries{}
	h := newServer(Dependencies{Summaries: summaries}, "", "")
	assert.JSONEq(t, `{"status":"idle"}`, do(h, http.MethodGet, "/admin/status", "").Body.String())

	require.NoError(t, summaries.SaveSummary(context.Background(), scheduler.CycleSummary{ID: "c-9", Trigger: "timer"}))
	rec := do(h, http.MethodGet, "/admin/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"c-9"`)
}

func TestBasePath(t *testing.T) {
	h := newServer(Dependencies{}, "", "/followup/")
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/followup/healthz", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/healthz", "").Code)
}
