package controlplane

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jeffvincent/ci-runner-monitor/internal/policy"
	"github.com/jeffvincent/ci-runner-monitor/internal/runner"
	"github.com/jeffvincent/ci-runner-monitor/internal/settings"
	"github.com/jeffvincent/ci-runner-monitor/internal/store"
)

const testToken = "Bearer test-token"

type fakeStore struct{}

func (fakeStore) RunnerDir(id uint64) string                     { return "" }
func (fakeStore) ListRunnerIDs() ([]uint64, error)                { return nil, nil }
func (fakeStore) CreatedTime(id uint64) (os.FileInfo, error)      { return nil, os.ErrNotExist }
func (fakeStore) ReadReservation(id uint64) (string, bool, error) { return "", false, nil }

func newTestServer(t *testing.T) (*Server, *policy.Policy, *store.Store) {
	t.Helper()
	dataDir := t.TempDir()
	st, err := store.New(dataDir)
	require.NoError(t, err)

	profiles := map[string]settings.Profile{
		"linux": {ProfileName: "linux", ConfigurationName: "linux-config", TargetCount: 2},
	}
	pol, err := policy.New(profiles, policy.Toggles{BaseImageMaxAge: time.Hour})
	require.NoError(t, err)

	runners, err := runner.Build(fakeStore{}, runner.BuildInput{
		GuestNames:   []string{"test-runner-linux.42"},
		RunnerPrefix: "test-runner-",
		Now:          time.Now(),
	})
	require.NoError(t, err)
	pol.SetRunners(runners)

	cfg := &settings.Settings{Env: settings.Env{MonitorAPITokenAuthValue: testToken}}
	srv := New(cfg, st, pol, nil, nil, zap.NewNop())
	return srv, pol, st
}

func TestDashboardRequiresToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/dashboard.json", nil)
	rec := httptest.NewRecorder()

	srv.withToken(srv.handleDashboard)(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDashboardReturnsProfileCounts(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/dashboard.json", nil)
	req.Header.Set("Authorization", testToken)
	rec := httptest.NewRecorder()

	srv.withToken(srv.handleDashboard)(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "linux")
}

func TestReserveUnknownRunnerReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/runner/999/reserve?unique_id=u&qualified_repo=r&run_id=1", nil)
	rec := httptest.NewRecorder()

	srv.handleRunnerSubroute(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReserveKnownRunnerSucceedsThenConflictsOnDifferentFields(t *testing.T) {
	srv, _, st := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/runner/42/reserve?unique_id=u&qualified_repo=r&run_id=1", nil)
	rec := httptest.NewRecorder()
	srv.handleRunnerSubroute(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, ok, err := st.ReadReservation(42)
	require.NoError(t, err)
	assert.True(t, ok)

	req2 := httptest.NewRequest(http.MethodPost, "/runner/42/reserve?unique_id=u&qualified_repo=r&run_id=2", nil)
	rec2 := httptest.NewRecorder()
	srv.handleRunnerSubroute(rec2, req2)
	assert.Equal(t, http.StatusConflict, rec2.Code)
}

func TestGuestJitConfigRequiresKnownSourceIP(t *testing.T) {
	srv, _, st := newTestServer(t)
	require.NoError(t, st.WriteJitConfig(42, []byte("encoded-jit-blob")))

	unauthorized := httptest.NewRequest(http.MethodGet, "/guest/jitconfig", nil)
	unauthorized.RemoteAddr = "9.9.9.9:1234"
	rec := httptest.NewRecorder()
	srv.withSourceIP(srv.handleGuestJitConfig)(rec, unauthorized)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	srv.RecordRunnerIPv4(42, "10.0.0.5")
	authorized := httptest.NewRequest(http.MethodGet, "/guest/jitconfig", nil)
	authorized.RemoteAddr = "10.0.0.5:1234"
	rec2 := httptest.NewRecorder()
	srv.withSourceIP(srv.handleGuestJitConfig)(rec2, authorized)
	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, "encoded-jit-blob", rec2.Body.String())
}

func TestOverrideCreateAndCancel(t *testing.T) {
	srv, pol, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/override", strings.NewReader(`{"linux":5}`))
	rec := httptest.NewRecorder()
	srv.handleOverride(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, pol.CurrentOverride())

	del := httptest.NewRequest(http.MethodDelete, "/override", nil)
	delRec := httptest.NewRecorder()
	srv.handleOverride(delRec, del)
	assert.Equal(t, http.StatusOK, delRec.Code)
	assert.Nil(t, pol.CurrentOverride())
}
