package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/peopleops/jobflow/internal/domain/model"
	"github.com/peopleops/jobflow/internal/mocks"
	"github.com/peopleops/jobflow/internal/service"
)

func newTestRouter(t *testing.T) (http.Handler, *mocks.MockJobRepository, *mocks.MockIdentityProvider) {
	t.Helper()
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	store := mocks.NewMockArtifactStore(ctrl)
	identity := mocks.NewMockIdentityProvider(ctrl)

	router := NewRouter(RouterServices{
		Gateway: service.MustNewGateway(service.GatewayOptions{Repo: repo}),
		Tracker: service.MustNewBatchTracker(service.BatchTrackerOptions{Reader: repo}),
		Resolver: service.MustNewResolver(service.ResolverOptions{
			Jobs:      repo,
			Artifacts: store,
			TTL:       time.Minute,
		}),
		Identity: identity,
	})
	return router, repo, identity
}

func TestRouter_HealthIsOpen(t *testing.T) {
	router, _, _ := newTestRouter(t)

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRouter_JobRoutesRequireAuth(t *testing.T) {
	router, _, _ := newTestRouter(t)

	r := httptest.NewRequest(http.MethodGet, "/api/jobs/"+testJobID, nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_AuthedStatusRoundTrip(t *testing.T) {
	router, repo, identity := newTestRouter(t)

	identity.EXPECT().
		Resolve(gomock.Any(), "tok-1").
		Return(model.Identity{ActorID: "emp-100", Tenant: "acme"}, nil)
	repo.EXPECT().
		GetByID(gomock.Any(), testJobID).
		Return(&model.Job{ID: testJobID, Status: model.StatusCompleted, Progress: 100}, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/jobs/"+testJobID, nil)
	r.Header.Set("Authorization", "Bearer tok-1")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"completed"`)
}
