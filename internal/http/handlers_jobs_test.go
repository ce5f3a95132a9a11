package httpx

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/peopleops/jobflow/internal/data"
	"github.com/peopleops/jobflow/internal/domain/model"
	apperrors "github.com/peopleops/jobflow/internal/errors"
	"github.com/peopleops/jobflow/internal/mocks"
	"github.com/peopleops/jobflow/internal/service"
)

const testJobID = "0b54c3de-71aa-4f02-9c3e-8d2b6a1f4e07"

type handlerFixture struct {
	handlers *JobHandlers
	repo     *mocks.MockJobRepository
	store    *mocks.MockArtifactStore
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	store := mocks.NewMockArtifactStore(ctrl)

	gateway := service.MustNewGateway(service.GatewayOptions{Repo: repo})
	tracker := service.MustNewBatchTracker(service.BatchTrackerOptions{Reader: repo})
	resolver := service.MustNewResolver(service.ResolverOptions{
		Jobs:      repo,
		Artifacts: store,
		BaseURL:   "https://files.example.com/",
		TTL:       10 * time.Minute,
	})

	return &handlerFixture{
		handlers: &JobHandlers{Gateway: gateway, Tracker: tracker, Resolver: resolver},
		repo:     repo,
		store:    store,
	}
}

func authedRequest(method, target string, body []byte) *http.Request {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	identity := model.Identity{ActorID: "emp-100", Tenant: "acme"}
	return r.WithContext(SetIdentityInContext(r.Context(), identity))
}

func punchSubmitBody(t *testing.T) []byte {
	t.Helper()
	payload, err := json.Marshal(model.PunchPayload{
		EmployeeID: "emp-100",
		Direction:  "IN",
		PunchedAt:  time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	b, err := json.Marshal(model.SubmitRequest{
		Operation:      model.OperationPunchCapture,
		IdempotencyKey: "key-punch-100",
		Payload:        payload,
	})
	require.NoError(t, err)
	return b
}

func TestSubmit_Accepted(t *testing.T) {
	f := newHandlerFixture(t)

	f.repo.EXPECT().
		CreateOrGet(gomock.Any(), gomock.Any()).
		Return(&model.Job{ID: testJobID, Status: model.StatusPending}, true, nil)

	r := authedRequest(http.MethodPost, "/api/jobs", punchSubmitBody(t))
	w := httptest.NewRecorder()

	f.handlers.Submit(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var handle model.JobHandle
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&handle))
	assert.Equal(t, testJobID, handle.JobID)
	assert.Equal(t, model.StatusPending, handle.Status)
}

func TestSubmit_MissingIdentity(t *testing.T) {
	f := newHandlerFixture(t)

	r := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(punchSubmitBody(t)))
	w := httptest.NewRecorder()

	f.handlers.Submit(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "authentication_required", body["error"])
}

func TestSubmit_InvalidJSON(t *testing.T) {
	f := newHandlerFixture(t)

	r := authedRequest(http.MethodPost, "/api/jobs", []byte("{bad"))
	w := httptest.NewRecorder()

	f.handlers.Submit(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmit_ValidationError(t *testing.T) {
	f := newHandlerFixture(t)

	b, err := json.Marshal(model.SubmitRequest{
		Operation:      model.OperationPunchCapture,
		IdempotencyKey: "key-1",
		Payload:        json.RawMessage(`{"employee_id":""}`),
	})
	require.NoError(t, err)

	r := authedRequest(http.MethodPost, "/api/jobs", b)
	w := httptest.NewRecorder()

	f.handlers.Submit(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(apperrors.ErrCodeValidation), body["error"])
}

func TestStatus_Success(t *testing.T) {
	f := newHandlerFixture(t)

	f.repo.EXPECT().GetByID(gomock.Any(), testJobID).Return(&model.Job{
		ID:       testJobID,
		Status:   model.StatusProcessing,
		Progress: 40,
	}, nil)

	r := authedRequest(http.MethodGet, "/api/jobs/"+testJobID, nil)
	r.SetPathValue("id", testJobID)
	w := httptest.NewRecorder()

	f.handlers.Status(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view model.JobStatusView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, model.StatusProcessing, view.Status)
	assert.Equal(t, 40, view.Progress)
}

func TestStatus_NotFound(t *testing.T) {
	f := newHandlerFixture(t)

	// The repository sentinel, not a pre-mapped AppError: the handler must
	// translate it to 404 on its own.
	f.repo.EXPECT().
		GetByID(gomock.Any(), testJobID).
		Return(nil, data.ErrJobNotFound)

	r := authedRequest(http.MethodGet, "/api/jobs/"+testJobID, nil)
	r.SetPathValue("id", testJobID)
	w := httptest.NewRecorder()

	f.handlers.Status(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(apperrors.ErrCodeNotFound), body["error"])
}

func TestResolve_UnknownJobIsNotFound(t *testing.T) {
	f := newHandlerFixture(t)

	f.repo.EXPECT().GetByID(gomock.Any(), testJobID).Return(nil, data.ErrJobNotFound)

	r := authedRequest(http.MethodPost, "/api/jobs/"+testJobID+"/resource", nil)
	r.SetPathValue("id", testJobID)
	w := httptest.NewRecorder()

	f.handlers.Resolve(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(apperrors.ErrCodeNotFound), body["error"])
}

func TestStatus_MissingID(t *testing.T) {
	f := newHandlerFixture(t)

	r := authedRequest(http.MethodGet, "/api/jobs/", nil)
	w := httptest.NewRecorder()

	f.handlers.Status(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBatchStatus_AggregatesChunks(t *testing.T) {
	f := newHandlerFixture(t)

	detail := "period locked"
	f.repo.EXPECT().ListChunks(gomock.Any(), testJobID).Return([]model.Chunk{
		{ID: "chunk-a", JobID: testJobID, Seq: 0, Status: model.ChunkCompleted},
		{ID: "chunk-b", JobID: testJobID, Seq: 1, Status: model.ChunkFailed, ErrorDetail: &detail},
	}, nil)

	r := authedRequest(http.MethodGet, "/api/jobs/"+testJobID+"/chunks", nil)
	r.SetPathValue("id", testJobID)
	w := httptest.NewRecorder()

	f.handlers.BatchStatus(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body batchStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, testJobID, body.BatchID)
	assert.Equal(t, model.StatusFailed, body.Status)
	assert.Equal(t, 50, body.Progress)
	assert.Equal(t, []string{"chunk-b"}, body.FailedChunkIDs)
	assert.Len(t, body.Chunks, 2)
}

func TestBatchStatus_UnknownJobIsNotFound(t *testing.T) {
	f := newHandlerFixture(t)

	// No chunk rows and no parent row: the id is unknown or already reaped.
	f.repo.EXPECT().ListChunks(gomock.Any(), testJobID).Return([]model.Chunk{}, nil)
	f.repo.EXPECT().GetByID(gomock.Any(), testJobID).Return(nil, data.ErrJobNotFound)

	r := authedRequest(http.MethodGet, "/api/jobs/"+testJobID+"/chunks", nil)
	r.SetPathValue("id", testJobID)
	w := httptest.NewRecorder()

	f.handlers.BatchStatus(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(apperrors.ErrCodeNotFound), body["error"])
}

func TestCancel_Accepted(t *testing.T) {
	f := newHandlerFixture(t)

	f.repo.EXPECT().Cancel(gomock.Any(), testJobID).Return(true, nil)

	r := authedRequest(http.MethodPost, "/api/jobs/"+testJobID+"/cancel", nil)
	r.SetPathValue("id", testJobID)
	w := httptest.NewRecorder()

	f.handlers.Cancel(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestCancel_SettledJobConflicts(t *testing.T) {
	f := newHandlerFixture(t)

	f.repo.EXPECT().Cancel(gomock.Any(), testJobID).Return(false, nil)
	f.repo.EXPECT().
		GetByID(gomock.Any(), testJobID).
		Return(&model.Job{ID: testJobID, Status: model.StatusCompleted}, nil)

	r := authedRequest(http.MethodPost, "/api/jobs/"+testJobID+"/cancel", nil)
	r.SetPathValue("id", testJobID)
	w := httptest.NewRecorder()

	f.handlers.Cancel(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestResolve_ReturnsReference(t *testing.T) {
	f := newHandlerFixture(t)

	resultRef := "exports/acme/" + testJobID + ".xlsx"
	f.repo.EXPECT().GetByID(gomock.Any(), testJobID).Return(&model.Job{
		ID:        testJobID,
		Status:    model.StatusCompleted,
		ResultRef: &resultRef,
	}, nil)
	f.store.EXPECT().Stage(gomock.Any(), gomock.Any(), 10*time.Minute).Return(nil)

	r := authedRequest(http.MethodPost, "/api/jobs/"+testJobID+"/resource", nil)
	r.SetPathValue("id", testJobID)
	w := httptest.NewRecorder()

	f.handlers.Resolve(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ref model.ResourceRef
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ref))
	assert.Equal(t, testJobID, ref.JobID)
	assert.Contains(t, ref.ResourceURL, "files.example.com")
}

func TestResolve_NotReadyWhileRunning(t *testing.T) {
	f := newHandlerFixture(t)

	f.repo.EXPECT().GetByID(gomock.Any(), testJobID).Return(&model.Job{
		ID:     testJobID,
		Status: model.StatusProcessing,
	}, nil)

	r := authedRequest(http.MethodPost, "/api/jobs/"+testJobID+"/resource", nil)
	r.SetPathValue("id", testJobID)
	w := httptest.NewRecorder()

	f.handlers.Resolve(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(apperrors.ErrCodeNotReady), body["error"])
}

func TestRedeem_ExpiredReferenceIsGone(t *testing.T) {
	f := newHandlerFixture(t)

	f.store.EXPECT().
		Get(gomock.Any(), testJobID).
		Return(nil, apperrors.NotFoundf("no staged reference for job %s", testJobID))

	target := "/api/jobs/" + testJobID + "/resource?resource_url=https%3A%2F%2Ffiles.example.com%2Fold"
	r := authedRequest(http.MethodGet, target, nil)
	r.SetPathValue("id", testJobID)
	w := httptest.NewRecorder()

	f.handlers.Redeem(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestRedeem_ReturnsLiveReference(t *testing.T) {
	f := newHandlerFixture(t)

	staged := &model.ResourceRef{
		JobID:       testJobID,
		ResourceURL: "https://files.example.com/exports%2Freport.xlsx",
		ExpiresAt:   time.Now().Add(5 * time.Minute),
	}
	f.store.EXPECT().Get(gomock.Any(), testJobID).Return(staged, nil)

	target := "/api/jobs/" + testJobID + "/resource?resource_url=" + url.QueryEscape(staged.ResourceURL)
	r := authedRequest(http.MethodGet, target, nil)
	r.SetPathValue("id", testJobID)
	w := httptest.NewRecorder()

	f.handlers.Redeem(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ref model.ResourceRef
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ref))
	assert.Equal(t, staged.ResourceURL, ref.ResourceURL)
}

func TestStats_Success(t *testing.T) {
	f := newHandlerFixture(t)

	expected := &model.JobStats{Pending: 2, Processing: 1, Completed: 7}
	f.repo.EXPECT().Stats(gomock.Any(), model.OperationReportExport).Return(expected, nil)

	r := authedRequest(http.MethodGet, "/api/jobs/stats?operation=report_export", nil)
	w := httptest.NewRecorder()

	f.handlers.Stats(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got model.JobStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, expected.Completed, got.Completed)
}

func TestStats_InvalidOperation(t *testing.T) {
	f := newHandlerFixture(t)

	r := authedRequest(http.MethodGet, "/api/jobs/stats?operation=bogus", nil)
	w := httptest.NewRecorder()

	f.handlers.Stats(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
