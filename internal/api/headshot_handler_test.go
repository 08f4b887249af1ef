package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"

	"phHeadshot/internal/database"
	"phHeadshot/internal/store"
	"phHeadshot/internal/tasks"
)

type fakeEnqueuer struct {
	enqueued []*asynq.Task
	err      error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.enqueued = append(f.enqueued, task)
	return &asynq.TaskInfo{}, nil
}

type fakeCheckout struct {
	sessions int
	err      error
}

func (f *fakeCheckout) CreateCheckoutSession(userID, headshotID uint) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sessions++
	return fmt.Sprintf("https://checkout.invalid/%d/%d/%d", userID, headshotID, f.sessions), nil
}

func seedUploadedImages(t *testing.T, st *store.Store, userID uint, n int) []uint {
	t.Helper()
	ids := make([]uint, 0, n)
	for i := 0; i < n; i++ {
		img, err := st.CreateImage(context.Background(), userID, database.ImageTypeUploaded,
			fmt.Sprintf("uploaded/%d/src-%d.png", userID, i), "https://blobs.invalid/src.png")
		if err != nil {
			t.Fatalf("seed image: %v", err)
		}
		ids = append(ids, img.ID)
	}
	return ids
}

func generationRequest(t *testing.T, userID uint, body string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/headshots", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return newTestContext(t, userID, req)
}

func TestRequestGeneration_CreatesPendingAndEnqueues(t *testing.T) {
	st := newTestStore(t)
	enqueuer := &fakeEnqueuer{}
	checkout := &fakeCheckout{}
	h := NewHeadshotHandler(st, enqueuer, checkout, nil)

	ids := seedUploadedImages(t, st, 7, 2)
	body := fmt.Sprintf(`{"imageIds":[%d,%d],"preferences":{"style":"corporate","background":"office"}}`, ids[0], ids[1])
	c, w := generationRequest(t, 7, body)

	h.RequestGeneration(c)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		Headshot    headshotResponse `json:"headshot"`
		CheckoutURL string           `json:"checkout_url"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Headshot.Status != database.HeadshotStatusPending {
		t.Fatalf("expected pending got %s", resp.Headshot.Status)
	}
	if resp.CheckoutURL == "" {
		t.Fatal("checkout url missing")
	}

	if len(enqueuer.enqueued) != 1 {
		t.Fatalf("expected 1 task got %d", len(enqueuer.enqueued))
	}
	var payload tasks.HeadshotGeneratePayload
	if err := json.Unmarshal(enqueuer.enqueued[0].Payload(), &payload); err != nil {
		t.Fatalf("decode task payload: %v", err)
	}
	if payload.HeadshotID != resp.Headshot.ID {
		t.Fatalf("task targets wrong headshot: %d != %d", payload.HeadshotID, resp.Headshot.ID)
	}
}

func TestRequestGeneration_RejectsUnknownPreferenceKey(t *testing.T) {
	st := newTestStore(t)
	enqueuer := &fakeEnqueuer{}
	h := NewHeadshotHandler(st, enqueuer, &fakeCheckout{}, nil)

	ids := seedUploadedImages(t, st, 7, 1)
	body := fmt.Sprintf(`{"imageIds":[%d],"preferences":{"hairColor":"red"}}`, ids[0])
	c, w := generationRequest(t, 7, body)

	h.RequestGeneration(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d body=%s", w.Code, w.Body.String())
	}
	headshots, err := st.ListHeadshots(context.Background(), 7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(headshots) != 0 || len(enqueuer.enqueued) != 0 {
		t.Fatal("rejected request must have no side effects")
	}
}

func TestRequestGeneration_RejectsEmptyImageSet(t *testing.T) {
	st := newTestStore(t)
	h := NewHeadshotHandler(st, &fakeEnqueuer{}, &fakeCheckout{}, nil)

	c, w := generationRequest(t, 7, `{"imageIds":[],"preferences":{}}`)
	h.RequestGeneration(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d body=%s", w.Code, w.Body.String())
	}
}

func TestRequestGeneration_RejectsForeignImages(t *testing.T) {
	st := newTestStore(t)
	enqueuer := &fakeEnqueuer{}
	h := NewHeadshotHandler(st, enqueuer, &fakeCheckout{}, nil)

	foreign := seedUploadedImages(t, st, 2, 1)
	body := fmt.Sprintf(`{"imageIds":[%d],"preferences":{}}`, foreign[0])
	c, w := generationRequest(t, 1, body)

	h.RequestGeneration(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d body=%s", w.Code, w.Body.String())
	}
	if len(enqueuer.enqueued) != 0 {
		t.Fatal("foreign images must not produce a task")
	}
}

func TestRequestGeneration_ReusesDuplicateRequest(t *testing.T) {
	st := newTestStore(t)
	enqueuer := &fakeEnqueuer{}
	checkout := &fakeCheckout{}
	h := NewHeadshotHandler(st, enqueuer, checkout, nil)

	ids := seedUploadedImages(t, st, 7, 1)
	body := fmt.Sprintf(`{"imageIds":[%d],"preferences":{"style":"corporate"}}`, ids[0])

	c1, w1 := generationRequest(t, 7, body)
	h.RequestGeneration(c1)
	if w1.Code != http.StatusCreated {
		t.Fatalf("first request: expected 201 got %d body=%s", w1.Code, w1.Body.String())
	}

	c2, w2 := generationRequest(t, 7, body)
	h.RequestGeneration(c2)
	if w2.Code != http.StatusOK {
		t.Fatalf("duplicate request: expected 200 got %d body=%s", w2.Code, w2.Body.String())
	}

	headshots, err := st.ListHeadshots(context.Background(), 7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(headshots) != 1 {
		t.Fatalf("duplicate submit created a second row: %d", len(headshots))
	}
	if len(enqueuer.enqueued) != 1 {
		t.Fatalf("duplicate submit enqueued again: %d", len(enqueuer.enqueued))
	}

	// 未支付的重复请求仍会拿到新的支付链接。
	var resp struct {
		CheckoutURL string `json:"checkout_url"`
	}
	if err := json.Unmarshal(w2.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CheckoutURL == "" {
		t.Fatal("duplicate response missing checkout url")
	}
}

func TestRequestGeneration_CheckoutFailureMarksFailed(t *testing.T) {
	st := newTestStore(t)
	enqueuer := &fakeEnqueuer{}
	checkout := &fakeCheckout{err: errors.New("stripe down")}
	h := NewHeadshotHandler(st, enqueuer, checkout, nil)

	ids := seedUploadedImages(t, st, 7, 1)
	body := fmt.Sprintf(`{"imageIds":[%d],"preferences":{}}`, ids[0])
	c, w := generationRequest(t, 7, body)

	h.RequestGeneration(c)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d body=%s", w.Code, w.Body.String())
	}
	headshots, err := st.ListHeadshots(context.Background(), 7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(headshots) != 1 {
		t.Fatalf("expected 1 row got %d", len(headshots))
	}
	if headshots[0].Status != database.HeadshotStatusFailed {
		t.Fatalf("expected failed got %s", headshots[0].Status)
	}
}

func TestGetHeadshot_ForeignNotFound(t *testing.T) {
	st := newTestStore(t)
	enqueuer := &fakeEnqueuer{}
	h := NewHeadshotHandler(st, enqueuer, &fakeCheckout{}, nil)

	ids := seedUploadedImages(t, st, 7, 1)
	body := fmt.Sprintf(`{"imageIds":[%d],"preferences":{}}`, ids[0])
	c, w := generationRequest(t, 7, body)
	h.RequestGeneration(c)
	if w.Code != http.StatusCreated {
		t.Fatalf("seed request: %d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Headshot headshotResponse `json:"headshot"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/headshots/%d", resp.Headshot.ID), nil)
	c2, w2 := newTestContext(t, 99, req)
	c2.Params = gin.Params{{Key: "id", Value: fmt.Sprint(resp.Headshot.ID)}}

	h.GetHeadshot(c2)

	if w2.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d body=%s", w2.Code, w2.Body.String())
	}
}
