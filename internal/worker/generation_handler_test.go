package worker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"phHeadshot/internal/database"
	"phHeadshot/internal/store"
	"phHeadshot/internal/tasks"
	"phHeadshot/internal/workflow"
)

type stubVision struct{}

func (stubVision) Describe(_ context.Context, images []workflow.SourceImage) (string, error) {
	return fmt.Sprintf("%d photos", len(images)), nil
}

func (stubVision) ComposePrompt(_ context.Context, description string, _ workflow.Preferences) (string, error) {
	return "prompt: " + description, nil
}

func (stubVision) GenerateImage(_ context.Context, _ string) ([]byte, error) {
	return []byte("png-bytes"), nil
}

type stubBlobs struct {
	objects map[string][]byte
}

func (b *stubBlobs) FetchBytes(_ context.Context, objectKey string) ([]byte, error) {
	data, ok := b.objects[objectKey]
	if !ok {
		return nil, fmt.Errorf("object %q not found", objectKey)
	}
	return data, nil
}

func (b *stubBlobs) UploadFile(_ context.Context, objectName string, reader io.Reader, _ int64, _ string) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	b.objects[objectName] = data
	return "https://blobs.invalid/" + objectName, nil
}

func newHandlerFixture(t *testing.T) (*GenerationTaskHandler, *store.Store, database.Headshot) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(db)

	ctx := context.Background()
	img, err := st.CreateImage(ctx, 7, database.ImageTypeUploaded, "uploaded/7/src.png", "https://blobs.invalid/src.png")
	if err != nil {
		t.Fatalf("seed image: %v", err)
	}
	hs, err := st.CreateHeadshot(ctx, 7, "task-key", datatypes.JSON(`{}`), []database.Image{img})
	if err != nil {
		t.Fatalf("seed headshot: %v", err)
	}

	blobs := &stubBlobs{objects: map[string][]byte{img.ObjectKey: []byte("src")}}
	engine := workflow.NewEngine(st, stubVision{}, blobs, nil, time.Minute)
	return NewGenerationTaskHandler(st, engine, nil, nil), st, hs
}

func TestProcessTask_CompletesHeadshot(t *testing.T) {
	handler, st, hs := newHandlerFixture(t)

	task, err := tasks.NewHeadshotGenerateTask(hs.ID, "corr-1")
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	if err := handler.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("process task: %v", err)
	}

	got, err := st.GetHeadshotByID(context.Background(), hs.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != database.HeadshotStatusCompleted {
		t.Fatalf("expected completed got %s (reason=%q)", got.Status, got.FailureReason)
	}
}

func TestProcessTask_RejectsMalformedPayload(t *testing.T) {
	handler, _, _ := newHandlerFixture(t)

	task := asynq.NewTask(tasks.TypeHeadshotGenerate, []byte("not-json"))
	if err := handler.ProcessTask(context.Background(), task); err == nil {
		t.Fatal("malformed payload must return an error")
	}
}

func TestProcessTask_MissingRowIsNoError(t *testing.T) {
	handler, _, _ := newHandlerFixture(t)

	task, err := tasks.NewHeadshotGenerateTask(9999, "corr-2")
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	if err := handler.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("missing row should not error: %v", err)
	}
}
