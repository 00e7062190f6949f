package services_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/config"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/models"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/services"
)

func newTestStore(t *testing.T, backend services.SessionBackend) *services.SessionStore {
	t.Helper()
	return services.NewSessionStoreWithBackend(backend, config.SessionConfig{
		TTL:         24 * time.Hour,
		FallbackDir: t.TempDir(),
	}, newTestLogger())
}

func TestLoadUnknownSessionReturnsFresh(t *testing.T) {
	store := newTestStore(t, newMemoryBackend())

	session, err := store.Load(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.SessionID != "never-seen" {
		t.Errorf("expected session id preserved, got %q", session.SessionID)
	}
	if session.Version != 0 {
		t.Errorf("expected fresh session at version 0, got %d", session.Version)
	}
	if session.RecoveredFromCorrupt {
		t.Error("fresh session must not be flagged as recovered")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t, newMemoryBackend())
	ctx := context.Background()

	session, _ := store.Load(ctx, "round-trip")
	session.DatasetRef = "dataset-42"
	session.AppendMessage(models.RoleUser, "hello")

	if err := store.Save(ctx, session, session.Version); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if session.Version != 1 {
		t.Errorf("expected version 1 after first save, got %d", session.Version)
	}

	loaded, err := store.Load(ctx, "round-trip")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.DatasetRef != "dataset-42" {
		t.Errorf("expected dataset ref to persist, got %q", loaded.DatasetRef)
	}
	if len(loaded.ChatHistory) != 1 || loaded.ChatHistory[0].Text != "hello" {
		t.Errorf("expected chat history to persist, got %+v", loaded.ChatHistory)
	}
	if loaded.Version != 1 {
		t.Errorf("expected loaded version 1, got %d", loaded.Version)
	}
}

func TestConcurrentSaveOneWinner(t *testing.T) {
	// Two store handles over one backend simulate two workers racing on the
	// same session version.
	backend := newMemoryBackend()
	workerA := newTestStore(t, backend)
	workerB := newTestStore(t, backend)
	ctx := context.Background()

	seed, _ := workerA.Load(ctx, "race")
	if err := workerA.Save(ctx, seed, seed.Version); err != nil {
		t.Fatalf("seed save failed: %v", err)
	}

	sessionA, _ := workerA.Load(ctx, "race")
	sessionB, _ := workerB.Load(ctx, "race")

	sessionA.AppendMessage(models.RoleUser, "from worker A")
	if err := workerA.Save(ctx, sessionA, sessionA.Version); err != nil {
		t.Fatalf("first save should win: %v", err)
	}

	sessionB.AppendMessage(models.RoleUser, "from worker B")
	err := workerB.Save(ctx, sessionB, sessionB.Version)
	if err == nil {
		t.Fatal("second save on the same version must conflict")
	}
	if !models.IsVersionConflict(err) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if sessionB.Version != 1 {
		t.Errorf("conflicting save must not advance the in-memory version, got %d", sessionB.Version)
	}

	// The loser reloads and reapplies; now it succeeds.
	fresh, _ := workerB.Load(ctx, "race")
	fresh.AppendMessage(models.RoleUser, "from worker B")
	if err := workerB.Save(ctx, fresh, fresh.Version); err != nil {
		t.Fatalf("retry after reload failed: %v", err)
	}

	final, _ := workerA.Load(ctx, "race")
	if len(final.ChatHistory) != 2 {
		t.Errorf("expected both turns applied in order, got %d messages", len(final.ChatHistory))
	}
}

func TestCorruptStateRecovered(t *testing.T) {
	backend := newMemoryBackend()
	store := newTestStore(t, backend)

	backend.put("corrupt", 3, []byte("{not json"))

	session, err := store.Load(context.Background(), "corrupt")
	if err != nil {
		t.Fatalf("corrupt state must not fail the load: %v", err)
	}
	if !session.RecoveredFromCorrupt {
		t.Error("expected RecoveredFromCorrupt flag on the fresh session")
	}
	if session.Version != 0 {
		t.Errorf("recovered session must restart at version 0, got %d", session.Version)
	}
}

func TestPrimaryOutageFallsBackToFiles(t *testing.T) {
	fallbackDir := t.TempDir()
	store := services.NewSessionStoreWithBackend(&failingBackend{}, config.SessionConfig{
		FallbackDir: fallbackDir,
	}, newTestLogger())
	ctx := context.Background()

	session, err := store.Load(ctx, "degraded")
	if err != nil {
		t.Fatalf("load during outage must degrade, not fail: %v", err)
	}
	session.AppendMessage(models.RoleUser, "still here")

	if err := store.Save(ctx, session, session.Version); err != nil {
		t.Fatalf("save during outage must use the fallback: %v", err)
	}

	// The mirror file holds the session.
	payload, err := os.ReadFile(filepath.Join(fallbackDir, "degraded.json"))
	if err != nil {
		t.Fatalf("expected fallback file: %v", err)
	}
	var mirrored models.Session
	if err := json.Unmarshal(payload, &mirrored); err != nil {
		t.Fatalf("fallback file not valid JSON: %v", err)
	}
	if len(mirrored.ChatHistory) != 1 {
		t.Errorf("expected mirrored history, got %+v", mirrored.ChatHistory)
	}

	// A later load with the primary still down serves the mirror.
	reloaded, err := store.Load(ctx, "degraded")
	if err != nil {
		t.Fatalf("load from fallback failed: %v", err)
	}
	if len(reloaded.ChatHistory) != 1 || reloaded.ChatHistory[0].Text != "still here" {
		t.Errorf("expected fallback content, got %+v", reloaded.ChatHistory)
	}
}

func TestDeleteRemovesSession(t *testing.T) {
	backend := newMemoryBackend()
	store := newTestStore(t, backend)
	ctx := context.Background()

	session, _ := store.Load(ctx, "doomed")
	if err := store.Save(ctx, session, session.Version); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Delete(ctx, "doomed"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	reloaded, err := store.Load(ctx, "doomed")
	if err != nil {
		t.Fatalf("load after delete failed: %v", err)
	}
	if reloaded.Version != 0 {
		t.Errorf("expected a fresh session after delete, got version %d", reloaded.Version)
	}
}
