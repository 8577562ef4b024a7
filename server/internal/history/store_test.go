package history

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"socratic-tutor/server/internal/model"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func sample() []model.Message {
	return []model.Message{
		model.NewUserMessage("What is justice?", time.Time{}),
		model.NewAssistantMessage("elenchus", "Is justice giving each their due?", time.Time{}),
		model.NewUserMessage("Maybe.", time.Date(2024, 1, 1, 8, 0, 0, 0, time.FixedZone("", 8*3600))),
	}
}

func assertSamePairs(t *testing.T, want, got []model.Message) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Role != want[i].Role || got[i].Content != want[i].Content {
			t.Fatalf("message %d mismatch: want (%s, %q) got (%s, %q)",
				i, want[i].Role, want[i].Content, got[i].Role, got[i].Content)
		}
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.json")
	store := NewFileStore(path, func() time.Time { return fixedNow }, nil)
	ctx := context.Background()

	if err := store.Save(ctx, sample()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertSamePairs(t, sample(), got)

	// 文件格式：role 为 human/ai，timestamp 带时区偏移。
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	var records []model.HistoryRecord
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("file is not a record array: %v", err)
	}
	if records[0].Role != "human" || records[1].Role != "ai" {
		t.Fatalf("unexpected roles: %s, %s", records[0].Role, records[1].Role)
	}
	if records[0].Timestamp != "2024-01-01T00:00:00Z" {
		t.Fatalf("expected capture timestamp, got %q", records[0].Timestamp)
	}
	if records[2].Timestamp != "2024-01-01T08:00:00+08:00" {
		t.Fatalf("expected message timestamp preserved, got %q", records[2].Timestamp)
	}
}

// TestFileStoreSaveRewritesWholeFile 验证保存是整体覆盖而不是追加。
func TestFileStoreSaveRewritesWholeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	store := NewFileStore(path, nil, nil)
	ctx := context.Background()

	if err := store.Save(ctx, sample()); err != nil {
		t.Fatalf("save: %v", err)
	}
	shorter := sample()[:1]
	if err := store.Save(ctx, shorter); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertSamePairs(t, shorter, got)
}

// TestFileStoreMissingOrCorruptIsEmpty 验证缺失与损坏的文件都视为空历史。
func TestFileStoreMissingOrCorruptIsEmpty(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	missing := NewFileStore(filepath.Join(dir, "missing.json"), nil, nil)
	got, err := missing.Load(ctx)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty history for missing file, got %v, %v", got, err)
	}

	corruptPath := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corruptPath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err = NewFileStore(corruptPath, nil, nil).Load(ctx)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty history for corrupt file, got %v, %v", got, err)
	}
}

// TestFileStoreSkipsUnknownRoles 验证单条未知角色的记录被跳过，其余记录保留。
func TestFileStoreSkipsUnknownRoles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	data := `[{"role":"human","content":"a","timestamp":""},{"role":"system","content":"b","timestamp":""},{"role":"ai","content":"c","timestamp":""}]`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := NewFileStore(path, nil, nil).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].Content != "a" || got[1].Content != "c" {
		t.Fatalf("unexpected messages: %+v", got)
	}
}

// TestFileStoreResetIdempotent 验证连续两次 Reset 都不报错且历史为空。
func TestFileStoreResetIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	store := NewFileStore(path, nil, nil)
	ctx := context.Background()

	if err := store.Save(ctx, sample()); err != nil {
		t.Fatalf("save: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.Reset(ctx); err != nil {
			t.Fatalf("reset %d: %v", i, err)
		}
		got, err := store.Load(ctx)
		if err != nil || len(got) != 0 {
			t.Fatalf("expected empty history after reset %d, got %v, %v", i, got, err)
		}
	}
}

// TestFileStoreUnwritableReturnsPersistenceError 验证目录不可写时返回 PersistenceError。
func TestFileStoreUnwritableReturnsPersistenceError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// 父路径是一个普通文件，MkdirAll 必然失败。
	store := NewFileStore(filepath.Join(blocker, "history.json"), nil, nil)
	err := store.Save(context.Background(), sample())
	if err == nil {
		t.Fatalf("expected error")
	}
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Op != "save" {
		t.Fatalf("expected save PersistenceError, got %v", err)
	}
}

func TestSQLiteStoreRoundTripPerSession(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "history.db"), func() time.Time { return fixedNow }, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	a := db.Store("a")
	b := db.Store("b")
	if err := a.Save(ctx, sample()); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := b.Save(ctx, sample()[:1]); err != nil {
		t.Fatalf("save b: %v", err)
	}

	gotA, err := a.Load(ctx)
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	assertSamePairs(t, sample(), gotA)

	gotB, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("load b: %v", err)
	}
	assertSamePairs(t, sample()[:1], gotB)

	for i := 0; i < 2; i++ {
		if err := a.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
	}
	gotA, _ = a.Load(ctx)
	if len(gotA) != 0 {
		t.Fatalf("expected a empty after reset")
	}
	gotB, _ = b.Load(ctx)
	if len(gotB) != 1 {
		t.Fatalf("reset of a must not touch b")
	}
}

func TestInMemoryStoreSaveErr(t *testing.T) {
	store := NewInMemoryStore()
	store.SaveErr = errors.New("disk full")
	err := store.Save(context.Background(), sample())
	if !IsPersistenceError(err) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}
