package scanner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"leakwatch/apperr"
	"leakwatch/logger"
	"leakwatch/model"
	"leakwatch/policy"
	"leakwatch/store"
)

func init() {
	logger.Init("error")
}

type recordingSink struct {
	mu        sync.Mutex
	results   []model.FileResult
	summaries []model.ScanJob
}

func (r *recordingSink) WriteFileResult(res model.FileResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *recordingSink) WriteJobSummary(job model.ScanJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, job)
	return nil
}

func (r *recordingSink) snapshot() []model.FileResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.FileResult(nil), r.results...)
}

func newTestService(t *testing.T) (*Service, *store.BoltStore, *recordingSink) {
	t.Helper()
	db, err := store.OpenBolt(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	rule := policy.Rule{
		ID: "pw", OwnerID: "alice", Name: "password", Pattern: "password=",
		Kind: policy.KindKeyword, Enabled: true, CreatedAt: time.Now(),
	}
	if err := db.CreateRule(context.Background(), rule); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	sink := &recordingSink{}
	svc := NewService(db, db, nil, ServiceOptions{Sink: sink})
	t.Cleanup(func() {
		svc.Close()
		db.Close()
	})
	return svc, db, sink
}

func startAndWait(t *testing.T, svc *Service, req Request) Progress {
	t.Helper()
	id, err := svc.Start(context.Background(), "alice", req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	svc.Wait()
	progress, err := svc.GetProgress(context.Background(), "alice", id)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	return progress
}

func TestStartValidation(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	root := t.TempDir()

	cases := []struct {
		name  string
		owner string
		req   Request
	}{
		{"missing target", "alice", Request{TargetPath: filepath.Join(root, "missing")}},
		{"empty target", "alice", Request{}},
		{"no enabled rules", "bob", Request{TargetPath: root}},
		{"bad kind", "alice", Request{ScanKind: "deep", TargetPath: root}},
		{"negative depth", "alice", Request{TargetPath: root, Options: Options{MaxDepth: -1}}},
		{"custom outside target", "alice", Request{ScanKind: model.ScanCustom, TargetPath: root, Options: Options{IncludePaths: []string{t.TempDir()}}}},
	}
	for _, tc := range cases {
		if _, err := svc.Start(ctx, tc.owner, tc.req); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
	for _, owner := range []string{"alice", "bob"} {
		if jobs, _ := db.ListJobs(ctx, owner); len(jobs) != 0 {
			t.Fatalf("no job record may exist after a rejected start, got %d for %s", len(jobs), owner)
		}
	}
}

func TestScanRoundTripStats(t *testing.T) {
	svc, _, sink := newTestService(t)
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.txt"), "password=1\npassword=2\n")
	mustWrite(t, filepath.Join(root, "b.txt"), "nothing to see")
	mustWrite(t, filepath.Join(root, "sub", "c.log"), "user=x password=3")
	mustWrite(t, filepath.Join(root, "blob.bin"), "password=\x00")

	p := startAndWait(t, svc, Request{TargetPath: root, Options: DefaultOptions()})
	if p.Status != model.ScanCompleted {
		t.Fatalf("expected completed, got %s (%s)", p.Status, p.ErrorMessage)
	}
	if p.FilesScanned != 3 || p.FilesWithThreats != 2 || p.TotalThreats != 3 || p.TotalFiles != 3 {
		t.Fatalf("unexpected progress %+v", p)
	}

	results := sink.snapshot()
	var sum, clean int
	for _, r := range results {
		if !r.Success {
			t.Fatalf("unexpected failed result %+v", r)
		}
		if r.MatchCount == 0 {
			clean++
		}
		sum += r.MatchCount
		if len(r.Matches) != r.MatchCount {
			t.Fatalf("%s: %d matches listed, %d counted", r.Path, len(r.Matches), r.MatchCount)
		}
		if !strings.HasPrefix(r.Digest, "xxh64:") || r.MimeType == "" {
			t.Fatalf("%s: missing digest or mime type: %+v", r.Path, r)
		}
	}
	if p.FilesScanned != p.FilesWithThreats+clean || p.TotalThreats != sum {
		t.Fatalf("stats do not add up: %+v clean=%d sum=%d", p, clean, sum)
	}
	if len(sink.summaries) != 1 || sink.summaries[0].Status != model.ScanCompleted {
		t.Fatalf("expected one completed summary, got %+v", sink.summaries)
	}
}

func TestScanFilters(t *testing.T) {
	svc, _, _ := newTestService(t)
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "top.txt"), "password=a")
	mustWrite(t, filepath.Join(root, "sub", "nested.log"), "password=b")
	mustWrite(t, filepath.Join(root, "vendor", "lib.txt"), "password=c")

	p := startAndWait(t, svc, Request{TargetPath: root, Options: Options{MaxDepth: 1}})
	if p.FilesScanned != 1 {
		t.Fatalf("depth: expected 1 file, got %+v", p)
	}
	p = startAndWait(t, svc, Request{TargetPath: root, Options: Options{ExcludePaths: []string{"vendor"}}})
	if p.FilesScanned != 2 {
		t.Fatalf("exclude: expected 2 files, got %+v", p)
	}
	p = startAndWait(t, svc, Request{TargetPath: root, Options: Options{IncludeExtensions: []string{".log"}}})
	if p.FilesScanned != 1 || p.TotalThreats != 1 {
		t.Fatalf("extensions: expected 1 file, got %+v", p)
	}
	p = startAndWait(t, svc, Request{ScanKind: model.ScanCustom, TargetPath: root, Options: Options{IncludePaths: []string{"sub", "vendor"}}})
	if p.FilesScanned != 2 {
		t.Fatalf("custom: expected 2 files, got %+v", p)
	}
}

func TestQuickScanDefaults(t *testing.T) {
	svc, _, sink := newTestService(t)
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a", "b", "mid.txt"), "password=1")
	mustWrite(t, filepath.Join(root, "a", "b", "c", "deep.txt"), "password=2")
	mustWrite(t, filepath.Join(root, "big.txt"), "password="+strings.Repeat("x", quickScanMaxFileSize))

	p := startAndWait(t, svc, Request{ScanKind: model.ScanQuick, TargetPath: root})
	if p.FilesScanned != 1 || p.FilesFailed != 1 {
		t.Fatalf("expected mid.txt scanned and big.txt rejected, got %+v", p)
	}
	for _, r := range sink.snapshot() {
		if strings.HasSuffix(r.Path, "deep.txt") {
			t.Fatal("deep.txt lies beyond the quick scan depth")
		}
	}
}

func TestOversizedFileIsUnsuccessfulResult(t *testing.T) {
	svc, _, sink := newTestService(t)
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "big.txt"), strings.Repeat("password=", 20))
	mustWrite(t, filepath.Join(root, "small.txt"), "password=")

	p := startAndWait(t, svc, Request{TargetPath: root, Options: Options{MaxFileSize: 50}})
	if p.Status != model.ScanCompleted {
		t.Fatalf("oversized files must not fail the job: %+v", p)
	}
	if p.FilesScanned != 1 || p.FilesFailed != 1 || p.TotalThreats != 1 {
		t.Fatalf("unexpected progress %+v", p)
	}
	for _, r := range sink.snapshot() {
		if strings.HasSuffix(r.Path, "big.txt") && (r.Success || r.Error == "") {
			t.Fatalf("expected unsuccessful result for big.txt, got %+v", r)
		}
	}
}

func TestCancelMidScan(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	root := t.TempDir()
	const total = 40
	for i := 0; i < total; i++ {
		mustWrite(t, filepath.Join(root, fmt.Sprintf("f%02d.txt", i)), "password=x")
	}

	id, err := svc.Start(ctx, "alice", Request{TargetPath: root, Options: Options{MaxIOPerSecond: 10}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		p, err := svc.GetProgress(ctx, "alice", id)
		if err != nil {
			t.Fatalf("progress: %v", err)
		}
		if p.FilesScanned >= progressEvery {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no progress persisted: %+v", p)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := svc.Cancel(ctx, "alice", id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	svc.Wait()
	p, err := svc.GetProgress(ctx, "alice", id)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Status != model.ScanCancelled {
		t.Fatalf("expected cancelled, got %s", p.Status)
	}
	if p.FilesScanned >= total {
		t.Fatalf("expected fewer than %d files scanned, got %d", total, p.FilesScanned)
	}

	time.Sleep(200 * time.Millisecond)
	after, _ := svc.GetProgress(ctx, "alice", id)
	if after.FilesScanned != p.FilesScanned || after.Status != model.ScanCancelled {
		t.Fatalf("progress changed after cancellation: %+v -> %+v", p, after)
	}
	if after.ElapsedTime != p.ElapsedTime {
		t.Fatal("elapsed time of a terminal job must be frozen")
	}
	if err := svc.Cancel(ctx, "alice", id); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("cancelling a terminal job must fail validation, got %v", err)
	}
}

func TestOwnershipAndDelete(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		mustWrite(t, filepath.Join(root, fmt.Sprintf("f%d.txt", i)), "password=x")
	}

	id, err := svc.Start(ctx, "alice", Request{TargetPath: root, Options: Options{MaxIOPerSecond: 1}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.GetProgress(ctx, "bob", id); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("get: expected forbidden, got %v", err)
	}
	if err := svc.Cancel(ctx, "bob", id); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("cancel: expected forbidden, got %v", err)
	}
	if err := svc.Delete(ctx, "bob", id); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("delete: expected forbidden, got %v", err)
	}
	if err := svc.Delete(ctx, "alice", id); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("deleting a running job must be rejected, got %v", err)
	}
	if _, err := svc.GetProgress(ctx, "alice", "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := svc.Cancel(ctx, "alice", id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	svc.Wait()
	jobs, err := svc.List(ctx, "alice")
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d (%v)", len(jobs), err)
	}
	if err := svc.Delete(ctx, "alice", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetProgress(ctx, "alice", id); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestCancelOrphanedRunningJob(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	orphan := model.ScanJob{ID: "orphan", OwnerID: "alice", Status: model.ScanRunning, StartedAt: time.Now()}
	if err := db.CreateJob(ctx, orphan); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Cancel(ctx, "alice", "orphan"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	p, _ := svc.GetProgress(ctx, "alice", "orphan")
	if p.Status != model.ScanCancelled {
		t.Fatalf("expected cancelled, got %s", p.Status)
	}
}

// staleJobStore returns a saved snapshot from the next GetJob call, which
// reproduces a read that happened before the job's final write.
type staleJobStore struct {
	store.JobStore
	mu    sync.Mutex
	stale *model.ScanJob
}

func (s *staleJobStore) GetJob(ctx context.Context, id string) (model.ScanJob, error) {
	s.mu.Lock()
	stale := s.stale
	s.stale = nil
	s.mu.Unlock()
	if stale != nil && stale.ID == id {
		return *stale, nil
	}
	return s.JobStore.GetJob(ctx, id)
}

func TestCancelAfterCompletionKeepsTerminalState(t *testing.T) {
	db, err := store.OpenBolt(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	rule := policy.Rule{ID: "pw", OwnerID: "alice", Name: "password", Pattern: "password=", Kind: policy.KindKeyword, Enabled: true}
	if err := db.CreateRule(ctx, rule); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	jobs := &staleJobStore{JobStore: db}
	svc := NewService(db, jobs, nil, ServiceOptions{})
	defer svc.Close()

	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.txt"), "password=1")
	id, err := svc.Start(ctx, "alice", Request{TargetPath: root})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	svc.Wait()

	done, err := db.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if done.Status != model.ScanCompleted || done.TotalMatches != 1 {
		t.Fatalf("unexpected final job: %+v", done)
	}

	snapshot := done
	snapshot.Status = model.ScanRunning
	snapshot.CompletedAt = nil
	snapshot.FilesScanned = 0
	snapshot.TotalMatches = 0
	jobs.mu.Lock()
	jobs.stale = &snapshot
	jobs.mu.Unlock()

	if err := svc.Cancel(ctx, "alice", id); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for finished job, got %v", err)
	}
	after, err := db.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if after.Status != model.ScanCompleted || after.FilesScanned != 1 || after.TotalMatches != 1 {
		t.Fatalf("terminal state overwritten: %+v", after)
	}
}
