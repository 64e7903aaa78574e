package storage

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_jobs_status_run_after",
		"idx_jobs_kind_target",
		"idx_embeddings_entity_model",
		"idx_embeddings_notebook_model",
		"idx_sources_notebook",
		"idx_notes_source",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestBuiltinTransformationsSeeded(t *testing.T) {
	s := openTestStore(t)

	all, err := s.ListTransformations(false)
	if err != nil {
		t.Fatalf("ListTransformations: %v", err)
	}
	names := map[string]bool{}
	for _, tr := range all {
		names[tr.Name] = true
	}
	if !names["summary"] || !names["key_points"] {
		t.Errorf("builtin transformations missing, got %v", names)
	}

	defaults, err := s.ListTransformations(true)
	if err != nil {
		t.Fatalf("ListTransformations(true): %v", err)
	}
	if len(defaults) != 0 {
		t.Errorf("expected no default transformations, got %d", len(defaults))
	}
}

func seedSource(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.CreateNotebook(Notebook{ID: "nb-" + id, Name: "Notebook"}); err != nil {
		t.Fatalf("CreateNotebook: %v", err)
	}
	if err := s.CreateSource(Source{ID: id, NotebookID: "nb-" + id, Title: "Doc", ContentType: "text/plain"}); err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
}

func TestSourceLifecycle(t *testing.T) {
	s := openTestStore(t)
	seedSource(t, s, "src-1")

	src, err := s.GetSource("src-1")
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if src.Status != SourcePending {
		t.Fatalf("Status = %q, want pending", src.Status)
	}
	if src.NoteIDs == nil || len(src.NoteIDs) != 0 {
		t.Errorf("NoteIDs = %v, want empty slice", src.NoteIDs)
	}

	if err := s.CompleteSource("src-1", "text", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("CompleteSource from pending: err = %v, want ErrInvalidTransition", err)
	}

	if err := s.TransitionSource("src-1", SourceProcessing, false); err != nil {
		t.Fatalf("pending -> processing: %v", err)
	}
	if err := s.CompleteSource("src-1", "hello world", "application/pdf"); err != nil {
		t.Fatalf("CompleteSource: %v", err)
	}

	src, err = s.GetSource("src-1")
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if src.Status != SourceDone || src.Text != "hello world" || src.ContentType != "application/pdf" {
		t.Errorf("after complete: status=%q text=%q type=%q", src.Status, src.Text, src.ContentType)
	}

	// done never reverts without an explicit re-ingest.
	if err := s.TransitionSource("src-1", SourceProcessing, false); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("done -> processing without reingest: err = %v, want ErrInvalidTransition", err)
	}
	if err := s.TransitionSource("src-1", SourcePending, true); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("done -> pending: err = %v, want ErrInvalidTransition", err)
	}
	if err := s.TransitionSource("src-1", SourceProcessing, true); err != nil {
		t.Errorf("done -> processing with reingest: %v", err)
	}
	if err := s.TransitionSource("src-1", SourceFailed, false); err != nil {
		t.Errorf("processing -> failed: %v", err)
	}
	if err := s.TransitionSource("src-1", SourceProcessing, false); err != nil {
		t.Errorf("failed -> processing: %v", err)
	}
}

func TestTransitionSource_NotFound(t *testing.T) {
	s := openTestStore(t)
	if err := s.TransitionSource("missing", SourceProcessing, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestNotesAttachToSource(t *testing.T) {
	s := openTestStore(t)
	seedSource(t, s, "src-n")

	for _, id := range []string{"note-1", "note-2"} {
		if err := s.CreateNote(Note{ID: id, NotebookID: "nb-src-n", SourceID: "src-n", Content: "c", Kind: NoteAI}); err != nil {
			t.Fatalf("CreateNote %s: %v", id, err)
		}
	}
	if err := s.CreateNote(Note{ID: "note-h", NotebookID: "nb-src-n", Content: "mine"}); err != nil {
		t.Fatalf("CreateNote human: %v", err)
	}

	src, err := s.GetSource("src-n")
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if len(src.NoteIDs) != 2 || src.NoteIDs[0] != "note-1" || src.NoteIDs[1] != "note-2" {
		t.Errorf("NoteIDs = %v, want [note-1 note-2]", src.NoteIDs)
	}

	human, err := s.GetNote("note-h")
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if human.Kind != NoteHuman || human.SourceID != "" {
		t.Errorf("human note: kind=%q source=%q", human.Kind, human.SourceID)
	}

	all, err := s.ListNotes("nb-src-n", "")
	if err != nil {
		t.Fatalf("ListNotes: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListNotes returned %d notes, want 3", len(all))
	}
}

// --- Jobs ---

func enqueue(t *testing.T, s *Store, kind, target string, maxAttempts int) string {
	t.Helper()
	id, err := s.Enqueue(kind, target, map[string]string{"source_id": target}, maxAttempts)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

// makeDue moves run_after into the past so a retrying job is claimable.
func makeDue(t *testing.T, s *Store, id string) {
	t.Helper()
	if _, err := s.db.Exec(`UPDATE jobs SET run_after = 0 WHERE id = ?`, id); err != nil {
		t.Fatalf("makeDue: %v", err)
	}
}

func TestClaimNextJob_OldestFirst(t *testing.T) {
	s := openTestStore(t)
	first := enqueue(t, s, JobKindIngest, "a", 0)
	enqueue(t, s, JobKindIngest, "b", 0)
	enqueue(t, s, JobKindEmbed, "c", 0)

	job, err := s.ClaimNextJob("w1", []string{JobKindIngest}, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil || job.ID != first {
		t.Fatalf("claimed %+v, want job %s", job, first)
	}
	if job.Status != JobRunning || job.Attempts != 1 || job.WorkerID != "w1" {
		t.Errorf("claimed job: status=%q attempts=%d worker=%q", job.Status, job.Attempts, job.WorkerID)
	}
	if job.LeaseExpiresAt.IsZero() {
		t.Error("LeaseExpiresAt not set")
	}
	if job.MaxAttempts != defaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", job.MaxAttempts, defaultMaxAttempts)
	}

	none, err := s.ClaimNextJob("w1", []string{"podcast"}, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJob(podcast): %v", err)
	}
	if none != nil {
		t.Errorf("claimed %s for an unknown kind", none.ID)
	}
}

func TestClaimNextJob_ConcurrentSingleWinner(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s1.Close()
	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s2.Close()

	enqueue(t, s1, JobKindIngest, "only", 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0
	for i, st := range []*Store{s1, s2, s1, s2} {
		wg.Add(1)
		go func(worker string, st *Store) {
			defer wg.Done()
			job, err := st.ClaimNextJob(worker, []string{JobKindIngest}, time.Minute)
			if err != nil {
				t.Errorf("ClaimNextJob(%s): %v", worker, err)
				return
			}
			if job != nil {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}(string(rune('a'+i)), st)
	}
	wg.Wait()

	if claims != 1 {
		t.Errorf("successful claims = %d, want exactly 1", claims)
	}
}

func TestFailJob_RetriesThenFails(t *testing.T) {
	s := openTestStore(t)
	const maxAttempts = 3
	id := enqueue(t, s, JobKindIngest, "src", maxAttempts)

	for failure := 1; failure <= maxAttempts+1; failure++ {
		makeDue(t, s, id)
		job, err := s.ClaimNextJob("w", []string{JobKindIngest}, time.Minute)
		if err != nil || job == nil {
			t.Fatalf("claim %d: job=%v err=%v", failure, job, err)
		}
		status, err := s.FailJob(id, "w", "provider timeout", false)
		if err != nil {
			t.Fatalf("FailJob %d: %v", failure, err)
		}

		want := JobRetrying
		if failure == maxAttempts+1 {
			want = JobFailed
		}
		if status != want {
			t.Fatalf("failure %d: status = %q, want %q", failure, status, want)
		}

		got, err := s.GetJob(id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.Attempts != failure {
			t.Errorf("failure %d: attempts = %d, want %d", failure, got.Attempts, failure)
		}
		if got.LastError != "provider timeout" {
			t.Errorf("LastError = %q", got.LastError)
		}
	}

	makeDue(t, s, id)
	job, err := s.ClaimNextJob("w", []string{JobKindIngest}, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job != nil {
		t.Error("failed job was claimed again")
	}
}

func TestFailJob_PermanentIsTerminal(t *testing.T) {
	s := openTestStore(t)
	id := enqueue(t, s, JobKindIngest, "src", 5)

	if _, err := s.ClaimNextJob("w", []string{JobKindIngest}, time.Minute); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	status, err := s.FailJob(id, "w", "unsupported content type", true)
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if status != JobFailed {
		t.Errorf("status = %q, want failed", status)
	}
}

func TestFailJob_BackoffSchedulesRunAfter(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	s.SetBackoff(ExponentialBackoff(time.Second, time.Minute))

	id := enqueue(t, s, JobKindEmbed, "e", 0)
	if _, err := s.ClaimNextJob("w", []string{JobKindEmbed}, time.Minute); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if _, err := s.FailJob(id, "w", "boom", false); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	got, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if want := base.Add(2 * time.Second); !got.RunAfter.Equal(want) {
		t.Errorf("RunAfter = %v, want %v", got.RunAfter, want)
	}

	job, err := s.ClaimNextJob("w", []string{JobKindEmbed}, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job != nil {
		t.Error("job claimed before its backoff elapsed")
	}
}

func TestExponentialBackoff_Capped(t *testing.T) {
	b := ExponentialBackoff(time.Second, 10*time.Second)
	cases := map[int]time.Duration{0: time.Second, 1: 2 * time.Second, 3: 8 * time.Second, 4: 10 * time.Second, 64: 10 * time.Second}
	for attempt, want := range cases {
		if got := b(attempt); got != want {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestLeaseExpiry_Reclaim(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	id := enqueue(t, s, JobKindIngest, "src", 0)
	if job, err := s.ClaimNextJob("crashed", []string{JobKindIngest}, time.Minute); err != nil || job == nil {
		t.Fatalf("first claim: job=%v err=%v", job, err)
	}

	if job, _ := s.ClaimNextJob("other", []string{JobKindIngest}, time.Minute); job != nil {
		t.Fatal("job reclaimed while lease still valid")
	}

	now = now.Add(2 * time.Minute)
	job, err := s.ClaimNextJob("other", []string{JobKindIngest}, time.Minute)
	if err != nil || job == nil {
		t.Fatalf("reclaim after expiry: job=%v err=%v", job, err)
	}
	if job.ID != id || job.WorkerID != "other" || job.Attempts != 2 {
		t.Errorf("reclaimed job: id=%s worker=%s attempts=%d", job.ID, job.WorkerID, job.Attempts)
	}

	if err := s.CompleteJob(id, "crashed"); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("CompleteJob by stale worker: err = %v, want ErrLeaseLost", err)
	}
	if _, err := s.FailJob(id, "crashed", "late", false); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("FailJob by stale worker: err = %v, want ErrLeaseLost", err)
	}
	if err := s.CompleteJob(id, "other"); err != nil {
		t.Errorf("CompleteJob by owner: %v", err)
	}
}

func TestLeaseExpiry_FinalAttemptFails(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	id := enqueue(t, s, JobKindIngest, "src", 1)
	for i := 0; i < 2; i++ {
		job, err := s.ClaimNextJob("w", []string{JobKindIngest}, time.Minute)
		if err != nil || job == nil {
			t.Fatalf("claim %d: job=%v err=%v", i, job, err)
		}
		now = now.Add(2 * time.Minute)
	}

	job, err := s.ClaimNextJob("w", []string{JobKindIngest}, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job != nil {
		t.Errorf("exhausted job %s handed out again", job.ID)
	}
	got, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != JobFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestExtendLease(t *testing.T) {
	s := openTestStore(t)
	id := enqueue(t, s, JobKindEmbed, "e", 0)
	job, err := s.ClaimNextJob("w", []string{JobKindEmbed}, time.Second)
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	if err := s.ExtendLease(id, "w", time.Hour); err != nil {
		t.Fatalf("ExtendLease: %v", err)
	}
	got, _ := s.GetJob(id)
	if !got.LeaseExpiresAt.After(job.LeaseExpiresAt) {
		t.Errorf("lease not extended: %v -> %v", job.LeaseExpiresAt, got.LeaseExpiresAt)
	}
	if err := s.ExtendLease(id, "intruder", time.Hour); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("ExtendLease by non-owner: err = %v, want ErrLeaseLost", err)
	}
}

func TestCancelJob(t *testing.T) {
	s := openTestStore(t)
	id := enqueue(t, s, JobKindTransform, "t", 0)

	if _, err := s.ClaimNextJob("w", []string{JobKindTransform}, time.Minute); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CancelJob(id); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	cancelled, err := s.IsJobCancelled(id)
	if err != nil || !cancelled {
		t.Errorf("IsJobCancelled = %v, %v", cancelled, err)
	}
	if err := s.ExtendLease(id, "w", time.Minute); !errors.Is(err, ErrJobCancelled) {
		t.Errorf("ExtendLease after cancel: err = %v, want ErrJobCancelled", err)
	}
	if err := s.CompleteJob(id, "w"); !errors.Is(err, ErrJobCancelled) {
		t.Errorf("CompleteJob after cancel: err = %v, want ErrJobCancelled", err)
	}
	if _, err := s.FailJob(id, "w", "late", false); !errors.Is(err, ErrJobCancelled) {
		t.Errorf("FailJob after cancel: err = %v, want ErrJobCancelled", err)
	}
	if err := s.CancelJob(id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second CancelJob: err = %v, want ErrInvalidTransition", err)
	}
	if err := s.CancelJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CancelJob(missing): err = %v, want ErrNotFound", err)
	}
}

func TestEnqueueOnce(t *testing.T) {
	s := openTestStore(t)
	job := Job{ID: "transform-of-ingest-1", Kind: JobKindTransform, TargetID: "src-1", PayloadJSON: `{"transformation_id":"tr-1"}`}

	created, err := s.EnqueueOnce(job)
	if err != nil || !created {
		t.Fatalf("first EnqueueOnce = %v, %v; want true, nil", created, err)
	}
	job.PayloadJSON = `{"transformation_id":"tr-2"}`
	created, err = s.EnqueueOnce(job)
	if err != nil || created {
		t.Fatalf("second EnqueueOnce = %v, %v; want false, nil", created, err)
	}

	got, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.PayloadJSON != `{"transformation_id":"tr-1"}` {
		t.Errorf("payload = %s, first insert should win", got.PayloadJSON)
	}
	if _, err := s.EnqueueOnce(Job{Kind: JobKindEmbed, TargetID: "src-1"}); err == nil {
		t.Error("EnqueueOnce without an id succeeded")
	}
}

func TestListJobs_Filter(t *testing.T) {
	s := openTestStore(t)
	enqueue(t, s, JobKindIngest, "src-1", 0)
	enqueue(t, s, JobKindEmbed, "src-1", 0)
	enqueue(t, s, JobKindEmbed, "src-2", 0)

	jobs, err := s.ListJobs(JobFilter{TargetID: "src-1"})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("jobs for src-1 = %d, want 2", len(jobs))
	}

	jobs, err = s.ListJobs(JobFilter{Kind: JobKindEmbed, Status: JobQueued})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("queued embed jobs = %d, want 2", len(jobs))
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetJob("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
