package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// mockExecutor はSQLクエリの内容と引数を記録する。
type mockExecutor struct {
	calls  int
	query  string
	args   []interface{}
	result sql.Result
	err    error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.calls++
	m.query = query
	m.args = args
	return m.result, m.err
}

type recordingRecorder struct {
	job    string
	counts map[string]int
}

func (r *recordingRecorder) RecordScan(job string, counts map[string]int, duration time.Duration) {
	r.job, r.counts = job, counts
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var testNow = time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

func TestNewCleanupJob_DefaultRetention(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockExecutor{}, newTestLogger(&buf), nil)

	if job.Retention != 30*24*time.Hour {
		t.Errorf("Retention = %v, want 720h", job.Retention)
	}
}

func TestCleanupJob_Run_DeletesOlderThanCutoff(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{rowsAffected: 5}}
	rec := &recordingRecorder{}
	job := NewCleanupJob(mock, newTestLogger(&buf), rec)
	job.now = func() time.Time { return testNow }

	deleted, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if deleted != 5 {
		t.Errorf("deleted = %d, want 5", deleted)
	}

	if !strings.Contains(mock.query, "DELETE FROM webhook_dead_letters") || !strings.Contains(mock.query, "created_at < $1") {
		t.Errorf("クエリが想定と異なる: %s", mock.query)
	}
	cutoff, ok := mock.args[0].(time.Time)
	if !ok {
		t.Fatalf("第1引数が time.Time ではない: %T", mock.args[0])
	}
	if want := testNow.Add(-30 * 24 * time.Hour); !cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", cutoff, want)
	}

	if rec.job != "dead_letter_cleanup" || rec.counts["deleted"] != 5 {
		t.Errorf("recorder = %+v", rec)
	}
}

func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockExecutor{result: &fakeResult{rowsAffected: 42}}, newTestLogger(&buf), nil)

	if _, err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	found := false
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry["deleted_count"] == float64(42) {
			found = true
		}
	}
	if !found {
		t.Errorf("ログに deleted_count=42 が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_ReturnsErrorOnDBFailure(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockExecutor{err: sql.ErrConnDone}, newTestLogger(&buf), nil)

	if _, err := job.Run(context.Background()); err == nil {
		t.Fatal("DB障害時にエラーが返されなかった")
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラーログが出力されていない: %s", buf.String())
	}
}

func TestCleanupJob_Start_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{}}
	job := NewCleanupJob(mock, newTestLogger(&buf), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後に Start が終了しない")
	}
}
