package signalstore

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"futuresbridge/internal/models"
	"futuresbridge/internal/repository"
	"futuresbridge/pkg/utils"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	repo := repository.NewSignalRepository(db)
	log := utils.InitLogger(utils.LogConfig{Level: "error"})
	return New(repo, log), mock, func() { db.Close() }
}

// TestRecordAdmitsFirstThenDedups is spec.md §8's dedup invariant: two
// signals with the same dedup_key within the window must not both be
// accepted.
func TestRecordAdmitsFirstThenDedups(t *testing.T) {
	s, mock, closeFn := newTestStore(t)
	defer closeFn()

	mock.ExpectQuery(`INSERT INTO signals`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	sig := &models.Signal{DedupKey: "tok|buy|MNQ|1700000000"}
	ok, err := s.Record(context.Background(), sig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("first Record should be admitted")
	}

	dup := &models.Signal{DedupKey: "tok|buy|MNQ|1700000000"}
	ok, err = s.Record(context.Background(), dup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("duplicate dedup_key within the window must be rejected")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations (dup should not have hit Insert): %v", err)
	}
}

// TestRecordDistinctKeysBothAdmitted checks unrelated signals are not
// falsely collapsed.
func TestRecordDistinctKeysBothAdmitted(t *testing.T) {
	s, mock, closeFn := newTestStore(t)
	defer closeFn()

	mock.ExpectQuery(`INSERT INTO signals`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO signals`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))

	a := &models.Signal{DedupKey: "key-a"}
	b := &models.Signal{DedupKey: "key-b"}

	okA, err := s.Record(context.Background(), a)
	if err != nil || !okA {
		t.Fatalf("key-a: ok=%v err=%v", okA, err)
	}
	okB, err := s.Record(context.Background(), b)
	if err != nil || !okB {
		t.Fatalf("key-b: ok=%v err=%v", okB, err)
	}
}

// TestRecordColdIndexFallback simulates a process restart: the in-memory
// index is empty but the repository already holds the dedup key.
func TestRecordColdIndexFallback(t *testing.T) {
	s, mock, closeFn := newTestStore(t)
	defer closeFn()

	mock.ExpectQuery(`SELECT 1 FROM signals WHERE dedup_key`).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	sig := &models.Signal{DedupKey: "already-durable"}
	ok, err := s.Record(context.Background(), sig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("a dedup_key already durable via the repository fallback must not be re-admitted")
	}
}
