package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sogos/xqueue-dispatch/internal/domain/entity"
)

func newMockRepo(t *testing.T) (*SubmissionRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &SubmissionRepository{db: db}, mock
}

func submissionRow() []string {
	return []string{
		"id", "requester_id", "lms_callback_url", "queue_name", "xqueue_header", "xqueue_body",
		"urls", "keys", "arrival_time", "pull_time", "push_time", "return_time",
		"grader_id", "pull_key", "grader_reply", "num_failures", "lms_ack", "retired",
	}
}

func TestSubmissionRepository_Create(t *testing.T) {
	repo, mock := newMockRepo(t)
	arrival := time.Now()

	mock.ExpectQuery(`INSERT INTO submissions`).
		WithArgs("1.2.3.4", "https://lms.test/cb", "essay", "{}", "body", "{}", "{}").
		WillReturnRows(sqlmock.NewRows([]string{"id", "arrival_time"}).AddRow(int64(7), arrival))

	sub := &entity.Submission{
		RequesterID:    "1.2.3.4",
		LMSCallbackURL: "https://lms.test/cb",
		QueueName:      "essay",
		XQueueHeader:   "{}",
		XQueueBody:     "body",
		URLs:           "{}",
		Keys:           "{}",
	}
	err := repo.Create(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, int64(7), sub.ID)
	assert.False(t, sub.Retired)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_Get_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT .* FROM submissions WHERE id = \$1`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(submissionRow()))

	sub, err := repo.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, sub)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_Get_Found(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM submissions WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(submissionRow()).AddRow(
			int64(5), "1.2.3.4", "https://lms.test/cb", "essay", "{}", "body",
			"{}", "{}", now, nil, nil, nil,
			"", "", "", 0, false, false,
		))

	sub, err := repo.Get(context.Background(), 5)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, int64(5), sub.ID)
	assert.Equal(t, "essay", sub.QueueName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_InvalidatePrior(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE submissions SET retired = true WHERE lms_callback_url = \$1 AND retired = false`).
		WithArgs("https://lms.test/cb").
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := repo.InvalidatePrior(context.Background(), "https://lms.test/cb")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_NextPullable_EmptyQueue(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(`UPDATE submissions`).
		WillReturnRows(sqlmock.NewRows(submissionRow()))

	sub, err := repo.NextPullable(context.Background(), "essay", now, time.Minute, now.String(), "1.2.3.4")
	require.NoError(t, err)
	assert.Nil(t, sub)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_QueueLength(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM submissions`).
		WithArgs("essay", now.Add(-time.Minute)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := repo.QueueLength(context.Background(), "essay", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_QueueCounts(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT queue_name, COUNT\(\*\) FROM submissions`).
		WillReturnRows(sqlmock.NewRows([]string{"queue_name", "count"}).
			AddRow("essay", 5).
			AddRow("quiz", 2))

	counts, err := repo.QueueCounts(context.Background())
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, "essay", counts[0].QueueName)
	assert.Equal(t, 5, counts[0].Count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_DeleteChunk(t *testing.T) {
	repo, mock := newMockRepo(t)
	cutoff := time.Now()

	mock.ExpectExec(`DELETE FROM submissions`).
		WithArgs(cutoff, 1000).
		WillReturnResult(sqlmock.NewResult(0, 250))

	n, err := repo.DeleteChunk(context.Background(), cutoff, 1000)
	require.NoError(t, err)
	assert.Equal(t, 250, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmissionRepository_UnretiredBefore_ZeroTimeMeansNoFilter(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT .* FROM submissions`).
		WithArgs("essay", nil).
		WillReturnRows(sqlmock.NewRows(submissionRow()))

	subs, err := repo.UnretiredBefore(context.Background(), "essay", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, subs)
	require.NoError(t, mock.ExpectationsWereMet())
}
