package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainservice "github.com/sogos/xqueue-dispatch/internal/domain/service"
)

func newMaintenanceServiceForTest(alert *fakeAlertSink) (*MaintenanceService, *fakeRepository, *fakeLMSClient, *fakeTelemetrySink) {
	repo := newFakeRepository()
	lms := &fakeLMSClient{}
	sink := &fakeTelemetrySink{}
	var alertSink domainservice.AlertSink
	if alert != nil {
		alertSink = alert
	}
	svc := NewMaintenanceService(repo, lms, sink, alertSink, testLogger{})
	return svc, repo, lms, sink
}

func TestMaintenanceService_RetireFailedSubmissions_RetiresAndAlerts(t *testing.T) {
	alert := &fakeAlertSink{}
	svc, repo, _, _ := newMaintenanceServiceForTest(alert)

	sub := seedSubmission(repo, "push-queue", "{}")
	sub.NumFailures = 5
	_ = repo.Update(context.Background(), sub)

	n, err := svc.RetireFailedSubmissions(context.Background(), nil, 3, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, alert.calls)

	got, err := repo.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, got.Retired)
}

func TestMaintenanceService_RetireFailedSubmissions_ForceSkipsLMSCallback(t *testing.T) {
	svc, repo, lms, _ := newMaintenanceServiceForTest(nil)

	sub := seedSubmission(repo, "push-queue", "{}")
	sub.NumFailures = 5
	_ = repo.Update(context.Background(), sub)

	n, err := svc.RetireFailedSubmissions(context.Background(), nil, 3, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, lms.calls, "force must retire without contacting the LMS")

	got, err := repo.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, got.Retired)
	assert.False(t, got.LMSAck)
}

func TestMaintenanceService_RetireFailedSubmissions_LeavesRowsUnderLimit(t *testing.T) {
	svc, repo, _, _ := newMaintenanceServiceForTest(nil)
	sub := seedSubmission(repo, "push-queue", "{}")
	sub.NumFailures = 1
	_ = repo.Update(context.Background(), sub)

	n, err := svc.RetireFailedSubmissions(context.Background(), nil, 3, false)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMaintenanceService_PushOrphanedSubmissions(t *testing.T) {
	alert := &fakeAlertSink{}
	svc, repo, _, _ := newMaintenanceServiceForTest(alert)

	sub := seedSubmission(repo, "push-queue", "{}")
	sub.ArrivalTime = time.Now().Add(-2 * time.Hour)
	_ = repo.Update(context.Background(), sub)

	n, err := svc.PushOrphanedSubmissions(context.Background(), "push-queue", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, alert.calls)
}

func TestMaintenanceService_RetireOldSubmissions_ForceRetiresRegardlessOfFailureCount(t *testing.T) {
	svc, repo, _, _ := newMaintenanceServiceForTest(nil)

	sub := seedSubmission(repo, "pull-queue", "{}")
	sub.ArrivalTime = time.Now().Add(-48 * time.Hour)
	_ = repo.Update(context.Background(), sub)

	n, err := svc.RetireOldSubmissions(context.Background(), "pull-queue", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, got.Retired)
}

func TestMaintenanceService_RetireOldSubmissions_ZeroCutoffRetiresEveryUnretiredRow(t *testing.T) {
	svc, repo, _, _ := newMaintenanceServiceForTest(nil)
	seedSubmission(repo, "pull-queue", "{}")
	seedSubmission(repo, "pull-queue", "{}")

	n, err := svc.RetireOldSubmissions(context.Background(), "pull-queue", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMaintenanceService_DeleteOldSubmissions_RemovesRetiredAndUnretiredRows(t *testing.T) {
	svc, repo, _, _ := newMaintenanceServiceForTest(nil)

	retired := seedSubmission(repo, "pull-queue", "{}")
	retired.Retired = true
	retired.ArrivalTime = time.Now().Add(-100 * 24 * time.Hour)
	_ = repo.Update(context.Background(), retired)

	active := seedSubmission(repo, "pull-queue", "{}")
	active.ArrivalTime = time.Now().Add(-100 * 24 * time.Hour)
	_ = repo.Update(context.Background(), active)

	n, err := svc.DeleteOldSubmissions(context.Background(), 30*24*time.Hour, 1000, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := repo.byID[retired.ID]
	assert.False(t, ok)
	_, ok = repo.byID[active.ID]
	assert.False(t, ok, "an unretired row past retention is deleted too")
}

func TestMaintenanceService_DeleteOldSubmissions_RejectsNonPositiveChunkSize(t *testing.T) {
	svc, _, _, _ := newMaintenanceServiceForTest(nil)

	n, err := svc.DeleteOldSubmissions(context.Background(), 30*24*time.Hour, 0, 0)
	require.ErrorIs(t, err, ErrInvalidChunkSize)
	assert.Equal(t, 0, n)
}

func TestMaintenanceService_EmitQueueCounts(t *testing.T) {
	svc, repo, _, sink := newMaintenanceServiceForTest(nil)
	seedSubmission(repo, "pull-queue", "{}")

	err := svc.EmitQueueCounts(context.Background())
	require.NoError(t, err)
	require.Len(t, sink.last, 1)
	assert.Equal(t, "pull-queue", sink.last[0].QueueName)
	assert.Equal(t, 1, sink.last[0].Count)
}
