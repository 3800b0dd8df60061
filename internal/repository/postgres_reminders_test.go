package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"lifetrack-reminder/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockRemindersDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresRemindersRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewPostgresRemindersRepository(db, logger)

	return db, mock, repo
}

func reminderRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"reminder_id", "owner_id", "device_id", "title", "body",
		"kind", "pattern_type", "trigger_at", "at_hour", "at_minute", "weekdays",
		"mode", "status", "notification_handles", "next_trigger_at",
		"delivered", "completed_at", "repair_attempts", "created_at", "updated_at",
	})
}

// ============================================
// 基础 CRUD 操作测试
// ============================================

func TestGetReminder_Success(t *testing.T) {
	db, mock, repo := setupMockRemindersDB(t)
	defer db.Close()

	ctx := context.Background()
	reminderID := uuid.New().String()
	ownerID := uuid.New().String()
	deviceID := uuid.New().String()
	next := time.Now().Add(time.Hour)

	rows := reminderRows().AddRow(
		reminderID, ownerID, deviceID, "Workout", "Leg day",
		"custom", "weekly", nil, 7, 0, "{1,3}",
		"normal", "scheduled", `{h-1,h-2}`, next,
		false, nil, 0, time.Now(), time.Now(),
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs(reminderID, ownerID).
		WillReturnRows(rows)

	m, err := repo.GetReminder(ctx, ownerID, reminderID)

	require.NoError(t, err)
	assert.Equal(t, reminderID, m.ReminderID)
	assert.Equal(t, "weekly", m.PatternType)
	assert.Equal(t, []int{1, 3}, m.Weekdays)
	assert.Equal(t, []string{"h-1", "h-2"}, m.NotificationHandles)
	require.NotNil(t, m.AtHour)
	assert.Equal(t, 7, *m.AtHour)
	require.NotNil(t, m.NextTriggerAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReminder_NotFound(t *testing.T) {
	db, mock, repo := setupMockRemindersDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WithArgs("missing", "owner").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetReminder(context.Background(), "owner", "missing")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateReminder_Success(t *testing.T) {
	db, mock, repo := setupMockRemindersDB(t)
	defer db.Close()

	at := time.Now().Add(2 * time.Hour)
	m := newTestReminder(at)

	mock.ExpectExec(`INSERT INTO reminders`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CreateReminder(context.Background(), m)
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// 守护更新测试（幂等完成 / 单调送达）
// ============================================

func TestCompleteReminder_Idempotent(t *testing.T) {
	db, mock, repo := setupMockRemindersDB(t)
	defer db.Close()

	ctx := context.Background()
	reminderID := uuid.New().String()
	now := time.Now()

	// 第一次调用：执行了状态转移
	mock.ExpectExec(`UPDATE reminders SET`).
		WithArgs(reminderID, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	performed, err := repo.CompleteReminder(ctx, reminderID, now)
	require.NoError(t, err)
	assert.True(t, performed)

	// 第二次调用：completed_at 已非空，守护条件不命中，无写入
	mock.ExpectExec(`UPDATE reminders SET`).
		WithArgs(reminderID, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	performed, err = repo.CompleteReminder(ctx, reminderID, now)
	require.NoError(t, err)
	assert.False(t, performed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDelivered_Monotonic(t *testing.T) {
	db, mock, repo := setupMockRemindersDB(t)
	defer db.Close()

	reminderID := uuid.New().String()

	mock.ExpectExec(`UPDATE reminders SET delivered`).
		WithArgs(reminderID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE reminders SET delivered`).
		WithArgs(reminderID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	performed, err := repo.MarkDelivered(context.Background(), reminderID)
	require.NoError(t, err)
	assert.True(t, performed)

	performed, err = repo.MarkDelivered(context.Background(), reminderID)
	require.NoError(t, err)
	assert.False(t, performed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateHandles_ReplacesList(t *testing.T) {
	db, mock, repo := setupMockRemindersDB(t)
	defer db.Close()

	reminderID := uuid.New().String()
	next := time.Now().Add(time.Hour)

	mock.ExpectExec(`UPDATE reminders SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateHandles(context.Background(), reminderID, []string{"h-new"}, &next)
	require.NoError(t, err)

	// nil 句柄列表写入为空数组而非 NULL
	mock.ExpectExec(`UPDATE reminders SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.UpdateHandles(context.Background(), reminderID, nil, nil)
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateHandles_NotFound(t *testing.T) {
	db, mock, repo := setupMockRemindersDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE reminders SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateHandles(context.Background(), "missing", []string{"h"}, nil)
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveReminders(t *testing.T) {
	db, mock, repo := setupMockRemindersDB(t)
	defer db.Close()

	ownerID := uuid.New().String()

	rows := reminderRows().AddRow(
		uuid.New().String(), ownerID, "dev-1", "Water", "Drink water",
		"local", "daily", nil, 9, 30, "{}",
		"normal", "scheduled", `{h-1}`, time.Now().Add(time.Hour),
		false, nil, 0, time.Now(), time.Now(),
	).AddRow(
		uuid.New().String(), ownerID, "dev-1", "Dentist", "",
		"local", "one_time", time.Now().Add(24*time.Hour), nil, nil, "{}",
		"alarm", "scheduled", `{h-2}`, time.Now().Add(24*time.Hour),
		false, nil, 0, time.Now(), time.Now(),
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs(ownerID).
		WillReturnRows(rows)

	list, err := repo.ListActiveReminders(context.Background(), ownerID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "daily", list[0].PatternType)
	assert.Equal(t, "one_time", list[1].PatternType)
	assert.Nil(t, list[0].TriggerAt)
	assert.NotNil(t, list[1].TriggerAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func newTestReminder(at time.Time) *models.Reminder {
	hour := at.Hour()
	minute := at.Minute()
	return &models.Reminder{
		ReminderID:          uuid.New().String(),
		OwnerID:             uuid.New().String(),
		DeviceID:            uuid.New().String(),
		Title:               "Test",
		Body:                "Body",
		Kind:                "local",
		PatternType:         "daily",
		AtHour:              &hour,
		AtMinute:            &minute,
		Mode:                "normal",
		Status:              "draft",
		NotificationHandles: []string{},
	}
}
