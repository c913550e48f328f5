package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_StageWithTransportsIsTransactional(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox_messages").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_transport_deliveries").
		WithArgs("m1", "kafka", "orders", "Pending", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_transport_deliveries").
		WithArgs("m1", "sqs", "orders", "Pending", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg := &OutboundMessage{ID: "m1", Destination: "orders", Payload: []byte(`{}`)}
	err = store.StageWithTransports(context.Background(), msg, []TransportDelivery{
		{TransportName: "kafka", Destination: "orders"},
		{TransportName: "sqs", Destination: "orders"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StageRollsBackOnDeliveryInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox_messages").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_transport_deliveries").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	msg := &OutboundMessage{ID: "m1", Destination: "orders"}
	err = store.StageWithTransports(context.Background(), msg, []TransportDelivery{
		{TransportName: "kafka", Destination: "orders"},
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkSentGuardsPublished(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewPostgresStore(db)

	mock.ExpectExec("UPDATE outbox_messages").
		WithArgs("Published", sqlmock.AnyArg(), "m1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkSent(context.Background(), "m1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkTransportSentPromotesInOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outbox_transport_deliveries").
		WithArgs("Sent", "m1", "kafka").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE outbox_messages").
		WithArgs("Published", "m1", "Sent").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.MarkTransportSent(context.Background(), "m1", "kafka"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetUnsentScansRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := NewPostgresStore(db)

	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "message_type", "payload", "destination", "headers", "correlation_id",
		"scheduled_at", "status", "retry_count", "last_error", "created_at", "last_attempt_at",
	}).AddRow("m1", "test.Event", []byte(`{}`), "orders", []byte(`{"k":"v"}`), "corr-1",
		nil, "Staged", 0, nil, created, nil)

	mock.ExpectQuery("SELECT (.+) FROM outbox_messages").
		WillReturnRows(rows)

	msgs, err := store.GetUnsent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, StatusStaged, msgs[0].Status)
	assert.Equal(t, "corr-1", msgs[0].CorrelationID)
	assert.Equal(t, map[string]string{"k": "v"}, msgs[0].Headers)
	require.NoError(t, mock.ExpectationsWereMet())
}
