package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/zoff-tech/go-courier/schema"
)

var messageColumnNames = []string{
	"id", "client_id", "direction", "content", "media_urls", "provider", "provider_message_id",
	"delivery_status", "delivery_attempts", "last_delivery_attempt_at", "last_error", "metadata",
	"created_at", "updated_at",
}

func TestStoreOutbound_InsertsQueuedMessage(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresMessageRepository(db)

	mock.ExpectExec(`INSERT INTO messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	msg, err := repo.StoreOutbound(context.Background(), OutboundMessageParams{
		ClientID: "c1",
		Content:  "hello",
		Provider: schema.ProviderSMS,
	}, schema.DeliveryQueued)
	assert.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, schema.DirectionOutbound, msg.Direction)
	assert.Equal(t, schema.DeliveryQueued, msg.DeliveryStatus)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDeliveryStatus_TerminalGuard(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresMessageRepository(db)

	// The guarded UPDATE matches nothing; the follow-up lookup finds a
	// terminal message.
	mock.ExpectExec(`UPDATE messages SET delivery_status=`).
		WithArgs("m1", schema.DeliveryDelivered, "").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT delivery_status FROM messages`).
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"delivery_status"}).AddRow("failed"))

	err = repo.UpdateDeliveryStatus(context.Background(), "m1", schema.DeliveryDelivered, "")
	assert.ErrorIs(t, err, ErrTerminalStatus)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDeliveryStatus_UnknownMessage(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresMessageRepository(db)

	mock.ExpectExec(`UPDATE messages SET delivery_status=`).
		WithArgs("nope", schema.DeliverySent, "").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT delivery_status FROM messages`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"delivery_status"}))

	err = repo.UpdateDeliveryStatus(context.Background(), "nope", schema.DeliverySent, "")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByID_ScansMessage(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresMessageRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM messages WHERE id=`).
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows(messageColumnNames).
			AddRow("m1", "c1", "outbound", "hello", nil, "sms-carrier", "pm-1",
				"sent", 1, now, nil, []byte(`{"campaign":"spring"}`), now, now))

	msg, err := repo.FindByID(context.Background(), "m1")
	assert.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "pm-1", msg.ProviderMessageID)
	assert.Equal(t, schema.DeliverySent, msg.DeliveryStatus)
	assert.Equal(t, 1, msg.DeliveryAttempts)
	assert.NotNil(t, msg.LastDeliveryAttemptAt)
	assert.Equal(t, "spring", msg.Metadata["campaign"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresMessageRepository(db)

	mock.ExpectQuery(`FROM messages WHERE id=`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(messageColumnNames))

	_, err = repo.FindByID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindStuck_FiltersOutboundNonTerminal(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresMessageRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM messages`).
		WithArgs(sqlmock.AnyArg(), 50).
		WillReturnRows(sqlmock.NewRows(messageColumnNames).
			AddRow("m1", "c1", "outbound", "hello", nil, "sms-carrier", nil,
				"queued", 0, nil, nil, nil, now, now))

	stuck, err := repo.FindStuck(context.Background(), now, 50)
	assert.NoError(t, err)
	assert.Len(t, stuck, 1)
	assert.Equal(t, "m1", stuck[0].ID)
	assert.Empty(t, stuck[0].ProviderMessageID)

	assert.NoError(t, mock.ExpectationsWereMet())
}
