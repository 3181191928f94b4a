package appointment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var appointmentRowColumns = []string{
	"id", "patient_id", "doctor_id", "slot_date", "slot_time", "amount",
	"patient_snapshot", "doctor_snapshot", "status", "payment_session_id", "payment_details",
	"cancelled_by", "created_at", "updated_at", "paid_at", "completed_at", "cancelled_at",
}

type rowOpts struct {
	status    Status
	sessionID *string
	details   []byte
	paidAt    *time.Time
}

func appointmentRow(id, patientID, doctorID uuid.UUID, o rowOpts) *pgxmock.Rows {
	now := time.Date(2024, 4, 20, 9, 0, 0, 0, time.UTC)
	return pgxmock.NewRows(appointmentRowColumns).AddRow(
		id, patientID, doctorID, "2024-05-01", "10:00", int64(500),
		[]byte(`{"_id":"`+patientID.String()+`","name":"Asha","email":"asha@example.com","phone":"","image":""}`),
		[]byte(`{"_id":"`+doctorID.String()+`","name":"Dr. Rao","speciality":"Dermatology","degree":"MBBS","image":"","fees":500}`),
		string(o.status), o.sessionID, o.details,
		(*string)(nil), now, now, o.paidAt, (*time.Time)(nil), (*time.Time)(nil),
	)
}

func TestCreateAppointment(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgRepository(mock)
	id, patientID, doctorID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(id, patientID, doctorID, "2024-05-01", "10:00", int64(500), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(appointmentRow(id, patientID, doctorID, rowOpts{status: StatusBooked}))

	a, err := repo.Create(context.Background(), &Appointment{
		ID:        id,
		PatientID: patientID,
		DoctorID:  doctorID,
		SlotDate:  "2024-05-01",
		SlotTime:  "10:00",
		Amount:    500,
		Patient:   PatientSnapshot{ID: patientID, Name: "Asha"},
		Doctor:    DoctorSnapshot{ID: doctorID, Name: "Dr. Rao", Fees: 500},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, a.Status)
	assert.Equal(t, "Dr. Rao", a.Doctor.Name)
	assert.Equal(t, int64(500), a.Doctor.Fees)
	assert.Equal(t, "asha@example.com", a.Patient.Email)
	assert.Nil(t, a.PaymentDetails)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgRepository(mock)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM appointments").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err = repo.GetByID(context.Background(), id)
	require.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestTransitionIsConditionalOnStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgRepository(mock)
	id, patientID, doctorID := uuid.New(), uuid.New(), uuid.New()
	by := "patient"

	mock.ExpectQuery("UPDATE appointments SET status = \\$2").
		WithArgs(id, "cancelled", []string{"booked", "paid"}, pgxmock.AnyArg()).
		WillReturnRows(appointmentRow(id, patientID, doctorID, rowOpts{status: StatusCancelled}))

	a, err := repo.Transition(context.Background(), id, []Status{StatusBooked, StatusPaid}, StatusCancelled, &by)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, a.Status)

	// No row: either unknown or the precondition failed.
	mock.ExpectQuery("UPDATE appointments SET status = \\$2").
		WithArgs(id, "cancelled", []string{"booked", "paid"}, pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	_, err = repo.Transition(context.Background(), id, []Status{StatusBooked, StatusPaid}, StatusCancelled, &by)
	require.ErrorIs(t, err, ErrAppointmentNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPaidDecodesDetails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgRepository(mock)
	id, patientID, doctorID := uuid.New(), uuid.New(), uuid.New()
	session := "cs_test_1"
	paidAt := time.Date(2024, 4, 20, 9, 5, 0, 0, time.UTC)

	mock.ExpectQuery("UPDATE appointments SET status = 'paid'").
		WithArgs(id, session, pgxmock.AnyArg()).
		WillReturnRows(appointmentRow(id, patientID, doctorID, rowOpts{
			status:    StatusPaid,
			sessionID: &session,
			details:   []byte(`{"amount_total":50000,"currency":"usd","customer_email":"payer@example.com"}`),
			paidAt:    &paidAt,
		}))

	a, err := repo.MarkPaid(context.Background(), id, session, PaymentDetails{AmountTotal: 50000, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, a.Status)
	assert.True(t, a.HasSession(session))
	require.NotNil(t, a.PaymentDetails)
	assert.Equal(t, int64(50000), a.PaymentDetails.AmountTotal)
	assert.Equal(t, "payer@example.com", a.PaymentDetails.CustomerEmail)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByPatient(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgRepository(mock)
	id, patientID, doctorID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM appointments WHERE patient_id = \\$1").
		WithArgs(patientID, 20, 0).
		WillReturnRows(appointmentRow(id, patientID, doctorID, rowOpts{status: StatusBooked}))

	list, err := repo.ListByPatient(context.Background(), patientID, 20, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEvent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgRepository(mock)
	id := uuid.New()

	mock.ExpectExec("INSERT INTO event_logs").
		WithArgs(EventAppointmentCancelled, &id, []byte(`{}`), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = repo.InsertEvent(context.Background(), EventLog{
		EventType:     EventAppointmentCancelled,
		AppointmentID: &id,
		Payload:       []byte(`{}`),
		CreatedAt:     time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
