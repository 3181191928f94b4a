package booking_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/booking"
	"github.com/hackgods/clinic-booking/internal/fakes"
	"github.com/hackgods/clinic-booking/internal/identity"
	"github.com/hackgods/clinic-booking/internal/metrics"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
	"github.com/hackgods/clinic-booking/internal/roster"
	"github.com/hackgods/clinic-booking/internal/slots"
)

// unlocked runs fn directly so tests exercise the ledger guarantee alone.
type unlocked struct{}

func (unlocked) WithDoctorLock(ctx context.Context, _ uuid.UUID, fn func(context.Context) error) error {
	return fn(ctx)
}

type env struct {
	roster    *fakes.Roster
	ledger    *fakes.Ledger
	repo      *fakes.AppointmentRepo
	locker    *fakes.Locker
	lifecycle *appointment.Lifecycle
	svc       *booking.Service
	metrics   *metrics.BookingMetrics
}

func newEnv(t *testing.T, locker redisclient.DoctorLocker) *env {
	t.Helper()
	e := &env{
		roster: fakes.NewRoster(),
		ledger: fakes.NewLedger(),
		repo:   fakes.NewAppointmentRepo(),
		locker: fakes.NewLocker(),
	}
	e.ledger.Appointments = e.repo
	if locker == nil {
		locker = e.locker
	}
	e.metrics = metrics.NewBookingMetrics(prometheus.NewRegistry())
	e.lifecycle = appointment.NewLifecycle(e.repo, e.ledger, nil, e.metrics, zap.NewNop(), appointment.Policy{
		CompleteRequiresPayment: true,
		ReleaseAttempts:         2,
	})
	e.svc = booking.NewService(e.roster, e.ledger, e.lifecycle, locker, e.metrics, zap.NewNop())
	return e
}

func (e *env) book(p roster.Patient, d roster.Doctor, date, at string) (*appointment.Appointment, error) {
	return e.svc.Book(context.Background(), booking.BookRequest{PatientID: p.ID, DoctorID: d.ID, SlotDate: date, SlotTime: at})
}

func patientActor(p roster.Patient) identity.Actor {
	return identity.Actor{ID: p.ID, Role: identity.RolePatient}
}

func TestScenarioSecondBookingOfSameSlotFails(t *testing.T) {
	e := newEnv(t, nil)
	doctor := e.roster.AddDoctor("Dr. Rao", 500, true)
	p1, p2 := e.roster.AddPatient("asha"), e.roster.AddPatient("ben")

	a, err := e.book(p1, doctor, "2024-05-01", "10:00")
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusBooked, a.Status)
	assert.Equal(t, int64(500), a.Amount)
	assert.Equal(t, "Dr. Rao", a.Doctor.Name)
	assert.Equal(t, "asha", a.Patient.Name)

	booked, err := e.ledger.Booked(context.Background(), doctor.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"2024-05-01": {"10:00"}}, booked)

	_, err = e.book(p2, doctor, "2024-05-01", "10:00")
	require.ErrorIs(t, err, slots.ErrSlotTaken)
}

func TestEquivalentTimeFormatsNameTheSameSlot(t *testing.T) {
	e := newEnv(t, nil)
	doctor := e.roster.AddDoctor("Dr. Rao", 500, true)

	a, err := e.book(e.roster.AddPatient("asha"), doctor, "2024-05-01", "02:30 PM")
	require.NoError(t, err)
	assert.Equal(t, "14:30", a.SlotTime)

	_, err = e.book(e.roster.AddPatient("ben"), doctor, "2024-05-01", "14:30")
	require.ErrorIs(t, err, slots.ErrSlotTaken)
}

func TestBookValidation(t *testing.T) {
	e := newEnv(t, nil)
	doctor := e.roster.AddDoctor("Dr. Rao", 500, true)
	away := e.roster.AddDoctor("Dr. Away", 300, false)
	p := e.roster.AddPatient("asha")

	_, err := e.book(p, doctor, "01/05/2024", "10:00")
	require.ErrorIs(t, err, slots.ErrInvalidDate)

	_, err = e.book(p, doctor, "2024-05-01", "25:00")
	require.ErrorIs(t, err, slots.ErrInvalidTime)

	_, err = e.book(p, away, "2024-05-01", "10:00")
	require.ErrorIs(t, err, booking.ErrDoctorUnavailable)

	_, err = e.book(p, roster.Doctor{ID: uuid.New()}, "2024-05-01", "10:00")
	require.ErrorIs(t, err, roster.ErrDoctorNotFound)

	_, err = e.book(roster.Patient{ID: uuid.New()}, doctor, "2024-05-01", "10:00")
	require.ErrorIs(t, err, roster.ErrPatientNotFound)

	booked, err := e.ledger.Booked(context.Background(), doctor.ID)
	require.NoError(t, err)
	assert.Empty(t, booked, "rejected bookings must not hold slots")
}

func TestBookWhenDoctorLockBusy(t *testing.T) {
	e := newEnv(t, nil)
	e.locker.Busy = true
	doctor := e.roster.AddDoctor("Dr. Rao", 500, true)

	_, err := e.book(e.roster.AddPatient("asha"), doctor, "2024-05-01", "10:00")
	require.ErrorIs(t, err, booking.ErrDoctorBusy)
}

func TestBookReleasesSlotWhenPersistFails(t *testing.T) {
	e := newEnv(t, nil)
	e.repo.CreateErr = errors.New("insert failed")
	doctor := e.roster.AddDoctor("Dr. Rao", 500, true)

	_, err := e.book(e.roster.AddPatient("asha"), doctor, "2024-05-01", "10:00")
	require.Error(t, err)

	_, held := e.ledger.Holder(slots.Slot{DoctorID: doctor.ID, Date: "2024-05-01", Time: "10:00"})
	assert.False(t, held)

	e.repo.CreateErr = nil
	_, err = e.book(e.roster.AddPatient("ben"), doctor, "2024-05-01", "10:00")
	require.NoError(t, err)
}

func TestConcurrentBookingsOfOneSlot(t *testing.T) {
	for _, tc := range []struct {
		name   string
		locker redisclient.DoctorLocker
	}{
		{"with doctor lock", nil},
		{"ledger only", unlocked{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, tc.locker)
			doctor := e.roster.AddDoctor("Dr. Rao", 500, true)

			const n = 32
			patients := make([]roster.Patient, n)
			for i := range patients {
				patients[i] = e.roster.AddPatient(uuid.NewString())
			}

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
				taken     int
			)
			for _, p := range patients {
				wg.Add(1)
				go func(p roster.Patient) {
					defer wg.Done()
					_, err := e.book(p, doctor, "2024-05-01", "10:00")
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						successes++
					case errors.Is(err, slots.ErrSlotTaken):
						taken++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(p)
			}
			wg.Wait()

			assert.Equal(t, 1, successes)
			assert.Equal(t, n-1, taken)
			assert.Len(t, e.repo.Active(), 1)
		})
	}
}

func TestConcurrentBookingsAcrossDoctors(t *testing.T) {
	e := newEnv(t, nil)
	doctors := []roster.Doctor{
		e.roster.AddDoctor("Dr. A", 100, true),
		e.roster.AddDoctor("Dr. B", 200, true),
		e.roster.AddDoctor("Dr. C", 300, true),
	}
	times := []string{"09:00", "09:30", "10:00"}

	var wg sync.WaitGroup
	for _, d := range doctors {
		for _, at := range times {
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func(d roster.Doctor, at string) {
					defer wg.Done()
					_, _ = e.book(e.roster.AddPatient(uuid.NewString()), d, "2024-05-01", at)
				}(d, at)
			}
		}
	}
	wg.Wait()

	active := e.repo.Active()
	assert.Len(t, active, len(doctors)*len(times))
	seen := map[string]bool{}
	for _, a := range active {
		key := a.Slot().String()
		assert.False(t, seen[key], "slot %s double booked", key)
		seen[key] = true
	}
}

func TestBookCancelBookRoundTrip(t *testing.T) {
	e := newEnv(t, nil)
	doctor := e.roster.AddDoctor("Dr. Rao", 500, true)
	p1, p2 := e.roster.AddPatient("asha"), e.roster.AddPatient("ben")

	a, err := e.book(p1, doctor, "2024-05-01", "10:00")
	require.NoError(t, err)

	_, err = e.svc.Cancel(context.Background(), patientActor(p1), a.ID)
	require.NoError(t, err)

	_, err = e.book(p2, doctor, "2024-05-01", "10:00")
	require.NoError(t, err)
}

func TestScenarioPatientCancelsThenDoctorCompletes(t *testing.T) {
	e := newEnv(t, nil)
	doctor := e.roster.AddDoctor("Dr. Rao", 500, true)
	p := e.roster.AddPatient("asha")

	a, err := e.book(p, doctor, "2024-05-01", "10:00")
	require.NoError(t, err)

	cancelled, err := e.svc.Cancel(context.Background(), patientActor(p), a.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.Cancelled())

	booked, err := e.ledger.Booked(context.Background(), doctor.ID)
	require.NoError(t, err)
	assert.Empty(t, booked)

	_, err = e.lifecycle.Complete(context.Background(), a.ID, identity.Actor{ID: doctor.ID, Role: identity.RoleDoctor})
	require.ErrorIs(t, err, appointment.ErrAlreadyCancelled)
}

func TestCancelByAnotherPatientIsRejected(t *testing.T) {
	e := newEnv(t, nil)
	doctor := e.roster.AddDoctor("Dr. Rao", 500, true)
	owner, other := e.roster.AddPatient("asha"), e.roster.AddPatient("ben")

	a, err := e.book(owner, doctor, "2024-05-01", "10:00")
	require.NoError(t, err)

	_, err = e.svc.Cancel(context.Background(), patientActor(other), a.ID)
	require.ErrorIs(t, err, appointment.ErrUnauthorized)

	_, err = e.svc.Cancel(context.Background(), identity.Actor{ID: uuid.New(), Role: identity.RoleAdmin}, a.ID)
	require.NoError(t, err)
}

func TestConcurrentCancelsReleaseOnce(t *testing.T) {
	e := newEnv(t, nil)
	doctor := e.roster.AddDoctor("Dr. Rao", 500, true)
	p := e.roster.AddPatient("asha")
	a, err := e.book(p, doctor, "2024-05-01", "10:00")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.svc.Cancel(context.Background(), patientActor(p), a.ID)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, appointment.ErrAlreadyCancelled)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, e.ledger.Releases())
}

func TestDoctorsIncludeBookedSlots(t *testing.T) {
	e := newEnv(t, nil)
	doctor := e.roster.AddDoctor("Dr. Rao", 500, true)
	e.roster.AddDoctor("Dr. Zed", 400, true)
	_, err := e.book(e.roster.AddPatient("asha"), doctor, "2024-05-01", "10:00")
	require.NoError(t, err)

	views, err := e.svc.Doctors(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "Dr. Rao", views[0].Name)
	assert.Equal(t, []string{"10:00"}, views[0].SlotsBooked["2024-05-01"])
	assert.Empty(t, views[1].SlotsBooked)
}

func TestChangeAvailability(t *testing.T) {
	e := newEnv(t, nil)
	doctor := e.roster.AddDoctor("Dr. Rao", 500, true)

	d, err := e.svc.ChangeAvailability(context.Background(), doctor.ID)
	require.NoError(t, err)
	assert.False(t, d.Available)

	_, err = e.book(e.roster.AddPatient("asha"), doctor, "2024-05-01", "10:00")
	require.ErrorIs(t, err, booking.ErrDoctorUnavailable)

	_, err = e.svc.ChangeAvailability(context.Background(), uuid.New())
	require.ErrorIs(t, err, roster.ErrDoctorNotFound)
}

func TestReconcileHolds(t *testing.T) {
	e := newEnv(t, nil)
	doctor := e.roster.AddDoctor("Dr. Rao", 500, true)
	p := e.roster.AddPatient("asha")

	// Cancelled appointment whose release failed every attempt.
	a, err := e.book(p, doctor, "2024-05-01", "10:00")
	require.NoError(t, err)
	e.ledger.FailReleases = 2
	_, err = e.svc.Cancel(context.Background(), patientActor(p), a.ID)
	require.NoError(t, err)
	_, held := e.ledger.Holder(a.Slot())
	require.True(t, held)

	// Orphan hold whose appointment row never appeared.
	oldOrphan := slots.Slot{DoctorID: doctor.ID, Date: "2024-05-01", Time: "11:00"}
	require.NoError(t, e.ledger.Reserve(context.Background(), oldOrphan, uuid.New()))
	e.ledger.Backdate(oldOrphan, time.Hour)

	// Fresh orphan: a booking may still be in flight.
	freshOrphan := slots.Slot{DoctorID: doctor.ID, Date: "2024-05-01", Time: "12:00"}
	require.NoError(t, e.ledger.Reserve(context.Background(), freshOrphan, uuid.New()))

	// Live appointment.
	live, err := e.book(p, doctor, "2024-05-02", "10:00")
	require.NoError(t, err)

	released, err := e.svc.ReconcileHolds(context.Background(), e.ledger, 5*time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, released)

	_, held = e.ledger.Holder(a.Slot())
	assert.False(t, held)
	_, held = e.ledger.Holder(oldOrphan)
	assert.False(t, held)
	_, held = e.ledger.Holder(freshOrphan)
	assert.True(t, held)
	_, held = e.ledger.Holder(live.Slot())
	assert.True(t, held)
}
