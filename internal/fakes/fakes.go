// Package fakes holds in-memory doubles of the stores and collaborators,
// with the same conditional-write semantics as the Postgres versions.
package fakes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/appointment"
	"github.com/hackgods/clinic-booking/internal/events"
	"github.com/hackgods/clinic-booking/internal/payment"
	redisclient "github.com/hackgods/clinic-booking/internal/redis"
	"github.com/hackgods/clinic-booking/internal/roster"
	"github.com/hackgods/clinic-booking/internal/slots"
)

var ErrInjected = errors.New("injected failure")

// AppointmentRepo implements appointment.Repository.
type AppointmentRepo struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]appointment.Appointment
	events []appointment.EventLog

	// CreateErr, when set, fails every Create.
	CreateErr error
}

func NewAppointmentRepo() *AppointmentRepo {
	return &AppointmentRepo{byID: make(map[uuid.UUID]appointment.Appointment)}
}

func (r *AppointmentRepo) Create(_ context.Context, a *appointment.Appointment) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.CreateErr != nil {
		return nil, r.CreateErr
	}
	if _, ok := r.byID[a.ID]; ok {
		return nil, fmt.Errorf("duplicate appointment id %s", a.ID)
	}
	for _, other := range r.byID {
		if other.Status != appointment.StatusCancelled && other.DoctorID == a.DoctorID &&
			other.SlotDate == a.SlotDate && other.SlotTime == a.SlotTime {
			return nil, errors.New("duplicate key value violates unique constraint \"appointments_active_slot_idx\"")
		}
	}

	now := time.Now().UTC()
	stored := *a
	stored.Status = appointment.StatusBooked
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.byID[a.ID] = stored
	return &stored, nil
}

func (r *AppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *AppointmentRepo) Transition(_ context.Context, id uuid.UUID, from []appointment.Status, to appointment.Status, cancelledBy *string) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok || !containsStatus(from, a.Status) {
		return nil, appointment.ErrAppointmentNotFound
	}
	now := time.Now().UTC()
	a.Status = to
	a.UpdatedAt = now
	switch to {
	case appointment.StatusCompleted:
		a.CompletedAt = &now
	case appointment.StatusCancelled:
		a.CancelledAt = &now
	}
	if cancelledBy != nil {
		by := *cancelledBy
		a.CancelledBy = &by
	}
	r.byID[id] = a
	return &a, nil
}

func (r *AppointmentRepo) MarkPaid(_ context.Context, id uuid.UUID, sessionID string, details appointment.PaymentDetails) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok || a.Status != appointment.StatusBooked {
		return nil, appointment.ErrAppointmentNotFound
	}
	now := time.Now().UTC()
	a.Status = appointment.StatusPaid
	a.PaymentSessionID = &sessionID
	a.PaymentDetails = &details
	a.PaidAt = &now
	a.UpdatedAt = now
	r.byID[id] = a
	return &a, nil
}

func (r *AppointmentRepo) AttachPaymentSession(_ context.Context, id uuid.UUID, sessionID string) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok || a.Status != appointment.StatusBooked {
		return nil, appointment.ErrAppointmentNotFound
	}
	a.PaymentSessionID = &sessionID
	a.UpdatedAt = time.Now().UTC()
	r.byID[id] = a
	return &a, nil
}

func (r *AppointmentRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]appointment.Appointment, error) {
	return r.list(func(a appointment.Appointment) bool { return a.PatientID == patientID }, limit, offset), nil
}

func (r *AppointmentRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]appointment.Appointment, error) {
	return r.list(func(a appointment.Appointment) bool { return a.DoctorID == doctorID }, limit, offset), nil
}

func (r *AppointmentRepo) ListAll(_ context.Context, limit, offset int) ([]appointment.Appointment, error) {
	return r.list(func(appointment.Appointment) bool { return true }, limit, offset), nil
}

func (r *AppointmentRepo) list(keep func(appointment.Appointment) bool, limit, offset int) []appointment.Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []appointment.Appointment
	for _, a := range r.byID {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out
}

func (r *AppointmentRepo) InsertEvent(_ context.Context, ev appointment.EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns the recorded event types, oldest first.
func (r *AppointmentRepo) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.EventType
	}
	return out
}

func (r *AppointmentRepo) CountEvents(eventType string) int {
	n := 0
	for _, t := range r.Events() {
		if t == eventType {
			n++
		}
	}
	return n
}

// Active returns the non-cancelled appointments.
func (r *AppointmentRepo) Active() []appointment.Appointment {
	return r.list(func(a appointment.Appointment) bool { return a.Status != appointment.StatusCancelled }, 1<<30, 0)
}

func (r *AppointmentRepo) status(id uuid.UUID) (appointment.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	return a.Status, ok
}

func containsStatus(ss []appointment.Status, s appointment.Status) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// Ledger implements slots.Ledger and booking.HoldScanner.
type Ledger struct {
	mu    sync.Mutex
	holds map[slots.Slot]slots.Hold

	// FailReleases makes the next n Release calls fail.
	FailReleases int
	releases     int

	// Appointments, when set, lets StaleHolds see appointment status.
	Appointments *AppointmentRepo
}

func NewLedger() *Ledger {
	return &Ledger{holds: make(map[slots.Slot]slots.Hold)}
}

func (l *Ledger) Reserve(_ context.Context, slot slots.Slot, holder uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.holds[slot]; ok {
		return slots.ErrSlotTaken
	}
	l.holds[slot] = slots.Hold{Slot: slot, AppointmentID: holder, ReservedAt: time.Now()}
	return nil
}

func (l *Ledger) Release(_ context.Context, slot slots.Slot, holder uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailReleases > 0 {
		l.FailReleases--
		return ErrInjected
	}
	if h, ok := l.holds[slot]; ok && h.AppointmentID == holder {
		delete(l.holds, slot)
		l.releases++
	}
	return nil
}

func (l *Ledger) Booked(_ context.Context, doctorID uuid.UUID) (map[string][]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	booked := make(map[string][]string)
	for s := range l.holds {
		if s.DoctorID == doctorID {
			booked[s.Date] = append(booked[s.Date], s.Time)
		}
	}
	for _, times := range booked {
		sort.Strings(times)
	}
	return booked, nil
}

func (l *Ledger) StaleHolds(_ context.Context, orphanedBefore time.Time, limit int) ([]slots.Hold, error) {
	l.mu.Lock()
	holds := make([]slots.Hold, 0, len(l.holds))
	for _, h := range l.holds {
		holds = append(holds, h)
	}
	l.mu.Unlock()

	var out []slots.Hold
	for _, h := range holds {
		status, found := appointment.Status(""), false
		if l.Appointments != nil {
			status, found = l.Appointments.status(h.AppointmentID)
		}
		if (found && status == appointment.StatusCancelled) || (!found && h.ReservedAt.Before(orphanedBefore)) {
			out = append(out, h)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Holder returns who holds slot, if anyone.
func (l *Ledger) Holder(slot slots.Slot) (uuid.UUID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.holds[slot]
	return h.AppointmentID, ok
}

// Backdate moves a hold's reservation time into the past.
func (l *Ledger) Backdate(slot slots.Slot, by time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.holds[slot]; ok {
		h.ReservedAt = h.ReservedAt.Add(-by)
		l.holds[slot] = h
	}
}

// Releases counts releases that actually freed a slot.
func (l *Ledger) Releases() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releases
}

// Locker implements redisclient.DoctorLocker with one mutex per doctor.
type Locker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex

	// Busy makes every acquisition fail.
	Busy bool
}

var _ redisclient.DoctorLocker = (*Locker)(nil)

func NewLocker() *Locker {
	return &Locker{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (l *Locker) WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	if l.Busy {
		return redisclient.ErrLockNotAcquired
	}
	l.mu.Lock()
	m, ok := l.locks[doctorID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[doctorID] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

// Roster implements booking.Roster.
type Roster struct {
	mu       sync.Mutex
	doctors  map[uuid.UUID]roster.Doctor
	patients map[uuid.UUID]roster.Patient
}

func NewRoster() *Roster {
	return &Roster{
		doctors:  make(map[uuid.UUID]roster.Doctor),
		patients: make(map[uuid.UUID]roster.Patient),
	}
}

func (r *Roster) AddDoctor(name string, fee int64, available bool) roster.Doctor {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := roster.Doctor{ID: uuid.New(), Name: name, Speciality: "General physician", FeeAmount: fee, Available: available}
	r.doctors[d.ID] = d
	return d
}

func (r *Roster) AddPatient(name string) roster.Patient {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := roster.Patient{ID: uuid.New(), Name: name, Email: name + "@example.com"}
	r.patients[p.ID] = p
	return p
}

func (r *Roster) GetDoctor(_ context.Context, id uuid.UUID) (*roster.Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[id]
	if !ok {
		return nil, roster.ErrDoctorNotFound
	}
	return &d, nil
}

func (r *Roster) GetPatient(_ context.Context, id uuid.UUID) (*roster.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, roster.ErrPatientNotFound
	}
	return &p, nil
}

func (r *Roster) ListDoctors(context.Context) ([]roster.Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]roster.Doctor, 0, len(r.doctors))
	for _, d := range r.doctors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Roster) ToggleAvailability(_ context.Context, id uuid.UUID) (*roster.Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[id]
	if !ok {
		return nil, roster.ErrDoctorNotFound
	}
	d.Available = !d.Available
	r.doctors[id] = d
	return &d, nil
}

// Provider implements payment.Provider.
type Provider struct {
	mu       sync.Mutex
	sessions map[string]payment.Session
	seq      int

	CreateErr error
	GetErr    error
	Created   []payment.CreateSessionParams
	Gets      int
}

func NewProvider() *Provider {
	return &Provider{sessions: make(map[string]payment.Session)}
}

func (p *Provider) CreateSession(_ context.Context, params payment.CreateSessionParams) (*payment.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	p.seq++
	s := payment.Session{
		ID:            fmt.Sprintf("cs_test_%d", p.seq),
		Status:        "open",
		PaymentStatus: "unpaid",
		AmountTotal:   params.AmountMinor,
		Currency:      params.Currency,
		Metadata:      params.Metadata,
	}
	s.URL = "https://checkout.stripe.test/pay/" + s.ID
	p.sessions[s.ID] = s
	p.Created = append(p.Created, params)
	return &s, nil
}

func (p *Provider) GetSession(_ context.Context, sessionID string) (*payment.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Gets++
	if p.GetErr != nil {
		return nil, p.GetErr
	}
	s, ok := p.sessions[sessionID]
	if !ok {
		return nil, payment.ErrSessionNotFound
	}
	return &s, nil
}

// Settle marks a session paid as Stripe would after checkout.
func (p *Provider) Settle(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.sessions[sessionID]
	s.Status = "complete"
	s.PaymentStatus = "paid"
	s.Customer = payment.CustomerDetails{Email: "payer@example.com", Name: "Payer"}
	p.sessions[sessionID] = s
}

// Put stores an arbitrary session.
func (p *Provider) Put(s payment.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[s.ID] = s
}

// Publisher implements events.Publisher and records what it was given.
type Publisher struct {
	mu     sync.Mutex
	events []events.Event
	Err    error
}

func (p *Publisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *Publisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}
