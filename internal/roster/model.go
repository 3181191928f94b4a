package roster

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDoctorNotFound  = errors.New("doctor not found")
	ErrPatientNotFound = errors.New("patient not found")
)

type Doctor struct {
	ID         uuid.UUID `json:"_id"`
	Name       string    `json:"name"`
	Speciality string    `json:"speciality"`
	Degree     string    `json:"degree"`
	Image      string    `json:"image"`
	FeeAmount  int64     `json:"fees"`
	Available  bool      `json:"available"`
	CreatedAt  time.Time `json:"-"`
	UpdatedAt  time.Time `json:"-"`
}

type Patient struct {
	ID        uuid.UUID `json:"_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	Image     string    `json:"image"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}
