package scheduling

import (
	"bytes"
	"sort"

	"github.com/google/uuid"

	"github.com/hivcare/clinic/pkg/calendar"
)

// AppointmentFilter selects appointments. Nil fields impose no constraint;
// set fields are ANDed. DateFrom and DateTo are inclusive.
type AppointmentFilter struct {
	PatientID   *uuid.UUID         `json:"patient_id,omitempty"`
	DoctorID    *uuid.UUID         `json:"doctor_id,omitempty"`
	FacilityID  *uuid.UUID         `json:"facility_id,omitempty"`
	DateFrom    *calendar.Date     `json:"date_from,omitempty"`
	DateTo      *calendar.Date     `json:"date_to,omitempty"`
	Status      *AppointmentStatus `json:"status,omitempty"`
	IsAnonymous *bool              `json:"is_anonymous,omitempty"`
}

func (f AppointmentFilter) Validate() error {
	if f.DateFrom != nil && f.DateTo != nil && f.DateFrom.After(*f.DateTo) {
		return validationError("date_from %s is after date_to %s", *f.DateFrom, *f.DateTo)
	}
	if f.Status != nil && !f.Status.Valid() {
		return validationError("invalid status: %s", *f.Status)
	}
	return nil
}

// Matches reports whether a satisfies every set field of f.
func (f AppointmentFilter) Matches(a *Appointment) bool {
	if f.PatientID != nil && (a.PatientID == nil || *a.PatientID != *f.PatientID) {
		return false
	}
	if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
		return false
	}
	if f.FacilityID != nil && (a.FacilityID == nil || *a.FacilityID != *f.FacilityID) {
		return false
	}
	if f.DateFrom != nil && a.Date.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && a.Date.After(*f.DateTo) {
		return false
	}
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	if f.IsAnonymous != nil && a.IsAnonymous != *f.IsAnonymous {
		return false
	}
	return true
}

// searchLess is the search order: most recent date first, then latest start
// first, then ascending id so that equal slots page deterministically.
func searchLess(a, b *Appointment) bool {
	if c := a.Date.Compare(b.Date); c != 0 {
		return c > 0
	}
	if a.StartTime != b.StartTime {
		return a.StartTime > b.StartTime
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

// SortForSearch sorts appointments into search order in place.
func SortForSearch(items []*Appointment) {
	sort.SliceStable(items, func(i, j int) bool { return searchLess(items[i], items[j]) })
}

// SearchRequest is the body of the search operation.
type SearchRequest struct {
	AppointmentFilter
	PageNumber int `json:"page_number"`
	PageSize   int `json:"page_size"`
}
