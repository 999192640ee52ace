package domain

import "time"

// Dentist is the profile of a bot user.
type Dentist struct {
	ID        int64
	FullName  string
	Phone     string
	Workplace string
	Username  string
}

// Empty reports whether none of the profile fields were filled in.
func (d Dentist) Empty() bool {
	return d.FullName == "" && d.Phone == "" && d.Workplace == ""
}

// DentistPatch updates selected profile fields. Nil fields are left as is.
type DentistPatch struct {
	ID        int64
	FullName  *string
	Phone     *string
	Workplace *string
	Username  *string
}

// Draft is an unfinished consultation request.
type Draft struct {
	Complaints  string
	History     string
	PlannedWork string
	Attachments []Attachment
}

// Empty reports whether the draft carries nothing worth resuming.
func (d Draft) Empty() bool {
	return d.Complaints == "" && len(d.Attachments) == 0
}

// ConsultationStatus is the delivery status of a consultation.
type ConsultationStatus string

const StatusSent ConsultationStatus = "sent"

// Consultation is a logged, delivered consultation request.
type Consultation struct {
	ID        int64
	DentistID int64
	Status    ConsultationStatus
	CreatedAt time.Time
}
