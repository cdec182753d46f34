package model

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusActive   CallStatus = "active"
	CallStatusRejected CallStatus = "rejected"
	CallStatusEnded    CallStatus = "ended"
)

// Terminal states permit no further transitions.
func (s CallStatus) Terminal() bool {
	return s == CallStatusRejected || s == CallStatusEnded
}

// CanTransitionTo encodes the lifecycle edges:
// ringing→active, ringing→rejected, ringing→ended, active→ended.
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	switch s {
	case CallStatusRinging:
		return next == CallStatusActive || next == CallStatusRejected || next == CallStatusEnded
	case CallStatusActive:
		return next == CallStatusEnded
	default:
		return false
	}
}

type UserRole string

const (
	RolePatient         UserRole = "patient"
	RoleASHAWorker      UserRole = "asha_worker"
	RoleDoctor          UserRole = "doctor"
	RoleHospitalAdmin   UserRole = "hospital_admin"
	RoleDistrictOfficer UserRole = "district_officer"
)
