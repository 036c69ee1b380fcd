package model

import (
	"strconv"
	"time"
)

// AlertType distinguishes a full SOS from a lighter "I feel unsafe" alert.
type AlertType string

const (
	AlertTypeSOS   AlertType = "SOS"
	AlertTypeAlert AlertType = "Alert"
)

// AlertStatus is the delivery state of an alert. Transitions only move forward.
type AlertStatus string

const (
	AlertStatusSent      AlertStatus = "sent"
	AlertStatusDelivered AlertStatus = "delivered"
	AlertStatusResolved  AlertStatus = "resolved"
)

// LocationUnavailable replaces the coordinates of an alert raised without a location fix.
const LocationUnavailable = "Location not available"

// TimestampLayout is the ISO-8601 form used for alert timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Contact is a person notified when an alert fires.
type Contact struct {
	ID                 string `json:"id"`
	Name               string `json:"name" validate:"required"`
	Phone              string `json:"phone" validate:"required,phone"`
	Relationship       string `json:"relationship"`
	IsEmergencyContact bool   `json:"isEmergencyContact"`
}

// Alert is a recorded emergency alert.
type Alert struct {
	ID        string      `json:"id"`
	Type      AlertType   `json:"type"`
	Message   string      `json:"message"`
	Location  *string     `json:"location,omitempty"`
	Timestamp string      `json:"timestamp"`
	Status    AlertStatus `json:"status"`
}

// User is the signed-in account owning this device.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email" validate:"omitempty,email"`
	Phone string `json:"phone" validate:"omitempty,phone"`
}

// LocationSample is a single position fix reported by the device.
type LocationSample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

// Format renders the sample as "latitude,longitude".
func (s LocationSample) Format() string {
	return strconv.FormatFloat(s.Latitude, 'f', -1, 64) + "," + strconv.FormatFloat(s.Longitude, 'f', -1, 64)
}

func (s AlertStatus) rank() int {
	switch s {
	case AlertStatusSent:
		return 0
	case AlertStatusDelivered:
		return 1
	case AlertStatusResolved:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s AlertStatus) Valid() bool {
	return s.rank() >= 0
}

// CanTransition reports whether an alert in status s may move to next.
// Resolved is terminal and statuses never move backwards.
func (s AlertStatus) CanTransition(next AlertStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() > s.rank()
}

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	return t == AlertTypeSOS || t == AlertTypeAlert
}

// Clone returns a deep copy of the alert.
func (a Alert) Clone() Alert {
	if a.Location != nil {
		loc := *a.Location
		a.Location = &loc
	}
	return a
}
