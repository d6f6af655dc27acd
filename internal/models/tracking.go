package models

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Нормализованные статусы (можно расширять).
const (
	TrackingStatusPending        = "Pending"
	TrackingStatusInTransit      = "In Transit"
	TrackingStatusOutForDelivery = "Out For Delivery"
	TrackingStatusDelivered      = "Delivered"
	TrackingStatusException      = "Exception"
)

type Carrier string

const (
	CarrierUPS   Carrier = "UPS"
	CarrierFedEx Carrier = "FEDEX"
	CarrierUSPS  Carrier = "USPS"
	CarrierDHL   Carrier = "DHL"
)

// AllCarriers is the closed set of supported carriers, in a fixed order.
var AllCarriers = []Carrier{CarrierUPS, CarrierFedEx, CarrierUSPS, CarrierDHL}

var ErrUnknownCarrier = errors.New("unknown carrier")

// ParseCarrier accepts only an explicit carrier code. Tracking numbers are never
// used to guess the carrier.
func ParseCarrier(s string) (Carrier, error) {
	switch Carrier(strings.ToUpper(strings.TrimSpace(s))) {
	case CarrierUPS:
		return CarrierUPS, nil
	case CarrierFedEx:
		return CarrierFedEx, nil
	case CarrierUSPS:
		return CarrierUSPS, nil
	case CarrierDHL:
		return CarrierDHL, nil
	default:
		return "", errors.Wrapf(ErrUnknownCarrier, "%q", s)
	}
}

func (c Carrier) String() string { return string(c) }

type TrackedEntity struct {
	ID               int64
	TrackingNumber   *string
	Carrier          Carrier
	TrackingActive   bool
	TrackingStatus   string
	TrackingLocation *string
	LastCheckedAt    *time.Time
	DeliveredAt      *time.Time
	LastError        *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Trackable reports whether the dispatcher may enqueue a job for the entity.
// An active entity without a tracking number is a data-entry error and is skipped.
func (e *TrackedEntity) Trackable() bool {
	return e != nil && e.TrackingActive && e.TrackingNumber != nil && *e.TrackingNumber != ""
}

type TrackingEvent struct {
	ID        uint64
	EntityID  int64
	Status    string
	Location  string
	CheckedAt time.Time
	CreatedAt time.Time
}

type EntityCreateInput struct {
	Carrier        Carrier
	TrackingNumber *string
	TrackingActive bool
}

// NormalizeStatus maps carrier wording onto the canonical status set.
// Unrecognized values are returned trimmed as-is.
func NormalizeStatus(raw string) string {
	s := strings.TrimSpace(raw)
	key := strings.ToLower(strings.NewReplacer("_", " ", "-", " ").Replace(s))
	switch key {
	case "", "pending", "unknown", "label created", "info received":
		return TrackingStatusPending
	case "in transit", "transit", "accepted", "picked up":
		return TrackingStatusInTransit
	case "out for delivery":
		return TrackingStatusOutForDelivery
	case "delivered":
		return TrackingStatusDelivered
	case "exception", "failure", "returned":
		return TrackingStatusException
	default:
		return s
	}
}

// IsDelivered reports whether status resolves to Delivered.
func IsDelivered(status string) bool {
	return NormalizeStatus(status) == TrackingStatusDelivered
}
