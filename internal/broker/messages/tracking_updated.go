package messages

import "time"

// TrackingUpdated публикуется воркером после успешного коммита проверки.
type TrackingUpdated struct {
	EntityID  int64     `json:"entity_id"`
	Carrier   string    `json:"carrier"`
	CheckedAt time.Time `json:"checked_at"`

	Status   string  `json:"status"`
	Location *string `json:"location,omitempty"`

	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	Error *string `json:"error,omitempty"`
}
