package messages

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// TrackingJob is the queue payload. It deliberately carries no carrier or tracking
// number: the worker re-reads the entity so later edits are honored.
type TrackingJob struct {
	EntityID int64 `json:"entityId"`
}

func (j TrackingJob) Encode() ([]byte, error) {
	if j.EntityID <= 0 {
		return nil, errors.New("entityId is required")
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, errors.Wrap(err, "marshal job")
	}
	return b, nil
}

func DecodeTrackingJob(b []byte) (TrackingJob, error) {
	var j TrackingJob
	if err := json.Unmarshal(b, &j); err != nil {
		return TrackingJob{}, errors.Wrap(err, "unmarshal job")
	}
	if j.EntityID <= 0 {
		return TrackingJob{}, errors.New("entityId is required")
	}
	return j, nil
}
