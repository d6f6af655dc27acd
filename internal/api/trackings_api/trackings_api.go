package trackings_api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/trackpipe/internal/models"
	"github.com/BearBump/trackpipe/internal/services/trackings"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type TrackingsAPI struct {
	svc *trackings.Service
}

func New(svc *trackings.Service) *TrackingsAPI {
	return &TrackingsAPI{svc: svc}
}

// Routes mounts the /v1 surface on r.
func (a *TrackingsAPI) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/entities", a.createEntities)
		r.Get("/entities/{id}", a.getEntity)
		r.Get("/entities/{id}/events", a.listEvents)
		r.Post("/entities/{id}/active", a.setActive)
		r.Get("/breakers", a.listBreakers)
		r.Get("/dead-letters", a.listDeadLetters)
		r.Post("/dead-letters/{id}/replay", a.requestReplay)
	})
}

type entityCreateItem struct {
	Carrier        string  `json:"carrier"`
	TrackingNumber *string `json:"trackingNumber"`
	TrackingActive *bool   `json:"trackingActive"`
}

type createEntitiesRequest struct {
	Items []entityCreateItem `json:"items"`
}

type entityDTO struct {
	ID               int64      `json:"id"`
	Carrier          string     `json:"carrier"`
	TrackingNumber   *string    `json:"trackingNumber,omitempty"`
	TrackingActive   bool       `json:"trackingActive"`
	TrackingStatus   string     `json:"trackingStatus"`
	TrackingLocation *string    `json:"trackingLocation,omitempty"`
	LastCheckedAt    *time.Time `json:"lastCheckedAt,omitempty"`
	DeliveredAt      *time.Time `json:"deliveredAt,omitempty"`
	LastError        *string    `json:"lastError,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

type eventDTO struct {
	ID        uint64    `json:"id"`
	EntityID  int64     `json:"entityId"`
	Status    string    `json:"status"`
	Location  string    `json:"location,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
	CreatedAt time.Time `json:"createdAt"`
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *TrackingsAPI) createEntities(w http.ResponseWriter, r *http.Request) {
	var req createEntitiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(trackings.ErrInvalidArgument, "malformed body"))
		return
	}
	in := make([]models.EntityCreateInput, 0, len(req.Items))
	for _, it := range req.Items {
		active := true
		if it.TrackingActive != nil {
			active = *it.TrackingActive
		}
		in = append(in, models.EntityCreateInput{
			Carrier:        models.Carrier(it.Carrier),
			TrackingNumber: it.TrackingNumber,
			TrackingActive: active,
		})
	}
	es, err := a.svc.CreateEntities(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entities": toEntityDTOs(es)})
}

func (a *TrackingsAPI) getEntity(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	e, err := a.svc.GetEntity(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntityDTO(e))
}

func (a *TrackingsAPI) listEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, offset := pageParams(r)
	evs, err := a.svc.ListTrackingEvents(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]eventDTO, 0, len(evs))
	for _, e := range evs {
		out = append(out, eventDTO{
			ID:        e.ID,
			EntityID:  e.EntityID,
			Status:    e.Status,
			Location:  e.Location,
			CheckedAt: e.CheckedAt,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (a *TrackingsAPI) setActive(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req setActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(trackings.ErrInvalidArgument, "malformed body"))
		return
	}
	if err := a.svc.SetTrackingActive(r.Context(), id, req.Active); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *TrackingsAPI) listBreakers(w http.ResponseWriter, r *http.Request) {
	brs, err := a.svc.ListBreakers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if brs == nil {
		brs = []*models.CircuitBreakerState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": brs})
}

func (a *TrackingsAPI) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	dls, err := a.svc.ListDeadLetters(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if dls == nil {
		dls = []*models.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": dls})
}

func (a *TrackingsAPI) requestReplay(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, errors.Wrap(trackings.ErrInvalidArgument, "id must be a positive integer"))
		return
	}
	if err := a.svc.RequestReplay(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func pathInt(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		return 0, errors.Wrapf(trackings.ErrInvalidArgument, "%s must be a positive integer", name)
	}
	return v, nil
}

// pageParams читает limit/offset; кривые значения отдаём хранилищу, оно их нормализует.
func pageParams(r *http.Request) (int, int) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return limit, offset
}

func toEntityDTOs(es []*models.TrackedEntity) []entityDTO {
	out := make([]entityDTO, 0, len(es))
	for _, e := range es {
		out = append(out, toEntityDTO(e))
	}
	return out
}

func toEntityDTO(e *models.TrackedEntity) entityDTO {
	return entityDTO{
		ID:               e.ID,
		Carrier:          e.Carrier.String(),
		TrackingNumber:   e.TrackingNumber,
		TrackingActive:   e.TrackingActive,
		TrackingStatus:   e.TrackingStatus,
		TrackingLocation: e.TrackingLocation,
		LastCheckedAt:    e.LastCheckedAt,
		DeliveredAt:      e.DeliveredAt,
		LastError:        e.LastError,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, trackings.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, trackings.ErrNotFound):
		code = http.StatusNotFound
	default:
		slog.Error("api request failed", "error", err.Error())
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
