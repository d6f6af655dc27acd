package carrier

import (
	"github.com/BearBump/trackpipe/internal/models"
	"github.com/pkg/errors"
)

var ErrNoClient = errors.New("no carrier client registered")

// Registry is a total mapping from every supported carrier to its client.
type Registry struct {
	clients map[models.Carrier]Client
}

// NewRegistry fails unless every carrier in models.AllCarriers has a client.
func NewRegistry(clients map[models.Carrier]Client) (*Registry, error) {
	r := &Registry{clients: make(map[models.Carrier]Client, len(models.AllCarriers))}
	for c, cl := range clients {
		if _, err := models.ParseCarrier(string(c)); err != nil {
			return nil, err
		}
		if cl == nil {
			return nil, errors.Wrapf(ErrNoClient, "carrier %s", c)
		}
		r.clients[c] = cl
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Validate() error {
	for _, c := range models.AllCarriers {
		if _, ok := r.clients[c]; !ok {
			return errors.Wrapf(ErrNoClient, "carrier %s", c)
		}
	}
	return nil
}

func (r *Registry) For(c models.Carrier) (Client, error) {
	switch c {
	case models.CarrierUPS, models.CarrierFedEx, models.CarrierUSPS, models.CarrierDHL:
	default:
		return nil, errors.Wrapf(models.ErrUnknownCarrier, "%q", c)
	}
	cl, ok := r.clients[c]
	if !ok {
		return nil, errors.Wrapf(ErrNoClient, "carrier %s", c)
	}
	return cl, nil
}
