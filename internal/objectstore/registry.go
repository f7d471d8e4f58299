package objectstore

import (
	"fmt"

	"vodpipe/internal/errs"
	"vodpipe/internal/models"
)

// Registry resolves the gateway that owns a video's objects. Videos record
// the storage type they were uploaded with, so switching the default backend
// does not orphan existing records.
type Registry struct {
	def      models.StorageType
	gateways map[models.StorageType]Gateway
}

// NewRegistry returns a registry whose default backend is def.
func NewRegistry(def models.StorageType, gateways map[models.StorageType]Gateway) (*Registry, error) {
	if _, ok := gateways[def]; !ok {
		return nil, errs.New(errs.FatalConfig, fmt.Sprintf("default storage backend %q is not configured", def))
	}
	copied := make(map[models.StorageType]Gateway, len(gateways))
	for kind, gateway := range gateways {
		if gateway != nil {
			copied[kind] = gateway
		}
	}
	return &Registry{def: def, gateways: copied}, nil
}

// Default returns the backend new uploads are written to.
func (r *Registry) Default() (models.StorageType, Gateway) {
	return r.def, r.gateways[r.def]
}

// For returns the gateway for kind. An empty kind selects the default.
func (r *Registry) For(kind models.StorageType) (Gateway, error) {
	if kind == "" {
		kind = r.def
	}
	gateway, ok := r.gateways[kind]
	if !ok {
		return nil, errs.New(errs.FatalConfig, fmt.Sprintf("storage backend %q is not configured", kind))
	}
	return gateway, nil
}
