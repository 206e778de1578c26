package discovery

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/storyteller/backend/internal/station"
	"github.com/storyteller/backend/internal/store"
)

// ConfigStore is the subset of the store the registrar needs.
type ConfigStore interface {
	GetStation(id string) (store.Station, error)
	CreateStation(s store.Station) (store.Station, error)
	UpdateStation(s store.Station) error
	TouchStation(id, ip string) error
	SetStationStatus(id, status string, heartbeat bool) error
	GetDevice(id string) (store.Device, error)
	CreateDevice(d store.Device) (store.Device, error)
	TouchDevice(id, ip string) error
	SetDeviceStatus(id, status string, heartbeat bool) error
}

// StationEngine is the registration entry point of the session engine.
type StationEngine interface {
	RegisterStation(ctx context.Context, reg station.Registration) (station.Snapshot, error)
}

// AutoRegistrar looks agents up in the configuration store, creates a
// default configuration for unknown ones and then registers stations with
// the engine. Stored thresholds win over the session defaults; a station
// row without them follows the defaults and their hot reloads.
type AutoRegistrar struct {
	Store  ConfigStore
	Engine StationEngine
}

func (r *AutoRegistrar) RegisterAgent(ctx context.Context, a Agent) error {
	switch a.Kind {
	case KindStation:
		return r.registerStation(ctx, a)
	case KindDevice:
		return r.registerDevice(a)
	}
	return fmt.Errorf("%w: kind %q", ErrNotAgent, a.Kind)
}

// selfReported is true when the agent itself sent the registration, so its
// identity replaces what the store holds.
func selfReported(a Agent) bool {
	return a.Source == "ws" || a.Source == "http"
}

func discoveredMetadata(a Agent) map[string]any {
	md := map[string]any{
		"discovered":   a.Source == "udp" || a.Source == "scan",
		"capabilities": a.Capabilities,
		"version":      a.Version,
		"deviceType":   a.DeviceType,
		"configUrl":    a.ConfigURL,
	}
	for k, v := range a.Metadata {
		md[k] = v
	}
	return md
}

func (r *AutoRegistrar) registerStation(ctx context.Context, a Agent) error {
	st, err := r.Store.GetStation(a.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		location := a.Location
		if location == "" {
			location = "Auto-discovered"
		}
		st, err = r.Store.CreateStation(store.Station{
			ID:       a.ID,
			Name:     a.Name,
			Location: location,
			IP:       a.IP,
			Metadata: discoveredMetadata(a),
		})
		if err != nil {
			return err
		}
		log.Infof("Auto-added station agent: %s", st.Name)
	case err != nil:
		return err
	case selfReported(a):
		st = refreshStation(st, a)
		if err := r.Store.UpdateStation(st); err != nil {
			return err
		}
		if err := r.Store.TouchStation(a.ID, a.IP); err != nil {
			return err
		}
	default:
		if err := r.Store.TouchStation(a.ID, a.IP); err != nil {
			return err
		}
	}

	if err := r.Store.SetStationStatus(st.ID, store.StatusOnline, true); err != nil {
		return err
	}
	if r.Engine == nil {
		return nil
	}
	reg := station.Registration{
		StationID: st.ID,
		Name:      st.Name,
		Location:  st.Location,
		Metadata:  st.Metadata,
	}
	if st.HasThresholds() {
		reg.Thresholds = &station.Thresholds{
			Min:              st.MinParticipants,
			Max:              st.MaxParticipants,
			CountdownSeconds: st.CountdownSeconds,
		}
	}
	_, err = r.Engine.RegisterStation(ctx, reg)
	return err
}

// refreshStation applies what a station reported about itself to its stored
// row. Empty fields keep the stored values; thresholds are never touched.
func refreshStation(st store.Station, a Agent) store.Station {
	if a.Name != "" {
		st.Name = a.Name
	}
	if a.Location != "" {
		st.Location = a.Location
	}
	if a.IP != "" {
		st.IP = a.IP
	}
	md := maps.Clone(st.Metadata)
	if md == nil {
		md = make(map[string]any)
	}
	maps.Copy(md, discoveredMetadata(a))
	st.Metadata = md
	return st
}

func (r *AutoRegistrar) registerDevice(a Agent) error {
	_, err := r.Store.GetDevice(a.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		kind := a.DeviceType
		if kind == "" || kind == "unknown" {
			kind = "performer"
		}
		dev, err := r.Store.CreateDevice(store.Device{
			ID:       a.ID,
			Name:     a.Name,
			Kind:     kind,
			IP:       a.IP,
			Metadata: discoveredMetadata(a),
		})
		if err != nil {
			return err
		}
		log.Infof("Auto-added device agent: %s", dev.Name)
	case err != nil:
		return err
	default:
		if err := r.Store.TouchDevice(a.ID, a.IP); err != nil {
			return err
		}
	}
	return r.Store.SetDeviceStatus(a.ID, store.StatusOnline, true)
}
