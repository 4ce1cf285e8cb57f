package services

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/fieldsync/internal/client/coordinator"
	"github.com/dmitrijs2005/fieldsync/internal/client/models"
	"github.com/dmitrijs2005/fieldsync/internal/client/store"
	"github.com/dmitrijs2005/fieldsync/internal/common"
)

// Pinger checks that the remote source is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionService keeps the device identity and the editor pointers that
// survive restarts.
//
// Contract:
//   - DeviceID returns the same id for the lifetime of the local store,
//     generating it on first use;
//   - NewSessionID derives a fresh id for one agent run on this device;
//   - SaveActive/RestoreActive persist the record open in the editor; an
//     empty record id clears it.
type SessionService interface {
	DeviceID(ctx context.Context) (string, error)
	NewSessionID(ctx context.Context) (string, error)
	SaveActive(ctx context.Context, a coordinator.Active) error
	RestoreActive(ctx context.Context) (coordinator.Active, error)
	Ping(ctx context.Context) error
}

type sessionService struct {
	flags  *store.Flags
	pinger Pinger
}

func NewSessionService(st *store.Store, p Pinger) SessionService {
	return &sessionService{flags: st.Flags(), pinger: p}
}

func (s *sessionService) DeviceID(ctx context.Context) (string, error) {
	id, err := s.flags.GetString(ctx, store.FlagDeviceID)
	if err != nil {
		return "", fmt.Errorf("error reading device id: %w", err)
	}
	if id != "" {
		return id, nil
	}

	id = common.NewID()
	if err := s.flags.SetString(ctx, store.FlagDeviceID, id); err != nil {
		return "", fmt.Errorf("error saving device id: %w", err)
	}
	return id, nil
}

func (s *sessionService) NewSessionID(ctx context.Context) (string, error) {
	device, err := s.DeviceID(ctx)
	if err != nil {
		return "", err
	}
	return device + "/" + common.NewID()[:8], nil
}

func (s *sessionService) SaveActive(ctx context.Context, a coordinator.Active) error {
	if a.RecordID == "" {
		if err := s.flags.Delete(ctx, store.FlagActiveRecordID); err != nil {
			return err
		}
		return s.flags.Delete(ctx, store.FlagActiveStage)
	}
	if err := s.flags.SetString(ctx, store.FlagActiveRecordID, a.RecordID); err != nil {
		return err
	}
	return s.flags.SetString(ctx, store.FlagActiveStage, string(a.Stage))
}

func (s *sessionService) RestoreActive(ctx context.Context) (coordinator.Active, error) {
	id, err := s.flags.GetString(ctx, store.FlagActiveRecordID)
	if err != nil || id == "" {
		return coordinator.Active{}, err
	}
	stage, err := s.flags.GetString(ctx, store.FlagActiveStage)
	if err != nil {
		return coordinator.Active{}, err
	}
	if stage == "" {
		stage = string(models.StageDraft)
	}
	return coordinator.Active{RecordID: id, Stage: models.Stage(stage)}, nil
}

// Ping proxies a liveness check to the remote source.
func (s *sessionService) Ping(ctx context.Context) error {
	return s.pinger.Ping(ctx)
}
