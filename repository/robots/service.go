// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package robots

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/refrepo/repository/search"
)

var mon = monkit.Package()

// Service administers robots and their automations, keeping the
// percolator index mirrored.
type Service struct {
	log   *zap.Logger
	db    DB
	store search.Store
}

// NewService creates the robot admin service.
func NewService(log *zap.Logger, db DB, store search.Store) *Service {
	return &Service{log: log, db: db, store: store}
}

// CreateRobot registers a robot with a freshly minted client secret.
func (service *Service) CreateRobot(ctx context.Context, name, description, baseURL string) (_ *Robot, err error) {
	defer mon.Task()(&ctx)(&err)

	secret, err := mintSecret()
	if err != nil {
		return nil, err
	}
	robot := &Robot{
		Name:         name,
		Description:  description,
		BaseURL:      baseURL,
		ClientSecret: secret,
	}
	if err := service.db.Create(ctx, robot); err != nil {
		return nil, Error.Wrap(err)
	}
	service.log.Info("robot created", zap.Stringer("robot_id", robot.ID), zap.String("name", name))
	return robot, nil
}

// UpdateRobot changes a robot's metadata, keeping its secret.
func (service *Service) UpdateRobot(ctx context.Context, id uuid.UUID, name, description, baseURL string) (*Robot, error) {
	robot, err := service.db.Get(ctx, id)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	robot.Name = name
	robot.Description = description
	robot.BaseURL = baseURL
	if err := service.db.Update(ctx, robot); err != nil {
		return nil, Error.Wrap(err)
	}
	return robot, nil
}

// CycleSecret replaces a robot's client secret.
func (service *Service) CycleSecret(ctx context.Context, id uuid.UUID) (_ *Robot, err error) {
	defer mon.Task()(&ctx)(&err)

	robot, err := service.db.Get(ctx, id)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	robot.ClientSecret, err = mintSecret()
	if err != nil {
		return nil, err
	}
	if err := service.db.Update(ctx, robot); err != nil {
		return nil, Error.Wrap(err)
	}
	service.log.Info("robot secret cycled", zap.Stringer("robot_id", id))
	return robot, nil
}

// DeleteRobot removes a robot and unmirrors its automations.
func (service *Service) DeleteRobot(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	automations, err := service.db.ListAutomations(ctx, id)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := service.db.Delete(ctx, id); err != nil {
		return Error.Wrap(err)
	}
	for _, automation := range automations {
		if err := service.store.DeleteAutomation(ctx, automation.ID); err != nil {
			service.log.Error("automation unmirror failed",
				zap.Stringer("automation_id", automation.ID), zap.Error(err))
		}
	}
	return nil
}

// Authenticate verifies a robot's client secret.
func (service *Service) Authenticate(ctx context.Context, id uuid.UUID, secret string) (*Robot, error) {
	robot, err := service.db.Get(ctx, id)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if robot.ClientSecret != secret {
		return nil, Error.New("bad client secret for robot %s", id)
	}
	return robot, nil
}

// CreateAutomation stores a percolator query for the robot and mirrors
// it into the search store. A query the index rejects is rolled back
// and surfaced as ErrMalformedDocument.
func (service *Service) CreateAutomation(ctx context.Context, robotID uuid.UUID, query json.RawMessage, description string) (_ *Automation, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := service.db.Get(ctx, robotID); err != nil {
		return nil, Error.Wrap(err)
	}

	automation := &Automation{
		RobotID:     robotID,
		Query:       query,
		Description: description,
	}
	if err := service.db.CreateAutomation(ctx, automation); err != nil {
		return nil, Error.Wrap(err)
	}

	if err := service.store.UpsertAutomation(ctx, automation.ID, robotID, query); err != nil {
		return nil, errs.Combine(err, service.db.DeleteAutomation(ctx, automation.ID))
	}
	service.log.Info("automation created",
		zap.Stringer("automation_id", automation.ID),
		zap.Stringer("robot_id", robotID))
	return automation, nil
}

// DeleteAutomation removes an automation from the store and the index.
func (service *Service) DeleteAutomation(ctx context.Context, id uuid.UUID) error {
	if err := service.db.DeleteAutomation(ctx, id); err != nil {
		return Error.Wrap(err)
	}
	if err := service.store.DeleteAutomation(ctx, id); err != nil {
		service.log.Error("automation unmirror failed",
			zap.Stringer("automation_id", id), zap.Error(err))
	}
	return nil
}

func mintSecret() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", Error.Wrap(err)
	}
	return hex.EncodeToString(raw[:]), nil
}
