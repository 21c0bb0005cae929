// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package robots holds the registry of enhancement robots and their
// standing automations.
package robots

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

var (
	// Error is the default robots errs class.
	Error = errs.Class("robots")

	// ErrNotFound is returned when a robot or automation is absent.
	ErrNotFound = errs.Class("robot not found")

	// ErrRobotExists is returned when a robot name is already taken.
	ErrRobotExists = errs.Class("robot exists")

	// ErrAutomationExists is returned when the same query is already
	// registered for the robot.
	ErrAutomationExists = errs.Class("automation exists")
)

// Robot is a registered enhancement producer. Robots poll for work;
// BaseURL is operator metadata, never dialed by the repository.
type Robot struct {
	ID          uuid.UUID
	Name        string
	Description string
	BaseURL     string
	// ClientSecret authenticates the robot when it polls.
	ClientSecret string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Automation is a standing percolator query owned by a robot. New or
// changed enhancement content matching the query schedules work for
// the robot.
type Automation struct {
	ID          uuid.UUID
	RobotID     uuid.UUID
	Query       json.RawMessage
	Description string
	CreatedAt   time.Time
}

// DB is the transactional store capability for robots.
type DB interface {
	// Create inserts a robot; a duplicate name yields ErrRobotExists.
	Create(ctx context.Context, robot *Robot) error
	Update(ctx context.Context, robot *Robot) error
	Get(ctx context.Context, id uuid.UUID) (*Robot, error)
	GetByName(ctx context.Context, name string) (*Robot, error)
	List(ctx context.Context) ([]Robot, error)
	// Delete removes a robot and its automations.
	Delete(ctx context.Context, id uuid.UUID) error

	// CreateAutomation inserts an automation; the same query registered
	// twice for a robot yields ErrAutomationExists.
	CreateAutomation(ctx context.Context, automation *Automation) error
	GetAutomation(ctx context.Context, id uuid.UUID) (*Automation, error)
	ListAutomations(ctx context.Context, robotID uuid.UUID) ([]Automation, error)
	// AllAutomations lists every automation across robots, for index
	// rebuilds.
	AllAutomations(ctx context.Context) ([]Automation, error)
	DeleteAutomation(ctx context.Context, id uuid.UUID) error
}
