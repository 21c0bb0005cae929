// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package testdb

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"storj.io/refrepo/repository/robots"
)

type robotsDB struct {
	db *DB
}

// Create implements robots.DB.
func (r *robotsDB) Create(ctx context.Context, robot *robots.Robot) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, existing := range r.db.robots {
		if existing.Name == robot.Name {
			return robots.ErrRobotExists.New("%s", robot.Name)
		}
	}
	if robot.ID == uuid.Nil {
		robot.ID = uuid.New()
	}
	if robot.CreatedAt.IsZero() {
		robot.CreatedAt = time.Now()
		robot.UpdatedAt = robot.CreatedAt
	}
	r.db.robots[robot.ID] = *robot
	return nil
}

// Update implements robots.DB.
func (r *robotsDB) Update(ctx context.Context, robot *robots.Robot) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, ok := r.db.robots[robot.ID]; !ok {
		return robots.ErrNotFound.New("%s", robot.ID)
	}
	for id, existing := range r.db.robots {
		if id != robot.ID && existing.Name == robot.Name {
			return robots.ErrRobotExists.New("%s", robot.Name)
		}
	}
	robot.UpdatedAt = time.Now()
	r.db.robots[robot.ID] = *robot
	return nil
}

// Get implements robots.DB.
func (r *robotsDB) Get(ctx context.Context, id uuid.UUID) (*robots.Robot, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	robot, ok := r.db.robots[id]
	if !ok {
		return nil, robots.ErrNotFound.New("%s", id)
	}
	return &robot, nil
}

// GetByName implements robots.DB.
func (r *robotsDB) GetByName(ctx context.Context, name string) (*robots.Robot, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, robot := range r.db.robots {
		if robot.Name == name {
			copied := robot
			return &copied, nil
		}
	}
	return nil, robots.ErrNotFound.New("%s", name)
}

// List implements robots.DB.
func (r *robotsDB) List(ctx context.Context) ([]robots.Robot, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var list []robots.Robot
	for _, robot := range r.db.robots {
		list = append(list, robot)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

// Delete implements robots.DB.
func (r *robotsDB) Delete(ctx context.Context, id uuid.UUID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, ok := r.db.robots[id]; !ok {
		return robots.ErrNotFound.New("%s", id)
	}
	delete(r.db.robots, id)
	for automationID, automation := range r.db.automations {
		if automation.RobotID == id {
			delete(r.db.automations, automationID)
		}
	}
	return nil
}

// CreateAutomation implements robots.DB.
func (r *robotsDB) CreateAutomation(ctx context.Context, automation *robots.Automation) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, existing := range r.db.automations {
		if existing.RobotID == automation.RobotID && bytes.Equal(existing.Query, automation.Query) {
			return robots.ErrAutomationExists.New("robot %s", automation.RobotID)
		}
	}
	if automation.ID == uuid.Nil {
		automation.ID = uuid.New()
	}
	if automation.CreatedAt.IsZero() {
		automation.CreatedAt = time.Now()
	}
	r.db.automations[automation.ID] = *automation
	return nil
}

// GetAutomation implements robots.DB.
func (r *robotsDB) GetAutomation(ctx context.Context, id uuid.UUID) (*robots.Automation, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	automation, ok := r.db.automations[id]
	if !ok {
		return nil, robots.ErrNotFound.New("automation %s", id)
	}
	return &automation, nil
}

// ListAutomations implements robots.DB.
func (r *robotsDB) ListAutomations(ctx context.Context, robotID uuid.UUID) ([]robots.Automation, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var list []robots.Automation
	for _, automation := range r.db.automations {
		if automation.RobotID == robotID {
			list = append(list, automation)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

// AllAutomations implements robots.DB.
func (r *robotsDB) AllAutomations(ctx context.Context) ([]robots.Automation, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var list []robots.Automation
	for _, automation := range r.db.automations {
		list = append(list, automation)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

// DeleteAutomation implements robots.DB.
func (r *robotsDB) DeleteAutomation(ctx context.Context, id uuid.UUID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, ok := r.db.automations[id]; !ok {
		return robots.ErrNotFound.New("automation %s", id)
	}
	delete(r.db.automations, id)
	return nil
}
