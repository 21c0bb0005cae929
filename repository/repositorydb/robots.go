// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package repositorydb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"storj.io/refrepo/repository/robots"
)

type robotsDB struct {
	db *database
}

type robotRow struct {
	ID           uuid.UUID `db:"id"`
	Name         string    `db:"name"`
	Description  string    `db:"description"`
	BaseURL      string    `db:"base_url"`
	ClientSecret string    `db:"client_secret"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (row robotRow) robot() robots.Robot {
	return robots.Robot{
		ID:           row.ID,
		Name:         row.Name,
		Description:  row.Description,
		BaseURL:      row.BaseURL,
		ClientSecret: row.ClientSecret,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

type automationRow struct {
	ID          uuid.UUID `db:"id"`
	RobotID     uuid.UUID `db:"robot_id"`
	Query       []byte    `db:"query"`
	Description string    `db:"description"`
	CreatedAt   time.Time `db:"created_at"`
}

func (row automationRow) automation() robots.Automation {
	return robots.Automation{
		ID:          row.ID,
		RobotID:     row.RobotID,
		Query:       json.RawMessage(row.Query),
		Description: row.Description,
		CreatedAt:   row.CreatedAt,
	}
}

// Create implements robots.DB.
func (r *robotsDB) Create(ctx context.Context, robot *robots.Robot) error {
	if robot.ID == uuid.Nil {
		robot.ID = uuid.New()
	}
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO robot (id, name, description, base_url, client_secret)
		VALUES ($1, $2, $3, $4, $5)`,
		robot.ID, robot.Name, robot.Description, robot.BaseURL, robot.ClientSecret)
	if uniqueViolation(err, "robot_name") {
		return robots.ErrRobotExists.New("%s", robot.Name)
	}
	return Error.Wrap(err)
}

// Update implements robots.DB.
func (r *robotsDB) Update(ctx context.Context, robot *robots.Robot) error {
	result, err := r.db.conn.ExecContext(ctx, `
		UPDATE robot
		SET name = $2, description = $3, base_url = $4, client_secret = $5, updated_at = now()
		WHERE id = $1`,
		robot.ID, robot.Name, robot.Description, robot.BaseURL, robot.ClientSecret)
	if uniqueViolation(err, "robot_name") {
		return robots.ErrRobotExists.New("%s", robot.Name)
	}
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return robots.ErrNotFound.New("%s", robot.ID)
	}
	return nil
}

// Get implements robots.DB.
func (r *robotsDB) Get(ctx context.Context, id uuid.UUID) (*robots.Robot, error) {
	var row robotRow
	err := sqlx.GetContext(ctx, r.db.conn, &row, `
		SELECT id, name, description, base_url, client_secret, created_at, updated_at
		FROM robot WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, robots.ErrNotFound.New("%s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	robot := row.robot()
	return &robot, nil
}

// GetByName implements robots.DB.
func (r *robotsDB) GetByName(ctx context.Context, name string) (*robots.Robot, error) {
	var row robotRow
	err := sqlx.GetContext(ctx, r.db.conn, &row, `
		SELECT id, name, description, base_url, client_secret, created_at, updated_at
		FROM robot WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, robots.ErrNotFound.New("%s", name)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	robot := row.robot()
	return &robot, nil
}

// List implements robots.DB.
func (r *robotsDB) List(ctx context.Context) ([]robots.Robot, error) {
	var rows []robotRow
	err := sqlx.SelectContext(ctx, r.db.conn, &rows, `
		SELECT id, name, description, base_url, client_secret, created_at, updated_at
		FROM robot ORDER BY name`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	list := make([]robots.Robot, 0, len(rows))
	for _, row := range rows {
		list = append(list, row.robot())
	}
	return list, nil
}

// Delete implements robots.DB. Automations cascade.
func (r *robotsDB) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.conn.ExecContext(ctx, `DELETE FROM robot WHERE id = $1`, id)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return robots.ErrNotFound.New("%s", id)
	}
	return nil
}

// CreateAutomation implements robots.DB.
func (r *robotsDB) CreateAutomation(ctx context.Context, automation *robots.Automation) error {
	if automation.ID == uuid.Nil {
		automation.ID = uuid.New()
	}
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO robot_automation (id, robot_id, query, description)
		VALUES ($1, $2, $3, $4)`,
		automation.ID, automation.RobotID, []byte(automation.Query), automation.Description)
	if uniqueViolation(err, "robot_automation_query") {
		return robots.ErrAutomationExists.New("robot %s", automation.RobotID)
	}
	return Error.Wrap(err)
}

// GetAutomation implements robots.DB.
func (r *robotsDB) GetAutomation(ctx context.Context, id uuid.UUID) (*robots.Automation, error) {
	var row automationRow
	err := sqlx.GetContext(ctx, r.db.conn, &row, `
		SELECT id, robot_id, query, description, created_at
		FROM robot_automation WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, robots.ErrNotFound.New("automation %s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	automation := row.automation()
	return &automation, nil
}

// ListAutomations implements robots.DB.
func (r *robotsDB) ListAutomations(ctx context.Context, robotID uuid.UUID) ([]robots.Automation, error) {
	var rows []automationRow
	err := sqlx.SelectContext(ctx, r.db.conn, &rows, `
		SELECT id, robot_id, query, description, created_at
		FROM robot_automation WHERE robot_id = $1
		ORDER BY created_at, id`, robotID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	list := make([]robots.Automation, 0, len(rows))
	for _, row := range rows {
		list = append(list, row.automation())
	}
	return list, nil
}

// AllAutomations implements robots.DB.
func (r *robotsDB) AllAutomations(ctx context.Context) ([]robots.Automation, error) {
	var rows []automationRow
	err := sqlx.SelectContext(ctx, r.db.conn, &rows, `
		SELECT id, robot_id, query, description, created_at
		FROM robot_automation ORDER BY created_at, id`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	list := make([]robots.Automation, 0, len(rows))
	for _, row := range rows {
		list = append(list, row.automation())
	}
	return list, nil
}

// DeleteAutomation implements robots.DB.
func (r *robotsDB) DeleteAutomation(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.conn.ExecContext(ctx, `DELETE FROM robot_automation WHERE id = $1`, id)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return robots.ErrNotFound.New("automation %s", id)
	}
	return nil
}
