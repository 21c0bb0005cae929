// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package robots_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/refrepo/repository/repositorydb/testdb"
	"storj.io/refrepo/repository/robots"
	"storj.io/refrepo/repository/search"
	"storj.io/refrepo/repository/search/searchtest"
)

func newService(t *testing.T) (*robots.Service, robots.DB, *searchtest.Store) {
	store := searchtest.New()
	db := testdb.New().Robots()
	return robots.NewService(zaptest.NewLogger(t), db, store), db, store
}

func TestCreateRobotMintsSecret(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newService(t)

	robot, err := service.CreateRobot(ctx, "abstract-bot", "fetches abstracts", "https://bots.example/abstract")
	require.NoError(t, err)
	require.Len(t, robot.ClientSecret, 64)

	other, err := service.CreateRobot(ctx, "annotation-bot", "", "")
	require.NoError(t, err)
	require.NotEqual(t, robot.ClientSecret, other.ClientSecret)

	_, err = service.CreateRobot(ctx, "abstract-bot", "", "")
	require.True(t, robots.ErrRobotExists.Has(err))
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newService(t)

	robot, err := service.CreateRobot(ctx, "abstract-bot", "", "")
	require.NoError(t, err)

	authenticated, err := service.Authenticate(ctx, robot.ID, robot.ClientSecret)
	require.NoError(t, err)
	require.Equal(t, robot.ID, authenticated.ID)

	_, err = service.Authenticate(ctx, robot.ID, "wrong")
	require.Error(t, err)
	_, err = service.Authenticate(ctx, uuid.New(), robot.ClientSecret)
	require.Error(t, err)
}

func TestCycleSecret(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newService(t)

	robot, err := service.CreateRobot(ctx, "abstract-bot", "", "")
	require.NoError(t, err)
	old := robot.ClientSecret

	cycled, err := service.CycleSecret(ctx, robot.ID)
	require.NoError(t, err)
	require.NotEqual(t, old, cycled.ClientSecret)

	_, err = service.Authenticate(ctx, robot.ID, old)
	require.Error(t, err)
	_, err = service.Authenticate(ctx, robot.ID, cycled.ClientSecret)
	require.NoError(t, err)
}

func TestCreateAutomationMirrorsQuery(t *testing.T) {
	ctx := context.Background()
	service, _, store := newService(t)

	robot, err := service.CreateRobot(ctx, "abstract-bot", "", "")
	require.NoError(t, err)

	automation, err := service.CreateAutomation(ctx, robot.ID,
		json.RawMessage(`{"match":{"abstract":"heat"}}`), "heat papers")
	require.NoError(t, err)

	matches, err := store.Percolate(ctx, []search.Document{{ID: uuid.New(), Abstract: "Heat and mortality."}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, automation.ID, matches[0].AutomationID)
	require.Equal(t, robot.ID, matches[0].RobotID)
}

func TestCreateAutomationRollsBackMalformedQuery(t *testing.T) {
	ctx := context.Background()
	service, db, _ := newService(t)

	robot, err := service.CreateRobot(ctx, "abstract-bot", "", "")
	require.NoError(t, err)

	_, err = service.CreateAutomation(ctx, robot.ID, json.RawMessage(`"not an object"`), "")
	require.True(t, search.ErrMalformedDocument.Has(err))

	// The rejected automation is not left behind in the store.
	automations, err := db.ListAutomations(ctx, robot.ID)
	require.NoError(t, err)
	require.Empty(t, automations)
}

func TestDeleteRobotUnmirrorsAutomations(t *testing.T) {
	ctx := context.Background()
	service, db, store := newService(t)

	robot, err := service.CreateRobot(ctx, "abstract-bot", "", "")
	require.NoError(t, err)
	_, err = service.CreateAutomation(ctx, robot.ID,
		json.RawMessage(`{"match":{"abstract":"heat"}}`), "")
	require.NoError(t, err)

	require.NoError(t, service.DeleteRobot(ctx, robot.ID))

	matches, err := store.Percolate(ctx, []search.Document{{ID: uuid.New(), Abstract: "heat"}})
	require.NoError(t, err)
	require.Empty(t, matches)
	_, err = db.Get(ctx, robot.ID)
	require.True(t, robots.ErrNotFound.Has(err))
}
