// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"storj.io/refrepo/repository/robots"
)

type robotRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	BaseURL     string `json:"base_url,omitempty"`
}

type robotResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	BaseURL     string    `json:"base_url,omitempty"`
	// ClientSecret is only populated on creation and secret cycling.
	ClientSecret string    `json:"client_secret,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type automationRequest struct {
	Query       json.RawMessage `json:"query"`
	Description string          `json:"description,omitempty"`
}

type automationResponse struct {
	ID          uuid.UUID       `json:"id"`
	RobotID     uuid.UUID       `json:"robot_id"`
	Query       json.RawMessage `json:"query"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func toRobotResponse(robot *robots.Robot, withSecret bool) robotResponse {
	resp := robotResponse{
		ID:          robot.ID,
		Name:        robot.Name,
		Description: robot.Description,
		BaseURL:     robot.BaseURL,
		CreatedAt:   robot.CreatedAt,
	}
	if withSecret {
		resp.ClientSecret = robot.ClientSecret
	}
	return resp
}

func toAutomationResponse(automation *robots.Automation) automationResponse {
	return automationResponse{
		ID:          automation.ID,
		RobotID:     automation.RobotID,
		Query:       automation.Query,
		Description: automation.Description,
		CreatedAt:   automation.CreatedAt,
	}
}

func (server *Server) createRobot(w http.ResponseWriter, r *http.Request) {
	var req robotRequest
	if !server.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		server.respondError(w, http.StatusBadRequest, Error.New("name is required"))
		return
	}
	robot, err := server.services.Robots.CreateRobot(r.Context(), req.Name, req.Description, req.BaseURL)
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusCreated, toRobotResponse(robot, true))
}

func (server *Server) listRobots(w http.ResponseWriter, r *http.Request) {
	list, err := server.services.DB.Robots().List(r.Context())
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	resp := make([]robotResponse, 0, len(list))
	for i := range list {
		resp = append(resp, toRobotResponse(&list[i], false))
	}
	server.respond(w, nil, http.StatusOK, resp)
}

func (server *Server) getRobot(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		server.respondError(w, http.StatusBadRequest, Error.New("invalid robot id"))
		return
	}
	robot, err := server.services.DB.Robots().Get(r.Context(), id)
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusOK, toRobotResponse(robot, false))
}

func (server *Server) updateRobot(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		server.respondError(w, http.StatusBadRequest, Error.New("invalid robot id"))
		return
	}
	var req robotRequest
	if !server.decode(w, r, &req) {
		return
	}
	robot, err := server.services.Robots.UpdateRobot(r.Context(), id, req.Name, req.Description, req.BaseURL)
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusOK, toRobotResponse(robot, false))
}

func (server *Server) deleteRobot(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		server.respondError(w, http.StatusBadRequest, Error.New("invalid robot id"))
		return
	}
	if err := server.services.Robots.DeleteRobot(r.Context(), id); err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusNoContent, nil)
}

func (server *Server) cycleRobotSecret(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		server.respondError(w, http.StatusBadRequest, Error.New("invalid robot id"))
		return
	}
	robot, err := server.services.Robots.CycleSecret(r.Context(), id)
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusOK, toRobotResponse(robot, true))
}

func (server *Server) createAutomation(w http.ResponseWriter, r *http.Request) {
	robotID, err := pathUUID(r)
	if err != nil {
		server.respondError(w, http.StatusBadRequest, Error.New("invalid robot id"))
		return
	}
	var req automationRequest
	if !server.decode(w, r, &req) {
		return
	}
	if len(req.Query) == 0 {
		server.respondError(w, http.StatusBadRequest, Error.New("query is required"))
		return
	}
	automation, err := server.services.Robots.CreateAutomation(r.Context(), robotID, req.Query, req.Description)
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusCreated, toAutomationResponse(automation))
}

func (server *Server) listAutomations(w http.ResponseWriter, r *http.Request) {
	robotID, err := pathUUID(r)
	if err != nil {
		server.respondError(w, http.StatusBadRequest, Error.New("invalid robot id"))
		return
	}
	list, err := server.services.DB.Robots().ListAutomations(r.Context(), robotID)
	if err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	resp := make([]automationResponse, 0, len(list))
	for i := range list {
		resp = append(resp, toAutomationResponse(&list[i]))
	}
	server.respond(w, nil, http.StatusOK, resp)
}

func (server *Server) deleteAutomation(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		server.respondError(w, http.StatusBadRequest, Error.New("invalid automation id"))
		return
	}
	if err := server.services.Robots.DeleteAutomation(r.Context(), id); err != nil {
		server.respond(w, err, 0, nil)
		return
	}
	server.respond(w, nil, http.StatusNoContent, nil)
}
