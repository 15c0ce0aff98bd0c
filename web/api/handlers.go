package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/bhanudas/sf-agentbench/internal/eventbus"
	"github.com/bhanudas/sf-agentbench/internal/eventstore"
	"github.com/bhanudas/sf-agentbench/internal/orgpool"
	"github.com/bhanudas/sf-agentbench/internal/scheduler"
	"github.com/bhanudas/sf-agentbench/internal/workerpool"
)

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Pool      workerpool.Status `json:"pool"`
	Scheduler scheduler.Status  `json:"scheduler"`
	Orgs      OrgsResponse      `json:"orgs"`
}

// OrgsResponse summarizes the scratch org pool
type OrgsResponse struct {
	Total     int                 `json:"total"`
	Available int                 `json:"available"`
	InUse     int                 `json:"in_use"`
	Orgs      []orgpool.OrgStatus `json:"orgs"`
}

// CommandRequest is an inbound control message
type CommandRequest struct {
	Command    string `json:"command"`
	WorkUnitID string `json:"work_unit_id,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
}

func (s *Server) orgsResponse() OrgsResponse {
	resp := OrgsResponse{Orgs: []orgpool.OrgStatus{}}
	if s.orgs == nil {
		return resp
	}
	resp.Total = s.orgs.Total()
	resp.Available = s.orgs.Available()
	resp.InUse = s.orgs.InUse()
	resp.Orgs = s.orgs.Status()
	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		resp := StatusResponse{Orgs: s.orgsResponse()}
		if s.pool != nil {
			resp.Pool = s.pool.Status()
		}
		if s.sched != nil {
			resp.Scheduler = s.sched.Status()
		}

		writeJSON(w, resp)
	}
}

func (s *Server) orgsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, s.orgsResponse())
	}
}

func (s *Server) historyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		q := eventbus.Query{
			Kind:   eventbus.Kind(r.URL.Query().Get("kind")),
			Source: r.URL.Query().Get("source"),
			Level:  eventbus.LogLevel(r.URL.Query().Get("level")),
			Limit:  100,
		}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			q.Limit = limit
		}

		events := s.bus.History(q)
		if events == nil {
			events = []eventbus.Event{}
		}
		writeJSON(w, events)
	}
}

func (s *Server) unitsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if s.store == nil {
			writeJSON(w, []eventstore.UnitSnapshot{})
			return
		}

		units, err := s.store.ActiveWorkUnits()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if units == nil {
			units = []eventstore.UnitSnapshot{}
		}
		writeJSON(w, units)
	}
}

func (s *Server) commandHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req CommandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Command == "" {
			writeError(w, http.StatusBadRequest, "command is required")
			return
		}

		switch eventbus.Command(req.Command) {
		case eventbus.CommandInjectPrompt:
			if req.Prompt == "" {
				writeError(w, http.StatusBadRequest, "prompt is required for inject_prompt")
				return
			}
			s.bus.SendPrompt(req.WorkUnitID, req.Prompt)
		case eventbus.CommandPause, eventbus.CommandResume, eventbus.CommandCancel,
			eventbus.CommandRetry, eventbus.CommandStatus, eventbus.CommandShutdown:
			s.bus.SendCommand(eventbus.Command(req.Command), req.WorkUnitID)
		default:
			writeError(w, http.StatusBadRequest, "unknown command: "+req.Command)
			return
		}

		writeJSON(w, map[string]string{"status": "accepted"})
	}
}
