package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"huddle.is/huddle/internal/analytics"
	"huddle.is/huddle/internal/audit"
	"huddle.is/huddle/internal/brand"
	"huddle.is/huddle/internal/gateway"
	"huddle.is/huddle/internal/metrics"
	"huddle.is/huddle/internal/scheduler"
	"huddle.is/huddle/internal/token"
)

// recentEvents bounds the analytics ring slice in admin statistics.
const recentEvents = 50

// versionResponse is the payload of GET /api/v1/version.
type versionResponse struct {
	Version string `json:"version"`
	Model   string `json:"model"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, versionResponse{
		Version: brand.Version,
		Model:   s.cfg.Model,
	})
}

// statisticsResponse wraps the gateway snapshot with the admin extras.
type statisticsResponse struct {
	gateway.Snapshot
	System *metrics.SystemStats   `json:"system,omitempty"`
	Events []analytics.Event      `json:"events,omitempty"`
	Tasks  []scheduler.TaskStatus `json:"tasks,omitempty"`
}

// handleStatistics serves the gateway snapshot. A missing or invalid token
// answers 404, not 401: the route stays invisible to probing.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	claims := s.controlClaims(r)
	if claims == nil {
		http.NotFound(w, r)
		return
	}

	resp := statisticsResponse{Snapshot: s.manager.Snapshot(claims.Admin)}
	if claims.Admin {
		if s.collect != nil {
			stats := s.collect.SystemStats()
			resp.System = &stats
		}
		resp.Events = s.hub.Recent(recentEvents)
		if s.sched != nil {
			resp.Tasks = s.sched.GetStatus()
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// handleManage executes administrative operations. Non-admin callers get
// the same 404 camouflage as statistics; every attempt, allowed or not,
// lands in the audit trail.
func (s *Server) handleManage(w http.ResponseWriter, r *http.Request) {
	op := r.URL.Query().Get("operation")
	target := r.URL.Query().Get("workspace")

	claims := s.controlClaims(r)
	if claims == nil || !claims.Admin {
		actor := "unknown"
		if claims != nil {
			actor = claims.Email
		}
		s.recordManage(r, actor, op, target, false, nil)
		http.NotFound(w, r)
		return
	}

	switch op {
	case "maintenance":
		minutes, err := strconv.Atoi(r.URL.Query().Get("timeout"))
		if err != nil || minutes < 0 {
			s.recordManage(r, claims.Email, op, target, true, map[string]any{"error": "bad timeout"})
			WriteError(w, http.StatusBadRequest, "timeout must be a non-negative number of minutes")
			return
		}
		s.manager.ScheduleMaintenance(minutes)
		s.recordManage(r, claims.Email, op, target, true, map[string]any{"minutes": minutes})
		WriteJSON(w, http.StatusOK, map[string]any{"success": true, "operation": op, "minutes": minutes})

	case "wipe-statistics":
		s.manager.WipeStatistics()
		s.recordManage(r, claims.Email, op, target, true, nil)
		WriteJSON(w, http.StatusOK, map[string]any{"success": true, "operation": op})

	case "force-close":
		if target == "" {
			s.recordManage(r, claims.Email, op, target, true, map[string]any{"error": "missing workspace"})
			WriteError(w, http.StatusBadRequest, "workspace parameter is required")
			return
		}
		found := s.manager.ForceClose(target)
		s.recordManage(r, claims.Email, op, target, true, map[string]any{"found": found})
		if !found {
			WriteError(w, http.StatusNotFound, "workspace not found")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"success": true, "operation": op, "workspace": gateway.WorkspaceKey(target)})

	case "reboot":
		s.recordManage(r, claims.Email, op, target, true, nil)
		WriteJSON(w, http.StatusOK, map[string]any{"success": true, "operation": op})
		// The response is flushed when this handler returns; the reboot
		// hook shuts the gateway down and exits.
		go s.reboot()

	default:
		s.recordManage(r, claims.Email, op, target, true, map[string]any{"error": "unknown operation"})
		WriteError(w, http.StatusBadRequest, "unknown operation", op)
	}
}

// controlClaims verifies the ?token= parameter. Nil means unauthorized.
func (s *Server) controlClaims(r *http.Request) *token.Claims {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		return nil
	}
	claims, err := s.verifier.Verify(raw)
	if err != nil {
		return nil
	}
	return claims
}

// recordManage writes one manage attempt to the audit trail and the
// analytics hub.
func (s *Server) recordManage(r *http.Request, actor, op, target string, allowed bool, details map[string]any) {
	s.hub.EmitAdminAction(op, actor, target, allowed)

	if s.auditor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.auditor.Write(ctx, audit.Record{
		Actor:      actor,
		Operation:  op,
		Target:     target,
		Allowed:    allowed,
		Details:    details,
		RemoteAddr: getClientIP(r),
	})
	if err != nil {
		s.logger.Error("Audit write failed", "operation", op, "error", err)
	}
}
