package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/vibelink/internal/learning"
	"github.com/kalambet/vibelink/internal/orchestrator"
	"github.com/kalambet/vibelink/internal/profile"
	"github.com/kalambet/vibelink/internal/reconcile"
)

// ProfileReader is the read side of profile.Manager.
type ProfileReader interface {
	Get(ctx context.Context, ownerID string) (profile.Profile, error)
	List(ctx context.Context) ([]profile.Profile, error)
	Signature(ownerID string) (string, error)
}

// QueueStatter reports reconciliation queue depth. Implemented by reconcile.Queue.
type QueueStatter interface {
	Stats() (reconcile.Stats, error)
}

// SessionLister reports in-flight sessions. Implemented by orchestrator.Orchestrator.
type SessionLister interface {
	Active() []orchestrator.Status
	Pending() int
}

type NodeDeps struct {
	OwnerID  string
	Profiles ProfileReader
	Queue    QueueStatter
	Sessions SessionLister // optional; if nil, /sessions reports nothing running
	Token    string
}

// profileView is a profile as shown to the local operator.
type profileView struct {
	OwnerID   string `json:"owner_id"`
	Signature string `json:"signature"`
	profile.Profile
}

type diversityView struct {
	Profiles          int     `json:"profiles"`
	Diversity         float64 `json:"diversity"`
	BaselineDiversity float64 `json:"baseline_diversity"`
	Homogenization    float64 `json:"homogenization"`
}

// NewNodeHandler serves the node status API. /health is open, everything
// else requires the bearer token.
func NewNodeHandler(deps NodeDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/profile", handleGetOwnProfile(deps))
		r.Get("/profiles", handleListProfiles(deps))
		r.Get("/profiles/{owner}", handleGetProfile(deps))
		r.Get("/queue", handleQueueStats(deps))
		r.Get("/sessions", handleSessions(deps))
		r.Get("/diversity", handleDiversity(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleGetOwnProfile(deps NodeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serveProfile(w, r, deps, deps.OwnerID)
	}
}

func handleGetProfile(deps NodeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serveProfile(w, r, deps, chi.URLParam(r, "owner"))
	}
}

func serveProfile(w http.ResponseWriter, r *http.Request, deps NodeDeps, owner string) {
	p, err := deps.Profiles.Get(r.Context(), owner)
	if errors.Is(err, profile.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "no profile for %q", owner)
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get profile: %v", err)
		return
	}
	sig, err := deps.Profiles.Signature(owner)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to derive signature: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, profileView{OwnerID: owner, Signature: sig, Profile: p})
}

func handleListProfiles(deps NodeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ps, err := deps.Profiles.List(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list profiles: %v", err)
			return
		}
		out := make([]profileView, 0, len(ps))
		for _, p := range ps {
			sig, _ := deps.Profiles.Signature(p.OwnerID)
			out = append(out, profileView{OwnerID: p.OwnerID, Signature: sig, Profile: p})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleQueueStats(deps NodeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Queue.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read queue: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleSessions(deps NodeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			Active  []orchestrator.Status `json:"active"`
			Pending int                   `json:"pending"`
		}{Active: []orchestrator.Status{}}
		if deps.Sessions != nil {
			resp.Active = deps.Sessions.Active()
			resp.Pending = deps.Sessions.Pending()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleDiversity(deps NodeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ps, err := deps.Profiles.List(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list profiles: %v", err)
			return
		}
		baseline := learning.BaselineProfiles(ps)
		writeJSON(w, http.StatusOK, diversityView{
			Profiles:          len(ps),
			Diversity:         learning.Diversity(ps),
			BaselineDiversity: learning.Diversity(baseline),
			Homogenization:    learning.Homogenization(baseline, ps),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
