package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/Xaheen-ai/autoforge/internal/events"
	"github.com/Xaheen-ai/autoforge/internal/graph"
	"github.com/Xaheen-ai/autoforge/internal/logging"
	"github.com/Xaheen-ai/autoforge/internal/store"
)

// errorResponse is the JSON body for all error replies.
type errorResponse struct {
	Error string  `json:"error"`
	Cycle []int64 `json:"cycle,omitempty"`
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps store and graph errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var cycleErr *graph.CycleError
	switch {
	case errors.As(err, &cycleErr):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Cycle: cycleErr.Nodes})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		logging.WithComponent("server").Error("request failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// decodeBody decodes a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// featureID parses the {id} path segment.
func featureID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

// publish emits a mutation event when a hub is wired.
func (s *Server) publish(eventType, project string, id int64) {
	if s.hub != nil {
		s.hub.Publish(eventType, project, id)
	}
}

func (s *Server) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")

	if r.URL.Query().Get("grouped") == "true" {
		grouped, err := s.store.ListFeaturesGrouped(project)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, grouped)
		return
	}

	features, err := s.store.ListFeatures(project)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"features": features})
}

func (s *Server) handleCreateFeature(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")

	var spec store.CreateSpec
	if err := decodeBody(r, &spec); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	feature, err := s.store.CreateFeature(project, spec)
	if err != nil {
		writeError(w, err)
		return
	}

	s.publish(events.TypeFeatureCreated, project, feature.ID)
	writeJSON(w, http.StatusCreated, feature)
}

// bulkRequest carries multiple specs plus an optional priority floor for the
// allocated block.
type bulkRequest struct {
	Features         []store.CreateSpec `json:"features"`
	StartingPriority *int64             `json:"starting_priority"`
}

func (s *Server) handleCreateBulk(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")

	var req bulkRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	created, err := s.store.CreateFeaturesBulk(project, req.Features, req.StartingPriority)
	if err != nil {
		writeError(w, err)
		return
	}

	for _, f := range created {
		s.publish(events.TypeFeatureCreated, project, f.ID)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"features": created})
}

func (s *Server) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	id, err := featureID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid feature id"})
		return
	}

	feature, err := s.store.GetFeature(project, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feature)
}

func (s *Server) handleUpdateFeature(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	id, err := featureID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid feature id"})
		return
	}

	var spec store.UpdateSpec
	if err := decodeBody(r, &spec); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	feature, err := s.store.UpdateFeature(project, id, spec)
	if err != nil {
		writeError(w, err)
		return
	}

	s.publish(events.TypeFeatureUpdated, project, id)
	writeJSON(w, http.StatusOK, feature)
}

func (s *Server) handleDeleteFeature(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	id, err := featureID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid feature id"})
		return
	}

	affected, err := s.store.DeleteFeature(project, id)
	if err != nil {
		writeError(w, err)
		return
	}

	s.publish(events.TypeFeatureDeleted, project, id)
	for _, dep := range affected {
		s.publish(events.TypeFeatureUpdated, project, dep)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":            id,
		"updated_dependents": affected,
	})
}

func (s *Server) handleSkipFeature(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	id, err := featureID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid feature id"})
		return
	}

	feature, err := s.store.SkipFeature(project, id)
	if err != nil {
		writeError(w, err)
		return
	}

	s.publish(events.TypeFeatureSkipped, project, id)
	writeJSON(w, http.StatusOK, feature)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")

	g, err := s.store.GetDependencyGraph(project)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")

	ready, err := s.store.GetReady(project)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"features": ready})
}

// claimRequest identifies the worker taking a feature. Worker is optional; an
// absent worker gets a generated identifier so claims are always attributable.
type claimRequest struct {
	Worker string `json:"worker"`
}

func (s *Server) handleClaimFeature(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	id, err := featureID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid feature id"})
		return
	}

	worker, err := claimWorker(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	feature, err := s.store.ClaimFeature(project, id, worker)
	if err != nil {
		writeError(w, err)
		return
	}

	s.publish(events.TypeFeatureClaimed, project, id)
	writeJSON(w, http.StatusOK, feature)
}

func (s *Server) handleClaimNext(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")

	worker, err := claimWorker(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	feature, err := s.store.ClaimNext(project, worker)
	if err != nil {
		writeError(w, err)
		return
	}

	s.publish(events.TypeFeatureClaimed, project, feature.ID)
	writeJSON(w, http.StatusOK, feature)
}

// claimWorker extracts the worker id from the request body, generating one
// when the body is empty or omits it.
func claimWorker(r *http.Request) (string, error) {
	var req claimRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if req.Worker == "" {
		req.Worker = uuid.NewString()
	}
	return req.Worker, nil
}

// releaseRequest reports how a claim ended.
type releaseRequest struct {
	Outcome string `json:"outcome"`
}

func (s *Server) handleReleaseFeature(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	id, err := featureID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid feature id"})
		return
	}

	var req releaseRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	feature, err := s.store.ReleaseFeature(project, id, store.Outcome(req.Outcome))
	if err != nil {
		writeError(w, err)
		return
	}

	s.publish(events.TypeFeatureReleased, project, id)
	writeJSON(w, http.StatusOK, feature)
}

func (s *Server) handleAddDependency(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	id, err := featureID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid feature id"})
		return
	}
	dep, err := strconv.ParseInt(r.PathValue("dep"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid dependency id"})
		return
	}

	feature, err := s.store.AddDependency(project, id, dep)
	if err != nil {
		writeError(w, err)
		return
	}

	s.publish(events.TypeFeatureUpdated, project, id)
	writeJSON(w, http.StatusOK, feature)
}

func (s *Server) handleRemoveDependency(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	id, err := featureID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid feature id"})
		return
	}
	dep, err := strconv.ParseInt(r.PathValue("dep"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid dependency id"})
		return
	}

	feature, err := s.store.RemoveDependency(project, id, dep)
	if err != nil {
		writeError(w, err)
		return
	}

	s.publish(events.TypeFeatureUpdated, project, id)
	writeJSON(w, http.StatusOK, feature)
}

// dependenciesRequest replaces a feature's whole dependency list.
type dependenciesRequest struct {
	Dependencies []int64 `json:"dependencies"`
}

func (s *Server) handleSetDependencies(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	id, err := featureID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid feature id"})
		return
	}

	var req dependenciesRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	feature, err := s.store.SetDependencies(project, id, req.Dependencies)
	if err != nil {
		writeError(w, err)
		return
	}

	s.publish(events.TypeFeatureUpdated, project, id)
	writeJSON(w, http.StatusOK, feature)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")

	schedules, err := s.store.ListSchedules(project)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")

	var spec store.ScheduleSpec
	if err := decodeBody(r, &spec); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	schedule, err := s.store.CreateSchedule(project, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, schedule)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid schedule id"})
		return
	}

	var spec store.ScheduleSpec
	if err := decodeBody(r, &spec); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	schedule, err := s.store.UpdateSchedule(project, id, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid schedule id"})
		return
	}

	if err := s.store.DeleteSchedule(project, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}
