package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"
	"github.com/oarjones/agp-gateway/internal/orchestrator"
	"github.com/oarjones/agp-gateway/internal/services"
)

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.st.ListProjects()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	project, err := s.projects.CreateProject(req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.st.GetProject(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	purge := r.URL.Query().Get("purgeDisk") == "true"
	if err := s.projects.DeleteProject(r.PathValue("id"), purge); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleActivateProject(w http.ResponseWriter, r *http.Request) {
	if err := s.projects.ActivateProject(r.Context(), r.PathValue("id"), s.cfg.GetAll(false)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

func (s *Server) handleProjectStatus(w http.ResponseWriter, r *http.Request) {
	if s.sup == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.sup.Status())
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.st.ListTasks(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleNextTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.NextAvailableTask(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.StartTask(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.CompleteTask(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tasks     []services.TaskInput `json:"tasks"`
		CreatedBy string               `json:"createdBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	createdBy := domain.CreatedByAI
	switch req.CreatedBy {
	case string(domain.CreatedByUser):
		createdBy = domain.CreatedByUser
	case string(domain.CreatedBySystem):
		createdBy = domain.CreatedBySystem
	}
	plan, err := s.plans.CreatePlan(r.PathValue("id"), req.Tasks, createdBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleAcceptPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.plans.AcceptPlan(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleRunPlan(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeError(w, gwerr.New(gwerr.Internal, "orchestrator is not wired"))
		return
	}
	var body struct {
		Steps         []orchestrator.Step `json:"steps"`
		CorrelationID *string             `json:"correlationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	result, err := s.orch.RunPlan(r.Context(), r.PathValue("id"), body.Steps, body.CorrelationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		writeError(w, gwerr.New(gwerr.Internal, "artifact registry is not wired"))
		return
	}
	artifacts, err := s.artifacts.ListArtifacts(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleRegisterArtifact(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		writeError(w, gwerr.New(gwerr.Internal, "artifact registry is not wired"))
		return
	}
	var body struct {
		Type     string                    `json:"type"`
		Path     string                    `json:"path"`
		Category *domain.ArtifactCategory  `json:"category"`
		Meta     map[string]any            `json:"meta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	artifact, err := s.artifacts.RegisterArtifact(r.PathValue("id"), body.Type, body.Path, body.Category, body.Meta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleValidateArtifact(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		writeError(w, gwerr.New(gwerr.Internal, "artifact registry is not wired"))
		return
	}
	artifact, err := s.artifacts.ValidateArtifact(r.PathValue("id"), r.PathValue("artifactId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	scope := domain.ScopeGlobal
	if r.URL.Query().Get("scope") == string(domain.ScopeTask) {
		scope = domain.ScopeTask
	}
	var taskID *string
	if t := r.URL.Query().Get("taskId"); t != "" {
		taskID = &t
	}
	content, err := s.contexts.ActiveContext(r.PathValue("id"), scope, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, content)
}

func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Scope     string         `json:"scope"`
		TaskID    *string        `json:"taskId"`
		Content   map[string]any `json:"content"`
		CreatedBy string         `json:"createdBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	scope := domain.ScopeGlobal
	if body.Scope == string(domain.ScopeTask) {
		scope = domain.ScopeTask
	}
	created, err := s.contexts.CreateContext(r.PathValue("id"), scope, body.TaskID, body.Content, body.CreatedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}
