package handler

import (
	"encoding/json"
	"net/http"

	"github.com/labops/be-lab-procedures/internal/errors"
	"github.com/labops/be-lab-procedures/internal/logger"
	"github.com/labops/be-lab-procedures/internal/repository"
	"github.com/labops/be-lab-procedures/internal/service"
)

// Actor identity headers. Authentication happens at the gateway; this
// service trusts the resolved identity it forwards.
const (
	headerActorID    = "X-Actor-ID"
	headerActorRole  = "X-Actor-Role"
	headerActorLabID = "X-Actor-Lab-ID"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	templates  *service.TemplateService
	procedures *service.ProcedureService
	approvals  *service.ApprovalService
	requests   *service.RequestService
	log        *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	templates *service.TemplateService,
	procedures *service.ProcedureService,
	approvals *service.ApprovalService,
	requests *service.RequestService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		templates:  templates,
		procedures: procedures,
		approvals:  approvals,
		requests:   requests,
		log:        log,
	}
}

// Register mounts all routes on the mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("POST /api/v1/templates", h.CreateTemplate)
	mux.HandleFunc("GET /api/v1/templates", h.ListTemplates)
	mux.HandleFunc("GET /api/v1/templates/{id}", h.GetTemplate)
	mux.HandleFunc("PUT /api/v1/templates/{id}", h.UpdateTemplate)
	mux.HandleFunc("DELETE /api/v1/templates/{id}", h.DeleteTemplate)
	mux.HandleFunc("POST /api/v1/templates/{id}/activate", h.ActivateTemplate)
	mux.HandleFunc("POST /api/v1/templates/{id}/duplicate", h.DuplicateTemplate)

	mux.HandleFunc("POST /api/v1/requests", h.CreateRequest)
	mux.HandleFunc("GET /api/v1/requests", h.ListRequests)
	mux.HandleFunc("GET /api/v1/requests/{id}", h.GetRequest)
	mux.HandleFunc("PUT /api/v1/requests/{id}/status", h.UpdateRequestStatus)
	mux.HandleFunc("GET /api/v1/requests/{id}/audit", h.GetAuditTrail)
	mux.HandleFunc("POST /api/v1/requests/{id}/procedure", h.CreateProcedure)
	mux.HandleFunc("GET /api/v1/requests/{id}/procedure", h.GetProcedureByRequest)

	mux.HandleFunc("GET /api/v1/procedures/{id}", h.GetProcedure)
	mux.HandleFunc("PUT /api/v1/procedures/{id}/steps/{stepId}", h.UpdateStep)
	mux.HandleFunc("POST /api/v1/procedures/{id}/assign", h.AssignAnalyst)
	mux.HandleFunc("POST /api/v1/procedures/{id}/reject", h.RejectProcedure)
	mux.HandleFunc("POST /api/v1/procedures/{id}/revision", h.RequestSampleRevision)
	mux.HandleFunc("POST /api/v1/procedures/{id}/approvals", h.RequestApproval)
	mux.HandleFunc("GET /api/v1/procedures/{id}/approvals", h.ListApprovals)
	mux.HandleFunc("POST /api/v1/procedures/{id}/approvals/{approvalId}/process", h.ProcessApproval)
}

// ── template handlers ─────────────────────────────────────────────────────────

// CreateTemplate handles template creation requests
func (h *HTTPHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req service.CreateTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadBody(w)
		return
	}

	template, err := h.templates.CreateTemplate(r.Context(), actor, &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, template)
}

// ListTemplates handles template listing requests
func (h *HTTPHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	filter := repository.TemplateFilter{
		TestTypeID: queryPtr(r, "test_type_id"),
		Status:     queryPtr(r, "status"),
		LabID:      queryPtr(r, "lab_id"),
	}

	templates, err := h.templates.ListTemplates(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

// GetTemplate handles single template requests
func (h *HTTPHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	template, err := h.templates.GetTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, template)
}

// UpdateTemplate handles draft template edits
func (h *HTTPHandler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req service.UpdateTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadBody(w)
		return
	}

	template, err := h.templates.UpdateTemplate(r.Context(), actor, r.PathValue("id"), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, template)
}

// ActivateTemplate handles template activation
func (h *HTTPHandler) ActivateTemplate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	template, err := h.templates.ActivateTemplate(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, template)
}

// DuplicateTemplate handles template duplication into a new draft version
func (h *HTTPHandler) DuplicateTemplate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req struct {
		Version string
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadBody(w)
		return
	}

	template, err := h.templates.DuplicateTemplate(r.Context(), actor, r.PathValue("id"), req.Version)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, template)
}

// DeleteTemplate handles template soft deletion
func (h *HTTPHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	if err := h.templates.DeleteTemplate(r.Context(), actor, r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── request handlers ──────────────────────────────────────────────────────────

// CreateRequest handles test request creation
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req service.CreateRequestInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadBody(w)
		return
	}

	request, err := h.requests.CreateRequest(r.Context(), actor, &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, request)
}

// ListRequests handles role-scoped request listings
func (h *HTTPHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	filter := repository.RequestFilter{
		Status: queryPtr(r, "status"),
		LabID:  queryPtr(r, "lab_id"),
	}

	requests, err := h.requests.ListRequests(r.Context(), actor, filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

// GetRequest handles single request reads
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	request, err := h.requests.GetRequest(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, request)
}

// UpdateRequestStatus handles role-gated status changes
func (h *HTTPHandler) UpdateRequestStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req struct {
		Status string
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadBody(w)
		return
	}

	request, err := h.requests.UpdateStatus(r.Context(), actor, r.PathValue("id"), req.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, request)
}

// GetAuditTrail handles audit log reads
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	entries, err := h.requests.GetAuditTrail(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ── procedure handlers ────────────────────────────────────────────────────────

// CreateProcedure binds a test request to a template snapshot
func (h *HTTPHandler) CreateProcedure(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req struct {
		TemplateID        string
		AssignedAnalystID *string
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadBody(w)
		return
	}

	inst, err := h.procedures.CreateProcedure(r.Context(), actor, &service.CreateProcedureRequest{
		TestRequestID:     r.PathValue("id"),
		TemplateID:        req.TemplateID,
		AssignedAnalystID: req.AssignedAnalystID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, h.procedureView(inst))
}

// GetProcedureByRequest returns the procedure bound to a request
func (h *HTTPHandler) GetProcedureByRequest(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	inst, err := h.procedures.GetProcedureByRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.procedureView(inst))
}

// GetProcedure returns a procedure instance by ID
func (h *HTTPHandler) GetProcedure(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	inst, err := h.procedures.GetProcedure(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.procedureView(inst))
}

// UpdateStep applies a partial patch to one step instance
func (h *HTTPHandler) UpdateStep(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req service.UpdateStepInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadBody(w)
		return
	}

	step, err := h.procedures.UpdateStep(r.Context(), actor, r.PathValue("id"), r.PathValue("stepId"), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, step)
}

// AssignAnalyst sets the analyst on a procedure instance
func (h *HTTPHandler) AssignAnalyst(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req struct {
		AnalystID string
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadBody(w)
		return
	}

	if err := h.procedures.AssignAnalyst(r.Context(), actor, r.PathValue("id"), req.AnalystID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RejectProcedure rejects a draft procedure
func (h *HTTPHandler) RejectProcedure(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadBody(w)
		return
	}

	if err := h.procedures.RejectProcedure(r.Context(), actor, r.PathValue("id"), req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequestSampleRevision flags a procedure as blocked on its sample
func (h *HTTPHandler) RequestSampleRevision(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req struct {
		Notes string
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadBody(w)
		return
	}

	if err := h.procedures.RequestSampleRevision(r.Context(), actor, r.PathValue("id"), req.Notes); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── approval handlers ─────────────────────────────────────────────────────────

// RequestApproval creates a pending approval record
func (h *HTTPHandler) RequestApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req service.RequestApprovalInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadBody(w)
		return
	}

	approval, err := h.approvals.RequestApproval(r.Context(), actor, r.PathValue("id"), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, approval)
}

// ListApprovals lists all approvals of a procedure instance
func (h *HTTPHandler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	approvals, err := h.approvals.ListApprovals(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

// ProcessApproval records a decision on a pending approval
func (h *HTTPHandler) ProcessApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req struct {
		Decision string
		Notes    *string
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadBody(w)
		return
	}

	approval, err := h.approvals.ProcessApproval(
		r.Context(), actor, r.PathValue("id"), r.PathValue("approvalId"), req.Decision, req.Notes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, approval)
}

// ── helpers ───────────────────────────────────────────────────────────────────

// procedureView decorates an instance with its derived read-model fields.
func (h *HTTPHandler) procedureView(inst *repository.ProcedureInstance) map[string]any {
	view := map[string]any{
		"instance":            inst,
		"progress_percentage": inst.ProgressPercentage(),
	}
	if current := inst.CurrentStep(); current != nil {
		view["current_step_order"] = current.StepOrder
	}
	return view
}

func (h *HTTPHandler) actor(w http.ResponseWriter, r *http.Request) (service.Actor, bool) {
	actor := service.Actor{
		ID:   r.Header.Get(headerActorID),
		Role: r.Header.Get(headerActorRole),
	}
	if labID := r.Header.Get(headerActorLabID); labID != "" {
		actor.LabID = &labID
	}

	if actor.ID == "" || actor.Role == "" {
		h.writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]any{
				"code":    "unauthorized",
				"message": "actor identity headers are required",
			},
		})
		return service.Actor{}, false
	}
	return actor, true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *HTTPHandler) writeBadBody(w http.ResponseWriter) {
	h.writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": map[string]any{
			"code":    string(errors.ErrCodeValidation),
			"message": "invalid request body",
		},
	})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeInvalidState, errors.ErrCodeDuplicateVersion, errors.ErrCodeAlreadyProcessed:
		status = http.StatusConflict
	case errors.ErrCodeForbidden:
		status = http.StatusForbidden
	case errors.ErrCodeValidation:
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Internal error")
	}

	h.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    string(code),
			"message": err.Error(),
		},
	})
}

func queryPtr(r *http.Request, key string) *string {
	if v := r.URL.Query().Get(key); v != "" {
		return &v
	}
	return nil
}
