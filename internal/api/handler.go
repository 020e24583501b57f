// Package api exposes the REST surface: branch and project management,
// versioned entity writes, comparisons and the change order workflow.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/costline/costline/internal/baseline"
	"github.com/costline/costline/internal/branches"
	"github.com/costline/costline/internal/comparison"
	"github.com/costline/costline/internal/export"
	"github.com/costline/costline/internal/repository"
	"github.com/costline/costline/internal/versioning"
	"github.com/costline/costline/internal/workflow"
)

// Handler wires every service behind the HTTP surface.
type Handler struct {
	branches  *branches.Service
	versions  *versioning.Service
	compare   *comparison.Service
	workflow  *workflow.Service
	baselines *baseline.Service
	exports   *export.Service
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(
	branchSvc *branches.Service,
	versionSvc *versioning.Service,
	compareSvc *comparison.Service,
	workflowSvc *workflow.Service,
	baselineSvc *baseline.Service,
	exportSvc *export.Service,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		branches:  branchSvc,
		versions:  versionSvc,
		compare:   compareSvc,
		workflow:  workflowSvc,
		baselines: baselineSvc,
		exports:   exportSvc,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
	}
}

// Routes registers every endpoint on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /projects", h.createProject)
	mux.HandleFunc("GET /projects/{projectID}/branches", h.listBranches)
	mux.HandleFunc("POST /projects/{projectID}/branches", h.createBranch)
	mux.HandleFunc("GET /projects/{projectID}/branches/{name}", h.resolveBranch)
	mux.HandleFunc("DELETE /branches/{branchID}", h.deleteBranch)

	mux.HandleFunc("POST /branches/{branchID}/entities", h.writeEntity)
	mux.HandleFunc("GET /branches/{branchID}/entities", h.listEntities)
	mux.HandleFunc("POST /branches/{branchID}/entities/{entityID}/tombstone", h.tombstoneEntity)
	mux.HandleFunc("GET /branches/{branchID}/entities/{entityID}/history", h.entityHistory)

	mux.HandleFunc("GET /projects/{projectID}/comparison", h.comparison)
	mux.HandleFunc("GET /projects/{projectID}/comparison/export", h.comparisonExport)

	mux.HandleFunc("POST /change-orders", h.createChangeOrder)
	mux.HandleFunc("GET /change-orders/{id}", h.getChangeOrder)
	mux.HandleFunc("POST /change-orders/{id}/approve", h.approveChangeOrder)
	mux.HandleFunc("POST /change-orders/{id}/execute", h.executeChangeOrder)
	mux.HandleFunc("POST /change-orders/{id}/cancel", h.cancelChangeOrder)
	mux.HandleFunc("GET /change-orders/{id}/baseline", h.getBaseline)
	mux.HandleFunc("GET /projects/{projectID}/change-orders", h.listChangeOrders)
	mux.HandleFunc("GET /projects/{projectID}/baselines", h.listBaselines)

	return mux
}

type createProjectRequest struct {
	Name string `json:"name" validate:"required"`
}

func (h *Handler) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !h.decode(w, r, &req) {
		return
	}
	project, main, err := h.branches.CreateProject(r.Context(), req.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"project":     project,
		"main_branch": main,
	})
}

type createBranchRequest struct {
	Name string `json:"name" validate:"required"`
}

func (h *Handler) createBranch(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	var req createBranchRequest
	if !h.decode(w, r, &req) {
		return
	}
	branch, err := h.branches.CreateBranch(r.Context(), projectID, req.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, branch)
}

func (h *Handler) listBranches(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	list, err := h.branches.List(r.Context(), projectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) resolveBranch(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	name := r.PathValue("name")
	branch, err := h.branches.Resolve(r.Context(), projectID, name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, branch)
}

func (h *Handler) deleteBranch(w http.ResponseWriter, r *http.Request) {
	branchID, ok := pathUUID(w, r, "branchID")
	if !ok {
		return
	}
	if err := h.branches.DeleteBranch(r.Context(), branchID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type writeEntityRequest struct {
	EntityID         *uuid.UUID     `json:"entity_id"`
	EntityType       string         `json:"entity_type" validate:"required"`
	Payload          map[string]any `json:"payload" validate:"required"`
	ExpectedRevision int64          `json:"expected_revision" validate:"gte=0"`
}

func (h *Handler) writeEntity(w http.ResponseWriter, r *http.Request) {
	branchID, ok := pathUUID(w, r, "branchID")
	if !ok {
		return
	}
	var req writeEntityRequest
	if !h.decode(w, r, &req) {
		return
	}
	write := versioning.WriteRequest{
		EntityType:       req.EntityType,
		BranchID:         branchID,
		Payload:          req.Payload,
		ExpectedRevision: req.ExpectedRevision,
	}
	if req.EntityID != nil {
		write.EntityID = *req.EntityID
	}
	version, err := h.versions.Write(r.Context(), write)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (h *Handler) tombstoneEntity(w http.ResponseWriter, r *http.Request) {
	branchID, ok := pathUUID(w, r, "branchID")
	if !ok {
		return
	}
	entityID, ok := pathUUID(w, r, "entityID")
	if !ok {
		return
	}
	version, err := h.versions.Tombstone(r.Context(), entityID, branchID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (h *Handler) listEntities(w http.ResponseWriter, r *http.Request) {
	branchID, ok := pathUUID(w, r, "branchID")
	if !ok {
		return
	}
	current, err := h.versions.CurrentOn(r.Context(), branchID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	list := make([]any, 0, len(current))
	ids := make([]uuid.UUID, 0, len(current))
	for id := range current {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		list = append(list, current[id])
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) entityHistory(w http.ResponseWriter, r *http.Request) {
	branchID, ok := pathUUID(w, r, "branchID")
	if !ok {
		return
	}
	entityID, ok := pathUUID(w, r, "entityID")
	if !ok {
		return
	}
	filter, err := historyFilter(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	history, err := h.versions.History(r.Context(), entityID, branchID, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func historyFilter(r *http.Request) (repository.HistoryFilter, error) {
	query := r.URL.Query()
	filter := repository.HistoryFilter{
		EntityType:     strings.TrimSpace(query.Get("entity_type")),
		IncludeDeleted: true,
	}
	if raw := strings.TrimSpace(query.Get("include_deleted")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return repository.HistoryFilter{}, fmt.Errorf("include_deleted must be a boolean")
		}
		filter.IncludeDeleted = parsed
	}
	if raw := strings.TrimSpace(query.Get("max_revision")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return repository.HistoryFilter{}, fmt.Errorf("max_revision must be a positive integer")
		}
		filter.MaxRevision = parsed
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return repository.HistoryFilter{}, fmt.Errorf("limit must be a positive integer")
		}
		filter.Limit = parsed
	}
	return filter, nil
}

func (h *Handler) comparison(w http.ResponseWriter, r *http.Request) {
	projectID, branchID, baseID, ok := h.comparisonParams(w, r)
	if !ok {
		return
	}
	result, err := h.compare.Compare(r.Context(), projectID, branchID, baseID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) comparisonExport(w http.ResponseWriter, r *http.Request) {
	projectID, branchID, baseID, ok := h.comparisonParams(w, r)
	if !ok {
		return
	}
	workbook, filename, err := h.exports.ComparisonWorkbook(r.Context(), projectID, branchID, baseID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer func() { _ = workbook.Close() }()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if _, err := workbook.WriteTo(w); err != nil {
		h.logger.Error("failed to stream workbook", zap.Error(err))
	}
}

func (h *Handler) comparisonParams(w http.ResponseWriter, r *http.Request) (projectID, branchID, baseID uuid.UUID, ok bool) {
	projectID, ok = pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	query := r.URL.Query()
	raw := strings.TrimSpace(query.Get("branch"))
	if raw == "" {
		badRequest(w, "branch query parameter is required")
		return projectID, branchID, baseID, false
	}
	branchID, err := uuid.Parse(raw)
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid branch: %v", err))
		return projectID, branchID, baseID, false
	}
	if raw := strings.TrimSpace(query.Get("base")); raw != "" {
		baseID, err = uuid.Parse(raw)
		if err != nil {
			badRequest(w, fmt.Sprintf("invalid base: %v", err))
			return projectID, branchID, baseID, false
		}
	}
	return projectID, branchID, baseID, true
}

type createChangeOrderRequest struct {
	BranchID    uuid.UUID `json:"branch_id" validate:"required"`
	Title       string    `json:"title" validate:"required"`
	Description string    `json:"description"`
}

func (h *Handler) createChangeOrder(w http.ResponseWriter, r *http.Request) {
	var req createChangeOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	co, err := h.workflow.Create(r.Context(), req.BranchID, req.Title, req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, co)
}

func (h *Handler) getChangeOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	co, err := h.workflow.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, co)
}

func (h *Handler) approveChangeOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	co, err := h.workflow.Approve(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, co)
}

func (h *Handler) executeChangeOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	co, err := h.workflow.Execute(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, co)
}

func (h *Handler) cancelChangeOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	co, err := h.workflow.Cancel(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, co)
}

func (h *Handler) getBaseline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	snapshot, err := h.baselines.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) listChangeOrders(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	list, err := h.workflow.List(r.Context(), projectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) listBaselines(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	list, err := h.baselines.List(r.Context(), projectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		badRequest(w, fmt.Sprintf("invalid payload: %v", err))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, r, err)
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid %s: %v", name, err))
		return uuid.Nil, false
	}
	return id, true
}
