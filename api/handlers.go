/*
handlers.go - HTTP API handlers for the production engine

PURPOSE:
  Exposes the production service via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to production.Service.

ENDPOINTS (all under /api/tenants/{tenant}):
  Mix orders:
    POST   /mix-orders                          Create draft order
    GET    /mix-orders                          List (?status=&mobile_unit_id=&limit=)
    GET    /mix-orders/{id}                     Get order
    POST   /mix-orders/{id}/{transition}        stage, start, hold, complete, abort
    POST   /mix-orders/{id}/steps               Add step
    PATCH  /mix-orders/{id}/steps/{index}       Patch step
    POST   /mix-orders/{id}/steps/{index}/end   End step

  Batches:
    POST   /batches                             Create batch (in quarantine)
    GET    /batches                             List (?status=&mix_order_id=&limit=)
    GET    /batches/{id}                        Get batch
    POST   /batches/{id}/{transition}           complete, release, reject, quarantine
    POST   /batches/{id}/inputs|outputs         Append input or output lot
    POST   /batches/{id}/labels                 Add label
    DELETE /batches/{id}/labels/{label}         Remove label
    POST   /batches/{id}/parents                Add parent batch
    GET    /batches/{id}/traceability           Flattened lineage

  Mobile runs:
    POST   /mobile-runs                         Start run
    GET    /mobile-runs                         List (?status=&mobile_unit_id=&limit=)
    GET    /mobile-runs/{id}                    Get run
    POST   /mobile-runs/{id}/finish             Finish run
    PUT    /mobile-runs/{id}/calibration        Replace calibration check
    POST   /mobile-runs/{id}/cleanings          Open cleaning sequence
    POST   /mobile-runs/{id}/cleanings/{seq}/end
    GET    /mobile-runs/{id}/cleaning-plan      ?prev_medicated=&curr_medicated=
    GET    /calibration-report                  ?max_days=

  Audit:
    GET    /audit                               ?entity_id=&actor_id=&action=

ACTOR:
  X-Actor-ID names who performs a write. It is recorded as created_by /
  updated_by and in the audit log. It is attribution, not authentication.

OPTIMISTIC CONCURRENCY:
  Responses carry the store version in the body and as ETag. Writes accept
  an If-Match version; a stale one fails with 409 instead of being retried.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, bad step index
  - 404: Entity or member not found
  - 409: Invalid transition, duplicates, overlaps, stale version
  - 500: Internal errors (including corrupt stored snapshots)

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/production-engine/factory"
	"github.com/warp/production-engine/generic"
	"github.com/warp/production-engine/production"
	"github.com/warp/production-engine/store/sqlite"
)

// ActorHeader names the request header carrying the acting user.
const ActorHeader = "X-Actor-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Service   *production.Service
	Documents *factory.DocumentFactory
	Metrics   *Metrics

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the production service onto the store.
// A nil metrics disables operation counting.
func NewHandler(store *sqlite.Store, entities *production.Factory, metrics *Metrics) *Handler {
	svc := production.NewService(store, store, entities)
	if metrics != nil {
		svc.Observer = metrics
	}
	return &Handler{
		Store:     store,
		Service:   svc,
		Documents: factory.NewDocumentFactory(entities),
		Metrics:   metrics,
	}
}

// =============================================================================
// MIX ORDER HANDLERS
// =============================================================================

// CreateMixOrder creates a draft mix order.
func (h *Handler) CreateMixOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateMixOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := h.Service.CreateMixOrder(r.Context(), req.toInput(tenantOf(r), actorOf(r)))
	respond(w, http.StatusCreated, v, err)
}

// ListMixOrders lists mix orders of the tenant.
func (h *Handler) ListMixOrders(w http.ResponseWriter, r *http.Request) {
	filter, ok := listFilter(w, r, "mobile_unit_id")
	if !ok {
		return
	}
	list, err := h.Service.MixOrders(r.Context(), filter)
	respondList(w, list, err)
}

// GetMixOrder returns one mix order.
func (h *Handler) GetMixOrder(w http.ResponseWriter, r *http.Request) {
	v, err := h.Service.MixOrder(r.Context(), tenantOf(r), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, v, err)
}

// TransitionMixOrder applies stage, start, hold, complete or abort.
func (h *Handler) TransitionMixOrder(w http.ResponseWriter, r *http.Request) {
	t, ok := targetOf(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	var (
		v   generic.Versioned[*production.MixOrder]
		err error
	)
	switch chi.URLParam(r, "transition") {
	case "stage":
		v, err = h.Service.StageMixOrder(ctx, t)
	case "start":
		v, err = h.Service.StartMixOrder(ctx, t)
	case "hold":
		v, err = h.Service.HoldMixOrder(ctx, t, req.Reason)
	case "complete":
		v, err = h.Service.CompleteMixOrder(ctx, t)
	case "abort":
		v, err = h.Service.AbortMixOrder(ctx, t, req.Reason)
	default:
		writeError(w, http.StatusNotFound, "Unknown transition", nil)
		return
	}
	respond(w, http.StatusOK, v, err)
}

// AddMixStep appends a process step.
func (h *Handler) AddMixStep(w http.ResponseWriter, r *http.Request) {
	t, ok := targetOf(w, r)
	if !ok {
		return
	}
	var step production.MixStep
	if !decodeBody(w, r, &step) {
		return
	}
	v, err := h.Service.AddMixStep(r.Context(), t, step)
	respond(w, http.StatusOK, v, err)
}

// UpdateMixStep patches the step at {index}.
func (h *Handler) UpdateMixStep(w http.ResponseWriter, r *http.Request) {
	t, ok := targetOf(w, r)
	if !ok {
		return
	}
	index, ok := stepIndex(w, r)
	if !ok {
		return
	}
	var patch production.MixStepPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	v, err := h.Service.UpdateMixStep(r.Context(), t, index, patch)
	respond(w, http.StatusOK, v, err)
}

// EndMixStep ends the step at {index}, merging measured actuals.
func (h *Handler) EndMixStep(w http.ResponseWriter, r *http.Request) {
	t, ok := targetOf(w, r)
	if !ok {
		return
	}
	index, ok := stepIndex(w, r)
	if !ok {
		return
	}
	var req EndStepRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	v, err := h.Service.EndMixStep(r.Context(), t, index, h.orNow(req.EndedAt), req.Actuals)
	respond(w, http.StatusOK, v, err)
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// CreateBatch creates a batch in quarantine.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := h.Service.CreateBatch(r.Context(), req.toInput(tenantOf(r), actorOf(r)))
	respond(w, http.StatusCreated, v, err)
}

// ListBatches lists batches of the tenant.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	filter, ok := listFilter(w, r, "mix_order_id")
	if !ok {
		return
	}
	list, err := h.Service.Batches(r.Context(), filter)
	respondList(w, list, err)
}

// GetBatch returns one batch.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	v, err := h.Service.Batch(r.Context(), tenantOf(r), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, v, err)
}

// TransitionBatch applies complete, release, reject or quarantine.
func (h *Handler) TransitionBatch(w http.ResponseWriter, r *http.Request) {
	t, ok := targetOf(w, r)
	if !ok {
		return
	}
	var req struct {
		ReasonRequest
		CompleteBatchRequest
	}
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	var (
		v   generic.Versioned[*production.Batch]
		err error
	)
	switch chi.URLParam(r, "transition") {
	case "complete":
		v, err = h.Service.CompleteBatch(ctx, t, h.orNow(req.EndAt))
	case "release":
		v, err = h.Service.ReleaseBatch(ctx, t)
	case "reject":
		v, err = h.Service.RejectBatch(ctx, t, req.Reason)
	case "quarantine":
		v, err = h.Service.QuarantineBatch(ctx, t, req.Reason)
	default:
		writeError(w, http.StatusNotFound, "Unknown transition", nil)
		return
	}
	respond(w, http.StatusOK, v, err)
}

// AddBatchInput appends an ingredient lot consumption.
func (h *Handler) AddBatchInput(w http.ResponseWriter, r *http.Request) {
	t, ok := targetOf(w, r)
	if !ok {
		return
	}
	var in production.BatchInput
	if !decodeBody(w, r, &in) {
		return
	}
	v, err := h.Service.AddBatchInput(r.Context(), t, in)
	respond(w, http.StatusOK, v, err)
}

// AddBatchOutput appends an output lot.
func (h *Handler) AddBatchOutput(w http.ResponseWriter, r *http.Request) {
	t, ok := targetOf(w, r)
	if !ok {
		return
	}
	var out production.BatchOutputLot
	if !decodeBody(w, r, &out) {
		return
	}
	v, err := h.Service.AddBatchOutput(r.Context(), t, out)
	respond(w, http.StatusOK, v, err)
}

// AddBatchLabel adds a label. Adding an existing label changes nothing.
func (h *Handler) AddBatchLabel(w http.ResponseWriter, r *http.Request) {
	t, ok := targetOf(w, r)
	if !ok {
		return
	}
	var req LabelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := h.Service.AddBatchLabel(r.Context(), t, req.Label)
	respond(w, http.StatusOK, v, err)
}

// RemoveBatchLabel removes the label in the path.
func (h *Handler) RemoveBatchLabel(w http.ResponseWriter, r *http.Request) {
	t, ok := targetOf(w, r)
	if !ok {
		return
	}
	label := chi.URLParam(r, "label")
	if unescaped, err := url.PathUnescape(label); err == nil {
		label = unescaped
	}
	v, err := h.Service.RemoveBatchLabel(r.Context(), t, label)
	respond(w, http.StatusOK, v, err)
}

// AddParentBatch links a rework source batch.
func (h *Handler) AddParentBatch(w http.ResponseWriter, r *http.Request) {
	t, ok := targetOf(w, r)
	if !ok {
		return
	}
	var req ParentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := h.Service.AddParentBatch(r.Context(), t, req.ParentBatchID)
	respond(w, http.StatusOK, v, err)
}

// GetTraceability returns the flattened lineage of a batch.
func (h *Handler) GetTraceability(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Service.Traceability(r.Context(), tenantOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// =============================================================================
// MOBILE RUN HANDLERS
// =============================================================================

// CreateMobileRun starts a mobile run.
func (h *Handler) CreateMobileRun(w http.ResponseWriter, r *http.Request) {
	var req CreateMobileRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v, err := h.Service.CreateMobileRun(r.Context(), req.toInput(tenantOf(r), actorOf(r)))
	respond(w, http.StatusCreated, v, err)
}

// ListMobileRuns lists mobile runs of the tenant.
func (h *Handler) ListMobileRuns(w http.ResponseWriter, r *http.Request) {
	filter, ok := listFilter(w, r, "mobile_unit_id")
	if !ok {
		return
	}
	list, err := h.Service.MobileRuns(r.Context(), filter)
	respondList(w, list, err)
}

// GetMobileRun returns one mobile run.
func (h *Handler) GetMobileRun(w http.ResponseWriter, r *http.Request) {
	v, err := h.Service.MobileRun(r.Context(), tenantOf(r), chi.URLParam(r, "id"))
	respond(w, http.StatusOK, v, err)
}

// FinishMobileRun ends an active run.
func (h *Handler) FinishMobileRun(w http.ResponseWriter, r *http.Request) {
	t, ok := targetOf(w, r)
	if !ok {
		return
	}
	var req FinishRunRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	v, err := h.Service.FinishMobileRun(r.Context(), t, h.orNow(req.EndAt))
	respond(w, http.StatusOK, v, err)
}

// UpdateCalibration replaces the calibration check.
func (h *Handler) UpdateCalibration(w http.ResponseWriter, r *http.Request) {
	t, ok := targetOf(w, r)
	if !ok {
		return
	}
	var check production.CalibrationCheck
	if !decodeBody(w, r, &check) {
		return
	}
	v, err := h.Service.UpdateCalibration(r.Context(), t, check)
	respond(w, http.StatusOK, v, err)
}

// AddCleaningSequence opens or records a cleaning sequence.
func (h *Handler) AddCleaningSequence(w http.ResponseWriter, r *http.Request) {
	t, ok := targetOf(w, r)
	if !ok {
		return
	}
	var seq production.NewCleaningSequence
	if !decodeBody(w, r, &seq) {
		return
	}
	v, err := h.Service.AddCleaningSequence(r.Context(), t, seq)
	respond(w, http.StatusOK, v, err)
}

// EndCleaningSequence ends the sequence {seq}.
func (h *Handler) EndCleaningSequence(w http.ResponseWriter, r *http.Request) {
	t, ok := targetOf(w, r)
	if !ok {
		return
	}
	var req EndCleaningRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	v, err := h.Service.EndCleaningSequence(r.Context(), t, chi.URLParam(r, "seq"), h.orNow(req.EndedAt), req.Notes)
	respond(w, http.StatusOK, v, err)
}

// GetCleaningPlan says whether the next order on the run's unit needs cleaning.
func (h *Handler) GetCleaningPlan(w http.ResponseWriter, r *http.Request) {
	prev, err := queryBool(r, "prev_medicated")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid prev_medicated", err)
		return
	}
	curr, err := queryBool(r, "curr_medicated")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid curr_medicated", err)
		return
	}
	plan, err := h.Service.CleaningPlan(r.Context(), tenantOf(r), chi.URLParam(r, "id"), prev, curr)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// GetCalibrationReport lists active runs with an expired calibration.
func (h *Handler) GetCalibrationReport(w http.ResponseWriter, r *http.Request) {
	maxDays := 0
	if s := r.URL.Query().Get("max_days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid max_days", err)
			return
		}
		maxDays = n
	}
	report, err := h.Service.CalibrationReport(r.Context(), tenantOf(r), maxDays)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// AUDIT AND IMPORT
// =============================================================================

// GetAuditTrail returns the tenant's audit entries, oldest first.
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := generic.AuditFilter{TenantID: tenantOf(r)}
	if id := q.Get("entity_id"); id != "" {
		filter.EntityID = &id
	}
	if actor := q.Get("actor_id"); actor != "" {
		filter.ActorID = &actor
	}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, generic.AuditAction(a))
	}

	entries, err := h.Service.AuditTrail(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Import stores a bundle of snapshot documents.
// POST /api/import
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	entities, err := h.Documents.ParseBundle(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid bundle", err)
		return
	}

	resp := ImportResponse{Imported: []ImportedDTO{}}
	for _, e := range entities {
		version, err := h.Service.Import(r.Context(), actorOf(r), e.Value)
		if err != nil {
			writeDomainError(w, fmt.Errorf("%s %s: %w", e.Kind, e.ID(), err))
			return
		}
		resp.Imported = append(resp.Imported, ImportedDTO{Kind: string(e.Kind), ID: e.ID(), Version: version})
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Healthz reports whether the database answers.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// errorCodes maps sentinels to the code field of ErrorResponse.
// Structured errors wrap exactly one sentinel, so order only matters for
// wrapped chains and goes from most to least specific.
var errorCodes = []struct {
	sentinel error
	code     string
}{
	{generic.ErrCorruptSnapshot, "corrupt_snapshot"},
	{generic.ErrConcurrentModification, "concurrent_modification"},
	{generic.ErrDuplicateKey, "duplicate_key"},
	{generic.ErrEntityNotFound, "entity_not_found"},
	{generic.ErrSchemaValidation, "schema_validation"},
	{generic.ErrBusinessRule, "business_rule"},
	{generic.ErrInvalidTransition, "invalid_transition"},
	{generic.ErrSequencing, "sequencing"},
	{generic.ErrDuplicate, "duplicate"},
	{generic.ErrConflict, "conflict"},
	{generic.ErrNotFound, "not_found"},
	{generic.ErrIndexOutOfRange, "index_out_of_range"},
	{generic.ErrAlreadyEnded, "already_ended"},
}

// writeDomainError maps a service error to its HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, generic.ErrCorruptSnapshot):
	case generic.IsNotFound(err):
		status = http.StatusNotFound
	case generic.IsConflict(err):
		status = http.StatusConflict
	case generic.IsClientError(err):
		status = http.StatusBadRequest
	}

	resp := ErrorResponse{Error: err.Error()}
	for _, c := range errorCodes {
		if errors.Is(err, c.sentinel) {
			resp.Code = c.code
			break
		}
	}
	var ve *generic.ValidationError
	if errors.As(err, &ve) {
		resp.Details = ve.Issues
	}
	if status == http.StatusInternalServerError {
		log.Printf("[API] Internal error: %v", err)
		resp.Error = "Internal error"
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func respond[T any](w http.ResponseWriter, status int, v generic.Versioned[T], err error) {
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(v.Version, 10)))
	writeJSON(w, status, VersionedDTO{Version: v.Version, Data: v.Value})
}

func respondList[T any](w http.ResponseWriter, list []generic.Versioned[T], err error) {
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]VersionedDTO, len(list))
	for i, v := range list {
		dtos[i] = VersionedDTO{Version: v.Version, Data: v.Value}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body and leaves v at its zero value.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func tenantOf(r *http.Request) string {
	return chi.URLParam(r, "tenant")
}

func actorOf(r *http.Request) string {
	return r.Header.Get(ActorHeader)
}

// targetOf builds the write target from the path, actor header and If-Match.
func targetOf(w http.ResponseWriter, r *http.Request) (production.Target, bool) {
	t := production.Target{
		TenantID: tenantOf(r),
		ID:       chi.URLParam(r, "id"),
		Actor:    actorOf(r),
	}
	if match := r.Header.Get("If-Match"); match != "" {
		match = strings.Trim(strings.TrimPrefix(match, "W/"), `"`)
		version, err := strconv.ParseInt(match, 10, 64)
		if err != nil || version < 1 {
			writeError(w, http.StatusBadRequest, "Invalid If-Match version", err)
			return t, false
		}
		t.ExpectedVersion = version
	}
	return t, true
}

func stepIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid step index", err)
		return 0, false
	}
	return index, true
}

// listFilter reads ?status=&limit= and the reference parameter named refParam.
func listFilter(w http.ResponseWriter, r *http.Request, refParam string) (generic.Filter, bool) {
	q := r.URL.Query()
	filter := generic.Filter{
		TenantID: tenantOf(r),
		Status:   q.Get("status"),
		RefID:    q.Get(refParam),
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return filter, false
		}
		filter.Limit = limit
	}
	return filter, true
}

func queryBool(r *http.Request, name string) (bool, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

func (h *Handler) orNow(t time.Time) time.Time {
	if t.IsZero() {
		return h.Service.Factory.Clock().Now()
	}
	return t
}
