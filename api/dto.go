/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Entities serialize
  themselves as snapshots, so responses wrap them with the store version
  instead of mirroring every field here.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Mix orders:
    CreateMixOrderRequest, EndStepRequest

  Batches:
    CreateBatchRequest, CompleteBatchRequest, LabelRequest, ParentRequest

  Mobile runs:
    CreateMobileRunRequest, FinishRunRequest, EndCleaningRequest

  Shared:
    VersionedDTO, ReasonRequest, AuditEntryDTO, ImportResponse, ErrorResponse

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the production entities, not in DTOs. DTOs are
  pure data carriers; the handler copies them into production inputs.

SEE ALSO:
  - handlers.go: Uses these types
  - production/types.go: Value objects embedded in requests as-is
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/production-engine/generic"
	"github.com/warp/production-engine/production"
)

// =============================================================================
// SHARED
// =============================================================================

// VersionedDTO is an entity snapshot plus the version to send back in If-Match.
type VersionedDTO struct {
	Version int64 `json:"version"`
	Data    any   `json:"data"`
}

// ReasonRequest carries the optional reason of hold, abort, reject and quarantine.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// AuditEntryDTO represents an audit entry in API responses.
type AuditEntryDTO struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	ActorID   string         `json:"actor_id,omitempty"`
	Action    string         `json:"action"`
	Kind      string         `json:"kind"`
	EntityID  string         `json:"entity_id"`
	Version   int64          `json:"version"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func toAuditEntryDTO(e generic.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		ActorID:   e.ActorID,
		Action:    string(e.Action),
		Kind:      string(e.Kind),
		EntityID:  e.EntityID,
		Version:   e.Version,
		Payload:   e.Payload,
	}
}

// ImportedDTO is one stored document.
type ImportedDTO struct {
	Kind    string `json:"kind"`
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

// ImportResponse lists what an import stored.
type ImportResponse struct {
	Imported []ImportedDTO `json:"imported"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// MIX ORDERS
// =============================================================================

// CreateMixOrderRequest is the body of POST /mix-orders.
type CreateMixOrderRequest struct {
	OrderNumber  string               `json:"order_number"`
	Type         production.OrderType `json:"type"`
	RecipeID     string               `json:"recipe_id"`
	TargetQtyKg  decimal.Decimal      `json:"target_qty_kg"`
	PlannedAt    time.Time            `json:"planned_at"`
	Location     *production.Location `json:"location,omitempty"`
	CustomerID   string               `json:"customer_id,omitempty"`
	MobileUnitID string               `json:"mobile_unit_id,omitempty"`
	Notes        string               `json:"notes,omitempty"`
	Steps        []production.MixStep `json:"steps,omitempty"`
}

func (r CreateMixOrderRequest) toInput(tenantID, actor string) production.NewMixOrderInput {
	return production.NewMixOrderInput{
		TenantID:     tenantID,
		OrderNumber:  r.OrderNumber,
		Type:         r.Type,
		RecipeID:     r.RecipeID,
		TargetQtyKg:  r.TargetQtyKg,
		PlannedAt:    r.PlannedAt,
		Location:     r.Location,
		CustomerID:   r.CustomerID,
		MobileUnitID: r.MobileUnitID,
		Notes:        r.Notes,
		Steps:        r.Steps,
		CreatedBy:    actor,
	}
}

// EndStepRequest is the body of POST /mix-orders/{id}/steps/{index}/end.
// A zero EndedAt means now.
type EndStepRequest struct {
	EndedAt time.Time               `json:"ended_at"`
	Actuals *production.StepActuals `json:"actuals,omitempty"`
}

// =============================================================================
// BATCHES
// =============================================================================

// CreateBatchRequest is the body of POST /batches.
type CreateBatchRequest struct {
	BatchNumber   string                      `json:"batch_number"`
	MixOrderID    string                      `json:"mix_order_id"`
	ProducedQtyKg decimal.Decimal             `json:"produced_qty_kg"`
	StartAt       time.Time                   `json:"start_at"`
	EndAt         *time.Time                  `json:"end_at,omitempty"`
	ParentBatches []string                    `json:"parent_batches,omitempty"`
	Labels        []string                    `json:"labels,omitempty"`
	Inputs        []production.BatchInput     `json:"inputs"`
	Outputs       []production.BatchOutputLot `json:"outputs"`
}

func (r CreateBatchRequest) toInput(tenantID, actor string) production.NewBatchInput {
	return production.NewBatchInput{
		TenantID:      tenantID,
		BatchNumber:   r.BatchNumber,
		MixOrderID:    r.MixOrderID,
		ProducedQtyKg: r.ProducedQtyKg,
		StartAt:       r.StartAt,
		EndAt:         r.EndAt,
		ParentBatches: r.ParentBatches,
		Labels:        r.Labels,
		Inputs:        r.Inputs,
		Outputs:       r.Outputs,
		CreatedBy:     actor,
	}
}

// CompleteBatchRequest is the body of POST /batches/{id}/complete.
// A zero EndAt means now.
type CompleteBatchRequest struct {
	EndAt time.Time `json:"end_at"`
}

// LabelRequest is the body of POST /batches/{id}/labels.
type LabelRequest struct {
	Label string `json:"label"`
}

// ParentRequest is the body of POST /batches/{id}/parents.
type ParentRequest struct {
	ParentBatchID string `json:"parent_batch_id"`
}

// =============================================================================
// MOBILE RUNS
// =============================================================================

// CreateMobileRunRequest is the body of POST /mobile-runs.
type CreateMobileRunRequest struct {
	MobileUnitID      string                           `json:"mobile_unit_id"`
	VehicleID         string                           `json:"vehicle_id,omitempty"`
	OperatorID        string                           `json:"operator_id"`
	Site              production.Site                  `json:"site"`
	PowerSource       production.PowerSource           `json:"power_source,omitempty"`
	CalibrationCheck  production.CalibrationCheck      `json:"calibration_check"`
	StartAt           time.Time                        `json:"start_at"`
	EndAt             *time.Time                       `json:"end_at,omitempty"`
	CleaningSequences []production.NewCleaningSequence `json:"cleaning_sequences,omitempty"`
}

func (r CreateMobileRunRequest) toInput(tenantID, actor string) production.NewMobileRunInput {
	return production.NewMobileRunInput{
		TenantID:          tenantID,
		MobileUnitID:      r.MobileUnitID,
		VehicleID:         r.VehicleID,
		OperatorID:        r.OperatorID,
		Site:              r.Site,
		PowerSource:       r.PowerSource,
		CalibrationCheck:  r.CalibrationCheck,
		StartAt:           r.StartAt,
		EndAt:             r.EndAt,
		CleaningSequences: r.CleaningSequences,
		CreatedBy:         actor,
	}
}

// FinishRunRequest is the body of POST /mobile-runs/{id}/finish.
// A zero EndAt means now.
type FinishRunRequest struct {
	EndAt time.Time `json:"end_at"`
}

// EndCleaningRequest is the body of POST /mobile-runs/{id}/cleanings/{seq}/end.
// A zero EndedAt means now.
type EndCleaningRequest struct {
	EndedAt time.Time `json:"ended_at"`
	Notes   string    `json:"notes,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}
