package server

import (
	"net/http"

	"github.com/ashita-ai/shikake/internal/model"
	"github.com/ashita-ai/shikake/internal/unitfile"
)

// HandleCreateUnit handles POST /v1/units.
func (h *Handlers) HandleCreateUnit(w http.ResponseWriter, r *http.Request) {
	var req model.CreateUnitRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := unitfile.Validate(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	unit, err := h.store.CreateUnit(r.Context(), req)
	if err != nil {
		h.writeInternalError(w, r, "failed to create unit", err)
		return
	}
	h.logger.Info("unit created", "unit_id", unit.ID, "owner_id", unit.OwnerID, "trigger", unit.TriggerSource+"/"+unit.TriggerEvent)
	writeJSON(w, r, http.StatusCreated, unit)
}

// HandleGetUnit handles GET /v1/units/{unit_id}.
func (h *Handlers) HandleGetUnit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "unit_id")
	if !ok {
		return
	}
	unit, err := h.store.GetUnit(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, "unit", err)
		return
	}
	writeJSON(w, r, http.StatusOK, unit)
}

// HandleUpdateUnitStatus handles POST /v1/units/{unit_id}/status.
func (h *Handlers) HandleUpdateUnitStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "unit_id")
	if !ok {
		return
	}
	var req model.UpdateUnitStatusRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !req.Status.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "status must be one of active, paused, archived")
		return
	}

	unit, err := h.store.UpdateUnitStatus(r.Context(), id, req.Status)
	if err != nil {
		h.writeStoreError(w, r, "unit", err)
		return
	}
	writeJSON(w, r, http.StatusOK, unit)
}

// HandleDeleteUnit handles DELETE /v1/units/{unit_id}. The unit's runs and
// steps go with it.
func (h *Handlers) HandleDeleteUnit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "unit_id")
	if !ok {
		return
	}
	if err := h.store.DeleteUnit(r.Context(), id); err != nil {
		h.writeStoreError(w, r, "unit", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
