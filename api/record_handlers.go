package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/dualwrite/dualwrite/types"
)

// UpsertRecordRequest is the direct-write body shape
type UpsertRecordRequest struct {
	Key     string                 `json:"key"`
	Payload map[string]interface{} `json:"payload"`
}

func parseSource(params httprouter.Params) (types.Source, bool) {
	switch params.ByName("source") {
	case string(types.SourcePrimary):
		return types.SourcePrimary, true
	case string(types.SourceSecondary):
		return types.SourceSecondary, true
	default:
		return "", false
	}
}

func (a *API) listRecordsHandler(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	source, ok := parseSource(params)
	if !ok {
		WriteErrorJSON(http.StatusBadRequest, "source must be 'primary' or 'secondary'", w)
		return
	}

	WriteJSON(http.StatusOK, a.Actions.ListRecords(r.Context(), source), w)
}

func (a *API) upsertRecordHandler(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	source, ok := parseSource(params)
	if !ok {
		WriteErrorJSON(http.StatusBadRequest, "source must be 'primary' or 'secondary'", w)
		return
	}

	req := &UpsertRecordRequest{}
	if err := DecodeBody(r.Body, req); err != nil {
		WriteErrorJSON(http.StatusBadRequest, err.Error(), w)
		return
	}

	if req.Key == "" {
		WriteErrorJSON(http.StatusBadRequest, "key cannot be empty", w)
		return
	}

	if req.Payload == nil {
		WriteErrorJSON(http.StatusBadRequest, "payload cannot be empty", w)
		return
	}

	var (
		record *types.Record
		err    error
	)

	if source == types.SourcePrimary {
		record, err = a.Actions.UpsertPrimary(r.Context(), req.Key, req.Payload)
	} else {
		record, err = a.Actions.UpsertSecondary(r.Context(), req.Key, req.Payload)
	}

	if err != nil {
		WriteErrorJSON(http.StatusInternalServerError, err.Error(), w)
		return
	}

	WriteJSON(http.StatusOK, record, w)
}
