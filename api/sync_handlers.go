package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

func (a *API) getMetricsHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	WriteJSON(http.StatusOK, a.Actions.Metrics(), w)
}

func (a *API) getStatsHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	WriteJSON(http.StatusOK, a.Actions.StoreStats(r.Context()), w)
}

func (a *API) getOutboxStatsHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats, err := a.Actions.OutboxStats(r.Context())
	if err != nil {
		WriteErrorJSON(http.StatusInternalServerError, err.Error(), w)
		return
	}

	WriteJSON(http.StatusOK, stats, w)
}

func (a *API) triggerSyncHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	result, err := a.Actions.TriggerSync(r.Context())
	if err != nil {
		WriteErrorJSON(http.StatusInternalServerError, err.Error(), w)
		return
	}

	WriteJSON(http.StatusOK, result, w)
}
