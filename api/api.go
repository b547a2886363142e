package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dualwrite/dualwrite/actions"
)

type API struct {
	Version       string
	ListenAddress string
	Actions       actions.IActions
	log           *logrus.Entry
}

type ResponseJSON struct {
	Status  int               `json:"status"`
	Message string            `json:"message"`
	Values  map[string]string `json:"values,omitempty"`
	Errors  string            `json:"errors,omitempty"`
}

func Start(a actions.IActions, listenAddress, version string) (*http.Server, error) {
	api := &API{
		Version:       version,
		ListenAddress: listenAddress,
		Actions:       a,
		log:           logrus.WithField("pkg", "api"),
	}

	api.log.Debugf("starting API server on %s", listenAddress)

	router := httprouter.New()

	router.HandlerFunc("GET", "/health-check", api.healthCheckHandler)
	router.HandlerFunc("GET", "/version", api.versionHandler)

	router.Handle("GET", "/v1/metrics", api.getMetricsHandler)
	router.Handle("GET", "/v1/stats", api.getStatsHandler)
	router.Handle("GET", "/v1/outbox", api.getOutboxStatsHandler)
	router.Handle("POST", "/v1/sync", api.triggerSyncHandler)

	router.Handle("GET", "/v1/records/:source", api.listRecordsHandler)
	router.Handle("POST", "/v1/records/:source", api.upsertRecordHandler)

	router.Handler("GET", "/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    listenAddress,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			if err != http.ErrServerClosed {
				api.log.Errorf("unable to srv.ListenAndServe: %s", err)
			}
		}
	}()

	return srv, nil
}

func (a *API) healthCheckHandler(rw http.ResponseWriter, r *http.Request) {
	WriteJSON(http.StatusOK, map[string]string{"status": "ok"}, rw)
}

func (a *API) versionHandler(rw http.ResponseWriter, r *http.Request) {
	response := &ResponseJSON{Status: http.StatusOK, Message: "dualwrite/dualwrite " + a.Version}

	WriteJSON(http.StatusOK, response, rw)
}

func DecodeBody(body io.Reader, v interface{}) error {
	return json.NewDecoder(body).Decode(v)
}

func WriteJSON(statusCode int, data interface{}, w http.ResponseWriter) {
	w.Header().Add("Content-type", "application/json")

	jsonData, err := json.Marshal(data)
	if err != nil {
		w.WriteHeader(500)
		logrus.Errorf("Unable to marshal data in WriteJSON: %s", err)
		return
	}

	w.WriteHeader(statusCode)

	if _, err := w.Write(jsonData); err != nil {
		logrus.Errorf("Unable to write response data: %s", err)
		return
	}
}

func WriteErrorJSON(statusCode int, msg string, w http.ResponseWriter) {
	WriteJSON(statusCode, map[string]string{"error": msg}, w)
}
