package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/access"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/iot/devicejobs"
)

func (a *API) handleJobRoutes(router *mux.Router) {
	logger.Default().Debugln("device jobs")
	logger.Default().Debugln("  handle route: /jobs GET")
	logger.Default().Debugln("  handle route: /jobs/twin POST")
	logger.Default().Debugln("  handle route: /jobs/method POST")
	logger.Default().Debugln("  handle route: /jobs/{job_id} GET,DELETE")
	logger.Default().Debugln("  handle route: /jobs/{job_id}/devices GET")

	router.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewJobs) {
			return
		}
		var list []devicejobs.Job
		var err error
		if filterID := r.URL.Query().Get("filterId"); filterID != "" {
			list, err = a.jobs.ListJobsByFilter(r.Context(), filterID)
		} else {
			list, err = a.jobs.ListJobs(r.Context())
		}
		if err != nil {
			fail(w, r, 5401, err)
			return
		}
		respond(w, http.StatusOK, list)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/jobs/twin", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ManageJobs) {
			return
		}
		var job devicejobs.Job
		if !decode(w, r, &job) {
			return
		}
		scheduled, err := a.jobs.ScheduleTwinUpdate(r.Context(), job)
		if err != nil {
			fail(w, r, 5402, err)
			return
		}
		respond(w, http.StatusCreated, scheduled)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/jobs/method", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ManageJobs) {
			return
		}
		var job devicejobs.Job
		if !decode(w, r, &job) {
			return
		}
		scheduled, err := a.jobs.ScheduleDeviceMethod(r.Context(), job)
		if err != nil {
			fail(w, r, 5403, err)
			return
		}
		respond(w, http.StatusCreated, scheduled)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/jobs/{job_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewJobs) {
			return
		}
		job, err := a.jobs.GetJob(r.Context(), mux.Vars(r)["job_id"])
		if err != nil {
			fail(w, r, 5404, err)
			return
		}
		respond(w, http.StatusOK, job)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/jobs/{job_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ManageJobs) {
			return
		}
		if _, err := a.jobs.CancelJob(r.Context(), mux.Vars(r)["job_id"]); err != nil {
			fail(w, r, 5405, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodDelete)

	router.HandleFunc("/jobs/{job_id}/devices", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewJobs) {
			return
		}
		jobID := mux.Vars(r)["job_id"]
		if _, err := a.jobs.GetJob(r.Context(), jobID); err != nil {
			fail(w, r, 5406, err)
			return
		}
		results, err := a.jobs.GetJobDevices(r.Context(), jobID)
		if err != nil {
			fail(w, r, 5406, err)
			return
		}
		respond(w, http.StatusOK, results)
	}).Methods(http.MethodOptions, http.MethodGet)
}
