// Package api exposes the operator surface of objstash over HTTP: enqueue
// and bulk import, job listing, retry/cancel, clears, pause switches, an
// on-demand audit and a heartbeat.
package api

import (
	"encoding/json"
	"expvar"
	"net/http"
	"strconv"

	"github.com/objstash/objstash/processor"
	"github.com/objstash/objstash/registry"
)

type API struct {
	Server    *http.Server
	Processor *processor.Processor
	Registry  *registry.Registry
}

func New(p *processor.Processor, reg *registry.Registry, host string, port int, heartbeatPath string) *API {
	as := &API{Processor: p, Registry: reg}

	mux := http.NewServeMux()
	mux.HandleFunc("/enqueue", as.enqueue)
	mux.HandleFunc("/import", as.importFile)
	mux.HandleFunc("/jobs", as.jobs)
	mux.HandleFunc("/retry", as.retry)
	mux.HandleFunc("/cancel", as.cancel)
	mux.HandleFunc("/clear/completed", as.clearCompleted)
	mux.HandleFunc("/clear/failed", as.clearFailed)
	mux.HandleFunc("/pause", as.pause)
	mux.HandleFunc("/resume", as.resume)
	mux.HandleFunc("/pause-files", as.pauseFiles)
	mux.HandleFunc("/resume-files", as.resumeFiles)
	mux.HandleFunc("/audit", as.audit)
	mux.Handle("/debug/vars", expvar.Handler())
	if heartbeatPath == "" {
		heartbeatPath = "/health"
	}
	mux.HandleFunc(heartbeatPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	as.Server = &http.Server{Handler: mux, Addr: host + ":" + strconv.Itoa(port)}
	return as
}

type enqueueRequest struct {
	ID string `json:"id"`
}

func (as *API) enqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	req := enqueueRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "Expected a JSON body with a non-empty id", http.StatusBadRequest)
		return
	}

	if err := as.Processor.Enqueue(req.ID); err != nil {
		http.Error(w, "Error enqueueing download: "+err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type importRequest struct {
	Path string `json:"path"`
}

func (as *API) importFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	req := importRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "Expected a JSON body with a non-empty path", http.StatusBadRequest)
		return
	}

	n, err := as.Processor.ImportFile(req.Path)
	if err != nil {
		http.Error(w, "Error importing ids: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"imported": n})
}

func (as *API) jobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, as.Registry.GetJobs())
}

func (as *API) retry(w http.ResponseWriter, r *http.Request) {
	as.idAction(w, r, as.Processor.Retry)
}

func (as *API) cancel(w http.ResponseWriter, r *http.Request) {
	as.idAction(w, r, as.Processor.Cancel)
}

// idAction handles the shared shape of retry and cancel: POST with an ?id=
// query parameter.
func (as *API) idAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Expected an id query parameter", http.StatusBadRequest)
		return
	}
	if err := action(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (as *API) clearCompleted(w http.ResponseWriter, r *http.Request) {
	as.clear(w, r, as.Registry.ClearCompleted)
}

func (as *API) clearFailed(w http.ResponseWriter, r *http.Request) {
	as.clear(w, r, as.Registry.ClearFailed)
}

func (as *API) clear(w http.ResponseWriter, r *http.Request, action func() error) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	if err := action(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (as *API) pause(w http.ResponseWriter, r *http.Request) {
	as.toggle(w, r, as.Processor.Pause)
}

func (as *API) resume(w http.ResponseWriter, r *http.Request) {
	as.toggle(w, r, as.Processor.Resume)
}

func (as *API) pauseFiles(w http.ResponseWriter, r *http.Request) {
	as.toggle(w, r, as.Processor.PauseFileDownloads)
}

func (as *API) resumeFiles(w http.ResponseWriter, r *http.Request) {
	as.toggle(w, r, as.Processor.ResumeFileDownloads)
}

func (as *API) toggle(w http.ResponseWriter, r *http.Request, action func()) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	action()
	w.WriteHeader(http.StatusNoContent)
}

func (as *API) audit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Expected an id query parameter", http.StatusBadRequest)
		return
	}

	res, err := as.Processor.Audit(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, res)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Error encoding response", http.StatusInternalServerError)
	}
}
