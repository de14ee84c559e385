// Package api serves a binarized dataset over HTTP and streams binarization
// progress over a websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"svs-binarizer/pkg/binarizer"
	"svs-binarizer/pkg/config"
	"svs-binarizer/pkg/models"
	"svs-binarizer/pkg/storage"
	"svs-binarizer/pkg/trainer"

	"github.com/gorilla/mux"
)

// Runner starts a binarization run in the background and returns its id.
// Running reports the id of the active run, or "".
type Runner interface {
	Start(ctx context.Context) (string, error)
	Running() string
}

// ErrRunInProgress is returned by a Runner that is already busy.
var ErrRunInProgress = binarizer.ErrRunInProgress

// errSplitBusy is returned while a run rebuilds the splits.
var errSplitBusy = errors.New("binarization run in progress, split unavailable")

type Handlers struct {
	cfg    *config.Config
	hub    *Hub
	runner Runner

	mu     sync.Mutex
	splits map[string]*trainer.Split
}

func NewHandlers(cfg *config.Config, hub *Hub, runner Runner) *Handlers {
	return &Handlers{
		cfg:    cfg,
		hub:    hub,
		runner: runner,
		splits: make(map[string]*trainer.Split),
	}
}

// Router wires every route of the inspection server.
func (h *Handlers) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/spk_map", h.SpeakerMapHandler).Methods("GET")
	router.HandleFunc("/splits/{split:train|valid}/lengths", h.LengthsHandler).Methods("GET")
	router.HandleFunc("/splits/{split:train|valid}/items/{index:[0-9]+}", h.ItemHandler).Methods("GET")
	router.HandleFunc("/splits/{split:train|valid}/batches", h.BatchesHandler).Methods("GET")
	router.HandleFunc("/runs", h.StartRunHandler).Methods("POST")
	router.HandleFunc("/ws", h.WebSocketHandler)
	return router
}

// Close releases the splits opened by the handlers.
func (h *Handlers) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for name, s := range h.splits {
		errs = append(errs, s.Close())
		delete(h.splits, name)
	}
	return errors.Join(errs...)
}

// busy reports whether a run is rebuilding the splits. Callers hold h.mu.
func (h *Handlers) busy() bool {
	return h.runner != nil && h.runner.Running() != ""
}

// lengths reads the lengths file of a split unless a run is active.
func (h *Handlers) lengths(name string) ([]int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.busy() {
		return nil, errSplitBusy
	}
	return storage.ReadLengths(h.cfg.BinaryDataDir, name)
}

// split opens a split once and keeps it open for later requests. Splits
// are never opened while a run is active.
func (h *Handlers) split(name string) (*trainer.Split, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.busy() {
		return nil, errSplitBusy
	}
	if s, ok := h.splits[name]; ok {
		return s, nil
	}
	s, err := trainer.OpenSplit(h.cfg.BinaryDataDir, name)
	if err != nil {
		return nil, err
	}
	h.splits[name] = s
	return s, nil
}

// releaseAll closes the cached splits. Callers hold h.mu.
func (h *Handlers) releaseAll() {
	for name, s := range h.splits {
		s.Close()
		delete(h.splits, name)
	}
}

// unavailable writes the response of a split that can not be read.
func unavailable(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, errSplitBusy) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	slog.Warn("split not available", "split", name, "error", err)
	http.Error(w, "split not binarized", http.StatusNotFound)
}

func (h *Handlers) SpeakerMapHandler(w http.ResponseWriter, r *http.Request) {
	spkMap, err := storage.ReadSpeakerMap(h.cfg.BinaryDataDir)
	if err != nil {
		slog.Warn("speaker map not available", "error", err)
		http.Error(w, "speaker map not available", http.StatusNotFound)
		return
	}
	writeJSON(w, spkMap)
}

func (h *Handlers) LengthsHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["split"]
	lengths, err := h.lengths(name)
	if err != nil {
		unavailable(w, name, err)
		return
	}

	total := 0
	for _, l := range lengths {
		total += l
	}
	writeJSON(w, map[string]interface{}{
		"split":        name,
		"count":        len(lengths),
		"total_frames": total,
		"lengths":      lengths,
	})
}

func (h *Handlers) ItemHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}

	s, err := h.split(vars["split"])
	if err != nil {
		unavailable(w, vars["split"], err)
		return
	}

	rec, err := s.Get(index)
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			http.Error(w, "record not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rec)
}

// BatchesHandler returns the batches of one epoch. Query parameters:
// epoch, replicas and rank (train split only).
func (h *Handlers) BatchesHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["split"]
	lengths, err := h.lengths(name)
	if err != nil {
		unavailable(w, name, err)
		return
	}

	q := r.URL.Query()
	epoch, err1 := intParam(q.Get("epoch"), 0)
	replicas, err2 := intParam(q.Get("replicas"), 1)
	rank, err3 := intParam(q.Get("rank"), 0)
	if err := errors.Join(err1, err2, err3); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var batches []models.Batch
	if name == "train" {
		s, err := trainer.NewTrainSampler(h.cfg, lengths, replicas, rank)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.SetEpoch(epoch)
		batches = s.Batches()
	} else {
		s, err := trainer.NewValidSampler(h.cfg, lengths, rank)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		batches = s.Batches()
	}

	writeJSON(w, map[string]interface{}{
		"split":   name,
		"epoch":   epoch,
		"rank":    rank,
		"count":   len(batches),
		"batches": batches,
	})
}

func (h *Handlers) StartRunHandler(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		http.Error(w, "runs are disabled", http.StatusNotImplemented)
		return
	}
	// Splits opened before the run would point at replaced data. Holding
	// h.mu until the run is marked active keeps readers from reopening them.
	h.mu.Lock()
	h.releaseAll()
	runID, err := h.runner.Start(r.Context())
	h.mu.Unlock()
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("binarization run started", "run_id", runID)
	writeJSONStatus(w, http.StatusAccepted, map[string]interface{}{
		"run_id": runID,
		"status": "started",
	})
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, errors.New("invalid query parameter " + strconv.Quote(s))
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
