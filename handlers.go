package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/kwv/coregnav/nav"
	"github.com/kwv/coregnav/navdb"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The viewer is served from another origin
	},
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(a *App) http.Handler {
	r := mux.NewRouter()
	r.Use(logRequests)

	r.HandleFunc("/health", a.handleHealth).Methods("GET")
	r.HandleFunc("/coord", a.handleCoord).Methods("GET")
	r.HandleFunc("/status", a.handleStatus).Methods("GET")
	r.HandleFunc("/registration", a.handleGetRegistration).Methods("GET")
	r.HandleFunc("/registration", a.handleRegister).Methods("POST")
	r.HandleFunc("/fiducials", a.handleGetFiducials).Methods("GET")
	r.HandleFunc("/fiducials/image/{index:[0-9]+}", a.handleImageFiducial).Methods("PUT")
	r.HandleFunc("/fiducials/tracker/{index:[0-9]+}", a.handleTrackerFiducial).Methods("POST")
	r.HandleFunc("/icp/points", a.handleICPPoint).Methods("POST")
	r.HandleFunc("/icp/run", a.handleICPRun).Methods("POST")
	r.HandleFunc("/icp", a.handleICPReset).Methods("DELETE")
	r.HandleFunc("/target", a.handleGetTarget).Methods("GET")
	r.HandleFunc("/target", a.handleSetTarget).Methods("PUT")
	r.HandleFunc("/target", a.handleClearTarget).Methods("DELETE")
	r.HandleFunc("/view.svg", a.handleView(false)).Methods("GET")
	r.HandleFunc("/view.png", a.handleView(true)).Methods("GET")
	r.HandleFunc("/stream", a.handleStream).Methods("GET")
	r.HandleFunc("/sessions", a.handleSessions).Methods("GET")
	r.HandleFunc("/sessions/{id}/coordinates", a.handleSessionCoordinates).Methods("GET")

	return r
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// writeError maps domain errors to HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, nav.ErrNoRegistration),
		errors.Is(err, nav.ErrMarkerNotVisible),
		errors.Is(err, nav.ErrTrackerNotConnected),
		errors.Is(err, nav.ErrRegistrationChanged):
		status = http.StatusConflict
	case errors.Is(err, nav.ErrIncompleteFiducials),
		errors.Is(err, nav.ErrCollinearFiducials),
		errors.Is(err, nav.ErrFRETooHigh),
		errors.Is(err, nav.ErrNotEnoughPoints):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Status     string    `json:"status"`
		Timestamp  time.Time `json:"timestamp"`
		Tracker    string    `json:"tracker"`
		Registered bool      `json:"registered"`
		Running    bool      `json:"running"`
	}{
		Status:     "ok",
		Timestamp:  time.Now(),
		Tracker:    a.Tracker.Name(),
		Registered: a.Coreg.Registration() != nil,
		Running:    a.Coreg.Status().Running,
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *App) handleCoord(w http.ResponseWriter, r *http.Request) {
	c, ok := a.State.GetCoordinate()
	if !ok {
		http.Error(w, "No coordinate available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		nav.CoregStatus
		Subscribers int        `json:"subscribers"`
		LastUpdate  *time.Time `json:"lastUpdate,omitempty"`
		Session     string     `json:"session,omitempty"`
		Published   uint64     `json:"published,omitempty"`
		LastSeq     uint64     `json:"lastPublishedSequence,omitempty"`
	}{
		CoregStatus: a.Coreg.Status(),
		Subscribers: a.State.SubscriberCount(),
	}
	if t := a.State.LastUpdate(); !t.IsZero() {
		resp.LastUpdate = &t
	}
	if a.Recorder != nil {
		resp.Session = a.Recorder.SessionID()
	}
	if a.Publisher != nil {
		resp.Published = a.Publisher.Published()
		if c, ok := a.Publisher.LastCoordinate(); ok {
			resp.LastSeq = c.Sequence
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleGetRegistration(w http.ResponseWriter, r *http.Request) {
	reg := a.Coreg.Registration()
	if reg == nil {
		writeError(w, nav.ErrNoRegistration)
		return
	}
	writeJSON(w, http.StatusOK, nav.NewRegistrationSummary(reg))
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	reg, err := a.Session.Register()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nav.NewRegistrationSummary(reg))
}

func (a *App) handleGetFiducials(w http.ResponseWriter, r *http.Request) {
	fs := a.Session.Fiducials()
	writeJSON(w, http.StatusOK, fs.Fiducials)
}

func fiducialIndex(r *http.Request) (int, error) {
	return strconv.Atoi(mux.Vars(r)["index"])
}

func (a *App) handleImageFiducial(w http.ResponseWriter, r *http.Request) {
	index, err := fiducialIndex(r)
	if err != nil {
		http.Error(w, "Invalid fiducial index", http.StatusBadRequest)
		return
	}
	var p nav.Vec3
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid point: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.Session.SetImageFiducial(index, p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) handleTrackerFiducial(w http.ResponseWriter, r *http.Request) {
	index, err := fiducialIndex(r)
	if err != nil {
		http.Error(w, "Invalid fiducial index", http.StatusBadRequest)
		return
	}
	if index >= nav.FiducialCount {
		http.Error(w, "Fiducial index out of range", http.StatusBadRequest)
		return
	}
	p, err := a.Session.CaptureTrackerFiducial(index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) handleICPPoint(w http.ResponseWriter, r *http.Request) {
	p, n, err := a.Session.AddICPPoint()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Point nav.Vec3 `json:"point"`
		Count int      `json:"count"`
	}{p, n})
}

func (a *App) handleICPRun(w http.ResponseWriter, r *http.Request) {
	if !a.Session.HasSurface() {
		http.Error(w, "No surface loaded (icp.surface)", http.StatusConflict)
		return
	}
	result, err := a.Session.RunICP()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *App) handleICPReset(w http.ResponseWriter, r *http.Request) {
	a.Session.ResetICP()
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	p, ok := a.Coreg.Target()
	if !ok {
		http.Error(w, "No target set", http.StatusNotFound)
		return
	}
	resp := struct {
		Target nav.Pose          `json:"target"`
		Status *nav.TargetStatus `json:"status,omitempty"`
	}{Target: p}
	if st, ok := a.State.GetTarget(); ok {
		resp.Status = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleSetTarget(w http.ResponseWriter, r *http.Request) {
	var p nav.Pose
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid pose: "+err.Error(), http.StatusBadRequest)
		return
	}
	a.setTarget(&p)
	writeJSON(w, http.StatusOK, p)
}

func (a *App) handleClearTarget(w http.ResponseWriter, r *http.Request) {
	a.setTarget(nil)
	w.WriteHeader(http.StatusNoContent)
}

// snapshot collects the current view state
func (a *App) snapshot() nav.ViewSnapshot {
	var snap nav.ViewSnapshot
	if c, ok := a.State.GetCoordinate(); ok {
		snap.Coordinate = &c
	}
	if p, ok := a.Coreg.Target(); ok {
		snap.Target = &p
		if st, ok := a.State.GetTarget(); ok {
			snap.OnTarget = st.OnTarget
		}
	}
	if s, ok := a.State.GetSeed(); ok {
		snap.Seed = &s
	}
	return snap
}

func (a *App) handleView(png bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := a.snapshot()
		w.Header().Set("Cache-Control", "no-cache")
		if png {
			w.Header().Set("Content-Type", "image/png")
			if err := a.View.RenderPNG(w, snap); err != nil {
				log.Printf("Error encoding view PNG: %v", err)
			}
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		if err := a.View.RenderSVG(w, snap); err != nil {
			log.Printf("Error encoding view SVG: %v", err)
		}
	}
}

// handleStream pushes every coordinate to a websocket client
func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[HTTP] WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	coords, unsubscribe := a.State.Subscribe()
	defer unsubscribe()

	// Reader goroutine notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case c, ok := <-coords:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(c); err != nil {
				return
			}
		}
	}
}

func (a *App) handleSessions(w http.ResponseWriter, r *http.Request) {
	if a.Recorder == nil {
		http.Error(w, "Session storage disabled (storage.path)", http.StatusNotFound)
		return
	}
	sessions, err := a.Recorder.ListSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []navdb.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *App) handleSessionCoordinates(w http.ResponseWriter, r *http.Request) {
	if a.Recorder == nil {
		http.Error(w, "Session storage disabled (storage.path)", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	coords, err := a.Recorder.Coordinates(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if coords == nil {
		coords = []nav.NavCoordinate{}
	}
	writeJSON(w, http.StatusOK, coords)
}
