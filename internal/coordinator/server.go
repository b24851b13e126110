package coordinator

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/shiftly/dispatch/internal/dispatch/lifecycle"
)

// Server exposes the coordination backend over plain HTTP plus the websocket
// event stream.
type Server struct {
	arbiter *Arbiter
	hub     *Hub
	auth    *Authenticator

	mu       sync.Mutex
	presence map[uuid.UUID]presenceRecord
}

type presenceRecord struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	CapturedAt time.Time `json:"captured_at"`
}

// NewServer wires the HTTP surface over the arbiter, hub and authenticator.
func NewServer(arbiter *Arbiter, hub *Hub, auth *Authenticator) *Server {
	return &Server{
		arbiter:  arbiter,
		hub:      hub,
		auth:     auth,
		presence: make(map[uuid.UUID]presenceRecord),
	}
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)

	mux.HandleFunc("POST /jobs", s.handlePostJob)
	mux.HandleFunc("POST /jobs/accept/{id}", s.handleAccept)
	mux.HandleFunc("POST /jobs/decline/{id}", s.handleDecline)
	mux.HandleFunc("POST /jobs/cancel/{id}", s.handleCancel)
	mux.HandleFunc("POST /jobs/attendance/{id}", s.handleAttendance)
	mux.HandleFunc("POST /jobs/pay/{id}", s.handlePay)
	mux.HandleFunc("POST /jobs/rate/{id}", s.handleRate)
	mux.HandleFunc("GET /jobs/{id}/state", s.handleState)

	mux.HandleFunc("POST /presence", s.handlePresence)
	mux.HandleFunc("GET /ws", s.handleStream)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return c.Handler(mux)
}

// handleLogin registers an actor and issues its credential pair. There is no
// password exchange here; identity verification is an upstream concern.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	actorID, err := uuid.Parse(req.ActorID)
	if err != nil {
		http.Error(w, "invalid actor_id", http.StatusBadRequest)
		return
	}

	access, refresh, err := s.auth.Grant(actorID)
	if err != nil {
		log.Error().Err(err).Msg("credential grant failed")
		http.Error(w, "credential grant failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token":         access,
		"refresh_token": refresh,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	access, err := s.auth.Refresh(req.RefreshToken)
	if err != nil {
		http.Error(w, "invalid refresh token", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": access})
}

func (s *Server) handlePostJob(w http.ResponseWriter, r *http.Request) {
	actorID, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	var req struct {
		Title          string   `json:"title"`
		Amount         int64    `json:"amount"`
		ContractorName string   `json:"contractor_name"`
		Lat            float64  `json:"lat"`
		Lon            float64  `json:"lon"`
		Candidates     []string `json:"candidates"`
		WindowSec      int      `json:"decision_window_sec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Candidates) == 0 {
		http.Error(w, "at least one candidate is required", http.StatusBadRequest)
		return
	}

	candidates := make([]uuid.UUID, 0, len(req.Candidates))
	for _, raw := range req.Candidates {
		candidateID, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid candidate id", http.StatusBadRequest)
			return
		}
		candidates = append(candidates, candidateID)
	}

	posting := Posting{
		JobID:          uuid.New(),
		ContractorID:   actorID,
		ContractorName: req.ContractorName,
		Title:          req.Title,
		Amount:         req.Amount,
		Lat:            req.Lat,
		Lon:            req.Lon,
		Candidates:     candidates,
		DecisionWindow: time.Duration(req.WindowSec) * time.Second,
	}
	if err := s.arbiter.PostJob(posting); err != nil {
		s.writeArbiterError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"job_id": posting.JobID.String()})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	actorID, jobID, ok := s.requireActorAndJob(w, r)
	if !ok {
		return
	}
	if err := s.arbiter.Accept(jobID, actorID); err != nil {
		s.writeArbiterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	actorID, jobID, ok := s.requireActorAndJob(w, r)
	if !ok {
		return
	}
	if err := s.arbiter.Decline(jobID, actorID); err != nil {
		s.writeArbiterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actorID, jobID, ok := s.requireActorAndJob(w, r)
	if !ok {
		return
	}
	if err := s.arbiter.Cancel(jobID, actorID); err != nil {
		s.writeArbiterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	actorID, jobID, ok := s.requireActorAndJob(w, r)
	if !ok {
		return
	}

	var req struct {
		Attendance string `json:"attendance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var att lifecycle.Attendance
	switch lifecycle.Attendance(req.Attendance) {
	case lifecycle.AttendancePresent:
		att = lifecycle.AttendancePresent
	case lifecycle.AttendanceAbsent:
		att = lifecycle.AttendanceAbsent
	default:
		http.Error(w, "attendance must be present or absent", http.StatusBadRequest)
		return
	}

	if err := s.arbiter.Attendance(jobID, actorID, att); err != nil {
		s.writeArbiterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	actorID, jobID, ok := s.requireActorAndJob(w, r)
	if !ok {
		return
	}
	if err := s.arbiter.Pay(jobID, actorID); err != nil {
		s.writeArbiterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	actorID, jobID, ok := s.requireActorAndJob(w, r)
	if !ok {
		return
	}

	var req struct {
		Stars    int    `json:"stars"`
		Feedback string `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Stars < 1 || req.Stars > 5 {
		http.Error(w, "stars must be between 1 and 5", http.StatusBadRequest)
		return
	}

	if err := s.arbiter.Rate(jobID, actorID, req.Stars, req.Feedback); err != nil {
		s.writeArbiterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	snapshot, err := s.arbiter.State(jobID)
	if err != nil {
		s.writeArbiterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	actorID, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	var req struct {
		Lat        float64   `json:"lat"`
		Lon        float64   `json:"lon"`
		CapturedAt time.Time `json:"captured_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.presence[actorID] = presenceRecord{Lat: req.Lat, Lon: req.Lon, CapturedAt: req.CapturedAt}
	s.mu.Unlock()

	log.Debug().
		Str("actor_id", actorID.String()).
		Float64("lat", req.Lat).
		Float64("lon", req.Lon).
		Msg("presence sample recorded")

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleStream authenticates the handshake and upgrades it to the event
// stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	actorID, err := s.auth.bearerActor(r)
	if err != nil {
		// Browser websocket clients cannot set headers on the handshake.
		if token := r.URL.Query().Get("token"); token != "" {
			actorID, err = s.auth.Verify(token)
		}
	}
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := s.hub.Upgrade(w, r, actorID); err != nil {
		log.Error().Err(err).Str("actor_id", actorID.String()).Msg("event stream upgrade failed")
	}
}

func (s *Server) requireActor(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	actorID, err := s.auth.bearerActor(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	return actorID, true
}

func (s *Server) requireActorAndJob(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	actorID, ok := s.requireActor(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	return actorID, jobID, true
}

// writeArbiterError maps arbitration sentinels to HTTP statuses. A lost
// accept race maps to 409 so clients get their definitive taken signal.
func (s *Server) writeArbiterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownJob):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrAlreadyTaken):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrNotCandidate), errors.Is(err, ErrNotContractor):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrNotCancellable),
		errors.Is(err, ErrNotInProgress),
		errors.Is(err, ErrNotPayable),
		errors.Is(err, ErrNotRatable):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		log.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
