package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/lox/bikecast/internal/models"
	"github.com/lox/bikecast/internal/publish"
)

func (s *Server) handleAPIPredictions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.comparisons(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if station := r.URL.Query().Get("station"); station != "" {
		rows = forStation(rows, station)
	}
	if rows == nil {
		rows = []Comparison{}
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	experiment := q.Get("experiment")
	if experiment == "" {
		experiment = s.cfg.Experiment
	}
	limit := monitoredRuns
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.recentRuns(r, experiment, limit, q.Get("order"))
	if errors.Is(err, models.ErrValidation) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]RunView, 0, len(runs))
	for _, run := range runs {
		views = append(views, newRunView(run))
	}
	s.writeJSON(w, http.StatusOK, views)
}

// handleAPILatest returns the newest prediction per station, from the
// latest source when one is set and from the predictions group otherwise.
func (s *Server) handleAPILatest(w http.ResponseWriter, r *http.Request) {
	if s.latest != nil {
		msgs, err := s.latest.Latest(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if msgs == nil {
			msgs = []publish.Message{}
		}
		s.writeJSON(w, http.StatusOK, msgs)
		return
	}

	preds, err := s.predictions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	latest := latestPerStation(preds)
	msgs := make([]publish.Message, 0, len(latest))
	for _, p := range latest {
		msgs = append(msgs, publish.Message{
			Station:        p.StationID,
			Hour:           p.Hour,
			Prediction:     p.Prediction,
			PredictionTime: p.PredictionTime,
		})
	}
	s.writeJSON(w, http.StatusOK, msgs)
}
