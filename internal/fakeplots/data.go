package fakeplots

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/parcelsync/parcelsync.go/pkg/fallback"
	"github.com/parcelsync/parcelsync.go/pkg/models"
)

// dataset snapshots the current plots so queries run outside the lock.
func (s *Server) dataset() *fallback.Dataset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plots := make([]models.Plot, 0, len(s.plots))
	for _, p := range s.plots {
		plots = append(plots, p)
	}
	sort.Slice(plots, func(i, j int) bool { return plots[i].ID < plots[j].ID })
	return fallback.New(plots)
}

// Plots returns every stored plot, newest first.
func (s *Server) Plots() []models.Plot {
	return s.dataset().Plots(models.PlotFilter{})
}

// SetPlots replaces the stored plots without publishing events.
func (s *Server) SetPlots(plots ...models.Plot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plots = make(map[string]models.Plot, len(plots))
	for _, p := range plots {
		s.plots[p.ID] = p
	}
}

// PutPlot creates or replaces p and publishes plot_created or plot_updated.
func (s *Server) PutPlot(p models.Plot) {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now().UTC()
	}

	s.mu.Lock()
	_, existed := s.plots[p.ID]
	s.plots[p.ID] = p
	s.mu.Unlock()

	typ := models.EventPlotCreated
	if existed {
		typ = models.EventPlotUpdated
	}
	s.Publish(models.PushEvent{Type: typ, ResourceID: p.ID})
}

// DeletePlot removes plot id and publishes plot_deleted.
func (s *Server) DeletePlot(id string) error {
	s.mu.Lock()
	_, ok := s.plots[id]
	delete(s.plots, id)
	s.mu.Unlock()

	if !ok {
		return errNotFound("plot", id)
	}
	s.Publish(models.PushEvent{Type: models.EventPlotDeleted, ResourceID: id})
	return nil
}

// AddLead stores l and publishes lead_created.
func (s *Server) AddLead(l models.Lead) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now().UTC()
	}

	s.mu.Lock()
	if l.ID == "" {
		l.ID = fmt.Sprintf("lead-%d", len(s.leads)+1)
	}
	s.leads = append(s.leads, l)
	s.mu.Unlock()

	s.Publish(models.PushEvent{Type: models.EventLeadCreated})
}

func (s *Server) Leads() []models.Lead {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Lead{}, s.leads...)
}

func (s *Server) handleListPlots(w http.ResponseWriter, r *http.Request) {
	f, err := models.ParsePlotFilter(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.dataset().Plots(f))
}

func (s *Server) handleGetPlot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, ok := s.dataset().Plot(id)
	if !ok {
		respondError(w, http.StatusNotFound, errNotFound("plot", id).Error())
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d := s.dataset()
	if _, ok := d.Plot(id); !ok {
		respondError(w, http.StatusNotFound, errNotFound("plot", id).Error())
		return
	}
	respondJSON(w, http.StatusOK, d.Nearby(id))
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d := s.dataset()
	if _, ok := d.Plot(id); !ok {
		respondError(w, http.StatusNotFound, errNotFound("plot", id).Error())
		return
	}
	respondJSON(w, http.StatusOK, d.Similar(id))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	f, err := models.ParsePlotFilter(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.dataset().Stats(f))
}

func (s *Server) handleListLeads(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.Leads())
}

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	plots := s.Plots()
	respondJSON(w, http.StatusOK, models.ComputeDashboard(plots, s.Leads(), s.now()))
}
