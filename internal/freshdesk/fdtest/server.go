// Package fdtest provides an in-memory Freshdesk API for tests.
package fdtest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"nightshift/internal/freshdesk"
)

type Ticket struct {
	ID          int64     `json:"id"`
	Subject     string    `json:"subject"`
	Status      int       `json:"status"`
	GroupID     *int64    `json:"group_id"`
	ResponderID *int64    `json:"responder_id"`
	Tags        []string  `json:"tags"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Agent struct {
	ID        int64
	Name      string
	Email     string
	Available *bool
	// DetailAvailable is served by the agent detail endpoint only.
	DetailAvailable *bool
}

type Group struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	AgentIDs []int64 `json:"agent_ids"`
}

type Update struct {
	TicketID int64
	Fields   map[string]json.RawMessage
}

type Note struct {
	TicketID int64
	Body     string
	Private  bool
}

// Server is a Freshdesk API backed by maps. Mutate its fields only before
// requests are issued or while holding no request in flight.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	tickets map[int64]*Ticket
	agents  []Agent
	groups  map[int64]Group
	updates []Update
	notes   []Note

	// FailList makes the ticket list endpoint answer 500.
	FailList bool
	// FailUpdate makes updates of the given tickets answer 500.
	FailUpdate map[int64]bool
	// BeforeList, when set, is called before a ticket list request is served.
	BeforeList func()
}

func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		tickets:    map[int64]*Ticket{},
		groups:     map[int64]Group{},
		FailUpdate: map[int64]bool{},
	}
	r := chi.NewRouter()
	r.Get("/api/v2/tickets", s.listTickets)
	r.Get("/api/v2/tickets/{id}", s.getTicket)
	r.Put("/api/v2/tickets/{id}", s.updateTicket)
	r.Post("/api/v2/tickets/{id}/notes", s.addNote)
	r.Get("/api/v2/agents", s.listAgents)
	r.Get("/api/v2/agents/{id}", s.getAgent)
	r.Get("/api/v2/groups/{id}", s.getGroup)
	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// Client returns a client for the server that never sleeps.
func (s *Server) Client() *freshdesk.Client {
	c := freshdesk.New(s.URL, "test-key")
	c.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return c
}

func (s *Server) AddTicket(t Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.tickets[t.ID] = &cp
}

func (s *Server) AddAgent(a Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = append(s.agents, a)
}

func (s *Server) AddGroup(g Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
}

// Ticket returns the current state of a ticket.
func (s *Server) Ticket(id int64) (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return Ticket{}, false
	}
	return *t, true
}

func (s *Server) Updates() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Update(nil), s.updates...)
}

func (s *Server) Notes() []Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Note(nil), s.notes...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Remaining", "1000")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func idParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil
}

func pageParams(r *http.Request, defPerPage int) (int, int) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	perPage, err := strconv.Atoi(r.URL.Query().Get("per_page"))
	if err != nil || perPage < 1 {
		perPage = defPerPage
	}
	return page, perPage
}

func window[T any](items []T, page, perPage int) []T {
	start := (page - 1) * perPage
	if start >= len(items) {
		return []T{}
	}
	end := start + perPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (s *Server) listTickets(w http.ResponseWriter, r *http.Request) {
	if s.BeforeList != nil {
		s.BeforeList()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailList {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"description": "list unavailable"})
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("updated_since"); v != "" {
		since, _ = time.Parse(time.RFC3339, v)
	}
	var out []Ticket
	for _, t := range s.tickets {
		if !t.UpdatedAt.Before(since) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	page, perPage := pageParams(r, 30)
	writeJSON(w, http.StatusOK, window(out, page, perPage))
}

func (s *Server) getTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, found := s.tickets[id]
	if !ok || !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"description": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, found := s.tickets[id]
	if !ok || !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "not_found"})
		return
	}
	if s.FailUpdate[id] {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"description": "update failed"})
		return
	}
	if raw, ok := fields["status"]; ok {
		_ = json.Unmarshal(raw, &t.Status)
	}
	if raw, ok := fields["responder_id"]; ok {
		var rid int64
		_ = json.Unmarshal(raw, &rid)
		t.ResponderID = &rid
	}
	if raw, ok := fields["tags"]; ok {
		_ = json.Unmarshal(raw, &t.Tags)
	}
	s.updates = append(s.updates, Update{TicketID: id, Fields: fields})
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) addNote(w http.ResponseWriter, r *http.Request) {
	id, _ := idParam(r)
	var body struct {
		Body    string `json:"body"`
		Private bool   `json:"private"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"description": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, Note{TicketID: id, Body: body.Body, Private: body.Private})
	writeJSON(w, http.StatusCreated, map[string]any{"id": len(s.notes), "ticket_id": id})
}

type agentJSON struct {
	ID        int64 `json:"id"`
	Available *bool `json:"available,omitempty"`
	Contact   struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"contact"`
}

func toJSON(a Agent, available *bool) agentJSON {
	out := agentJSON{ID: a.ID, Available: available}
	out.Contact.Name = a.Name
	out.Contact.Email = a.Email
	return out
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agentJSON, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, toJSON(a, a.Available))
	}
	page, perPage := pageParams(r, 30)
	writeJSON(w, http.StatusOK, window(out, page, perPage))
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	id, _ := idParam(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.ID == id {
			available := a.Available
			if a.DetailAvailable != nil {
				available = a.DetailAvailable
			}
			writeJSON(w, http.StatusOK, toJSON(a, available))
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"code": "not_found"})
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	id, _ := idParam(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, g)
}
