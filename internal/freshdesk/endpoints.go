package freshdesk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"nightshift/internal/domain"
)

type ticketRecord struct {
	ID          int64     `json:"id"`
	Subject     string    `json:"subject"`
	Status      int       `json:"status"`
	GroupID     *int64    `json:"group_id"`
	ResponderID *int64    `json:"responder_id"`
	Tags        []string  `json:"tags"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r ticketRecord) toDomain() domain.Ticket {
	return domain.Ticket{
		ID:          r.ID,
		Subject:     r.Subject,
		Status:      r.Status,
		GroupID:     r.GroupID,
		ResponderID: r.ResponderID,
		Tags:        r.Tags,
		UpdatedAt:   r.UpdatedAt,
	}
}

// Agent is an agent as listed by the API. Available is nil when the list
// payload does not carry availability.
type Agent struct {
	ID        int64
	Name      string
	Email     string
	Available *bool
}

type agentRecord struct {
	ID        int64 `json:"id"`
	Available *bool `json:"available"`
	Contact   struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"contact"`
}

func (r agentRecord) toAgent() Agent {
	return Agent{ID: r.ID, Name: r.Contact.Name, Email: r.Contact.Email, Available: r.Available}
}

type groupRecord struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	AgentIDs []int64 `json:"agent_ids"`
}

// TicketUpdate is a partial ticket update; nil fields are left untouched.
type TicketUpdate struct {
	Status      *int     `json:"status,omitempty"`
	ResponderID *int64   `json:"responder_id,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type noteRequest struct {
	Body    string `json:"body"`
	Private bool   `json:"private"`
}

// ListTickets returns one page of tickets updated since the given instant.
func (c *Client) ListTickets(ctx context.Context, since time.Time, page, perPage int) ([]domain.Ticket, error) {
	q := url.Values{}
	q.Set("updated_since", since.UTC().Format(time.RFC3339))
	q.Set("order_by", "updated_at")
	q.Set("order_type", "asc")
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("page", strconv.Itoa(page))
	var records []ticketRecord
	if err := c.do(ctx, "list_tickets", http.MethodGet, "api/v2/tickets?"+q.Encode(), nil, &records); err != nil {
		return nil, err
	}
	tickets := make([]domain.Ticket, 0, len(records))
	for _, r := range records {
		tickets = append(tickets, r.toDomain())
	}
	return tickets, nil
}

// GetTicket fetches a single ticket.
func (c *Client) GetTicket(ctx context.Context, id int64) (domain.Ticket, error) {
	var r ticketRecord
	if err := c.do(ctx, "get_ticket", http.MethodGet, fmt.Sprintf("api/v2/tickets/%d", id), nil, &r); err != nil {
		return domain.Ticket{}, err
	}
	return r.toDomain(), nil
}

// UpdateTicket applies a partial update and returns the updated ticket.
func (c *Client) UpdateTicket(ctx context.Context, id int64, upd TicketUpdate) (domain.Ticket, error) {
	var r ticketRecord
	if err := c.do(ctx, "update_ticket", http.MethodPut, fmt.Sprintf("api/v2/tickets/%d", id), upd, &r); err != nil {
		return domain.Ticket{}, err
	}
	return r.toDomain(), nil
}

// AddNote appends a note to a ticket.
func (c *Client) AddNote(ctx context.Context, id int64, body string, private bool) error {
	return c.do(ctx, "add_note", http.MethodPost, fmt.Sprintf("api/v2/tickets/%d/notes", id), noteRequest{Body: body, Private: private}, nil)
}

// ListAgents returns one page of agents.
func (c *Client) ListAgents(ctx context.Context, page, perPage int) ([]Agent, error) {
	var records []agentRecord
	endpoint := fmt.Sprintf("api/v2/agents?per_page=%d&page=%d", perPage, page)
	if err := c.do(ctx, "list_agents", http.MethodGet, endpoint, nil, &records); err != nil {
		return nil, err
	}
	agents := make([]Agent, 0, len(records))
	for _, r := range records {
		agents = append(agents, r.toAgent())
	}
	return agents, nil
}

// GetAgent fetches a single agent's detail.
func (c *Client) GetAgent(ctx context.Context, id int64) (Agent, error) {
	var r agentRecord
	if err := c.do(ctx, "get_agent", http.MethodGet, fmt.Sprintf("api/v2/agents/%d", id), nil, &r); err != nil {
		return Agent{}, err
	}
	return r.toAgent(), nil
}

// GetGroup fetches a group with its member agent ids.
func (c *Client) GetGroup(ctx context.Context, id int64) (domain.Group, error) {
	var r groupRecord
	if err := c.do(ctx, "get_group", http.MethodGet, fmt.Sprintf("api/v2/groups/%d", id), nil, &r); err != nil {
		return domain.Group{}, err
	}
	return domain.Group{ID: r.ID, Name: r.Name, MemberIDs: r.AgentIDs}, nil
}
