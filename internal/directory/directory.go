// Package directory builds the per-run index of agents, their monitored group
// memberships and their availability.
package directory

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"nightshift/internal/domain"
	"nightshift/internal/freshdesk"
)

const DefaultAgentPageSize = 30

// Source is the slice of the remote API the builder needs.
type Source interface {
	ListAgents(ctx context.Context, page, perPage int) ([]freshdesk.Agent, error)
	GetAgent(ctx context.Context, id int64) (freshdesk.Agent, error)
	GetGroup(ctx context.Context, id int64) (domain.Group, error)
}

// Directory is the agent index for one run.
type Directory struct {
	Agents []domain.Agent
	Groups map[int64]domain.Group
}

// Eligible returns the available agents of a group ordered by agent id, which
// is the rotation order.
func (d Directory) Eligible(groupID int64) []domain.Agent {
	var out []domain.Agent
	for _, a := range d.Agents {
		if a.Available && a.InGroup(groupID) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Agent looks an agent up by id.
func (d Directory) Agent(id int64) (domain.Agent, bool) {
	for _, a := range d.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return domain.Agent{}, false
}

type Builder struct {
	Source   Source
	GroupIDs []int64
	PageSize int
	Logger   *zap.Logger
}

func (b Builder) logger() *zap.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return zap.NewNop()
}

// Build lists every agent, inverts the monitored groups' member lists into
// per-agent group sets and resolves missing availability from agent detail.
func (b Builder) Build(ctx context.Context) (Directory, error) {
	pageSize := b.PageSize
	if pageSize <= 0 {
		pageSize = DefaultAgentPageSize
	}
	var listed []freshdesk.Agent
	for page := 1; ; page++ {
		batch, err := b.Source.ListAgents(ctx, page, pageSize)
		if err != nil {
			return Directory{}, fmt.Errorf("list agents page %d: %w", page, err)
		}
		listed = append(listed, batch...)
		if len(batch) < pageSize {
			break
		}
	}

	groups := make(map[int64]domain.Group, len(b.GroupIDs))
	membership := map[int64][]int64{}
	for _, gid := range b.GroupIDs {
		g, err := b.Source.GetGroup(ctx, gid)
		if err != nil {
			if ctx.Err() != nil {
				return Directory{}, ctx.Err()
			}
			b.logger().Warn("group membership unavailable, treating group as empty", zap.Int64("group_id", gid), zap.Error(err))
			groups[gid] = domain.Group{ID: gid}
			continue
		}
		g.ID = gid
		groups[gid] = g
		for _, agentID := range g.MemberIDs {
			membership[agentID] = append(membership[agentID], gid)
		}
	}

	agents := make([]domain.Agent, 0, len(listed))
	for _, la := range listed {
		available := la.Available
		if available == nil {
			detail, err := b.Source.GetAgent(ctx, la.ID)
			if err != nil {
				b.logger().Warn("agent availability lookup failed", zap.Int64("agent_id", la.ID), zap.Error(err))
			} else {
				available = detail.Available
			}
		}
		agents = append(agents, domain.Agent{
			ID:        la.ID,
			Name:      la.Name,
			Email:     la.Email,
			Groups:    membership[la.ID],
			Available: available != nil && *available,
		})
	}
	b.logger().Info("agent directory built", zap.Int("agents", len(agents)), zap.Int("groups", len(groups)))
	return Directory{Agents: agents, Groups: groups}, nil
}
