// Package rotation holds the per-group round-robin positions that carry
// fairness from one run to the next.
package rotation

import (
	"context"

	"nightshift/internal/kv"
)

// State maps a group id to the index of the next agent to receive work.
type State map[int64]int

// Resolve returns a usable index for group given n eligible agents. An unset
// group starts at initial(n) when initial is non-nil, otherwise at 0. An index
// that no longer fits the population is reset to 0. The resolved index is
// written back. n must be positive.
func (s State) Resolve(group int64, n int, initial func(n int) int) int {
	idx, ok := s[group]
	switch {
	case !ok:
		idx = 0
		if initial != nil {
			idx = initial(n)
		}
		if idx < 0 || idx >= n {
			idx = 0
		}
	case idx < 0 || idx >= n:
		idx = 0
	}
	s[group] = idx
	return idx
}

// Advance moves group one slot forward modulo n.
func (s State) Advance(group int64, n int) int {
	if n <= 0 {
		return s[group]
	}
	next := (s[group] + 1) % n
	s[group] = next
	return next
}

// Clone returns an independent copy.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Store loads and saves State under the rotation key.
type Store struct {
	KV kv.Store
}

// Load returns the persisted state, or an empty state when none was saved.
func (r Store) Load(ctx context.Context) (State, error) {
	st := State{}
	if _, err := kv.GetJSON(ctx, r.KV, kv.KeyRotationState, &st); err != nil {
		return State{}, err
	}
	if st == nil {
		st = State{}
	}
	return st, nil
}

func (r Store) Save(ctx context.Context, st State) error {
	if st == nil {
		st = State{}
	}
	return kv.SetJSON(ctx, r.KV, kv.KeyRotationState, st)
}
