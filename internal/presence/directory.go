// Package presence answers which identities currently occupy a room.
//
// Presence is best effort: a slow or failing cluster query degrades to "no one
// is present" after a fixed bound instead of stalling the caller.
package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/chatrelay/internal/cluster"
	"github.com/nmxmxh/chatrelay/pkg/errors"
	"github.com/nmxmxh/chatrelay/pkg/metrics"
)

// DefaultTimeout bounds one occupancy query.
const DefaultTimeout = 5 * time.Second

// Querier is the part of the cluster the directory reads.
type Querier interface {
	MembersOf(ctx context.Context, room string) ([]cluster.Member, error)
}

// Diff splits an expected member list by presence in a room.
type Diff struct {
	Present []string
	Absent  []string
}

// Directory queries room occupancy through the cluster.
type Directory struct {
	cluster Querier
	timeout time.Duration
	log     *zap.Logger
}

// NewDirectory returns a Directory. A non-positive timeout selects DefaultTimeout.
func NewDirectory(c Querier, timeout time.Duration, log *zap.Logger) *Directory {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{cluster: c, timeout: timeout, log: log.With(zap.String("module", "presence"))}
}

type result struct {
	members []cluster.Member
	err     error
}

// OccupantsOf returns the identities connected to room. Anonymous connections
// are not identities and are left out. It returns an empty set when the query
// fails or does not answer within the directory's timeout.
func (d *Directory) OccupantsOf(ctx context.Context, room string) map[string]struct{} {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// The query runs on its own goroutine so an implementation that ignores
	// its context still cannot hold the caller past the timeout.
	done := make(chan result, 1)
	go func() {
		members, err := d.cluster.MembersOf(ctx, room)
		done <- result{members: members, err: err}
	}()

	select {
	case <-ctx.Done():
		metrics.PresenceTimeouts.Inc()
		d.log.Warn("Presence query degraded to empty set",
			zap.String("room", room),
			zap.Duration("timeout", d.timeout),
			zap.Error(errors.Wrap(errors.ErrPresenceTimeout, ctx.Err().Error())))
		return map[string]struct{}{}
	case res := <-done:
		if res.err != nil {
			metrics.PresenceTimeouts.Inc()
			d.log.Warn("Presence query failed, treating room as empty",
				zap.String("room", room),
				zap.Error(errors.Wrap(errors.ErrPresenceTimeout, res.err.Error())))
			return map[string]struct{}{}
		}
		out := make(map[string]struct{}, len(res.members))
		for _, m := range res.members {
			if m.UserID != "" {
				out[m.UserID] = struct{}{}
			}
		}
		return out
	}
}

// Diff splits expected into members connected to room and members absent from
// it. Order of expected is kept; duplicates and empty ids are dropped.
func (d *Directory) Diff(ctx context.Context, room string, expected []string) Diff {
	occupants := d.OccupantsOf(ctx, room)
	var out Diff
	seen := make(map[string]struct{}, len(expected))
	for _, id := range expected {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := occupants[id]; ok {
			out.Present = append(out.Present, id)
		} else {
			out.Absent = append(out.Absent, id)
		}
	}
	return out
}
