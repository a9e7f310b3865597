// Package store persists demands in Redis and announces every acknowledged
// write as a row change, which is what drives the change feed.
package store

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/demandhub/internal/demand"
	"github.com/dyluth/demandhub/pkg/realtime"
	"github.com/redis/go-redis/v9"
)

// ChangePublisher announces row changes. *realtime.Client implements it.
type ChangePublisher interface {
	PublishRowChange(ctx context.Context, change *realtime.RowChange) error
}

// Store provides instance-scoped demand persistence.
// The store is thread-safe and can be used concurrently from multiple goroutines.
type Store struct {
	rdb          *redis.Client
	instanceName string
	publisher    ChangePublisher
	now          func() time.Time
}

// New creates a demand store for the specified instance.
// publisher may be nil, in which case no row changes are announced.
func New(redisOpts *redis.Options, instanceName string, publisher ChangePublisher) (*Store, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Store{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
		publisher:    publisher,
		now:          time.Now,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Create inserts a new demand.
// Returns a WriteError with CodeUniqueViolation if the id is already taken.
func (s *Store) Create(ctx context.Context, d *demand.Demand) error {
	if err := d.Validate(); err != nil {
		return &WriteError{Code: CodeInvalidInput, Message: "invalid demand", Err: err}
	}

	nowMs := s.now().UnixMilli()
	if d.CreatedAtMs == 0 {
		d.CreatedAtMs = nowMs
	}
	d.UpdatedAtMs = nowMs

	key := realtime.DemandKey(s.instanceName, d.ID)

	// Claim the key first so a concurrent Create with the same id loses
	created, err := s.rdb.HSetNX(ctx, key, "id", d.ID).Result()
	if err != nil {
		return unavailable("create demand", err)
	}
	if !created {
		return &WriteError{Code: CodeUniqueViolation, Message: fmt.Sprintf("demand %s already exists", d.ID)}
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, demand.ToHash(d))
		pipe.SAdd(ctx, realtime.TeamDemandsKey(s.instanceName, d.TeamID), d.ID)
		if d.BoardID != "" {
			pipe.SAdd(ctx, realtime.BoardDemandsKey(s.instanceName, d.BoardID), d.ID)
		}
		return nil
	})
	if err != nil {
		return unavailable("create demand", err)
	}

	s.announce(ctx, realtime.ChangeInsert, d)
	return nil
}

// Get retrieves a demand by ID.
// Returns ErrNotFound if the demand doesn't exist.
func (s *Store) Get(ctx context.Context, demandID string) (*demand.Demand, error) {
	hash, err := s.rdb.HGetAll(ctx, realtime.DemandKey(s.instanceName, demandID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read demand from Redis: %w", err)
	}

	if len(hash) == 0 {
		return nil, ErrNotFound
	}

	d, err := demand.FromHash(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize demand: %w", err)
	}
	return d, nil
}

// Update overwrites the descriptive fields of a demand (title, status, board,
// assignee). Timer fields are never touched here; they belong to the timer
// state machine. The team of a demand is immutable.
func (s *Store) Update(ctx context.Context, d *demand.Demand) error {
	if err := d.Validate(); err != nil {
		return &WriteError{Code: CodeInvalidInput, Message: "invalid demand", Err: err}
	}

	current, err := s.Get(ctx, d.ID)
	if err != nil {
		if IsNotFound(err) {
			return notFound(d.ID)
		}
		return unavailable("load demand", err)
	}

	if current.TeamID != d.TeamID {
		return &WriteError{Code: CodeInvalidInput, Message: "team_id cannot change"}
	}

	d.UpdatedAtMs = s.now().UnixMilli()
	d.CreatedAtMs = current.CreatedAtMs
	d.Timer = current.Timer

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, realtime.DemandKey(s.instanceName, d.ID),
			"title", d.Title,
			"status", string(d.Status),
			"board_id", d.BoardID,
			"assignee_id", d.AssigneeID,
			"updated_at_ms", d.UpdatedAtMs,
		)
		if current.BoardID != d.BoardID {
			if current.BoardID != "" {
				pipe.SRem(ctx, realtime.BoardDemandsKey(s.instanceName, current.BoardID), d.ID)
			}
			if d.BoardID != "" {
				pipe.SAdd(ctx, realtime.BoardDemandsKey(s.instanceName, d.BoardID), d.ID)
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("update demand", err)
	}

	s.announce(ctx, realtime.ChangeUpdate, d)
	return nil
}

// Delete removes a demand and its timer state.
func (s *Store) Delete(ctx context.Context, demandID string) error {
	current, err := s.Get(ctx, demandID)
	if err != nil {
		if IsNotFound(err) {
			return notFound(demandID)
		}
		return unavailable("load demand", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, realtime.DemandKey(s.instanceName, demandID))
		pipe.SRem(ctx, realtime.TeamDemandsKey(s.instanceName, current.TeamID), demandID)
		if current.BoardID != "" {
			pipe.SRem(ctx, realtime.BoardDemandsKey(s.instanceName, current.BoardID), demandID)
		}
		return nil
	})
	if err != nil {
		return unavailable("delete demand", err)
	}

	s.announce(ctx, realtime.ChangeDelete, current)
	return nil
}

// ListByTeam returns every demand in a team, oldest first.
func (s *Store) ListByTeam(ctx context.Context, teamID string) ([]*demand.Demand, error) {
	return s.listIndex(ctx, realtime.TeamDemandsKey(s.instanceName, teamID))
}

// ListByBoard returns every demand shown on a board, oldest first.
func (s *Store) ListByBoard(ctx context.Context, boardID string) ([]*demand.Demand, error) {
	return s.listIndex(ctx, realtime.BoardDemandsKey(s.instanceName, boardID))
}

func (s *Store) listIndex(ctx context.Context, indexKey string) ([]*demand.Demand, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", indexKey, err)
	}
	if len(ids) == 0 {
		return []*demand.Demand{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, realtime.DemandKey(s.instanceName, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read indexed demands: %w", err)
	}

	demands := make([]*demand.Demand, 0, len(ids))
	for i, cmd := range cmds {
		hash := cmd.Val()
		if len(hash) == 0 {
			// Index entry outlived its demand; skip it
			log.Printf("[Store] index %s references missing demand %s", indexKey, ids[i])
			continue
		}
		d, err := demand.FromHash(hash)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize demand %s: %w", ids[i], err)
		}
		demands = append(demands, d)
	}

	sort.Slice(demands, func(i, j int) bool {
		if demands[i].CreatedAtMs != demands[j].CreatedAtMs {
			return demands[i].CreatedAtMs < demands[j].CreatedAtMs
		}
		return demands[i].ID < demands[j].ID
	})

	return demands, nil
}

// ListRunning returns the demands of a team whose timer is running.
func (s *Store) ListRunning(ctx context.Context, teamID string) ([]*demand.Demand, error) {
	all, err := s.ListByTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}

	running := make([]*demand.Demand, 0, 1)
	for _, d := range all {
		if d.Timer.Running() {
			running = append(running, d)
		}
	}
	return running, nil
}

// StartTimer sets the running anchor of a demand. The accumulated seconds
// are left untouched.
func (s *Store) StartTimer(ctx context.Context, demandID string, at time.Time) error {
	return s.writeTimer(ctx, demandID, func(d *demand.Demand) {
		anchor := time.UnixMilli(at.UnixMilli())
		d.Timer.LastStartedAt = &anchor
	})
}

// PauseTimer stores the accumulated seconds and clears the running anchor.
// Re-applying the same pause is harmless.
func (s *Store) PauseTimer(ctx context.Context, demandID string, seconds int64) error {
	if seconds < 0 {
		return &WriteError{Code: CodeInvalidInput, Message: fmt.Sprintf("time_in_progress_seconds must be >= 0, got %d", seconds)}
	}
	return s.writeTimer(ctx, demandID, func(d *demand.Demand) {
		d.Timer.LastStartedAt = nil
		d.Timer.TimeInProgressSeconds = seconds
	})
}

func (s *Store) writeTimer(ctx context.Context, demandID string, mutate func(*demand.Demand)) error {
	d, err := s.Get(ctx, demandID)
	if err != nil {
		if IsNotFound(err) {
			return notFound(demandID)
		}
		return unavailable("load demand", err)
	}

	mutate(d)
	d.UpdatedAtMs = s.now().UnixMilli()

	err = s.rdb.HSet(ctx, realtime.DemandKey(s.instanceName, demandID),
		"last_started_at_ms", demand.FormatStartedAt(d.Timer.LastStartedAt),
		"time_in_progress_seconds", d.Timer.TimeInProgressSeconds,
		"updated_at_ms", d.UpdatedAtMs,
	).Err()
	if err != nil {
		return unavailable("write timer", err)
	}

	s.announce(ctx, realtime.ChangeUpdate, d)
	return nil
}

// ScanIDs returns the ids of demands whose id starts with prefix.
func (s *Store) ScanIDs(ctx context.Context, prefix string) ([]string, error) {
	pattern := realtime.DemandKeyPattern(s.instanceName, prefix)
	keyPrefix := realtime.DemandKey(s.instanceName, "")

	var ids []string
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan demands: %w", err)
	}

	sort.Strings(ids)
	return ids, nil
}

// announce publishes a row change for an acknowledged write. A publish
// failure does not fail the write: the row is durable and readers converge
// on their next refetch.
func (s *Store) announce(ctx context.Context, kind realtime.ChangeKind, d *demand.Demand) {
	if s.publisher == nil {
		return
	}

	change := &realtime.RowChange{
		Table:         demand.Table,
		Kind:          kind,
		RowID:         d.ID,
		Columns:       d.Columns(),
		CommittedAtMs: d.UpdatedAtMs,
	}
	if err := s.publisher.PublishRowChange(ctx, change); err != nil {
		log.Printf("[Store] Failed to publish %s for demand %s: %v", kind, d.ID, err)
	}
}
