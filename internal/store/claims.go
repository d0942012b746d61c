package store

import (
	"database/sql"
	"log/slog"
	"sort"

	"github.com/Xaheen-ai/autoforge/internal/graph"
	"github.com/Xaheen-ai/autoforge/internal/logging"
)

// cycleMembers computes the set of feature IDs caught in a dependency cycle,
// over the full project graph including completed features.
func cycleMembers(all []*Feature) map[int64]bool {
	nodes := make([]graph.Node, 0, len(all))
	for _, f := range all {
		nodes = append(nodes, graph.Node{ID: f.ID, Priority: f.Priority, Deps: f.Dependencies})
	}
	members := make(map[int64]bool)
	for _, id := range graph.Build(nodes).CycleMembers() {
		members[id] = true
	}
	return members
}

// Outcome is the result a worker reports when releasing a claim.
type Outcome string

const (
	// OutcomePassed marks the feature verified complete.
	OutcomePassed Outcome = "passed"
	// OutcomeFailed returns the feature to the ready pool.
	OutcomeFailed Outcome = "failed"
)

// GetReady returns the features currently eligible to run: not passing, not
// in progress, with every live dependency passed. Dependencies pointing at
// deleted features are treated as satisfied and logged. The result is ordered
// by priority ascending, ties by feature ID ascending — the same tie-break
// the topological order uses, so ready-set membership and execution order
// agree. Features caught in a dependency cycle are never ready: their
// dependencies can never all pass.
func (s *Store) GetReady(project string) ([]*Feature, error) {
	all, err := s.ListFeatures(project)
	if err != nil {
		return nil, err
	}
	return readyFrom(project, all), nil
}

// readyFrom filters a priority-ordered feature list down to the ready set.
func readyFrom(project string, all []*Feature) []*Feature {
	passing := make(map[int64]bool, len(all))
	existing := make(map[int64]bool, len(all))
	for _, f := range all {
		existing[f.ID] = true
		if f.Passes {
			passing[f.ID] = true
		}
	}
	inCycle := cycleMembers(all)

	ready := []*Feature{}
	for _, f := range all {
		if f.Passes || f.InProgress {
			continue
		}
		if inCycle[f.ID] {
			// Cycles are rejected at write time, but a row that slipped
			// through must stay out of the ready pool until an operator
			// breaks the cycle.
			continue
		}
		eligible := true
		for _, dep := range f.Dependencies {
			if !existing[dep] {
				logging.WithComponent("store").Warn("dependency references deleted feature, treating as satisfied",
					slog.String("project", project),
					slog.Int64("feature_id", f.ID),
					slog.Int64("dependency", dep))
				continue
			}
			if !passing[dep] {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, f)
		}
	}

	// ListFeatures already orders by (priority, id); keep the sort explicit
	// so the claim coordinator's contract does not lean on a query detail.
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// ClaimFeature atomically claims a feature for a worker. The readiness check
// and the in_progress flip happen in one transaction: concurrent claimers of
// the same feature see exactly one success, everyone else gets ErrConflict.
func (s *Store) ClaimFeature(project string, id int64, worker string) (*Feature, error) {
	var claimed *Feature
	err := s.withTx(func(tx *sql.Tx) error {
		f, err := s.claimTx(tx, project, id, worker)
		if err != nil {
			return err
		}
		claimed = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.WithComponent("store").Info("feature claimed",
		slog.String("project", project),
		slog.Int64("feature_id", id),
		slog.String("worker", worker))
	return claimed, nil
}

// ClaimNext claims the highest-priority ready feature in one transaction.
// Returns ErrNotFound when nothing is ready.
func (s *Store) ClaimNext(project string, worker string) (*Feature, error) {
	var claimed *Feature
	err := s.withTx(func(tx *sql.Tx) error {
		all, err := s.loadProjectTx(tx, project)
		if err != nil {
			return err
		}
		ready := readyFrom(project, all)
		if len(ready) == 0 {
			return notFoundf("no ready features in project %q", project)
		}
		f, err := s.claimTx(tx, project, ready[0].ID, worker)
		if err != nil {
			return err
		}
		claimed = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.WithComponent("store").Info("next ready feature claimed",
		slog.String("project", project),
		slog.Int64("feature_id", claimed.ID),
		slog.String("worker", worker))
	return claimed, nil
}

// claimTx re-reads the feature inside the transaction, verifies it is still
// ready, and flips in_progress. The UPDATE repeats the guard so the flip can
// only land on an unclaimed, unfinished row.
func (s *Store) claimTx(tx *sql.Tx, project string, id int64, worker string) (*Feature, error) {
	f, err := s.getFeatureTx(tx, project, id)
	if err != nil {
		return nil, err
	}
	if f.Passes {
		return nil, conflictf("feature %d already completed", id)
	}
	if f.InProgress {
		return nil, conflictf("feature %d already claimed by %q", id, f.ClaimedBy)
	}

	all, err := s.loadProjectTx(tx, project)
	if err != nil {
		return nil, err
	}
	passing := make(map[int64]bool, len(all))
	existing := make(map[int64]bool, len(all))
	for _, other := range all {
		existing[other.ID] = true
		if other.Passes {
			passing[other.ID] = true
		}
	}
	for _, dep := range f.Dependencies {
		if existing[dep] && !passing[dep] {
			return nil, conflictf("feature %d not ready: dependency %d has not passed", id, dep)
		}
	}
	if cycleMembers(all)[id] {
		return nil, conflictf("feature %d is part of a dependency cycle", id)
	}

	res, err := tx.Exec(`
		UPDATE features
		SET in_progress = TRUE, claimed_by = ?, updated_at = CURRENT_TIMESTAMP
		WHERE project_id = ? AND feature_id = ? AND in_progress = FALSE AND passes = FALSE
	`, worker, project, id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, conflictf("feature %d claimed concurrently", id)
	}

	return s.getFeatureTx(tx, project, id)
}

// ReleaseFeature ends a claim. OutcomePassed marks the feature complete;
// OutcomeFailed returns it to the ready pool. Retry limits are the caller's
// policy, not the store's. Releasing an unclaimed feature is a conflict.
func (s *Store) ReleaseFeature(project string, id int64, outcome Outcome) (*Feature, error) {
	if outcome != OutcomePassed && outcome != OutcomeFailed {
		return nil, validationf("unknown outcome %q", outcome)
	}

	var released *Feature
	err := s.withTx(func(tx *sql.Tx) error {
		f, err := s.getFeatureTx(tx, project, id)
		if err != nil {
			return err
		}
		if !f.InProgress {
			return conflictf("feature %d is not claimed", id)
		}

		passes := f.Passes
		if outcome == OutcomePassed {
			passes = true
		}
		_, err = tx.Exec(`
			UPDATE features
			SET passes = ?, in_progress = FALSE, claimed_by = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE project_id = ? AND feature_id = ?
		`, passes, project, id)
		if err != nil {
			return err
		}

		released, err = s.getFeatureTx(tx, project, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.WithComponent("store").Info("feature released",
		slog.String("project", project),
		slog.Int64("feature_id", id),
		slog.String("outcome", string(outcome)))
	return released, nil
}
