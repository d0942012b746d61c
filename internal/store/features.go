package store

import (
	"database/sql"
	"errors"
	"log/slog"
	"sort"

	"github.com/Xaheen-ai/autoforge/internal/graph"
	"github.com/Xaheen-ai/autoforge/internal/logging"
)

// CreateFeature inserts a single feature. The allocator assigns the next
// feature ID for the project and, unless spec.Priority is set, the next
// priority slot. Dependencies must reference existing features in the same
// project.
func (s *Store) CreateFeature(project string, spec CreateSpec) (*Feature, error) {
	features, err := s.CreateFeaturesBulk(project, []CreateSpec{spec}, nil)
	if err != nil {
		return nil, err
	}
	return features[0], nil
}

// CreateFeaturesBulk inserts several features in one transaction, reserving a
// contiguous block of feature IDs and priority slots. If startingPriority is
// non-nil it seeds the priority block instead of max+1; per-spec Priority
// overrides win over both. Dependencies may reference existing features or
// IDs inside the block being created. Either every feature is persisted or
// none are.
func (s *Store) CreateFeaturesBulk(project string, specs []CreateSpec, startingPriority *int64) ([]*Feature, error) {
	if project == "" {
		return nil, validationf("project is required")
	}
	if len(specs) == 0 {
		return []*Feature{}, nil
	}
	for i := range specs {
		if err := ValidateSpec(specs[i]); err != nil {
			return nil, err
		}
	}

	var created []*Feature
	err := s.withTx(func(tx *sql.Tx) error {
		created = created[:0]

		current, err := s.loadProjectTx(tx, project)
		if err != nil {
			return err
		}

		lastID, err := s.lastIDTx(tx, project, current)
		if err != nil {
			return err
		}

		var maxPriority int64
		existing := make(map[int64]bool, len(current)+len(specs))
		for _, f := range current {
			existing[f.ID] = true
			if f.Priority > maxPriority {
				maxPriority = f.Priority
			}
		}

		nextPriority := maxPriority + 1
		if startingPriority != nil {
			nextPriority = *startingPriority
		}

		// IDs in the reserved block are valid dependency targets for the
		// batch itself (bulk plans commonly chain their own features).
		for i := range specs {
			existing[lastID+1+int64(i)] = true
		}

		type pendingFeature struct {
			id       int64
			priority int64
			deps     []int64
		}
		pending := make([]pendingFeature, 0, len(specs))
		for i := range specs {
			spec := specs[i]
			id := lastID + 1 + int64(i)

			priority := nextPriority
			nextPriority++
			if spec.Priority != nil {
				priority = *spec.Priority
			}

			deps, err := normalizeDeps(id, spec.Dependencies, existing)
			if err != nil {
				return err
			}
			pending = append(pending, pendingFeature{id: id, priority: priority, deps: deps})
		}

		// Intra-batch references may chain in either direction, so the cycle
		// check covers stored rows and the whole pending block together.
		nodes := make([]graph.Node, 0, len(current)+len(pending))
		for _, f := range current {
			nodes = append(nodes, graph.Node{ID: f.ID, Priority: f.Priority, Deps: f.Dependencies})
		}
		for _, p := range pending {
			nodes = append(nodes, graph.Node{ID: p.id, Priority: p.priority, Deps: p.deps})
		}
		if cycle := graph.Build(nodes).DetectCycle(); cycle != nil {
			return &graph.CycleError{Nodes: cycle}
		}

		for i, p := range pending {
			spec := specs[i]
			_, err := tx.Exec(`
				INSERT INTO features (project_id, feature_id, priority, category, name, description, steps, dependencies)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, project, p.id, p.priority, spec.Category, spec.Name, spec.Description,
				encodeList(spec.Steps), encodeList(p.deps))
			if err != nil {
				return err
			}

			f, err := s.getFeatureTx(tx, project, p.id)
			if err != nil {
				return err
			}
			created = append(created, f)
		}

		return s.recordLastIDTx(tx, project, pending[len(pending)-1].id)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// lastIDTx returns the allocation base for new feature IDs: the highest ID
// ever issued in the project. After deletes this can exceed the highest
// stored row, so the watermark table is consulted alongside current rows.
func (s *Store) lastIDTx(tx *sql.Tx, project string, current []*Feature) (int64, error) {
	var last int64
	err := tx.QueryRow(`
		SELECT last_feature_id FROM feature_sequences WHERE project_id = ?
	`, project).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	for _, f := range current {
		if f.ID > last {
			last = f.ID
		}
	}
	return last, nil
}

// recordLastIDTx advances the project's ID watermark so deleted IDs are never
// handed out again.
func (s *Store) recordLastIDTx(tx *sql.Tx, project string, last int64) error {
	_, err := tx.Exec(`
		INSERT INTO feature_sequences (project_id, last_feature_id) VALUES (?, ?)
		ON CONFLICT(project_id) DO UPDATE SET last_feature_id = excluded.last_feature_id
	`, project, last)
	return err
}

// GetFeature retrieves a single feature with derived blocked state.
func (s *Store) GetFeature(project string, id int64) (*Feature, error) {
	all, err := s.ListFeatures(project)
	if err != nil {
		return nil, err
	}
	for _, f := range all {
		if f.ID == id {
			return f, nil
		}
	}
	return nil, notFoundf("feature %d in project %q", id, project)
}

// ListFeatures returns all features for a project ordered by priority
// ascending, ties broken by feature ID ascending. Blocked state is computed
// against the current passing set.
func (s *Store) ListFeatures(project string) ([]*Feature, error) {
	rows, err := s.db.Query(`
		SELECT `+featureColumns+`
		FROM features WHERE project_id = ?
		ORDER BY priority ASC, feature_id ASC
	`, project)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var features []*Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	passing := make(map[int64]bool, len(features))
	existing := make(map[int64]bool, len(features))
	for _, f := range features {
		existing[f.ID] = true
		if f.Passes {
			passing[f.ID] = true
		}
	}
	for _, f := range features {
		annotateBlocked(f, passing, existing)
	}
	return features, nil
}

// GroupedFeatures buckets a project's backlog by state for board-style
// consumers, each bucket priority-ordered.
type GroupedFeatures struct {
	Pending    []*Feature `json:"pending"`
	InProgress []*Feature `json:"in_progress"`
	Done       []*Feature `json:"done"`
}

// ListFeaturesGrouped returns the backlog split into pending, in-progress,
// and done buckets.
func (s *Store) ListFeaturesGrouped(project string) (*GroupedFeatures, error) {
	all, err := s.ListFeatures(project)
	if err != nil {
		return nil, err
	}
	grouped := &GroupedFeatures{
		Pending:    []*Feature{},
		InProgress: []*Feature{},
		Done:       []*Feature{},
	}
	for _, f := range all {
		switch {
		case f.Passes:
			grouped.Done = append(grouped.Done, f)
		case f.InProgress:
			grouped.InProgress = append(grouped.InProgress, f)
		default:
			grouped.Pending = append(grouped.Pending, f)
		}
	}
	return grouped, nil
}

// UpdateFeature applies a partial update. Completed features reject edits
// unless the update itself clears the passes flag. Dependency changes go
// through the same validation as SetDependencies, including the write-time
// cycle check.
func (s *Store) UpdateFeature(project string, id int64, spec UpdateSpec) (*Feature, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}

	var updated *Feature
	err := s.withTx(func(tx *sql.Tx) error {
		f, err := s.getFeatureTx(tx, project, id)
		if err != nil {
			return err
		}

		reopening := spec.Passes != nil && !*spec.Passes
		if f.Passes && !reopening {
			return validationf("cannot edit completed feature %d", id)
		}

		if spec.Category != nil {
			f.Category = *spec.Category
		}
		if spec.Name != nil {
			f.Name = *spec.Name
		}
		if spec.Description != nil {
			f.Description = *spec.Description
		}
		if spec.Steps != nil {
			f.Steps = *spec.Steps
		}
		if spec.Priority != nil {
			f.Priority = *spec.Priority
		}
		if spec.Passes != nil {
			f.Passes = *spec.Passes
		}
		if spec.InProgress != nil {
			f.InProgress = *spec.InProgress
			if !f.InProgress {
				f.ClaimedBy = ""
			}
		}
		if spec.Dependencies != nil {
			deps, err := s.validateDependencySetTx(tx, project, id, *spec.Dependencies)
			if err != nil {
				return err
			}
			f.Dependencies = deps
		}

		var claimedBy any
		if f.ClaimedBy != "" {
			claimedBy = f.ClaimedBy
		}
		_, err = tx.Exec(`
			UPDATE features
			SET priority = ?, category = ?, name = ?, description = ?, steps = ?,
				dependencies = ?, passes = ?, in_progress = ?, claimed_by = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE project_id = ? AND feature_id = ?
		`, f.Priority, f.Category, f.Name, f.Description, encodeList(f.Steps),
			encodeList(f.Dependencies), f.Passes, f.InProgress, claimedBy, project, id)
		if err != nil {
			return err
		}

		updated, err = s.getFeatureTx(tx, project, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteFeature removes a feature and synchronously strips its ID from every
// sibling's dependency list, so a reader never observes a dangling reference.
// Returns the IDs of features whose lists were cleaned. Deleting an absent
// feature returns ErrNotFound; the cleanup itself is idempotent.
func (s *Store) DeleteFeature(project string, id int64) ([]int64, error) {
	var affected []int64
	err := s.withTx(func(tx *sql.Tx) error {
		affected = affected[:0]

		res, err := tx.Exec(`DELETE FROM features WHERE project_id = ? AND feature_id = ?`, project, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFoundf("feature %d in project %q", id, project)
		}

		siblings, err := s.loadProjectTx(tx, project)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			cleaned := sib.Dependencies[:0:0]
			removed := false
			for _, dep := range sib.Dependencies {
				if dep == id {
					removed = true
					continue
				}
				cleaned = append(cleaned, dep)
			}
			if !removed {
				continue
			}
			_, err := tx.Exec(`
				UPDATE features SET dependencies = ?, updated_at = CURRENT_TIMESTAMP
				WHERE project_id = ? AND feature_id = ?
			`, encodeList(cleaned), project, sib.ID)
			if err != nil {
				return err
			}
			affected = append(affected, sib.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(affected) > 0 {
		logging.WithComponent("store").Info("cleaned dependency references after delete",
			slog.String("project", project),
			slog.Int64("feature_id", id),
			slog.Any("affected", affected))
	}
	return affected, nil
}

// SkipFeature pushes a feature to the back of the queue by reassigning its
// priority to the current project maximum plus one.
func (s *Store) SkipFeature(project string, id int64) (*Feature, error) {
	var skipped *Feature
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := s.getFeatureTx(tx, project, id); err != nil {
			return err
		}

		var maxPriority int64
		row := tx.QueryRow(`SELECT COALESCE(MAX(priority), 0) FROM features WHERE project_id = ?`, project)
		if err := row.Scan(&maxPriority); err != nil {
			return err
		}

		_, err := tx.Exec(`
			UPDATE features SET priority = ?, updated_at = CURRENT_TIMESTAMP
			WHERE project_id = ? AND feature_id = ?
		`, maxPriority+1, project, id)
		if err != nil {
			return err
		}

		skipped, err = s.getFeatureTx(tx, project, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return skipped, nil
}

// AddDependency records that feature id depends on depID. Both features must
// exist; self-dependencies, duplicates, and anything that would close a cycle
// are rejected.
func (s *Store) AddDependency(project string, id, depID int64) (*Feature, error) {
	if id == depID {
		return nil, validationf("feature %d cannot depend on itself", id)
	}

	var updated *Feature
	err := s.withTx(func(tx *sql.Tx) error {
		f, err := s.getFeatureTx(tx, project, id)
		if err != nil {
			return err
		}
		if _, err := s.getFeatureTx(tx, project, depID); err != nil {
			return err
		}
		for _, dep := range f.Dependencies {
			if dep == depID {
				return validationf("feature %d already depends on %d", id, depID)
			}
		}
		if len(f.Dependencies) >= maxDependenciesPerFeature {
			return validationf("feature %d exceeds %d dependencies", id, maxDependenciesPerFeature)
		}

		deps := append(append([]int64(nil), f.Dependencies...), depID)
		sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
		if err := s.checkNoCycleTx(tx, project, id, deps); err != nil {
			return err
		}

		_, err = tx.Exec(`
			UPDATE features SET dependencies = ?, updated_at = CURRENT_TIMESTAMP
			WHERE project_id = ? AND feature_id = ?
		`, encodeList(deps), project, id)
		if err != nil {
			return err
		}

		updated, err = s.getFeatureTx(tx, project, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RemoveDependency drops depID from a feature's dependency list. Removing a
// dependency that is not present is a validation error.
func (s *Store) RemoveDependency(project string, id, depID int64) (*Feature, error) {
	var updated *Feature
	err := s.withTx(func(tx *sql.Tx) error {
		f, err := s.getFeatureTx(tx, project, id)
		if err != nil {
			return err
		}

		deps := f.Dependencies[:0:0]
		found := false
		for _, dep := range f.Dependencies {
			if dep == depID {
				found = true
				continue
			}
			deps = append(deps, dep)
		}
		if !found {
			return validationf("feature %d does not depend on %d", id, depID)
		}

		_, err = tx.Exec(`
			UPDATE features SET dependencies = ?, updated_at = CURRENT_TIMESTAMP
			WHERE project_id = ? AND feature_id = ?
		`, encodeList(deps), project, id)
		if err != nil {
			return err
		}

		updated, err = s.getFeatureTx(tx, project, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetDependencies replaces a feature's dependency list wholesale after full
// validation: no self-reference, no duplicates, every target exists, and the
// resulting graph stays acyclic.
func (s *Store) SetDependencies(project string, id int64, depIDs []int64) (*Feature, error) {
	var updated *Feature
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := s.getFeatureTx(tx, project, id); err != nil {
			return err
		}

		deps, err := s.validateDependencySetTx(tx, project, id, depIDs)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			UPDATE features SET dependencies = ?, updated_at = CURRENT_TIMESTAMP
			WHERE project_id = ? AND feature_id = ?
		`, encodeList(deps), project, id)
		if err != nil {
			return err
		}

		updated, err = s.getFeatureTx(tx, project, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// validateDependencySetTx validates a replacement dependency list and runs
// the write-time cycle check. Returns the sorted list to persist.
func (s *Store) validateDependencySetTx(tx *sql.Tx, project string, id int64, depIDs []int64) ([]int64, error) {
	if len(depIDs) > maxDependenciesPerFeature {
		return nil, validationf("feature %d exceeds %d dependencies", id, maxDependenciesPerFeature)
	}

	seen := make(map[int64]bool, len(depIDs))
	for _, dep := range depIDs {
		if dep == id {
			return nil, validationf("feature %d cannot depend on itself", id)
		}
		if seen[dep] {
			return nil, validationf("duplicate dependency %d", dep)
		}
		seen[dep] = true
	}

	existing := make(map[int64]bool)
	rows, err := tx.Query(`SELECT feature_id FROM features WHERE project_id = ?`, project)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var fid int64
		if err := rows.Scan(&fid); err != nil {
			_ = rows.Close()
			return nil, err
		}
		existing[fid] = true
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for _, dep := range depIDs {
		if !existing[dep] {
			return nil, validationf("dependency %d not found in project %q", dep, project)
		}
	}

	deps := append([]int64(nil), depIDs...)
	sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
	if err := s.checkNoCycleTx(tx, project, id, deps); err != nil {
		return nil, err
	}
	return deps, nil
}

// checkNoCycleTx rejects a prospective dependency list for feature id if the
// resulting project graph would contain a cycle.
func (s *Store) checkNoCycleTx(tx *sql.Tx, project string, id int64, deps []int64) error {
	features, err := s.loadProjectTx(tx, project)
	if err != nil {
		return err
	}

	nodes := make([]graph.Node, 0, len(features))
	for _, f := range features {
		n := graph.Node{ID: f.ID, Priority: f.Priority, Deps: f.Dependencies}
		if f.ID == id {
			n.Deps = deps
		}
		nodes = append(nodes, n)
	}

	if cycle := graph.Build(nodes).DetectCycle(); cycle != nil {
		return &graph.CycleError{Nodes: cycle}
	}
	return nil
}

// normalizeDeps validates dependency IDs supplied at create time against the
// set of valid targets, dedupes, and returns them sorted.
func normalizeDeps(id int64, depIDs []int64, existing map[int64]bool) ([]int64, error) {
	if len(depIDs) == 0 {
		return nil, nil
	}
	seen := make(map[int64]bool, len(depIDs))
	var deps []int64
	for _, dep := range depIDs {
		if dep == id {
			return nil, validationf("feature %d cannot depend on itself", id)
		}
		if !existing[dep] {
			return nil, validationf("dependency %d not found", dep)
		}
		if seen[dep] {
			continue
		}
		seen[dep] = true
		deps = append(deps, dep)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
	return deps, nil
}

// getFeatureTx reads one feature inside a transaction.
func (s *Store) getFeatureTx(tx *sql.Tx, project string, id int64) (*Feature, error) {
	row := tx.QueryRow(`
		SELECT `+featureColumns+`
		FROM features WHERE project_id = ? AND feature_id = ?
	`, project, id)
	f, err := scanFeature(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundf("feature %d in project %q", id, project)
	}
	return f, err
}

// loadProjectTx reads every feature in a project inside a transaction,
// ordered by priority then ID.
func (s *Store) loadProjectTx(tx *sql.Tx, project string) ([]*Feature, error) {
	rows, err := tx.Query(`
		SELECT `+featureColumns+`
		FROM features WHERE project_id = ?
		ORDER BY priority ASC, feature_id ASC
	`, project)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var features []*Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, rows.Err()
}
