package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// maxDependenciesPerFeature caps the dependency list so a single feature
// cannot reference an unbounded slice of the backlog.
const maxDependenciesPerFeature = 16

// Feature is a unit of work in a project's backlog, identified by a
// project-scoped integer ID. IDs are strictly increasing per project and
// never reused, even after delete.
type Feature struct {
	Project      string    `json:"project"`
	ID           int64     `json:"id"`
	Priority     int64     `json:"priority"`
	Category     string    `json:"category"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Steps        []string  `json:"steps"`
	Dependencies []int64   `json:"dependencies"`
	Passes       bool      `json:"passes"`
	InProgress   bool      `json:"in_progress"`
	ClaimedBy    string    `json:"claimed_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Blocked and BlockingDependencies are derived from the rest of the
	// project when a listing computes them; they are never persisted.
	Blocked              bool    `json:"blocked"`
	BlockingDependencies []int64 `json:"blocking_dependencies,omitempty"`
}

// CreateSpec describes a feature to insert. The feature ID and, unless
// Priority is set, the priority slot are assigned by the allocator.
type CreateSpec struct {
	Category     string   `json:"category" validate:"required,max=120"`
	Name         string   `json:"name" validate:"required,max=255"`
	Description  string   `json:"description"`
	Steps        []string `json:"steps" validate:"dive,required"`
	Dependencies []int64  `json:"dependencies" validate:"omitempty,max=16,dive,gt=0"`
	Priority     *int64   `json:"priority" validate:"omitempty,gte=0"`
}

// UpdateSpec is a partial update: nil fields are left unchanged. Project and
// feature ID are immutable and have no place here.
type UpdateSpec struct {
	Category     *string   `json:"category" validate:"omitempty,max=120"`
	Name         *string   `json:"name" validate:"omitempty,max=255"`
	Description  *string   `json:"description"`
	Steps        *[]string `json:"steps" validate:"omitempty,dive,required"`
	Dependencies *[]int64  `json:"dependencies" validate:"omitempty,max=16,dive,gt=0"`
	Priority     *int64    `json:"priority" validate:"omitempty,gte=0"`
	Passes       *bool     `json:"passes"`
	InProgress   *bool     `json:"in_progress"`
}

var validate = validator.New()

// ValidateSpec checks validation tags on a create or update spec and folds
// failures into ErrValidation so callers see a single error family.
func ValidateSpec(spec any) error {
	if err := validate.Struct(spec); err != nil {
		var msgs []string
		for _, fe := range err.(validator.ValidationErrors) {
			msgs = append(msgs, fmt.Sprintf("field %s failed %q", fe.Field(), fe.Tag()))
		}
		return validationf("%s", strings.Join(msgs, "; "))
	}
	return nil
}

// featureColumns is the SELECT list shared by every feature query.
const featureColumns = `project_id, feature_id, priority, category, name, description,
	steps, dependencies, passes, in_progress, COALESCE(claimed_by, ''), created_at, updated_at`

// scanFeature reads one feature row. The steps and dependencies columns hold
// JSON arrays; NULL means empty.
func scanFeature(row interface{ Scan(...any) error }) (*Feature, error) {
	var f Feature
	var steps, deps sql.NullString
	err := row.Scan(&f.Project, &f.ID, &f.Priority, &f.Category, &f.Name, &f.Description,
		&steps, &deps, &f.Passes, &f.InProgress, &f.ClaimedBy, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if steps.Valid && steps.String != "" {
		if err := json.Unmarshal([]byte(steps.String), &f.Steps); err != nil {
			return nil, fmt.Errorf("corrupt steps for feature %d: %w", f.ID, err)
		}
	}
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &f.Dependencies); err != nil {
			return nil, fmt.Errorf("corrupt dependencies for feature %d: %w", f.ID, err)
		}
	}
	return &f, nil
}

// encodeList marshals a list column, storing NULL for empty lists the way the
// dependency cleanup expects.
func encodeList[T any](list []T) any {
	if len(list) == 0 {
		return nil
	}
	data, _ := json.Marshal(list)
	return string(data)
}

// annotateBlocked fills the derived Blocked/BlockingDependencies fields from
// the set of passing feature IDs. Dependencies pointing at deleted features
// are treated as satisfied.
func annotateBlocked(f *Feature, passing map[int64]bool, existing map[int64]bool) {
	var blocking []int64
	for _, dep := range f.Dependencies {
		if !existing[dep] {
			continue // stale reference, auto-satisfied
		}
		if !passing[dep] {
			blocking = append(blocking, dep)
		}
	}
	f.Blocked = len(blocking) > 0
	f.BlockingDependencies = blocking
}
