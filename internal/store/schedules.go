package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// maxSchedulesPerProject bounds schedule rows so a runaway client cannot
// flood the cron runner.
const maxSchedulesPerProject = 50

// Schedule is a per-project recurring window during which the agent runtime
// is invoked against the ready queue. It consumes the readiness query but
// carries no scheduling logic of its own.
type Schedule struct {
	ID              int64     `json:"id"`
	Project         string    `json:"project"`
	StartTime       string    `json:"start_time"` // "HH:MM", 24-hour
	DurationMinutes int       `json:"duration_minutes"`
	DaysOfWeek      []string  `json:"days_of_week"` // "mon".."sun"
	Enabled         bool      `json:"enabled"`
	YoloMode        bool      `json:"yolo_mode"`
	MaxConcurrency  int       `json:"max_concurrency"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ScheduleSpec describes a schedule to create or replace.
type ScheduleSpec struct {
	StartTime       string   `json:"start_time" validate:"required,len=5"`
	DurationMinutes int      `json:"duration_minutes" validate:"required,gt=0,lte=1440"`
	DaysOfWeek      []string `json:"days_of_week" validate:"required,min=1,dive,oneof=mon tue wed thu fri sat sun"`
	Enabled         bool     `json:"enabled"`
	YoloMode        bool     `json:"yolo_mode"`
	MaxConcurrency  int      `json:"max_concurrency" validate:"gte=0,lte=16"`
}

// CreateSchedule persists a new schedule for a project.
func (s *Store) CreateSchedule(project string, spec ScheduleSpec) (*Schedule, error) {
	if project == "" {
		return nil, validationf("project is required")
	}
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}
	if _, err := parseClock(spec.StartTime); err != nil {
		return nil, err
	}
	if spec.MaxConcurrency == 0 {
		spec.MaxConcurrency = 1
	}

	var created *Schedule
	err := s.withTx(func(tx *sql.Tx) error {
		var count int
		row := tx.QueryRow(`SELECT COUNT(*) FROM schedules WHERE project_id = ?`, project)
		if err := row.Scan(&count); err != nil {
			return err
		}
		if count >= maxSchedulesPerProject {
			return validationf("project %q already has %d schedules", project, maxSchedulesPerProject)
		}

		days, _ := json.Marshal(spec.DaysOfWeek)
		res, err := tx.Exec(`
			INSERT INTO schedules (project_id, start_time, duration_minutes, days_of_week, enabled, yolo_mode, max_concurrency)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, project, spec.StartTime, spec.DurationMinutes, string(days), spec.Enabled, spec.YoloMode, spec.MaxConcurrency)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		created, err = s.getScheduleTx(tx, project, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ListSchedules returns all schedules for a project ordered by start time.
func (s *Store) ListSchedules(project string) ([]*Schedule, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, start_time, duration_minutes, days_of_week, enabled, yolo_mode, max_concurrency, created_at, updated_at
		FROM schedules WHERE project_id = ? ORDER BY start_time ASC, id ASC
	`, project)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// ListAllSchedules returns every schedule across all projects. The schedule
// runner uses this to find active windows on each tick.
func (s *Store) ListAllSchedules() ([]*Schedule, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, start_time, duration_minutes, days_of_week, enabled, yolo_mode, max_concurrency, created_at, updated_at
		FROM schedules ORDER BY project_id ASC, start_time ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// UpdateSchedule replaces a schedule's settings.
func (s *Store) UpdateSchedule(project string, id int64, spec ScheduleSpec) (*Schedule, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}
	if _, err := parseClock(spec.StartTime); err != nil {
		return nil, err
	}
	if spec.MaxConcurrency == 0 {
		spec.MaxConcurrency = 1
	}

	var updated *Schedule
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := s.getScheduleTx(tx, project, id); err != nil {
			return err
		}
		days, _ := json.Marshal(spec.DaysOfWeek)
		_, err := tx.Exec(`
			UPDATE schedules
			SET start_time = ?, duration_minutes = ?, days_of_week = ?, enabled = ?, yolo_mode = ?, max_concurrency = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE project_id = ? AND id = ?
		`, spec.StartTime, spec.DurationMinutes, string(days), spec.Enabled, spec.YoloMode, spec.MaxConcurrency, project, id)
		if err != nil {
			return err
		}
		updated, err = s.getScheduleTx(tx, project, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(project string, id int64) error {
	res, err := s.db.Exec(`DELETE FROM schedules WHERE project_id = ? AND id = ?`, project, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFoundf("schedule %d in project %q", id, project)
	}
	return nil
}

func (s *Store) getScheduleTx(tx *sql.Tx, project string, id int64) (*Schedule, error) {
	row := tx.QueryRow(`
		SELECT id, project_id, start_time, duration_minutes, days_of_week, enabled, yolo_mode, max_concurrency, created_at, updated_at
		FROM schedules WHERE project_id = ? AND id = ?
	`, project, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundf("schedule %d in project %q", id, project)
	}
	return sched, err
}

func scanSchedule(row interface{ Scan(...any) error }) (*Schedule, error) {
	var sched Schedule
	var days string
	err := row.Scan(&sched.ID, &sched.Project, &sched.StartTime, &sched.DurationMinutes, &days,
		&sched.Enabled, &sched.YoloMode, &sched.MaxConcurrency, &sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(days), &sched.DaysOfWeek); err != nil {
		return nil, fmt.Errorf("corrupt days_of_week for schedule %d: %w", sched.ID, err)
	}
	return &sched, nil
}

// parseClock validates an "HH:MM" start time and returns minutes after
// midnight.
func parseClock(clock string) (int, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return 0, validationf("invalid start time %q, want HH:MM", clock)
	}
	return t.Hour()*60 + t.Minute(), nil
}
