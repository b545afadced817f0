// Package jobstore is the optional persisted-reporting twin of
// internal/orchestrator's in-memory Job/Task model. It records
// terminal states (spec.md data model: "terminal states are
// persistent for reporting") so a crashed orchestrator run can still
// be inspected afterward. The orchestrator never reads from the store
// to make scheduling decisions; writes are a side channel.
package jobstore

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tuzaix/replace-video-bgm-sub000/internal/orchestrator"
)

// JobRecord is the persisted twin of orchestrator.Job.
type JobRecord struct {
	ID        string `gorm:"primaryKey" json:"id"`
	Phase     string `json:"phase"`
	StartedAt time.Time `gorm:"index" json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Total     int    `json:"total"`
	OK        int    `json:"ok"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
	// Tasks holds a JSON-encoded []TaskRecord blob, following
	// TranscodeSession's pattern of storing variable-shape nested data
	// as a text column rather than a join table.
	Tasks string `gorm:"type:text" json:"-"`
}

// TableName pins JobRecord to a stable table name.
func (JobRecord) TableName() string {
	return "jobs"
}

// TaskRecord is one task's terminal state within a JobRecord, decoded
// from the Tasks JSON blob.
type TaskRecord struct {
	ID              string `json:"id"`
	CanonicalOutput string `json:"canonical_output"`
	State           string `json:"state"`
	OutputPath      string `json:"output_path,omitempty"`
	DurationS       float64 `json:"duration_s,omitempty"`
	SizeBytes       int64   `json:"size_bytes,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// GetTasks decodes the Tasks JSON blob.
func (j *JobRecord) GetTasks() ([]TaskRecord, error) {
	if j.Tasks == "" {
		return nil, nil
	}
	var out []TaskRecord
	if err := json.Unmarshal([]byte(j.Tasks), &out); err != nil {
		return nil, fmt.Errorf("decode job tasks: %w", err)
	}
	return out, nil
}

// SetTasks encodes tasks into the Tasks JSON blob.
func (j *JobRecord) SetTasks(tasks []TaskRecord) error {
	data, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("encode job tasks: %w", err)
	}
	j.Tasks = string(data)
	return nil
}

// Store persists Job/Task terminal state via gorm.
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by dbType/dsn and migrates the
// jobs table. dbType is "sqlite" (default) or "postgres", mirroring
// the DATABASE_TYPE switch the pack's teacher application uses for its
// own persistence layer.
func Open(dbType, dsn string) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		SkipDefaultTransaction: true,
	}

	var dialector gorm.Dialector
	switch dbType {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		if dsn == "" {
			dsn = "jobstore.db"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported jobstore database type %q", dbType)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("open jobstore database: %w", err)
	}
	if err := db.AutoMigrate(&JobRecord{}); err != nil {
		return nil, fmt.Errorf("migrate jobstore schema: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenFromEnv mirrors the teacher's JOBSTORE_TYPE/JOBSTORE_DSN env
// convention, defaulting to a local sqlite file when unset.
func OpenFromEnv() (*Store, error) {
	dbType := os.Getenv("JOBSTORE_TYPE")
	dsn := os.Getenv("JOBSTORE_DSN")
	return Open(dbType, dsn)
}

// Record writes a terminal JobRecord built from a completed
// orchestrator.Job and its Summary. startedAt/endedAt bracket the run;
// callers own timing since the orchestrator itself does not track it.
func (s *Store) Record(job orchestrator.Job, summary orchestrator.Summary, startedAt, endedAt time.Time) error {
	rec := JobRecord{
		ID:        job.ID,
		Phase:     job.Phase,
		StartedAt: startedAt,
		EndedAt:   &endedAt,
		Total:     summary.Total,
		OK:        summary.OK,
		Failed:    summary.Failed,
		Cancelled: summary.Cancelled,
	}

	tasks := make([]TaskRecord, 0, len(job.Tasks))
	for _, t := range job.Tasks {
		tasks = append(tasks, TaskRecord{
			ID:              t.ID,
			CanonicalOutput: t.CanonicalOutput,
			State:           string(t.State()),
		})
	}
	if err := rec.SetTasks(tasks); err != nil {
		return err
	}

	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("save job record %s: %w", job.ID, err)
	}
	return nil
}

// Get fetches a job's terminal record by ID.
func (s *Store) Get(id string) (*JobRecord, error) {
	var rec JobRecord
	if err := s.db.First(&rec, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("get job record %s: %w", id, err)
	}
	return &rec, nil
}

// List returns job records ordered by most recent start first.
func (s *Store) List(limit int) ([]JobRecord, error) {
	var recs []JobRecord
	q := s.db.Order("started_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list job records: %w", err)
	}
	return recs, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
