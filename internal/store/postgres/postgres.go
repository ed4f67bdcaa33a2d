// Package postgres is the Postgres-backed Store implementation, grounded
// on the teacher's internal/db/database.go: database/sql + lib/pq, a
// tuned connection pool, and a migration step run once at startup.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/fleetforge/orchestrator/internal/models"
	"github.com/fleetforge/orchestrator/internal/store"
)

// Config mirrors the teacher's db.Config: a DSN plus pool tuning knobs.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store is a database/sql + lib/pq backed Store.
type Store struct {
	db *sql.DB
}

// New opens the database and tunes the connection pool the way the
// teacher's NewDatabase does (25 max open / 5 max idle / 5 min lifetime as
// defaults).
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the schema. Idempotent: every statement is CREATE ... IF
// NOT EXISTS, matching the teacher's additive-migration convention.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	node_id        TEXT PRIMARY KEY,
	name           TEXT UNIQUE NOT NULL,
	runtime_type   TEXT NOT NULL,
	status         TEXT NOT NULL,
	last_heartbeat TIMESTAMPTZ NOT NULL,
	capabilities   JSONB,
	allocatable    JSONB NOT NULL,
	allocated      JSONB NOT NULL,
	labels         JSONB,
	annotations    JSONB,
	taints         JSONB,
	unschedulable  BOOLEAN NOT NULL DEFAULT FALSE,
	connection_id  TEXT,
	registered_by  TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS packs (
	pack_id    TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	version    TEXT NOT NULL,
	runtime_tag TEXT NOT NULL,
	bundle_path TEXT,
	metadata   JSONB,
	owner_id   TEXT NOT NULL,
	visibility TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(name, version)
);

CREATE TABLE IF NOT EXISTS deployments (
	deployment_id          TEXT PRIMARY KEY,
	name                   TEXT NOT NULL,
	namespace              TEXT NOT NULL,
	pack_id                TEXT NOT NULL,
	pack_version           TEXT NOT NULL,
	replicas               INT NOT NULL,
	pod_labels             JSONB,
	pod_annotations        JSONB,
	tolerations            JSONB,
	resource_requests      JSONB,
	resource_limits        JSONB,
	scheduling             JSONB,
	follow_latest          BOOLEAN NOT NULL DEFAULT FALSE,
	last_successful_version TEXT,
	consecutive_failures   INT NOT NULL DEFAULT 0,
	failed_version         TEXT,
	failure_backoff_until  TIMESTAMPTZ,
	status                 TEXT NOT NULL,
	ready_replicas         INT NOT NULL DEFAULT 0,
	available_replicas     INT NOT NULL DEFAULT 0,
	total_replicas         INT NOT NULL DEFAULT 0,
	next_incarnation       BIGINT NOT NULL DEFAULT 0,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pods (
	pod_id             TEXT PRIMARY KEY,
	pack_id            TEXT NOT NULL,
	pack_version       TEXT NOT NULL,
	deployment_id      TEXT,
	incarnation        BIGINT NOT NULL,
	namespace          TEXT NOT NULL,
	status             TEXT NOT NULL,
	node_id            TEXT,
	resource_requests  JSONB,
	resource_limits    JSONB,
	labels             JSONB,
	annotations        JSONB,
	tolerations        JSONB,
	scheduling         JSONB,
	termination_reason TEXT,
	status_message     TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_pods_deployment ON pods(deployment_id);
CREATE INDEX IF NOT EXISTS idx_pods_node ON pods(node_id);
`

func toJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func fromJSON[T any](raw []byte, out *T) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (s *Store) CreateNode(ctx context.Context, n *models.Node) error {
	alloc, _ := toJSON(n.Allocatable)
	allocated, _ := toJSON(n.Allocated)
	caps, _ := toJSON(n.Capabilities)
	labels, _ := toJSON(n.Labels)
	ann, _ := toJSON(n.Annotations)
	taints, _ := toJSON(n.Taints)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (node_id, name, runtime_type, status, last_heartbeat,
			capabilities, allocatable, allocated, labels, annotations, taints,
			unschedulable, connection_id, registered_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		n.NodeID, n.Name, n.RuntimeType, n.Status, n.LastHeartbeat,
		caps, alloc, allocated, labels, ann, taints,
		n.Unschedulable, nullableString(n.ConnectionID), nullableString(n.RegisteredBy),
		n.CreatedAt, n.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsAny(err.Error(), "duplicate key value", "unique constraint"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

func (s *Store) scanNode(row interface {
	Scan(dest ...any) error
}) (*models.Node, error) {
	var n models.Node
	var caps, alloc, allocated, labels, ann, taints []byte
	var connID, registeredBy sql.NullString

	err := row.Scan(&n.NodeID, &n.Name, &n.RuntimeType, &n.Status, &n.LastHeartbeat,
		&caps, &alloc, &allocated, &labels, &ann, &taints,
		&n.Unschedulable, &connID, &registeredBy, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	n.ConnectionID = connID.String
	n.RegisteredBy = registeredBy.String
	_ = fromJSON(caps, &n.Capabilities)
	_ = fromJSON(alloc, &n.Allocatable)
	_ = fromJSON(allocated, &n.Allocated)
	_ = fromJSON(labels, &n.Labels)
	_ = fromJSON(ann, &n.Annotations)
	_ = fromJSON(taints, &n.Taints)
	return &n, nil
}

const nodeColumns = `node_id, name, runtime_type, status, last_heartbeat,
	capabilities, allocatable, allocated, labels, annotations, taints,
	unschedulable, connection_id, registered_by, created_at, updated_at`

func (s *Store) GetNode(ctx context.Context, nodeID string) (*models.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE node_id = $1`, nodeID)
	return s.scanNode(row)
}

func (s *Store) GetNodeByName(ctx context.Context, name string) (*models.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE name = $1`, name)
	return s.scanNode(row)
}

func (s *Store) UpdateNode(ctx context.Context, n *models.Node) error {
	alloc, _ := toJSON(n.Allocatable)
	allocated, _ := toJSON(n.Allocated)
	caps, _ := toJSON(n.Capabilities)
	labels, _ := toJSON(n.Labels)
	ann, _ := toJSON(n.Annotations)
	taints, _ := toJSON(n.Taints)

	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET name=$2, runtime_type=$3, status=$4, last_heartbeat=$5,
			capabilities=$6, allocatable=$7, allocated=$8, labels=$9, annotations=$10,
			taints=$11, unschedulable=$12, connection_id=$13, registered_by=$14, updated_at=$15
		WHERE node_id=$1`,
		n.NodeID, n.Name, n.RuntimeType, n.Status, n.LastHeartbeat,
		caps, alloc, allocated, labels, ann, taints,
		n.Unschedulable, nullableString(n.ConnectionID), nullableString(n.RegisteredBy), n.UpdatedAt)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListNodes(ctx context.Context) ([]*models.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Node
	for rows.Next() {
		n, err := s.scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) ListOnlineNodes(ctx context.Context) ([]*models.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE status = $1`, models.NodeOnline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Node
	for rows.Next() {
		n, err := s.scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) CreatePack(ctx context.Context, p *models.Pack) error {
	meta, _ := toJSON(p.Metadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO packs (pack_id, name, version, runtime_tag, bundle_path, metadata, owner_id, visibility, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.PackID, p.Name, p.Version, p.RuntimeTag, p.BundlePath, meta, p.OwnerID, p.Visibility, p.CreatedAt)
	return err
}

func (s *Store) scanPack(row interface{ Scan(dest ...any) error }) (*models.Pack, error) {
	var p models.Pack
	var meta []byte
	err := row.Scan(&p.PackID, &p.Name, &p.Version, &p.RuntimeTag, &p.BundlePath, &meta, &p.OwnerID, &p.Visibility, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = fromJSON(meta, &p.Metadata)
	return &p, nil
}

const packColumns = `pack_id, name, version, runtime_tag, bundle_path, metadata, owner_id, visibility, created_at`

func (s *Store) GetPack(ctx context.Context, packID string) (*models.Pack, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+packColumns+` FROM packs WHERE pack_id = $1`, packID)
	return s.scanPack(row)
}

func (s *Store) GetLatestPackVersion(ctx context.Context, name string) (*models.Pack, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+packColumns+` FROM packs WHERE name = $1 ORDER BY created_at DESC LIMIT 1`, name)
	return s.scanPack(row)
}

func (s *Store) CreatePod(ctx context.Context, p *models.Pod) error {
	requests, _ := toJSON(p.ResourceRequests)
	limits, _ := toJSON(p.ResourceLimits)
	labels, _ := toJSON(p.Labels)
	ann, _ := toJSON(p.Annotations)
	tolerations, _ := toJSON(p.Tolerations)
	scheduling, _ := toJSON(p.Scheduling)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pods (pod_id, pack_id, pack_version, deployment_id, incarnation, namespace,
			status, node_id, resource_requests, resource_limits, labels, annotations, tolerations,
			scheduling, termination_reason, status_message, created_at, updated_at, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		p.PodID, p.PackID, p.PackVersion, nullableString(p.DeploymentID), p.Incarnation, p.Namespace,
		p.Status, nullableString(p.NodeID), requests, limits, labels, ann, tolerations,
		scheduling, nullableString(string(p.TerminationReason)), p.StatusMessage, p.CreatedAt, p.UpdatedAt, p.StartedAt)
	return err
}

func (s *Store) scanPod(row interface{ Scan(dest ...any) error }) (*models.Pod, error) {
	var p models.Pod
	var deploymentID, nodeID, terminationReason sql.NullString
	var requests, limits, labels, ann, tolerations, scheduling []byte

	err := row.Scan(&p.PodID, &p.PackID, &p.PackVersion, &deploymentID, &p.Incarnation, &p.Namespace,
		&p.Status, &nodeID, &requests, &limits, &labels, &ann, &tolerations,
		&scheduling, &terminationReason, &p.StatusMessage, &p.CreatedAt, &p.UpdatedAt, &p.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.DeploymentID = deploymentID.String
	p.NodeID = nodeID.String
	p.TerminationReason = models.TerminationReason(terminationReason.String)
	_ = fromJSON(requests, &p.ResourceRequests)
	_ = fromJSON(limits, &p.ResourceLimits)
	_ = fromJSON(labels, &p.Labels)
	_ = fromJSON(ann, &p.Annotations)
	_ = fromJSON(tolerations, &p.Tolerations)
	_ = fromJSON(scheduling, &p.Scheduling)
	return &p, nil
}

const podColumns = `pod_id, pack_id, pack_version, deployment_id, incarnation, namespace,
	status, node_id, resource_requests, resource_limits, labels, annotations, tolerations,
	scheduling, termination_reason, status_message, created_at, updated_at, started_at`

func (s *Store) GetPod(ctx context.Context, podID string) (*models.Pod, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+podColumns+` FROM pods WHERE pod_id = $1`, podID)
	return s.scanPod(row)
}

func (s *Store) UpdatePod(ctx context.Context, p *models.Pod) error {
	requests, _ := toJSON(p.ResourceRequests)
	limits, _ := toJSON(p.ResourceLimits)
	labels, _ := toJSON(p.Labels)
	ann, _ := toJSON(p.Annotations)
	tolerations, _ := toJSON(p.Tolerations)
	scheduling, _ := toJSON(p.Scheduling)

	res, err := s.db.ExecContext(ctx, `
		UPDATE pods SET pack_id=$2, pack_version=$3, deployment_id=$4, incarnation=$5, namespace=$6,
			status=$7, node_id=$8, resource_requests=$9, resource_limits=$10, labels=$11, annotations=$12,
			tolerations=$13, scheduling=$14, termination_reason=$15, status_message=$16, updated_at=$17, started_at=$18
		WHERE pod_id=$1`,
		p.PodID, p.PackID, p.PackVersion, nullableString(p.DeploymentID), p.Incarnation, p.Namespace,
		p.Status, nullableString(p.NodeID), requests, limits, labels, ann, tolerations,
		scheduling, nullableString(string(p.TerminationReason)), p.StatusMessage, p.UpdatedAt, p.StartedAt)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListPodsByDeployment(ctx context.Context, deploymentID string) ([]*models.Pod, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+podColumns+` FROM pods WHERE deployment_id = $1`, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Pod
	for rows.Next() {
		p, err := s.scanPod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListPodsByNode(ctx context.Context, nodeID string) ([]*models.Pod, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+podColumns+` FROM pods WHERE node_id = $1`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Pod
	for rows.Next() {
		p, err := s.scanPod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeletePodsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pods WHERE status IN ($1,$2,$3) AND updated_at < $4`,
		models.PodStopped, models.PodFailed, models.PodEvicted, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) GetNextIncarnation(ctx context.Context, deploymentID string) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE deployments SET next_incarnation = next_incarnation + 1
		WHERE deployment_id = $1
		RETURNING next_incarnation`, deploymentID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	return next, err
}

func (s *Store) CreateDeployment(ctx context.Context, d *models.Deployment) error {
	podLabels, _ := toJSON(d.PodLabels)
	podAnn, _ := toJSON(d.PodAnnotations)
	tolerations, _ := toJSON(d.Tolerations)
	requests, _ := toJSON(d.ResourceRequests)
	limits, _ := toJSON(d.ResourceLimits)
	scheduling, _ := toJSON(d.Scheduling)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (deployment_id, name, namespace, pack_id, pack_version, replicas,
			pod_labels, pod_annotations, tolerations, resource_requests, resource_limits, scheduling,
			follow_latest, last_successful_version, consecutive_failures, failed_version,
			failure_backoff_until, status, ready_replicas, available_replicas, total_replicas,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		d.DeploymentID, d.Name, d.Namespace, d.PackID, d.PackVersion, d.Replicas,
		podLabels, podAnn, tolerations, requests, limits, scheduling,
		d.FollowLatest, nullableString(d.LastSuccessfulVersion), d.ConsecutiveFailures, nullableString(d.FailedVersion),
		d.FailureBackoffUntil, d.Status, d.ReadyReplicas, d.AvailableReplicas, d.TotalReplicas,
		d.CreatedAt, d.UpdatedAt)
	return err
}

func (s *Store) scanDeployment(row interface{ Scan(dest ...any) error }) (*models.Deployment, error) {
	var d models.Deployment
	var lastSuccessful, failedVersion sql.NullString
	var podLabels, podAnn, tolerations, requests, limits, scheduling []byte

	err := row.Scan(&d.DeploymentID, &d.Name, &d.Namespace, &d.PackID, &d.PackVersion, &d.Replicas,
		&podLabels, &podAnn, &tolerations, &requests, &limits, &scheduling,
		&d.FollowLatest, &lastSuccessful, &d.ConsecutiveFailures, &failedVersion,
		&d.FailureBackoffUntil, &d.Status, &d.ReadyReplicas, &d.AvailableReplicas, &d.TotalReplicas,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.LastSuccessfulVersion = lastSuccessful.String
	d.FailedVersion = failedVersion.String
	_ = fromJSON(podLabels, &d.PodLabels)
	_ = fromJSON(podAnn, &d.PodAnnotations)
	_ = fromJSON(tolerations, &d.Tolerations)
	_ = fromJSON(requests, &d.ResourceRequests)
	_ = fromJSON(limits, &d.ResourceLimits)
	_ = fromJSON(scheduling, &d.Scheduling)
	return &d, nil
}

const deploymentColumns = `deployment_id, name, namespace, pack_id, pack_version, replicas,
	pod_labels, pod_annotations, tolerations, resource_requests, resource_limits, scheduling,
	follow_latest, last_successful_version, consecutive_failures, failed_version,
	failure_backoff_until, status, ready_replicas, available_replicas, total_replicas,
	created_at, updated_at`

func (s *Store) GetDeployment(ctx context.Context, deploymentID string) (*models.Deployment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE deployment_id = $1`, deploymentID)
	return s.scanDeployment(row)
}

func (s *Store) UpdateDeployment(ctx context.Context, d *models.Deployment) error {
	podLabels, _ := toJSON(d.PodLabels)
	podAnn, _ := toJSON(d.PodAnnotations)
	tolerations, _ := toJSON(d.Tolerations)
	requests, _ := toJSON(d.ResourceRequests)
	limits, _ := toJSON(d.ResourceLimits)
	scheduling, _ := toJSON(d.Scheduling)

	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET name=$2, namespace=$3, pack_id=$4, pack_version=$5, replicas=$6,
			pod_labels=$7, pod_annotations=$8, tolerations=$9, resource_requests=$10, resource_limits=$11,
			scheduling=$12, follow_latest=$13, last_successful_version=$14, consecutive_failures=$15,
			failed_version=$16, failure_backoff_until=$17, status=$18, ready_replicas=$19,
			available_replicas=$20, total_replicas=$21, updated_at=$22
		WHERE deployment_id=$1`,
		d.DeploymentID, d.Name, d.Namespace, d.PackID, d.PackVersion, d.Replicas,
		podLabels, podAnn, tolerations, requests, limits, scheduling,
		d.FollowLatest, nullableString(d.LastSuccessfulVersion), d.ConsecutiveFailures, nullableString(d.FailedVersion),
		d.FailureBackoffUntil, d.Status, d.ReadyReplicas, d.AvailableReplicas, d.TotalReplicas, d.UpdatedAt)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListActiveDeployments(ctx context.Context) ([]*models.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE status = $1`, models.DeploymentActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Deployment
	for rows.Next() {
		d, err := s.scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ListDeployments(ctx context.Context) ([]*models.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deploymentColumns+` FROM deployments`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Deployment
	for rows.Next() {
		d, err := s.scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

var _ store.Store = (*Store)(nil)
