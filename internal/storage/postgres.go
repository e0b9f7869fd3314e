package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/agentwall/pkg/models"
)

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// mapErr translates driver errors into storage sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return ErrConflict
		case "23503": // foreign_key_violation
			return ErrNotFound
		}
	}
	return err
}

// --- Policies ---

const policyColumns = `id, tenant_id, name, description, priority, is_active, mode, created_at, updated_at`

func scanPolicy(row pgx.Row) (*models.Policy, error) {
	var pol models.Policy
	var mode string
	if err := row.Scan(&pol.ID, &pol.TenantID, &pol.Name, &pol.Description, &pol.Priority,
		&pol.IsActive, &mode, &pol.CreatedAt, &pol.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	pol.Mode = models.Mode(mode)
	return &pol, nil
}

func (p *PostgresBackend) CreatePolicy(ctx context.Context, pol *models.Policy) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO firewall_policies (`+policyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pol.ID, pol.TenantID, pol.Name, pol.Description, pol.Priority,
		pol.IsActive, string(pol.Mode), pol.CreatedAt, pol.UpdatedAt,
	)
	return mapErr(err)
}

func (p *PostgresBackend) UpdatePolicy(ctx context.Context, pol *models.Policy) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE firewall_policies
		 SET name = $2, description = $3, priority = $4, is_active = $5, mode = $6, updated_at = $7
		 WHERE id = $1`,
		pol.ID, pol.Name, pol.Description, pol.Priority, pol.IsActive, string(pol.Mode), pol.UpdatedAt,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) GetPolicy(ctx context.Context, id string) (*models.Policy, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return scanPolicy(p.pool.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM firewall_policies WHERE id = $1`, id))
}

func (p *PostgresBackend) ListPolicies(ctx context.Context, filter PolicyFilter) ([]*models.Policy, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT ` + policyColumns + ` FROM firewall_policies WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.TenantID != "" {
		fmt.Fprintf(&query, ` AND tenant_id = $%d`, n)
		args = append(args, filter.TenantID)
		n++
	}
	if filter.IsActive != nil {
		fmt.Fprintf(&query, ` AND is_active = $%d`, n)
		args = append(args, *filter.IsActive)
	}
	query.WriteString(` ORDER BY priority ASC, created_at DESC, id ASC`)

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Policy
	for rows.Next() {
		pol, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pol)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) MaxPriority(ctx context.Context, tenantID string) (int, bool, error) {
	var max *int
	err := p.pool.QueryRow(ctx,
		`SELECT MAX(priority) FROM firewall_policies WHERE tenant_id = $1 AND is_active`,
		tenantID,
	).Scan(&max)
	if err != nil {
		return 0, false, err
	}
	if max == nil {
		return 0, false, nil
	}
	return *max, true, nil
}

// --- Rules ---

const ruleColumns = `id, policy_id, name, description, conditions, action, severity, replacement, is_active, created_at`

func scanRule(row pgx.Row) (*models.Rule, error) {
	var r models.Rule
	var condJSON []byte
	var action, severity string
	if err := row.Scan(&r.ID, &r.PolicyID, &r.Name, &r.Description, &condJSON,
		&action, &severity, &r.Replacement, &r.IsActive, &r.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	r.Action = models.Action(action)
	r.Severity = models.Severity(severity)
	if len(condJSON) > 0 {
		var c models.Condition
		if err := json.Unmarshal(condJSON, &c); err != nil {
			return nil, fmt.Errorf("decoding conditions of rule %s: %w", r.ID, err)
		}
		r.Conditions = &c
	}
	return &r, nil
}

func (p *PostgresBackend) CreateRule(ctx context.Context, r *models.Rule) error {
	condJSON, err := json.Marshal(r.Conditions)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO firewall_rules (`+ruleColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.PolicyID, r.Name, r.Description, condJSON,
		string(r.Action), string(r.Severity), r.Replacement, r.IsActive, r.CreatedAt,
	)
	return mapErr(err)
}

func (p *PostgresBackend) ListRules(ctx context.Context, policyID string) ([]*models.Rule, error) {
	if _, err := p.GetPolicy(ctx, policyID); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM firewall_rules WHERE policy_id = $1 ORDER BY created_at, id`,
		policyID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Bindings ---

const bindingColumns = `id, policy_id, tenant_id, api_key_id, user_id, agent_id, route_prefix, is_active, created_at, updated_at`

func scanBinding(row pgx.Row) (*models.Binding, error) {
	var b models.Binding
	if err := row.Scan(&b.ID, &b.PolicyID, &b.TenantID, &b.APIKeyID, &b.UserID, &b.AgentID,
		&b.RoutePrefix, &b.IsActive, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &b, nil
}

func (p *PostgresBackend) CreateBinding(ctx context.Context, b *models.Binding) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO firewall_bindings (`+bindingColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		b.ID, b.PolicyID, b.TenantID, b.APIKeyID, b.UserID, b.AgentID,
		b.RoutePrefix, b.IsActive, b.CreatedAt, b.UpdatedAt,
	)
	return mapErr(err)
}

func (p *PostgresBackend) GetBinding(ctx context.Context, id string) (*models.Binding, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return scanBinding(p.pool.QueryRow(ctx,
		`SELECT `+bindingColumns+` FROM firewall_bindings WHERE id = $1`, id))
}

func (p *PostgresBackend) UpdateBindingActive(ctx context.Context, id string, active bool, at time.Time) (*models.Binding, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return scanBinding(p.pool.QueryRow(ctx,
		`UPDATE firewall_bindings SET is_active = $2, updated_at = $3 WHERE id = $1
		 RETURNING `+bindingColumns,
		id, active, at,
	))
}

func (p *PostgresBackend) DeleteBinding(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM firewall_bindings WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) ListBindings(ctx context.Context, filter BindingFilter) ([]*models.Binding, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT ` + bindingColumns + ` FROM firewall_bindings WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.TenantID != "" {
		fmt.Fprintf(&query, ` AND tenant_id = $%d`, n)
		args = append(args, filter.TenantID)
		n++
	}
	if filter.PolicyID != "" {
		fmt.Fprintf(&query, ` AND policy_id = $%d`, n)
		args = append(args, filter.PolicyID)
	}
	query.WriteString(` ORDER BY created_at, id`)

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// LoadTenantSnapshot reads bindings, policies and rules in one read-only
// repeatable-read transaction so the three queries observe the same state.
func (p *PostgresBackend) LoadTenantSnapshot(ctx context.Context, tenantID string) (*models.TenantSnapshot, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	snap := &models.TenantSnapshot{TenantID: tenantID, Policies: make(map[string]*models.Policy)}

	rows, err := tx.Query(ctx,
		`SELECT `+policyColumns+` FROM firewall_policies
		 WHERE tenant_id = $1 AND is_active
		   AND id IN (SELECT policy_id FROM firewall_bindings WHERE tenant_id = $1 AND is_active)`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		pol, err := scanPolicy(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		snap.Policies[pol.ID] = pol
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.Query(ctx,
		`SELECT `+bindingColumns+` FROM firewall_bindings WHERE tenant_id = $1 AND is_active`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		if _, ok := snap.Policies[b.PolicyID]; ok {
			snap.Bindings = append(snap.Bindings, b)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(snap.Policies) == 0 {
		return snap, tx.Commit(ctx)
	}
	ids := make([]string, 0, len(snap.Policies))
	for id := range snap.Policies {
		ids = append(ids, id)
	}
	rows, err = tx.Query(ctx,
		`SELECT `+ruleColumns+` FROM firewall_rules
		 WHERE policy_id = ANY($1::uuid[]) AND is_active
		 ORDER BY created_at, id`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		pol := snap.Policies[r.PolicyID]
		pol.Rules = append(pol.Rules, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snap, tx.Commit(ctx)
}

// --- Signatures ---

func (p *PostgresBackend) ReplaceSignatures(ctx context.Context, version int, sigs []*models.ThreatSignature) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `UPDATE threat_signatures SET is_active = FALSE WHERE is_active`); err != nil {
		return fmt.Errorf("deactivating signatures: %w", err)
	}
	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, s := range sigs {
		id := s.ID
		if id == "" {
			id = uuid.NewString()
		}
		batch.Queue(
			`INSERT INTO threat_signatures (id, category, pattern, severity, source, version, is_active, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)`,
			id, s.Category, s.Pattern, string(s.Severity), s.Source, version, now,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting signatures: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *PostgresBackend) ActiveSignatures(ctx context.Context) ([]*models.ThreatSignature, int, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, category, pattern, severity, source, version, is_active, created_at
		 FROM threat_signatures WHERE is_active ORDER BY category, id`,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*models.ThreatSignature
	version := 0
	for rows.Next() {
		var s models.ThreatSignature
		var severity string
		if err := rows.Scan(&s.ID, &s.Category, &s.Pattern, &severity, &s.Source,
			&s.Version, &s.IsActive, &s.CreatedAt); err != nil {
			return nil, 0, err
		}
		s.Severity = models.Severity(severity)
		if s.Version > version {
			version = s.Version
		}
		out = append(out, &s)
	}
	return out, version, rows.Err()
}

// --- Audit ---

func (p *PostgresBackend) AppendAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	var detailsJSON []byte
	if e.Details != nil {
		var err error
		if detailsJSON, err = json.Marshal(e.Details); err != nil {
			return err
		}
	}
	return p.pool.QueryRow(ctx,
		`INSERT INTO audit_events (id, timestamp, tenant_id, request_id, actor, action, resource_type,
		     resource_id, decision, severity, category, status, latency_ms, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING seq`,
		e.ID, e.Timestamp, e.TenantID, e.RequestID, e.Actor, e.Action, e.ResourceType,
		e.ResourceID, e.Decision, string(e.Severity), e.Category, e.Status, e.LatencyMs, detailsJSON,
	).Scan(&e.Seq)
}

func auditWhere(filter AuditFilter) (string, []any) {
	where := strings.Builder{}
	where.WriteString(` WHERE 1=1`)
	args := []any{}
	n := 1
	add := func(clause string, v any) {
		fmt.Fprintf(&where, clause, n)
		args = append(args, v)
		n++
	}
	if filter.TenantID != "" {
		add(` AND tenant_id = $%d`, filter.TenantID)
	}
	if filter.Action != "" {
		add(` AND action = $%d`, filter.Action)
	}
	if filter.RequestID != "" {
		add(` AND request_id = $%d`, filter.RequestID)
	}
	if filter.Since != nil {
		add(` AND timestamp >= $%d`, *filter.Since)
	}
	return where.String(), args
}

func (p *PostgresBackend) QueryAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, int, error) {
	where, args := auditWhere(filter)

	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	n := len(args) + 1
	query := fmt.Sprintf(`SELECT seq, id, timestamp, tenant_id, request_id, actor, action, resource_type,
	        resource_id, decision, severity, category, status, latency_ms, details
	 FROM audit_events%s ORDER BY seq DESC LIMIT $%d OFFSET $%d`, where, n, n+1)
	args = append(args, limit, filter.Offset)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var severity string
		var detailsJSON []byte
		if err := rows.Scan(&e.Seq, &e.ID, &e.Timestamp, &e.TenantID, &e.RequestID, &e.Actor, &e.Action,
			&e.ResourceType, &e.ResourceID, &e.Decision, &severity, &e.Category, &e.Status,
			&e.LatencyMs, &detailsJSON); err != nil {
			return nil, 0, err
		}
		e.Severity = models.Severity(severity)
		if len(detailsJSON) > 0 {
			json.Unmarshal(detailsJSON, &e.Details) //nolint:errcheck
		}
		events = append(events, &e)
	}
	return events, total, rows.Err()
}

func (p *PostgresBackend) AuditStats(ctx context.Context, tenantID string) (*models.FirewallStats, error) {
	query := `SELECT decision, category, COUNT(*), COALESCE(SUM(latency_ms), 0)
	 FROM audit_events WHERE resource_type = $1
	 AND NOT COALESCE((details->>'redteam')::boolean, false)`
	args := []any{models.ResourceRequest}
	if tenantID != "" {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	query += ` GROUP BY decision, category`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	acc := newStatsAccumulator()
	for rows.Next() {
		var decision, category string
		var count int64
		var latencySum float64
		if err := rows.Scan(&decision, &category, &count, &latencySum); err != nil {
			return nil, err
		}
		acc.add(decision, category, latencySum/float64(count), count)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return acc.stats(), nil
}

// PruneAuditEvents deletes everything below a seq watermark, so retention
// always removes a prefix of the log.
func (p *PostgresBackend) PruneAuditEvents(ctx context.Context, keep int, olderThan time.Time) (int64, error) {
	var watermark int64
	if keep > 0 {
		err := p.pool.QueryRow(ctx,
			`SELECT COALESCE((SELECT seq FROM audit_events ORDER BY seq DESC OFFSET $1 LIMIT 1), 0)`,
			keep-1,
		).Scan(&watermark)
		if err != nil {
			return 0, err
		}
	}
	if !olderThan.IsZero() {
		var ageMark int64
		err := p.pool.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq) + 1, 0) FROM audit_events WHERE timestamp < $1`,
			olderThan,
		).Scan(&ageMark)
		if err != nil {
			return 0, err
		}
		if ageMark > watermark {
			watermark = ageMark
		}
	}
	if watermark == 0 {
		return 0, nil
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM audit_events WHERE seq < $1`, watermark)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
