package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/Mindburn-Labs/opsgate/pkg/contracts"
)

// Dialect selects SQL flavour differences.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore implements Store using database/sql.
// It supports Postgres (lib/pq) and SQLite (modernc.org/sqlite). SQLite
// callers must limit the pool to one connection; that single writer is
// the row lock.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Init creates the schema.
func (s *SQLStore) Init(ctx context.Context) error {
	schema := postgresSchema
	if s.dialect == DialectSQLite {
		schema = sqliteSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites '?' placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const actionColumns = `id, idempotency_key, origin, action_type, target, params, status,
	required_quorum, required_ratio, timeout_seconds, escalation_role, auto_execute, reject_on_veto,
	policy_id, created_by, executed_by, executed_at, result, escalated_at, version,
	created_at, updated_at, expires_at`

const voteColumns = `action_id, voter_id, voter_roles, vote, comment, signed_jwt, ip_address, user_agent, created_at`

const auditColumns = `id, action_id, seq, kind, snapshot, actor, created_at, prev_hash, hash`

const policyColumns = `id, name, criteria, policy, priority, enabled, created_at, updated_at`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&sqlTxn{s: s, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAction(ctx context.Context, id string) (*contracts.Action, error) {
	return s.getAction(ctx, s.db, `SELECT `+actionColumns+` FROM ops_actions WHERE id = ?`, id)
}

func (s *SQLStore) GetActionByIdempotencyKey(ctx context.Context, key string) (*contracts.Action, error) {
	return s.getAction(ctx, s.db, `SELECT `+actionColumns+` FROM ops_actions WHERE idempotency_key = ?`, key)
}

func (s *SQLStore) getAction(ctx context.Context, q querier, query string, args ...any) (*contracts.Action, error) {
	a, err := scanAction(q.QueryRowContext(ctx, s.rebind(query), args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

func (s *SQLStore) ListVotes(ctx context.Context, actionID string) ([]contracts.Vote, error) {
	return s.listVotes(ctx, s.db, actionID)
}

func (s *SQLStore) listVotes(ctx context.Context, q querier, actionID string) ([]contracts.Vote, error) {
	query := s.rebind(`SELECT ` + voteColumns + ` FROM ops_votes WHERE action_id = ? ORDER BY created_at ASC, voter_id ASC`)
	rows, err := q.QueryContext(ctx, query, actionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.Vote, 0)
	for rows.Next() {
		var (
			v     contracts.Vote
			roles string
		)
		if err := rows.Scan(&v.ActionID, &v.VoterID, &roles, &v.Vote, &v.Comment, &v.SignedJWT, &v.IPAddress, &v.UserAgent, &v.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(roles), &v.VoterRoles); err != nil {
			return nil, fmt.Errorf("decode voter_roles: %w", err)
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) ListPending(ctx context.Context, f PendingFilter) ([]*contracts.Action, error) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString(`SELECT ` + actionColumns + ` FROM ops_actions
		WHERE status IN ('requested', 'pending_approval') AND expires_at > ?`)
	args = append(args, f.Now.UTC())

	if len(f.Roles) > 0 {
		in := strings.TrimSuffix(strings.Repeat("?, ", len(f.Roles)), ", ")
		b.WriteString(` AND (quorum_role = '' OR quorum_role IN (` + in + `)`)
		for _, r := range f.Roles {
			args = append(args, r)
		}
		b.WriteString(` OR (escalated_at IS NOT NULL AND escalation_role IN (` + in + `)))`)
		for _, r := range f.Roles {
			args = append(args, r)
		}
	}
	b.WriteString(` ORDER BY CASE WHEN escalated_at IS NULL THEN 1 ELSE 0 END, expires_at ASC, id ASC LIMIT ? OFFSET ?`)
	args = append(args, ClampLimit(f.Limit), max(f.Offset, 0))

	return s.listActions(ctx, b.String(), args...)
}

func (s *SQLStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*contracts.Action, error) {
	return s.listActions(ctx, `SELECT `+actionColumns+` FROM ops_actions
		WHERE status IN ('requested', 'pending_approval') AND expires_at < ?
		ORDER BY expires_at ASC, id ASC LIMIT ?`, now.UTC(), limit)
}

func (s *SQLStore) ListApprovedAutoExecute(ctx context.Context, limit int) ([]*contracts.Action, error) {
	return s.listActions(ctx, `SELECT `+actionColumns+` FROM ops_actions
		WHERE status = 'approved' AND auto_execute = ?
		ORDER BY updated_at ASC, id ASC LIMIT ?`, true, limit)
}

func (s *SQLStore) listActions(ctx context.Context, query string, args ...any) ([]*contracts.Action, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.Action, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) ListAudit(ctx context.Context, actionID string) ([]contracts.AuditEvent, error) {
	query := s.rebind(`SELECT ` + auditColumns + ` FROM ops_audit_events WHERE action_id = ? ORDER BY seq ASC`)
	rows, err := s.db.QueryContext(ctx, query, actionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.AuditEvent, 0)
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) InsertPolicy(ctx context.Context, p *contracts.ApprovalPolicy) error {
	criteria, overrides, err := encodePolicy(p)
	if err != nil {
		return err
	}
	query := s.rebind(`INSERT INTO ops_policies (` + policyColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.Name, criteria, overrides, p.Priority, p.Enabled, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("policy %q: %w", p.Name, ErrDuplicateKey)
		}
		return err
	}
	return nil
}

func (s *SQLStore) GetPolicy(ctx context.Context, id string) (*contracts.ApprovalPolicy, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+policyColumns+` FROM ops_policies WHERE id = ?`), id)
	p, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *SQLStore) ListPolicies(ctx context.Context) ([]contracts.ApprovalPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM ops_policies ORDER BY priority DESC, created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.ApprovalPolicy, 0)
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) UpdatePolicy(ctx context.Context, p *contracts.ApprovalPolicy) error {
	criteria, overrides, err := encodePolicy(p)
	if err != nil {
		return err
	}
	query := s.rebind(`UPDATE ops_policies SET name = ?, criteria = ?, policy = ?, priority = ?, enabled = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, p.Name, criteria, overrides, p.Priority, p.Enabled, p.UpdatedAt.UTC(), p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("policy %q: %w", p.Name, ErrDuplicateKey)
		}
		return err
	}
	return requireOneRow(res, ErrNotFound)
}

func (s *SQLStore) DeletePolicy(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM ops_policies WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return requireOneRow(res, ErrNotFound)
}

// sqlTxn is a Tx bound to a database transaction.
type sqlTxn struct {
	s  *SQLStore
	tx *sql.Tx
}

func (t *sqlTxn) LockAction(ctx context.Context, id string) (*contracts.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM ops_actions WHERE id = ?`
	if t.s.dialect == DialectPostgres {
		query += ` FOR UPDATE`
	}
	return t.s.getAction(ctx, t.tx, query, id)
}

func (t *sqlTxn) InsertAction(ctx context.Context, a *contracts.Action) error {
	quorum, err := contracts.MarshalQuorum(a.RequiredQuorum)
	if err != nil {
		return err
	}
	query := t.s.rebind(`INSERT INTO ops_actions (` + actionColumns + `, quorum_role)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = t.tx.ExecContext(ctx, query,
		a.ID, nullString(a.IdempotencyKey), string(a.Origin), a.ActionType, nullRaw(a.Target), nullRaw(a.Params), string(a.Status),
		nullRaw(quorum), a.RequiredRatio, a.TimeoutSeconds, a.EscalationRole, a.AutoExecute, a.RejectOnVeto,
		a.PolicyID, a.CreatedBy, a.ExecutedBy, nullTime(a.ExecutedAt), nullRaw(a.Result), nullTime(a.EscalatedAt), a.Version,
		a.CreatedAt.UTC(), a.UpdatedAt.UTC(), a.ExpiresAt.UTC(), quorumRole(a),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

func (t *sqlTxn) UpdateAction(ctx context.Context, a *contracts.Action) error {
	query := t.s.rebind(`UPDATE ops_actions SET
		status = ?, executed_by = ?, executed_at = ?, result = ?, escalated_at = ?,
		expires_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND status NOT IN ('executed', 'failed', 'expired', 'rejected')`)
	res, err := t.tx.ExecContext(ctx, query,
		string(a.Status), a.ExecutedBy, nullTime(a.ExecutedAt), nullRaw(a.Result), nullTime(a.EscalatedAt),
		a.ExpiresAt.UTC(), a.UpdatedAt.UTC(), a.ID, a.Version,
	)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	if err := requireOneRow(res, ErrConflict); err != nil {
		return err
	}
	a.Version++
	return nil
}

func (t *sqlTxn) UpsertVote(ctx context.Context, v contracts.Vote) error {
	roles, err := json.Marshal(nonNil(v.VoterRoles))
	if err != nil {
		return err
	}
	query := t.s.rebind(`INSERT INTO ops_votes (` + voteColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (action_id, voter_id) DO UPDATE SET
			voter_roles = excluded.voter_roles,
			vote = excluded.vote,
			comment = excluded.comment,
			signed_jwt = excluded.signed_jwt,
			ip_address = excluded.ip_address,
			user_agent = excluded.user_agent,
			created_at = excluded.created_at`)
	_, err = t.tx.ExecContext(ctx, query,
		v.ActionID, v.VoterID, string(roles), string(v.Vote), v.Comment, v.SignedJWT, v.IPAddress, v.UserAgent, v.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert vote: %w", err)
	}
	return nil
}

func (t *sqlTxn) ListVotes(ctx context.Context, actionID string) ([]contracts.Vote, error) {
	return t.s.listVotes(ctx, t.tx, actionID)
}

// AppendAudit runs inside a savepoint so that a failed insert does not
// abort the enclosing transaction.
func (t *sqlTxn) AppendAudit(ctx context.Context, e contracts.AuditEvent) error {
	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT audit_append`); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	query := t.s.rebind(`INSERT INTO ops_audit_events (` + auditColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := t.tx.ExecContext(ctx, query,
		e.ID, e.ActionID, e.Seq, string(e.Kind), string(e.Snapshot), e.Actor, e.CreatedAt.UTC(), e.PrevHash, e.Hash)
	if err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT audit_append`); rbErr != nil {
			return fmt.Errorf("append audit: %w (rollback to savepoint: %v)", err, rbErr)
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("append audit seq %d: %w", e.Seq, ErrConflict)
		}
		return fmt.Errorf("append audit: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `RELEASE SAVEPOINT audit_append`); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (t *sqlTxn) LastAudit(ctx context.Context, actionID string) (*contracts.AuditEvent, error) {
	query := t.s.rebind(`SELECT ` + auditColumns + ` FROM ops_audit_events WHERE action_id = ? ORDER BY seq DESC LIMIT 1`)
	e, err := scanAudit(t.tx.QueryRowContext(ctx, query, actionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func scanAction(row scanner) (*contracts.Action, error) {
	var (
		a                       contracts.Action
		key, target, params     sql.NullString
		quorum, result          sql.NullString
		executedAt, escalatedAt sql.NullTime
	)
	err := row.Scan(
		&a.ID, &key, &a.Origin, &a.ActionType, &target, &params, &a.Status,
		&quorum, &a.RequiredRatio, &a.TimeoutSeconds, &a.EscalationRole, &a.AutoExecute, &a.RejectOnVeto,
		&a.PolicyID, &a.CreatedBy, &a.ExecutedBy, &executedAt, &result, &escalatedAt, &a.Version,
		&a.CreatedAt, &a.UpdatedAt, &a.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	a.IdempotencyKey = key.String
	a.Target = rawOf(target)
	a.Params = rawOf(params)
	a.Result = rawOf(result)
	if quorum.Valid {
		q, err := contracts.UnmarshalQuorum([]byte(quorum.String))
		if err != nil {
			return nil, fmt.Errorf("decode required_quorum: %w", err)
		}
		a.RequiredQuorum = q
	}
	a.ExecutedAt = timeOf(executedAt)
	a.EscalatedAt = timeOf(escalatedAt)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	a.ExpiresAt = a.ExpiresAt.UTC()
	return &a, nil
}

func scanAudit(row scanner) (*contracts.AuditEvent, error) {
	var (
		e        contracts.AuditEvent
		snapshot string
	)
	if err := row.Scan(&e.ID, &e.ActionID, &e.Seq, &e.Kind, &snapshot, &e.Actor, &e.CreatedAt, &e.PrevHash, &e.Hash); err != nil {
		return nil, err
	}
	e.Snapshot = json.RawMessage(snapshot)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func scanPolicy(row scanner) (*contracts.ApprovalPolicy, error) {
	var (
		p                   contracts.ApprovalPolicy
		criteria, overrides string
	)
	if err := row.Scan(&p.ID, &p.Name, &criteria, &overrides, &p.Priority, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(criteria), &p.Criteria); err != nil {
		return nil, fmt.Errorf("decode criteria: %w", err)
	}
	if err := json.Unmarshal([]byte(overrides), &p.Policy); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func encodePolicy(p *contracts.ApprovalPolicy) (criteria, overrides string, err error) {
	c, err := json.Marshal(p.Criteria)
	if err != nil {
		return "", "", fmt.Errorf("encode criteria: %w", err)
	}
	o, err := json.Marshal(p.Policy)
	if err != nil {
		return "", "", fmt.Errorf("encode policy: %w", err)
	}
	return string(c), string(o), nil
}

func requireOneRow(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return none
	}
	return nil
}

// isUniqueViolation recognizes unique constraint failures from both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRaw(r []byte) sql.NullString {
	return sql.NullString{String: string(r), Valid: len(r) > 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func rawOf(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func timeOf(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
