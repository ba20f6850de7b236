package redirects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	pqUniqueViolation = "23505"
	pqUndefinedTable  = "42P01"
)

const ruleColumns = `id, unique_id, inbound_protocol, inbound_host, inbound_port,
	outbound_protocol, outbound_host, outbound_port, outbound_path,
	keep_path, status_code, created_at, updated_at`

// PostgresRuleStore implements RuleStore backed by PostgreSQL
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a PostgreSQL-backed RuleStore
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var r Rule
	var inbound, outbound string
	err := row.Scan(
		&r.ID,
		&r.UniqueID,
		&inbound,
		&r.InboundHost,
		&r.InboundPort,
		&outbound,
		&r.OutboundHost,
		&r.OutboundPort,
		&r.OutboundPath,
		&r.KeepPath,
		&r.StatusCode,
		&r.Created,
		&r.Updated,
	)
	if err != nil {
		return nil, err
	}
	r.InboundProtocol = Protocol(inbound)
	r.OutboundProtocol = Protocol(outbound)
	r.Created = r.Created.UTC()
	r.Updated = r.Updated.UTC()
	return &r, nil
}

// isUndefinedTable reports whether the schema has not been migrated yet.
// Reads treat that as an empty rule set.
func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUndefinedTable
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// GetAll returns every rule ordered by id
func (s *PostgresRuleStore) GetAll(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM redirect_rules ORDER BY id ASC`)
	if isUndefinedTable(err) {
		return []*Rule{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list rules: %w", ErrPersistence, err)
	}
	defer rows.Close()

	rulesList := []*Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan rule: %w", ErrPersistence, err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating rules: %w", ErrPersistence, err)
	}

	return rulesList, nil
}

func (s *PostgresRuleStore) getOne(ctx context.Context, what string, where string, args ...any) (*Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM redirect_rules WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) || isUndefinedTable(err) {
		return nil, fmt.Errorf("rule %s: %w", what, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get rule %s: %w", ErrPersistence, what, err)
	}
	return r, nil
}

// GetByID retrieves a rule by numeric id
func (s *PostgresRuleStore) GetByID(ctx context.Context, id int64) (*Rule, error) {
	return s.getOne(ctx, fmt.Sprint(id), `id = $1`, id)
}

// GetByUniqueID retrieves a rule by unique id
func (s *PostgresRuleStore) GetByUniqueID(ctx context.Context, uniqueID uuid.UUID) (*Rule, error) {
	return s.getOne(ctx, uniqueID.String(), `unique_id = $1`, uniqueID)
}

// GetByInbound retrieves the rule owning an inbound triple
func (s *PostgresRuleStore) GetByInbound(ctx context.Context, protocol Protocol, host string, port int) (*Rule, error) {
	return s.getOne(ctx, Key(protocol, host, port),
		`inbound_protocol = $1 AND inbound_host = $2 AND inbound_port = $3`,
		string(protocol), NormalizeHost(host), port)
}

// Insert stores a new rule and sets its ID
func (s *PostgresRuleStore) Insert(ctx context.Context, rule *Rule) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO redirect_rules (unique_id, inbound_protocol, inbound_host, inbound_port,
			outbound_protocol, outbound_host, outbound_port, outbound_path,
			keep_path, status_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`, rule.UniqueID, string(rule.InboundProtocol), rule.InboundHost, rule.InboundPort,
		string(rule.OutboundProtocol), rule.OutboundHost, rule.OutboundPort, rule.OutboundPath,
		rule.KeepPath, rule.StatusCode, rule.Created, rule.Updated).Scan(&rule.ID)

	if isUniqueViolation(err) {
		return fmt.Errorf("%w: inbound %s already exists", ErrConflict, rule.Key())
	}
	if err != nil {
		return fmt.Errorf("%w: failed to insert rule: %w", ErrPersistence, err)
	}

	return nil
}

// Update modifies an existing rule
func (s *PostgresRuleStore) Update(ctx context.Context, rule *Rule) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE redirect_rules
		SET inbound_protocol = $1, inbound_host = $2, inbound_port = $3,
			outbound_protocol = $4, outbound_host = $5, outbound_port = $6, outbound_path = $7,
			keep_path = $8, status_code = $9, updated_at = $10
		WHERE id = $11
	`, string(rule.InboundProtocol), rule.InboundHost, rule.InboundPort,
		string(rule.OutboundProtocol), rule.OutboundHost, rule.OutboundPort, rule.OutboundPath,
		rule.KeepPath, rule.StatusCode, rule.Updated, rule.ID)

	if isUniqueViolation(err) {
		return fmt.Errorf("%w: inbound %s already exists", ErrConflict, rule.Key())
	}
	if err != nil {
		return fmt.Errorf("%w: failed to update rule: %w", ErrPersistence, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to get rows affected: %w", ErrPersistence, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %d: %w", rule.ID, ErrNotFound)
	}

	return nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(ctx context.Context, rule *Rule) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM redirect_rules WHERE id = $1`, rule.ID)
	if err != nil {
		return fmt.Errorf("%w: failed to delete rule: %w", ErrPersistence, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to get rows affected: %w", ErrPersistence, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %d: %w", rule.ID, ErrNotFound)
	}

	return nil
}
