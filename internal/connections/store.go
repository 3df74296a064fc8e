package connections

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"event-pipes/internal/common/errors"
	"event-pipes/internal/common/logging"
	"event-pipes/internal/crypto"
)

// DefaultCacheTTL bounds how long a resolved profile may be served without
// re-reading the database, so credential rotations take effect promptly.
const DefaultCacheTTL = 30 * time.Second

type cachedProfile struct {
	profile *AuthProfile
	expires time.Time
}

type cachedDestination struct {
	dest    *Destination
	expires time.Time
}

// Store is the SQLite-backed connection and destination registry. Auth
// secrets are encrypted before they touch the database and decrypted only
// when a dispatcher resolves them. Resolution results are cached behind a
// mutex with a TTL since every HTTP dispatch consults them.
type Store struct {
	db        *sql.DB
	encryptor *crypto.Encryptor
	region    string
	accountID string
	logger    logging.Logger

	mu       sync.RWMutex
	profiles map[string]cachedProfile
	dests    map[string]cachedDestination
	cacheTTL time.Duration
}

// NewStore migrates the connection tables and returns a ready Store. The
// db handle is shared with the pipe store; the Store does not close it.
func NewStore(db *sql.DB, encryptor *crypto.Encryptor, region, accountID string, logger logging.Logger) (*Store, error) {
	s := &Store{
		db:        db,
		encryptor: encryptor,
		region:    region,
		accountID: accountID,
		logger:    logger,
		profiles:  make(map[string]cachedProfile),
		dests:     make(map[string]cachedDestination),
		cacheTTL:  DefaultCacheTTL,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS connections (
			name TEXT PRIMARY KEY,
			arn TEXT NOT NULL UNIQUE,
			description TEXT DEFAULT '',
			auth_type TEXT NOT NULL,
			auth_secrets TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS api_destinations (
			name TEXT PRIMARY KEY,
			arn TEXT NOT NULL UNIQUE,
			description TEXT DEFAULT '',
			endpoint TEXT NOT NULL,
			http_method TEXT NOT NULL DEFAULT 'POST',
			connection_arn TEXT NOT NULL,
			batch_support BOOLEAN DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return errors.InternalError("failed to migrate connection tables", err)
		}
	}
	return nil
}

// ConnectionARN synthesizes the ARN a connection is addressed by.
func (s *Store) ConnectionARN(name string) string {
	return fmt.Sprintf("arn:aws:events:%s:%s:connection/%s", s.region, s.accountID, name)
}

// DestinationARN synthesizes the ARN an API destination is addressed by.
func (s *Store) DestinationARN(name string) string {
	return fmt.Sprintf("arn:aws:events:%s:%s:api-destination/%s", s.region, s.accountID, name)
}

// CreateConnection stores a connection with its secrets encrypted.
func (s *Store) CreateConnection(ctx context.Context, conn *Connection) (*Connection, error) {
	if err := validateProfile(conn.AuthType, &conn.Auth); err != nil {
		return nil, err
	}

	secrets, err := json.Marshal(conn.Auth)
	if err != nil {
		return nil, errors.InternalError("failed to encode auth profile", err)
	}
	sealed, err := s.encryptor.Encrypt(string(secrets))
	if err != nil {
		return nil, err
	}

	conn.ARN = s.ConnectionARN(conn.Name)
	conn.CreationTime = time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO connections (name, arn, description, auth_type, auth_secrets, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conn.Name, conn.ARN, conn.Description, string(conn.AuthType), sealed, conn.CreationTime)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.ConflictError(fmt.Sprintf("connection %s already exists", conn.Name))
		}
		return nil, errors.InternalError("failed to store connection", err)
	}
	return conn, nil
}

// GetConnection returns a connection by name without its secrets.
func (s *Store) GetConnection(ctx context.Context, name string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, arn, description, auth_type, created_at FROM connections WHERE name = ?`, name)

	var conn Connection
	var authType string
	err := row.Scan(&conn.Name, &conn.ARN, &conn.Description, &authType, &conn.CreationTime)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("connection " + name)
	}
	if err != nil {
		return nil, errors.InternalError("failed to read connection", err)
	}
	conn.AuthType = AuthType(authType)
	return &conn, nil
}

// ListConnections returns all connections without their secrets.
func (s *Store) ListConnections(ctx context.Context) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, arn, description, auth_type, created_at FROM connections ORDER BY name`)
	if err != nil {
		return nil, errors.InternalError("failed to list connections", err)
	}
	defer rows.Close()

	var out []*Connection
	for rows.Next() {
		var conn Connection
		var authType string
		if err := rows.Scan(&conn.Name, &conn.ARN, &conn.Description, &authType, &conn.CreationTime); err != nil {
			return nil, errors.InternalError("failed to scan connection", err)
		}
		conn.AuthType = AuthType(authType)
		out = append(out, &conn)
	}
	return out, rows.Err()
}

// DeleteConnection removes a connection and evicts it from the cache.
func (s *Store) DeleteConnection(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE name = ?`, name)
	if err != nil {
		return errors.InternalError("failed to delete connection", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError("connection " + name)
	}

	s.mu.Lock()
	delete(s.profiles, s.ConnectionARN(name))
	s.mu.Unlock()
	return nil
}

// CreateDestination stores an API destination after checking its connection
// exists.
func (s *Store) CreateDestination(ctx context.Context, dest *Destination) (*Destination, error) {
	if dest.Endpoint == "" {
		return nil, errors.ValidationError("destination endpoint cannot be empty")
	}
	if dest.HTTPMethod == "" {
		dest.HTTPMethod = "POST"
	}

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM connections WHERE arn = ?`, dest.ConnectionARN).Scan(&exists)
	if err != nil {
		return nil, errors.InternalError("failed to check connection", err)
	}
	if exists == 0 {
		return nil, errors.ValidationError("destination references unknown connection " + dest.ConnectionARN)
	}

	dest.ARN = s.DestinationARN(dest.Name)
	dest.CreationTime = time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_destinations (name, arn, description, endpoint, http_method, connection_arn, batch_support, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dest.Name, dest.ARN, dest.Description, dest.Endpoint, dest.HTTPMethod,
		dest.ConnectionARN, dest.BatchSupport, dest.CreationTime)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.ConflictError(fmt.Sprintf("destination %s already exists", dest.Name))
		}
		return nil, errors.InternalError("failed to store destination", err)
	}
	return dest, nil
}

// DeleteDestination removes an API destination and evicts it from the cache.
func (s *Store) DeleteDestination(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_destinations WHERE name = ?`, name)
	if err != nil {
		return errors.InternalError("failed to delete destination", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError("destination " + name)
	}

	s.mu.Lock()
	delete(s.dests, s.DestinationARN(name))
	s.mu.Unlock()
	return nil
}

// ResolveConnection returns the decrypted auth profile for a connection
// ARN. Database failures are reported transient so dispatchers retry;
// missing or undecryptable records are permanent.
func (s *Store) ResolveConnection(ctx context.Context, connectionARN string) (*AuthProfile, error) {
	s.mu.RLock()
	if c, ok := s.profiles[connectionARN]; ok && time.Now().Before(c.expires) {
		s.mu.RUnlock()
		return c.profile, nil
	}
	s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT auth_type, auth_secrets FROM connections WHERE arn = ?`, connectionARN)

	var authType, sealed string
	err := row.Scan(&authType, &sealed)
	if err == sql.ErrNoRows {
		return nil, errors.AuthResolutionError("connection not found: "+connectionARN, false, nil)
	}
	if err != nil {
		return nil, errors.AuthResolutionError("connection store unavailable", true, err)
	}

	secrets, err := s.encryptor.Decrypt(sealed)
	if err != nil {
		return nil, errors.AuthResolutionError("failed to decrypt connection secrets", false, err)
	}

	var profile AuthProfile
	if err := json.Unmarshal([]byte(secrets), &profile); err != nil {
		return nil, errors.AuthResolutionError("corrupt auth profile", false, err)
	}
	profile.Type = AuthType(authType)
	s.logger.Debug("resolved connection", logging.String("arn", connectionARN))

	s.mu.Lock()
	s.profiles[connectionARN] = cachedProfile{profile: &profile, expires: time.Now().Add(s.cacheTTL)}
	s.mu.Unlock()
	return &profile, nil
}

// ResolveDestination returns the destination record for an ARN.
func (s *Store) ResolveDestination(ctx context.Context, destinationARN string) (*Destination, error) {
	s.mu.RLock()
	if c, ok := s.dests[destinationARN]; ok && time.Now().Before(c.expires) {
		s.mu.RUnlock()
		return c.dest, nil
	}
	s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT name, arn, description, endpoint, http_method, connection_arn, batch_support, created_at
		 FROM api_destinations WHERE arn = ?`, destinationARN)

	var dest Destination
	err := row.Scan(&dest.Name, &dest.ARN, &dest.Description, &dest.Endpoint,
		&dest.HTTPMethod, &dest.ConnectionARN, &dest.BatchSupport, &dest.CreationTime)
	if err == sql.ErrNoRows {
		return nil, errors.AuthResolutionError("destination not found: "+destinationARN, false, nil)
	}
	if err != nil {
		return nil, errors.AuthResolutionError("connection store unavailable", true, err)
	}

	s.mu.Lock()
	s.dests[destinationARN] = cachedDestination{dest: &dest, expires: time.Now().Add(s.cacheTTL)}
	s.mu.Unlock()
	return &dest, nil
}

func validateProfile(t AuthType, p *AuthProfile) error {
	p.Type = t
	switch t {
	case AuthAPIKey:
		if p.APIKeyName == "" || p.APIKeyValue == "" {
			return errors.ValidationError("api-key connections require a key name and value")
		}
	case AuthBasic:
		if p.Username == "" || p.Password == "" {
			return errors.ValidationError("basic connections require a username and password")
		}
	case AuthOAuthClientCredentials:
		if p.TokenEndpoint == "" || p.ClientID == "" || p.ClientSecret == "" {
			return errors.ValidationError("oauth connections require a token endpoint, client id and secret")
		}
	default:
		return errors.ValidationError(fmt.Sprintf("unsupported auth type %q", t))
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
