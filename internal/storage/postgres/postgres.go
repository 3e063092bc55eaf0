package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authcore/internal/config"
	"authcore/internal/models"
	"authcore/internal/storage"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type PostgresRepo struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg *config.Config) (*PostgresRepo, error) {
	const op = "storage.postgres.New"

	dsn := dsn(cfg)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse config: %w", op, err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = time.Minute * 30

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create pool: %w", op, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: failed to ping database: %w", op, err)
	}

	return &PostgresRepo{pool: pool}, nil
}

func (r *PostgresRepo) SaveUser(ctx context.Context, u models.User) error {
	const op = "storage.postgres.SaveUser"

	query := `
		INSERT INTO users (id, email, email_verified, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6);
	`

	var passHash *string
	if len(u.PassHash) > 0 {
		s := string(u.PassHash)
		passHash = &s
	}

	_, err := r.pool.Exec(ctx, query, u.ID, u.Email, u.EmailVerified, passHash, string(u.Role), u.CreatedAt)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == uniqueViolation {
			return storage.ErrUserExists
		}

		return fmt.Errorf("%s: failed to save user: %w", op, err)
	}

	return nil
}

const userColumns = `
	id, email, email_verified, password_hash, role,
	created_at, updated_at, last_login_at, deleted_at
`

func (r *PostgresRepo) UserByEmail(ctx context.Context, email string, includeDeleted bool) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}

	return r.scanUser(r.pool.QueryRow(ctx, query, email))
}

func (r *PostgresRepo) UserByID(ctx context.Context, id uuid.UUID, includeDeleted bool) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}

	return r.scanUser(r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresRepo) scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	var passHash *string
	var role string

	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.EmailVerified,
		&passHash,
		&role,
		&u.CreatedAt,
		&u.UpdatedAt,
		&u.LastLoginAt,
		&u.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, storage.ErrUserNotFound
		}

		return models.User{}, err
	}

	if passHash != nil {
		u.PassHash = []byte(*passHash)
	}
	u.Role = models.Role(role)

	return u, nil
}

// * SetPassword устанавливает пароль и подтверждает email (парольная привязка
// для OAuth-only пользователей).
func (r *PostgresRepo) SetPassword(ctx context.Context, userID uuid.UUID, passHash []byte, now time.Time) error {
	const op = "storage.postgres.SetPassword"

	query := `
		UPDATE users
		SET password_hash = $2, email_verified = TRUE, updated_at = $3
		WHERE id = $1 AND deleted_at IS NULL;
	`

	tag, err := r.pool.Exec(ctx, query, userID, string(passHash), now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrUserNotFound
	}

	return nil
}

func (r *PostgresRepo) SetEmailVerified(ctx context.Context, userID uuid.UUID, now time.Time) error {
	query := `UPDATE users SET email_verified = TRUE, updated_at = $2 WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, userID, now)

	return err
}

func (r *PostgresRepo) TouchLastLogin(ctx context.Context, userID uuid.UUID, now time.Time) error {
	query := `UPDATE users SET last_login_at = $2, updated_at = $2 WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, userID, now)

	return err
}

func (r *PostgresRepo) SaveOAuthAccount(ctx context.Context, a models.OAuthAccount) error {
	const op = "storage.postgres.SaveOAuthAccount"

	query := `
		INSERT INTO oauth_accounts (id, user_id, provider, provider_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5);
	`

	_, err := r.pool.Exec(ctx, query, a.ID, a.UserID, string(a.Provider), a.ProviderUserID, a.CreatedAt)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == uniqueViolation {
			return storage.ErrOAuthAccountExists
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (r *PostgresRepo) AccountByProvider(ctx context.Context, provider models.Provider, providerUserID string) (models.OAuthAccount, error) {
	query := `
		SELECT id, user_id, provider, provider_user_id, created_at
		FROM oauth_accounts
		WHERE provider = $1 AND provider_user_id = $2;
	`

	var a models.OAuthAccount
	var p string

	err := r.pool.QueryRow(ctx, query, string(provider), providerUserID).Scan(
		&a.ID, &a.UserID, &p, &a.ProviderUserID, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.OAuthAccount{}, storage.ErrOAuthAccountNotFound
		}

		return models.OAuthAccount{}, err
	}

	a.Provider = models.Provider(p)

	return a, nil
}

func (r *PostgresRepo) AccountsByUser(ctx context.Context, userID uuid.UUID) ([]models.OAuthAccount, error) {
	const op = "storage.postgres.AccountsByUser"

	query := `
		SELECT id, user_id, provider, provider_user_id, created_at
		FROM oauth_accounts
		WHERE user_id = $1
		ORDER BY created_at;
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var accounts []models.OAuthAccount
	for rows.Next() {
		var a models.OAuthAccount
		var p string

		if err := rows.Scan(&a.ID, &a.UserID, &p, &a.ProviderUserID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		a.Provider = models.Provider(p)
		accounts = append(accounts, a)
	}

	return accounts, rows.Err()
}

func (r *PostgresRepo) SaveRefreshToken(ctx context.Context, t models.RefreshToken) error {
	const op = "storage.postgres.SaveRefreshToken"

	query := `
		INSERT INTO refresh_tokens (id, user_id, token_hash, issued_at, expires_at, user_agent, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`

	_, err := r.pool.Exec(ctx, query, t.ID, t.UserID, t.TokenHash, t.IssuedAt, t.ExpiresAt, t.UserAgent, t.IPAddress)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// * ConsumeRefreshToken атомарно отзывает активный токен одним условным
// UPDATE. Из двух гонящихся запросов ровно один получит строку.
func (r *PostgresRepo) ConsumeRefreshToken(ctx context.Context, tokenHash []byte, reason models.RevokeReason, now time.Time) (models.RefreshToken, error) {
	const op = "storage.postgres.ConsumeRefreshToken"

	query := `
		UPDATE refresh_tokens
		SET revoked_at = $2, revoked_reason = $3, last_used_at = $2
		WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > $2
		RETURNING id, user_id, token_hash, issued_at, expires_at, last_used_at,
			user_agent, ip_address, revoked_at, revoked_reason;
	`

	row := r.pool.QueryRow(ctx, query, tokenHash, now, string(reason))

	t, err := scanRefreshToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.RefreshToken{}, storage.ErrRefreshTokenNotFound
		}

		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	return t, nil
}

func (r *PostgresRepo) GetRefreshToken(ctx context.Context, tokenHash []byte) (models.RefreshToken, error) {
	query := `
		SELECT id, user_id, token_hash, issued_at, expires_at, last_used_at,
			user_agent, ip_address, revoked_at, revoked_reason
		FROM refresh_tokens
		WHERE token_hash = $1;
	`

	t, err := scanRefreshToken(r.pool.QueryRow(ctx, query, tokenHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.RefreshToken{}, storage.ErrRefreshTokenNotFound
		}

		return models.RefreshToken{}, err
	}

	return t, nil
}

// * RevokeRefreshToken идемпотентно отзывает токен; отсутствие строки не ошибка.
func (r *PostgresRepo) RevokeRefreshToken(ctx context.Context, tokenHash []byte, reason models.RevokeReason, now time.Time) error {
	const op = "storage.postgres.RevokeRefreshToken"

	query := `
		UPDATE refresh_tokens
		SET revoked_at = $2, revoked_reason = $3
		WHERE token_hash = $1 AND revoked_at IS NULL;
	`

	_, err := r.pool.Exec(ctx, query, tokenHash, now, string(reason))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func scanRefreshToken(row pgx.Row) (models.RefreshToken, error) {
	var t models.RefreshToken
	var reason *string

	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.TokenHash,
		&t.IssuedAt,
		&t.ExpiresAt,
		&t.LastUsedAt,
		&t.UserAgent,
		&t.IPAddress,
		&t.RevokedAt,
		&reason,
	)
	if err != nil {
		return models.RefreshToken{}, err
	}

	if reason != nil {
		t.RevokedReason = models.RevokeReason(*reason)
	}

	return t, nil
}

func (r *PostgresRepo) SaveCode(ctx context.Context, c models.EmailVerificationCode) error {
	const op = "storage.postgres.SaveCode"

	query := `
		INSERT INTO email_verification_codes (id, email, purpose, code_hash, code_salt, attempts, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`

	_, err := r.pool.Exec(ctx, query, c.ID, c.Email, string(c.Purpose), c.CodeHash, c.CodeSalt, c.Attempts, c.CreatedAt, c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// * LatestCode возвращает последний неиспользованный код для (email, purpose).
// Истекший код тоже возвращается: слой workflow различает invalid и expired.
func (r *PostgresRepo) LatestCode(ctx context.Context, email string, purpose models.VerificationPurpose) (models.EmailVerificationCode, error) {
	query := `
		SELECT id, email, purpose, code_hash, code_salt, attempts, created_at, expires_at, used_at
		FROM email_verification_codes
		WHERE email = $1 AND purpose = $2 AND used_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1;
	`

	var c models.EmailVerificationCode
	var p string

	err := r.pool.QueryRow(ctx, query, email, string(purpose)).Scan(
		&c.ID, &c.Email, &p, &c.CodeHash, &c.CodeSalt, &c.Attempts, &c.CreatedAt, &c.ExpiresAt, &c.UsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EmailVerificationCode{}, storage.ErrCodeNotFound
		}

		return models.EmailVerificationCode{}, err
	}

	c.Purpose = models.VerificationPurpose(p)

	return c, nil
}

func (r *PostgresRepo) InvalidateActiveCodes(ctx context.Context, email string, purpose models.VerificationPurpose, now time.Time) error {
	const op = "storage.postgres.InvalidateActiveCodes"

	query := `
		UPDATE email_verification_codes
		SET used_at = $3
		WHERE email = $1 AND purpose = $2 AND used_at IS NULL;
	`

	_, err := r.pool.Exec(ctx, query, email, string(purpose), now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// * IncrementAttempts атомарно увеличивает счетчик попыток и возвращает
// новое значение; использованный код не трогается.
func (r *PostgresRepo) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	const op = "storage.postgres.IncrementAttempts"

	query := `
		UPDATE email_verification_codes
		SET attempts = attempts + 1
		WHERE id = $1 AND used_at IS NULL
		RETURNING attempts;
	`

	var attempts int

	err := r.pool.QueryRow(ctx, query, id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, storage.ErrCodeNotFound
		}

		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return attempts, nil
}

func (r *PostgresRepo) MarkCodeUsed(ctx context.Context, id uuid.UUID, now time.Time) error {
	const op = "storage.postgres.MarkCodeUsed"

	query := `
		UPDATE email_verification_codes
		SET used_at = $2
		WHERE id = $1 AND used_at IS NULL;
	`

	tag, err := r.pool.Exec(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrCodeNotFound
	}

	return nil
}

func (r *PostgresRepo) Close() {
	r.pool.Close()
}

// * dsn формирует конфигурацию базы данных.
func dsn(cfg *config.Config) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s database=%s sslmode=%s",
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DBName,
		cfg.Postgres.SSLMode,
	)
}
