package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/shopkeeper/internal/common"
	"github.com/dmitrijs2005/shopkeeper/internal/dbx"
	"github.com/dmitrijs2005/shopkeeper/internal/server/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes mapped onto common errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const userColumns = `id, email, normalized_email, user_name, normalized_user_name,
	password_hash, security_stamp, concurrency_stamp, access_failed_count,
	lockout_end, refresh_token, refresh_token_expiration,
	first_name, last_name, phone_number, date_of_birth, created_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) FindByEmail(ctx context.Context, normalizedEmail string) (*models.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE normalized_email = $1`, normalizedEmail)
}

func (r *PostgresRepository) FindByUserName(ctx context.Context, normalizedUserName string) (*models.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE normalized_user_name = $1`, normalizedUserName)
}

func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		// not a uuid, so it cannot be stored
		return nil, common.ErrorNotFound
	}
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *PostgresRepository) findOne(ctx context.Context, query string, arg any) (*models.User, error) {
	u := &models.User{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.NormalizedEmail, &u.UserName, &u.NormalizedUserName,
		&u.PasswordHash, &u.SecurityStamp, &u.ConcurrencyStamp, &u.AccessFailedCount,
		&u.LockoutEnd, &u.RefreshToken, &u.RefreshTokenExpiration,
		&u.FirstName, &u.LastName, &u.PhoneNumber, &u.DateOfBirth, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	query :=
		`INSERT INTO users (id, email, normalized_email, user_name, normalized_user_name,
			password_hash, security_stamp, concurrency_stamp,
			first_name, last_name, phone_number, date_of_birth)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query,
		user.ID, user.Email, user.NormalizedEmail, user.UserName, user.NormalizedUserName,
		user.PasswordHash, user.SecurityStamp, user.ConcurrencyStamp,
		user.FirstName, user.LastName, user.PhoneNumber, user.DateOfBirth,
	).Scan(&user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("%w: %s", common.ErrorAlreadyExists, pgErr.ConstraintName)
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return user, nil
}

func (r *PostgresRepository) Update(ctx context.Context, user *models.User) error {
	query :=
		`UPDATE users SET
			email = $3, normalized_email = $4, user_name = $5, normalized_user_name = $6,
			password_hash = $7, security_stamp = $8, concurrency_stamp = $9,
			access_failed_count = $10, lockout_end = $11,
			refresh_token = $12, refresh_token_expiration = $13,
			first_name = $14, last_name = $15, phone_number = $16, date_of_birth = $17
		 WHERE id = $1 AND concurrency_stamp = $2`

	next := uuid.NewString()
	err := dbx.SingleRow(r.db.ExecContext(ctx, query,
		user.ID, user.ConcurrencyStamp,
		user.Email, user.NormalizedEmail, user.UserName, user.NormalizedUserName,
		user.PasswordHash, user.SecurityStamp, next,
		user.AccessFailedCount, user.LockoutEnd,
		user.RefreshToken, user.RefreshTokenExpiration,
		user.FirstName, user.LastName, user.PhoneNumber, user.DateOfBirth,
	))
	if err != nil {
		return mapWriteErr(err)
	}
	user.ConcurrencyStamp = next
	return nil
}

func (r *PostgresRepository) ReplaceRefreshToken(ctx context.Context, userID, previous, next string, expires time.Time) error {
	query :=
		`UPDATE users SET refresh_token = $3, refresh_token_expiration = $4, concurrency_stamp = $5
		 WHERE id = $1 AND refresh_token = $2`

	err := dbx.SingleRow(r.db.ExecContext(ctx, query, userID, previous, next, expires, uuid.NewString()))
	if err != nil {
		return mapWriteErr(err)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, user *models.User) error {
	query := `DELETE FROM users WHERE id = $1 AND concurrency_stamp = $2`

	if err := dbx.SingleRow(r.db.ExecContext(ctx, query, user.ID, user.ConcurrencyStamp)); err != nil {
		return mapWriteErr(err)
	}
	return nil
}

func (r *PostgresRepository) GetRoles(ctx context.Context, userID string) ([]string, error) {
	query :=
		`SELECT r.name FROM roles r
		 JOIN user_roles ur ON ur.role_id = r.id
		 WHERE ur.user_id = $1
		 ORDER BY r.name`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	roles := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		roles = append(roles, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return roles, nil
}

func (r *PostgresRepository) AddToRoles(ctx context.Context, userID string, roles []string) error {
	query :=
		`INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`

	for _, name := range roles {
		roleID, err := r.roleID(ctx, name)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, query, userID, roleID); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
				return fmt.Errorf("user %q: %w", userID, common.ErrorNotFound)
			}
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) RemoveFromRoles(ctx context.Context, userID string, roles []string) error {
	query := `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`

	for _, name := range roles {
		roleID, err := r.roleID(ctx, name)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, query, userID, roleID); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) roleID(ctx context.Context, name string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM roles WHERE normalized_name = $1`, models.Normalize(name)).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("role %q: %w", name, common.ErrorNotFound)
		}
		return "", fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

func mapWriteErr(err error) error {
	if errors.Is(err, dbx.ErrNoRowsAffected) {
		return common.ErrConcurrencyConflict
	}
	return fmt.Errorf("db error: %w", err)
}
