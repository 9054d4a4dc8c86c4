package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/talesofai/nietest/internal/domain"
)

// UserRepo persists and loads users from PostgreSQL using a minimal pgx pool.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// Create inserts a new user and returns its id (generates one if empty).
func (r *UserRepo) Create(ctx domain.Context, u domain.User) (string, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Create")
	defer span.End()
	id := u.ID
	if id == "" {
		id = uuid.New().String()
	}
	roles := u.Roles
	if len(roles) == 0 {
		roles = []string{"user"}
	}
	now := time.Now().UTC()
	q := `INSERT INTO users (id, username, hashed_password, roles, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.Pool.Exec(ctx, q, id, u.Username, u.PasswordHash, roles, u.IsActive, now, now)
	if err != nil {
		return "", fmt.Errorf("op=user.create: %w", err)
	}
	return id, nil
}

// Upsert inserts the user or, when the username already exists, refreshes its
// password hash, roles and active flag. Returns the id of the stored row,
// which on conflict is the pre-existing one.
func (r *UserRepo) Upsert(ctx domain.Context, u domain.User) (string, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Upsert")
	defer span.End()
	id := u.ID
	if id == "" {
		id = uuid.New().String()
	}
	roles := u.Roles
	if len(roles) == 0 {
		roles = []string{"user"}
	}
	now := time.Now().UTC()
	q := `INSERT INTO users (id, username, hashed_password, roles, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (username) DO UPDATE SET
			hashed_password = EXCLUDED.hashed_password,
			roles           = EXCLUDED.roles,
			is_active       = EXCLUDED.is_active,
			updated_at      = EXCLUDED.updated_at
		RETURNING id`
	var stored string
	if err := r.Pool.QueryRow(ctx, q, id, u.Username, u.PasswordHash, roles, u.IsActive, now, now).Scan(&stored); err != nil {
		return "", fmt.Errorf("op=user.upsert: %w", err)
	}
	return stored, nil
}

const userColumns = `id, username, hashed_password, COALESCE(roles,'[]'::jsonb), is_active, created_at, updated_at`

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Roles, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// Get loads a user by id.
func (r *UserRepo) Get(ctx domain.Context, id string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()
	u, err := scanUser(r.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get: %w", err)
	}
	return u, nil
}

// GetByUsername loads a user by username.
func (r *UserRepo) GetByUsername(ctx domain.Context, username string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.GetByUsername")
	defer span.End()
	u, err := scanUser(r.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1 LIMIT 1`, username))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.User{}, fmt.Errorf("op=user.get_by_username: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get_by_username: %w", err)
	}
	return u, nil
}
