package users

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/shopkeeper/internal/common"
	"github.com/dmitrijs2005/shopkeeper/internal/server/models"
	"github.com/google/uuid"
)

// Constraint names reported with common.ErrorAlreadyExists, shared with the
// PostgreSQL schema.
const (
	ConstraintEmail    = "ux_users_normalized_email"
	ConstraintUserName = "ux_users_normalized_user_name"
)

// MemoryRepository keeps users in process memory with the same conflict
// semantics as PostgresRepository. Seeded with the default role catalogue.
type MemoryRepository struct {
	mu        sync.Mutex
	users     map[string]*models.User
	roles     map[string]models.Role         // by normalized name
	userRoles map[string]map[string]struct{} // user id -> normalized role names
}

func NewMemoryRepository() *MemoryRepository {
	r := &MemoryRepository{
		users:     map[string]*models.User{},
		roles:     map[string]models.Role{},
		userRoles: map[string]map[string]struct{}{},
	}
	for _, name := range []string{models.RoleAdmin, models.RolePowerUser, models.RoleCustomer} {
		r.roles[models.Normalize(name)] = models.Role{
			ID:               uuid.NewString(),
			Name:             name,
			NormalizedName:   models.Normalize(name),
			ConcurrencyStamp: uuid.NewString(),
		}
	}
	return r
}

func (r *MemoryRepository) FindByEmail(_ context.Context, normalizedEmail string) (*models.User, error) {
	return r.find(func(u *models.User) bool { return u.NormalizedEmail == normalizedEmail })
}

func (r *MemoryRepository) FindByUserName(_ context.Context, normalizedUserName string) (*models.User, error) {
	return r.find(func(u *models.User) bool { return u.NormalizedUserName == normalizedUserName })
}

func (r *MemoryRepository) FindByID(_ context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return u.Clone(), nil
}

func (r *MemoryRepository) find(match func(*models.User) bool) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if match(u) {
			return u.Clone(), nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *MemoryRepository) Create(_ context.Context, user *models.User) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.create(user)
}

func (r *MemoryRepository) create(user *models.User) (*models.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if _, ok := r.users[user.ID]; ok {
		return nil, fmt.Errorf("%w: users_pkey", common.ErrorAlreadyExists)
	}
	for _, u := range r.users {
		if u.NormalizedEmail == user.NormalizedEmail {
			return nil, fmt.Errorf("%w: %s", common.ErrorAlreadyExists, ConstraintEmail)
		}
		if u.NormalizedUserName == user.NormalizedUserName {
			return nil, fmt.Errorf("%w: %s", common.ErrorAlreadyExists, ConstraintUserName)
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	r.users[user.ID] = user.Clone()
	return user, nil
}

func (r *MemoryRepository) Update(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.update(user)
}

func (r *MemoryRepository) update(user *models.User) error {
	stored, ok := r.users[user.ID]
	if !ok || stored.ConcurrencyStamp != user.ConcurrencyStamp {
		return common.ErrConcurrencyConflict
	}
	for id, u := range r.users {
		if id == user.ID {
			continue
		}
		if u.NormalizedEmail == user.NormalizedEmail {
			return fmt.Errorf("%w: %s", common.ErrorAlreadyExists, ConstraintEmail)
		}
		if u.NormalizedUserName == user.NormalizedUserName {
			return fmt.Errorf("%w: %s", common.ErrorAlreadyExists, ConstraintUserName)
		}
	}

	next := user.Clone()
	next.ConcurrencyStamp = uuid.NewString()
	next.CreatedAt = stored.CreatedAt
	r.users[user.ID] = next
	user.ConcurrencyStamp = next.ConcurrencyStamp
	return nil
}

func (r *MemoryRepository) ReplaceRefreshToken(_ context.Context, userID, previous, next string, expires time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replaceRefreshToken(userID, previous, next, expires)
}

func (r *MemoryRepository) replaceRefreshToken(userID, previous, next string, expires time.Time) error {
	stored, ok := r.users[userID]
	if !ok || stored.RefreshToken == nil || *stored.RefreshToken != previous {
		return common.ErrConcurrencyConflict
	}
	u := stored.Clone()
	u.RefreshToken = &next
	u.RefreshTokenExpiration = &expires
	u.ConcurrencyStamp = uuid.NewString()
	r.users[userID] = u
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.delete(user)
	return err
}

// delete returns the normalized role names the user held.
func (r *MemoryRepository) delete(user *models.User) ([]string, error) {
	stored, ok := r.users[user.ID]
	if !ok || stored.ConcurrencyStamp != user.ConcurrencyStamp {
		return nil, common.ErrConcurrencyConflict
	}
	held := make([]string, 0, len(r.userRoles[user.ID]))
	for n := range r.userRoles[user.ID] {
		held = append(held, n)
	}
	delete(r.users, user.ID)
	delete(r.userRoles, user.ID)
	return held, nil
}

func (r *MemoryRepository) GetRoles(_ context.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roles := []string{}
	for n := range r.userRoles[userID] {
		roles = append(roles, r.roles[n].Name)
	}
	sort.Strings(roles)
	return roles, nil
}

func (r *MemoryRepository) AddToRoles(_ context.Context, userID string, roles []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.addToRoles(userID, roles)
	return err
}

// addToRoles returns the normalized names that were not held before.
func (r *MemoryRepository) addToRoles(userID string, roles []string) ([]string, error) {
	if err := r.checkRoles(roles); err != nil {
		return nil, err
	}
	if _, ok := r.users[userID]; !ok {
		return nil, fmt.Errorf("user %q: %w", userID, common.ErrorNotFound)
	}
	set, ok := r.userRoles[userID]
	if !ok {
		set = map[string]struct{}{}
		r.userRoles[userID] = set
	}
	var added []string
	for _, name := range roles {
		n := models.Normalize(name)
		if _, held := set[n]; !held {
			set[n] = struct{}{}
			added = append(added, n)
		}
	}
	return added, nil
}

func (r *MemoryRepository) RemoveFromRoles(_ context.Context, userID string, roles []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.removeFromRoles(userID, roles)
	return err
}

// removeFromRoles returns the normalized names that were actually held.
func (r *MemoryRepository) removeFromRoles(userID string, roles []string) ([]string, error) {
	if err := r.checkRoles(roles); err != nil {
		return nil, err
	}
	var removed []string
	for _, name := range roles {
		n := models.Normalize(name)
		if _, held := r.userRoles[userID][n]; held {
			delete(r.userRoles[userID], n)
			removed = append(removed, n)
		}
	}
	return removed, nil
}

func (r *MemoryRepository) checkRoles(roles []string) error {
	for _, name := range roles {
		if _, ok := r.roles[models.Normalize(name)]; !ok {
			return fmt.Errorf("role %q: %w", name, common.ErrorNotFound)
		}
	}
	return nil
}

// Tx runs fn against a journaled view of the repository. When fn fails, its
// writes are undone: created users are removed, a user row it changed is
// restored only while it still carries the stamp this transaction wrote, and
// role links it added or removed are reverted one by one. Writes committed by
// other callers in the meantime are kept.
func (r *MemoryRepository) Tx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	j := &journal{
		MemoryRepository: r,
		created:          map[string]struct{}{},
		rows:             map[string]rowUndo{},
	}
	if err := fn(ctx, j); err != nil {
		j.rollback()
		return err
	}
	return nil
}

type rowUndo struct {
	before *models.User
	after  string // stamp left by the last write, empty when deleted
}

type roleUndo struct {
	userID string
	role   string
	added  bool
}

type journal struct {
	*MemoryRepository
	created map[string]struct{}
	rows    map[string]rowUndo
	roleOps []roleUndo
}

// write runs op under the lock and records how to undo it for row id.
func (j *journal) write(id string, op func() error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var before *models.User
	if u, ok := j.users[id]; ok {
		before = u.Clone()
	}
	if err := op(); err != nil {
		return err
	}
	if _, ok := j.created[id]; ok {
		return nil
	}
	rec, seen := j.rows[id]
	if !seen {
		rec.before = before
	}
	rec.after = ""
	if u, ok := j.users[id]; ok {
		rec.after = u.ConcurrencyStamp
	}
	j.rows[id] = rec
	return nil
}

func (j *journal) noteRoles(userID string, names []string, added bool) {
	for _, n := range names {
		j.roleOps = append(j.roleOps, roleUndo{userID: userID, role: n, added: added})
	}
}

func (j *journal) rollback() {
	j.mu.Lock()
	defer j.mu.Unlock()

	for id := range j.created {
		delete(j.users, id)
		delete(j.userRoles, id)
	}
	for id, rec := range j.rows {
		if rec.before == nil {
			continue
		}
		cur, ok := j.users[id]
		switch {
		case rec.after == "" && !ok:
			j.users[id] = rec.before
		case ok && cur.ConcurrencyStamp == rec.after:
			j.users[id] = rec.before
		}
	}
	for i := len(j.roleOps) - 1; i >= 0; i-- {
		op := j.roleOps[i]
		if _, ok := j.created[op.userID]; ok {
			continue
		}
		if _, ok := j.users[op.userID]; !ok {
			continue
		}
		if op.added {
			delete(j.userRoles[op.userID], op.role)
			continue
		}
		set, ok := j.userRoles[op.userID]
		if !ok {
			set = map[string]struct{}{}
			j.userRoles[op.userID] = set
		}
		set[op.role] = struct{}{}
	}
}

func (j *journal) Create(_ context.Context, user *models.User) (*models.User, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	u, err := j.create(user)
	if err != nil {
		return nil, err
	}
	j.created[u.ID] = struct{}{}
	return u, nil
}

func (j *journal) Update(_ context.Context, user *models.User) error {
	return j.write(user.ID, func() error { return j.update(user) })
}

func (j *journal) ReplaceRefreshToken(_ context.Context, userID, previous, next string, expires time.Time) error {
	return j.write(userID, func() error { return j.replaceRefreshToken(userID, previous, next, expires) })
}

func (j *journal) Delete(_ context.Context, user *models.User) error {
	return j.write(user.ID, func() error {
		held, err := j.delete(user)
		if err == nil {
			j.noteRoles(user.ID, held, false)
		}
		return err
	})
}

func (j *journal) AddToRoles(_ context.Context, userID string, roles []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	added, err := j.addToRoles(userID, roles)
	j.noteRoles(userID, added, true)
	return err
}

func (j *journal) RemoveFromRoles(_ context.Context, userID string, roles []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	removed, err := j.removeFromRoles(userID, roles)
	j.noteRoles(userID, removed, false)
	return err
}
