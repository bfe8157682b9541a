package users

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/shopkeeper/internal/common"
	"github.com/dmitrijs2005/shopkeeper/internal/server/models"
	"github.com/jackc/pgx/v5/pgconn"
)

const testUserID = "0b7e6a8e-4a4b-4f55-9a43-6c5e0c1b2d3e"

var userColumnNames = []string{
	"id", "email", "normalized_email", "user_name", "normalized_user_name",
	"password_hash", "security_stamp", "concurrency_stamp", "access_failed_count",
	"lockout_end", "refresh_token", "refresh_token_expiration",
	"first_name", "last_name", "phone_number", "date_of_birth", "created_at",
}

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func sampleUser() *models.User {
	return &models.User{
		ID:                 testUserID,
		Email:              "alice@example.com",
		NormalizedEmail:    "ALICE@EXAMPLE.COM",
		UserName:           "alice",
		NormalizedUserName: "ALICE",
		PasswordHash:       "10000.c2FsdA==.a2V5",
		SecurityStamp:      "stamp",
		ConcurrencyStamp:   "cs-1",
		FirstName:          "Alice",
	}
}

func TestFindByEmail_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	lockout := created.Add(time.Hour)
	rows := sqlmock.NewRows(userColumnNames).AddRow(
		testUserID, "alice@example.com", "ALICE@EXAMPLE.COM", "alice", "ALICE",
		"hash", "stamp", "cs-1", int64(3),
		lockout, nil, nil,
		"Alice", "Smith", "", nil, created,
	)
	mock.ExpectQuery(`(?s)^SELECT id, email, .* FROM users WHERE normalized_email = \$1$`).
		WithArgs("ALICE@EXAMPLE.COM").
		WillReturnRows(rows)

	u, err := repo.FindByEmail(context.Background(), "ALICE@EXAMPLE.COM")
	if err != nil {
		t.Fatalf("FindByEmail error: %v", err)
	}
	if u.ID != testUserID || u.AccessFailedCount != 3 || u.LastName != "Smith" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if u.LockoutEnd == nil || !u.LockoutEnd.Equal(lockout) {
		t.Fatalf("unexpected lockout end: %v", u.LockoutEnd)
	}
	if u.RefreshToken != nil || u.RefreshTokenExpiration != nil || u.DateOfBirth != nil {
		t.Fatalf("NULL columns must scan to nil: %+v", u)
	}
	if !u.CreatedAt.Equal(created) {
		t.Fatalf("unexpected created_at: %v", u.CreatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestFindByUserName_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM users WHERE normalized_user_name = \$1`).
		WithArgs("GHOST").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByUserName(context.Background(), "GHOST")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
}

func TestFindByID_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM users WHERE id = \$1`).
		WithArgs(testUserID).
		WillReturnError(errors.New("db down"))

	_, err := repo.FindByID(context.Background(), testUserID)
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestFindByID_NotUUID(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	_, err := repo.FindByID(context.Background(), "not-a-uuid")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no query expected: %v", err)
	}
}

func TestCreate_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	u := sampleUser()
	created := time.Now().UTC()
	mock.ExpectQuery(`(?s)^INSERT INTO users \(id, email, .*\) VALUES \(\$1, .*\$12\) RETURNING created_at$`).
		WithArgs(u.ID, u.Email, u.NormalizedEmail, u.UserName, u.NormalizedUserName,
			u.PasswordHash, u.SecurityStamp, u.ConcurrencyStamp,
			u.FirstName, u.LastName, u.PhoneNumber, nil).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	got, err := repo.Create(context.Background(), u)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at not set: %+v", got)
	}
}

func TestCreate_UniqueViolation(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO users`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: ConstraintEmail})

	_, err := repo.Create(context.Background(), sampleUser())
	if !errors.Is(err, common.ErrorAlreadyExists) {
		t.Fatalf("want common.ErrorAlreadyExists, got %v", err)
	}
	if !regexp.MustCompile(ConstraintEmail).MatchString(err.Error()) {
		t.Fatalf("constraint name missing from %q", err.Error())
	}
}

func TestCreate_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO users`).WillReturnError(errors.New("db down"))

	_, err := repo.Create(context.Background(), sampleUser())
	if err == nil || errors.Is(err, common.ErrorAlreadyExists) {
		t.Fatalf("expected plain db error, got %v", err)
	}
}

func TestUpdate_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	u := sampleUser()
	u.AccessFailedCount = 2
	mock.ExpectExec(`(?s)^UPDATE users SET .* WHERE id = \$1 AND concurrency_stamp = \$2$`).
		WithArgs(u.ID, "cs-1",
			u.Email, u.NormalizedEmail, u.UserName, u.NormalizedUserName,
			u.PasswordHash, u.SecurityStamp, sqlmock.AnyArg(),
			2, nil, nil, nil,
			u.FirstName, u.LastName, u.PhoneNumber, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Update(context.Background(), u); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if u.ConcurrencyStamp == "cs-1" || u.ConcurrencyStamp == "" {
		t.Fatalf("concurrency stamp not rotated: %q", u.ConcurrencyStamp)
	}
}

func TestUpdate_StaleStamp(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE users SET`).WillReturnResult(sqlmock.NewResult(0, 0))

	u := sampleUser()
	err := repo.Update(context.Background(), u)
	if !errors.Is(err, common.ErrConcurrencyConflict) {
		t.Fatalf("want ErrConcurrencyConflict, got %v", err)
	}
	if u.ConcurrencyStamp != "cs-1" {
		t.Fatalf("stamp must be kept on failure, got %q", u.ConcurrencyStamp)
	}
}

func TestUpdate_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE users SET`).WillReturnError(errors.New("db err"))

	err := repo.Update(context.Background(), sampleUser())
	if err == nil || !regexp.MustCompile(`db error: .*db err`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestReplaceRefreshToken(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	exp := time.Now().Add(time.Hour)
	q := `(?s)^UPDATE users SET refresh_token = \$3, refresh_token_expiration = \$4, concurrency_stamp = \$5 WHERE id = \$1 AND refresh_token = \$2$`

	mock.ExpectExec(q).
		WithArgs(testUserID, "old", "new", exp, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).
		WithArgs(testUserID, "old", "newer", exp, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.ReplaceRefreshToken(context.Background(), testUserID, "old", "new", exp); err != nil {
		t.Fatalf("ReplaceRefreshToken error: %v", err)
	}
	err := repo.ReplaceRefreshToken(context.Background(), testUserID, "old", "newer", exp)
	if !errors.Is(err, common.ErrConcurrencyConflict) {
		t.Fatalf("second swap with the same previous token must fail, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `^DELETE FROM users WHERE id = \$1 AND concurrency_stamp = \$2$`
	mock.ExpectExec(q).WithArgs(testUserID, "cs-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs(testUserID, "cs-1").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Delete(context.Background(), sampleUser()); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if err := repo.Delete(context.Background(), sampleUser()); !errors.Is(err, common.ErrConcurrencyConflict) {
		t.Fatalf("want ErrConcurrencyConflict, got %v", err)
	}
}

func TestGetRoles(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)SELECT r.name FROM roles r JOIN user_roles ur ON ur.role_id = r.id WHERE ur.user_id = \$1`).
		WithArgs(testUserID).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Admin").AddRow("Customer"))

	roles, err := repo.GetRoles(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("GetRoles error: %v", err)
	}
	if len(roles) != 2 || roles[0] != "Admin" || roles[1] != "Customer" {
		t.Fatalf("unexpected roles: %v", roles)
	}
}

func TestGetRoles_None(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`FROM roles r`).WillReturnRows(sqlmock.NewRows([]string{"name"}))

	roles, err := repo.GetRoles(context.Background(), testUserID)
	if err != nil || roles == nil || len(roles) != 0 {
		t.Fatalf("want empty non-nil slice, got %v, %v", roles, err)
	}
}

func TestAddToRoles(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`^SELECT id FROM roles WHERE normalized_name = \$1$`).
		WithArgs("CUSTOMER").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r-cust"))
	mock.ExpectExec(`(?s)^INSERT INTO user_roles \(user_id, role_id\) VALUES \(\$1, \$2\) ON CONFLICT DO NOTHING$`).
		WithArgs(testUserID, "r-cust").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.AddToRoles(context.Background(), testUserID, []string{" customer "}); err != nil {
		t.Fatalf("AddToRoles error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestAddToRoles_UnknownRole(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id FROM roles`).
		WithArgs("WIZARD").
		WillReturnError(sql.ErrNoRows)

	err := repo.AddToRoles(context.Background(), testUserID, []string{"Wizard"})
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
}

func TestAddToRoles_UnknownUser(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id FROM roles`).
		WithArgs("CUSTOMER").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r-cust"))
	mock.ExpectExec(`INSERT INTO user_roles`).
		WithArgs("missing", "r-cust").
		WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "user_roles_user_id_fkey"})

	err := repo.AddToRoles(context.Background(), "missing", []string{models.RoleCustomer})
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want common.ErrorNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestRemoveFromRoles(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id FROM roles`).
		WithArgs("ADMIN").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r-admin"))
	mock.ExpectExec(`^DELETE FROM user_roles WHERE user_id = \$1 AND role_id = \$2$`).
		WithArgs(testUserID, "r-admin").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.RemoveFromRoles(context.Background(), testUserID, []string{"Admin"}); err != nil {
		t.Fatalf("RemoveFromRoles error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}
