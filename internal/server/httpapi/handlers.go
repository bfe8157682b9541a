package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/dmitrijs2005/shopkeeper/internal/logging"
	"github.com/dmitrijs2005/shopkeeper/internal/server/auth"
	"github.com/dmitrijs2005/shopkeeper/internal/server/models"
	"github.com/dmitrijs2005/shopkeeper/internal/server/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 20

// Sessions is the part of services.SessionService the HTTP API drives.
type Sessions interface {
	Register(ctx context.Context, in services.RegisterInput) (*models.User, error)
	Login(ctx context.Context, email, password string) (*services.TokenPair, error)
	Refresh(ctx context.Context, accessToken, refreshToken string) (*services.TokenPair, error)
	SignOut(ctx context.Context, userID string) error
	DeleteAccount(ctx context.Context, userID string) error
	ChangePassword(ctx context.Context, userID, current, next string) error
	AddToRoles(ctx context.Context, userID string, roles []string) error
	RemoveFromRoles(ctx context.Context, userID string, roles []string) error
	Profile(ctx context.Context, userID string) (*services.Profile, error)
}

// Handler serves the account and session endpoints.
type Handler struct {
	sessions Sessions
	validate *validator.Validate
	logger   logging.Logger
}

func NewHandler(s Sessions, l logging.Logger) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{sessions: s, validate: v, logger: l.With("module", "http_handler")}
}

type registerRequest struct {
	Email       string `json:"email" validate:"required,email,max=256"`
	UserName    string `json:"userName" validate:"omitempty,max=256"`
	Password    string `json:"password" validate:"required,min=6,max=128"`
	FirstName   string `json:"firstName" validate:"max=100"`
	LastName    string `json:"lastName" validate:"max=100"`
	PhoneNumber string `json:"phoneNumber" validate:"max=32"`
	DateOfBirth string `json:"dateOfBirth" validate:"omitempty,datetime=2006-01-02"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=128"`
}

type refreshRequest struct {
	AccessToken  string `json:"accessToken" validate:"required"`
	RefreshToken string `json:"refreshToken" validate:"required,max=1024"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required"`
}

type rolesRequest struct {
	Roles []string `json:"roles" validate:"required,min=1,dive,required"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type userResponse struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	UserName    string    `json:"userName"`
	FirstName   string    `json:"firstName,omitempty"`
	LastName    string    `json:"lastName,omitempty"`
	PhoneNumber string    `json:"phoneNumber,omitempty"`
	DateOfBirth string    `json:"dateOfBirth,omitempty"`
	Roles       []string  `json:"roles,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toUserResponse(u *models.User, roles []string) userResponse {
	resp := userResponse{
		ID:          u.ID,
		Email:       u.Email,
		UserName:    u.UserName,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		PhoneNumber: u.PhoneNumber,
		Roles:       roles,
		CreatedAt:   u.CreatedAt,
	}
	if u.DateOfBirth != nil {
		resp.DateOfBirth = u.DateOfBirth.Format(time.DateOnly)
	}
	return resp
}

// decode reads a JSON body into dst and validates it. On failure it writes
// the response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid request body.", nil)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, fieldErrors(err))
		return false
	}
	return true
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !h.decode(w, r, &body) {
		return
	}
	in := services.RegisterInput{
		Email:       body.Email,
		UserName:    body.UserName,
		Password:    body.Password,
		FirstName:   body.FirstName,
		LastName:    body.LastName,
		PhoneNumber: body.PhoneNumber,
	}
	if body.DateOfBirth != "" {
		// format already checked by the validator
		dob, _ := time.Parse(time.DateOnly, body.DateOfBirth)
		in.DateOfBirth = &dob
	}

	user, err := h.sessions.Register(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(user, nil))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !h.decode(w, r, &body) {
		return
	}
	pair, err := h.sessions.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !h.decode(w, r, &body) {
		return
	}
	pair, err := h.sessions.Refresh(r.Context(), body.AccessToken, body.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.SignOut(r.Context(), subject(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	p, err := h.sessions.Profile(r.Context(), subject(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(p.User, p.Roles))
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var body changePasswordRequest
	if !h.decode(w, r, &body) {
		return
	}
	if err := h.sessions.ChangePassword(r.Context(), subject(r), body.CurrentPassword, body.NewPassword); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.DeleteAccount(r.Context(), subject(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteUser is the admin variant of DeleteAccount.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sessions.DeleteAccount(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info(r.Context(), "user deleted by admin", "user_id", id, "admin_id", subject(r))
	w.WriteHeader(http.StatusNoContent)
}

// SetRoles makes the user's role set equal to the requested one.
func (h *Handler) SetRoles(w http.ResponseWriter, r *http.Request) {
	var body rolesRequest
	if !h.decode(w, r, &body) {
		return
	}
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	p, err := h.sessions.Profile(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	add, remove := diffRoles(p.Roles, body.Roles)
	if len(add) > 0 {
		if err := h.sessions.AddToRoles(ctx, id, add); err != nil {
			writeError(w, err)
			return
		}
	}
	if len(remove) > 0 {
		if err := h.sessions.RemoveFromRoles(ctx, id, remove); err != nil {
			writeError(w, err)
			return
		}
	}

	p, err = h.sessions.Profile(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(p.User, p.Roles))
}

func diffRoles(current, wanted []string) (add, remove []string) {
	have := make(map[string]bool, len(current))
	for _, r := range current {
		have[models.Normalize(r)] = true
	}
	want := make(map[string]bool, len(wanted))
	for _, r := range wanted {
		n := models.Normalize(r)
		if !want[n] && !have[n] {
			add = append(add, r)
		}
		want[n] = true
	}
	for _, r := range current {
		if !want[models.Normalize(r)] {
			remove = append(remove, r)
		}
	}
	return add, remove
}

// subject returns the user id of the authenticated caller.
func subject(r *http.Request) string {
	claims, _ := auth.ClaimsFromContext(r.Context())
	return claims.Subject()
}
