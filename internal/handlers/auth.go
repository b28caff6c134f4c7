package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/storefront-app/api/internal/platform/httpx"
	"github.com/storefront-app/api/internal/services"
)

const maxAuthBodySize = 16 * 1024

// AuthHandlers links Firebase sign-ins to stored user profiles. The routes are unauthenticated;
// the ID token travels in the body.
type AuthHandlers struct {
	users services.UserService
}

// NewAuthHandlers constructs AuthHandlers.
func NewAuthHandlers(users services.UserService) *AuthHandlers {
	return &AuthHandlers{users: users}
}

// Routes registers the /auth endpoints.
func (h *AuthHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/google-login", h.googleLogin)
	r.Post("/signup", h.signUp)
}

type googleLoginRequest struct {
	IDToken string `json:"idToken"`
}

type signUpRequest struct {
	IDToken     string `json:"idToken"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	Name        string `json:"name"`
}

type userResponse struct {
	UID       string `json:"uid"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	Picture   string `json:"picture,omitempty"`
	Role      string `json:"userRole"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

type loginResponse struct {
	Success   bool         `json:"success"`
	UID       string       `json:"uid"`
	User      userResponse `json:"user"`
	IsNewUser bool         `json:"isNewUser"`
}

func newLoginResponse(result services.LoginResult) loginResponse {
	return loginResponse{
		Success: true,
		UID:     result.UID,
		User: userResponse{
			UID:       result.User.UID,
			Email:     result.User.Email,
			Name:      result.User.Name,
			Picture:   result.User.Picture,
			Role:      string(result.User.Role),
			CreatedAt: formatTime(result.User.CreatedAt),
			UpdatedAt: formatTime(result.User.UpdatedAt),
		},
		IsNewUser: result.IsNewUser,
	}
}

func (h *AuthHandlers) googleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.users == nil {
		serviceUnavailable(ctx, w, "user")
		return
	}
	var req googleLoginRequest
	if !decodeJSONBody(w, r, maxAuthBodySize, false, &req) {
		return
	}
	if strings.TrimSpace(req.IDToken) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "idToken is required", http.StatusBadRequest))
		return
	}

	result, err := h.users.GoogleLogin(ctx, req.IDToken)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newLoginResponse(result))
}

func (h *AuthHandlers) signUp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.users == nil {
		serviceUnavailable(ctx, w, "user")
		return
	}
	var req signUpRequest
	if !decodeJSONBody(w, r, maxAuthBodySize, false, &req) {
		return
	}
	name := req.DisplayName
	if strings.TrimSpace(name) == "" {
		name = req.Name
	}

	result, err := h.users.SignUp(ctx, services.SignUpCommand{
		IDToken:     strings.TrimSpace(req.IDToken),
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: name,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newLoginResponse(result))
}
