package handlers

import (
	"github.com/gofiber/fiber/v2"

	"nendo-server/internal/auth"
)

type AuthHandler struct {
	svc *auth.Service
}

func NewAuthHandler(svc *auth.Service) *AuthHandler {
	return &AuthHandler{svc: svc}
}

// Register mounts the public account routes. The shapes follow the
// fastapi-users conventions so existing clients keep working.
func (h *AuthHandler) Register(r fiber.Router) {
	r.Post("/auth/register", h.SignUp)
	r.Post("/auth/jwt/login", h.Login)
	r.Post("/auth/forgot-password", h.ForgotPassword)
	r.Post("/auth/reset-password", h.ResetPassword)
	r.Post("/auth/request-verify-token", h.RequestVerifyToken)
	r.Post("/auth/verify", h.Verify)
}

// RegisterProtected mounts the routes that need an authenticated user.
func (h *AuthHandler) RegisterProtected(r fiber.Router) {
	r.Get("/users/me", h.Me)
	r.Patch("/users/me", h.UpdateMe)
}

type signUpRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	InviteCode string `json:"invite_code"`
}

func (h *AuthHandler) SignUp(c *fiber.Ctx) error {
	var req signUpRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	user, err := h.svc.Register(c.Context(), req.Email, req.Password, req.InviteCode)
	if err != nil {
		return httpError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(user)
}

// Login accepts form credentials under the fastapi-users field names
// (username/password) as well as a JSON body.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	email := c.FormValue("username")
	password := c.FormValue("password")
	if email == "" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := c.BodyParser(&body); err == nil {
			email, password = body.Email, body.Password
		}
	}

	token, err := h.svc.Login(c.Context(), email, password)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(fiber.Map{
		"access_token": token,
		"token_type":   "bearer",
	})
}

type emailRequest struct {
	Email string `json:"email"`
}

func (h *AuthHandler) ForgotPassword(c *fiber.Ctx) error {
	var req emailRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.ForgotPassword(c.Context(), req.Email); err != nil {
		return httpError(err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (h *AuthHandler) ResetPassword(c *fiber.Ctx) error {
	var req resetPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.ResetPassword(c.Context(), req.Token, req.Password); err != nil {
		return httpError(err)
	}
	return respond(c, "success")
}

func (h *AuthHandler) RequestVerifyToken(c *fiber.Ctx) error {
	var req emailRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.RequestVerifyToken(c.Context(), req.Email); err != nil {
		return httpError(err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

type verifyRequest struct {
	Token string `json:"token"`
}

func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	user, err := h.svc.Verify(c.Context(), req.Token)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(user)
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	return c.JSON(user)
}

type updateMeRequest struct {
	Password *string `json:"password"`
}

func (h *AuthHandler) UpdateMe(c *fiber.Ctx) error {
	user, err := currentUser(c)
	if err != nil {
		return err
	}
	var req updateMeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	updated, err := h.svc.UpdateProfile(c.Context(), user.ID, req.Password)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(updated)
}
