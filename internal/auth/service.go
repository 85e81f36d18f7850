// Package auth covers password verification, JWT session tokens, and
// the role checks the HTTP layer enforces.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/RoseOO/tapestream/internal/database"
	"github.com/RoseOO/tapestream/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
)

// Claims is the JWT payload carried by every authenticated request.
type Claims struct {
	UserID   int64           `json:"user_id"`
	Username string          `json:"username"`
	Role     models.UserRole `json:"role"`
	jwt.RegisteredClaims
}

// Service issues and validates session tokens against the user store.
type Service struct {
	db              *database.DB
	jwtSecret       []byte
	tokenExpiration time.Duration
}

// NewService builds the auth service. An empty jwtSecret gets replaced
// with a random one, which invalidates all sessions on restart.
func NewService(db *database.DB, jwtSecret string, tokenExpirationHours int) *Service {
	secret := []byte(jwtSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		rand.Read(secret)
	}

	return &Service{
		db:              db,
		jwtSecret:       secret,
		tokenExpiration: time.Duration(tokenExpirationHours) * time.Hour,
	}
}

// EnsureAdmin creates the default admin account when the users table
// is empty, so a fresh install is reachable through the API.
func (s *Service) EnsureAdmin(ctx context.Context, password string) error {
	count, err := s.db.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err = s.CreateUser(ctx, "admin", password, models.RoleAdmin)
	return err
}

// Login verifies the password and returns a signed token plus the user
// record. Unknown usernames and wrong passwords are indistinguishable
// to the caller.
func (s *Service) Login(ctx context.Context, username, password string) (string, *models.User, error) {
	user, err := s.db.GetUserByUsername(ctx, username)
	if err != nil {
		return "", nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.signToken(user)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}
	return token, user, nil
}

// ValidateToken parses and verifies a token string.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) signToken(user *models.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenExpiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "tapestream",
			Subject:   strconv.FormatInt(user.ID, 10),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

// CreateUser stores a new user with a bcrypt hash of the password.
func (s *Service) CreateUser(ctx context.Context, username, password string, role models.UserRole) (*models.User, error) {
	if _, err := s.db.GetUserByUsername(ctx, username); err == nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
	}
	if err := s.db.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// UpdatePassword replaces a user's password after verifying the
// current one.
func (s *Service) UpdatePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	user, err := s.db.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)) != nil {
		return ErrInvalidCredentials
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return s.db.UpdateUserPassword(ctx, username, string(newHash))
}

// rolePermissions maps each role to the actions it may perform.
// Operators run the tape workflows but cannot manage accounts or
// delete schedules; readonly accounts only inspect state.
var rolePermissions = map[models.UserRole]map[string]bool{
	models.RoleAdmin: toSet(
		"users.create", "users.update",
		"jobs.create", "jobs.cancel", "jobs.read",
		"registry.read", "registry.prune", "registry.rebuild",
		"schedules.create", "schedules.delete", "schedules.update", "schedules.read",
		"system.read",
	),
	models.RoleOperator: toSet(
		"jobs.create", "jobs.cancel", "jobs.read",
		"registry.read", "registry.prune", "registry.rebuild",
		"schedules.create", "schedules.update", "schedules.read",
		"system.read",
	),
	models.RoleReadOnly: toSet(
		"jobs.read",
		"registry.read",
		"schedules.read",
		"system.read",
	),
}

func toSet(actions ...string) map[string]bool {
	set := make(map[string]bool, len(actions))
	for _, a := range actions {
		set[a] = true
	}
	return set
}

// CheckPermission reports whether a role may perform an action.
func CheckPermission(role models.UserRole, action string) bool {
	return rolePermissions[role][action]
}
