package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("identity: password must be at least 8 characters")
)

// Service handles account business logic and token verification.
type Service struct {
	repo      Repository
	jwtSecret []byte
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
	}
}

// Register creates a new platform account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("identity: email and full_name are required")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("identity: hash password: %w", err)
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleClient
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("identity: invalid role %q", role)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
		Role:         role,
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(user.ID, user.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("identity: generate token: %w", err)
	}

	return LoginResult{
		Token: token,
		User:  user,
	}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyToken validates a JWT token and returns the authenticated actor.
func (s *Service) VerifyToken(tokenString string) (Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return Actor{}, fmt.Errorf("identity: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Actor{}, fmt.Errorf("identity: invalid token")
	}

	userID, ok := claims["user_id"].(string)
	if !ok {
		return Actor{}, fmt.Errorf("identity: invalid user_id in token")
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Actor{}, fmt.Errorf("identity: invalid role in token")
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Actor{}, fmt.Errorf("identity: invalid role %q in token", roleStr)
	}

	return Actor{UserID: userID, Role: role}, nil
}

func (s *Service) generateToken(userID string, role Role) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
		"iat":     time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleClient, RoleDeveloper, RoleAdmin:
		return true
	default:
		return false
	}
}
