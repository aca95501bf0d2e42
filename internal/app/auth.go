/**
 * @description
 * This file contains the Auth Service. It registers users, checks credentials and issues
 * HS256 bearer tokens whose `jti` is bound to a server-side `auth_tokens` row, so a token
 * can be revoked before it expires. Verification is a signature check followed by keyed
 * lookups of the session and the user.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token signing and parsing.
 * - golang.org/x/crypto/bcrypt: Password hashing.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 72
	maxNameLength     = 100
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{8,15}$`)

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AuthService issues and verifies bearer tokens.
type AuthService struct {
	repo            store.Repository
	secret          []byte
	ttl             time.Duration
	defaultCurrency string
	hashCost        int
	dummyHash       []byte
	now             func() time.Time
}

func NewAuthService(repo store.Repository, secret string, ttl time.Duration, defaultCurrency string) *AuthService {
	return newAuthService(repo, secret, ttl, defaultCurrency, bcrypt.DefaultCost)
}

func newAuthService(repo store.Repository, secret string, ttl time.Duration, defaultCurrency string, cost int) *AuthService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if defaultCurrency == "" {
		defaultCurrency = "IDR"
	}
	// Compared against on unknown emails so both login failures cost one bcrypt check.
	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), cost)
	if err != nil {
		log.Printf("level=warn component=auth msg=\"dummy hash generation failed\" err=%v", err)
	}
	return &AuthService{
		repo:            repo,
		secret:          []byte(secret),
		ttl:             ttl,
		defaultCurrency: defaultCurrency,
		hashCost:        cost,
		dummyHash:       dummy,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func validateRegistration(req *domain.RegisterRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Phone = strings.TrimSpace(req.Phone)

	if req.Name == "" || len(req.Name) > maxNameLength {
		return fmt.Errorf("%w: name is required and must be at most %d characters", ErrValidation, maxNameLength)
	}
	addr, err := mail.ParseAddress(req.Email)
	if err != nil || addr.Address != req.Email {
		return fmt.Errorf("%w: email is invalid", ErrValidation)
	}
	if req.Phone != "" && !phonePattern.MatchString(req.Phone) {
		return fmt.Errorf("%w: phone must be 8 to 15 digits", ErrValidation)
	}
	if len(req.Password) < minPasswordLength || len(req.Password) > maxPasswordLength {
		return fmt.Errorf("%w: password must be between %d and %d characters", ErrValidation, minPasswordLength, maxPasswordLength)
	}
	return nil
}

// Register creates a user with one active account and signs them in.
func (s *AuthService) Register(ctx context.Context, req domain.RegisterRequest) (*domain.AuthResponse, error) {
	if err := validateRegistration(&req); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		ID:           uuid.New(),
		Name:         req.Name,
		Email:        req.Email,
		Phone:        req.Phone,
		PasswordHash: string(hash),
		Role:         domain.RoleUser,
		Status:       domain.UserActive,
	}
	account := &domain.Account{
		ID:       uuid.New(),
		UserID:   user.ID,
		Currency: s.defaultCurrency,
		Status:   domain.AccountActive,
	}
	if err := withStoreRetry(ctx, "create_user", func() error {
		return s.repo.CreateUserWithAccount(ctx, user, account)
	}); err != nil {
		return nil, err
	}

	log.Printf("level=info component=auth op=register user_id=%s account_id=%s", user.ID, account.ID)
	return s.issue(ctx, user)
}

// Login checks credentials. Unknown emails, wrong passwords and disabled users all
// yield ErrInvalidCredentials.
func (s *AuthService) Login(ctx context.Context, req domain.LoginRequest) (*domain.AuthResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.repo.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(req.Password))
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if user.Status != domain.UserActive {
		log.Printf("level=info component=auth op=login user_id=%s status=%s outcome=denied", user.ID, user.Status)
		return nil, ErrInvalidCredentials
	}

	return s.issue(ctx, user)
}

func (s *AuthService) issue(ctx context.Context, user *domain.User) (*domain.AuthResponse, error) {
	now := s.now()
	session := &domain.AuthToken{
		ID:        uuid.New(),
		UserID:    user.ID,
		ExpiresAt: now.Add(s.ttl),
	}

	claims := tokenClaims{
		Role: string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        session.ID.String(),
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	if err := withStoreRetry(ctx, "create_auth_token", func() error {
		return s.repo.CreateAuthToken(ctx, session)
	}); err != nil {
		return nil, err
	}

	return &domain.AuthResponse{Token: signed, ExpiresAt: session.ExpiresAt, User: *user}, nil
}

// VerifyToken resolves a bearer token to the principal it was issued for.
func (s *AuthService) VerifyToken(ctx context.Context, raw string) (*domain.Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}

	tokenID, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrInvalidToken
	}

	session, err := s.repo.FindAuthToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, store.ErrTokenNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if session.UserID != userID || !session.Active(s.now()) {
		return nil, ErrInvalidToken
	}

	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if user.Status != domain.UserActive {
		return nil, ErrInvalidToken
	}

	return &domain.Principal{
		UserID:  user.ID,
		Email:   user.Email,
		Name:    user.Name,
		Role:    user.Role,
		TokenID: session.ID,
	}, nil
}

// Logout revokes the session behind the principal's token.
func (s *AuthService) Logout(ctx context.Context, principal domain.Principal) error {
	if err := s.repo.RevokeAuthToken(ctx, principal.TokenID, s.now()); err != nil {
		if errors.Is(err, store.ErrTokenNotFound) {
			return nil
		}
		return err
	}
	log.Printf("level=info component=auth op=logout user_id=%s", principal.UserID)
	return nil
}

// Profile returns the stored user behind a principal.
func (s *AuthService) Profile(ctx context.Context, principal domain.Principal) (*domain.User, error) {
	return s.repo.FindUserByID(ctx, principal.UserID)
}

// PurgeExpiredTokens deletes sessions that expired or were revoked before now.
func (s *AuthService) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpiredAuthTokens(ctx, s.now())
}
