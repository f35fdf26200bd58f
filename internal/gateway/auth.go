// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"
	"sprinklers/internal/protocol"
)

// Token types carried in the "type" claim
const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

// JWTService issues and verifies typed tokens
type JWTService struct {
	secretKey     []byte
	issuer        string
	accessExpiry  time.Duration
	refreshExpiry time.Duration
}

// Claims represents the claims in a gateway token
type Claims struct {
	jwt.RegisteredClaims
	Type     string `json:"type"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// NewJWTService creates a new JWT service
func NewJWTService(secretKey, issuer string, accessExpiry, refreshExpiry time.Duration) *JWTService {
	return &JWTService{
		secretKey:     []byte(secretKey),
		issuer:        issuer,
		accessExpiry:  accessExpiry,
		refreshExpiry: refreshExpiry,
	}
}

// GenerateToken creates a token of the given type for user
func (j *JWTService) GenerateToken(user *User, tokenType string) (string, error) {
	var expiry time.Duration
	switch tokenType {
	case TokenAccess:
		expiry = j.accessExpiry
	case TokenRefresh:
		expiry = j.refreshExpiry
	default:
		return "", fmt.Errorf("unknown token type %q", tokenType)
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
		Type:     tokenType,
		Username: user.Username,
		Name:     user.Name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secretKey)
}

// ValidateToken validates a token and returns its claims
func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	}, jwt.WithIssuer(j.issuer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// Verify checks that token is valid and of expectedType. Failures are
// BadToken errors.
func (j *JWTService) Verify(token string, expectedType string) (protocol.User, error) {
	claims, err := j.ValidateToken(token)
	if err != nil {
		return protocol.User{}, protocol.NewError(protocol.ErrBadToken, err.Error())
	}
	if claims.Type != expectedType {
		return protocol.User{}, protocol.Errorf(protocol.ErrBadToken, "expected %s token, got %q", expectedType, claims.Type)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return protocol.User{}, protocol.Errorf(protocol.ErrBadToken, "invalid subject %q", claims.Subject)
	}
	return protocol.User{ID: id, Username: claims.Username, Name: claims.Name}, nil
}

// PasswordService handles password hashing using Argon2
type PasswordService struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	saltLength  uint32
	keyLength   uint32
}

// NewPasswordService creates a new password service with Argon2 settings
func NewPasswordService() *PasswordService {
	return &PasswordService{
		memory:      64 * 1024,
		iterations:  3,
		parallelism: 2,
		saltLength:  16,
		keyLength:   32,
	}
}

// HashPassword creates an Argon2 hash of the password in the form
// $argon2id$v=19$m=65536,t=3,p=2$salt$hash
func (p *PasswordService) HashPassword(password string) (string, error) {
	salt := make([]byte, p.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, p.iterations, p.memory, p.parallelism, p.keyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%x$%x",
		argon2.Version, p.memory, p.iterations, p.parallelism, salt, hash), nil
}

// VerifyPassword verifies a password against an Argon2 hash
func (p *PasswordService) VerifyPassword(password, hashedPassword string) (bool, error) {
	memory, iterations, parallelism, salt, hash, err := p.parseHash(hashedPassword)
	if err != nil {
		return false, fmt.Errorf("failed to parse hash: %w", err)
	}

	inputHash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, inputHash) == 1, nil
}

func (p *PasswordService) parseHash(encodedHash string) (memory uint32, iterations uint32, parallelism uint8, salt, hash []byte, err error) {
	var version int
	n, err := fmt.Sscanf(encodedHash, "$argon2id$v=%d$m=%d,t=%d,p=%d$%x$%x",
		&version, &memory, &iterations, &parallelism, &salt, &hash)
	if err != nil || n != 6 {
		return 0, 0, 0, nil, nil, fmt.Errorf("invalid hash format")
	}
	if version != argon2.Version {
		return 0, 0, 0, nil, nil, fmt.Errorf("incompatible version")
	}
	return memory, iterations, parallelism, salt, hash, nil
}

// GenerateSecret returns a random signing key for new configurations
func GenerateSecret() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return fmt.Sprintf("%x", key), nil
}

// ErrInvalidCredentials is returned for an unknown user or wrong password
var ErrInvalidCredentials = errors.New("invalid username or password")

// Authenticator checks credentials against the database
type Authenticator struct {
	database  *Database
	jwt       *JWTService
	passwords *PasswordService
}

// NewAuthenticator creates an authenticator
func NewAuthenticator(database *Database, jwtService *JWTService, passwords *PasswordService) *Authenticator {
	return &Authenticator{database: database, jwt: jwtService, passwords: passwords}
}

// TokenPair is the result of a successful grant
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user"`
}

// Login checks a username and password and issues tokens
func (a *Authenticator) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	user, err := a.database.GetUserByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	valid, err := a.passwords.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, ErrInvalidCredentials
	}
	return a.issue(user)
}

// Refresh exchanges a refresh token for a new token pair
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	principal, err := a.jwt.Verify(refreshToken, TokenRefresh)
	if err != nil {
		return nil, err
	}
	user, err := a.database.GetUser(ctx, principal.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, protocol.NewError(protocol.ErrBadToken, "user no longer exists")
	}
	if err != nil {
		return nil, err
	}
	return a.issue(user)
}

func (a *Authenticator) issue(user *User) (*TokenPair, error) {
	access, err := a.jwt.GenerateToken(user, TokenAccess)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	refresh, err := a.jwt.GenerateToken(user, TokenRefresh)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh, User: user}, nil
}

type contextKey string

const userContextKey contextKey = "user"

// RequireAuth is a middleware that requires a valid access token in the
// Authorization header
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const bearerPrefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			http.Error(w, "Authorization header must start with 'Bearer '", http.StatusUnauthorized)
			return
		}

		principal, err := a.jwt.Verify(header[len(bearerPrefix):], TokenAccess)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFromContext returns the principal set by RequireAuth
func UserFromContext(ctx context.Context) (protocol.User, bool) {
	user, ok := ctx.Value(userContextKey).(protocol.User)
	return user, ok
}
