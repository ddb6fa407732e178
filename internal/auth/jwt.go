package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/crypto/bcrypt"
)

// JWTManager signs and validates the credentials used by both the request
// surface (cookie token) and the live-connection handshake.
type JWTManager struct {
	secretKey string        // Secret key for HMAC signing (should be from environment)
	duration  time.Duration // How long tokens are valid (7 days in production)
	issuer    string        // Issuer claim stamped into every token
}

// Claims is the custom JWT payload (user id + username).
type Claims struct {
	UserID               string `json:"user_id"`  // MongoDB ObjectID converted to hex string
	Username             string `json:"username"` // Username from database
	jwt.RegisteredClaims        // Includes ExpiresAt, IssuedAt, ID, etc.
}

// NewJWTManager returns a configured JWTManager.
func NewJWTManager(secretKey string, duration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey: secretKey, // Secret from environment variable
		duration:  duration,  // Token validity period
		issuer:    "relaychat",
	}
}

// GenerateToken issues a signed JWT token for a user.
func (m *JWTManager) GenerateToken(userID bson.ObjectID, username string) (string, time.Time, error) {
	// Calculate when this token will expire (current time + duration)
	expiresAt := time.Now().Add(m.duration)

	// Create claims struct with user info and expiration
	claims := &Claims{
		UserID:   userID.Hex(), // Convert MongoDB ObjectID to hex string for JSON
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),  // Set expiration time
			IssuedAt:  jwt.NewNumericDate(time.Now()), // Set creation time
			Issuer:    m.issuer,
			ID:        uuid.NewString(), // Unique token id (JTI)
		},
	}

	// Create new token with HS256 signing method (HMAC with SHA-256)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	// Sign the token using the secret key to create the final JWT string
	tokenString, err := token.SignedString([]byte(m.secretKey))
	if err != nil {
		return "", time.Time{}, err
	}

	return tokenString, expiresAt, nil
}

// VerifyToken parses and validates a token and returns its claims.
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	// ParseWithClaims parses the token and validates the signature.
	// The callback validates the signing method before handing back the key.
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Security check: ensure token was signed with HMAC (not asymmetric key)
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.secretKey), nil
	})
	if err != nil {
		return nil, err
	}

	// Verify token is actually valid (checks signature and expiration)
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

// HashPassword returns a bcrypt hash for the provided plaintext.
func HashPassword(password string) (string, error) {
	// GenerateFromPassword creates a bcrypt hash with default cost (10 rounds)
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashedPassword), nil
}

// CheckPassword compares a plaintext password against a bcrypt hash.
// It returns nil on a match and is timing-safe.
func CheckPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
