package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/types"
	"github.com/ksred/landx-api/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token         string         `json:"jwt_token"`
	Expiration    time.Time      `json:"expiration"`
	ParticipantID string         `json:"participant_id"`
	Role          policy.Role    `json:"role"`
	Workflow      types.Workflow `json:"workflow,omitempty"`
}

// Claims carries the participant identity the core authorizes against
type Claims struct {
	jwt.RegisteredClaims
	ParticipantID string         `json:"participant_id"`
	Role          policy.Role    `json:"role"`
	Workflow      types.Workflow `json:"workflow,omitempty"`
	DisplayName   string         `json:"display_name,omitempty"`
}

// Principal converts validated claims into the core's caller identity
func (c *Claims) Principal() policy.Principal {
	return policy.Principal{
		ParticipantID: c.ParticipantID,
		Workflow:      c.Workflow,
		Role:          c.Role,
		DisplayName:   c.DisplayName,
	}
}

type registration struct {
	secret    string
	principal policy.Principal
}

// Service handles authentication and authorization operations
type Service struct {
	jwtSecret []byte
	tokenTTL  time.Duration

	mu             sync.RWMutex
	apiCredentials map[string]registration
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string, tokenTTL time.Duration) *Service {
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		tokenTTL:       tokenTTL,
		apiCredentials: make(map[string]registration),
	}
}

// GenerateToken issues a signed token carrying the registered participant's role
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	s.mu.RLock()
	reg, exists := s.apiCredentials[creds.APIKey]
	s.mu.RUnlock()
	if !exists || reg.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}

	return s.IssueToken(reg.principal)
}

// IssueToken signs a token for p without a credential check
func (s *Service) IssueToken(p policy.Principal) (*TokenResponse, error) {
	now := time.Now()
	expiration := now.Add(s.tokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ParticipantID,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ParticipantID: p.ParticipantID,
		Role:          p.Role,
		Workflow:      p.Workflow,
		DisplayName:   p.DisplayName,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:         tokenString,
		Expiration:    expiration,
		ParticipantID: p.ParticipantID,
		Role:          p.Role,
		Workflow:      p.Workflow,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ParticipantID == "" || !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RegisterAPICredentials binds an API key pair to a participant identity
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string, p policy.Principal) error {
	if apiKey == "" || apiSecret == "" {
		return types.Invalid("api key and secret are required")
	}
	if p.ParticipantID == "" || !p.Role.Valid() {
		return types.Invalid("participant id and a known role are required")
	}
	if p.Workflow != "" && !p.Workflow.Valid() {
		return types.Invalid("unknown workflow " + string(p.Workflow))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiCredentials[apiKey] = registration{secret: apiSecret, principal: p}
	return nil
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}
