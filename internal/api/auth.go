package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"papertrader/pkg/db"
)

const (
	userContextKey = "UserID"
	tokenTTL       = 72 * time.Hour
	tokenIssuer    = "papertrader"
)

// userClaims carries the portfolio owner through the JWT; the user id doubles
// as the portfolio id everywhere downstream.
type userClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

func issueToken(userID, secret string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(tokenTTL)
	claims := userClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	return signed, expiresAt, err
}

func verifyToken(tokenStr, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &userClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*userClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return "", errors.New("invalid token claims")
	}
	return claims.UserID, nil
}

// AuthMiddleware enforces bearer-token auth for protected routes.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abortAuth(c, "MISSING_TOKEN", "missing Authorization header")
			return
		}
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			abortAuth(c, "INVALID_AUTH_HEADER", "invalid Authorization header")
			return
		}
		userID, err := verifyToken(token, secret)
		if err != nil {
			abortAuth(c, "INVALID_TOKEN", "invalid or expired token")
			return
		}
		c.Set(userContextKey, userID)
		c.Next()
	}
}

func abortAuth(c *gin.Context, code, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": code, "error": msg})
}

// CurrentUserID returns the authenticated user ID from context. Each user owns
// one portfolio keyed by this id.
func CurrentUserID(c *gin.Context) string {
	if v, ok := c.Get(userContextKey); ok {
		if id, okCast := v.(string); okCast {
			return id
		}
	}
	return ""
}

// credentials is the shared register/login payload.
type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// bindCredentials decodes and sanity-checks the payload, writing the error
// response itself. checkFormat additionally validates the email shape, which
// only registration needs.
func bindCredentials(c *gin.Context, checkFormat bool) (credentials, bool) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return req, false
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_CREDENTIALS",
			"error": "email and password are required",
		})
		return req, false
	}
	if checkFormat {
		if _, err := mail.ParseAddress(req.Email); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "INVALID_EMAIL",
				"error": "invalid email format",
			})
			return req, false
		}
	}
	return req, true
}

// registerUser creates the account and provisions its portfolio with the
// starting cash, so the first portfolio view works before any trade.
func (s *Server) registerUser(c *gin.Context) {
	req, ok := bindCredentials(c, true)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	existing, err := s.DB.GetUserByEmail(ctx, req.Email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{
			"code":  "EMAIL_ALREADY_REGISTERED",
			"error": "email already registered",
		})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": "failed to hash password",
		})
		return
	}

	user := db.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		PasswordHash: string(hash),
	}
	if err := s.DB.CreateUser(ctx, user); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}

	cash := decimal.Zero
	if s.Ledger != nil {
		// First touch grants the initial cash position.
		if cash, err = s.Ledger.Cash(ctx, user.ID); err != nil {
			s.Logger.Warn("portfolio provisioning deferred to first access",
				zap.String("user", user.ID), zap.Error(err))
			cash = decimal.Zero
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"user_id": user.ID,
		"email":   user.Email,
		"cash":    cash.String(),
	})
}

// loginUser exchanges credentials for a bearer token.
func (s *Server) loginUser(c *gin.Context) {
	req, ok := bindCredentials(c, false)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	user, err := s.DB.GetUserByEmail(ctx, req.Email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	// One rejection path for unknown email and wrong password alike.
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":  "INVALID_CREDENTIALS",
			"error": "invalid credentials",
		})
		return
	}

	token, expiresAt, err := issueToken(user.ID, s.JWTSecret, time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": "failed to generate token",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
		"user_id":    user.ID,
		"user_email": user.Email,
	})
}
