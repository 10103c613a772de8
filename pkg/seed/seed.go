// Package seed loads strategy fixtures from a YAML file into the database.
// It is meant for demos and local development, not production provisioning.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"papertrader/internal/detector"
	"papertrader/pkg/db"
)

// Entry is one strategy in the seed file.
type Entry struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	UserEmail  string         `yaml:"user_email"`
	Kind       string         `yaml:"kind"`
	AssetID    string         `yaml:"asset_id"`
	Amount     string         `yaml:"amount"`
	Parameters map[string]any `yaml:"parameters"`
	Enabled    bool           `yaml:"enabled"`
}

// File is the top-level YAML structure.
type File struct {
	Strategies []Entry `yaml:"strategies"`
}

// Load reads seed entries from a YAML file.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return file.Strategies, nil
}

// Apply upserts the seeded strategies, creating their owning users on first
// sight. Seeded users get a throwaway password and are meant for demos only.
func Apply(ctx context.Context, database *db.Database, entries []Entry, logger *zap.Logger) error {
	users := make(map[string]string) // email -> user id

	for _, e := range entries {
		if e.UserEmail == "" {
			return fmt.Errorf("strategy %q: user_email is required", e.Name)
		}

		userID, ok := users[e.UserEmail]
		if !ok {
			var err error
			if userID, err = ensureUser(ctx, database, e.UserEmail, logger); err != nil {
				return err
			}
			users[e.UserEmail] = userID
		}

		params, err := json.Marshal(e.Parameters)
		if err != nil {
			return fmt.Errorf("strategy %q: marshal parameters: %w", e.Name, err)
		}
		amount, err := decimal.NewFromString(e.Amount)
		if err != nil || !amount.IsPositive() {
			return fmt.Errorf("strategy %q: amount must be a positive decimal", e.Name)
		}
		// The same save-time contract the API enforces.
		if _, err := detector.New(e.Kind, string(params)); err != nil {
			return fmt.Errorf("strategy %q: %w", e.Name, err)
		}

		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		now := time.Now()
		st := db.Strategy{
			ID:         id,
			UserID:     userID,
			Name:       e.Name,
			Kind:       e.Kind,
			AssetID:    e.AssetID,
			Amount:     amount,
			Parameters: string(params),
			Enabled:    e.Enabled,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := database.SaveStrategy(ctx, st); err != nil {
			return fmt.Errorf("strategy %q: %w", e.Name, err)
		}
		logger.Info("seeded strategy",
			zap.String("id", st.ID), zap.String("name", st.Name),
			zap.String("kind", st.Kind), zap.String("user", e.UserEmail))
	}
	return nil
}

func ensureUser(ctx context.Context, database *db.Database, email string, logger *zap.Logger) (string, error) {
	existing, err := database.GetUserByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ID, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("changeme"), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	now := time.Now()
	user := db.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := database.CreateUser(ctx, user); err != nil {
		return "", fmt.Errorf("create seed user %s: %w", email, err)
	}
	logger.Warn("created seed user with default password", zap.String("email", email))
	return user.ID, nil
}
