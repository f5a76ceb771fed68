package web

import (
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
)

// UserStore reads and writes admin password hashes.
type UserStore interface {
	GetUser(username string) (string, error)
	UpsertUser(username, passwordHash string) error
}

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("web: hashing password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the bcrypt hash.
func CheckPassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// EnsureAdmin returns the stored hash for username, seeding it from password
// on first start. A stored hash takes priority over the configured password.
func EnsureAdmin(users UserStore, username, password string, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	stored, err := users.GetUser(username)
	if err != nil {
		return "", err
	}
	if stored != "" {
		if _, costErr := bcrypt.Cost([]byte(stored)); costErr == nil {
			logger.Info("Using database-stored admin password")
			return stored, nil
		}
		logger.Warn("Stored admin hash is not bcrypt, reseeding from config", "user", username)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return "", err
	}
	if err := users.UpsertUser(username, hash); err != nil {
		return "", err
	}
	logger.Info("Stored initial admin password hash", "user", username)
	return hash, nil
}
