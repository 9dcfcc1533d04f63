// Copyright 2021 IBM Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package accounts registers users and opens their quota accounts.
package accounts

import (
	"context"
	"net/mail"
	"regexp"
	"strings"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/sid2001/FileVault/pkg/audit"
	"github.com/sid2001/FileVault/pkg/errs"
	"github.com/sid2001/FileVault/pkg/models"
	"github.com/sid2001/FileVault/pkg/quota"
	"gorm.io/gorm"
)

var validUsername = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,64}$`)

type Service struct {
	db     *gorm.DB
	ledger *quota.Ledger
	audit  *audit.Log
	log    logr.Logger
}

func New(db *gorm.DB, ledger *quota.Ledger, auditLog *audit.Log, log logr.Logger) *Service {
	return &Service{db: db, ledger: ledger, audit: auditLog, log: log.WithName("accounts")}
}

type RegisterRequest struct {
	Username   string
	Email      string
	Role       models.Role
	QuotaBytes int64
}

// Register creates the user and their quota account together.
func (s *Service) Register(ctx context.Context, req RegisterRequest, ipAddress, userAgent string) (*models.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	if !validUsername.MatchString(req.Username) {
		return nil, errs.Invalid("username must be 3-64 letters, digits, dots, dashes or underscores", "username", req.Username)
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return nil, errs.Invalid("invalid email address", "email", req.Email)
	}
	switch req.Role {
	case "":
		req.Role = models.RoleUser
	case models.RoleUser, models.RoleAdmin:
	default:
		return nil, errs.Invalid("unknown role", "role", req.Role)
	}

	user := &models.User{Username: req.Username, Email: req.Email, Role: req.Role}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var taken int64
		err := tx.Model(&models.User{}).
			Where("LOWER(username) = LOWER(?) OR email = ?", req.Username, req.Email).
			Count(&taken).Error
		if err != nil {
			return errors.WrapIf(err, "failed to check existing users")
		}
		if taken > 0 {
			return errs.Invalid("username or email already registered", "username", req.Username)
		}

		if err := tx.Create(user).Error; err != nil {
			return errors.WrapIfWithDetails(err, "failed to create user", "username", req.Username)
		}
		return s.ledger.Open(tx, user.ID, req.QuotaBytes)
	})
	if err != nil {
		return nil, err
	}

	actor := models.Actor{UserID: user.ID, Role: user.Role, IPAddress: ipAddress, UserAgent: userAgent}
	if err := s.audit.Record(ctx, actor, models.AuditRegister, nil); err != nil {
		s.log.Error(err, "failed to audit registration", "user", user.ID)
	}

	s.log.Info("registered user", "user", user.ID, "username", user.Username)
	return user, nil
}

func (s *Service) Get(ctx context.Context, userID string) (*models.User, error) {
	user := &models.User{}
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("user", userID)
	}
	if err != nil {
		return nil, errors.WrapIfWithDetails(err, "failed to load user", "user", userID)
	}
	return user, nil
}

// Search matches username or email by substring.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]models.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.User{}, nil
	}
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	pattern := "%" + strings.ToLower(query) + "%"
	var users []models.User
	err := s.db.WithContext(ctx).
		Where("LOWER(username) LIKE ? OR LOWER(email) LIKE ?", pattern, pattern).
		Order("username").
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, errors.WrapIf(err, "failed to search users")
	}
	return users, nil
}
