// ABOUTME: User accounts and credit balances
// ABOUTME: Creates users with starting credits and grants credits with an audit trail

package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/rig-gateway/internal/store"
)

// ErrInvalidArgument matches malformed input and grants that are zero or would overdraw.
var ErrInvalidArgument = &AccountError{Kind: "InvalidArgument"}

// AccountError is a kinded accounts error.
type AccountError struct {
	Kind    string
	Message string
}

func (e *AccountError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Message
}

// Is matches any AccountError of the same kind.
func (e *AccountError) Is(target error) bool {
	t, ok := target.(*AccountError)
	return ok && t.Kind == e.Kind
}

// ErrorKind implements the boundary's kinded-error contract.
func (e *AccountError) ErrorKind() string { return e.Kind }

// Options configures a Service.
type Options struct {
	StartingCredits int
	Now             func() time.Time
	Logger          *slog.Logger
}

// Service manages users and their credit balances.
type Service struct {
	store           store.Store
	startingCredits int
	now             func() time.Time
	logger          *slog.Logger
}

// New creates a Service.
func New(s store.Store, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:           s,
		startingCredits: opts.StartingCredits,
		now:             opts.Now,
		logger:          opts.Logger.With("component", "accounts"),
	}
}

// CreateUser adds a user holding the starting credit balance.
// Returns store.ErrDuplicate if the id is taken.
func (s *Service) CreateUser(ctx context.Context, id, displayName string, admin bool) (*store.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, &AccountError{Kind: ErrInvalidArgument.Kind, Message: "user id is required"}
	}
	if displayName == "" {
		displayName = id
	}
	u := &store.User{
		ID:          id,
		DisplayName: displayName,
		Credits:     s.startingCredits,
		IsAdmin:     admin,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.Update(ctx, func(tx *store.Tx) error {
		return tx.CreateUser(u)
	}); err != nil {
		return nil, err
	}
	s.logger.Info("user created", "user_id", id, "admin", admin)
	return u, nil
}

// Get returns a user with their current balance.
func (s *Service) Get(ctx context.Context, id string) (*store.User, error) {
	var u *store.User
	err := s.store.View(ctx, func(tx *store.Tx) error {
		var err error
		u, err = tx.GetUser(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Grant adds amount credits to a user. A negative amount deducts and may not
// take the balance below zero.
func (s *Service) Grant(ctx context.Context, userID string, amount int, actorID string) (*store.User, error) {
	if amount == 0 {
		return nil, &AccountError{Kind: ErrInvalidArgument.Kind, Message: "amount must be non-zero"}
	}

	var u *store.User
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.AdjustCredits(userID, amount); err != nil {
			if errors.Is(err, store.ErrInsufficientCredits) {
				return &AccountError{Kind: ErrInvalidArgument.Kind, Message: fmt.Sprintf("deducting %d would overdraw %s", -amount, userID)}
			}
			return err
		}
		var err error
		if u, err = tx.GetUser(userID); err != nil {
			return err
		}
		return tx.AppendAudit(&store.AuditEntry{
			ActorID:    actorID,
			Action:     store.AuditGrantCredits,
			TargetType: "user",
			TargetID:   userID,
			Detail:     map[string]any{"amount": amount, "balance": u.Credits},
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("credits granted", "user_id", userID, "amount", amount, "balance", u.Credits)
	return u, nil
}
