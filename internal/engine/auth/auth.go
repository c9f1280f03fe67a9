package auth

import (
	"errors"
	"fmt"

	"changegate/internal/config"
	"changegate/internal/domain"
)

// ForbiddenError indicates the actor's role may not perform an action.
type ForbiddenError struct {
	Role   string
	Action string
}

func (e ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("%s requires a role", e.Action)
	}
	return fmt.Sprintf("role %s may not %s", e.Role, e.Action)
}

// ErrActorRequired is returned when a mutating call carries no identity.
var ErrActorRequired = errors.New("actor and role required")

// Service checks actor roles against the rbac section of the config.
type Service struct {
	Config *config.Config
}

func (s Service) founderRole() string {
	if s.Config == nil || s.Config.RBAC.FounderRole == "" {
		return "founder"
	}
	return s.Config.RBAC.FounderRole
}

// EnsureActor rejects an empty actor id or role.
func (s Service) EnsureActor(actor domain.Actor) error {
	if actor.ID == "" || actor.Role == "" {
		return ErrActorRequired
	}
	return nil
}

// IsFounder reports whether actor holds the founder role.
func (s Service) IsFounder(actor domain.Actor) bool {
	return actor.Role == s.founderRole()
}

// IsReviewer reports whether actor may review, merge and re-scan.
func (s Service) IsReviewer(actor domain.Actor) bool {
	if s.Config == nil {
		return actor.Role == "founder" || actor.Role == "admin"
	}
	return s.Config.IsReviewer(actor.Role)
}

// RequireFounder returns ForbiddenError unless actor is the founder.
func (s Service) RequireFounder(actor domain.Actor, action string) error {
	if err := s.EnsureActor(actor); err != nil {
		return err
	}
	if !s.IsFounder(actor) {
		return ForbiddenError{Role: actor.Role, Action: action}
	}
	return nil
}

// RequireReviewer returns ForbiddenError unless actor holds a reviewer role.
func (s Service) RequireReviewer(actor domain.Actor, action string) error {
	if err := s.EnsureActor(actor); err != nil {
		return err
	}
	if !s.IsReviewer(actor) {
		return ForbiddenError{Role: actor.Role, Action: action}
	}
	return nil
}

// NotifyRoles are the roles that receive transition notifications.
func (s Service) NotifyRoles() []string {
	if s.Config == nil || len(s.Config.RBAC.NotifyRoles) == 0 {
		return []string{s.founderRole(), "admin"}
	}
	return s.Config.RBAC.NotifyRoles
}
