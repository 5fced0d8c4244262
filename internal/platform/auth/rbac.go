package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medtech/clinic/internal/platform/apperr"
)

const (
	RoleAdmin        = "admin"
	RoleProfessional = "professional"
	RolePatient      = "patient"
)

// HasRole reports whether the caller holds role. Admin holds every role.
func HasRole(ctx context.Context, role string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == role || has == RoleAdmin {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the caller holds the admin role itself.
func IsAdmin(ctx context.Context) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == RoleAdmin {
			return true
		}
	}
	return false
}

// HasAuthority reports whether the caller was granted perm. Admins pass.
func HasAuthority(ctx context.Context, perm string) bool {
	if IsAdmin(ctx) {
		return true
	}
	for _, p := range AuthoritiesFromContext(ctx) {
		if p == perm {
			return true
		}
	}
	return false
}

// ActsFor reports whether the caller is userID or an admin.
func ActsFor(ctx context.Context, userID uuid.UUID) bool {
	if IsAdmin(ctx) {
		return true
	}
	caller := UserIDFromContext(ctx)
	return caller != uuid.Nil && caller == userID
}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			for _, required := range roles {
				if HasRole(ctx, required) {
					return next(c)
				}
			}
			return apperr.Forbidden(apperr.CodeForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequirePermission returns middleware that checks the token authorities
// for perm, e.g. "appointment:create".
func RequirePermission(perm string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAuthority(c.Request().Context(), perm) {
				return next(c)
			}
			return apperr.Forbidden(apperr.CodeForbidden, "required permission: "+perm)
		}
	}
}
