// Package access decides what a user may do with a reference library.
package access

import (
	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/barcode-identifier/barrel/internal/domain/auth"
)

// Level is an explicit permission granted on a library.
type Level string

// Share levels, from most restrictive to most permissive.
const (
	LevelNone Level = ""
	LevelDeny Level = "DENY"
	LevelView Level = "VIEW"
	LevelRun  Level = "RUN"
	LevelEdit Level = "EDIT"
)

// ErrForbidden is returned when a user lacks the permission for an action.
var ErrForbidden = errors.New("permission denied")

// ParseLevel validates a share level.
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case LevelDeny, LevelView, LevelRun, LevelEdit:
		return l, nil
	default:
		return LevelNone, errors.Errorf("unknown permission level %q", s)
	}
}

// Subject is the library-level data permissions are decided on.
type Subject struct {
	OwnerID *uuid.UUID
	Public  bool
	// Share is the level explicitly granted to the user being checked.
	Share Level
}

func isOwner(u *auth.User, s Subject) bool {
	return u != nil && s.OwnerID != nil && *s.OwnerID == u.ID
}

// CanView reports whether u may see the library, its versions and sequences.
func CanView(u *auth.User, s Subject) bool {
	switch {
	case u == nil:
		return s.Public
	case u.IsSuperuser || u.IsStaff:
		return true
	case isOwner(u, s):
		return true
	case s.Share == LevelDeny:
		return false
	case s.Public:
		return true
	}
	return s.Share == LevelView || s.Share == LevelRun || s.Share == LevelEdit
}

// CanRun reports whether u may submit BLAST runs against the library.
func CanRun(u *auth.User, s Subject) bool {
	return CanView(u, s)
}

// CanEdit reports whether u may modify the library and its draft versions.
func CanEdit(u *auth.User, s Subject) bool {
	switch {
	case u == nil:
		return false
	case u.IsSuperuser:
		return true
	case isOwner(u, s):
		return true
	}
	return s.Share == LevelEdit
}

// CanDelete reports whether u may delete the library or manage its shares.
func CanDelete(u *auth.User, s Subject) bool {
	return u != nil && (u.IsSuperuser || isOwner(u, s))
}

// CanCreateLibrary reports whether u may create new libraries.
func CanCreateLibrary(u *auth.User) bool {
	return u != nil && (u.IsStaff || u.IsSuperuser)
}
