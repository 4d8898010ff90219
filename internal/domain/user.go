package domain

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleStudent   Role = "student"
	RoleTeacher   Role = "teacher"
	RoleParent    Role = "parent"
	RoleLecturer  Role = "lecturer"
	RoleAssistant Role = "assistant"
	RoleAdmin     Role = "admin"
)

var knownRoles = map[Role]struct{}{
	RoleStudent:   {},
	RoleTeacher:   {},
	RoleParent:    {},
	RoleLecturer:  {},
	RoleAssistant: {},
	RoleAdmin:     {},
}

// ParseRole maps user input onto the closed role set.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownRoles[r]; !ok {
		return "", fmt.Errorf("unknown role %q", raw)
	}
	return r, nil
}

// SelfRegistrable reports whether the role may be chosen at sign-up.
func (r Role) SelfRegistrable() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleParent:
		return true
	default:
		return false
	}
}

// Portals a user can be assigned to. Each one gets its own entry route.
const (
	PortalCenter = "center"
	PortalOnline = "online"
)

var KnownPortals = []string{PortalCenter, PortalOnline}

type User struct {
	ID           uint      `gorm:"primaryKey" json:"id" bson:"_id"`
	Name         string    `gorm:"size:128;uniqueIndex;not null" json:"name" bson:"name"`
	Email        string    `gorm:"size:255;uniqueIndex;not null" json:"email" bson:"email"`
	PasswordHash string    `gorm:"size:255;not null" json:"-" bson:"passwordHash"`
	Role         Role      `gorm:"size:32;not null;default:student" json:"role" bson:"role"`
	Portals      string    `gorm:"size:512" json:"-" bson:"portals"`
	CreatedAt    time.Time `json:"created_at" bson:"createdAt"`
	UpdatedAt    time.Time `json:"updated_at" bson:"updatedAt"`
}

// PortalList returns the portal assignments stored as a comma separated column.
func (u *User) PortalList() []string {
	if u.Portals == "" {
		return nil
	}
	parts := strings.Split(u.Portals, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (u *User) SetPortals(portals []string) {
	clean := make([]string, 0, len(portals))
	seen := make(map[string]struct{}, len(portals))
	for _, p := range portals {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		clean = append(clean, p)
	}
	u.Portals = strings.Join(clean, ",")
}
