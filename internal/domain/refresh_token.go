package domain

import "time"

// RefreshToken is the server-side record of an opaque refresh token.
// Only the hash of the raw value is persisted.
type RefreshToken struct {
	ID            uint       `gorm:"primaryKey" json:"id" bson:"_id"`
	UserID        uint       `gorm:"index;not null" json:"user_id" bson:"userId"`
	TokenHash     string     `gorm:"size:128;uniqueIndex;not null" json:"-" bson:"tokenHash"`
	FamilyID      string     `gorm:"size:64;index;not null" json:"-" bson:"familyId"`
	ParentID      *uint      `gorm:"index" json:"-" bson:"parentId,omitempty"`
	UserAgent     string     `gorm:"size:512" json:"user_agent" bson:"userAgent"`
	IP            string     `gorm:"size:64" json:"ip" bson:"ip"`
	ExpiresAt     time.Time  `gorm:"index;not null" json:"expires_at" bson:"expiresAt"`
	Revoked       bool       `gorm:"index;not null;default:false" json:"revoked" bson:"revoked"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty" bson:"revokedAt,omitempty"`
	RevokedReason string     `gorm:"size:64" json:"revoked_reason,omitempty" bson:"revokedReason,omitempty"`
	CreatedAt     time.Time  `json:"created_at" bson:"createdAt"`
}

// Active reports whether the record can still mint access tokens at now.
func (t *RefreshToken) Active(now time.Time) bool {
	return !t.Revoked && t.ExpiresAt.After(now)
}

const (
	RevokeReasonLogout         = "logout"
	RevokeReasonLogoutAll      = "logout_all"
	RevokeReasonPasswordChange = "password_change"
	RevokeReasonRotated        = "rotated"
	RevokeReasonReuseDetected  = "reuse_detected"
	RevokeReasonSessionEnded   = "session_revoked"
)
