package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kalima-platform/auth-service/internal/domain"
	"github.com/kalima-platform/auth-service/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	// ErrRefreshTokenReuse is returned by Rotate when the presented token was
	// already rotated. The whole family has been revoked by then.
	ErrRefreshTokenReuse = errors.New("refresh token reuse detected")
)

type RefreshTokenRepository interface {
	Create(ctx context.Context, t *domain.RefreshToken) error
	FindByHash(ctx context.Context, hash string) (*domain.RefreshToken, error)
	ListActiveByUserID(ctx context.Context, userID uint, now time.Time) ([]domain.RefreshToken, error)
	Rotate(ctx context.Context, oldHash string, next *domain.RefreshToken, now time.Time) (*domain.RefreshToken, error)
	RevokeByIDForUser(ctx context.Context, userID, id uint, reason string, now time.Time) (bool, error)
	RevokeByFamilyID(ctx context.Context, familyID, reason string, now time.Time) (int64, error)
	RevokeByUserID(ctx context.Context, userID uint, reason string, now time.Time) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type GormRefreshTokenRepository struct{ db *gorm.DB }

func NewRefreshTokenRepository(db *gorm.DB) *GormRefreshTokenRepository {
	return &GormRefreshTokenRepository{db: db}
}

func (r *GormRefreshTokenRepository) Create(ctx context.Context, t *domain.RefreshToken) error {
	err := r.db.WithContext(ctx).Create(t).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "create", "success")
	return nil
}

func (r *GormRefreshTokenRepository) FindByHash(ctx context.Context, hash string) (*domain.RefreshToken, error) {
	var t domain.RefreshToken
	err := r.db.WithContext(ctx).Where("token_hash = ?", hash).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "refresh_token", "find_by_hash", "not_found")
			return nil, ErrRefreshTokenNotFound
		}
		observability.RecordRepositoryOperation(ctx, "refresh_token", "find_by_hash", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "find_by_hash", "success")
	return &t, nil
}

func (r *GormRefreshTokenRepository) ListActiveByUserID(ctx context.Context, userID uint, now time.Time) ([]domain.RefreshToken, error) {
	var tokens []domain.RefreshToken
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND revoked = ? AND expires_at > ?", userID, false, now).
		Order("created_at DESC").
		Find(&tokens).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "list_active_by_user_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "list_active_by_user_id", "success")
	return tokens, nil
}

// Rotate revokes the active record behind oldHash and inserts next as its
// child in the same family. The previous record is returned. Presenting a
// record that was already rotated revokes its family and yields
// ErrRefreshTokenReuse.
func (r *GormRefreshTokenRepository) Rotate(ctx context.Context, oldHash string, next *domain.RefreshToken, now time.Time) (*domain.RefreshToken, error) {
	var (
		prev   domain.RefreshToken
		reused bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token_hash = ?", oldHash).
			First(&prev).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRefreshTokenNotFound
			}
			return err
		}
		if prev.Revoked {
			if prev.RevokedReason != domain.RevokeReasonRotated && prev.RevokedReason != domain.RevokeReasonReuseDetected {
				return ErrRefreshTokenNotFound
			}
			reused = true
			return tx.Model(&domain.RefreshToken{}).
				Where("family_id = ? AND revoked = ?", prev.FamilyID, false).
				Updates(map[string]any{"revoked": true, "revoked_at": now, "revoked_reason": domain.RevokeReasonReuseDetected}).Error
		}
		if !prev.ExpiresAt.After(now) {
			return ErrRefreshTokenNotFound
		}

		// Conditional update so engines without row locks still allow one winner.
		res := tx.Model(&domain.RefreshToken{}).
			Where("id = ? AND revoked = ?", prev.ID, false).
			Updates(map[string]any{"revoked": true, "revoked_at": now, "revoked_reason": domain.RevokeReasonRotated})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrRefreshTokenNotFound
		}

		parentID := prev.ID
		next.UserID = prev.UserID
		next.FamilyID = prev.FamilyID
		next.ParentID = &parentID
		if err := tx.Create(next).Error; err != nil {
			return err
		}
		prev.Revoked = true
		prev.RevokedAt = &now
		prev.RevokedReason = domain.RevokeReasonRotated
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			observability.RecordRepositoryOperation(ctx, "refresh_token", "rotate", "not_found")
		} else {
			observability.RecordRepositoryOperation(ctx, "refresh_token", "rotate", "error")
		}
		return nil, err
	}
	if reused {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "rotate", "reuse_detected")
		return &prev, ErrRefreshTokenReuse
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "rotate", "success")
	return &prev, nil
}

// RevokeByIDForUser reports whether a still-active record was revoked. A
// record owned by another user is reported as not found.
func (r *GormRefreshTokenRepository) RevokeByIDForUser(ctx context.Context, userID, id uint, reason string, now time.Time) (bool, error) {
	var t domain.RefreshToken
	err := r.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, id).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_by_id_for_user", "not_found")
			return false, ErrRefreshTokenNotFound
		}
		observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_by_id_for_user", "error")
		return false, err
	}
	res := r.db.WithContext(ctx).Model(&domain.RefreshToken{}).
		Where("user_id = ? AND id = ? AND revoked = ?", userID, id, false).
		Updates(map[string]any{"revoked": true, "revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_by_id_for_user", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_by_id_for_user", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormRefreshTokenRepository) RevokeByFamilyID(ctx context.Context, familyID, reason string, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.RefreshToken{}).
		Where("family_id = ? AND revoked = ?", familyID, false).
		Updates(map[string]any{"revoked": true, "revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_by_family_id", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_by_family_id", "success")
	return res.RowsAffected, nil
}

func (r *GormRefreshTokenRepository) RevokeByUserID(ctx context.Context, userID uint, reason string, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.RefreshToken{}).
		Where("user_id = ? AND revoked = ?", userID, false).
		Updates(map[string]any{"revoked": true, "revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_by_user_id", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_by_user_id", "success")
	return res.RowsAffected, nil
}

func (r *GormRefreshTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", before).Delete(&domain.RefreshToken{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "delete_expired", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "delete_expired", "success")
	return res.RowsAffected, nil
}
