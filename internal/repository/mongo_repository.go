package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalima-platform/auth-service/internal/domain"
	"github.com/kalima-platform/auth-service/internal/observability"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	usersCollection         = "users"
	refreshTokensCollection = "refresh_tokens"
	countersCollection      = "counters"
)

// MongoStore holds the collections backing the Mongo storage driver.
// Numeric ids come from a counters collection so records keep the same
// shape as the SQL backends.
type MongoStore struct {
	users    *mongo.Collection
	tokens   *mongo.Collection
	counters *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		users:    db.Collection(usersCollection),
		tokens:   db.Collection(refreshTokensCollection),
		counters: db.Collection(countersCollection),
	}
}

// EnsureIndexes creates the unique and lookup indexes both repositories rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetName("uniq_name").SetUnique(true)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetName("uniq_email").SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("mongo ensure user indexes: %w", err)
	}
	_, err = s.tokens.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tokenHash", Value: 1}}, Options: options.Index().SetName("uniq_token_hash").SetUnique(true)},
		{Keys: bson.D{{Key: "familyId", Value: 1}}, Options: options.Index().SetName("family")},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "revoked", Value: 1}}, Options: options.Index().SetName("user_revoked")},
		{Keys: bson.D{{Key: "expiresAt", Value: 1}}, Options: options.Index().SetName("expires_at")},
	})
	if err != nil {
		return fmt.Errorf("mongo ensure refresh token indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) nextID(ctx context.Context, name string) (uint, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("next %s id: %w", name, err)
	}
	return uint(doc.Seq), nil
}

type MongoUserRepository struct{ store *MongoStore }

func NewMongoUserRepository(store *MongoStore) *MongoUserRepository {
	return &MongoUserRepository{store: store}
}

func (r *MongoUserRepository) FindByID(ctx context.Context, id uint) (*domain.User, error) {
	return r.findOne(ctx, "find_by_id", bson.M{"_id": id})
}

func (r *MongoUserRepository) FindByIdentifier(ctx context.Context, identifier string) (*domain.User, error) {
	identifier = strings.TrimSpace(identifier)
	return r.findOne(ctx, "find_by_identifier", bson.M{"$or": bson.A{
		bson.M{"name": identifier},
		bson.M{"email": strings.ToLower(identifier)},
	}})
}

func (r *MongoUserRepository) findOne(ctx context.Context, op string, filter bson.M) (*domain.User, error) {
	var u domain.User
	if err := r.store.users.FindOne(ctx, filter).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			observability.RecordRepositoryOperation(ctx, "user", op, "not_found")
			return nil, ErrUserNotFound
		}
		observability.RecordRepositoryOperation(ctx, "user", op, "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "user", op, "success")
	return &u, nil
}

func (r *MongoUserRepository) Create(ctx context.Context, user *domain.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	id, err := r.store.nextID(ctx, usersCollection)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "user", "create", "error")
		return err
	}
	now := time.Now().UTC()
	user.ID = id
	user.CreatedAt = now
	user.UpdatedAt = now
	if _, err := r.store.users.InsertOne(ctx, user); err != nil {
		user.ID = 0
		if mongo.IsDuplicateKeyError(err) {
			observability.RecordRepositoryOperation(ctx, "user", "create", "conflict")
			return ErrUserExists
		}
		observability.RecordRepositoryOperation(ctx, "user", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "user", "create", "success")
	return nil
}

func (r *MongoUserRepository) UpdatePasswordHash(ctx context.Context, userID uint, hash string) error {
	res, err := r.store.users.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{"passwordHash": hash, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "user", "update_password_hash", "error")
		return err
	}
	if res.MatchedCount == 0 {
		observability.RecordRepositoryOperation(ctx, "user", "update_password_hash", "not_found")
		return ErrUserNotFound
	}
	observability.RecordRepositoryOperation(ctx, "user", "update_password_hash", "success")
	return nil
}

type MongoRefreshTokenRepository struct{ store *MongoStore }

func NewMongoRefreshTokenRepository(store *MongoStore) *MongoRefreshTokenRepository {
	return &MongoRefreshTokenRepository{store: store}
}

func (r *MongoRefreshTokenRepository) Create(ctx context.Context, t *domain.RefreshToken) error {
	if err := r.insert(ctx, t); err != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "create", "success")
	return nil
}

func (r *MongoRefreshTokenRepository) insert(ctx context.Context, t *domain.RefreshToken) error {
	id, err := r.store.nextID(ctx, refreshTokensCollection)
	if err != nil {
		return err
	}
	t.ID = id
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if _, err := r.store.tokens.InsertOne(ctx, t); err != nil {
		t.ID = 0
		return err
	}
	return nil
}

func (r *MongoRefreshTokenRepository) FindByHash(ctx context.Context, hash string) (*domain.RefreshToken, error) {
	var t domain.RefreshToken
	if err := r.store.tokens.FindOne(ctx, bson.M{"tokenHash": hash}).Decode(&t); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			observability.RecordRepositoryOperation(ctx, "refresh_token", "find_by_hash", "not_found")
			return nil, ErrRefreshTokenNotFound
		}
		observability.RecordRepositoryOperation(ctx, "refresh_token", "find_by_hash", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "find_by_hash", "success")
	return &t, nil
}

func (r *MongoRefreshTokenRepository) ListActiveByUserID(ctx context.Context, userID uint, now time.Time) ([]domain.RefreshToken, error) {
	cur, err := r.store.tokens.Find(ctx,
		bson.M{"userId": userID, "revoked": false, "expiresAt": bson.M{"$gt": now}},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}),
	)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "list_active_by_user_id", "error")
		return nil, err
	}
	var tokens []domain.RefreshToken
	if err := cur.All(ctx, &tokens); err != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "list_active_by_user_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "list_active_by_user_id", "success")
	return tokens, nil
}

// Rotate claims the active record with a single conditional
// FindOneAndUpdate, so of two concurrent callers only one sees it active.
// A failed child insert releases the claim again; otherwise the next retry
// with the same token would look like reuse.
func (r *MongoRefreshTokenRepository) Rotate(ctx context.Context, oldHash string, next *domain.RefreshToken, now time.Time) (*domain.RefreshToken, error) {
	var prev domain.RefreshToken
	err := r.store.tokens.FindOneAndUpdate(ctx,
		bson.M{"tokenHash": oldHash, "revoked": false, "expiresAt": bson.M{"$gt": now}},
		bson.M{"$set": bson.M{"revoked": true, "revokedAt": now, "revokedReason": domain.RevokeReasonRotated}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&prev)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			observability.RecordRepositoryOperation(ctx, "refresh_token", "rotate", "error")
			return nil, err
		}
		return r.rotateMiss(ctx, oldHash, now)
	}

	parentID := prev.ID
	next.UserID = prev.UserID
	next.FamilyID = prev.FamilyID
	next.ParentID = &parentID
	if err := r.insert(ctx, next); err != nil {
		if rerr := r.releaseClaim(context.WithoutCancel(ctx), prev.ID); rerr != nil {
			err = errors.Join(err, fmt.Errorf("release rotation claim: %w", rerr))
		}
		observability.RecordRepositoryOperation(ctx, "refresh_token", "rotate", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "rotate", "success")
	return &prev, nil
}

// releaseClaim reactivates a record claimed by Rotate. It leaves records
// revoked for any other reason alone.
func (r *MongoRefreshTokenRepository) releaseClaim(ctx context.Context, id uint) error {
	_, err := r.store.tokens.UpdateOne(ctx,
		bson.M{"_id": id, "revoked": true, "revokedReason": domain.RevokeReasonRotated},
		bson.M{"$set": bson.M{"revoked": false}, "$unset": bson.M{"revokedAt": "", "revokedReason": ""}},
	)
	return err
}

func (r *MongoRefreshTokenRepository) rotateMiss(ctx context.Context, oldHash string, now time.Time) (*domain.RefreshToken, error) {
	var prev domain.RefreshToken
	if err := r.store.tokens.FindOne(ctx, bson.M{"tokenHash": oldHash}).Decode(&prev); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			observability.RecordRepositoryOperation(ctx, "refresh_token", "rotate", "not_found")
			return nil, ErrRefreshTokenNotFound
		}
		observability.RecordRepositoryOperation(ctx, "refresh_token", "rotate", "error")
		return nil, err
	}
	if !prev.Revoked || (prev.RevokedReason != domain.RevokeReasonRotated && prev.RevokedReason != domain.RevokeReasonReuseDetected) {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "rotate", "not_found")
		return nil, ErrRefreshTokenNotFound
	}
	if _, err := r.revokeMany(ctx, bson.M{"familyId": prev.FamilyID}, domain.RevokeReasonReuseDetected, now); err != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "rotate", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "rotate", "reuse_detected")
	return &prev, ErrRefreshTokenReuse
}

func (r *MongoRefreshTokenRepository) revokeMany(ctx context.Context, filter bson.M, reason string, now time.Time) (int64, error) {
	filter["revoked"] = false
	res, err := r.store.tokens.UpdateMany(ctx, filter,
		bson.M{"$set": bson.M{"revoked": true, "revokedAt": now, "revokedReason": reason}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (r *MongoRefreshTokenRepository) RevokeByIDForUser(ctx context.Context, userID, id uint, reason string, now time.Time) (bool, error) {
	n, err := r.store.tokens.CountDocuments(ctx, bson.M{"_id": id, "userId": userID})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_by_id_for_user", "error")
		return false, err
	}
	if n == 0 {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_by_id_for_user", "not_found")
		return false, ErrRefreshTokenNotFound
	}
	changed, err := r.revokeMany(ctx, bson.M{"_id": id, "userId": userID}, reason, now)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_by_id_for_user", "error")
		return false, err
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_by_id_for_user", "success")
	return changed > 0, nil
}

func (r *MongoRefreshTokenRepository) RevokeByFamilyID(ctx context.Context, familyID, reason string, now time.Time) (int64, error) {
	n, err := r.revokeMany(ctx, bson.M{"familyId": familyID}, reason, now)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_by_family_id", "error")
		return n, err
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_by_family_id", "success")
	return n, nil
}

func (r *MongoRefreshTokenRepository) RevokeByUserID(ctx context.Context, userID uint, reason string, now time.Time) (int64, error) {
	n, err := r.revokeMany(ctx, bson.M{"userId": userID}, reason, now)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_by_user_id", "error")
		return n, err
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "revoke_by_user_id", "success")
	return n, nil
}

func (r *MongoRefreshTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.store.tokens.DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lte": before}})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_token", "delete_expired", "error")
		return 0, err
	}
	observability.RecordRepositoryOperation(ctx, "refresh_token", "delete_expired", "success")
	return res.DeletedCount, nil
}
