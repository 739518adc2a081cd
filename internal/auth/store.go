package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	apiKeyPrefix  = "api_key:"
	userKeysPrefix = "user_keys:"
)

// Store persists APIKey records addressed by the HMAC of the raw key, plus
// a per-user index of key ids for listing.
type Store struct {
	rdb    *redis.Client
	secret string
}

func NewStore(rdb *redis.Client, secret string) *Store {
	return &Store{rdb: rdb, secret: secret}
}

func hashedKey(hash string) string { return apiKeyPrefix + hash }
func userKeysKey(user string) string { return userKeysPrefix + user }

// Create mints and persists a new key for userID, returning the raw key
// (shown to the caller exactly once) and the stored record.
func (s *Store) Create(ctx context.Context, prefix, userID string, tier Tier, perms []Permission, expiresAt *time.Time) (rawKey string, key APIKey, err error) {
	rawKey, keyID, err := GenerateRawKey(prefix)
	if err != nil {
		return "", APIKey{}, err
	}
	key = APIKey{
		KeyID:       keyID,
		UserID:      userID,
		Tier:        tier,
		Permissions: perms,
		Status:      KeyStatusActive,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   expiresAt,
	}
	hash := HashKey(s.secret, rawKey)

	data, err := json.Marshal(key)
	if err != nil {
		return "", APIKey{}, err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, hashedKey(hash), data, 0)
	pipe.SAdd(ctx, userKeysKey(userID), keyID)
	// index key id -> hash so revoke-by-key-id doesn't need the raw key.
	pipe.Set(ctx, "api_key_id:"+keyID, hash, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", APIKey{}, fmt.Errorf("persist api key: %w", err)
	}
	return rawKey, key, nil
}

// Lookup resolves a raw key to its record via HMAC lookup. Returns
// (nil, nil) if the key is unknown.
func (s *Store) Lookup(ctx context.Context, rawKey string) (*APIKey, error) {
	hash := HashKey(s.secret, rawKey)
	raw, err := s.rdb.Get(ctx, hashedKey(hash)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var key APIKey
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		return nil, err
	}
	return &key, nil
}

// TouchLastUsed updates last_used_at for a looked-up key.
func (s *Store) TouchLastUsed(ctx context.Context, rawKey string) error {
	hash := HashKey(s.secret, rawKey)
	key, err := s.Lookup(ctx, rawKey)
	if err != nil || key == nil {
		return err
	}
	key.LastUsedAt = time.Now().UTC()
	data, err := json.Marshal(key)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, hashedKey(hash), data, 0).Err()
}

// ListForUser returns all key records belonging to userID.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]APIKey, error) {
	ids, err := s.rdb.SMembers(ctx, userKeysKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]APIKey, 0, len(ids))
	for _, id := range ids {
		hash, err := s.rdb.Get(ctx, "api_key_id:"+id).Result()
		if err != nil {
			continue
		}
		raw, err := s.rdb.Get(ctx, hashedKey(hash)).Result()
		if err != nil {
			continue
		}
		var key APIKey
		if err := json.Unmarshal([]byte(raw), &key); err == nil {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Revoke marks keyID (owned by userID) revoked.
func (s *Store) Revoke(ctx context.Context, userID, keyID string) error {
	hash, err := s.rdb.Get(ctx, "api_key_id:"+keyID).Result()
	if err == redis.Nil {
		return fmt.Errorf("auth: unknown key id %q", keyID)
	}
	if err != nil {
		return err
	}
	raw, err := s.rdb.Get(ctx, hashedKey(hash)).Result()
	if err != nil {
		return err
	}
	var key APIKey
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		return err
	}
	if key.UserID != userID {
		return fmt.Errorf("auth: key %q does not belong to user %q", keyID, userID)
	}
	key.Status = KeyStatusRevoked
	data, err := json.Marshal(key)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, hashedKey(hash), data, 0).Err()
}
