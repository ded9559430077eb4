package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/afadil/wealthfolio-sync/internal/models"
)

const (
	pairingPrefix  = "pairing:"
	pairingCodeKey = "pairing:code:%s:%s" // account, code hash
	pairingClaimed = "pairing:claimed:%s" // session id
)

// RedisPairingSessionRepository stores pairing sessions as JSON values whose
// Redis TTL mirrors the protocol TTL: an expired session simply disappears,
// which callers observe as ErrNotFound — identical to explicit expiry.
type RedisPairingSessionRepository struct {
	client *redis.Client
}

func NewRedisPairingSessionRepository(client *redis.Client) *RedisPairingSessionRepository {
	return &RedisPairingSessionRepository{client: client}
}

func (r *RedisPairingSessionRepository) Create(ctx context.Context, session *models.PairingSession) error {
	jsonData, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal pairing session: %w", err)
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("pairing session already expired")
	}

	key := pairingPrefix + session.ID
	if err := r.client.Set(ctx, key, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set pairing session: %w", err)
	}

	// Code-hash index for claim lookup, same TTL as the session.
	codeKey := fmt.Sprintf(pairingCodeKey, session.AccountID, session.CodeHash)
	if err := r.client.Set(ctx, codeKey, session.ID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to index pairing code: %w", err)
	}
	return nil
}

func (r *RedisPairingSessionRepository) GetByID(ctx context.Context, id string) (*models.PairingSession, error) {
	jsonData, err := r.client.Get(ctx, pairingPrefix+id).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pairing session: %w", err)
	}

	var session models.PairingSession
	if err := json.Unmarshal([]byte(jsonData), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pairing session: %w", err)
	}
	return &session, nil
}

func (r *RedisPairingSessionRepository) GetByCodeHash(ctx context.Context, accountID uuid.UUID, codeHash string) (*models.PairingSession, error) {
	codeKey := fmt.Sprintf(pairingCodeKey, accountID, codeHash)
	id, err := r.client.Get(ctx, codeKey).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pairing code: %w", err)
	}
	return r.GetByID(ctx, id)
}

// Claim atomically marks the session claimed. The SETNX marker guarantees
// that of any number of concurrent claims exactly one wins; losers get
// ErrAlreadyClaimed without mutating the session.
func (r *RedisPairingSessionRepository) Claim(ctx context.Context, id string, claimerDeviceID uuid.UUID, claimerPublicKey string) error {
	session, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return ErrNotFound
	}

	ok, err := r.client.SetNX(ctx, fmt.Sprintf(pairingClaimed, id), claimerDeviceID.String(), ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire claim marker: %w", err)
	}
	if !ok {
		return ErrAlreadyClaimed
	}

	session.Status = models.PairingStatusClaimed
	session.ClaimerDeviceID = &claimerDeviceID
	session.ClaimerPublicKey = claimerPublicKey
	return r.Update(ctx, session)
}

// Update rewrites the session value, preserving the original TTL.
func (r *RedisPairingSessionRepository) Update(ctx context.Context, session *models.PairingSession) error {
	jsonData, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal pairing session: %w", err)
	}

	err = r.client.Set(ctx, pairingPrefix+session.ID, jsonData, redis.KeepTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to update pairing session: %w", err)
	}
	return nil
}

func (r *RedisPairingSessionRepository) Delete(ctx context.Context, id string) error {
	session, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	codeKey := fmt.Sprintf(pairingCodeKey, session.AccountID, session.CodeHash)
	keys := []string{pairingPrefix + id, codeKey, fmt.Sprintf(pairingClaimed, id)}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete pairing session: %w", err)
	}
	return nil
}
