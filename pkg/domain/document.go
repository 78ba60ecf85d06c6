package domain

import (
	"strings"
	"time"
)

// MaxEntityPayload is the entity store's protocol maximum for a single payload.
const MaxEntityPayload = 128 * 1024

type Tier string

const (
	TierFree      Tier = "FREE"
	TierCustodial Tier = "CUSTODIAL"
	TierWallet    Tier = "WALLET"
)

func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToUpper(strings.TrimSpace(s))) {
	case TierFree:
		return TierFree, nil
	case TierCustodial:
		return TierCustodial, nil
	case TierWallet:
		return TierWallet, nil
	}
	return "", ErrInvalidTier
}

type Document struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Content   []byte `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Version   int    `json:"version"`
	Encrypted bool   `json:"encrypted"`
}

type DocumentMetadata struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	Owner       string    `json:"owner"`
	Timestamp   int64     `json:"timestamp"`
	Version     int       `json:"version"`
	StoreKey    string    `json:"store_key"`
	SizeKB      int       `json:"size_kb"`
	Encrypted   bool      `json:"encrypted"`
	Chunked     bool      `json:"chunked"`
	TotalChunks int       `json:"total_chunks,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type Chunk struct {
	ChunkID      string `json:"chunk_id"`
	DocumentID   string `json:"document_id"`
	Title        string `json:"title"`
	Author       string `json:"author"`
	Index        int    `json:"chunk_index"`
	Total        int    `json:"total_chunks"`
	OriginalSize int64  `json:"original_size"`
	Payload      []byte `json:"payload"`
	IsLast       bool   `json:"is_last_chunk"`
}

type UserConfig struct {
	OwnerID            string `json:"owner_id"`
	RetentionDays      int    `json:"retention_days"`
	AutoSave           bool   `json:"auto_save"`
	ShowBalance        bool   `json:"show_balance"`
	EncryptByDefault   bool   `json:"encrypt_by_default"`
	EncryptionPassword string `json:"encryption_password,omitempty"`
	Timestamp          int64  `json:"timestamp"`
}

func DefaultUserConfig(owner string) *UserConfig {
	return &UserConfig{
		OwnerID:       owner,
		RetentionDays: 30,
		ShowBalance:   true,
	}
}

type ShareToken struct {
	Token       string `json:"token"`
	DocumentID  string `json:"document_id"`
	CreatedBy   string `json:"created_by"`
	IsPublic    bool   `json:"is_public"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	AccessCount int64  `json:"access_count"`
}

func (t *ShareToken) Expired(now time.Time) bool {
	return t.ExpiresAt > 0 && now.UnixMilli() >= t.ExpiresAt
}

func SizeKB(n int) int {
	return (n + 1023) / 1024
}
