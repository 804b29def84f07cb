package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/speps/go-hashids/v2"

	"github.com/k11v/pipetrack/internal/failure"
)

// DefaultSessionTTL is how long a session and a build's session index live.
const DefaultSessionTTL = 7 * 24 * time.Hour

var ErrSessionNotFound = errors.New("session not found")

// SecretInfo is the credential pair an agent authenticates with.
type SecretInfo struct {
	HashID    string `json:"hashId"`
	SecretKey string `json:"secretKey"`
}

// SessionContext is what an agent learns about the slot it runs for.
type SessionContext struct {
	VMName       string            `json:"vmName"`
	ProjectID    string            `json:"projectId"`
	PipelineID   string            `json:"pipelineId"`
	BuildID      string            `json:"buildId"`
	VMSeqID      string            `json:"vmSeqId"`
	ChannelCode  string            `json:"channelCode"`
	Zone         string            `json:"zone,omitempty"`
	Atoms        map[string]string `json:"atoms,omitempty"`
	ExecuteCount int               `json:"executeCount"`
}

// SessionStore keeps agent sessions in Redis.
//
// secret_info_key_{buildId} is a hash from "{vmSeqId}-{executeCount}" to the
// slot's SecretInfo. Its expiry is refreshed on every insert.
// docker_build_key_{hashId}_{secretKey} holds the SessionContext. Its expiry
// is set once.
type SessionStore struct {
	client redis.Cmdable // required
	hashID *hashids.HashID
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionStore returns a SessionStore. If ttl is zero, DefaultSessionTTL is used.
func NewSessionStore(client redis.Cmdable, hashIDSalt string, ttl time.Duration) (*SessionStore, error) {
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}

	hd := hashids.NewData()
	hd.Salt = hashIDSalt
	hd.MinLength = 8
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, fmt.Errorf("dispatch.NewSessionStore: %w", err)
	}

	return &SessionStore{client: client, hashID: h, ttl: ttl, now: time.Now}, nil
}

func secretInfoKey(buildID string) string {
	return "secret_info_key_" + buildID
}

func secretInfoField(vmSeqID string, executeCount int) string {
	return fmt.Sprintf("%s-%d", vmSeqID, executeCount)
}

func contextKey(hashID, secretKey string) string {
	return fmt.Sprintf("docker_build_key_%s_%s", hashID, secretKey)
}

// Start returns the session of the slot sc describes, creating it if the slot has none.
func (s *SessionStore) Start(ctx context.Context, sc *SessionContext) (*SecretInfo, error) {
	indexKey := secretInfoKey(sc.BuildID)
	field := secretInfoField(sc.VMSeqID, sc.ExecuteCount)

	existing, err := s.client.HGet(ctx, indexKey, field).Result()
	if err == nil {
		var info SecretInfo
		if err = json.Unmarshal([]byte(existing), &info); err != nil {
			return nil, sessionStoreError("unable to decode session", err)
		}
		return &info, nil
	} else if !errors.Is(err, redis.Nil) {
		return nil, sessionStoreError("unable to read session index", err)
	}

	now := s.now()
	hashID, err := s.hashID.EncodeInt64([]int64{now.UnixMilli()})
	if err != nil {
		return nil, sessionStoreError("unable to generate hash id", err)
	}
	info := &SecretInfo{HashID: hashID, SecretKey: uuid.NewString()}
	slog.Info("starting session", "build_id", sc.BuildID, "vm_seq_id", sc.VMSeqID, "hash_id", info.HashID)

	contextData, err := json.Marshal(sc)
	if err != nil {
		return nil, sessionStoreError("unable to encode session context", err)
	}
	infoData, err := json.Marshal(info)
	if err != nil {
		return nil, sessionStoreError("unable to encode session", err)
	}

	if err = s.client.Set(ctx, contextKey(info.HashID, info.SecretKey), contextData, s.ttl).Err(); err != nil {
		return nil, sessionStoreError("unable to save session context", err)
	}
	if err = s.client.HSet(ctx, indexKey, field, infoData).Err(); err != nil {
		return nil, sessionStoreError("unable to save session index", err)
	}
	if err = s.client.ExpireAt(ctx, indexKey, now.Add(s.ttl)).Err(); err != nil {
		return nil, sessionStoreError("unable to refresh session index expiry", err)
	}

	return info, nil
}

// End removes the session of a slot and drops the build's index once it is empty.
// Ending a slot without a session only removes its index entry.
func (s *SessionStore) End(ctx context.Context, buildID, vmSeqID string, executeCount int) error {
	indexKey := secretInfoKey(buildID)
	field := secretInfoField(vmSeqID, executeCount)

	existing, err := s.client.HGet(ctx, indexKey, field).Result()
	switch {
	case err == nil:
		var info SecretInfo
		if err = json.Unmarshal([]byte(existing), &info); err != nil {
			return sessionStoreError("unable to decode session", err)
		}
		if err = s.client.Del(ctx, contextKey(info.HashID, info.SecretKey)).Err(); err != nil {
			return sessionStoreError("unable to delete session context", err)
		}
		slog.Info("ended session", "build_id", buildID, "vm_seq_id", vmSeqID)
	case errors.Is(err, redis.Nil):
		slog.Error("didn't end session, session is missing", "build_id", buildID, "vm_seq_id", vmSeqID)
	default:
		return sessionStoreError("unable to read session index", err)
	}

	if err = s.client.HDel(ctx, indexKey, field).Err(); err != nil {
		return sessionStoreError("unable to delete session index entry", err)
	}

	n, err := s.client.HLen(ctx, indexKey).Result()
	if err != nil {
		return sessionStoreError("unable to count session index entries", err)
	}
	if n == 0 {
		if err = s.client.Del(ctx, indexKey).Err(); err != nil {
			return sessionStoreError("unable to delete session index", err)
		}
	}

	return nil
}

// Context returns the session context for an agent's credentials.
func (s *SessionStore) Context(ctx context.Context, hashID, secretKey string) (*SessionContext, error) {
	data, err := s.client.Get(ctx, contextKey(hashID, secretKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, sessionStoreError("unable to read session context", err)
	}

	var sc SessionContext
	if err = json.Unmarshal(data, &sc); err != nil {
		return nil, sessionStoreError("unable to decode session context", err)
	}
	return &sc, nil
}

func sessionStoreError(message string, err error) error {
	return failure.System(failure.CodeSessionStore, message, err)
}
