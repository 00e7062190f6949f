package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/config"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/models"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/pkg/logger"
)

// SessionBackend is the primary durable store shared by all workers. The
// whole session document is always written in one compare-and-swap so a
// request based on stale state can never clobber a newer one.
type SessionBackend interface {
	Get(ctx context.Context, sessionID string) ([]byte, error)
	CompareAndSwap(ctx context.Context, sessionID string, payload []byte, expectedVersion, newVersion int64, ttl time.Duration) error
	Delete(ctx context.Context, sessionID string) error
	Ping(ctx context.Context) error
	Close() error
}

// casScript performs the version check and write atomically. Version 0 means
// the key must not exist yet.
var casScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
local expected = tonumber(ARGV[1])
if current == false then
	if expected ~= 0 then
		return 0
	end
elseif tonumber(current) ~= expected then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'payload', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

type redisBackend struct {
	client *redis.Client
}

func newRedisBackend(cfg config.RedisConfig) (*redisBackend, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opt.PoolSize = cfg.PoolSize
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout

	return &redisBackend{client: redis.NewClient(opt)}, nil
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s:state", sessionID)
}

func (b *redisBackend) Get(ctx context.Context, sessionID string) ([]byte, error) {
	payload, err := b.client.HGet(ctx, sessionKey(sessionID), "payload").Result()
	if err == redis.Nil {
		return nil, models.ErrSessionNotFound.WithMetadata("session_id", sessionID)
	}
	if err != nil {
		return nil, models.NewExternalError("REDIS_GET_FAILED", "failed to read session state").WithCause(err)
	}
	return []byte(payload), nil
}

func (b *redisBackend) CompareAndSwap(ctx context.Context, sessionID string, payload []byte, expectedVersion, newVersion int64, ttl time.Duration) error {
	ok, err := casScript.Run(ctx, b.client, []string{sessionKey(sessionID)},
		expectedVersion, newVersion, payload, ttl.Milliseconds()).Int()
	if err != nil {
		return models.NewExternalError("REDIS_CAS_FAILED", "failed to write session state").WithCause(err)
	}
	if ok != 1 {
		return models.ErrVersionConflict.WithMetadata("session_id", sessionID).WithMetadata("expected_version", expectedVersion)
	}
	return nil
}

func (b *redisBackend) Delete(ctx context.Context, sessionID string) error {
	if err := b.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return models.NewExternalError("REDIS_DELETE_FAILED", "failed to delete session state").WithCause(err)
	}
	return nil
}

func (b *redisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}

// fallbackStore mirrors sessions to per-session files. It is best effort on
// write and consulted on read only when the primary is unreachable.
type fallbackStore struct {
	dir    string
	logger *logger.Logger
}

func (f *fallbackStore) path(sessionID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, sessionID)
	return filepath.Join(f.dir, safe+".json")
}

func (f *fallbackStore) write(sessionID string, payload []byte) {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		f.logger.WithError(err).Warn("failed to create session fallback dir", "dir", f.dir)
		return
	}
	tmp := f.path(sessionID) + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		f.logger.WithError(err).Warn("failed to mirror session to fallback store", "session_id", sessionID)
		return
	}
	if err := os.Rename(tmp, f.path(sessionID)); err != nil {
		f.logger.WithError(err).Warn("failed to finalize session fallback mirror", "session_id", sessionID)
	}
}

func (f *fallbackStore) read(sessionID string) ([]byte, error) {
	payload, err := os.ReadFile(f.path(sessionID))
	if os.IsNotExist(err) {
		return nil, models.ErrSessionNotFound.WithMetadata("session_id", sessionID)
	}
	if err != nil {
		return nil, models.NewInternalError("FALLBACK_READ_FAILED", "failed to read session fallback").WithCause(err)
	}
	return payload, nil
}

func (f *fallbackStore) remove(sessionID string) {
	if err := os.Remove(f.path(sessionID)); err != nil && !os.IsNotExist(err) {
		f.logger.WithError(err).Warn("failed to remove session fallback file", "session_id", sessionID)
	}
}

// SessionStore gives every request a consistent view of session state no
// matter which worker handles it. Workers hold no session state of their
// own: each request does a fresh load, mutates, and saves with CAS.
type SessionStore struct {
	primary  SessionBackend
	fallback *fallbackStore
	ttl      time.Duration
	logger   *logger.Logger
}

func NewSessionStore(redisCfg config.RedisConfig, sessionCfg config.SessionConfig, log *logger.Logger) (*SessionStore, error) {
	backend, err := newRedisBackend(redisCfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := backend.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connection to redis failed: %w", err)
	}

	store := NewSessionStoreWithBackend(backend, sessionCfg, log)
	log.Info("session store initialized",
		"redis_url", redisCfg.URL,
		"pool_size", redisCfg.PoolSize,
		"session_ttl", sessionCfg.TTL.String(),
		"fallback_dir", sessionCfg.FallbackDir)
	return store, nil
}

// NewSessionStoreWithBackend wires an explicit backend. Handlers and tests
// inject backends through here; nothing in the store is process-global.
func NewSessionStoreWithBackend(backend SessionBackend, sessionCfg config.SessionConfig, log *logger.Logger) *SessionStore {
	return &SessionStore{
		primary:  backend,
		fallback: &fallbackStore{dir: sessionCfg.FallbackDir, logger: log},
		ttl:      sessionCfg.TTL,
		logger:   log,
	}
}

// Load returns the stored session, or a fresh one if the session has never
// been seen. A corrupt stored document is discarded and reported via the
// session's RecoveredFromCorrupt flag, never as an error.
func (s *SessionStore) Load(ctx context.Context, sessionID string) (*models.Session, error) {
	startTime := time.Now()

	payload, err := s.primary.Get(ctx, sessionID)
	if err != nil {
		if models.IsNotFound(err) {
			return models.NewSession(sessionID), nil
		}

		// Primary outage: serve the mirror rather than failing the turn.
		s.logger.WithError(err).Warn("primary session store unreachable, trying fallback", "session_id", sessionID)
		payload, err = s.fallback.read(sessionID)
		if err != nil {
			if models.IsNotFound(err) {
				return models.NewSession(sessionID), nil
			}
			return nil, err
		}
	}

	var session models.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		s.logger.WithError(err).Error("corrupt session state discarded", "session_id", sessionID)
		fresh := models.NewSession(sessionID)
		fresh.RecoveredFromCorrupt = true
		return fresh, nil
	}

	s.logger.LogService("session_store", "load", time.Since(startTime), map[string]interface{}{
		"session_id": sessionID,
		"version":    session.Version,
	}, nil)
	return &session, nil
}

// Save writes the session if and only if the stored version still equals
// expectedVersion. On success the session's Version is advanced and the
// fallback mirror is refreshed without blocking the caller.
func (s *SessionStore) Save(ctx context.Context, session *models.Session, expectedVersion int64) error {
	startTime := time.Now()

	newVersion := expectedVersion + 1
	session.Version = newVersion
	session.LastUpdated = time.Now()

	payload, err := json.Marshal(session)
	if err != nil {
		session.Version = expectedVersion
		return models.NewInternalError("SERIALIZATION_FAILED", "failed to serialize session state").WithCause(err)
	}

	err = s.primary.CompareAndSwap(ctx, session.SessionID, payload, expectedVersion, newVersion, s.ttl)
	if err != nil {
		session.Version = expectedVersion
		if models.IsVersionConflict(err) {
			s.logger.LogService("session_store", "save", time.Since(startTime), map[string]interface{}{
				"session_id":       session.SessionID,
				"expected_version": expectedVersion,
			}, err)
			return err
		}

		// Primary outage: keep the conversation alive on the mirror. The
		// primary stays authoritative and will be overwritten by the next
		// successful save after recovery.
		s.logger.WithError(err).Warn("primary session store write failed, persisting to fallback only", "session_id", session.SessionID)
		session.Version = newVersion
		s.fallback.write(session.SessionID, payload)
		return nil
	}

	go s.fallback.write(session.SessionID, payload)

	s.logger.LogService("session_store", "save", time.Since(startTime), map[string]interface{}{
		"session_id": session.SessionID,
		"version":    newVersion,
	}, nil)
	return nil
}

// Delete removes a session from both tiers, used by the explicit reset API.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.primary.Delete(ctx, sessionID); err != nil {
		return err
	}
	s.fallback.remove(sessionID)
	return nil
}

func (s *SessionStore) HealthCheck(ctx context.Context) error {
	if err := s.primary.Ping(ctx); err != nil {
		return fmt.Errorf("session store primary unhealthy: %w", err)
	}
	return nil
}

func (s *SessionStore) Close() error {
	s.logger.Info("closing session store")
	return s.primary.Close()
}
