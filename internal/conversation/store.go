package conversation

import (
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/parlolabs/parlo-core/internal/config"
)

// Store holds the active sessions with an explicit lifecycle: create, get,
// end. Sessions idle past the configured timeout are evicted, as is the
// least recently used session when the active cap is exceeded. Free
// conversations live only here; nothing is persisted.
type Store struct {
	log     *slog.Logger
	cfg     config.SessionConfig
	lru     *expirable.LRU[string, *Session]
	onEvict func(*Session)
}

// NewStore builds the session store. onEvict runs for every session that
// leaves the store, whether ended explicitly, idle-expired, or displaced by
// the active cap; it must release the session's capture and playback.
func NewStore(cfg config.SessionConfig, log *slog.Logger, onEvict func(*Session)) *Store {
	s := &Store{
		log:     log.With(slog.String("component", "session-store")),
		cfg:     cfg,
		onEvict: onEvict,
	}
	s.lru = expirable.NewLRU(cfg.MaxActive, func(id string, sess *Session) {
		sess.end()
		s.log.Info("session evicted", slog.String("session", id))
		if s.onEvict != nil {
			s.onEvict(sess)
		}
	}, time.Duration(cfg.IdleTimeoutMS)*time.Millisecond)
	return s
}

// Create registers a new session. Mode and interaction are fixed for the
// session's lifetime.
func (s *Store) Create(owner string, mode Mode, interaction Interaction, systemPrompt string) *Session {
	prompt := systemPrompt
	if prompt == "" {
		prompt = s.cfg.SystemPrompt
	}
	sess := newSession(owner, mode, interaction, prompt, s.cfg.NativeLanguage)
	s.lru.Add(sess.ID, sess)
	s.log.Info("session created",
		slog.String("session", sess.ID),
		slog.String("mode", string(mode)),
		slog.String("interaction", string(interaction)))
	return sess
}

// Get returns the session by ID, refreshing its idle clock.
func (s *Store) Get(id string) (*Session, error) {
	sess, ok := s.lru.Get(id)
	if !ok || sess.Ended() {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// End closes the session and removes it from the store. The eviction
// callback performs resource cleanup.
func (s *Store) End(id string) error {
	if _, ok := s.lru.Peek(id); !ok {
		return ErrSessionNotFound
	}
	s.lru.Remove(id)
	return nil
}

// Len reports the number of active sessions.
func (s *Store) Len() int {
	return s.lru.Len()
}
