package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/codepipe/internal/observability"
	"github.com/harun/codepipe/internal/tracing"
	"github.com/harun/codepipe/pkg/errkind"
)

// DefaultUserID is used when a request carries no user_id.
const DefaultUserID = "default_user"

const maxIDLength = 128

// Key identifies a session.
type Key struct {
	UserID    string
	SessionID string
}

func (k Key) String() string {
	return k.UserID + "/" + k.SessionID
}

// StageOutput is one stage's final text inside a Turn.
type StageOutput struct {
	Stage     string `json:"stage"`
	OutputKey string `json:"output_key"`
	Text      string `json:"text"`
}

// Turn is one completed pipeline run.
type Turn struct {
	RunID     string        `json:"run_id"`
	Query     string        `json:"query"`
	Response  string        `json:"response"`
	Outputs   []StageOutput `json:"outputs"`
	Timestamp time.Time     `json:"timestamp"`
}

// Session is the conversation of one user.
type Session struct {
	key       Key
	createdAt time.Time

	mu         sync.Mutex
	turns      []Turn
	lastActive time.Time
	inFlight   int
}

// Key returns the session identity
func (s *Session) Key() Key { return s.key }

// UserID returns the owning user
func (s *Session) UserID() string { return s.key.UserID }

// ID returns the session id
func (s *Session) ID() string { return s.key.SessionID }

// CreatedAt returns when the session was first resolved
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// History returns a copy of the completed turns, oldest first.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// LastActive returns the time of the last resolve or append.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// InFlight returns the number of runs currently holding the session.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// evictable reports whether s is idle since before cutoff with no run holding it.
func (s *Session) evictable(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight == 0 && s.lastActive.Before(cutoff)
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

// Config holds store settings
type Config struct {
	DefaultUser string
	Logger      zerolog.Logger
	// NewID overrides session id generation, for tests.
	NewID func() string
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is the in-memory session registry.
type Store struct {
	defaultUser string
	logger      zerolog.Logger
	newID       func() string
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[Key]*Session
}

// New creates an empty store
func New(cfg Config) *Store {
	observability.EnsureRegistered()

	if cfg.DefaultUser == "" {
		cfg.DefaultUser = DefaultUserID
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.New().String() }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Store{
		defaultUser: cfg.DefaultUser,
		logger:      cfg.Logger,
		newID:       cfg.NewID,
		now:         cfg.Now,
		sessions:    make(map[Key]*Session),
	}
}

func validateID(field, id string) error {
	if len(id) > maxIDLength {
		return fmt.Errorf("%s exceeds %d characters", field, maxIDLength)
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%s cannot contain path separators", field)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("%s cannot contain control characters", field)
		}
	}
	return nil
}

// Resolve returns the session for (userID, sessionID), creating it when
// it does not exist. An empty userID means the default user; an empty
// sessionID gets a fresh UUID. An unknown sessionID is adopted as given.
func (st *Store) Resolve(ctx context.Context, userID, sessionID string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	sessionID = strings.TrimSpace(sessionID)
	if userID == "" {
		userID = st.defaultUser
	}

	ctx, span := tracing.StartSpan(ctx, "codepipe.session", "session.resolve",
		attribute.String("session.user_id", userID),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	if err = validateID("user_id", userID); err != nil {
		err = errkind.New(errkind.SessionResolutionFailed, "session.resolve", err)
		return nil, err
	}
	if err = validateID("session_id", sessionID); err != nil {
		err = errkind.New(errkind.SessionResolutionFailed, "session.resolve", err)
		return nil, err
	}

	now := st.now()
	if sessionID != "" {
		key := Key{UserID: userID, SessionID: sessionID}
		st.mu.RLock()
		s, ok := st.sessions[key]
		st.mu.RUnlock()
		if ok {
			s.touch(now)
			span.SetAttributes(attribute.Bool("session.created", false))
			return s, nil
		}
	}

	st.mu.Lock()
	if sessionID == "" {
		sessionID = st.uniqueIDLocked(userID)
		if sessionID == "" {
			st.mu.Unlock()
			err = errkind.Errorf(errkind.SessionResolutionFailed, "session.resolve", "could not allocate a session id")
			return nil, err
		}
	}
	key := Key{UserID: userID, SessionID: sessionID}
	s, ok := st.sessions[key]
	if !ok {
		s = &Session{key: key, createdAt: now, lastActive: now}
		st.sessions[key] = s
	}
	active := len(st.sessions)
	st.mu.Unlock()

	if ok {
		s.touch(now)
		return s, nil
	}

	observability.RecordSessionCreated(active)
	span.SetAttributes(attribute.Bool("session.created", true))
	logger := tracing.LoggerFromContext(ctx, st.logger)
	logger.Debug().
		Str("session_key", key.String()).
		Msg("Session created")

	return s, nil
}

// uniqueIDLocked draws ids until one is unused for userID. Callers hold st.mu.
func (st *Store) uniqueIDLocked(userID string) string {
	for range 5 {
		id := st.newID()
		if _, taken := st.sessions[Key{UserID: userID, SessionID: id}]; !taken && id != "" {
			return id
		}
	}
	return ""
}

// Append records a completed turn on s.
func (st *Store) Append(ctx context.Context, s *Session, turn Turn) error {
	if s == nil {
		return fmt.Errorf("session is required")
	}
	_, span := tracing.StartSpan(ctx, "codepipe.session", "session.append",
		attribute.String("session_key", s.key.String()),
	)
	defer span.End()

	if turn.Timestamp.IsZero() {
		turn.Timestamp = st.now()
	}

	s.mu.Lock()
	s.turns = append(s.turns, turn)
	s.lastActive = turn.Timestamp
	n := len(s.turns)
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("session.turns", n))
	return nil
}

// Retain marks s as held by a run so EvictIdle skips it. A session evicted
// between Resolve and Retain is registered again unless its key was reused.
// Every Retain must be paired with Release.
func (st *Store) Retain(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()

	if _, ok := st.sessions[s.key]; !ok {
		st.sessions[s.key] = s
		observability.SetActiveSessions(len(st.sessions))
	}
}

// Release drops a hold taken by Retain. The idle clock restarts from now.
func (st *Store) Release(s *Session) {
	now := st.now()
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.lastActive = now
	s.mu.Unlock()
}

// Get returns the session for key if it exists.
func (st *Store) Get(key Key) (*Session, bool) {
	if key.UserID == "" {
		key.UserID = st.defaultUser
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[key]
	return s, ok
}

// Delete removes a session. It reports whether one was removed.
func (st *Store) Delete(key Key) bool {
	st.mu.Lock()
	_, ok := st.sessions[key]
	delete(st.sessions, key)
	active := len(st.sessions)
	st.mu.Unlock()

	if ok {
		observability.SetActiveSessions(active)
	}
	return ok
}

// Len returns the number of sessions held.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// EvictIdle removes sessions whose last activity is before cutoff and
// returns how many were removed. Sessions held by a run are kept.
func (st *Store) EvictIdle(cutoff time.Time) int {
	st.mu.Lock()
	var evicted int
	for key, s := range st.sessions {
		if s.evictable(cutoff) {
			delete(st.sessions, key)
			evicted++
		}
	}
	active := len(st.sessions)
	st.mu.Unlock()

	if evicted > 0 {
		observability.RecordSessionsEvicted(evicted, active)
	}
	return evicted
}
