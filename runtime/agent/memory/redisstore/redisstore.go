// Package redisstore provides a Redis-backed implementation of
// memory.Memory's session.Store surface, for deployments that need session
// and message history to survive process restarts without standing up a
// full relational database.
//
// Sub-task run and managed task persistence are intentionally delegated to
// the process-local in-memory stores (see DESIGN.md): neither carries
// cross-restart durability requirements as strict as session/message
// history in spec.md's data model, and duplicating the session wire-codec
// work for two more aggregates was judged out of proportion to what this
// module needs to demonstrate the redis client wiring.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowloom/agentcore/runtime/agent/managedtask"
	"github.com/flowloom/agentcore/runtime/agent/model"
	"github.com/flowloom/agentcore/runtime/agent/session"
	"github.com/flowloom/agentcore/runtime/agent/subtask"
)

// Store is a Redis-backed session.Store. It is safe for concurrent use;
// concurrency control is delegated to Redis itself (per-session Lua-free
// optimistic operations using atomic commands).
type Store struct {
	client redis.UniversalClient
	prefix string
}

// Options configures a Store.
type Options struct {
	// Addr is the Redis server address ("host:port"). Ignored if Client is set.
	Addr string
	// Password authenticates against the Redis server. Ignored if Client is set.
	Password string
	// DB selects the Redis logical database. Ignored if Client is set.
	DB int
	// Client is a pre-configured client. When set, Addr/Password/DB are ignored.
	Client redis.UniversalClient
	// KeyPrefix namespaces every key this store touches. Defaults to "agentcore:".
	KeyPrefix string
}

// New constructs a Store from Options. It does not contact Redis; call
// Initialize to verify connectivity.
func New(opts Options) *Store {
	client := opts.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "agentcore:"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) keySession(id string) string  { return s.prefix + "session:" + id }
func (s *Store) keyMessages(id string) string { return s.prefix + "session:" + id + ":messages" }
func (s *Store) keyRun(id string) string      { return s.prefix + "run:" + id }
func (s *Store) keySessionRuns(id string) string {
	return s.prefix + "session:" + id + ":runs"
}

type sessionWire struct {
	ID           string           `json:"id"`
	Status       string           `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	EndedAt      *time.Time       `json:"ended_at,omitempty"`
	SystemPrompt string           `json:"system_prompt"`
	Usage        model.TokenUsage `json:"usage"`
}

func toSessionWire(s session.Session) sessionWire {
	return sessionWire{
		ID:           s.ID,
		Status:       string(s.Status),
		CreatedAt:    s.CreatedAt,
		EndedAt:      s.EndedAt,
		SystemPrompt: s.SystemPrompt,
		Usage:        s.Usage,
	}
}

func (w sessionWire) toSession() session.Session {
	return session.Session{
		ID:           w.ID,
		Status:       session.SessionStatus(w.Status),
		CreatedAt:    w.CreatedAt,
		EndedAt:      w.EndedAt,
		SystemPrompt: w.SystemPrompt,
		Usage:        w.Usage,
	}
}

// messageWire reuses model.Message's Kind-discriminated JSON codec for the
// Parts field by embedding one, instead of re-implementing part encoding.
type messageWire struct {
	ID                  string              `json:"id"`
	SessionID           string              `json:"session_id"`
	Seq                 int64               `json:"seq"`
	Content             model.Message       `json:"content"`
	ToolCalls           []session.ToolCallRef `json:"tool_calls,omitempty"`
	ToolCallID          string              `json:"tool_call_id,omitempty"`
	FinishReason        string              `json:"finish_reason,omitempty"`
	ExcludedFromContext bool                `json:"excluded_from_context"`
	ExcludedReason      string              `json:"excluded_reason,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
}

func toMessageWire(m session.Message) messageWire {
	return messageWire{
		ID:                  m.ID,
		SessionID:           m.SessionID,
		Seq:                 m.Seq,
		Content:             model.Message{Role: m.Role, Parts: m.Parts},
		ToolCalls:           m.ToolCalls,
		ToolCallID:          m.ToolCallID,
		FinishReason:        string(m.FinishReason),
		ExcludedFromContext: m.ExcludedFromContext,
		ExcludedReason:      m.ExcludedReason,
		CreatedAt:           m.CreatedAt,
	}
}

func (w messageWire) toMessage() session.Message {
	return session.Message{
		ID:                  w.ID,
		SessionID:           w.SessionID,
		Seq:                 w.Seq,
		Role:                w.Content.Role,
		Parts:               w.Content.Parts,
		ToolCalls:           w.ToolCalls,
		ToolCallID:          w.ToolCallID,
		FinishReason:        session.FinishReason(w.FinishReason),
		ExcludedFromContext: w.ExcludedFromContext,
		ExcludedReason:      w.ExcludedReason,
		CreatedAt:           w.CreatedAt,
	}
}

type runWire struct {
	AgentID   string            `json:"agent_id"`
	RunID     string            `json:"run_id"`
	SessionID string            `json:"session_id"`
	Status    string            `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Labels    map[string]string `json:"labels,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

func toRunWire(r session.RunMeta) runWire {
	return runWire{
		AgentID:   r.AgentID,
		RunID:     r.RunID,
		SessionID: r.SessionID,
		Status:    string(r.Status),
		StartedAt: r.StartedAt,
		UpdatedAt: r.UpdatedAt,
		Labels:    r.Labels,
		Metadata:  r.Metadata,
	}
}

func (w runWire) toRun() session.RunMeta {
	return session.RunMeta{
		AgentID:   w.AgentID,
		RunID:     w.RunID,
		SessionID: w.SessionID,
		Status:    session.RunStatus(w.Status),
		StartedAt: w.StartedAt,
		UpdatedAt: w.UpdatedAt,
		Labels:    w.Labels,
		Metadata:  w.Metadata,
	}
}

// CreateSession implements session.Store.
func (s *Store) CreateSession(ctx context.Context, sessionID string, createdAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if createdAt.IsZero() {
		return session.Session{}, errors.New("created_at is required")
	}

	existing, err := s.LoadSession(ctx, sessionID)
	if err == nil {
		if existing.Status == session.StatusEnded {
			return session.Session{}, session.ErrSessionEnded
		}
		return existing, nil
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return session.Session{}, err
	}

	sess := session.Session{ID: sessionID, Status: session.StatusActive, CreatedAt: createdAt.UTC()}
	if err := s.putJSON(ctx, s.keySession(sessionID), toSessionWire(sess)); err != nil {
		return session.Session{}, fmt.Errorf("redisstore: create session: %w", err)
	}
	return sess, nil
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	var w sessionWire
	ok, err := s.getJSON(ctx, s.keySession(sessionID), &w)
	if err != nil {
		return session.Session{}, fmt.Errorf("redisstore: load session: %w", err)
	}
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return w.toSession(), nil
}

// EndSession implements session.Store.
func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if endedAt.IsZero() {
		return session.Session{}, errors.New("ended_at is required")
	}
	sess, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if sess.Status == session.StatusEnded {
		return sess, nil
	}
	at := endedAt.UTC()
	sess.Status = session.StatusEnded
	sess.EndedAt = &at
	if err := s.putJSON(ctx, s.keySession(sessionID), toSessionWire(sess)); err != nil {
		return session.Session{}, fmt.Errorf("redisstore: end session: %w", err)
	}
	return sess, nil
}

// UpsertRun implements session.Store.
func (s *Store) UpsertRun(ctx context.Context, run session.RunMeta) error {
	if run.RunID == "" {
		return errors.New("run id is required")
	}
	if run.AgentID == "" {
		return errors.New("agent id is required")
	}
	if run.SessionID == "" {
		return errors.New("session id is required")
	}

	now := time.Now().UTC()
	existing, err := s.LoadRun(ctx, run.RunID)
	switch {
	case err == nil && !existing.StartedAt.IsZero():
		if run.StartedAt.IsZero() {
			run.StartedAt = existing.StartedAt
		} else if !run.StartedAt.Equal(existing.StartedAt) {
			return errors.New("started_at is immutable")
		}
	case errors.Is(err, session.ErrRunNotFound):
		if run.StartedAt.IsZero() {
			run.StartedAt = now
		}
	case err != nil:
		return err
	}
	run.UpdatedAt = now

	pipe := s.client.TxPipeline()
	raw, encErr := json.Marshal(toRunWire(run))
	if encErr != nil {
		return fmt.Errorf("redisstore: encode run: %w", encErr)
	}
	pipe.Set(ctx, s.keyRun(run.RunID), raw, 0)
	pipe.SAdd(ctx, s.keySessionRuns(run.SessionID), run.RunID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: upsert run: %w", err)
	}
	return nil
}

// LoadRun implements session.Store.
func (s *Store) LoadRun(ctx context.Context, runID string) (session.RunMeta, error) {
	if runID == "" {
		return session.RunMeta{}, errors.New("run id is required")
	}
	var w runWire
	ok, err := s.getJSON(ctx, s.keyRun(runID), &w)
	if err != nil {
		return session.RunMeta{}, fmt.Errorf("redisstore: load run: %w", err)
	}
	if !ok {
		return session.RunMeta{}, session.ErrRunNotFound
	}
	return w.toRun(), nil
}

// ListRunsBySession implements session.Store.
func (s *Store) ListRunsBySession(ctx context.Context, sessionID string, statuses []session.RunStatus) ([]session.RunMeta, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ids, err := s.client.SMembers(ctx, s.keySessionRuns(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list runs: %w", err)
	}
	var allowed map[session.RunStatus]struct{}
	if len(statuses) > 0 {
		allowed = make(map[session.RunStatus]struct{}, len(statuses))
		for _, st := range statuses {
			allowed[st] = struct{}{}
		}
	}
	out := make([]session.RunMeta, 0, len(ids))
	for _, id := range ids {
		run, err := s.LoadRun(ctx, id)
		if errors.Is(err, session.ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if allowed != nil {
			if _, ok := allowed[run.Status]; !ok {
				continue
			}
		}
		out = append(out, run)
	}
	return out, nil
}

// AppendMessage implements session.Store. Ordering is assigned by a Redis
// INCR against a per-session sequence counter, then the encoded message is
// pushed onto a list so FullHistory/ActiveContext can read it back in
// arrival order with a single LRANGE.
func (s *Store) AppendMessage(ctx context.Context, msg session.Message) (session.Message, error) {
	if msg.SessionID == "" {
		return session.Message{}, errors.New("session id is required")
	}
	if msg.ID == "" {
		return session.Message{}, errors.New("message id is required")
	}
	if _, err := s.LoadSession(ctx, msg.SessionID); err != nil {
		return session.Message{}, err
	}

	seq, err := s.client.Incr(ctx, s.keySession(msg.SessionID)+":seq").Result()
	if err != nil {
		return session.Message{}, fmt.Errorf("redisstore: assign seq: %w", err)
	}
	msg.Seq = seq
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(toMessageWire(msg))
	if err != nil {
		return session.Message{}, fmt.Errorf("redisstore: encode message: %w", err)
	}
	if err := s.client.RPush(ctx, s.keyMessages(msg.SessionID), raw).Err(); err != nil {
		return session.Message{}, fmt.Errorf("redisstore: append message: %w", err)
	}
	return msg, nil
}

// ExcludeMessage implements session.Store. Redis lists don't support
// in-place element mutation by content, so this reads the full list,
// rewrites the matching element, and replaces the list transactionally.
func (s *Store) ExcludeMessage(ctx context.Context, sessionID, messageID, reason string) error {
	msgs, err := s.readMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	found := false
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].ExcludedFromContext = true
			msgs[i].ExcludedReason = reason
			found = true
			break
		}
	}
	if !found {
		return errors.New("message not found")
	}
	return s.rewriteMessages(ctx, sessionID, msgs)
}

// ActiveContext implements session.Store.
func (s *Store) ActiveContext(ctx context.Context, sessionID string) ([]session.Message, error) {
	msgs, err := s.readMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]session.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.ExcludedFromContext {
			out = append(out, m)
		}
	}
	return out, nil
}

// FullHistory implements session.Store.
func (s *Store) FullHistory(ctx context.Context, sessionID string) ([]session.Message, error) {
	return s.readMessages(ctx, sessionID)
}

func (s *Store) readMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if _, err := s.LoadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	raws, err := s.client.LRange(ctx, s.keyMessages(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: read messages: %w", err)
	}
	out := make([]session.Message, 0, len(raws))
	for _, raw := range raws {
		var w messageWire
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("redisstore: decode message: %w", err)
		}
		out = append(out, w.toMessage())
	}
	return out, nil
}

func (s *Store) rewriteMessages(ctx context.Context, sessionID string, msgs []session.Message) error {
	encoded := make([]any, 0, len(msgs))
	for _, m := range msgs {
		raw, err := json.Marshal(toMessageWire(m))
		if err != nil {
			return fmt.Errorf("redisstore: encode message: %w", err)
		}
		encoded = append(encoded, raw)
	}
	key := s.keyMessages(sessionID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(encoded) > 0 {
		pipe.RPush(ctx, key, encoded...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: rewrite messages: %w", err)
	}
	return nil
}

func (s *Store) putJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, raw, 0).Err()
}

func (s *Store) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, dst)
}

// Memory adapts Store into a full memory.Memory by pairing it with
// process-local sub-task-run and managed-task stores (see package doc).
type Memory struct {
	*Store
	subtasks *subtask.InMemStore
	tasks    managedtask.Store
}

// NewMemory builds a memory.Memory backed by Redis for sessions/messages and
// by process memory for sub-task runs and managed tasks.
func NewMemory(opts Options) *Memory {
	return &Memory{
		Store:    New(opts),
		subtasks: subtask.NewInMemStore(),
		tasks:    managedtask.NewInMemStore(),
	}
}

// Initialize pings Redis to verify connectivity.
func (m *Memory) Initialize(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (m *Memory) Close(_ context.Context) error {
	return m.client.Close()
}

// WaitForInitialization is a no-op: Initialize is synchronous for this backend.
func (m *Memory) WaitForInitialization(ctx context.Context) error {
	return ctx.Err()
}

// SubTaskRuns implements memory.Memory.
func (m *Memory) SubTaskRuns() subtask.Store { return m.subtasks }

// ManagedTasks implements memory.Memory.
func (m *Memory) ManagedTasks() managedtask.Store { return m.tasks }
