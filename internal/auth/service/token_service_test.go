package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"jobblog/backend/internal/oauth"
	"jobblog/backend/internal/security"
	sessiondomain "jobblog/backend/internal/session/domain"
	sessionrepo "jobblog/backend/internal/session/repository"
	userdomain "jobblog/backend/internal/user/domain"
)

type memUserRepo struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*userdomain.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{byID: map[int64]*userdomain.User{}}
}

func (r *memUserRepo) GetByID(ctx context.Context, id int64) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r *memUserRepo) GetByProvider(ctx context.Context, provider userdomain.Provider, providerID string) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if u.Provider == provider && u.ProviderID == providerID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memUserRepo) Create(ctx context.Context, u *userdomain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	u.ID = r.nextID
	cp := *u
	r.byID[u.ID] = &cp
	return nil
}

func (r *memUserRepo) BumpTokenVersion(ctx context.Context, id int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return 0, errors.New("user not found")
	}
	u.TokenVersion++
	return u.TokenVersion, nil
}

type memSessionRepo struct {
	mu     sync.Mutex
	nextID int64
	m      map[string]*sessiondomain.Session
	now    func() time.Time
}

func newMemSessionRepo(now func() time.Time) *memSessionRepo {
	return &memSessionRepo{m: map[string]*sessiondomain.Session{}, now: now}
}

func (r *memSessionRepo) Create(ctx context.Context, s *sessiondomain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	s.ID = r.nextID
	s.RowVersion = 1
	cp := *s
	r.m[s.SessionID] = &cp
	return nil
}

func (r *memSessionRepo) GetBySessionID(ctx context.Context, sessionID string) (*sessiondomain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// Rotate holds the repo mutex for the whole check-and-replace, mirroring the
// row lock the Postgres implementation takes.
func (r *memSessionRepo) Rotate(ctx context.Context, sessionID string, decide sessionrepo.RotateFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var current *sessiondomain.Session
	if s, ok := r.m[sessionID]; ok {
		cp := *s
		current = &cp
	}
	next, err := decide(current)
	if err != nil {
		return err
	}
	if current == nil {
		return errors.New("rotate: no current session to replace")
	}
	revoked := current.Revoke(r.now())
	revoked.RowVersion++
	r.m[sessionID] = &revoked
	r.nextID++
	next.ID = r.nextID
	next.RowVersion = 1
	cp := *next
	r.m[next.SessionID] = &cp
	return nil
}

func (r *memSessionRepo) RevokeBySessionID(ctx context.Context, sessionID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[sessionID]
	if !ok || s.Revoked {
		return 0, nil
	}
	revoked := s.Revoke(r.now())
	revoked.RowVersion++
	r.m[sessionID] = &revoked
	return 1, nil
}

func (r *memSessionRepo) BulkRevokeByUser(ctx context.Context, userID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.m {
		if s.UserID == userID && !s.Revoked {
			revoked := s.Revoke(r.now())
			revoked.RowVersion++
			r.m[id] = &revoked
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.m {
		if s.ExpiresAt.Before(cutoff) {
			delete(r.m, id)
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, sessionID)
}

func (r *memSessionRepo) setExpiry(sessionID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.m[sessionID]; ok {
		s.ExpiresAt = at
	}
}

func (r *memSessionRepo) activeCount(userID int64, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.m {
		if s.UserID == userID && s.Active(now) {
			n++
		}
	}
	return n
}

type fakeGoogle struct {
	info *oauth.UserInfo
	err  error
}

func (g *fakeGoogle) Authenticate(ctx context.Context, code string) (*oauth.UserInfo, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.info, nil
}

type capturedAudit struct {
	UserID int64
	Action string
}

type memAuditLogger struct {
	mu     sync.Mutex
	events []capturedAudit
}

func (l *memAuditLogger) LogEvent(ctx context.Context, userID int64, action, resource, metadata string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, capturedAudit{UserID: userID, Action: action})
}

func (l *memAuditLogger) actions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Action
	}
	return out
}

func (l *memAuditLogger) has(action string) bool {
	for _, a := range l.actions() {
		if a == action {
			return true
		}
	}
	return false
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	svc      *TokenService
	users    *memUserRepo
	sessions *memSessionRepo
	audit    *memAuditLogger
	clock    *fakeClock
	tokens   *security.TokenProvider
}

func newTestEnv(t *testing.T, revokeFamilyOnReuse bool) *testEnv {
	t.Helper()
	clock := newFakeClock()
	tokens, err := security.NewTokenProvider(
		[]byte("access-secret-access-secret"),
		[]byte("refresh-secret-refresh-secret"),
		"jobblog-auth",
		30*time.Minute,
		14*24*time.Hour,
	)
	if err != nil {
		t.Fatalf("NewTokenProvider: %v", err)
	}
	tokens.WithClock(clock.Now)
	users := newMemUserRepo()
	sessions := newMemSessionRepo(clock.Now)
	auditLog := &memAuditLogger{}
	google := &fakeGoogle{info: &oauth.UserInfo{ID: "g-1", Email: "dev@example.com", Name: "Dev"}}
	svc := NewTokenService(
		users, sessions, tokens,
		security.NewRefreshHasher([]byte("pepper")),
		google, auditLog, nil, zap.NewNop(), revokeFamilyOnReuse,
	).WithClock(clock.Now)
	return &testEnv{svc: svc, users: users, sessions: sessions, audit: auditLog, clock: clock, tokens: tokens}
}

func mustLogin(t *testing.T, env *testEnv) *TokenPair {
	t.Helper()
	pair, err := env.svc.LoginWithGoogle(context.Background(), "code")
	if err != nil {
		t.Fatalf("LoginWithGoogle: %v", err)
	}
	return pair
}

func TestLoginWithGoogle_RegistersAndIssuesPair(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	pair := mustLogin(t, env)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("login returned empty tokens")
	}

	user, err := env.svc.VerifyAccess(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if user.Email != "dev@example.com" || user.Provider != userdomain.ProviderGoogle {
		t.Errorf("user = %+v", user)
	}

	rt, err := env.tokens.VerifyRefresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("VerifyRefresh: %v", err)
	}
	if rt.SessionVersion != 1 {
		t.Errorf("login chain depth = %d, want 1", rt.SessionVersion)
	}
	sess, err := env.sessions.GetBySessionID(ctx, rt.SessionID)
	if err != nil || sess == nil {
		t.Fatalf("session row missing: %v", err)
	}
	if !sess.Active(env.clock.Now()) || sess.SessionVersion != 1 {
		t.Errorf("session = %+v", sess)
	}

	// Second login with the same Google identity reuses the account.
	mustLogin(t, env)
	if got, err := env.users.GetByID(ctx, 2); err != nil || got != nil {
		t.Errorf("second login should not register a second user, got %+v", got)
	}
	if got := env.sessions.activeCount(user.ID, env.clock.Now()); got != 2 {
		t.Errorf("active sessions = %d, want 2 (independent chains)", got)
	}
}

func TestLoginWithGoogle_ExchangeFailure(t *testing.T) {
	env := newTestEnv(t, true)
	env.svc.google = &fakeGoogle{err: errors.New("invalid_grant")}
	if _, err := env.svc.LoginWithGoogle(context.Background(), "bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestRefresh_RotatesAndSingleUses(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	pair := mustLogin(t, env)

	// HS256 signing is deterministic; advance the clock so the rotated access
	// token cannot carry byte-identical claims to the login one.
	env.clock.Advance(time.Second)
	next, err := env.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken || next.AccessToken == pair.AccessToken {
		t.Error("rotation must mint fresh tokens")
	}

	rt, err := env.tokens.VerifyRefresh(next.RefreshToken)
	if err != nil {
		t.Fatalf("VerifyRefresh(next): %v", err)
	}
	if rt.SessionVersion != 2 {
		t.Errorf("chain depth = %d, want 2", rt.SessionVersion)
	}

	old, _ := env.tokens.VerifyRefresh(pair.RefreshToken)
	oldSess, err := env.sessions.GetBySessionID(ctx, old.SessionID)
	if err != nil || oldSess == nil {
		t.Fatalf("old session: %v", err)
	}
	if !oldSess.Revoked {
		t.Error("old session must be revoked after rotation")
	}
	if !oldSess.Expired(env.clock.Now()) {
		t.Error("revocation must backdate expiry")
	}

	// Presenting the consumed token again is reuse: rejected, and with family
	// revocation on, the live replacement dies too.
	if _, err := env.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("reuse err = %v, want ErrUnauthorized", err)
	}
	if !env.audit.has("token.reuse_detected") {
		t.Error("reuse must be audited")
	}
	newSess, _ := env.sessions.GetBySessionID(ctx, rt.SessionID)
	if newSess == nil || !newSess.Revoked {
		t.Error("family revocation should kill the replacement session")
	}
}

func TestRefresh_ReuseWithoutFamilyRevocation(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	pair := mustLogin(t, env)

	next, err := env.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := env.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("reuse err = %v, want ErrUnauthorized", err)
	}
	// Replacement chain stays alive when escalation is disabled.
	if _, err := env.svc.Refresh(ctx, next.RefreshToken); err != nil {
		t.Fatalf("replacement chain should survive reuse without escalation: %v", err)
	}
}

func TestRefresh_ConcurrentDoubleRefresh_SingleWinner(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	pair := mustLogin(t, env)

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Refresh(ctx, pair.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, rejects int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrUnauthorized):
			rejects++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || rejects != 1 {
		t.Fatalf("wins = %d, rejects = %d; want exactly one of each", wins, rejects)
	}
}

func TestRefresh_ChainDepthMonotonic(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	pair := mustLogin(t, env)

	for want := 2; want <= 4; want++ {
		next, err := env.svc.Refresh(ctx, pair.RefreshToken)
		if err != nil {
			t.Fatalf("Refresh #%d: %v", want-1, err)
		}
		rt, err := env.tokens.VerifyRefresh(next.RefreshToken)
		if err != nil {
			t.Fatalf("VerifyRefresh: %v", err)
		}
		if rt.SessionVersion != want {
			t.Fatalf("chain depth = %d, want %d", rt.SessionVersion, want)
		}
		pair = next
	}
}

func TestRefresh_TamperedToken(t *testing.T) {
	env := newTestEnv(t, true)
	pair := mustLogin(t, env)

	tampered := pair.RefreshToken[:len(pair.RefreshToken)-2] + "xx"
	if _, err := env.svc.Refresh(context.Background(), tampered); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestRefresh_UnknownSession(t *testing.T) {
	env := newTestEnv(t, true)
	pair := mustLogin(t, env)
	rt, _ := env.tokens.VerifyRefresh(pair.RefreshToken)
	env.sessions.delete(rt.SessionID)

	if _, err := env.svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestRefresh_ExpiredSessionIsReuse(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	pair := mustLogin(t, env)
	rt, _ := env.tokens.VerifyRefresh(pair.RefreshToken)

	// Session row expires while the JWT itself is still inside its window.
	env.sessions.setExpiry(rt.SessionID, env.clock.Now().Add(-time.Minute))

	if _, err := env.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if !env.audit.has("token.reuse_detected") {
		t.Error("expired-session presentation must be treated as reuse")
	}
}

func TestRefresh_ExpiredJWT(t *testing.T) {
	env := newTestEnv(t, true)
	pair := mustLogin(t, env)

	env.clock.Advance(15 * 24 * time.Hour)
	if _, err := env.svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestRefresh_HashMismatch(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	pair := mustLogin(t, env)
	rt, _ := env.tokens.VerifyRefresh(pair.RefreshToken)

	env.sessions.mu.Lock()
	env.sessions.m[rt.SessionID].RefreshHash = "not-the-right-digest"
	env.sessions.mu.Unlock()

	if _, err := env.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if env.audit.has("token.reuse_detected") {
		t.Error("hash mismatch is rejection, not reuse escalation")
	}
}

func TestRefresh_SessionVersionMismatch(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	pair := mustLogin(t, env)
	rt, _ := env.tokens.VerifyRefresh(pair.RefreshToken)

	// Stored chain depth drifts ahead of the token's embedded depth.
	env.sessions.mu.Lock()
	env.sessions.m[rt.SessionID].SessionVersion = rt.SessionVersion + 1
	env.sessions.mu.Unlock()

	if _, err := env.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if env.audit.has("token.reuse_detected") {
		t.Error("depth mismatch is rejection, not reuse escalation")
	}
}

func TestInvalidateAll_KillsEverything(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	pair := mustLogin(t, env)
	second := mustLogin(t, env)

	user, err := env.svc.VerifyAccess(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if err := env.svc.InvalidateAll(ctx, user.ID); err != nil {
		t.Fatalf("InvalidateAll: %v", err)
	}

	if _, err := env.svc.VerifyAccess(ctx, pair.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stale access token err = %v, want ErrUnauthorized", err)
	}
	if _, err := env.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stale refresh err = %v, want ErrUnauthorized", err)
	}
	if _, err := env.svc.Refresh(ctx, second.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("second chain refresh err = %v, want ErrUnauthorized", err)
	}
	if got := env.sessions.activeCount(user.ID, env.clock.Now()); got != 0 {
		t.Errorf("active sessions after invalidation = %d, want 0", got)
	}

	// A fresh login works and carries the bumped version.
	renewed := mustLogin(t, env)
	if _, err := env.svc.VerifyAccess(ctx, renewed.AccessToken); err != nil {
		t.Errorf("post-invalidation login: %v", err)
	}
}

func TestInvalidateAll_UnknownUser(t *testing.T) {
	env := newTestEnv(t, true)
	if err := env.svc.InvalidateAll(context.Background(), 999); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
}

func TestLogout_Idempotent(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	pair := mustLogin(t, env)

	if err := env.svc.Logout(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if err := env.svc.Logout(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
	if _, err := env.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("refresh after logout err = %v, want ErrUnauthorized", err)
	}
}

func TestLogout_AcceptsExpiredButWellFormedToken(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	pair := mustLogin(t, env)
	rt, _ := env.tokens.VerifyRefresh(pair.RefreshToken)

	// Session already past expiry: logout still targets and revokes it.
	env.sessions.setExpiry(rt.SessionID, env.clock.Now().Add(-time.Minute))
	if err := env.svc.Logout(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Logout of expired session: %v", err)
	}
}

func TestLogout_UnknownSession(t *testing.T) {
	env := newTestEnv(t, true)
	pair := mustLogin(t, env)
	rt, _ := env.tokens.VerifyRefresh(pair.RefreshToken)
	env.sessions.delete(rt.SessionID)

	if err := env.svc.Logout(context.Background(), pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestLogout_MalformedToken(t *testing.T) {
	env := newTestEnv(t, true)
	if err := env.svc.Logout(context.Background(), "garbage"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestVerifyAccess_RejectsRefreshToken(t *testing.T) {
	env := newTestEnv(t, true)
	pair := mustLogin(t, env)
	if _, err := env.svc.VerifyAccess(context.Background(), pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("refresh token used as access err = %v, want ErrUnauthorized", err)
	}
}

func TestVerifyAccess_ExpiredToken(t *testing.T) {
	env := newTestEnv(t, true)
	pair := mustLogin(t, env)
	env.clock.Advance(31 * time.Minute)
	if _, err := env.svc.VerifyAccess(context.Background(), pair.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expired access err = %v, want ErrUnauthorized", err)
	}
}

func TestAudit_ActionsRecorded(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	pair := mustLogin(t, env)
	next, err := env.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := env.svc.Logout(ctx, next.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	user, _ := env.users.GetByID(ctx, 1)
	if err := env.svc.InvalidateAll(ctx, user.ID); err != nil {
		t.Fatalf("InvalidateAll: %v", err)
	}

	got := strings.Join(env.audit.actions(), ",")
	for _, want := range []string{"token.login", "token.refresh", "token.logout", "token.invalidate_all"} {
		if !env.audit.has(want) {
			t.Errorf("audit trail %q missing %q", got, want)
		}
	}
}
