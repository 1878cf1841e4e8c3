package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/auth"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/repository/sqlite"
	"github.com/sakif/authcore/internal/scheduler"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================
//
// The services run against a real in-memory SQLite store: the conditional
// UPDATE/DELETE statements are the behaviour under test, so faking them
// would test nothing. Only the clock, the mailer and the scheduler are
// replaced.

type sentMail struct {
	kind, to, username, link string
}

// fakeMailer records every message instead of sending it.
type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMailer) SendVerification(_ context.Context, to, username, link string) error {
	return m.record("verification", to, username, link)
}

func (m *fakeMailer) SendPasswordReset(_ context.Context, to, username, link string) error {
	return m.record("reset", to, username, link)
}

func (m *fakeMailer) record(kind, to, username, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{kind: kind, to: to, username: username, link: link})
	return m.err
}

func (m *fakeMailer) last(t *testing.T) sentMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent, "no mail sent")
	return m.sent[len(m.sent)-1]
}

// fakeDeferrer holds scheduled tasks until the test runs them.
type fakeDeferrer struct {
	tasks  map[string]scheduler.Task
	delays map[string]time.Duration
}

func newFakeDeferrer() *fakeDeferrer {
	return &fakeDeferrer{tasks: map[string]scheduler.Task{}, delays: map[string]time.Duration{}}
}

func (d *fakeDeferrer) Schedule(key string, delay time.Duration, fn scheduler.Task) bool {
	d.tasks[key] = fn
	d.delays[key] = delay
	return true
}

func (d *fakeDeferrer) runAll(ctx context.Context) {
	for key, fn := range d.tasks {
		fn(ctx)
		delete(d.tasks, key)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	auth   *AuthService
	verify *VerificationService
	users  *sqlite.UserDB
	tokens *sqlite.RefreshTokenDB
	issuer *auth.Issuer
	mail   *fakeMailer
	later  *fakeDeferrer
	clock  *testClock
}

const testPublicURL = "http://auth.test"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	passwords := auth.NewPasswordServiceWithCost(bcrypt.MinCost)
	clock := &testClock{now: time.Now().Truncate(time.Second)}

	issuer, err := auth.NewIssuer(auth.IssuerConfig{
		AccessSecret:  "access-secret-for-service-tests-0000",
		RefreshSecret: "refresh-secret-for-service-tests-000",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Now:           clock.Now,
	})
	require.NoError(t, err)

	users := db.Users(passwords)
	tokens := db.RefreshTokens()
	mail := &fakeMailer{}
	later := newFakeDeferrer()

	verify := NewVerificationService(users, tokens, mail, later, VerificationConfig{
		VerificationTTL: 30 * time.Minute,
		ClearDelay:      2 * time.Minute,
		ResetTTL:        time.Hour,
		PublicURL:       testPublicURL + "/",
	}, logger)
	verify.now = clock.Now

	svc := NewAuthService(AuthDeps{
		Users:         users,
		RefreshTokens: tokens,
		Issuer:        issuer,
		Passwords:     passwords,
		Verification:  verify,
		Logger:        logger,
	})

	return &testEnv{
		auth:   svc,
		verify: verify,
		users:  users,
		tokens: tokens,
		issuer: issuer,
		mail:   mail,
		later:  later,
		clock:  clock,
	}
}

func (e *testEnv) signup(t *testing.T, username string) *Session {
	t.Helper()
	s, err := e.auth.Signup(context.Background(), SignupInput{
		Username: username,
		Email:    username + "@example.com",
		Password: "pa55word",
	})
	require.NoError(t, err)
	return s
}

// =========================================================================
// SIGNUP
// =========================================================================

func TestSignup_CreatesUnverifiedAccountAndMailsLink(t *testing.T) {
	env := newTestEnv(t)

	s, err := env.auth.Signup(context.Background(), SignupInput{
		Username: "  alice ",
		Email:    "Alice@Example.COM",
		Password: "pa55word",
	})
	require.NoError(t, err)

	assert.Equal(t, "alice", s.User.Username)
	assert.Equal(t, "alice@example.com", s.User.Email)
	assert.Equal(t, model.RoleUser, s.User.Role)
	assert.False(t, s.User.IsVerified)
	require.NotNil(t, s.User.VerificationToken)
	assert.Len(t, *s.User.VerificationToken, 64)
	assert.WithinDuration(t, env.clock.Now().Add(30*time.Minute), *s.User.VerificationTokenExpiry, time.Millisecond)

	mail := env.mail.last(t)
	assert.Equal(t, "verification", mail.kind)
	assert.Equal(t, "alice@example.com", mail.to)
	assert.Equal(t, testPublicURL+"/verify-email/"+*s.User.VerificationToken, mail.link)

	assert.NotEmpty(t, s.Access.Value)
	assert.NotEmpty(t, s.Refresh.Value)
	assert.NotEqual(t, s.Access.Value, s.Refresh.Value)
}

func TestSignup_PasswordIsHashed(t *testing.T) {
	env := newTestEnv(t)
	s := env.signup(t, "bob")

	stored, err := env.users.FindByID(context.Background(), s.User.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "pa55word", stored.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("pa55word")))
}

func TestSignup_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		in      SignupInput
		wantErr error
		field   string
	}{
		{"short password", SignupInput{Username: "c", Email: "c@example.com", Password: "12345"}, apperror.ErrValidation, "password"},
		{"admin not allowed", SignupInput{Username: "c", Email: "c@example.com", Password: "123456", Role: model.RoleAdmin}, apperror.ErrValidation, "role"},
		{"unknown role", SignupInput{Username: "c", Email: "c@example.com", Password: "123456", Role: "root"}, apperror.ErrValidation, "role"},
		{"duplicate email", SignupInput{Username: "other", Email: "taken@example.com", Password: "123456"}, apperror.ErrDuplicate, "email"},
		{"duplicate username", SignupInput{Username: "taken", Email: "new@example.com", Password: "123456"}, apperror.ErrDuplicate, "username"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.signup(t, "taken")

			_, err := env.auth.Signup(context.Background(), tc.in)
			require.ErrorIs(t, err, tc.wantErr)

			var appErr *apperror.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tc.field, appErr.Field)
		})
	}
}

func TestSignup_AdminWhenAllowed(t *testing.T) {
	env := newTestEnv(t)
	env.auth.allowAdminSignup = true

	s, err := env.auth.Signup(context.Background(), SignupInput{
		Username: "root", Email: "root@example.com", Password: "123456", Role: model.RoleAdmin,
	})
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, s.User.Role)
}

func TestSignup_MailFailureStillSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.mail.err = assert.AnError

	s := env.signup(t, "dave")
	assert.NotEmpty(t, s.User.ID)
}

// =========================================================================
// LOGIN
// =========================================================================

func TestLogin_ByEmailOrUsername(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "erin")

	for _, id := range []string{"erin", "erin@example.com", "ERIN@example.com"} {
		s, err := env.auth.Login(context.Background(), id, "pa55word")
		require.NoError(t, err, id)
		assert.Equal(t, "erin", s.User.Username)
	}
}

func TestLogin_UnverifiedAccountCanLogIn(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "frank")

	s, err := env.auth.Login(context.Background(), "frank", "pa55word")
	require.NoError(t, err)
	assert.False(t, s.User.IsVerified)
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "gina")

	_, wrongPassword := env.auth.Login(context.Background(), "gina", "not-it")
	_, unknownUser := env.auth.Login(context.Background(), "nobody", "pa55word")

	require.ErrorIs(t, wrongPassword, apperror.ErrUnauthenticated)
	require.ErrorIs(t, unknownUser, apperror.ErrUnauthenticated)
	assert.Equal(t, wrongPassword.Error(), unknownUser.Error())
}

func TestLogin_GitHubAccountHasNoPassword(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.auth.LoginWithGitHub(context.Background(), &auth.GitHubUser{ID: 42, Login: "octo", Email: "octo@example.com"})
	require.NoError(t, err)

	_, err = env.auth.Login(context.Background(), "octo", "anything")
	require.ErrorIs(t, err, apperror.ErrUnauthenticated)
	assert.Contains(t, err.Error(), "GitHub")
}

// =========================================================================
// REFRESH AND LOGOUT
// =========================================================================

func TestRefresh_RotatesTokens(t *testing.T) {
	env := newTestEnv(t)
	first := env.signup(t, "hank")

	second, err := env.auth.Refresh(context.Background(), first.Refresh.Value)
	require.NoError(t, err)

	assert.Equal(t, first.User.ID, second.User.ID)
	assert.NotEqual(t, first.Access.Value, second.Access.Value)
	assert.NotEqual(t, first.Refresh.ID, second.Refresh.ID)

	claims, err := env.issuer.VerifyAccessToken(second.Access.Value)
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, claims.UserID)
}

func TestRefresh_ReuseRevokesEverySession(t *testing.T) {
	env := newTestEnv(t)
	first := env.signup(t, "ivy")
	other, err := env.auth.Login(context.Background(), "ivy", "pa55word")
	require.NoError(t, err)

	rotated, err := env.auth.Refresh(context.Background(), first.Refresh.Value)
	require.NoError(t, err)

	_, err = env.auth.Refresh(context.Background(), first.Refresh.Value)
	require.ErrorIs(t, err, apperror.ErrUnauthenticated, "replayed token")

	_, err = env.auth.Refresh(context.Background(), rotated.Refresh.Value)
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated, "rotated token revoked by reuse")
	_, err = env.auth.Refresh(context.Background(), other.Refresh.Value)
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated, "other device revoked by reuse")
}

func TestRefresh_ConcurrentUseSucceedsOnce(t *testing.T) {
	env := newTestEnv(t)
	s := env.signup(t, "jack")

	const n = 8
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.auth.Refresh(context.Background(), s.Refresh.Value)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
}

func TestRefresh_RejectsAccessTokenAndExpired(t *testing.T) {
	env := newTestEnv(t)
	s := env.signup(t, "kate")

	_, err := env.auth.Refresh(context.Background(), s.Access.Value)
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated, "access token is not a refresh token")

	env.clock.Advance(7*24*time.Hour + time.Second)
	_, err = env.auth.Refresh(context.Background(), s.Refresh.Value)
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)

	_, err = env.auth.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
}

func TestLogout_RevokesPresentedRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	s := env.signup(t, "liam")

	env.auth.Logout(context.Background(), s.User.ID, s.Refresh.Value)

	_, err := env.auth.Refresh(context.Background(), s.Refresh.Value)
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
}

func TestLogout_IgnoresForeignOrGarbageTokens(t *testing.T) {
	env := newTestEnv(t)
	mia := env.signup(t, "mia")
	noah := env.signup(t, "noah")

	env.auth.Logout(context.Background(), noah.User.ID, mia.Refresh.Value)
	env.auth.Logout(context.Background(), noah.User.ID, "garbage")
	env.auth.Logout(context.Background(), noah.User.ID, "")

	_, err := env.auth.Refresh(context.Background(), mia.Refresh.Value)
	assert.NoError(t, err, "another user's token must survive")
}

// =========================================================================
// GITHUB
// =========================================================================

func TestLoginWithGitHub_UpsertsOnce(t *testing.T) {
	env := newTestEnv(t)
	gh := &auth.GitHubUser{ID: 7, Login: "octo", Email: "Octo@Example.com", AvatarURL: "https://a/1"}

	first, err := env.auth.LoginWithGitHub(context.Background(), gh)
	require.NoError(t, err)
	assert.True(t, first.User.IsExternal())
	assert.Equal(t, "octo@example.com", first.User.Email)

	gh.AvatarURL = "https://a/2"
	second, err := env.auth.LoginWithGitHub(context.Background(), gh)
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, "https://a/2", second.User.AvatarURL)

	_, err = env.auth.LoginWithGitHub(context.Background(), nil)
	assert.Error(t, err)
}

func TestGetUser(t *testing.T) {
	env := newTestEnv(t)
	s := env.signup(t, "olga")

	u, err := env.auth.GetUser(context.Background(), s.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "olga", u.Username)

	_, err = env.auth.GetUser(context.Background(), "missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = env.auth.GetUser(context.Background(), "")
	assert.ErrorIs(t, err, apperror.ErrValidation)
}
