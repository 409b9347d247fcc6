package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/queue"
	"github.com/iliyamo/platform-auth/internal/repository/memory"
	"github.com/iliyamo/platform-auth/internal/utils"
)

var errStoreDown = errors.New("store unavailable")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	ch chan queue.SecurityNotification
}

func (n *recordingNotifier) Notify(_ context.Context, sn queue.SecurityNotification) error {
	n.ch <- sn
	return nil
}

// harness wires every service over in-memory stores and a fake clock.
type harness struct {
	clock       *fakeClock
	identities  *memory.Identities
	sessionsDB  *memory.Sessions
	blocksDB    *memory.Blocks
	eventsDB    *memory.Events
	refreshDB   *memory.RefreshTokens
	revocations *memory.Revocations
	codec       *utils.TokenCodec

	events   *EventLog
	blocks   *BlockStore
	sessions *SessionRegistry
	authn    *Authenticator
	login    *LoginService
	accounts *AccountService
}

type harnessOptions struct {
	singleSession      bool
	revokeOnRoleChange bool
	maxFailures        int
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{
		clock:       newFakeClock(),
		blocksDB:    &memory.Blocks{},
		eventsDB:    &memory.Events{},
		refreshDB:   memory.NewRefreshTokens(),
		revocations: &memory.Revocations{},
	}
	h.identities = memory.NewIdentities()
	h.sessionsDB = memory.NewSessions(h.identities)

	codec, err := utils.NewTokenCodec("0123456789abcdef0123456789abcdef", 2*time.Hour, utils.WithClock(h.clock.Now))
	require.NoError(t, err)
	h.codec = codec

	h.events = NewEventLog(h.eventsDB, nil, WithEventClock(h.clock.Now))
	h.blocks = NewBlockStore(h.blocksDB, h.events, h.clock.Now)
	h.sessions = NewSessionRegistry(h.sessionsDB, h.events, opts.singleSession, h.clock.Now)
	h.authn = NewAuthenticator(codec, h.identities, h.sessions, h.revocations, h.blocks, h.events, nil)
	h.login = NewLoginService(h.identities, h.sessions, h.blocks, h.events, codec, h.refreshDB, h.revocations,
		LoginPolicy{
			RefreshTTL:    14 * 24 * time.Hour,
			MaxFailures:   opts.maxFailures,
			FailureWindow: 15 * time.Minute,
			AutoBlockTTL:  30 * time.Minute,
		}, h.clock.Now, nil)
	h.accounts = NewAccountService(h.identities, h.sessions, h.refreshDB, h.events, AccountPolicy{
		BcryptCost:         bcrypt.MinCost,
		DefaultRoles:       model.NewRoleSet("viewer"),
		AllowSignup:        true,
		RevokeOnRoleChange: opts.revokeOnRoleChange,
		TOTPIssuer:         "platform-test",
	}, h.clock.Now, nil)
	return h
}

func (h *harness) addIdentity(t *testing.T, email, password string, roles ...string) model.Identity {
	t.Helper()
	ctx := context.Background()
	id, err := h.identities.Create(ctx, email, "Test User", password, model.NewRoleSet(roles...), bcrypt.MinCost)
	require.NoError(t, err)
	got, err := h.identities.GetByID(ctx, id)
	require.NoError(t, err)
	return got
}

// bearer logs identity in and returns an Authorization header value.
func (h *harness) bearer(t *testing.T, email, password string) (string, LoginResult) {
	t.Helper()
	res, err := h.login.Login(context.Background(), LoginRequest{
		Email: email, Password: password,
		Client: Client{IP: "203.0.113.7", Device: "laptop", UserAgent: "test"},
	})
	require.NoError(t, err)
	return "Bearer " + res.Access.Token, res
}

func eventsDown() *memory.Events {
	m := &memory.Events{}
	m.FailWith(errStoreDown)
	return m
}
