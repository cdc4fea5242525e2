package multisig

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tradeescrow/observability/logging"
	"tradeescrow/services/escrowd/escrowerr"
	"tradeescrow/services/escrowd/locks"
	"tradeescrow/services/escrowd/models"
	"tradeescrow/services/escrowd/storage"
	"tradeescrow/services/escrowd/wallet"
	"tradeescrow/services/escrowd/wallet/wallettest"
)

type harness struct {
	coord *Coordinator
	fake  *wallettest.Fake
	db    *gorm.DB
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	db, err := storage.Open(storage.MemoryDSN())
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	fake := wallettest.NewFake()
	cfg := Config{
		Threshold:          2,
		TotalParticipants:  3,
		ReanchorAfterReady: true,
		Limits:             wallet.Limits{Sync: time.Second, Call: time.Second, Close: time.Second},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	coord, err := NewCoordinator(db, fake, locks.NewLocal(), cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	return &harness{coord: coord, fake: fake, db: db}
}

func (h *harness) create(t *testing.T) *models.Session {
	t.Helper()
	sess, err := h.coord.CreateSession(context.Background(), CreateSessionParams{})
	require.NoError(t, err)
	return sess
}

func (h *harness) slots(t *testing.T, id uuid.UUID) map[Role]models.Participant {
	t.Helper()
	var rows []models.Participant
	require.NoError(t, h.db.Where("session_id = ?", id).Find(&rows).Error)
	out := make(map[Role]models.Participant, len(rows))
	for _, row := range rows {
		out[Role(row.Role)] = row
	}
	return out
}

func submit(role Role, hex string) Submission {
	return Submission{Role: role, Hex: hex}
}

func TestNewCoordinatorValidatesShape(t *testing.T) {
	db, err := storage.Open(storage.MemoryDSN())
	require.NoError(t, err)
	defer storage.Close(db)

	_, err = NewCoordinator(db, wallettest.NewFake(), locks.NewLocal(), Config{Threshold: 4, TotalParticipants: 3})
	require.Error(t, err)
	_, err = NewCoordinator(db, wallettest.NewFake(), locks.NewLocal(), Config{Threshold: 2, TotalParticipants: 5})
	require.Error(t, err)
}

func TestCreateSessionPreparesServiceSlot(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t)

	require.Equal(t, models.SessionPreparing, sess.Status)
	require.Equal(t, 2, sess.ExchangeRounds())
	require.Equal(t, uint64(1000), sess.CreationHeight)

	slots := h.slots(t, sess.ID)
	require.Len(t, slots, 3)
	require.Equal(t, "prepared:"+sess.WalletName, slots[RoleService].PreparedHex)
	require.Empty(t, slots[RoleParticipantA].PreparedHex)
	require.Equal(t, 0, h.fake.OpenWallets(), "wallet must be closed after setup")
}

func TestCreateSessionFallsBackToWalletHeight(t *testing.T) {
	h := newHarness(t)
	h.fake.FailNext(wallettest.OpDaemonHeight, errors.New("daemon offline"))
	sess := h.create(t)
	require.Equal(t, uint64(990), sess.CreationHeight)
}

func TestSessionReachesReady(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t)
	ctx := context.Background()

	st, err := h.coord.SubmitPrepared(ctx, sess.ID, submit(RoleParticipantA, "prep-a"))
	require.NoError(t, err)
	require.Equal(t, models.SessionPreparing, st.Phase)
	require.Equal(t, 0, h.fake.Count(wallettest.OpMake))

	st, err = h.coord.SubmitPrepared(ctx, sess.ID, submit(RoleParticipantB, "prep-b"))
	require.NoError(t, err)
	require.Equal(t, models.SessionMaking, st.Phase)
	require.Equal(t, 1, h.fake.Count(wallettest.OpMake))
	require.True(t, st.Slots[RoleService].Made)
	require.Equal(t, "prep-a", st.Inputs[RoleParticipantA])

	calls := h.fake.Calls()
	var makeCall wallettest.Call
	for _, c := range calls {
		if c.Op == wallettest.OpMake {
			makeCall = c
		}
	}
	require.Equal(t, []string{"prep-a", "prep-b"}, makeCall.Args)

	_, err = h.coord.SubmitMade(ctx, sess.ID, submit(RoleParticipantA, "made-a"))
	require.NoError(t, err)
	st, err = h.coord.SubmitMade(ctx, sess.ID, submit(RoleParticipantB, "made-b"))
	require.NoError(t, err)
	require.Equal(t, models.SessionExchanging, st.Phase)
	require.Equal(t, 0, st.Round)
	require.Equal(t, 2, st.TotalRounds)
	require.Equal(t, "made-b", st.Inputs[RoleParticipantB])

	_, err = h.coord.SubmitExchange(ctx, sess.ID, Submission{Role: RoleParticipantA, Hex: "kex0-a", Round: 0})
	require.NoError(t, err)
	require.Equal(t, 0, h.fake.Count(wallettest.OpExchange), "service waits for both external slots")
	st, err = h.coord.SubmitExchange(ctx, sess.ID, Submission{Role: RoleParticipantB, Hex: "kex0-b", Round: 0})
	require.NoError(t, err)
	require.Equal(t, models.SessionExchanging, st.Phase)
	require.Equal(t, 1, st.Round)
	require.Equal(t, 1, h.fake.Count(wallettest.OpExchange))

	slots := h.slots(t, sess.ID)
	require.Equal(t, "kex0-a", slots[RoleParticipantA].PrevExchangeHex)
	require.Equal(t, "kex0-b", slots[RoleParticipantB].PrevExchangeHex)
	require.Equal(t, "kex1:"+sess.WalletName, slots[RoleService].PrevExchangeHex)
	for role, slot := range slots {
		require.Empty(t, slot.ExchangeHex, "role %s", role)
		require.False(t, slot.ExchangeSubmitted, "role %s", role)
	}

	_, err = h.coord.SubmitExchange(ctx, sess.ID, Submission{Role: RoleParticipantA, Hex: "", Round: 1})
	require.NoError(t, err)
	st, err = h.coord.SubmitExchange(ctx, sess.ID, Submission{Role: RoleParticipantB, Hex: "", Round: 1})
	require.NoError(t, err)
	require.Equal(t, models.SessionReady, st.Phase)
	require.Equal(t, wallettest.Address(sess.WalletName), st.MultisigAddress)
	require.True(t, st.Reanchored)
	require.Empty(t, st.LastTriggerError)
	require.Equal(t, 2, h.fake.Count(wallettest.OpExchange))
	require.Equal(t, sess.CreationHeight, h.fake.ReanchorHeight(sess.WalletName))

	var stored models.Session
	require.NoError(t, h.db.First(&stored, "id = ?", sess.ID).Error)
	require.NotEqual(t, sess.WalletName, stored.WalletName)
	require.Equal(t, sess.CreationHeight, h.fake.ReanchorHeight(stored.WalletName))
	require.Zero(t, h.fake.OpenWallets())

	for _, c := range h.fake.Calls() {
		if c.Op == wallettest.OpExchange && len(c.Args) == 2 && c.Args[0] == "kex0-a" {
			require.Equal(t, []string{"kex0-a", "kex0-b"}, c.Args)
		}
	}

	// Ready is terminal for submissions.
	_, err = h.coord.SubmitExchange(ctx, sess.ID, Submission{Role: RoleParticipantA, Hex: "", Round: 1})
	require.True(t, errors.Is(err, escrowerr.ErrPhaseMismatch), "got %v", err)
	require.Equal(t, models.SessionReady, escrowerr.CurrentState(err))
	require.Equal(t, 0, h.fake.OpenWallets())
}

func TestPreparedOrderDoesNotMatter(t *testing.T) {
	orders := [][]Role{
		{RoleParticipantA, RoleParticipantB},
		{RoleParticipantB, RoleParticipantA},
	}
	for _, order := range orders {
		h := newHarness(t)
		sess := h.create(t)
		for _, role := range order {
			_, err := h.coord.SubmitPrepared(context.Background(), sess.ID, submit(role, "prep-"+string(role)))
			require.NoError(t, err)
		}
		st, err := h.coord.Status(context.Background(), sess.ID)
		require.NoError(t, err)
		require.Equal(t, models.SessionMaking, st.Phase)
		require.Equal(t, 1, h.fake.Count(wallettest.OpMake))
	}
}

func TestConcurrentSubmissionsTriggerOnce(t *testing.T) {
	h := newHarness(t)
	h.fake.OpenDelay = 2 * time.Millisecond
	sess := h.create(t)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		for _, role := range []Role{RoleParticipantA, RoleParticipantB} {
			wg.Add(1)
			go func(role Role) {
				defer wg.Done()
				_, err := h.coord.SubmitPrepared(context.Background(), sess.ID, submit(role, "prep-"+string(role)))
				if err != nil && !errors.Is(err, escrowerr.ErrPhaseMismatch) {
					t.Errorf("unexpected error: %v", err)
				}
			}(role)
		}
	}
	wg.Wait()

	st, err := h.coord.Status(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionMaking, st.Phase)
	require.Equal(t, 1, h.fake.Count(wallettest.OpMake))
	require.Equal(t, 0, h.fake.Overlaps())
}

func TestConcurrentExchangeRoundsTriggerOnce(t *testing.T) {
	h := newHarness(t)
	h.fake.OpenDelay = 2 * time.Millisecond
	sess := h.create(t)
	ctx := context.Background()
	for _, role := range []Role{RoleParticipantA, RoleParticipantB} {
		_, err := h.coord.SubmitPrepared(ctx, sess.ID, submit(role, "prep"))
		require.NoError(t, err)
	}

	race := func(submitFn func(Role) error) {
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			for _, role := range []Role{RoleParticipantA, RoleParticipantB} {
				wg.Add(1)
				go func(role Role) {
					defer wg.Done()
					if err := submitFn(role); err != nil && !errors.Is(err, escrowerr.ErrPhaseMismatch) {
						t.Errorf("unexpected error: %v", err)
					}
				}(role)
			}
		}
		wg.Wait()
	}

	race(func(role Role) error {
		_, err := h.coord.SubmitMade(ctx, sess.ID, submit(role, "made-"+string(role)))
		return err
	})
	st, err := h.coord.Status(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionExchanging, st.Phase)
	require.Equal(t, 0, st.Round)
	require.Equal(t, 0, h.fake.Count(wallettest.OpExchange))

	for round := 0; round < 2; round++ {
		round := round
		hex := "kex0-"
		if round == 1 {
			hex = ""
		}
		race(func(role Role) error {
			blob := hex
			if blob != "" {
				blob += string(role)
			}
			_, err := h.coord.SubmitExchange(ctx, sess.ID, Submission{Role: role, Hex: blob, Round: round})
			return err
		})
		require.Equal(t, round+1, h.fake.Count(wallettest.OpExchange), "one service exchange for round %d", round)
	}

	st, err = h.coord.Status(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionReady, st.Phase)
	require.Equal(t, wallettest.Address(sess.WalletName), st.MultisigAddress)
	require.Equal(t, 0, h.fake.Overlaps())
	require.Equal(t, 0, h.fake.OpenWallets())
}

func TestSubmissionErrors(t *testing.T) {
	buyer, seller := uuid.New(), uuid.New()
	h := newHarness(t)
	ctx := context.Background()
	sess, err := h.coord.CreateSession(ctx, CreateSessionParams{ParticipantA: &buyer, ParticipantB: &seller})
	require.NoError(t, err)

	_, err = h.coord.SubmitMade(ctx, sess.ID, Submission{Role: RoleParticipantA, Actor: buyer, Hex: "made"})
	require.True(t, errors.Is(err, escrowerr.ErrPhaseMismatch), "got %v", err)
	require.Equal(t, models.SessionPreparing, escrowerr.CurrentState(err))

	_, err = h.coord.SubmitPrepared(ctx, sess.ID, Submission{Role: RoleService, Actor: buyer, Hex: "x"})
	require.True(t, errors.Is(err, escrowerr.ErrRoleViolation), "got %v", err)

	_, err = h.coord.SubmitPrepared(ctx, sess.ID, Submission{Role: RoleParticipantB, Actor: buyer, Hex: "x"})
	require.True(t, errors.Is(err, escrowerr.ErrRoleViolation), "buyer cannot act as participant_b, got %v", err)

	_, err = h.coord.SubmitPrepared(ctx, uuid.New(), Submission{Role: RoleParticipantA, Hex: "x"})
	require.True(t, errors.Is(err, escrowerr.ErrNotFound), "got %v", err)

	_, err = h.coord.SubmitPrepared(ctx, sess.ID, Submission{Role: RoleParticipantA, Actor: buyer})
	require.True(t, errors.Is(err, escrowerr.ErrInvalidInput), "got %v", err)

	_, err = ParseRole("arbiter")
	require.True(t, errors.Is(err, escrowerr.ErrInvalidInput))
}

func TestExchangeRoundValidation(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t)
	ctx := context.Background()
	for _, role := range []Role{RoleParticipantA, RoleParticipantB} {
		_, err := h.coord.SubmitPrepared(ctx, sess.ID, submit(role, "prep"))
		require.NoError(t, err)
	}
	for _, role := range []Role{RoleParticipantA, RoleParticipantB} {
		_, err := h.coord.SubmitMade(ctx, sess.ID, submit(role, "made"))
		require.NoError(t, err)
	}

	_, err := h.coord.SubmitExchange(ctx, sess.ID, Submission{Role: RoleParticipantA, Hex: "kex", Round: 1})
	require.True(t, errors.Is(err, escrowerr.ErrPhaseMismatch), "future round must be rejected, got %v", err)
	require.Equal(t, "0", escrowerr.CurrentState(err))

	_, err = h.coord.SubmitExchange(ctx, sess.ID, Submission{Role: RoleParticipantA, Hex: "", Round: 0})
	require.True(t, errors.Is(err, escrowerr.ErrInvalidInput), "empty blob only allowed on final round, got %v", err)

	// Resubmission overwrites only the caller's slot.
	_, err = h.coord.SubmitExchange(ctx, sess.ID, Submission{Role: RoleParticipantA, Hex: "kex-first", Round: 0})
	require.NoError(t, err)
	_, err = h.coord.SubmitExchange(ctx, sess.ID, Submission{Role: RoleParticipantA, Hex: "kex-second", Round: 0})
	require.NoError(t, err)
	slots := h.slots(t, sess.ID)
	require.Equal(t, "kex-second", slots[RoleParticipantA].ExchangeHex)
	require.False(t, slots[RoleParticipantB].ExchangeSubmitted)

	_, err = h.coord.SubmitExchange(ctx, sess.ID, Submission{Role: RoleParticipantB, Hex: "kex-b", Round: 0})
	require.NoError(t, err)
	_, err = h.coord.SubmitExchange(ctx, sess.ID, Submission{Role: RoleParticipantA, Hex: "late", Round: 0})
	require.True(t, errors.Is(err, escrowerr.ErrPhaseMismatch), "stale round must be rejected, got %v", err)
}

func TestCapabilityFailureKeepsSubmissions(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t)
	ctx := context.Background()

	h.fake.FailNext(wallettest.OpMake, errors.New("rpc unavailable"))
	_, err := h.coord.SubmitPrepared(ctx, sess.ID, submit(RoleParticipantA, "prep-a"))
	require.NoError(t, err)
	_, err = h.coord.SubmitPrepared(ctx, sess.ID, submit(RoleParticipantB, "prep-b"))
	require.True(t, errors.Is(err, escrowerr.ErrCapability), "got %v", err)
	require.True(t, escrowerr.Retryable(err))

	st, err := h.coord.Status(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionPreparing, st.Phase)
	require.True(t, st.Slots[RoleParticipantA].Prepared)
	require.True(t, st.Slots[RoleParticipantB].Prepared)
	require.False(t, st.Slots[RoleService].Made, "no partial service slot")
	require.Contains(t, st.LastTriggerError, "make_multisig")

	st, err = h.coord.RetryAutoTrigger(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionMaking, st.Phase)
	require.Empty(t, st.LastTriggerError)
	require.Equal(t, 2, h.fake.Count(wallettest.OpMake))
}

func driveToFinalRound(t *testing.T, h *harness, id uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	for _, role := range []Role{RoleParticipantA, RoleParticipantB} {
		_, err := h.coord.SubmitPrepared(ctx, id, submit(role, "prep"))
		require.NoError(t, err)
	}
	for _, role := range []Role{RoleParticipantA, RoleParticipantB} {
		_, err := h.coord.SubmitMade(ctx, id, submit(role, "made"))
		require.NoError(t, err)
	}
	for _, role := range []Role{RoleParticipantA, RoleParticipantB} {
		_, err := h.coord.SubmitExchange(ctx, id, Submission{Role: role, Hex: "kex0", Round: 0})
		require.NoError(t, err)
	}
	_, err := h.coord.SubmitExchange(ctx, id, Submission{Role: RoleParticipantA, Round: 1})
	require.NoError(t, err)
}

func TestReanchorFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t)
	ctx := context.Background()
	driveToFinalRound(t, h, sess.ID)

	h.fake.Fail(wallettest.OpReanchor, errors.New("restore failed"))
	st, err := h.coord.SubmitExchange(ctx, sess.ID, Submission{Role: RoleParticipantB, Round: 1})
	require.NoError(t, err)
	require.Equal(t, models.SessionReady, st.Phase)
	require.False(t, st.Reanchored)
	require.Contains(t, st.LastTriggerError, "reanchor")

	_, err = h.coord.RetryAutoTrigger(ctx, sess.ID)
	require.True(t, errors.Is(err, escrowerr.ErrCapability), "got %v", err)

	h.fake.Clear()
	st, err = h.coord.RetryAutoTrigger(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, st.Reanchored)
	require.Empty(t, st.LastTriggerError)
	require.Equal(t, wallettest.Address(sess.WalletName), st.MultisigAddress)

	// Already re-anchored sessions are left alone.
	_, err = h.coord.RetryAutoTrigger(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 3, h.fake.Count(wallettest.OpReanchor))

	var stored models.Session
	require.NoError(t, h.db.First(&stored, "id = ?", sess.ID).Error)
	require.Equal(t, fmt.Sprintf("%s-r%d", sess.WalletName, sess.CreationHeight), stored.WalletName)
}

func TestReanchorDisabled(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.ReanchorAfterReady = false })
	sess := h.create(t)
	driveToFinalRound(t, h, sess.ID)

	st, err := h.coord.SubmitExchange(context.Background(), sess.ID, Submission{Role: RoleParticipantB, Round: 1})
	require.NoError(t, err)
	require.Equal(t, models.SessionReady, st.Phase)
	require.False(t, st.Reanchored)
	require.Equal(t, 0, h.fake.Count(wallettest.OpReanchor))
}

func TestFinalRoundAddressFailureRetries(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t)
	ctx := context.Background()
	driveToFinalRound(t, h, sess.ID)

	h.fake.FailNext(wallettest.OpPrimaryAddress, errors.New("timeout"))
	_, err := h.coord.SubmitExchange(ctx, sess.ID, Submission{Role: RoleParticipantB, Round: 1})
	require.True(t, errors.Is(err, escrowerr.ErrCapability), "got %v", err)

	st, err := h.coord.Status(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionExchanging, st.Phase)
	require.Empty(t, st.MultisigAddress)

	require.True(t, st.Slots[RoleService].Exchange, "service exchange persisted before the address fetch")
	require.Equal(t, 2, h.fake.Count(wallettest.OpExchange))

	st, err = h.coord.RetryAutoTrigger(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionReady, st.Phase)
	require.Equal(t, wallettest.Address(sess.WalletName), st.MultisigAddress)
	require.Empty(t, st.LastTriggerError)
	require.Equal(t, 2, h.fake.Count(wallettest.OpExchange), "final-round exchange runs once")
	require.Equal(t, 2, h.fake.Count(wallettest.OpPrimaryAddress))
}
