package deposit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tradeescrow/observability/logging"
	"tradeescrow/services/escrowd/escrowerr"
	"tradeescrow/services/escrowd/locks"
	"tradeescrow/services/escrowd/models"
	"tradeescrow/services/escrowd/notify"
	"tradeescrow/services/escrowd/storage"
	"tradeescrow/services/escrowd/wallet"
	"tradeescrow/services/escrowd/wallet/wallettest"
)

type fixture struct {
	db     *gorm.DB
	fake   *wallettest.Fake
	poller *Poller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(storage.MemoryDSN())
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	fake := wallettest.NewFake()
	notifier := notify.New(db, logging.Discard())
	poller := NewPoller(db, fake, locks.NewLocal(), notifier, Config{
		PollInterval: 10 * time.Millisecond,
		Limits:       wallet.Limits{Sync: time.Second, Call: time.Second, Close: time.Second},
		Concurrency:  2,
	}, logging.Discard())
	return &fixture{db: db, fake: fake, poller: poller}
}

// readySession stores a ready session whose wallet exists in the fake.
func (f *fixture) readySession(t *testing.T, status string) models.Session {
	t.Helper()
	id := uuid.New()
	name := "escrow-" + id.String()
	require.NoError(t, f.fake.Create(context.Background(), name))
	now := time.Now().UTC()
	sess := models.Session{
		ID:                id,
		Threshold:         2,
		TotalParticipants: 3,
		Status:            status,
		WalletName:        name,
		MultisigAddress:   wallettest.Address(name),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, f.db.Create(&sess).Error)
	return sess
}

func (f *fixture) trade(t *testing.T, sess models.Session, amount string, status models.TradeStatus) models.Trade {
	t.Helper()
	now := time.Now().UTC()
	trade := models.Trade{
		ID:           uuid.New(),
		BuyerID:      uuid.New(),
		SellerID:     uuid.New(),
		SessionID:    &sess.ID,
		Status:       status,
		CryptoAmount: decimal.RequireFromString(amount),
		FiatAmount:   decimal.NewFromInt(100),
		FiatCurrency: "EUR",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, f.db.Create(&trade).Error)
	return trade
}

func (f *fixture) notifications(t *testing.T, tradeID uuid.UUID) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.Notification{}).Where("trade_id = ?", tradeID).Count(&n).Error)
	return n
}

func TestCheckDepositSerializesWalletAccess(t *testing.T) {
	f := newFixture(t)
	f.fake.OpenDelay = 3 * time.Millisecond
	sess := f.readySession(t, models.SessionReady)
	f.fake.SetBalance(sess.WalletName, 5, 5)

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.poller.CheckDeposit(context.Background(), sess.ID, 10); err != nil {
				t.Errorf("check deposit: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 0, f.fake.Overlaps())
	require.Equal(t, callers, f.fake.Count(wallettest.OpBalance), "queued callers must re-check")
	require.Equal(t, 0, f.fake.OpenWallets())
}

func TestCheckTradeFundsOnce(t *testing.T) {
	f := newFixture(t)
	sess := f.readySession(t, models.SessionReady)
	trade := f.trade(t, sess, "1.5", models.TradePending)
	ctx := context.Background()

	// Seen but not spendable yet.
	f.fake.SetBalance(sess.WalletName, 1_500_000_000_000, 0)
	res, err := f.poller.CheckTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.True(t, res.HasDeposit)
	require.False(t, res.IsUnlocked)
	require.False(t, res.Funded)
	require.Equal(t, uint64(1_500_000_000_000), res.Expected)

	f.fake.SetBalance(sess.WalletName, 1_500_000_000_000, 1_500_000_000_000)
	res, err = f.poller.CheckTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.True(t, res.Funded)
	require.Equal(t, models.TradeFunded, res.TradeStatus)
	require.Equal(t, int64(2), f.notifications(t, trade.ID))

	res, err = f.poller.CheckTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.False(t, res.Funded, "second detection must not transition again")
	require.True(t, res.IsUnlocked)
	require.Equal(t, int64(2), f.notifications(t, trade.ID), "no duplicate notifications")

	var stored models.Trade
	require.NoError(t, f.db.First(&stored, "id = ?", trade.ID).Error)
	require.Equal(t, models.TradeFunded, stored.Status)
	require.NotNil(t, stored.FundedAt)

	var events int64
	require.NoError(t, f.db.Model(&models.Event{}).Where("entity_id = ? AND action = ?", trade.ID, "trade.funded").Count(&events).Error)
	require.Equal(t, int64(1), events)
}

func TestCheckDepositErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.poller.CheckDeposit(ctx, uuid.New(), 1)
	require.True(t, errors.Is(err, escrowerr.ErrNotFound), "got %v", err)

	making := f.readySession(t, models.SessionMaking)
	_, err = f.poller.CheckDeposit(ctx, making.ID, 1)
	require.True(t, errors.Is(err, escrowerr.ErrSessionNotReady), "got %v", err)

	ready := f.readySession(t, models.SessionReady)
	f.fake.FailNext(wallettest.OpBalance, errors.New("daemon busy"))
	_, err = f.poller.CheckDeposit(ctx, ready.ID, 1)
	require.True(t, errors.Is(err, escrowerr.ErrCapability), "got %v", err)
	require.Equal(t, 0, f.fake.OpenWallets(), "wallet must be closed after a failed call")

	_, err = f.poller.CheckTrade(ctx, uuid.New())
	require.True(t, errors.Is(err, escrowerr.ErrNotFound), "got %v", err)

	now := time.Now().UTC()
	orphan := models.Trade{ID: uuid.New(), BuyerID: uuid.New(), SellerID: uuid.New(), Status: models.TradePending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, f.db.Create(&orphan).Error)
	_, err = f.poller.CheckTrade(ctx, orphan.ID)
	require.True(t, errors.Is(err, escrowerr.ErrSessionNotReady), "got %v", err)
}

func TestSweepFundsReadyPendingTrades(t *testing.T) {
	f := newFixture(t)

	funded := f.readySession(t, models.SessionReady)
	f.fake.SetBalance(funded.WalletName, 2_000_000_000_000, 2_000_000_000_000)
	fundedTrade := f.trade(t, funded, "2", models.TradePending)

	short := f.readySession(t, models.SessionReady)
	f.fake.SetBalance(short.WalletName, 1_000_000_000_000, 1_000_000_000_000)
	shortTrade := f.trade(t, short, "2", models.TradePending)

	notReady := f.readySession(t, models.SessionExchanging)
	f.trade(t, notReady, "2", models.TradePending)

	// A session whose wallet file is missing fails to open and is skipped.
	broken := models.Session{ID: uuid.New(), Threshold: 2, TotalParticipants: 3, Status: models.SessionReady, WalletName: "missing-wallet"}
	require.NoError(t, f.db.Create(&broken).Error)
	f.trade(t, broken, "2", models.TradePending)

	count, err := f.poller.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	var stored models.Trade
	require.NoError(t, f.db.First(&stored, "id = ?", fundedTrade.ID).Error)
	require.Equal(t, models.TradeFunded, stored.Status)
	require.NoError(t, f.db.First(&stored, "id = ?", shortTrade.ID).Error)
	require.Equal(t, models.TradePending, stored.Status)

	// Only pending trades with ready sessions were inspected.
	require.Equal(t, 3, f.fake.Count(wallettest.OpOpen))
	require.Equal(t, 2, f.fake.Count(wallettest.OpBalance))

	count, err = f.poller.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	sess := f.readySession(t, models.SessionReady)
	f.fake.SetBalance(sess.WalletName, 1_000_000_000_000, 1_000_000_000_000)
	trade := f.trade(t, sess, "1", models.TradePending)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.poller.Run(ctx) }()

	require.Eventually(t, func() bool {
		var stored models.Trade
		if err := f.db.First(&stored, "id = ?", trade.ID).Error; err != nil {
			return false
		}
		return stored.Status == models.TradeFunded
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, uuid.UUID, string, string, ...uuid.UUID) error {
	return errors.New("inbox unavailable")
}

func TestFundingSurvivesNotificationFailure(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	f.poller = NewPoller(f.db, f.fake, locks.NewLocal(), failingNotifier{}, Config{
		Limits: wallet.Limits{Sync: time.Second, Call: time.Second, Close: time.Second},
	}, slog.New(slog.NewJSONHandler(&buf, nil)))

	sess := f.readySession(t, models.SessionReady)
	trade := f.trade(t, sess, "1.0", models.TradePending)
	f.fake.SetBalance(sess.WalletName, 1_000_000_000_000, 1_000_000_000_000)

	res, err := f.poller.CheckTrade(context.Background(), trade.ID)
	require.NoError(t, err)
	require.True(t, res.Funded)
	require.Contains(t, buf.String(), "notification failed")
	require.Contains(t, buf.String(), "inbox unavailable")
}
