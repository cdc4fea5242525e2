// Package wallettest provides a scriptable in-memory wallet capability.
package wallettest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tradeescrow/services/escrowd/wallet"
)

// Operation names recorded by Fake and accepted by Fail/FailNext.
const (
	OpCreate            = "create"
	OpOpen              = "open"
	OpClose             = "close"
	OpBalance           = "balance"
	OpPrepare           = "prepare_multisig"
	OpMake              = "make_multisig"
	OpExchange          = "exchange_multisig_keys"
	OpPrimaryAddress    = "primary_address"
	OpCreateTransaction = "create_transaction"
	OpSignPartial       = "sign_partial"
	OpSubmit            = "submit"
	OpCurrentHeight     = "current_height"
	OpDaemonHeight      = "daemon_height"
	OpReanchor          = "reanchor"
)

// Call is one recorded capability invocation.
type Call struct {
	Op     string
	Wallet string
	Args   []string
}

// Transfer records a CreateTransaction request.
type Transfer struct {
	Wallet      string
	Destination string
	Amount      uint64
}

// Fake is a deterministic Capability. Exchange rounds complete after
// FinalRound calls, returning an empty blob and the wallet address. Further
// exchanges fail the way a finalized wallet does.
type Fake struct {
	// FinalRound is the number of exchange calls after which the wallet is
	// complete. Defaults to 2.
	FinalRound int
	// OpenDelay is slept inside Open to widen race windows in tests.
	OpenDelay time.Duration
	// Height is the wallet sync height; ChainHeight the daemon height.
	Height      uint64
	ChainHeight uint64

	mu        sync.Mutex
	wallets   map[string]*fakeWallet
	balances  map[string]wallet.Balance
	failures  map[string]error
	failNext  map[string]error
	calls     []Call
	transfers []Transfer
	openNow   map[string]int
	overlaps  int
	sequence  int
}

type fakeWallet struct {
	exchanges int
	address   string
	reanchor  uint64
}

// NewFake returns a Fake with a daemon height of 1000.
func NewFake() *Fake {
	return &Fake{
		FinalRound:  2,
		Height:      990,
		ChainHeight: 1000,
		wallets:     make(map[string]*fakeWallet),
		balances:    make(map[string]wallet.Balance),
		failures:    make(map[string]error),
		failNext:    make(map[string]error),
		openNow:     make(map[string]int),
	}
}

// SetBalance sets the balance reported for wallet name.
func (f *Fake) SetBalance(name string, total, unlocked uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[name] = wallet.Balance{Total: total, Unlocked: unlocked}
}

// Fail makes every call to op return err until Clear.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

// FailNext makes only the next call to op return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = err
}

// Clear removes all scripted failures.
func (f *Fake) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[string]error)
	f.failNext = make(map[string]error)
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many times op was invoked, including failed calls.
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Transfers returns the recorded CreateTransaction requests.
func (f *Fake) Transfers() []Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Transfer(nil), f.transfers...)
}

// Overlaps reports how many times a wallet was opened while already open.
func (f *Fake) Overlaps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlaps
}

// OpenWallets reports how many handles are currently open.
func (f *Fake) OpenWallets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, count := range f.openNow {
		n += count
	}
	return n
}

// ReanchorHeight returns the restore height applied to name, or to the wallet
// rebuilt from it.
func (f *Fake) ReanchorHeight(name string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.wallets[name]; ok {
		return w.reanchor
	}
	return 0
}

// Address is the deterministic multisig address the fake assigns to name.
func Address(name string) string {
	return "4" + strings.ReplaceAll(name, "-", "")
}

func (f *Fake) record(op, name string, args ...string) error {
	f.calls = append(f.calls, Call{Op: op, Wallet: name, Args: args})
	if err, ok := f.failNext[op]; ok {
		delete(f.failNext, op)
		return err
	}
	if err, ok := f.failures[op]; ok {
		return err
	}
	return nil
}

func (f *Fake) openWallet(ctx context.Context, h *wallet.Handle) (*fakeWallet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h == nil || f.openNow[h.Name] == 0 {
		return nil, wallet.ErrWalletClosed
	}
	return f.wallets[h.Name], nil
}

func (f *Fake) Create(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpCreate, name); err != nil {
		return err
	}
	if _, exists := f.wallets[name]; exists {
		return fmt.Errorf("wallettest: wallet %s exists", name)
	}
	f.wallets[name] = &fakeWallet{address: Address(name)}
	return nil
}

func (f *Fake) Open(ctx context.Context, name string) (*wallet.Handle, error) {
	f.mu.Lock()
	if err := f.record(OpOpen, name); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	if _, ok := f.wallets[name]; !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("wallettest: wallet %s not found", name)
	}
	if f.openNow[name] > 0 {
		f.overlaps++
	}
	f.openNow[name]++
	delay := f.OpenDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			f.mu.Lock()
			f.openNow[name]--
			f.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	return &wallet.Handle{Name: name}, nil
}

func (f *Fake) Close(ctx context.Context, h *wallet.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h == nil || f.openNow[h.Name] == 0 {
		return wallet.ErrWalletClosed
	}
	f.openNow[h.Name]--
	return f.record(OpClose, h.Name)
}

func (f *Fake) Balance(ctx context.Context, h *wallet.Handle) (wallet.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.openWallet(ctx, h); err != nil {
		return wallet.Balance{}, err
	}
	if err := f.record(OpBalance, h.Name); err != nil {
		return wallet.Balance{}, err
	}
	return f.balances[h.Name], nil
}

func (f *Fake) PrepareMultisig(ctx context.Context, h *wallet.Handle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.openWallet(ctx, h); err != nil {
		return "", err
	}
	if err := f.record(OpPrepare, h.Name); err != nil {
		return "", err
	}
	return "prepared:" + h.Name, nil
}

func (f *Fake) MakeMultisig(ctx context.Context, h *wallet.Handle, peers []string, threshold int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.openWallet(ctx, h); err != nil {
		return "", err
	}
	if err := f.record(OpMake, h.Name, peers...); err != nil {
		return "", err
	}
	if len(peers) == 0 || threshold <= 0 {
		return "", fmt.Errorf("wallettest: invalid make_multisig input")
	}
	return fmt.Sprintf("made:%d:%s", threshold, h.Name), nil
}

func (f *Fake) ExchangeMultisigKeys(ctx context.Context, h *wallet.Handle, peers []string) (wallet.ExchangeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.openWallet(ctx, h)
	if err != nil {
		return wallet.ExchangeResult{}, err
	}
	if err := f.record(OpExchange, h.Name, peers...); err != nil {
		return wallet.ExchangeResult{}, err
	}
	if w.exchanges >= f.FinalRound {
		return wallet.ExchangeResult{}, fmt.Errorf("wallettest: %s is already finalized", h.Name)
	}
	w.exchanges++
	if w.exchanges >= f.FinalRound {
		return wallet.ExchangeResult{Address: w.address}, nil
	}
	return wallet.ExchangeResult{Blob: fmt.Sprintf("kex%d:%s", w.exchanges, h.Name)}, nil
}

func (f *Fake) PrimaryAddress(ctx context.Context, h *wallet.Handle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.openWallet(ctx, h)
	if err != nil {
		return "", err
	}
	if err := f.record(OpPrimaryAddress, h.Name); err != nil {
		return "", err
	}
	return w.address, nil
}

func (f *Fake) CreateTransaction(ctx context.Context, h *wallet.Handle, destination string, amount uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.openWallet(ctx, h); err != nil {
		return "", err
	}
	if err := f.record(OpCreateTransaction, h.Name, destination, fmt.Sprint(amount)); err != nil {
		return "", err
	}
	f.transfers = append(f.transfers, Transfer{Wallet: h.Name, Destination: destination, Amount: amount})
	return fmt.Sprintf("unsigned:%s:%d", destination, amount), nil
}

func (f *Fake) SignPartial(ctx context.Context, h *wallet.Handle, blob string) (wallet.SignResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.openWallet(ctx, h); err != nil {
		return wallet.SignResult{}, err
	}
	if err := f.record(OpSignPartial, h.Name, blob); err != nil {
		return wallet.SignResult{}, err
	}
	f.sequence++
	return wallet.SignResult{Blob: blob + "+service", TxIDs: []string{fmt.Sprintf("tx%d", f.sequence)}}, nil
}

func (f *Fake) Submit(ctx context.Context, h *wallet.Handle, blob string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.openWallet(ctx, h); err != nil {
		return nil, err
	}
	if err := f.record(OpSubmit, h.Name, blob); err != nil {
		return nil, err
	}
	return []string{fmt.Sprintf("tx%d", f.sequence)}, nil
}

func (f *Fake) CurrentHeight(ctx context.Context, h *wallet.Handle) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.openWallet(ctx, h); err != nil {
		return 0, err
	}
	if err := f.record(OpCurrentHeight, h.Name); err != nil {
		return 0, err
	}
	return f.Height, nil
}

func (f *Fake) DaemonHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(OpDaemonHeight, ""); err != nil {
		return 0, err
	}
	return f.ChainHeight, nil
}

func (f *Fake) Reanchor(ctx context.Context, h *wallet.Handle, height uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.openWallet(ctx, h)
	if err != nil {
		return "", err
	}
	if err := f.record(OpReanchor, h.Name, fmt.Sprint(height)); err != nil {
		return "", err
	}
	fresh := fmt.Sprintf("%s-r%d", h.Name, height)
	if _, exists := f.wallets[fresh]; exists {
		return "", fmt.Errorf("wallettest: wallet %s exists", fresh)
	}
	w.reanchor = height
	f.wallets[fresh] = &fakeWallet{exchanges: w.exchanges, address: w.address, reanchor: height}
	if b, ok := f.balances[h.Name]; ok {
		f.balances[fresh] = b
	}
	f.openNow[h.Name]--
	f.openNow[fresh]++
	h.Name = fresh
	return fresh, nil
}

var _ wallet.Capability = (*Fake)(nil)
