// Package wallet defines the multisig wallet capability the coordinators depend
// on and a JSON-RPC adapter for monero-wallet-rpc style daemons.
package wallet

import (
	"context"
	"errors"
	"time"
)

// ErrWalletClosed is returned when a handle is used after Close.
var ErrWalletClosed = errors.New("wallet: handle closed")

// Handle references an open wallet. It is only valid until Close.
type Handle struct {
	Name string
}

// Balance is expressed in atomic units.
type Balance struct {
	Total    uint64
	Unlocked uint64
}

// ExchangeResult is the output of one key exchange round. An empty Blob means
// the wallet has completed the exchange and Address is final.
type ExchangeResult struct {
	Blob    string
	Address string
}

// SignResult carries the co-signed transaction blob and its transaction ids.
type SignResult struct {
	Blob  string
	TxIDs []string
}

// Capability is the set of multisig wallet operations the service performs on
// its own key. Blobs are opaque.
type Capability interface {
	Create(ctx context.Context, name string) error
	// Open opens and syncs the wallet. Callers must Close the handle.
	Open(ctx context.Context, name string) (*Handle, error)
	Close(ctx context.Context, h *Handle) error
	Balance(ctx context.Context, h *Handle) (Balance, error)
	PrepareMultisig(ctx context.Context, h *Handle) (string, error)
	MakeMultisig(ctx context.Context, h *Handle, peers []string, threshold int) (string, error)
	ExchangeMultisigKeys(ctx context.Context, h *Handle, peers []string) (ExchangeResult, error)
	PrimaryAddress(ctx context.Context, h *Handle) (string, error)
	CreateTransaction(ctx context.Context, h *Handle, destination string, amount uint64) (string, error)
	SignPartial(ctx context.Context, h *Handle, blob string) (SignResult, error)
	Submit(ctx context.Context, h *Handle, blob string) ([]string, error)
	CurrentHeight(ctx context.Context, h *Handle) (uint64, error)
	DaemonHeight(ctx context.Context) (uint64, error)
	// Reanchor rebuilds the wallet from its seed into a fresh wallet whose scan
	// starts at height. h refers to the rebuilt wallet afterwards and the new
	// wallet name is returned; the original wallet is left in place.
	Reanchor(ctx context.Context, h *Handle, height uint64) (string, error)
}

// Limits bounds each phase of a wallet session.
type Limits struct {
	Sync  time.Duration
	Call  time.Duration
	Close time.Duration
}

const (
	defaultSyncLimit  = 30 * time.Second
	defaultCallLimit  = 30 * time.Second
	defaultCloseLimit = 15 * time.Second
)

func (l Limits) withDefaults() Limits {
	if l.Sync <= 0 {
		l.Sync = defaultSyncLimit
	}
	if l.Call <= 0 {
		l.Call = defaultCallLimit
	}
	if l.Close <= 0 {
		l.Close = defaultCloseLimit
	}
	return l
}

// Use opens name, runs fn and always closes the wallet. Open, including the
// sync, is bounded by limits.Sync and fn by limits.Call. Close runs on a
// context detached from ctx so a timed-out call still releases the wallet.
func Use(ctx context.Context, capability Capability, name string, limits Limits, fn func(context.Context, *Handle) error) (err error) {
	limits = limits.withDefaults()

	openCtx, cancelOpen := context.WithTimeout(ctx, limits.Sync)
	handle, err := capability.Open(openCtx, name)
	cancelOpen()
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), limits.Close)
		defer cancel()
		if closeErr := capability.Close(closeCtx, handle); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	callCtx, cancelCall := context.WithTimeout(ctx, limits.Call)
	defer cancelCall()
	return fn(callCtx, handle)
}
