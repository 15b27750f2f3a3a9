package ethereum

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type fakeNonceSource struct {
	nonce uint64
	calls int
	err   error
}

func (f *fakeNonceSource) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.nonce, nil
}

func TestNonceManagerSequence(t *testing.T) {
	ctx := context.Background()
	source := &fakeNonceSource{nonce: 7}
	m := NewNonceManager(source, common.HexToAddress("0x01"))

	lease, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.Nonce() != 7 {
		t.Fatalf("expected nonce 7, got %d", lease.Nonce())
	}
	lease.Commit()
	lease.Commit()

	lease, err = m.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.Nonce() != 8 {
		t.Fatalf("expected nonce 8, got %d", lease.Nonce())
	}
	if source.calls != 1 {
		t.Fatalf("expected a single chain sync, got %d", source.calls)
	}

	source.nonce = 20
	lease.Discard()

	lease, err = m.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after discard: %v", err)
	}
	if lease.Nonce() != 20 || source.calls != 2 {
		t.Fatalf("expected resync to 20, got %d after %d calls", lease.Nonce(), source.calls)
	}
	lease.Commit()
}

func TestNonceManagerExclusive(t *testing.T) {
	m := NewNonceManager(&fakeNonceSource{nonce: 1}, common.HexToAddress("0x01"))
	lease, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second acquire to wait for the lease, got %v", err)
	}

	lease.Commit()
	next, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after commit: %v", err)
	}
	if next.Nonce() != 2 {
		t.Fatalf("expected nonce 2, got %d", next.Nonce())
	}
	next.Discard()
}

func TestNonceManagerSyncFailureReleases(t *testing.T) {
	source := &fakeNonceSource{err: errors.New("rpc down")}
	m := NewNonceManager(source, common.HexToAddress("0x01"))
	if _, err := m.Acquire(context.Background()); err == nil {
		t.Fatal("expected sync error")
	}

	source.err = nil
	source.nonce = 3
	lease, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after failure: %v", err)
	}
	if lease.Nonce() != 3 {
		t.Fatalf("expected nonce 3, got %d", lease.Nonce())
	}
	lease.Commit()

	if err := m.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	lease, err = m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after reset: %v", err)
	}
	if source.calls != 3 {
		t.Fatalf("expected reset to force a sync, got %d calls", source.calls)
	}
	lease.Commit()
}
