package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"classflow/classreq"
	"classflow/schedule"
)

// fakeStore implements the compare-and-set contract in memory. The mutex
// stands in for the database's row locking.
type fakeStore struct {
	mu        sync.Mutex
	classes   map[string]classreq.Request
	assignErr error
}

func newFakeStore(reqs ...classreq.Request) *fakeStore {
	f := &fakeStore{classes: make(map[string]classreq.Request)}
	for _, r := range reqs {
		f.classes[r.ID] = r
	}
	return f
}

func (f *fakeStore) Assign(ctx context.Context, classID, tutorID string) (classreq.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assignErr != nil {
		return classreq.Request{}, f.assignErr
	}
	req, ok := f.classes[classID]
	if !ok {
		return classreq.Request{}, classreq.ErrNotFound
	}
	if req.Status != classreq.StatusOpen || req.AssignedTutorID != nil {
		return classreq.Request{}, classreq.ErrConflict
	}
	req.Status = classreq.StatusPendingPayment
	req.AssignedTutorID = &tutorID
	f.classes[classID] = req
	return req, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (classreq.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.classes[id]
	if !ok {
		return classreq.Request{}, classreq.ErrNotFound
	}
	return req, nil
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeScheduler) Materialize(ctx context.Context, classID string, horizonWeeks int) ([]schedule.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, classID)
	return nil, f.err
}

func open(id string) classreq.Request {
	return classreq.Request{ID: id, Status: classreq.StatusOpen}
}

func TestClaim_AtMostOneWinner(t *testing.T) {
	const contenders = 32

	store := newFakeStore(open("c1"))
	sched := &fakeScheduler{}
	arb := New(store, sched, zap.NewNop(), 4)

	outcomes := make([]Outcome, contenders)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < contenders; i++ {
		i := i
		g.Go(func() error {
			out, err := arb.Claim(ctx, "c1", fmt.Sprintf("tutor-%d", i))
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("claims errored: %v", err)
	}

	var winners int
	var winner string
	for i, out := range outcomes {
		if out.Won {
			winners++
			winner = fmt.Sprintf("tutor-%d", i)
			continue
		}
		if out.Reason != LossAlreadyAssigned {
			t.Errorf("loser %d: expected reason %s, got %s", i, LossAlreadyAssigned, out.Reason)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}

	final, err := store.Get(context.Background(), "c1")
	if err != nil {
		t.Fatalf("get final state: %v", err)
	}
	if final.Status != classreq.StatusPendingPayment {
		t.Fatalf("expected pending_payment, got %s", final.Status)
	}
	if final.AssignedTutorID == nil || *final.AssignedTutorID != winner {
		t.Fatalf("assignment does not match winner %s: %v", winner, final.AssignedTutorID)
	}

	if len(sched.calls) != 1 || sched.calls[0] != "c1" {
		t.Fatalf("expected one materialize call for c1, got %v", sched.calls)
	}
}

func TestClaim_LostRetryIsIdempotent(t *testing.T) {
	store := newFakeStore(open("c1"))
	arb := New(store, &fakeScheduler{}, zap.NewNop(), 4)
	ctx := context.Background()

	if out, err := arb.Claim(ctx, "c1", "t-winner"); err != nil || !out.Won {
		t.Fatalf("setup claim failed: %+v err=%v", out, err)
	}

	for i := 0; i < 3; i++ {
		out, err := arb.Claim(ctx, "c1", "t-loser")
		if err != nil {
			t.Fatalf("retry %d errored: %v", i, err)
		}
		if out.Won || out.Reason != LossAlreadyAssigned {
			t.Fatalf("retry %d: expected stable loss, got %+v", i, out)
		}
	}
}

func TestClaim_NotOpen(t *testing.T) {
	req := open("c1")
	req.Status = classreq.StatusCancelled
	store := newFakeStore(req)
	arb := New(store, &fakeScheduler{}, zap.NewNop(), 4)

	out, err := arb.Claim(context.Background(), "c1", "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if out.Won || out.Reason != LossNotOpen {
		t.Fatalf("expected loss with not_open, got %+v", out)
	}
}

func TestClaim_NotFound(t *testing.T) {
	arb := New(newFakeStore(), &fakeScheduler{}, zap.NewNop(), 4)

	_, err := arb.Claim(context.Background(), "missing", "t1")
	if !errors.Is(err, classreq.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaim_TransientStoreErrorSurfaces(t *testing.T) {
	store := newFakeStore(open("c1"))
	boom := errors.New("connection reset")
	store.assignErr = boom
	arb := New(store, &fakeScheduler{}, zap.NewNop(), 4)

	_, err := arb.Claim(context.Background(), "c1", "t1")
	if !errors.Is(err, boom) {
		t.Fatalf("expected transient error surfaced, got %v", err)
	}

	// Caller retries once the store recovers; the claim still resolves
	// normally, never silently treated as a win.
	store.assignErr = nil
	out, err := arb.Claim(context.Background(), "c1", "t1")
	if err != nil || !out.Won {
		t.Fatalf("expected retry to win, got %+v err=%v", out, err)
	}
}

func TestClaim_MaterializeFailureKeepsWin(t *testing.T) {
	store := newFakeStore(open("c1"))
	sched := &fakeScheduler{err: errors.New("db unavailable")}
	arb := New(store, sched, zap.NewNop(), 4)

	out, err := arb.Claim(context.Background(), "c1", "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !out.Won {
		t.Fatalf("expected win despite materialize failure, got %+v", out)
	}
}
