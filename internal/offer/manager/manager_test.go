package manager_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/hotride/internal/auth"
	"github.com/example/hotride/internal/offer/domain"
	"github.com/example/hotride/internal/offer/ledger"
	"github.com/example/hotride/internal/offer/manager"
	"github.com/example/hotride/internal/offer/offertest"
	"github.com/example/hotride/internal/offer/present"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	m       *manager.Manager
	backend *offertest.Backend
	rec     *offertest.Recorder
	clock   *offertest.Clock
	cancel  context.CancelFunc
	done    chan error
}

func start(t *testing.T, backend *offertest.Backend, led domain.ResolutionLedger) *harness {
	t.Helper()
	return startLogged(t, backend, led, zap.NewNop())
}

func startLogged(t *testing.T, backend *offertest.Backend, led domain.ResolutionLedger, logger *zap.Logger) *harness {
	t.Helper()
	rec := &offertest.Recorder{}
	clock := offertest.NewClock(t0)
	collab := manager.Collaborators{Auth: rec, Navigator: rec, Notifier: rec, Events: rec}
	if led != nil {
		collab.Ledger = led
	}
	m := manager.New(backend, collab, clock, logger, manager.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{m: m, backend: backend, rec: rec, clock: clock, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- m.Run(ctx) }()
	_, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
	h.done <- context.Canceled
}

func (h *harness) snapshot(t *testing.T) manager.Snapshot {
	t.Helper()
	snap, err := h.m.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func (h *harness) ids(t *testing.T) []string {
	t.Helper()
	var ids []string
	for _, item := range h.snapshot(t).Offers {
		ids = append(ids, item.Offer.ID)
	}
	return ids
}

func (h *harness) waitIDs(t *testing.T, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := h.ids(t)
		if len(got) != len(want) {
			return false
		}
		for i := range want {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond, "offer set never became %v (last %v)", want, h.ids(t))
}

func (h *harness) online(t *testing.T) {
	t.Helper()
	require.NoError(t, h.m.GoOnline(context.Background()))
}

func (h *harness) eventsFor(id string) []domain.ResolutionEvent {
	var out []domain.ResolutionEvent
	for _, e := range h.rec.EventList() {
		if e.OfferID == id {
			out = append(out, e)
		}
	}
	return out
}

func waitResolution(t *testing.T, out manager.Outcome) domain.Resolution {
	t.Helper()
	require.True(t, out.Applied)
	select {
	case res := <-out.Result:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no resolution delivered")
		return domain.Resolution{}
	}
}

func TestGoOnlineRefreshesImmediately(t *testing.T) {
	backend := offertest.NewBackend(offertest.NewOffer("o1", t0, time.Minute), offertest.NewOffer("o2", t0, time.Minute))
	h := start(t, backend, nil)
	require.False(t, h.snapshot(t).Online)
	require.Zero(t, backend.ListCalls())

	h.online(t)
	h.waitIDs(t, "o1", "o2")
	require.Equal(t, 1, backend.ListCalls())
	require.True(t, h.snapshot(t).Online)

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return backend.ListCalls() == 2 }, time.Second, 5*time.Millisecond)
}

func TestGoOfflineClearsOffersAndStopsPolling(t *testing.T) {
	backend := offertest.NewBackend(offertest.NewOffer("o1", t0, time.Minute), offertest.NewOffer("o2", t0, time.Minute))
	h := start(t, backend, nil)
	h.online(t)
	h.waitIDs(t, "o1", "o2")
	require.Equal(t, 2, h.clock.Tickers())

	require.NoError(t, h.m.GoOffline(context.Background()))
	snap := h.snapshot(t)
	require.False(t, snap.Online)
	require.Empty(t, snap.Offers)
	require.Equal(t, 1, h.clock.Tickers(), "only the countdown ticker should remain")

	calls := backend.ListCalls()
	h.clock.Advance(20 * time.Second)
	require.Equal(t, calls, backend.ListCalls())

	require.Eventually(t, func() bool {
		return len(h.eventsFor("o1")) == 1 && len(h.eventsFor("o2")) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, domain.StatusCleared, h.eventsFor("o1")[0].Status)
	require.Zero(t, backend.AcceptCalls("o1"))

	h.online(t)
	h.waitIDs(t, "o1", "o2")
	require.Equal(t, calls+1, backend.ListCalls())
}

func TestOfferExpiresAfterCountdown(t *testing.T) {
	backend := offertest.NewBackend(offertest.NewOffer("o1", t0, 30*time.Second))
	h := start(t, backend, nil)
	h.online(t)
	h.waitIDs(t, "o1")

	h.clock.Advance(29 * time.Second)
	snap := h.snapshot(t)
	require.Len(t, snap.Offers, 1)
	require.Equal(t, 1, snap.Offers[0].Remaining)
	require.Len(t, present.List(snap), 1)
	require.Len(t, present.Stack(snap), 1)

	h.clock.Advance(time.Second)
	snap = h.snapshot(t)
	require.Empty(t, snap.Offers)
	require.Empty(t, present.List(snap))
	require.Empty(t, present.Stack(snap))

	require.Eventually(t, func() bool { return len(h.eventsFor("o1")) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, domain.StatusExpired, h.eventsFor("o1")[0].Status)
	require.Zero(t, backend.AcceptCalls("o1"))
}

func TestAcceptRemovesOfferAndStartsRide(t *testing.T) {
	o1 := offertest.NewOffer("o1", t0, time.Minute)
	o2 := offertest.NewOffer("o2", t0, time.Minute)
	backend := offertest.NewBackend(o1, o2)
	h := start(t, backend, nil)
	h.online(t)
	h.waitIDs(t, "o1", "o2")

	out, err := h.m.Accept(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepting, out.Status)
	res := waitResolution(t, out)
	require.Equal(t, domain.StatusAccepted, res.Status)
	require.Equal(t, []string{"o2"}, h.ids(t))
	require.Equal(t, 1, backend.AcceptCalls("o1"))

	require.Eventually(t, func() bool { return len(h.rec.RideList()) == 1 }, time.Second, 5*time.Millisecond)
	ride := h.rec.RideList()[0]
	require.Equal(t, "o1", ride.BookingID)
	require.Equal(t, o1.Passenger.Name, ride.Passenger.Name)
	require.Equal(t, o1.Pickup.Address, ride.Pickup.Address)
	require.Equal(t, o1.Dropoff.Address, ride.Dropoff.Address)
}

func TestSecondDecisionIsNoOp(t *testing.T) {
	release := make(chan struct{})
	backend := offertest.NewBackend(offertest.NewOffer("o1", t0, time.Minute))
	backend.AcceptFn = func(ctx context.Context, id string) (domain.AcceptResult, error) {
		<-release
		return domain.AcceptResult{BookingID: id}, nil
	}
	h := start(t, backend, nil)
	h.online(t)
	h.waitIDs(t, "o1")

	first, err := h.m.Accept(context.Background(), "o1")
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := h.m.Accept(context.Background(), "o1")
	require.NoError(t, err)
	require.False(t, second.Applied)
	require.Equal(t, domain.StatusAccepting, second.Status)
	require.Equal(t, []string{"o1"}, h.snapshot(t).Accepting)

	dismissed, err := h.m.Dismiss(context.Background(), "o1")
	require.NoError(t, err)
	require.False(t, dismissed.Applied)

	close(release)
	require.Equal(t, domain.StatusAccepted, waitResolution(t, first).Status)

	again, err := h.m.Accept(context.Background(), "o1")
	require.NoError(t, err)
	require.False(t, again.Applied)
	require.Equal(t, domain.StatusAccepted, again.Status)
	require.Equal(t, 1, backend.AcceptCalls("o1"))

	unknown, err := h.m.Dismiss(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, unknown.Applied)
}

func TestAcceptRacingExpiryResolvesOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		t.Run(fmt.Sprintf("run-%d", i), func(t *testing.T) {
			backend := offertest.NewBackend(offertest.NewOffer("o1", t0, 3*time.Second))
			h := start(t, backend, nil)
			h.online(t)
			h.waitIDs(t, "o1")
			h.clock.Advance(2 * time.Second)

			advanced := make(chan struct{})
			go func() {
				h.clock.Advance(time.Second)
				close(advanced)
			}()
			_, err := h.m.Accept(context.Background(), "o1")
			require.NoError(t, err)
			<-advanced

			require.Eventually(t, func() bool { return len(h.eventsFor("o1")) == 1 }, time.Second, 5*time.Millisecond)
			require.Never(t, func() bool { return len(h.eventsFor("o1")) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
			switch h.eventsFor("o1")[0].Status {
			case domain.StatusAccepted:
				require.Equal(t, 1, backend.AcceptCalls("o1"))
			case domain.StatusExpired:
				require.Zero(t, backend.AcceptCalls("o1"))
			default:
				t.Fatalf("unexpected status %s", h.eventsFor("o1")[0].Status)
			}
			require.Empty(t, h.snapshot(t).Offers)
		})
	}
}

func TestFetchFailureKeepsOffers(t *testing.T) {
	backend := offertest.NewBackend(offertest.NewOffer("o1", t0, time.Minute), offertest.NewOffer("o2", t0, time.Minute))
	h := start(t, backend, nil)
	h.online(t)
	h.waitIDs(t, "o1", "o2")

	backend.FailList(fmt.Errorf("get booking requests: %w", domain.ErrTransport))
	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		for _, n := range h.rec.NoticeList() {
			if n.Level == domain.NoticeWarning {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"o1", "o2"}, h.ids(t))

	backend.SetOffers(offertest.NewOffer("o3", t0, time.Minute))
	h.clock.Advance(5 * time.Second)
	h.waitIDs(t, "o3")
}

func TestFetchReplacesOfferSet(t *testing.T) {
	backend := offertest.NewBackend(offertest.NewOffer("o1", t0, time.Minute), offertest.NewOffer("o2", t0, time.Minute))
	h := start(t, backend, nil)
	h.online(t)
	h.waitIDs(t, "o1", "o2")

	backend.SetOffers(offertest.NewOffer("o2", t0, time.Minute), offertest.NewOffer("o3", t0, time.Minute))
	h.clock.Advance(5 * time.Second)
	h.waitIDs(t, "o2", "o3")
}

func TestStaleFetchIsDiscarded(t *testing.T) {
	slow := make(chan struct{})
	backend := offertest.NewBackend()
	backend.ListFn = func(ctx context.Context, call int) (domain.Batch, error) {
		switch call {
		case 1:
			return domain.Batch{Offers: []domain.Offer{offertest.NewOffer("a", t0, time.Minute)}}, nil
		case 2:
			<-slow
			return domain.Batch{Offers: []domain.Offer{offertest.NewOffer("b", t0, time.Minute)}}, nil
		default:
			return domain.Batch{Offers: []domain.Offer{offertest.NewOffer("c", t0, time.Minute)}}, nil
		}
	}
	h := start(t, backend, nil)
	h.online(t)
	h.waitIDs(t, "a")

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return backend.ListCalls() == 2 }, time.Second, 5*time.Millisecond)
	h.clock.Advance(5 * time.Second)
	h.waitIDs(t, "c")

	close(slow)
	require.Never(t, func() bool {
		ids := h.ids(t)
		return len(ids) != 1 || ids[0] != "c"
	}, 100*time.Millisecond, 5*time.Millisecond)
}

func TestMalformedOffersDoNotBlockBatch(t *testing.T) {
	backend := offertest.NewBackend()
	backend.ListFn = func(context.Context, int) (domain.Batch, error) {
		return domain.Batch{
			Offers:   []domain.Offer{offertest.NewOffer("ok", t0, time.Minute)},
			Rejected: []error{fmt.Errorf("offer bad: %w", domain.ErrValidation)},
		}, nil
	}
	h := start(t, backend, nil)
	h.online(t)
	h.waitIDs(t, "ok")
}

func TestAcceptFailuresResolveLocally(t *testing.T) {
	cases := []struct {
		err    error
		status domain.Status
	}{
		{domain.ErrConflict, domain.StatusUnavailable},
		{domain.ErrNotFound, domain.StatusUnavailable},
		{domain.ErrGone, domain.StatusExpired},
		{domain.ErrTransport, domain.StatusUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			backend := offertest.NewBackend(offertest.NewOffer("o1", t0, time.Minute), offertest.NewOffer("o2", t0, time.Minute))
			backend.AcceptFn = func(context.Context, string) (domain.AcceptResult, error) {
				return domain.AcceptResult{}, fmt.Errorf("accept booking o1: %w", tc.err)
			}
			h := start(t, backend, nil)
			h.online(t)
			h.waitIDs(t, "o1", "o2")

			out, err := h.m.Accept(context.Background(), "o1")
			require.NoError(t, err)
			res := waitResolution(t, out)
			require.Equal(t, tc.status, res.Status)
			require.ErrorIs(t, res.Reason, tc.err)
			require.Equal(t, []string{"o2"}, h.ids(t))

			want := domain.NoticeFor("o1", res.Reason).Message
			require.Eventually(t, func() bool {
				for _, n := range h.rec.NoticeList() {
					if n.OfferID == "o1" && n.Message == want {
						return true
					}
				}
				return false
			}, time.Second, 5*time.Millisecond)
			require.Empty(t, h.rec.RideList())

			// The next refresh still lists o1 but the instance stays resolved.
			h.clock.Advance(5 * time.Second)
			require.Eventually(t, func() bool { return backend.ListCalls() >= 2 }, time.Second, 5*time.Millisecond)
			require.Never(t, func() bool { return len(h.ids(t)) != 1 }, 50*time.Millisecond, 5*time.Millisecond)
			require.Equal(t, 1, backend.AcceptCalls("o1"))
		})
	}
}

func TestAuthFailureIsForwarded(t *testing.T) {
	backend := offertest.NewBackend()
	backend.FailList(fmt.Errorf("get booking requests: %w", domain.ErrAuth))
	h := start(t, backend, nil)
	h.online(t)
	require.Eventually(t, func() bool { return h.rec.InvalidatedCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, h.ids(t))
}

func TestDismissIsLocalAndReissueIsNewOffer(t *testing.T) {
	original := offertest.NewOffer("o1", t0, time.Minute)
	backend := offertest.NewBackend(original)
	h := start(t, backend, nil)
	h.online(t)
	h.waitIDs(t, "o1")

	out, err := h.m.Dismiss(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusDismissed, waitResolution(t, out).Status)
	require.Empty(t, h.ids(t))
	require.Zero(t, backend.AcceptCalls("o1"))

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return backend.ListCalls() == 2 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return len(h.ids(t)) != 0 }, 50*time.Millisecond, 5*time.Millisecond)

	backend.SetOffers(offertest.NewOffer("o1", t0.Add(5*time.Second), time.Minute))
	h.clock.Advance(5 * time.Second)
	h.waitIDs(t, "o1")
}

func TestLedgerSuppressesResolvedOffersAcrossRestarts(t *testing.T) {
	led := ledger.NewMemory()
	offer := offertest.NewOffer("o1", t0, time.Minute)

	first := start(t, offertest.NewBackend(offer), led)
	first.online(t)
	first.waitIDs(t, "o1")
	out, err := first.m.Dismiss(context.Background(), "o1")
	require.NoError(t, err)
	waitResolution(t, out)
	first.stop()

	second := start(t, offertest.NewBackend(offer, offertest.NewOffer("o2", t0, time.Minute)), led)
	second.online(t)
	second.waitIDs(t, "o2")
}

func TestTeardownReleasesTimers(t *testing.T) {
	backend := offertest.NewBackend(offertest.NewOffer("o1", t0, time.Minute))
	h := start(t, backend, nil)
	h.online(t)
	h.waitIDs(t, "o1")
	require.Equal(t, 2, h.clock.Tickers())

	h.cancel()
	err := <-h.done
	require.ErrorIs(t, err, context.Canceled)
	h.done <- err
	require.Zero(t, h.clock.Tickers())

	_, err = h.m.Accept(context.Background(), "o1")
	require.ErrorIs(t, err, domain.ErrManagerStopped)
}

func TestDecisionOnAcceptingOfferIsRejected(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	release := make(chan struct{})
	backend := offertest.NewBackend(offertest.NewOffer("o1", t0, time.Minute))
	backend.AcceptFn = func(ctx context.Context, id string) (domain.AcceptResult, error) {
		<-release
		return domain.AcceptResult{BookingID: id}, nil
	}
	h := startLogged(t, backend, nil, zap.New(core))
	h.online(t)
	h.waitIDs(t, "o1")

	first, err := h.m.Accept(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepting, first.Status)

	dismissed, err := h.m.Dismiss(context.Background(), "o1")
	require.NoError(t, err)
	require.False(t, dismissed.Applied)
	require.Equal(t, domain.StatusAccepting, dismissed.Status)

	rejected := logs.FilterMessage("offer transition rejected").AllUntimed()
	require.Len(t, rejected, 1)
	fields := rejected[0].ContextMap()
	require.Equal(t, "accepting", fields["from"])
	require.Equal(t, "dismissed", fields["to"])

	close(release)
	require.Equal(t, domain.StatusAccepted, waitResolution(t, first).Status)

	late, err := h.m.Dismiss(context.Background(), "o1")
	require.NoError(t, err)
	require.False(t, late.Applied)
	require.Equal(t, domain.StatusAccepted, late.Status)
	require.Len(t, logs.FilterMessage("offer transition rejected").AllUntimed(), 2)

	require.Eventually(t, func() bool { return len(h.eventsFor("o1")) == 1 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return len(h.eventsFor("o1")) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, domain.StatusAccepted, h.eventsFor("o1")[0].Status)
}

func TestReloginTransportFailureIsOnlyAWarning(t *testing.T) {
	session := auth.NewSession("", func(context.Context) (string, error) {
		return "", fmt.Errorf("login: %w: dial tcp: connection refused", domain.ErrTransport)
	}, nil)
	backend := offertest.NewBackend()
	backend.ListFn = func(ctx context.Context, _ int) (domain.Batch, error) {
		if _, err := session.Token(ctx); err != nil {
			return domain.Batch{}, fmt.Errorf("get booking requests: %w", err)
		}
		return domain.Batch{}, nil
	}
	h := start(t, backend, nil)
	h.online(t)

	require.Eventually(t, func() bool {
		for _, n := range h.rec.NoticeList() {
			if n.Level == domain.NoticeWarning && errors.Is(n.Err, domain.ErrTransport) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return backend.ListCalls() == 2 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return h.rec.InvalidatedCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	for _, n := range h.rec.NoticeList() {
		require.NotEqual(t, domain.NoticeError, n.Level)
	}
}

func TestSupersededFetchFailureIsSilent(t *testing.T) {
	slow := make(chan struct{})
	backend := offertest.NewBackend()
	backend.ListFn = func(ctx context.Context, call int) (domain.Batch, error) {
		switch call {
		case 1:
			return domain.Batch{Offers: []domain.Offer{offertest.NewOffer("a", t0, time.Minute)}}, nil
		case 2:
			<-slow
			return domain.Batch{}, fmt.Errorf("get booking requests: %w", domain.ErrTransport)
		default:
			return domain.Batch{Offers: []domain.Offer{offertest.NewOffer("c", t0, time.Minute)}}, nil
		}
	}
	h := start(t, backend, nil)
	h.online(t)
	h.waitIDs(t, "a")

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return backend.ListCalls() == 2 }, time.Second, 5*time.Millisecond)
	h.clock.Advance(5 * time.Second)
	h.waitIDs(t, "c")

	close(slow)
	require.Never(t, func() bool { return len(h.rec.NoticeList()) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, []string{"c"}, h.ids(t))
}
