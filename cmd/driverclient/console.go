package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/example/hotride/internal/offer/backend"
	"github.com/example/hotride/internal/offer/domain"
	"github.com/example/hotride/internal/offer/manager"
	"github.com/example/hotride/internal/offer/present"
)

var errQuit = errors.New("quit")

type offers interface {
	GoOnline(ctx context.Context) error
	GoOffline(ctx context.Context) error
	Accept(ctx context.Context, id string) (manager.Outcome, error)
	Dismiss(ctx context.Context, id string) (manager.Outcome, error)
	Snapshot(ctx context.Context) (manager.Snapshot, error)
}

type dashboard interface {
	SetOnline(ctx context.Context, online bool) (bool, error)
	Stats(ctx context.Context) (backend.Stats, error)
}

// syncWriter serialises output from the console, the notifier and the navigator.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

type console struct {
	offers    offers
	dashboard dashboard
	out       io.Writer
	view      present.Projection
	logger    *zap.Logger
}

const helpText = `commands:
  online | offline          toggle availability
  list | stack              switch projection and show offers
  accept <id> | dismiss <id>
  swipe <dx> <width>        gesture on the front stack card
  stats                     today's earnings
  quit`

// Run reads commands until input ends, quit is typed or ctx is done. When
// watch is set every snapshot from updates is rendered as it arrives.
func (c *console) Run(ctx context.Context, in io.Reader, updates <-chan manager.Snapshot, watch bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	if !watch {
		updates = nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-updates:
			c.render(snap)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.execute(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

func (c *console) execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "online":
		if _, err := c.dashboard.SetOnline(ctx, true); err != nil {
			return fmt.Errorf("go online: %w", err)
		}
		return c.offers.GoOnline(ctx)
	case "offline":
		if err := c.offers.GoOffline(ctx); err != nil {
			return err
		}
		if _, err := c.dashboard.SetOnline(ctx, false); err != nil {
			return fmt.Errorf("go offline: %w", err)
		}
		return nil
	case "list", "stack":
		c.view = present.Projection(cmd)
		return c.show(ctx)
	case "show", "ls":
		return c.show(ctx)
	case "accept", "dismiss":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <id>", cmd)
		}
		return c.decide(ctx, cmd, args[0])
	case "swipe":
		return c.swipe(ctx, args)
	case "stats":
		stats, err := c.dashboard.Stats(ctx)
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		fmt.Fprintf(c.out, "%s: %d trip(s) today, earned %s, online=%t\n", stats.DriverName, stats.TripsCompleted, stats.TodayEarnings, stats.IsOnline)
		return nil
	case "help", "?":
		fmt.Fprintln(c.out, helpText)
		return nil
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, type help", cmd)
	}
}

func (c *console) decide(ctx context.Context, cmd, id string) error {
	var (
		out manager.Outcome
		err error
	)
	if cmd == "accept" {
		out, err = c.offers.Accept(ctx, id)
	} else {
		out, err = c.offers.Dismiss(ctx, id)
	}
	if err != nil {
		return err
	}
	if !out.Applied {
		if out.Status == "" {
			fmt.Fprintf(c.out, "no pending offer %s\n", id)
		} else {
			fmt.Fprintf(c.out, "offer %s already %s\n", id, out.Status)
		}
		return nil
	}
	if out.Status == domain.StatusAccepting {
		fmt.Fprintf(c.out, "accepting %s...\n", id)
		return nil
	}
	fmt.Fprintf(c.out, "offer %s %s\n", id, out.Status)
	return nil
}

func (c *console) swipe(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: swipe <dx> <width>")
	}
	dx, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("dx: %w", err)
	}
	width, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("width: %w", err)
	}
	snap, err := c.offers.Snapshot(ctx)
	if err != nil {
		return err
	}
	cards := present.Stack(snap)
	if len(cards) == 0 {
		fmt.Fprintln(c.out, "no offers to swipe")
		return nil
	}
	switch present.Swipe(dx, width) {
	case present.DecisionAccept:
		return c.decide(ctx, "accept", cards[0].ID)
	case present.DecisionDismiss:
		return c.decide(ctx, "dismiss", cards[0].ID)
	default:
		fmt.Fprintln(c.out, "card snapped back")
		return nil
	}
}

func (c *console) show(ctx context.Context) error {
	snap, err := c.offers.Snapshot(ctx)
	if err != nil {
		return err
	}
	c.render(snap)
	return nil
}

func (c *console) render(snap manager.Snapshot) {
	if err := present.Render(c.out, snap, c.view); err != nil {
		c.logger.Warn("render offers", zap.Error(err))
	}
}

// consoleNotifier prints notices the way a toast would show them.
type consoleNotifier struct {
	out    io.Writer
	logger *zap.Logger
}

func (n consoleNotifier) Notify(_ context.Context, notice domain.Notice) {
	fmt.Fprintf(n.out, "[%s] %s\n", notice.Level, notice.Message)
	n.logger.Debug("notice", zap.String("level", string(notice.Level)), zap.String("offer_id", notice.OfferID), zap.Error(notice.Err))
}

// consoleNavigator stands in for the ride screen.
type consoleNavigator struct {
	out io.Writer
}

func (n consoleNavigator) StartRide(_ context.Context, ride domain.AcceptedRide) {
	phone := "-"
	if ride.Passenger.Phone != nil {
		phone = *ride.Passenger.Phone
	}
	fmt.Fprintf(n.out, "ride %s started: pick up %s (%s) at %s, drop off at %s, fare %s\n",
		ride.BookingID, ride.Passenger.Name, phone, ride.Pickup.Address, ride.Dropoff.Address, ride.Fare)
}
