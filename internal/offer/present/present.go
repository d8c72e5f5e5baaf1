// Package present arranges a manager snapshot for display. Nothing here
// mutates offer state; switching projection is free.
package present

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/example/hotride/internal/offer/manager"
)

type Projection string

const (
	ListProjection  Projection = "list"
	StackProjection Projection = "stack"
)

const (
	// StackDepth is how many cards the stack materialises.
	StackDepth = 2
	// SwipeThreshold is the fraction of the card width a swipe must travel
	// before it counts as a decision.
	SwipeThreshold = 0.35
)

// Row is the display form of one offer. Fare, Distance, Pickup and Dropoff
// are the backend's strings unchanged.
type Row struct {
	ID        string
	Fare      string
	Distance  string
	Pickup    string
	Dropoff   string
	Passenger string
	Phone     string
	Rating    string
	Duration  string
	Remaining int
	Countdown string
}

// Card is a stack entry. Only the front card takes gestures.
type Card struct {
	Row
	Position int
	Front    bool
}

// List returns one row per unexpired offer, in arrival order.
func List(snap manager.Snapshot) []Row {
	rows := make([]Row, 0, len(snap.Offers))
	for _, item := range snap.Offers {
		if item.Remaining <= 0 {
			continue
		}
		rows = append(rows, rowFor(item))
	}
	return rows
}

// Stack returns the first StackDepth unexpired offers.
func Stack(snap manager.Snapshot) []Card {
	rows := List(snap)
	if len(rows) > StackDepth {
		rows = rows[:StackDepth]
	}
	cards := make([]Card, len(rows))
	for i, row := range rows {
		cards[i] = Card{Row: row, Position: i, Front: i == 0}
	}
	return cards
}

func rowFor(item manager.Item) Row {
	o := item.Offer
	row := Row{
		ID:        o.ID,
		Fare:      o.Fare.String(),
		Distance:  o.Distance.String(),
		Pickup:    o.Pickup.Address,
		Dropoff:   o.Dropoff.Address,
		Passenger: o.Passenger.Name,
		Remaining: item.Remaining,
		Countdown: FormatCountdown(item.Remaining),
	}
	if o.Passenger.Phone != nil {
		row.Phone = *o.Passenger.Phone
	}
	if o.Passenger.Rating != nil {
		row.Rating = strconv.FormatFloat(*o.Passenger.Rating, 'f', 1, 64)
	}
	if o.EstimatedDuration != nil {
		row.Duration = fmt.Sprintf("%d min", *o.EstimatedDuration)
	}
	return row
}

// FormatCountdown renders seconds as m:ss.
func FormatCountdown(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

type Decision int

const (
	DecisionNone Decision = iota
	DecisionAccept
	DecisionDismiss
)

func (d Decision) String() string {
	switch d {
	case DecisionAccept:
		return "accept"
	case DecisionDismiss:
		return "dismiss"
	default:
		return "none"
	}
}

// Swipe maps the final horizontal offset of a gesture to a decision. A swipe
// right past the threshold accepts, left dismisses, anything shorter snaps
// back.
func Swipe(dx, width float64) Decision {
	if width <= 0 {
		return DecisionNone
	}
	limit := width * SwipeThreshold
	switch {
	case dx >= limit:
		return DecisionAccept
	case dx <= -limit:
		return DecisionDismiss
	default:
		return DecisionNone
	}
}

// Render writes the chosen projection as a text table.
func Render(w io.Writer, snap manager.Snapshot, p Projection) error {
	var rows []Row
	front := -1
	if p == StackProjection {
		for _, c := range Stack(snap) {
			rows = append(rows, c.Row)
			if c.Front {
				front = c.Position
			}
		}
	} else {
		rows = List(snap)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	status := "offline"
	if snap.Online {
		status = "online"
	}
	fmt.Fprintf(tw, "%s\t%s\t%d offer(s)\n", status, p, len(List(snap)))
	fmt.Fprintln(tw, "\tID\tFARE\tKM\tPICKUP\tDROPOFF\tPASSENGER\tLEFT")
	for i, r := range rows {
		mark := ""
		if i == front {
			mark = ">"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", mark, r.ID, r.Fare, r.Distance, r.Pickup, r.Dropoff, r.Passenger, r.Countdown)
	}
	for _, id := range snap.Accepting {
		fmt.Fprintf(tw, "*\t%s\taccepting\n", id)
	}
	return tw.Flush()
}
