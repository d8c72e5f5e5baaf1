package domain

import "errors"

var (
	// ErrTransport covers unreachable hosts and timeouts.
	ErrTransport = errors.New("backend unreachable")
	// ErrAuth means the bearer credential was rejected or has expired.
	ErrAuth = errors.New("authentication required")
	// ErrConflict means another driver already took the offer.
	ErrConflict = errors.New("offer already taken")
	// ErrGone means the backend expired the offer.
	ErrGone = errors.New("offer expired")
	// ErrNotFound means the backend does not know the offer.
	ErrNotFound = errors.New("offer not found")
	// ErrValidation marks a malformed offer payload.
	ErrValidation = errors.New("invalid offer payload")
	// ErrBackend is any other non-2xx answer.
	ErrBackend = errors.New("backend error")
	// ErrManagerStopped is returned by calls made after Run has returned.
	ErrManagerStopped = errors.New("offer manager stopped")
)

// NoticeFor turns an accept failure into the message shown to the driver.
func NoticeFor(offerID string, err error) Notice {
	n := Notice{Level: NoticeWarning, OfferID: offerID, Err: err}
	switch {
	case errors.Is(err, ErrConflict):
		n.Message = "This ride was already accepted by another driver."
	case errors.Is(err, ErrGone):
		n.Message = "This ride request has expired."
	case errors.Is(err, ErrNotFound):
		n.Message = "This ride request is no longer available."
	case errors.Is(err, ErrAuth):
		n.Level = NoticeError
		n.Message = "Your session has expired. Please log in again."
	case errors.Is(err, ErrTransport):
		n.Message = "Network problem. Check your connection."
	default:
		n.Level = NoticeError
		n.Message = "Could not accept this ride. Please try another one."
	}
	return n
}
