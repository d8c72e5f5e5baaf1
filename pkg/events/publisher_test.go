package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/example/hotride/internal/offer/domain"
)

type stubConn struct {
	failures int
	msgs     []*nats.Msg
}

func (s *stubConn) PublishMsg(msg *nats.Msg) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("nats: connection closed")
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func event() domain.ResolutionEvent {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return domain.ResolutionEvent{
		Type:      domain.EventOfferAccepted,
		OfferID:   "o1",
		Status:    domain.StatusAccepted,
		ExpiresAt: at.Add(30 * time.Second),
		At:        at,
	}
}

func TestPublishWritesEvent(t *testing.T) {
	conn := &stubConn{}
	p := newPublisher(conn, nil, Config{})
	require.NoError(t, p.Publish(context.Background(), event()))

	require.Len(t, conn.msgs, 1)
	msg := conn.msgs[0]
	require.Equal(t, DefaultSubject, msg.Subject)
	require.Equal(t, string(domain.EventOfferAccepted), msg.Header.Get("x-event-type"))
	require.Equal(t, "o1", msg.Header.Get("x-offer-id"))

	var decoded domain.ResolutionEvent
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.Equal(t, event(), decoded)
}

func TestPublishRetriesThenGivesUp(t *testing.T) {
	conn := &stubConn{failures: 2}
	p := newPublisher(conn, nil, Config{Subject: "test.offers", RetryMax: 3, Backoff: time.Millisecond})
	require.NoError(t, p.Publish(context.Background(), event()))
	require.Len(t, conn.msgs, 1)

	conn.failures = 5
	err := p.Publish(context.Background(), event())
	require.Error(t, err)
	require.Len(t, conn.msgs, 1)
}

func TestNilConnectionDropsEvents(t *testing.T) {
	p := NewPublisher(nil, nil, Config{})
	require.NoError(t, p.Publish(context.Background(), event()))
}
