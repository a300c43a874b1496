// README: Tracking session lifecycle: enable, token read, revoke.
package tracking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dispatch/internal/logging"
	"dispatch/internal/modules/booking"
	"dispatch/internal/observability"
	"dispatch/internal/types"
)

// DefaultTTL is the read horizon of a tracking token.
const DefaultTTL = 24 * time.Hour

type Bookings interface {
	Get(ctx context.Context, id types.ID) (*booking.Booking, error)
	EnableTracking(ctx context.Context, id types.ID, token string) error
}

type Service struct {
	store    Store
	bookings Bookings
	ttl      time.Duration
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewService(store Store, bookings Bookings, ttl time.Duration, log logrus.FieldLogger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Service{store: store, bookings: bookings, ttl: ttl, log: log, now: time.Now}
}

// Enable issues a new token for the booking and marks its tracking enabled.
// Ownership is checked by the caller.
func (s *Service) Enable(ctx context.Context, bookingID, creatorID types.ID) (Session, error) {
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return Session{}, err
	}
	if b.Status.Terminal() {
		return Session{}, fmt.Errorf("%w: %s", ErrClosed, b.Status)
	}
	token, err := newToken()
	if err != nil {
		return Session{}, err
	}
	now := s.now().UTC()
	sess := Session{
		Token:     token,
		BookingID: b.ID,
		CreatorID: creatorID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return Session{}, err
	}
	if err := s.bookings.EnableTracking(ctx, b.ID, token); err != nil {
		if _, derr := s.store.Delete(ctx, token); derr != nil {
			s.log.WithError(derr).Warn("orphaned tracking session")
		}
		return Session{}, fmt.Errorf("enable tracking: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"booking_id": b.ID,
		"creator_id": creatorID,
		"expires_at": sess.ExpiresAt,
	}).Info("tracking session issued")
	return sess, nil
}

// Read validates the token, counts the access and returns the booking view.
func (s *Service) Read(ctx context.Context, token string) (View, Session, error) {
	sess, err := s.store.Consume(ctx, token, s.now())
	if err != nil {
		observability.TrackingReads.WithLabelValues(readResult(err)).Inc()
		return View{}, Session{}, err
	}
	b, err := s.bookings.Get(ctx, sess.BookingID)
	if err != nil {
		observability.TrackingReads.WithLabelValues("error").Inc()
		return View{}, Session{}, err
	}
	observability.TrackingReads.WithLabelValues("ok").Inc()
	return newView(b, sess), sess, nil
}

// Caller identifies who asks to revoke a session.
type Caller struct {
	ID       types.ID
	Operator bool
}

// Revoke deletes a session of bookingID. The session creator, the booking's
// requester and operators may revoke; a token of another booking is reported
// as not found.
func (s *Service) Revoke(ctx context.Context, bookingID types.ID, token string, caller Caller) error {
	sess, err := s.store.Get(ctx, token)
	if err != nil {
		return err
	}
	if sess.BookingID != bookingID {
		return ErrNotFound
	}
	if !caller.Operator {
		if caller.ID == "" {
			return ErrForbidden
		}
		if caller.ID != sess.CreatorID {
			b, err := s.bookings.Get(ctx, bookingID)
			if err != nil {
				return err
			}
			if caller.ID != b.RequesterID {
				return ErrForbidden
			}
		}
	}

	ok, err := s.store.Delete(ctx, token)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	s.log.WithFields(logrus.Fields{
		"booking_id": bookingID,
		"caller_id":  caller.ID,
	}).Info("tracking session revoked")
	return nil
}

func readResult(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate tracking token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
