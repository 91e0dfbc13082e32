package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"circle-service/internal/clock"
	"circle-service/internal/models"
	"circle-service/internal/observability"
	"circle-service/internal/repositories"
	"circle-service/internal/telemetry"
)

// Outcome reports what a friend graph operation changed. Applied is false
// when the operation found nothing to do.
type Outcome struct {
	Applied      bool `json:"applied"`
	ChatPromoted bool `json:"chat_promoted"`
	ChatDemoted  bool `json:"chat_demoted"`
}

// ProfileList is a hydrated list that may be missing failed batches.
type ProfileList struct {
	Profiles []models.Profile
	Partial  *PartialBatchError
}

// RequestView is a pending request with the sender's profile when it loaded.
type RequestView struct {
	models.FriendRequest
	From *models.Profile `json:"from,omitempty"`
}

type RequestList struct {
	Requests []RequestView
	Partial  *PartialBatchError
}

type FriendService struct {
	friends     repositories.FriendRepository
	profiles    *ProfileLoader
	clock       clock.Clock
	gracePeriod time.Duration
	events      EventEmitter
	logger      zerolog.Logger
}

func NewFriendService(friends repositories.FriendRepository, profiles *ProfileLoader, clk clock.Clock, gracePeriod time.Duration, events EventEmitter) *FriendService {
	return &FriendService{
		friends:     friends,
		profiles:    profiles,
		clock:       clk,
		gracePeriod: gracePeriod,
		events:      emitterOrNoop(events),
		logger:      log.With().Str("component", "friends").Logger(),
	}
}

func validatePair(uid, otherUID string) error {
	if uid == "" || otherUID == "" {
		return invalidf("both user ids are required")
	}
	if !models.ValidUserID(uid) || !models.ValidUserID(otherUID) {
		return invalidf("user ids must not contain %q", models.ChatIDSeparator)
	}
	if uid == otherUID {
		return invalidf("users must differ")
	}
	return nil
}

// SendRequest records a pending request from fromUID to toUID. Sending the
// same request twice is a no-op.
func (s *FriendService) SendRequest(ctx context.Context, fromUID, toUID string) (Outcome, error) {
	if err := validatePair(fromUID, toUID); err != nil {
		return Outcome{}, err
	}
	created, err := s.friends.CreateRequest(ctx, models.FriendRequest{FromUID: fromUID, ToUID: toUID, CreatedAt: s.clock.Now()})
	if err != nil {
		return Outcome{}, err
	}
	if created {
		observability.IncFriendTransition("request")
		s.events.Emit(ctx, telemetry.EventFriendRequestSent, fromUID, friendEvent{FromUID: fromUID, ToUID: toUID})
	}
	return Outcome{Applied: created}, nil
}

// AcceptRequest is called by the recipient meUID for the request sent by
// fromUID. It creates the friendship and makes their chat permanent. A
// request that no longer exists is a no-op.
func (s *FriendService) AcceptRequest(ctx context.Context, meUID, fromUID string) (Outcome, error) {
	if err := validatePair(meUID, fromUID); err != nil {
		return Outcome{}, err
	}
	ctx, span := observability.StartSpan(ctx, "friends.accept", "chat_id", models.DeriveChatID(meUID, fromUID))
	defer span.End()

	res, err := s.friends.AcceptRequest(ctx, fromUID, meUID, s.clock.Now())
	if err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}
	if !res.Accepted {
		return Outcome{}, nil
	}

	observability.IncFriendTransition("accept")
	s.events.Emit(ctx, telemetry.EventFriendRequestAccepted, meUID, friendEvent{FromUID: fromUID, ToUID: meUID})
	if res.ChatPromoted {
		observability.IncChatSession("promoted")
		s.events.Emit(ctx, telemetry.EventChatPromoted, meUID, chatEvent{ChatID: models.DeriveChatID(meUID, fromUID)})
	}
	return Outcome{Applied: true, ChatPromoted: res.ChatPromoted}, nil
}

// RejectRequest drops the request sent by fromUID to meUID.
func (s *FriendService) RejectRequest(ctx context.Context, meUID, fromUID string) (Outcome, error) {
	if err := validatePair(meUID, fromUID); err != nil {
		return Outcome{}, err
	}
	deleted, err := s.friends.RejectRequest(ctx, fromUID, meUID)
	if err != nil {
		return Outcome{}, err
	}
	if deleted {
		observability.IncFriendTransition("reject")
		s.events.Emit(ctx, telemetry.EventFriendRequestRejected, meUID, friendEvent{FromUID: fromUID, ToUID: meUID})
	}
	return Outcome{Applied: deleted}, nil
}

// RemoveFriend ends the friendship. Their chat becomes temporary again and
// expires after the grace period.
func (s *FriendService) RemoveFriend(ctx context.Context, meUID, otherUID string) (Outcome, error) {
	if err := validatePair(meUID, otherUID); err != nil {
		return Outcome{}, err
	}
	ctx, span := observability.StartSpan(ctx, "friends.remove", "chat_id", models.DeriveChatID(meUID, otherUID))
	defer span.End()

	res, err := s.friends.RemoveFriend(ctx, meUID, otherUID, s.clock.Now().Add(s.gracePeriod))
	if err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}
	if !res.Removed {
		return Outcome{}, nil
	}

	observability.IncFriendTransition("remove")
	s.events.Emit(ctx, telemetry.EventFriendRemoved, meUID, friendEvent{FromUID: meUID, ToUID: otherUID})
	if res.ChatDemoted {
		observability.IncChatSession("demoted")
		s.events.Emit(ctx, telemetry.EventChatDemoted, meUID, chatEvent{ChatID: models.DeriveChatID(meUID, otherUID), Temporary: true})
	}
	return Outcome{Applied: true, ChatDemoted: res.ChatDemoted}, nil
}

func (s *FriendService) IsFriend(ctx context.Context, uid, otherUID string) (bool, error) {
	if err := validatePair(uid, otherUID); err != nil {
		return false, err
	}
	return s.friends.IsFriend(ctx, uid, otherUID)
}

// ListFriends returns the profiles of uid's friends, oldest friendship first.
func (s *FriendService) ListFriends(ctx context.Context, uid string) (ProfileList, error) {
	if uid == "" {
		return ProfileList{}, invalidf("uid is required")
	}
	ids, err := s.friends.ListFriendIDs(ctx, uid)
	if err != nil {
		return ProfileList{}, err
	}
	profiles, err := s.profiles.Load(ctx, ids)
	list := ProfileList{Profiles: profiles}
	if err := s.partial(err, &list.Partial); err != nil {
		return ProfileList{}, err
	}
	return list, nil
}

// ListIncomingRequests returns requests addressed to uid with the senders'
// profiles.
func (s *FriendService) ListIncomingRequests(ctx context.Context, uid string) (RequestList, error) {
	if uid == "" {
		return RequestList{}, invalidf("uid is required")
	}
	reqs, err := s.friends.ListIncoming(ctx, uid)
	if err != nil {
		return RequestList{}, err
	}
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.FromUID)
	}
	profiles, err := s.profiles.Load(ctx, ids)
	list := RequestList{Requests: make([]RequestView, 0, len(reqs))}
	if err := s.partial(err, &list.Partial); err != nil {
		return RequestList{}, err
	}

	byID := make(map[string]models.Profile, len(profiles))
	for _, p := range profiles {
		byID[p.UID] = p
	}
	for _, r := range reqs {
		view := RequestView{FriendRequest: r}
		if p, ok := byID[r.FromUID]; ok {
			view.From = &p
		}
		list.Requests = append(list.Requests, view)
	}
	return list, nil
}

func (s *FriendService) ListOutgoingRequests(ctx context.Context, uid string) ([]models.FriendRequest, error) {
	if uid == "" {
		return nil, invalidf("uid is required")
	}
	return s.friends.ListOutgoing(ctx, uid)
}

// partial stores a partial batch failure in dst and returns any other error.
func (s *FriendService) partial(err error, dst **PartialBatchError) error {
	if err == nil {
		return nil
	}
	var pb *PartialBatchError
	if errors.As(err, &pb) && !pb.AllFailed() {
		s.logger.Warn().Err(err).Msg("friend list returned partial profiles")
		*dst = pb
		return nil
	}
	return err
}
