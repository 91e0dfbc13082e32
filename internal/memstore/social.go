package memstore

import (
	"context"
	"sort"
	"time"

	"circle-service/internal/models"
	"circle-service/internal/repositories"
)

// Friends implements repositories.FriendRepository.
type Friends struct{ s *Store }

var _ repositories.FriendRepository = (*Friends)(nil)

func (f *Friends) IsFriend(ctx context.Context, uid, otherUID string) (bool, error) {
	if err := f.s.lock(ctx); err != nil {
		return false, err
	}
	defer f.s.mu.Unlock()
	_, ok := f.s.edges[pair{uid, otherUID}]
	return ok, nil
}

func (f *Friends) ListFriendIDs(ctx context.Context, uid string) ([]string, error) {
	if err := f.s.lock(ctx); err != nil {
		return nil, err
	}
	defer f.s.mu.Unlock()
	var edges []models.FriendEdge
	for key, at := range f.s.edges {
		if key[0] == uid {
			edges = append(edges, models.FriendEdge{OwnerUID: key[0], FriendUID: key[1], CreatedAt: at})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].CreatedAt.Equal(edges[j].CreatedAt) {
			return edges[i].FriendUID < edges[j].FriendUID
		}
		return edges[i].CreatedAt.Before(edges[j].CreatedAt)
	})
	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.FriendUID)
	}
	return ids, nil
}

func (f *Friends) CreateRequest(ctx context.Context, req models.FriendRequest) (bool, error) {
	if err := f.s.lock(ctx); err != nil {
		return false, err
	}
	defer f.s.mu.Unlock()
	if _, ok := f.s.edges[pair{req.FromUID, req.ToUID}]; ok {
		return false, repositories.ErrAlreadyFriends
	}
	if _, ok := f.s.requests[pair{req.ToUID, req.FromUID}]; ok {
		return false, repositories.ErrRequestExists
	}
	key := pair{req.FromUID, req.ToUID}
	if _, ok := f.s.requests[key]; ok {
		return false, nil
	}
	f.s.requests[key] = req
	return true, nil
}

func (f *Friends) ListIncoming(ctx context.Context, uid string) ([]models.FriendRequest, error) {
	return f.listRequests(ctx, func(r models.FriendRequest) bool { return r.ToUID == uid })
}

func (f *Friends) ListOutgoing(ctx context.Context, uid string) ([]models.FriendRequest, error) {
	return f.listRequests(ctx, func(r models.FriendRequest) bool { return r.FromUID == uid })
}

func (f *Friends) listRequests(ctx context.Context, match func(models.FriendRequest) bool) ([]models.FriendRequest, error) {
	if err := f.s.lock(ctx); err != nil {
		return nil, err
	}
	defer f.s.mu.Unlock()
	var out []models.FriendRequest
	for _, r := range f.s.requests {
		if match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].FromUID+out[i].ToUID < out[j].FromUID+out[j].ToUID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (f *Friends) AcceptRequest(ctx context.Context, fromUID, toUID string, at time.Time) (repositories.AcceptResult, error) {
	if err := f.s.lock(ctx); err != nil {
		return repositories.AcceptResult{}, err
	}
	defer f.s.mu.Unlock()
	key := pair{fromUID, toUID}
	if _, ok := f.s.requests[key]; !ok {
		return repositories.AcceptResult{}, nil
	}
	delete(f.s.requests, key)
	delete(f.s.requests, pair{toUID, fromUID})
	if _, ok := f.s.edges[pair{toUID, fromUID}]; !ok {
		f.s.edges[pair{toUID, fromUID}] = at
	}
	if _, ok := f.s.edges[key]; !ok {
		f.s.edges[key] = at
	}
	promoted := f.s.setChatStateLocked(models.DeriveChatID(fromUID, toUID), false, nil)
	return repositories.AcceptResult{Accepted: true, ChatPromoted: promoted}, nil
}

func (f *Friends) RejectRequest(ctx context.Context, fromUID, toUID string) (bool, error) {
	if err := f.s.lock(ctx); err != nil {
		return false, err
	}
	defer f.s.mu.Unlock()
	key := pair{fromUID, toUID}
	if _, ok := f.s.requests[key]; !ok {
		return false, nil
	}
	delete(f.s.requests, key)
	return true, nil
}

func (f *Friends) RemoveFriend(ctx context.Context, uid, otherUID string, expireAt time.Time) (repositories.RemoveResult, error) {
	if err := f.s.lock(ctx); err != nil {
		return repositories.RemoveResult{}, err
	}
	defer f.s.mu.Unlock()
	_, forward := f.s.edges[pair{uid, otherUID}]
	_, backward := f.s.edges[pair{otherUID, uid}]
	if !forward && !backward {
		return repositories.RemoveResult{}, nil
	}
	delete(f.s.edges, pair{uid, otherUID})
	delete(f.s.edges, pair{otherUID, uid})
	demoted := f.s.setChatStateLocked(models.DeriveChatID(uid, otherUID), true, &expireAt)
	return repositories.RemoveResult{Removed: true, ChatDemoted: demoted}, nil
}
