package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/noah-isme/crm-realtime-api/internal/models"
	"github.com/noah-isme/crm-realtime-api/internal/repository"
)

const getOrCreateAttempts = 3

// Actor is an authenticated user with the permission set resolved for one request or event.
type Actor struct {
	User        models.User
	Permissions PermissionSet
}

// ID returns the actor's user id.
func (a Actor) ID() uint { return a.User.ID }

// OrganizationID returns the actor's tenant.
func (a Actor) OrganizationID() uint { return a.User.OrganizationID }

// MembershipService decides who may read from and write to which conversation or group.
type MembershipService interface {
	ResolveActor(ctx context.Context, userID uint) (Actor, error)
	AuthorizeDirect(ctx context.Context, actor Actor, conversationID uint) (models.Conversation, error)
	AuthorizeGroup(ctx context.Context, actor Actor, groupID uint) (models.GroupChat, models.GroupParticipant, error)
	GetOrCreateDirect(ctx context.Context, actor Actor, peerID uint) (models.Conversation, bool, error)
	Contacts(ctx context.Context, actor Actor) ([]models.User, error)
	OrganizationMembers(ctx context.Context, actor Actor, userIDs []uint) ([]models.User, error)
}

type membershipService struct {
	users         repository.UserRepository
	conversations repository.ConversationRepository
	groups        repository.GroupRepository
	logger        zerolog.Logger
}

// NewMembershipService constructs the membership resolver.
func NewMembershipService(users repository.UserRepository, conversations repository.ConversationRepository, groups repository.GroupRepository, logger zerolog.Logger) MembershipService {
	return &membershipService{
		users:         users,
		conversations: conversations,
		groups:        groups,
		logger:        logger.With().Str("component", "membership_service").Logger(),
	}
}

func (s *membershipService) ResolveActor(ctx context.Context, userID uint) (Actor, error) {
	if userID == 0 {
		return Actor{}, unauthenticated("authentication required")
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if KindOf(storeError(err, "user")) == KindNotFound {
			return Actor{}, ErrInactiveUser
		}
		return Actor{}, storeError(err, "user")
	}
	if !user.IsActive {
		return Actor{}, ErrInactiveUser
	}

	return Actor{User: user, Permissions: PermissionsForRole(user.Role)}, nil
}

func (s *membershipService) AuthorizeDirect(ctx context.Context, actor Actor, conversationID uint) (models.Conversation, error) {
	conversation, err := s.conversations.FindByID(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, storeError(err, "conversation")
	}
	if conversation.OrganizationID != actor.OrganizationID() || !conversation.HasParticipant(actor.ID()) {
		return models.Conversation{}, ErrNotParticipant
	}
	return conversation, nil
}

func (s *membershipService) AuthorizeGroup(ctx context.Context, actor Actor, groupID uint) (models.GroupChat, models.GroupParticipant, error) {
	group, err := s.groups.FindByID(ctx, groupID)
	if err != nil {
		return models.GroupChat{}, models.GroupParticipant{}, storeError(err, "group")
	}
	if group.OrganizationID != actor.OrganizationID() {
		return models.GroupChat{}, models.GroupParticipant{}, forbidden("not a member of this group", "")
	}

	for _, participant := range group.Participants {
		if participant.UserID == actor.ID() && participant.Active() {
			return group, participant, nil
		}
	}
	return models.GroupChat{}, models.GroupParticipant{}, forbidden("not a member of this group", "")
}

// GetOrCreateDirect returns the active conversation between actor and peer, creating it on first
// contact. A concurrent creator winning the unique pair key is resolved by looking the pair up again.
func (s *membershipService) GetOrCreateDirect(ctx context.Context, actor Actor, peerID uint) (models.Conversation, bool, error) {
	if peerID == 0 || peerID == actor.ID() {
		return models.Conversation{}, false, invalid("cannot open a conversation with yourself")
	}

	peer, err := s.users.FindByID(ctx, peerID)
	if err != nil {
		return models.Conversation{}, false, storeError(err, "user")
	}
	if !peer.IsActive || peer.OrganizationID != actor.OrganizationID() {
		return models.Conversation{}, false, notFound("user")
	}

	existing, err := s.conversations.FindActiveByPair(ctx, actor.OrganizationID(), actor.ID(), peerID)
	if err == nil {
		return existing, false, nil
	}
	if KindOf(storeError(err, "conversation")) != KindNotFound {
		return models.Conversation{}, false, storeError(err, "conversation")
	}
	if ok, required := CanConverse(actor.Permissions, actor.User.Role, peer.Role); !ok {
		return models.Conversation{}, false, forbidden("you are not allowed to message this user", required)
	}

	var lastErr error
	for attempt := 0; attempt < getOrCreateAttempts; attempt++ {
		existing, err := s.conversations.FindActiveByPair(ctx, actor.OrganizationID(), actor.ID(), peerID)
		if err == nil {
			return existing, false, nil
		}
		if KindOf(storeError(err, "conversation")) != KindNotFound {
			return models.Conversation{}, false, storeError(err, "conversation")
		}

		conversation := models.Conversation{
			OrganizationID:    actor.OrganizationID(),
			ParticipantLowID:  actor.ID(),
			ParticipantHighID: peerID,
		}
		err = s.conversations.Create(ctx, &conversation)
		if err == nil {
			created, err := s.conversations.FindByID(ctx, conversation.ID)
			if err != nil {
				return models.Conversation{}, false, storeError(err, "conversation")
			}
			return created, true, nil
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			return models.Conversation{}, false, storeError(err, "conversation")
		}

		lastErr = err
		s.logger.Debug().
			Uint("user_id", actor.ID()).
			Uint("peer_id", peerID).
			Int("attempt", attempt+1).
			Msg("conversation created concurrently, retrying lookup")
	}

	return models.Conversation{}, false, &Error{Kind: KindConflict, Message: "conversation could not be resolved", Err: lastErr}
}

// Contacts lists same-organization active users the actor may converse with.
func (s *membershipService) Contacts(ctx context.Context, actor Actor) ([]models.User, error) {
	users, err := s.users.ListByOrganization(ctx, actor.OrganizationID())
	if err != nil {
		return nil, storeError(err, "contacts")
	}

	contacts := make([]models.User, 0, len(users))
	for _, user := range users {
		if user.ID == actor.ID() {
			continue
		}
		if ok, _ := CanConverse(actor.Permissions, actor.User.Role, user.Role); ok {
			contacts = append(contacts, user)
		}
	}
	return contacts, nil
}

// OrganizationMembers loads the given users and fails unless every one is an active member of the actor's organization.
func (s *membershipService) OrganizationMembers(ctx context.Context, actor Actor, userIDs []uint) ([]models.User, error) {
	unique := make([]uint, 0, len(userIDs))
	seen := make(map[uint]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, ok := seen[id]; ok || id == 0 {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	users, err := s.users.FindByIDs(ctx, unique)
	if err != nil {
		return nil, storeError(err, "users")
	}
	if len(users) != len(unique) {
		return nil, invalid("one or more users do not exist")
	}
	for _, user := range users {
		if !user.IsActive || user.OrganizationID != actor.OrganizationID() {
			return nil, invalid("all participants must be active members of your organization")
		}
	}
	return users, nil
}
