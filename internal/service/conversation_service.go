package service

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/symphire/counterpoint/internal/apperror"
	"github.com/symphire/counterpoint/internal/dto"
	"github.com/symphire/counterpoint/internal/models"
	"github.com/symphire/counterpoint/internal/repository"
)

// ConversationService serves a user's conversation list.
type ConversationService interface {
	// Recent pages the user's conversations that have messages, most recent
	// activity first, each named after its group or the other user.
	Recent(ctx context.Context, query dto.RecentConversationsQuery) ([]dto.RecentConversation, error)
}

type conversationService struct {
	conversations repository.ConversationRepository
	groups        repository.GroupRepository
	validator     *validator.Validate
	logger        zerolog.Logger
	tracer        trace.Tracer
}

// NewConversationService constructs the conversation listing service.
func NewConversationService(conversations repository.ConversationRepository, groups repository.GroupRepository, validate *validator.Validate, logger zerolog.Logger) ConversationService {
	return &conversationService{
		conversations: conversations,
		groups:        groups,
		validator:     validate,
		logger:        logger.With().Str("component", "conversation_service").Logger(),
		tracer:        otel.Tracer("github.com/symphire/counterpoint/internal/service/conversation"),
	}
}

func (s *conversationService) Recent(ctx context.Context, query dto.RecentConversationsQuery) ([]dto.RecentConversation, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.recent")
	defer span.End()

	if err := s.validator.Struct(query); err != nil {
		return nil, apperror.Wrap(apperror.KindInvalid, "invalid conversation listing", err)
	}

	rows, err := s.conversations.ListRecentForUser(ctx, query.UserID, pageCursor(query.After), query.Limit)
	if err != nil {
		return nil, apperror.FromStore(err, "failed to list conversations")
	}
	span.SetAttributes(attribute.Int("conversations", len(rows)))
	if len(rows) == 0 {
		return []dto.RecentConversation{}, nil
	}

	var groupIDs, directIDs []uuid.UUID
	for _, row := range rows {
		if row.Kind == models.ConversationGroup {
			groupIDs = append(groupIDs, row.ID)
		} else {
			directIDs = append(directIDs, row.ID)
		}
	}

	groups, err := s.groups.ListByConversations(ctx, groupIDs)
	if err != nil {
		return nil, apperror.FromStore(err, "failed to load groups")
	}
	groupByConversation := make(map[uuid.UUID]models.ChatGroup, len(groups))
	for _, group := range groups {
		groupByConversation[group.ConversationID] = group
	}

	peers, err := s.conversations.ListPeers(ctx, directIDs, query.UserID)
	if err != nil {
		return nil, apperror.FromStore(err, "failed to load conversation peers")
	}
	peerByConversation := make(map[uuid.UUID]repository.PeerRow, len(peers))
	for _, peer := range peers {
		if _, seen := peerByConversation[peer.ConversationID]; !seen {
			peerByConversation[peer.ConversationID] = peer
		}
	}

	out := make([]dto.RecentConversation, 0, len(rows))
	for _, row := range rows {
		entry := dto.RecentConversation{
			ConversationID:    row.ID,
			Kind:              row.Kind,
			LastMessageOffset: row.LastMessageOffset,
			LastMessageAt:     row.LastMessageAt,
			Unread:            row.LastMessageOffset - row.LastReadOffset,
		}
		if entry.Unread < 0 {
			entry.Unread = 0
		}

		switch row.Kind {
		case models.ConversationGroup:
			group, ok := groupByConversation[row.ID]
			if !ok {
				return nil, apperror.Internal("group conversation " + row.ID.String() + " has no group record")
			}
			groupID := group.ID
			entry.GroupID = &groupID
			entry.Name = group.Name
		default:
			peer, ok := peerByConversation[row.ID]
			if !ok {
				return nil, apperror.Internal("direct conversation " + row.ID.String() + " has no other member")
			}
			otherID := peer.UserID
			entry.OtherUserID = &otherID
			entry.Name = peer.Username
		}
		out = append(out, entry)
	}
	return out, nil
}
