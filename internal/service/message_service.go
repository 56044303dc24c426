package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/symphire/counterpoint/internal/apperror"
	"github.com/symphire/counterpoint/internal/dto"
	"github.com/symphire/counterpoint/internal/models"
	"github.com/symphire/counterpoint/internal/observability"
	"github.com/symphire/counterpoint/internal/repository"
)

// MessageService appends messages and serves conversation history.
type MessageService interface {
	// Send commits a message at the next offset of its conversation together
	// with its chat.message.new outbox event.
	Send(ctx context.Context, req dto.SendMessageRequest) (dto.SendMessageResult, error)
	History(ctx context.Context, query dto.HistoryQuery) ([]models.Message, error)
	// MarkRead advances the read cursor and returns its resulting value.
	MarkRead(ctx context.Context, req dto.MarkReadRequest) (int64, error)
}

type messageService struct {
	tx            repository.TxManager
	messages      repository.MessageRepository
	conversations repository.ConversationRepository
	outbox        repository.OutboxRepository
	permissions   PermissionService
	validator     *validator.Validate
	sanitizer     *bluemonday.Policy
	logger        zerolog.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

// NewMessageService constructs the message write path.
func NewMessageService(
	tx repository.TxManager,
	messages repository.MessageRepository,
	conversations repository.ConversationRepository,
	outbox repository.OutboxRepository,
	permissions PermissionService,
	validate *validator.Validate,
	logger zerolog.Logger,
) MessageService {
	return &messageService{
		tx:            tx,
		messages:      messages,
		conversations: conversations,
		outbox:        outbox,
		permissions:   permissions,
		validator:     validate,
		sanitizer:     bluemonday.UGCPolicy(),
		logger:        logger.With().Str("component", "message_service").Logger(),
		tracer:        otel.Tracer("github.com/symphire/counterpoint/internal/service/message"),
		now:           utcNow,
	}
}

func (s *messageService) Send(ctx context.Context, req dto.SendMessageRequest) (dto.SendMessageResult, error) {
	ctx, span := s.tracer.Start(ctx, "message.send", trace.WithAttributes(
		attribute.String("conversation_id", req.ConversationID.String()),
	))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return dto.SendMessageResult{}, apperror.Wrap(apperror.KindInvalid, "invalid message", err)
	}

	content := strings.TrimSpace(s.sanitizer.Sanitize(req.Content))
	if content == "" {
		return dto.SendMessageResult{}, apperror.Invalid("message content is empty")
	}
	if utf8.RuneCountInString(content) > dto.MaxMessageLength {
		return dto.SendMessageResult{}, apperror.Invalid("message content is too long")
	}

	var result dto.SendMessageResult
	err := s.tx.WithinTx(ctx, func(tx *gorm.DB) error {
		conversations := s.conversations.WithTx(tx)

		if err := s.requireMember(ctx, conversations, req.ConversationID, req.SenderID); err != nil {
			return err
		}
		if err := s.permissions.AuthorizeTx(ctx, tx, req.ConversationID, req.SenderID, models.PermMessageSend); err != nil {
			return err
		}

		messages := s.messages.WithTx(tx)
		offset, err := messages.AllocateOffset(ctx, req.ConversationID)
		if err != nil {
			return err
		}

		now := s.now()
		message := models.Message{
			ConversationID: req.ConversationID,
			Offset:         offset,
			MessageID:      ulid.Make().String(),
			SenderID:       req.SenderID,
			Content:        content,
			CreatedAt:      now,
		}
		if err := messages.Insert(ctx, &message); err != nil {
			return err
		}

		if err := conversations.AdvanceLastMessage(ctx, req.ConversationID, offset, now); err != nil {
			return err
		}

		memberIDs, err := conversations.ListMemberIDs(ctx, req.ConversationID)
		if err != nil {
			return err
		}

		event, err := dto.NewOutboxEvent(dto.EventMessageNew, req.ConversationID.String(), excludeID(memberIDs, req.SenderID), dto.MessageNewData{
			ConversationID: req.ConversationID.String(),
			Offset:         offset,
			MessageID:      message.MessageID,
			SenderID:       req.SenderID.String(),
			Content:        content,
			CreatedAt:      now,
		}, now)
		if err != nil {
			return apperror.Wrap(apperror.KindInternal, "failed to build message event", err)
		}
		if err := s.outbox.Enqueue(ctx, tx, event); err != nil {
			return err
		}

		result = dto.SendMessageResult{Offset: offset, MessageID: message.MessageID, CreatedAt: now}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return dto.SendMessageResult{}, apperror.FromStore(err, "failed to send message")
	}

	observability.MessagesAppended().Inc()
	observability.OutboxEnqueued().WithLabelValues(dto.EventMessageNew).Inc()

	s.logger.Debug().
		Str("conversation_id", req.ConversationID.String()).
		Int64("offset", result.Offset).
		Str("message_id", result.MessageID).
		Msg("message appended")

	return result, nil
}

func (s *messageService) History(ctx context.Context, query dto.HistoryQuery) ([]models.Message, error) {
	ctx, span := s.tracer.Start(ctx, "message.history")
	defer span.End()

	if err := s.validator.Struct(query); err != nil {
		return nil, apperror.Wrap(apperror.KindInvalid, "invalid history query", err)
	}

	if err := s.requireMember(ctx, s.conversations, query.ConversationID, query.UserID); err != nil {
		return nil, err
	}

	messages, err := s.messages.ListBefore(ctx, query.ConversationID, query.Before, query.Limit)
	if err != nil {
		return nil, apperror.FromStore(err, "failed to load history")
	}
	return messages, nil
}

func (s *messageService) MarkRead(ctx context.Context, req dto.MarkReadRequest) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "message.mark_read")
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return 0, apperror.Wrap(apperror.KindInvalid, "invalid read marker", err)
	}

	var cursor int64
	err := s.tx.WithinTx(ctx, func(tx *gorm.DB) error {
		conversations := s.conversations.WithTx(tx)

		conversation, err := conversations.Get(ctx, req.ConversationID)
		if err != nil {
			return apperror.FromStore(err, "conversation not found")
		}

		member, err := conversations.GetMember(ctx, req.ConversationID, req.UserID)
		if err != nil {
			if repository.IsNotFound(err) {
				return apperror.Forbidden("user is not a member of the conversation")
			}
			return err
		}

		target := req.Offset
		if target > conversation.LastMessageOffset {
			target = conversation.LastMessageOffset
		}

		cursor = member.LastReadOffset
		if target <= cursor {
			return nil
		}

		advanced, err := conversations.AdvanceReadOffset(ctx, req.ConversationID, req.UserID, target)
		if err != nil {
			return err
		}
		if advanced {
			cursor = target
		}
		return nil
	})
	if err != nil {
		return 0, apperror.FromStore(err, "failed to mark read")
	}
	return cursor, nil
}

func (s *messageService) requireMember(ctx context.Context, conversations repository.ConversationRepository, conversationID, userID uuid.UUID) error {
	if _, err := conversations.Get(ctx, conversationID); err != nil {
		return apperror.FromStore(err, "conversation not found")
	}

	member, err := conversations.IsMember(ctx, conversationID, userID)
	if err != nil {
		return apperror.FromStore(err, "failed to check membership")
	}
	if !member {
		return apperror.Forbidden("user is not a member of the conversation")
	}
	return nil
}

func excludeID(ids []uuid.UUID, skip uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}
