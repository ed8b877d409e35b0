package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/notify"
	"github.com/rajivgeraev/bookswap-api/internal/services/swap"
	"github.com/rajivgeraev/bookswap-api/internal/store"
)

const (
	pageSize   = 50
	maxTextLen = 2000
)

var (
	// ErrChatClosed - переписка по обмену в этом статусе недоступна
	ErrChatClosed = errors.New("чат обмена недоступен в текущем статусе")
	// ErrMessageTooLong - текст длиннее maxTextLen символов
	ErrMessageTooLong = errors.New("сообщение слишком длинное")
)

// ChatService - сообщения внутри обмена и счётчики непрочитанного.
// Писать можно только участникам принятого или завершённого обмена.
type ChatService struct {
	proposals store.ProposalRepository
	messages  store.MessageRepository
	users     store.UserRepository
	notifier  notify.Dispatcher
	log       *zap.Logger
	now       func() time.Time
}

// Option настраивает ChatService
type Option func(*ChatService)

// WithNotifier задаёт диспетчер уведомлений
func WithNotifier(d notify.Dispatcher) Option {
	return func(s *ChatService) { s.notifier = d }
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(s *ChatService) { s.now = now }
}

// NewChatService создает новый экземпляр ChatService
func NewChatService(st *store.Store, log *zap.Logger, opts ...Option) *ChatService {
	s := &ChatService{
		proposals: st.Proposals,
		messages:  st.Messages,
		users:     st.Users,
		notifier:  notify.Nop{},
		log:       log.Named("chat"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func chatOpen(status models.SwapStatus) bool {
	return status == models.SwapAccepted || status == models.SwapCompleted
}

// authorize проверяет участие пользователя; open - требовать открытый чат
func (s *ChatService) authorize(ctx context.Context, proposalID, userID string, open bool) (*models.SwapProposal, error) {
	p, err := s.proposals.FindByID(ctx, proposalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, swap.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !p.IsParticipant(userID) {
		return nil, swap.ErrForbidden
	}
	if open && !chatOpen(p.Status) {
		return nil, ErrChatClosed
	}
	return p, nil
}

// SendMessage сохраняет сообщение и увеличивает счётчик непрочитанного у собеседника
func (s *ChatService) SendMessage(ctx context.Context, proposalID, senderID, text string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, swap.ErrMissingField
	}
	if utf8.RuneCountInString(text) > maxTextLen {
		return nil, ErrMessageTooLong
	}
	p, err := s.authorize(ctx, proposalID, senderID, true)
	if err != nil {
		return nil, err
	}

	m := &models.Message{
		ID:         uuid.NewString(),
		ProposalID: p.ID,
		SenderID:   senderID,
		Text:       text,
		CreatedAt:  s.now(),
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return nil, err
	}

	recipient := p.Counterparty(senderID)
	if err := s.users.IncrementUnread(ctx, recipient, p.ID); err != nil {
		s.log.Warn("не удалось обновить счётчик непрочитанного",
			zap.String("user_id", recipient), zap.String("proposal_id", p.ID), zap.Error(err))
	}

	n := notify.New(notify.EventMessageCreated, m.CreatedAt, recipient)
	n.ProposalID = p.ID
	n.Status = string(p.Status)
	n.Data = map[string]any{"messageId": m.ID, "senderId": senderID}
	if err := s.notifier.Dispatch(ctx, n); err != nil {
		s.log.Warn("не удалось отправить уведомление", zap.String("proposal_id", p.ID), zap.Error(err))
	}
	return m, nil
}

// ListMessages возвращает последние сообщения (новые первыми) и обнуляет
// счётчик непрочитанного у читающего. Историю можно читать и после закрытия чата.
func (s *ChatService) ListMessages(ctx context.Context, proposalID, userID string) ([]models.Message, error) {
	p, err := s.authorize(ctx, proposalID, userID, false)
	if err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListByProposal(ctx, p.ID, pageSize)
	if err != nil {
		return nil, err
	}
	if err := s.users.ResetUnread(ctx, userID, p.ID); err != nil {
		s.log.Warn("не удалось обнулить счётчик", zap.String("user_id", userID), zap.Error(err))
	}
	return msgs, nil
}

// Unread возвращает счётчики непрочитанного пользователя по обменам
func (s *ChatService) Unread(ctx context.Context, userID string) (models.UnreadCounters, error) {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.UnreadCounts == nil {
		return models.UnreadCounters{}, nil
	}
	return u.UnreadCounts, nil
}
