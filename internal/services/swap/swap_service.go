// Package swap реализует жизненный цикл предложения обмена книгами:
// предложение, ответ, двухфазное завершение, архив, жалобу и отмену.
//
// Все переходы - условные записи по текущему статусу предложения. Книги
// обмена обновляются отдельными записями через Coupler; атомарности между
// двумя книгами нет, расхождения выравниваются повторными вызовами и обходом
// обслуживания.
package swap

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rajivgeraev/bookswap-api/internal/models"
	"github.com/rajivgeraev/bookswap-api/internal/notify"
	"github.com/rajivgeraev/bookswap-api/internal/services/reporting"
	"github.com/rajivgeraev/bookswap-api/internal/store"
)

// Decision - ответ получателя
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

// Reporter засчитывает жалобу на участника обмена
type Reporter interface {
	RecordReport(ctx context.Context, userID string) (reporting.ReportOutcome, error)
}

// ProposeInput - параметры нового предложения. To можно не указывать:
// тогда получателем считается владелец запрошенной книги.
type ProposeInput struct {
	From          string `json:"-" validate:"required"`
	To            string `json:"to"`
	OfferedBook   string `json:"offeredBook" validate:"required"`
	RequestedBook string `json:"requestedBook" validate:"required"`
	Message       string `json:"message" validate:"max=1000"`
}

// Service - машина состояний обменов
type Service struct {
	store    *store.Store
	coupler  *Coupler
	reporter Reporter
	notifier notify.Dispatcher
	validate *validator.Validate
	log      *zap.Logger
	now      func() time.Time
}

// Option настраивает Service
type Option func(*Service)

// WithNotifier задаёт диспетчер уведомлений
func WithNotifier(d notify.Dispatcher) Option {
	return func(s *Service) { s.notifier = d }
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService создаёт Service
func NewService(st *store.Store, reporter Reporter, log *zap.Logger, opts ...Option) *Service {
	log = log.Named("swap")
	s := &Service{
		store:    st,
		coupler:  NewCoupler(st.Books, log),
		reporter: reporter,
		notifier: notify.Nop{},
		validate: validator.New(),
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Coupler возвращает связку статусов книг
func (s *Service) Coupler() *Coupler {
	return s.coupler
}

// Propose создаёт предложение в статусе pending
func (s *Service) Propose(ctx context.Context, in ProposeInput) (*models.SwapProposal, error) {
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			return nil, missing(fields...)
		}
		return nil, missing()
	}
	if in.OfferedBook == in.RequestedBook {
		return nil, ErrBookUnavailable
	}

	offered, err := s.availableBook(ctx, in.OfferedBook)
	if err != nil {
		return nil, err
	}
	requested, err := s.availableBook(ctx, in.RequestedBook)
	if err != nil {
		return nil, err
	}

	if in.To == "" {
		in.To = requested.UserID
	}
	// чужая книга в предложении недоступна этому отправителю
	if in.From == in.To || offered.UserID != in.From || requested.UserID != in.To {
		return nil, ErrBookUnavailable
	}

	if _, err := s.store.Proposals.FindActiveByPair(ctx, in.OfferedBook, in.RequestedBook); err == nil {
		return nil, ErrDuplicateProposal
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	p := &models.SwapProposal{
		ID:            uuid.NewString(),
		From:          in.From,
		To:            in.To,
		OfferedBook:   in.OfferedBook,
		RequestedBook: in.RequestedBook,
		FromAccepted:  true,
		Status:        models.SwapPending,
		FromMessage:   in.Message,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Proposals.Create(ctx, p); err != nil {
		return nil, fromStore(err, ErrDuplicateProposal)
	}

	s.log.Info("предложение создано", zap.String("proposal_id", p.ID),
		zap.String("from", p.From), zap.String("to", p.To))
	s.notify(ctx, p, notify.EventSwapProposed, p.To)
	return p, nil
}

func (s *Service) availableBook(ctx context.Context, id string) (*models.Book, error) {
	b, err := s.store.Books.FindByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrBookUnavailable
	}
	if err != nil {
		return nil, err
	}
	if !b.IsAvailable() {
		return nil, ErrBookUnavailable
	}
	return b, nil
}

// Respond принимает или отклоняет предложение от имени получателя
func (s *Service) Respond(ctx context.Context, id, actor string, decision Decision, message string) (*models.SwapProposal, error) {
	if decision != DecisionAccept && decision != DecisionDecline {
		return nil, missing("decision")
	}
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.RoleOf(actor) != models.RoleTo {
		return nil, ErrForbidden
	}
	if p.Status != models.SwapPending {
		return nil, ErrAlreadyResolved
	}

	if decision == DecisionDecline {
		return s.decline(ctx, p, message)
	}
	return s.accept(ctx, p, message)
}

func (s *Service) decline(ctx context.Context, p *models.SwapProposal, message string) (*models.SwapProposal, error) {
	status := models.SwapDeclined
	patch := store.ProposalPatch{Status: &status, UpdatedAt: s.now()}
	if message != "" {
		patch.ToMessage = &message
	}
	updated, err := s.store.Proposals.Update(ctx, p.ID, store.InStatus(models.SwapPending), patch)
	if err != nil {
		return nil, fromStore(err, ErrAlreadyResolved)
	}
	s.notify(ctx, updated, notify.EventSwapDeclined, updated.From)
	return updated, nil
}

// accept выполняется так: условный перевод в accepted, захват обеих книг
// условной записью available -> booked, отклонение конкурирующих
// pending-предложений. Если книгу уже захватил другой принятый обмен,
// захваченное возвращается, а предложение переводится в declined.
func (s *Service) accept(ctx context.Context, p *models.SwapProposal, message string) (*models.SwapProposal, error) {
	for _, bookID := range p.Books() {
		if _, err := s.availableBook(ctx, bookID); err != nil {
			// книги мог забронировать встречный ответ на это же предложение
			if cur, lerr := s.load(ctx, p.ID); lerr == nil && cur.Status != models.SwapPending {
				return nil, ErrAlreadyResolved
			}
			return nil, err
		}
	}

	now := s.now()
	status := models.SwapAccepted
	yes := true
	patch := store.ProposalPatch{Status: &status, ToAccepted: &yes, AcceptedAt: &now, UpdatedAt: now}
	if message != "" {
		patch.ToMessage = &message
	}
	updated, err := s.store.Proposals.Update(ctx, p.ID, store.InStatus(models.SwapPending), patch)
	if err != nil {
		return nil, fromStore(err, ErrAlreadyResolved)
	}

	claimed, err := s.claimBooks(ctx, updated)
	if err != nil {
		s.abandonAccept(ctx, updated, claimed)
		return nil, err
	}
	s.reconcile(ctx, updated.ID, models.SwapAccepted)
	s.DeclineCompeting(ctx, updated)

	s.notify(ctx, updated, notify.EventSwapAccepted, updated.From)
	return updated, nil
}

// claimBooks бронирует книги принятого обмена. Возвращает уже
// забронированные книги даже при ошибке.
func (s *Service) claimBooks(ctx context.Context, p *models.SwapProposal) ([]string, error) {
	tr, _ := BookTransitionFor(models.SwapPending, models.SwapAccepted)
	var claimed []string
	for _, bookID := range p.Books() {
		ok, err := s.coupler.ApplyBook(ctx, bookID, tr)
		if err != nil {
			return claimed, err
		}
		if !ok {
			return claimed, ErrBookUnavailable
		}
		claimed = append(claimed, bookID)
	}
	return claimed, nil
}

// abandonAccept возвращает захваченные книги и закрывает проигравшее
// предложение: книга уже занята другим обменом
func (s *Service) abandonAccept(ctx context.Context, p *models.SwapProposal, claimed []string) {
	release, _ := BookTransitionFor(models.SwapAccepted, models.SwapDeclined)
	for _, bookID := range claimed {
		if _, err := s.coupler.ApplyBook(ctx, bookID, release); err != nil {
			s.log.Error("не удалось вернуть книгу", zap.String("proposal_id", p.ID),
				zap.String("book_id", bookID), zap.Error(err))
		}
	}

	status := models.SwapDeclined
	declined, err := s.store.Proposals.Update(ctx, p.ID, store.InStatus(models.SwapAccepted),
		store.ProposalPatch{Status: &status, UpdatedAt: s.now()})
	if err != nil {
		s.log.Warn("не удалось закрыть предложение без книг", zap.String("proposal_id", p.ID), zap.Error(err))
		s.reconcile(ctx, p.ID, models.SwapAccepted)
		return
	}
	s.log.Info("книга занята другим обменом, предложение отклонено", zap.String("proposal_id", p.ID))
	s.notifyWith(ctx, declined, notify.EventSwapDeclined,
		map[string]any{"reason": "book_committed"}, declined.From, declined.To)
}

// reconcile приводит книги к текущему статусу обмена, если тот успел уйти
// из prev, пока книги менялись
func (s *Service) reconcile(ctx context.Context, id string, prev models.SwapStatus) {
	cur, err := s.store.Proposals.FindByID(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("не удалось перечитать предложение", zap.String("proposal_id", id), zap.Error(err))
		}
		return
	}
	if cur.Status == prev {
		return
	}
	if _, err := s.coupler.Apply(ctx, cur, prev, cur.Status); err != nil {
		s.log.Warn("не удалось согласовать книги", zap.String("proposal_id", id),
			zap.String("status", string(cur.Status)), zap.Error(err))
	}
}

// DeclineCompeting отклоняет все прочие pending-предложения, в которых
// участвует любая из книг принятого обмена. Возвращает число отклонённых.
func (s *Service) DeclineCompeting(ctx context.Context, accepted *models.SwapProposal) int {
	seen := map[string]bool{accepted.ID: true}
	declined := 0
	status := models.SwapDeclined

	for _, bookID := range accepted.Books() {
		pending, err := s.store.Proposals.ListPendingByBook(ctx, bookID)
		if err != nil {
			s.log.Warn("не удалось найти конкурирующие предложения",
				zap.String("proposal_id", accepted.ID), zap.String("book_id", bookID), zap.Error(err))
			continue
		}
		for i := range pending {
			q := &pending[i]
			if seen[q.ID] {
				continue
			}
			seen[q.ID] = true

			updated, err := s.store.Proposals.Update(ctx, q.ID, store.InStatus(models.SwapPending),
				store.ProposalPatch{Status: &status, UpdatedAt: s.now()})
			if errors.Is(err, store.ErrPrecondition) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				s.log.Warn("не удалось отклонить конкурирующее предложение",
					zap.String("proposal_id", q.ID), zap.Error(err))
				continue
			}
			declined++
			s.notifyWith(ctx, updated, notify.EventSwapDeclined,
				map[string]any{"reason": "book_committed", "acceptedProposalId": accepted.ID}, updated.From)
		}
	}
	if declined > 0 {
		s.log.Info("конкурирующие предложения отклонены",
			zap.String("proposal_id", accepted.ID), zap.Int("count", declined))
	}
	return declined
}

// MarkCompleted отмечает подтверждение участника. Статус меняется на
// completed только когда подтвердили оба; передачу владения выполняет тот
// вызов, чья условная запись перевела обмен в completed.
func (s *Service) MarkCompleted(ctx context.Context, id, actor string) (*models.SwapProposal, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	role := p.RoleOf(actor)
	if role == models.RoleNone {
		return nil, ErrForbidden
	}
	if p.Status != models.SwapAccepted {
		return nil, ErrInvalidState
	}

	if !completedBy(p, role) {
		yes := true
		patch := store.ProposalPatch{UpdatedAt: s.now()}
		if role == models.RoleFrom {
			patch.FromCompleted = &yes
		} else {
			patch.ToCompleted = &yes
		}
		p, err = s.store.Proposals.Update(ctx, id, store.InStatus(models.SwapAccepted), patch)
		if err != nil {
			return nil, fromStore(err, ErrInvalidState)
		}
	}

	if !p.FromCompleted || !p.ToCompleted {
		return p, nil
	}
	return s.finishCompletion(ctx, p)
}

func completedBy(p *models.SwapProposal, role models.Role) bool {
	if role == models.RoleFrom {
		return p.FromCompleted
	}
	return p.ToCompleted
}

func (s *Service) finishCompletion(ctx context.Context, p *models.SwapProposal) (*models.SwapProposal, error) {
	now := s.now()
	status := models.SwapCompleted
	yes := true
	guard := store.Guard{
		Statuses:      []models.SwapStatus{models.SwapAccepted},
		FromCompleted: &yes,
		ToCompleted:   &yes,
	}
	done, err := s.store.Proposals.Update(ctx, p.ID, guard,
		store.ProposalPatch{Status: &status, CompletedAt: &now, UpdatedAt: now})
	if errors.Is(err, store.ErrPrecondition) {
		// завершение уже выполнил встречный вызов
		return s.load(ctx, p.ID)
	}
	if err != nil {
		return nil, fromStore(err, ErrInvalidState)
	}

	if _, err := s.coupler.Apply(ctx, done, models.SwapAccepted, models.SwapCompleted); err != nil {
		s.log.Error("ошибка передачи книг", zap.String("proposal_id", done.ID), zap.Error(err))
	}
	s.log.Info("обмен завершён", zap.String("proposal_id", done.ID))
	s.notify(ctx, done, notify.EventSwapCompleted, done.From, done.To)
	return done, nil
}

// Archive скрывает или возвращает завершённый обмен у одного участника
func (s *Service) Archive(ctx context.Context, id, actor string, archived bool) (*models.SwapProposal, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	role := p.RoleOf(actor)
	if role == models.RoleNone {
		return nil, ErrForbidden
	}
	if p.Status != models.SwapCompleted {
		return nil, ErrInvalidState
	}

	patch := store.ProposalPatch{UpdatedAt: s.now()}
	if role == models.RoleFrom {
		patch.FromArchived = &archived
	} else {
		patch.ToArchived = &archived
	}
	updated, err := s.store.Proposals.Update(ctx, id, store.InStatus(models.SwapCompleted), patch)
	if err != nil {
		return nil, fromStore(err, ErrInvalidState)
	}
	return updated, nil
}

// Report переводит принятый обмен в reported, отправляет книги в reported
// и засчитывает жалобу второму участнику
func (s *Service) Report(ctx context.Context, id, actor string) (*models.SwapProposal, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsParticipant(actor) {
		return nil, ErrForbidden
	}
	if p.Status != models.SwapAccepted {
		return nil, ErrInvalidState
	}

	now := s.now()
	status := models.SwapReported
	updated, err := s.store.Proposals.Update(ctx, id, store.InStatus(models.SwapAccepted),
		store.ProposalPatch{Status: &status, ReportedAt: &now, UpdatedAt: now})
	if err != nil {
		return nil, fromStore(err, ErrInvalidState)
	}

	if _, err := s.coupler.Apply(ctx, updated, models.SwapAccepted, models.SwapReported); err != nil {
		s.log.Warn("не удалось перевести книги в reported", zap.String("proposal_id", id), zap.Error(err))
	}

	offender := updated.Counterparty(actor)
	outcome, err := s.reporter.RecordReport(ctx, offender)
	if err != nil {
		s.log.Error("не удалось учесть жалобу", zap.String("proposal_id", id),
			zap.String("user_id", offender), zap.Error(err))
	} else {
		s.log.Info("жалоба учтена", zap.String("proposal_id", id), zap.String("user_id", offender),
			zap.Int("reported_count", outcome.ReportedCount), zap.Bool("flagged", outcome.Flagged))
	}

	s.notifyWith(ctx, updated, notify.EventSwapReported, map[string]any{"reportedBy": actor}, updated.From, updated.To)
	return updated, nil
}

// Cancel отзывает pending-предложение; доступно только отправителю
func (s *Service) Cancel(ctx context.Context, id, actor string) (*models.SwapProposal, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.RoleOf(actor) != models.RoleFrom {
		return nil, ErrForbidden
	}
	if p.Status != models.SwapPending {
		return nil, ErrInvalidState
	}

	now := s.now()
	status := models.SwapCancelled
	updated, err := s.store.Proposals.Update(ctx, id, store.InStatus(models.SwapPending),
		store.ProposalPatch{Status: &status, CancelledAt: &now, UpdatedAt: now})
	if err != nil {
		return nil, fromStore(err, ErrInvalidState)
	}
	s.notify(ctx, updated, notify.EventSwapCancelled, updated.To)
	return updated, nil
}

// Get возвращает предложение участнику
func (s *Service) Get(ctx context.Context, id, actor string) (*models.SwapProposal, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsParticipant(actor) {
		return nil, ErrForbidden
	}
	return p, nil
}

// List возвращает обмены пользователя
func (s *Service) List(ctx context.Context, f store.ProposalFilter) ([]models.SwapProposal, error) {
	if f.UserID == "" {
		return nil, missing("user")
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, ErrInvalidState
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 100
	}
	return s.store.Proposals.List(ctx, f)
}

func (s *Service) load(ctx context.Context, id string) (*models.SwapProposal, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	p, err := s.store.Proposals.FindByID(ctx, id)
	if err != nil {
		return nil, fromStore(err, ErrInvalidState)
	}
	return p, nil
}

func (s *Service) notify(ctx context.Context, p *models.SwapProposal, kind string, recipients ...string) {
	s.notifyWith(ctx, p, kind, nil, recipients...)
}

func (s *Service) notifyWith(ctx context.Context, p *models.SwapProposal, kind string, data map[string]any, recipients ...string) {
	n := notify.New(kind, s.now(), recipients...)
	n.ProposalID = p.ID
	n.Status = string(p.Status)
	n.Data = data
	if err := s.notifier.Dispatch(ctx, n); err != nil {
		s.log.Warn("не удалось отправить уведомление",
			zap.String("proposal_id", p.ID), zap.String("type", kind), zap.Error(err))
	}
}
