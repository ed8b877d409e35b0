package models

import (
	"time"
)

// SwapStatus - статус предложения обмена
type SwapStatus string

const (
	SwapPending   SwapStatus = "pending"
	SwapAccepted  SwapStatus = "accepted"
	SwapDeclined  SwapStatus = "declined"
	SwapCompleted SwapStatus = "completed"
	SwapReported  SwapStatus = "reported"
	SwapCancelled SwapStatus = "cancelled"
	SwapExpired   SwapStatus = "expired"
)

// IsActive - незавершённые статусы, которые держат пару книг
func (s SwapStatus) IsActive() bool {
	return s == SwapPending || s == SwapAccepted
}

// Valid проверяет, что статус известен
func (s SwapStatus) Valid() bool {
	switch s {
	case SwapPending, SwapAccepted, SwapDeclined, SwapCompleted, SwapReported, SwapCancelled, SwapExpired:
		return true
	}
	return false
}

// ActiveStatuses - статусы, для которых действует эксклюзивность пары книг
var ActiveStatuses = []SwapStatus{SwapPending, SwapAccepted}

// Role - роль пользователя в обмене
type Role string

const (
	RoleNone Role = ""
	RoleFrom Role = "from"
	RoleTo   Role = "to"
)

// SwapProposal представляет предложение обмена книги на книгу
type SwapProposal struct {
	ID            string `json:"id" bson:"_id"`
	From          string `json:"from" bson:"from"`
	To            string `json:"to" bson:"to"`
	OfferedBook   string `json:"offeredBook" bson:"offeredBook"`
	RequestedBook string `json:"requestedBook" bson:"requestedBook"`

	FromAccepted bool       `json:"fromAccepted" bson:"fromAccepted"`
	ToAccepted   bool       `json:"toAccepted" bson:"toAccepted"`
	Status       SwapStatus `json:"status" bson:"status"`
	FromMessage  string     `json:"fromMessage" bson:"fromMessage"`
	ToMessage    string     `json:"toMessage" bson:"toMessage"`

	FromCompleted bool `json:"fromCompleted" bson:"fromCompleted"`
	ToCompleted   bool `json:"toCompleted" bson:"toCompleted"`
	FromArchived  bool `json:"fromArchived" bson:"fromArchived"`
	ToArchived    bool `json:"toArchived" bson:"toArchived"`

	CreatedAt   time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt" bson:"updatedAt"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty" bson:"acceptedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty" bson:"completedAt"`
	ReportedAt  *time.Time `json:"reportedAt,omitempty" bson:"reportedAt"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty" bson:"cancelledAt"`
	ExpiredAt   *time.Time `json:"expiredAt,omitempty" bson:"expiredAt"`
}

// RoleOf возвращает роль пользователя в обмене
func (p *SwapProposal) RoleOf(userID string) Role {
	switch userID {
	case "":
		return RoleNone
	case p.From:
		return RoleFrom
	case p.To:
		return RoleTo
	}
	return RoleNone
}

// IsParticipant сообщает, участвует ли пользователь в обмене
func (p *SwapProposal) IsParticipant(userID string) bool {
	return p.RoleOf(userID) != RoleNone
}

// Counterparty возвращает второго участника
func (p *SwapProposal) Counterparty(userID string) string {
	switch p.RoleOf(userID) {
	case RoleFrom:
		return p.To
	case RoleTo:
		return p.From
	}
	return ""
}

// Books возвращает обе книги обмена
func (p *SwapProposal) Books() []string {
	return []string{p.OfferedBook, p.RequestedBook}
}

// IsArchivedFor сообщает, скрыл ли пользователь обмен у себя
func (p *SwapProposal) IsArchivedFor(userID string) bool {
	switch p.RoleOf(userID) {
	case RoleFrom:
		return p.FromArchived
	case RoleTo:
		return p.ToArchived
	}
	return false
}

// PairKey - ключ неупорядоченной пары книг
func PairKey(bookA, bookB string) string {
	if bookB < bookA {
		bookA, bookB = bookB, bookA
	}
	return bookA + ":" + bookB
}

// PairKey - ключ пары книг этого обмена
func (p *SwapProposal) PairKey() string {
	return PairKey(p.OfferedBook, p.RequestedBook)
}

// Clone возвращает копию без общих указателей
func (p *SwapProposal) Clone() *SwapProposal {
	out := *p
	out.AcceptedAt = cloneTime(p.AcceptedAt)
	out.CompletedAt = cloneTime(p.CompletedAt)
	out.ReportedAt = cloneTime(p.ReportedAt)
	out.CancelledAt = cloneTime(p.CancelledAt)
	out.ExpiredAt = cloneTime(p.ExpiredAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
