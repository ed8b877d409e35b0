package models

import (
	"time"
)

// User представляет пользователя в части, важной для обменов и модерации
type User struct {
	ID         string `json:"id" bson:"_id"`
	TelegramID int64  `json:"telegramId,omitempty" bson:"telegramId,omitempty"`
	Username   string `json:"username,omitempty" bson:"username,omitempty"`
	FirstName  string `json:"firstName,omitempty" bson:"firstName,omitempty"`
	LastName   string `json:"lastName,omitempty" bson:"lastName,omitempty"`
	AvatarURL  string `json:"avatarUrl,omitempty" bson:"avatarUrl,omitempty"`

	// Модерация
	ReportedCount int        `json:"reportedCount" bson:"reportedCount"`
	IsFlagged     bool       `json:"isFlagged" bson:"isFlagged"`
	FlaggedUntil  *time.Time `json:"flaggedUntil,omitempty" bson:"flaggedUntil"`

	// Непрочитанные сообщения по обменам
	UnreadCounts UnreadCounters `json:"unreadCounts,omitempty" bson:"unreadCounts,omitempty"`

	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// IsSuspended сообщает, действует ли блокировка пользователя на момент now
func (u *User) IsSuspended(now time.Time) bool {
	return u.IsFlagged && u.FlaggedUntil != nil && now.Before(*u.FlaggedUntil)
}

// CanRecover сообщает, истекло ли окно блокировки и можно ли снять флаг
func (u *User) CanRecover(now time.Time) bool {
	return u.IsFlagged && u.FlaggedUntil != nil && !u.FlaggedUntil.After(now)
}

// UnreadCounters - счётчики непрочитанных сообщений по ID обмена
type UnreadCounters map[string]int

// Increment увеличивает счётчик обмена и возвращает новое значение
func (c *UnreadCounters) Increment(proposalID string) int {
	if *c == nil {
		*c = make(UnreadCounters)
	}
	(*c)[proposalID]++
	return (*c)[proposalID]
}

// Reset обнуляет счётчик, оставляя запись
func (c UnreadCounters) Reset(proposalID string) {
	if _, ok := c[proposalID]; ok {
		c[proposalID] = 0
	}
}

// Delete удаляет запись обмена
func (c UnreadCounters) Delete(proposalID string) {
	delete(c, proposalID)
}

// Get возвращает значение счётчика
func (c UnreadCounters) Get(proposalID string) int {
	return c[proposalID]
}

// Total возвращает сумму по всем обменам
func (c UnreadCounters) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// Clone возвращает независимую копию
func (c UnreadCounters) Clone() UnreadCounters {
	if c == nil {
		return nil
	}
	out := make(UnreadCounters, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
