package models

import (
	"time"
)

// BookStatus - статус книги в каталоге обменов
type BookStatus string

const (
	BookAvailable BookStatus = "available"
	BookBooked    BookStatus = "booked"
	BookSwapped   BookStatus = "swapped"
	BookReported  BookStatus = "reported"
	BookDeleted   BookStatus = "deleted"
)

// Book представляет книгу, выставленную пользователем для обмена
type Book struct {
	ID        string     `json:"id" bson:"_id"`
	UserID    string     `json:"user" bson:"user"`           // текущий владелец, меняется при обмене
	CreatedBy string     `json:"createdBy" bson:"createdBy"` // исходный владелец, не меняется
	Title     string     `json:"title" bson:"title"`
	Author    string     `json:"author,omitempty" bson:"author,omitempty"`
	Status    BookStatus `json:"status" bson:"status"`
	CreatedAt time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt" bson:"updatedAt"`
}

// IsAvailable сообщает, можно ли предлагать книгу для обмена
func (b *Book) IsAvailable() bool {
	return b.Status == BookAvailable
}
