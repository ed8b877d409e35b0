package models

import (
	"time"
)

// Message представляет сообщение в чате обмена
type Message struct {
	ID         string    `json:"id" bson:"_id"`
	ProposalID string    `json:"proposalId" bson:"proposalId"`
	SenderID   string    `json:"senderId" bson:"senderId"`
	Text       string    `json:"text" bson:"text"`
	CreatedAt  time.Time `json:"createdAt" bson:"createdAt"`
}

// DailyMetrics - суточный срез по предложениям обмена
type DailyMetrics struct {
	Day              string         `json:"day" bson:"_id"` // 2006-01-02, UTC
	ProposalsCreated int            `json:"proposalsCreated" bson:"proposalsCreated"`
	ByStatus         map[string]int `json:"byStatus" bson:"byStatus"`
	CreatedAt        time.Time      `json:"createdAt" bson:"createdAt"`
}
