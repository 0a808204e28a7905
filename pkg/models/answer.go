package models

import "time"

// AnswerRecord is one answered (or denied) request in the answer log.
type AnswerRecord struct {
	ID           int64     `json:"id"`
	RequestID    string    `json:"request_id"`
	SessionID    string    `json:"session_id,omitempty"`
	ArticleID    string    `json:"article_id,omitempty"`
	Query        string    `json:"query"`
	Response     string    `json:"response,omitempty"`
	Source       Source    `json:"source"`
	Model        string    `json:"model,omitempty"`
	Similarity   float64   `json:"similarity,omitempty"`
	TotalTokens  int       `json:"total_tokens"`
	LatencyMs    int64     `json:"latency_ms"`
	DeniedReason string    `json:"denied_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// DailyStats rolls up one day of the answer log.
type DailyStats struct {
	Day          string  `json:"day"`
	TotalQueries int64   `json:"total_queries"`
	TotalTokens  int64   `json:"total_tokens"`
	ExactHits    int64   `json:"exact_hits"`
	SemanticHits int64   `json:"semantic_hits"`
	LiveCalls    int64   `json:"live_calls"`
	Denials      int64   `json:"denials"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// CacheHitRate returns the share of queries served from either cache tier.
func (d DailyStats) CacheHitRate() float64 {
	if d.TotalQueries == 0 {
		return 0
	}
	return float64(d.ExactHits+d.SemanticHits) / float64(d.TotalQueries)
}

// ConversationTurn is a query and its answer within a session.
type ConversationTurn struct {
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	Source    Source    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Session groups related requests into a conversation.
type Session struct {
	ID           string    `json:"id"`
	ClientKey    string    `json:"client_key,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	RequestCount int       `json:"request_count"`
	TotalTokens  int       `json:"total_tokens"`
}
