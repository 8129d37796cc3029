package heartbeat

import (
	"time"

	"github.com/google/uuid"
)

// Identity is the per-loop browser_id sent with every ping
type Identity struct {
	ID              string     `json:"id"`
	PingCount       int64      `json:"ping_count"`
	SuccessfulPings int64      `json:"successful_pings"`
	Score           float64    `json:"score"`
	StartTime       int64      `json:"start_time"`
	LastPingTime    *time.Time `json:"last_ping_time"`
}

func NewIdentity(now time.Time) *Identity {
	return &Identity{
		ID:        uuid.NewString(),
		StartTime: now.Unix(),
	}
}

// Record accounts for one finished ping cycle
func (id *Identity) Record(success bool, at time.Time) {
	id.PingCount++
	if success {
		id.SuccessfulPings++
	}
	id.Score = float64(id.SuccessfulPings) / float64(id.PingCount) * 100
	t := at
	id.LastPingTime = &t
}
