package sessions

import "sync/atomic"

// Stats считает сбои, которые иначе терялись бы в фоновых задачах.
type Stats struct {
	deliveryFailures    atomic.Int64
	persistenceFailures atomic.Int64
	authFailures        atomic.Int64
	disconnects         atomic.Int64
	launchFailures      atomic.Int64
}

// StatsSnapshot содержит значения счётчиков на момент запроса.
type StatsSnapshot struct {
	DeliveryFailures    int64 `json:"delivery_failures"`
	PersistenceFailures int64 `json:"persistence_failures"`
	AuthFailures        int64 `json:"auth_failures"`
	Disconnects         int64 `json:"disconnects"`
	LaunchFailures      int64 `json:"launch_failures"`
}

// RecordDeliveryFailure подходит как обработчик webhook.Relay.OnFailure.
func (s *Stats) RecordDeliveryFailure(string, error) {
	s.deliveryFailures.Add(1)
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		DeliveryFailures:    s.deliveryFailures.Load(),
		PersistenceFailures: s.persistenceFailures.Load(),
		AuthFailures:        s.authFailures.Load(),
		Disconnects:         s.disconnects.Load(),
		LaunchFailures:      s.launchFailures.Load(),
	}
}
