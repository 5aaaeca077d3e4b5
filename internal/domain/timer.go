package domain

type TimerStatus string

const (
	TimerRunning TimerStatus = "running"
	TimerEnded   TimerStatus = "ended"
)

// ActiveTimer is the library-wide countdown. A nil *ActiveTimer means no
// timer exists.
type ActiveTimer struct {
	ID        string      `json:"id"`
	Label     string      `json:"label"`
	EndTime   int64       `json:"end_time"`
	Duration  int         `json:"duration"`
	Status    TimerStatus `json:"status"`
	StartedBy string      `json:"started_by"`
}

func (t *ActiveTimer) Clone() *ActiveTimer {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (t *ActiveTimer) IsRunning() bool {
	return t != nil && t.Status == TimerRunning
}

// RemainingMillis is clamped at zero.
func (t *ActiveTimer) RemainingMillis(nowMillis int64) int64 {
	if t == nil || t.EndTime <= nowMillis {
		return 0
	}
	return t.EndTime - nowMillis
}
