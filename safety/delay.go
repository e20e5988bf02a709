package safety

import "time"

// Delayer pauses between lock retries. Tests supply a fake to keep retry
// paths fast and to count backoffs.
type Delayer interface {
	Delay(d time.Duration)
}

type sleepDelayer struct{}

func (sleepDelayer) Delay(d time.Duration) {
	time.Sleep(d)
}

// SleepDelayer returns the production Delayer backed by time.Sleep.
func SleepDelayer() Delayer {
	return sleepDelayer{}
}
