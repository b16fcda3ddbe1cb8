package watch

import (
	"strings"
	"time"
)

// Ticker flips on every scheduler tick event, so a frozen frame means the
// service stopped ticking.
type Ticker struct {
	frames   []string
	index    int
	lastTick time.Time
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick(at time.Time) {
	t.index = (t.index + 1) % len(t.frames)
	t.lastTick = at
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

func (t Ticker) LastTick() time.Time {
	return t.lastTick
}

// Activity lights up on events and fades over ten seconds.
type Activity struct {
	dots      int
	lastEvent time.Time
}

func (a *Activity) OnEvent(at time.Time) {
	a.dots = 5
	a.lastEvent = at
}

// Decay dims one dot for every two seconds of silence.
func (a *Activity) Decay(now time.Time) {
	if a.dots == 0 {
		return
	}
	left := 5 - int(now.Sub(a.lastEvent)/(2*time.Second))
	if left < 0 {
		left = 0
	}
	if left < a.dots {
		a.dots = left
	}
}

func (a Activity) Render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < a.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}

func (a Activity) LastEvent() time.Time {
	return a.lastEvent
}
