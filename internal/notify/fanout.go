package notify

import "github.com/jetci/EMS-sub006/internal/models"

// Sink matches the arbiter's Notifier contract.
type Sink interface {
	Publish(ev models.TransitionEvent)
}

// Fanout forwards each event to every configured sink in order.
// Sinks are independent; one failing sink never affects the others.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Fanout{sinks: kept}
}

func (f *Fanout) Publish(ev models.TransitionEvent) {
	for _, s := range f.sinks {
		s.Publish(ev)
	}
}
