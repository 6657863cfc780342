package controller

import (
	"time"

	"github.com/Swind/go-idlesync/core"
)

type interrogationStatus int

const (
	statusCompleted interrogationStatus = iota
	statusTimedOut
	statusInterrupted
)

func (s interrogationStatus) String() string {
	switch s {
	case statusCompleted:
		return "completed"
	case statusTimedOut:
		return "timed_out"
	default:
		return "interrupted"
	}
}

// conditionLogInterval is how many dispatches pass between "waiting for" logs.
const conditionLogInterval = 100

// mainThreadInterrogation keeps the looper dispatching until the awaited
// conditions are signalled, the deadline passes, or it is interrupted.
type mainThreadInterrogation struct {
	conditions   ConditionSet
	conditionSet *ConditionSet
	giveUpAt     time.Time
	logger       core.Logger

	status      interrogationStatus
	execCount   int
	lastMessage string
}

func newMainThreadInterrogation(conditions ConditionSet, conditionSet *ConditionSet, giveUpAt time.Time, logger core.Logger) *mainThreadInterrogation {
	return &mainThreadInterrogation{
		conditions:   conditions,
		conditionSet: conditionSet,
		giveUpAt:     giveUpAt,
		logger:       logger,
	}
}

func (i *mainThreadInterrogation) SetLastMessage(m *core.Message) { i.lastMessage = m.String() }

// Quitting ends the wait as if interrupted.
func (i *mainThreadInterrogation) Quitting() { i.status = statusInterrupted }

func (i *mainThreadInterrogation) BarrierUp() bool   { return i.continueOrTimeout() }
func (i *mainThreadInterrogation) TaskDueSoon() bool { return i.continueOrTimeout() }
func (i *mainThreadInterrogation) QueueEmpty() bool  { return !i.conditionsMet() }
func (i *mainThreadInterrogation) TaskDueLong() bool { return !i.conditionsMet() }

func (i *mainThreadInterrogation) BeforeTaskDispatch() bool {
	i.execCount++
	return i.continueOrTimeout()
}

func (i *mainThreadInterrogation) interrupt() {
	i.status = statusInterrupted
}

func (i *mainThreadInterrogation) continueOrTimeout() bool {
	if i.status == statusInterrupted {
		return false
	}
	if !time.Now().Before(i.giveUpAt) {
		i.status = statusTimedOut
		return false
	}
	return true
}

func (i *mainThreadInterrogation) conditionsMet() bool {
	if i.status == statusInterrupted {
		return true
	}
	met := true
	logState := i.execCount > 0 && i.execCount%conditionLogInterval == 0
	for _, c := range i.conditions.Each() {
		if i.conditionSet.Has(c) {
			continue
		}
		met = false
		if !logState {
			break
		}
		i.logger.Warn("waiting for condition", core.F("condition", c.String()), core.F("iterations", i.execCount))
	}
	return met
}
