package controller

import "strings"

// IdleCondition is one thing a wait can be waiting for.
type IdleCondition uint8

const (
	DelayHasPast IdleCondition = iota
	AsyncTasksHaveIdled
	CompatTasksHaveIdled
	KeyInjectHasCompleted
	MotionInjectionHasCompleted
	DynamicTasksHaveIdled

	conditionCount
)

var conditionNames = [conditionCount]string{
	DelayHasPast:                "DELAY_HAS_PAST",
	AsyncTasksHaveIdled:         "ASYNC_TASKS_HAVE_IDLED",
	CompatTasksHaveIdled:        "COMPAT_TASKS_HAVE_IDLED",
	KeyInjectHasCompleted:       "KEY_INJECT_HAS_COMPLETED",
	MotionInjectionHasCompleted: "MOTION_INJECTION_HAS_COMPLETED",
	DynamicTasksHaveIdled:       "DYNAMIC_TASKS_HAVE_IDLED",
}

func (c IdleCondition) String() string {
	if c < conditionCount {
		return conditionNames[c]
	}
	return "UNKNOWN_CONDITION"
}

// ConditionSet is a bit set of IdleConditions.
type ConditionSet uint8

// Conditions builds a set from cs.
func Conditions(cs ...IdleCondition) ConditionSet {
	var s ConditionSet
	for _, c := range cs {
		s.Signal(c)
	}
	return s
}

func (s ConditionSet) Has(c IdleCondition) bool { return s&(1<<c) != 0 }
func (s *ConditionSet) Signal(c IdleCondition)  { *s |= 1 << c }
func (s *ConditionSet) Reset(c IdleCondition)   { *s &^= 1 << c }

// ResetAll clears every condition in other.
func (s *ConditionSet) ResetAll(other ConditionSet) { *s &^= other }

func (s ConditionSet) IsEmpty() bool { return s == 0 }

// Each returns the members in declaration order.
func (s ConditionSet) Each() []IdleCondition {
	var out []IdleCondition
	for c := IdleCondition(0); c < conditionCount; c++ {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s ConditionSet) String() string {
	names := make([]string, 0, conditionCount)
	for _, c := range s.Each() {
		names = append(names, c.String())
	}
	return "[" + strings.Join(names, ", ") + "]"
}
