package idling

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Swind/go-idlesync/core"
)

// URIResource tracks in-flight loads keyed by URI. After the last load ends
// it waits for a quiet period before reporting idle, so back-to-back loads do
// not flap the resource.
type URIResource struct {
	name    string
	timeout time.Duration
	debug   bool
	looper  *core.Looper
	logger  core.Logger

	counter atomic.Int64
	idle    atomic.Bool
	cb      atomic.Pointer[func()]

	ignoredMu sync.RWMutex
	ignored   []*regexp.Regexp
}

// NewURIResource creates a URIResource whose idle transitions are scheduled
// on looper after timeout.
func NewURIResource(name string, timeout time.Duration, looper *core.Looper, debug bool) *URIResource {
	if timeout <= 0 {
		panic(core.Fatalf("URIResource %q: timeout must be positive, got %v", name, timeout))
	}
	u := &URIResource{
		name:    name,
		timeout: timeout,
		debug:   debug,
		looper:  looper,
		logger:  looper.Logger(),
	}
	u.idle.Store(true)
	return u
}

func (u *URIResource) Name() string    { return u.name }
func (u *URIResource) IsIdleNow() bool { return u.idle.Load() }

func (u *URIResource) RegisterIdleTransitionCallback(callback func()) {
	u.cb.Store(&callback)
}

// IgnoreURI excludes URIs fully matching pattern. Patterns can only be added
// while the resource is idle; otherwise the call is logged and dropped.
func (u *URIResource) IgnoreURI(pattern *regexp.Regexp) {
	if !u.IsIdleNow() {
		u.logger.Error("ignored patterns can only be added when the resource is idle", core.F("resource", u.name))
		return
	}
	u.ignoredMu.Lock()
	defer u.ignoredMu.Unlock()
	u.ignored = append(u.ignored, regexp.MustCompile(`^(?:`+pattern.String()+`)$`))
}

// BeginLoad marks a load of uri as started.
func (u *URIResource) BeginLoad(uri string) {
	if u.isIgnored(uri) {
		return
	}
	u.idle.Store(false)
	prev := u.counter.Add(1) - 1
	if prev == 0 {
		u.looper.RemoveTasksWithToken(u)
	}
	if u.debug {
		u.logger.Info("counter increased", core.F("resource", u.name), core.F("count", prev+1))
	}
}

// EndLoad marks a load of uri as finished.
func (u *URIResource) EndLoad(uri string) {
	if u.isIgnored(uri) {
		return
	}
	count := u.counter.Add(-1)
	switch {
	case count < 0:
		panic(core.Fatalf("URIResource %q: counter has been corrupted, count=%d", u.name, count))
	case count == 0:
		u.looper.PostAtTime(func(context.Context) { u.transitionToIdle() }, time.Now().Add(u.timeout), u)
	}
	if u.debug {
		u.logger.Info("counter decreased", core.F("resource", u.name), core.F("count", count))
	}
}

func (u *URIResource) transitionToIdle() {
	u.idle.Store(true)
	if cb := u.cb.Load(); cb != nil {
		(*cb)()
	}
}

func (u *URIResource) isIgnored(uri string) bool {
	u.ignoredMu.RLock()
	defer u.ignoredMu.RUnlock()
	for _, pattern := range u.ignored {
		if pattern.MatchString(uri) {
			u.logger.Info("ignored URI", core.F("resource", u.name), core.F("uri", uri))
			return true
		}
	}
	return false
}
