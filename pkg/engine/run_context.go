package engine

import (
	"sync/atomic"

	"github.com/openfroyo/rules/pkg/telemetry"
)

// Resolver looks up a named dependency for a rule. It returns false when the
// name is unknown.
type Resolver func(name string) (interface{}, bool)

// RunContext is the state one run shares with all of its rules. A fresh
// context is bound to every rule at the start of each run.
type RunContext struct {
	id         string
	mode       RunMode
	terminated atomic.Bool
	store      *DataStore
	resolver   Resolver
	logger     *telemetry.Logger
}

func newRunContext(id string, mode RunMode, resolver Resolver, logger *telemetry.Logger) *RunContext {
	return &RunContext{
		id:       id,
		mode:     mode,
		store:    NewDataStore(id),
		resolver: resolver,
		logger:   logger,
	}
}

// ID returns the run id.
func (rc *RunContext) ID() string {
	return rc.id
}

// Mode returns whether the run is synchronous or asynchronous.
func (rc *RunContext) Mode() RunMode {
	return rc.mode
}

// Store returns the run's data store.
func (rc *RunContext) Store() *DataStore {
	return rc.store
}

// Logger returns a logger tagged with the run id.
func (rc *RunContext) Logger() *telemetry.Logger {
	return rc.logger
}

// Terminated reports whether a rule has already terminated the run.
func (rc *RunContext) Terminated() bool {
	return rc.terminated.Load()
}

// Terminate sets the terminate flag. It returns true only for the call that
// flipped the flag; the flag is never cleared.
func (rc *RunContext) Terminate() bool {
	return rc.terminated.CompareAndSwap(false, true)
}

// Resolve looks up a dependency through the engine's resolver.
func (rc *RunContext) Resolve(name string) (interface{}, bool) {
	if rc.resolver == nil {
		return nil, false
	}
	return rc.resolver(name)
}
