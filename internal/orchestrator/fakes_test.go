package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/sposaceee/user-microservice/internal/credentials"
	"github.com/sposaceee/user-microservice/internal/outcome"
	"github.com/sposaceee/user-microservice/internal/profiles"
	"github.com/sposaceee/user-microservice/internal/reconciliation"
)

// fakeCredentials replays scripted outcomes per method; the last one repeats.
type fakeCredentials struct {
	mu sync.Mutex

	deleteOutcomes      []outcome.Outcome
	adminUpdateOutcomes []outcome.Outcome
	adminDeleteOutcomes []outcome.Outcome

	deleteCalls      int
	adminUpdateCalls int
	adminDeleteCalls int
	lastUpdate       credentials.CredentialUpdate
	lastBearer       string

	// when set, every call signals entered and waits for release
	entered chan struct{}
	release chan struct{}
	// onCall runs inside every call before the outcome is returned
	onCall func()
}

func (f *fakeCredentials) DeleteCredential(ctx context.Context, bearer, userID string) outcome.Outcome {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := nextOutcome(f.deleteOutcomes, f.deleteCalls)
	f.deleteCalls++
	f.lastBearer = bearer
	return out
}

func (f *fakeCredentials) AdminUpdateCredential(ctx context.Context, bearer, userID string, update credentials.CredentialUpdate) outcome.Outcome {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := nextOutcome(f.adminUpdateOutcomes, f.adminUpdateCalls)
	f.adminUpdateCalls++
	f.lastUpdate = update
	f.lastBearer = bearer
	return out
}

func (f *fakeCredentials) AdminDeleteCredential(ctx context.Context, bearer, userID string) outcome.Outcome {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := nextOutcome(f.adminDeleteOutcomes, f.adminDeleteCalls)
	f.adminDeleteCalls++
	f.lastBearer = bearer
	return out
}

func (f *fakeCredentials) wait() {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if f.onCall != nil {
		f.onCall()
	}
}

func (f *fakeCredentials) calls() (del, adminUpdate, adminDelete int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteCalls, f.adminUpdateCalls, f.adminDeleteCalls
}

func (f *fakeCredentials) totalCalls() int {
	d, u, a := f.calls()
	return d + u + a
}

func nextOutcome(script []outcome.Outcome, n int) outcome.Outcome {
	if len(script) == 0 {
		return outcome.Committed()
	}
	if n < len(script) {
		return script[n]
	}
	return script[len(script)-1]
}

// fakeProfiles wraps the in-memory store with error injection and call counts
type fakeProfiles struct {
	*profiles.InMemoryStore

	mu          sync.Mutex
	createCalls int
	updateCalls int
	deleteCalls int

	// errors returned by successive calls before falling through to the store
	updateErrs []error
	deleteErrs []error

	entered chan struct{}
	release chan struct{}
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{InMemoryStore: profiles.NewInMemoryStore()}
}

func (f *fakeProfiles) Create(ctx context.Context, req *profiles.CreateUserRequest) (*profiles.User, error) {
	f.mu.Lock()
	f.createCalls++
	f.mu.Unlock()
	return f.InMemoryStore.Create(ctx, req)
}

func (f *fakeProfiles) Update(ctx context.Context, id string, fields profiles.Fields) (*profiles.User, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	n := f.updateCalls
	f.updateCalls++
	f.mu.Unlock()
	if n < len(f.updateErrs) && f.updateErrs[n] != nil {
		return nil, f.updateErrs[n]
	}
	return f.InMemoryStore.Update(ctx, id, fields)
}

func (f *fakeProfiles) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	n := f.deleteCalls
	f.deleteCalls++
	f.mu.Unlock()
	if n < len(f.deleteErrs) && f.deleteErrs[n] != nil {
		return f.deleteErrs[n]
	}
	return f.InMemoryStore.Delete(ctx, id)
}

func (f *fakeProfiles) counts() (create, update, del int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.updateCalls, f.deleteCalls
}

func (f *fakeProfiles) totalCalls() int {
	c, u, d := f.counts()
	return c + u + d
}

func repeatErr(err error, n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = err
	}
	return errs
}

var errDatabaseDown = errors.New("connection reset by peer")

type failingRecorder struct{}

func (failingRecorder) Record(ctx context.Context, record *reconciliation.InconsistencyRecord) error {
	return errors.New("sink unavailable")
}
