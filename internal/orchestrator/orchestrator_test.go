package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sposaceee/user-microservice/internal/credentials"
	"github.com/sposaceee/user-microservice/internal/outcome"
	"github.com/sposaceee/user-microservice/internal/profiles"
	"github.com/sposaceee/user-microservice/internal/reconciliation"
)

const bearer = "Bearer test-token"

type harness struct {
	coord    *Coordinator
	profiles *fakeProfiles
	creds    *fakeCredentials
	records  *reconciliation.MemoryStore
	delays   []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		profiles: newFakeProfiles(),
		creds:    &fakeCredentials{},
		records:  reconciliation.NewMemoryStore(),
	}
	coord, err := NewCoordinator(NewDefaultConfig(), h.profiles, h.creds, h.records, zap.NewNop())
	require.NoError(t, err)

	var mu sync.Mutex
	coord.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		h.delays = append(h.delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	h.coord = coord
	return h
}

func (h *harness) seed(t *testing.T, id, email string) {
	t.Helper()
	_, err := h.profiles.InMemoryStore.Create(context.Background(), &profiles.CreateUserRequest{
		ID: id, Name: "User " + id, Email: email, Username: id,
	})
	require.NoError(t, err)
}

func (h *harness) openRecords(t *testing.T) []*reconciliation.InconsistencyRecord {
	t.Helper()
	open, err := h.records.ListOpen(context.Background(), 100)
	require.NoError(t, err)
	return open
}

func TestNewCoordinatorValidates(t *testing.T) {
	store := newFakeProfiles()
	creds := &fakeCredentials{}
	rec := reconciliation.NewMemoryStore()

	_, err := NewCoordinator(Config{}, store, creds, rec, nil)
	assert.Error(t, err)
	_, err = NewCoordinator(NewDefaultConfig(), nil, creds, rec, nil)
	assert.Error(t, err)
	_, err = NewCoordinator(NewDefaultConfig(), store, nil, rec, nil)
	assert.Error(t, err)
	_, err = NewCoordinator(NewDefaultConfig(), store, creds, nil, nil)
	assert.Error(t, err)
}

func TestStepTwoWaitsForStepOne(t *testing.T) {
	t.Run("self delete", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "u1", "u1@example.com")
		h.creds.entered = make(chan struct{})
		h.creds.release = make(chan struct{})

		done := make(chan Result)
		go func() { done <- h.coord.SelfDelete(context.Background(), bearer, "u1") }()

		<-h.creds.entered
		time.Sleep(20 * time.Millisecond)
		_, _, deletes := h.profiles.counts()
		assert.Zero(t, deletes, "profile delete ran while credential delete was in flight")

		close(h.creds.release)
		res := <-done
		assert.True(t, res.IsSuccess(), res.Detail)
		_, _, deletes = h.profiles.counts()
		assert.Equal(t, 1, deletes)
	})

	t.Run("admin update", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "u2", "u2@example.com")
		h.profiles.entered = make(chan struct{})
		h.profiles.release = make(chan struct{})

		done := make(chan Result)
		go func() {
			done <- h.coord.AdminUpdate(context.Background(), bearer, "u2", profiles.Fields{profiles.FieldEmail: "new@example.com"})
		}()

		<-h.profiles.entered
		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, h.creds.totalCalls(), "credential update ran while profile update was in flight")

		close(h.profiles.release)
		res := <-done
		assert.True(t, res.IsSuccess(), res.Detail)
		_, updates, _ := h.creds.calls()
		assert.Equal(t, 1, updates)
	})
}

func TestDeletesAreIdempotent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/delete-user", r.URL.Path)
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"user not found"}`))
	}))
	defer srv.Close()

	client, err := credentials.NewClient(credentials.Config{BaseURL: srv.URL, Timeout: time.Second}, srv.Client(), zap.NewNop())
	require.NoError(t, err)

	store := newFakeProfiles()
	_, err = store.InMemoryStore.Create(context.Background(), &profiles.CreateUserRequest{ID: "u1", Name: "Alice", Email: "a@example.com"})
	require.NoError(t, err)
	records := reconciliation.NewMemoryStore()

	coord, err := NewCoordinator(NewDefaultConfig(), store, client, records, zap.NewNop())
	require.NoError(t, err)

	first := coord.SelfDelete(context.Background(), bearer, "u1")
	require.True(t, first.IsSuccess(), first.Detail)

	second := coord.SelfDelete(context.Background(), bearer, "u1")
	assert.True(t, second.IsSuccess(), second.Detail)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	_, _, deletes := store.counts()
	assert.Equal(t, 2, deletes, "the profile delete of a missing row still commits")
	assert.Equal(t, outcome.Committed(), profileOutcome("delete", store.Delete(context.Background(), "u1")))
	assert.Empty(t, records.All())
}

func TestPartialFailureIsAlwaysRecordedOnce(t *testing.T) {
	stepTwoFailures := map[string]struct {
		cred outcome.Outcome
		prof error
	}{
		"profile unavailable":  {prof: errDatabaseDown},
		"credential rejected":  {cred: outcome.Rejected(outcome.CodeForbidden, "not allowed", http.StatusForbidden)},
		"credential exhausted": {cred: outcome.Unavailable(errors.New("503"))},
	}

	for name, tc := range stepTwoFailures {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, "u1", "u1@example.com")

			var res Result
			if tc.prof != nil {
				h.profiles.deleteErrs = repeatErr(tc.prof, 10)
				res = h.coord.SelfDelete(context.Background(), bearer, "u1")
			} else {
				h.creds.adminUpdateOutcomes = []outcome.Outcome{tc.cred}
				res = h.coord.AdminUpdate(context.Background(), bearer, "u1", profiles.Fields{profiles.FieldUsername: "renamed"})
			}

			assert.False(t, res.IsSuccess())
			assert.True(t, res.IsPartialFailure())
			require.Len(t, h.records.All(), 1)
			assert.Equal(t, res.RecordID, h.records.All()[0].ID)
		})
	}
}

func TestStepOneFailureStopsTheOperation(t *testing.T) {
	t.Run("credential delete rejected", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "u1", "u1@example.com")
		h.creds.deleteOutcomes = []outcome.Outcome{outcome.Rejected(outcome.CodeUnauthorized, "bad token", http.StatusUnauthorized)}

		res := h.coord.SelfDelete(context.Background(), bearer, "u1")
		assert.True(t, res.IsFailure())
		assert.Equal(t, outcome.CodeUnauthorized, res.Code)
		assert.Equal(t, "bad token", res.Reason)
		assert.Equal(t, http.StatusUnauthorized, res.RemoteStatus)
		assert.Equal(t, reconciliation.StoreCredential, res.FailedStore)
		assert.Zero(t, h.profiles.totalCalls())
		assert.Empty(t, h.records.All())
	})

	t.Run("admin delete unavailable", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "u1", "u1@example.com")
		h.creds.adminDeleteOutcomes = []outcome.Outcome{outcome.Unavailable(errors.New("connection refused"))}

		res := h.coord.AdminDelete(context.Background(), bearer, "u1")
		assert.True(t, res.IsFailure())
		assert.True(t, res.Retryable)
		assert.Zero(t, h.profiles.totalCalls())
		assert.Empty(t, h.records.All())
	})

	t.Run("profile update conflict", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "u1", "u1@example.com")
		h.seed(t, "u2", "u2@example.com")

		res := h.coord.AdminUpdate(context.Background(), bearer, "u1", profiles.Fields{profiles.FieldEmail: "u2@example.com"})
		assert.True(t, res.IsFailure())
		assert.Equal(t, outcome.CodeConflict, res.Code)
		assert.False(t, res.Retryable)
		assert.Zero(t, h.creds.totalCalls())
		assert.Empty(t, h.records.All())
	})
}

func TestRetryBounds(t *testing.T) {
	t.Run("unavailable is retried up to the attempt limit", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "u1", "u1@example.com")
		h.creds.deleteOutcomes = []outcome.Outcome{outcome.Unavailable(errors.New("timeout"))}

		res := h.coord.SelfDelete(context.Background(), bearer, "u1")
		deletes, _, _ := h.creds.calls()
		assert.Equal(t, 3, deletes)
		assert.Equal(t, 3, res.Attempts)
		assert.True(t, res.IsFailure())
		assert.True(t, res.Retryable)
		assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, h.delays)
	})

	t.Run("rejected is never retried", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "u1", "u1@example.com")
		h.creds.deleteOutcomes = []outcome.Outcome{outcome.Rejected(outcome.CodeUnexpectedResponse, "200 with body", http.StatusOK)}

		res := h.coord.SelfDelete(context.Background(), bearer, "u1")
		deletes, _, _ := h.creds.calls()
		assert.Equal(t, 1, deletes)
		assert.Equal(t, 1, res.Attempts)
		assert.Empty(t, h.delays)
		assert.False(t, res.Retryable)
	})

	t.Run("recovers when a retry commits", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "u1", "u1@example.com")
		h.creds.deleteOutcomes = []outcome.Outcome{outcome.Unavailable(errors.New("503")), outcome.Committed()}

		res := h.coord.SelfDelete(context.Background(), bearer, "u1")
		assert.True(t, res.IsSuccess(), res.Detail)
		assert.Equal(t, 3, res.Attempts, "two credential calls and one profile call")
	})
}

func TestSelfDeleteProfileFailureAfterCredentialDelete(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", "u1@example.com")
	h.profiles.deleteErrs = repeatErr(errDatabaseDown, 10)

	res := h.coord.SelfDelete(context.Background(), bearer, "u1")

	assert.True(t, res.IsPartialFailure())
	assert.False(t, res.IsSuccess())
	assert.True(t, res.CleanupPending)
	assert.Equal(t, reconciliation.StoreCredential, res.CommittedStore)
	assert.Equal(t, reconciliation.StoreProfile, res.FailedStore)

	records := h.records.All()
	require.Len(t, records, 1)
	assert.Equal(t, reconciliation.OpSelfDelete, records[0].OperationType)
	assert.Equal(t, "u1", records[0].UserID)
	assert.Equal(t, reconciliation.StoreCredential, records[0].CommittedStore)
	assert.Equal(t, reconciliation.StoreProfile, records[0].FailedStore)
	assert.Contains(t, records[0].FailureDetail, "connection reset by peer")
}

func TestAdminUpdateCredentialServiceUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/auth/admin/update", r.URL.Path)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := credentials.NewClient(credentials.Config{
		BaseURL:            srv.URL,
		Timeout:            time.Second,
		ServiceName:        "user-service",
		BreakerMaxFailures: 10,
	}, srv.Client(), zap.NewNop())
	require.NoError(t, err)

	store := profiles.NewInMemoryStore()
	_, err = store.Create(context.Background(), &profiles.CreateUserRequest{ID: "u1", Name: "Alice", Email: "old@example.com"})
	require.NoError(t, err)
	records := reconciliation.NewMemoryStore()

	cfg := NewDefaultConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	coord, err := NewCoordinator(cfg, store, client, records, zap.NewNop())
	require.NoError(t, err)

	res := coord.AdminUpdate(context.Background(), bearer, "u1", profiles.Fields{profiles.FieldEmail: "new@example.com"})

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.False(t, res.IsSuccess())
	assert.True(t, res.IsPartialFailure())
	assert.Equal(t, reconciliation.StoreProfile, res.CommittedStore)
	assert.Equal(t, reconciliation.StoreCredential, res.FailedStore)
	assert.Contains(t, res.Detail, "profile already updated")

	user, err := store.GetByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", user.Email, "profile step stays committed")
	require.Len(t, records.All(), 1)
}

func TestSelfDeleteWithoutBearer(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", "u1@example.com")

	res := h.coord.SelfDelete(context.Background(), "", "u1")

	assert.True(t, res.IsFailure())
	assert.Equal(t, outcome.CodeUnauthorized, res.Code)
	assert.False(t, res.Retryable)
	assert.Zero(t, res.Attempts)
	assert.Zero(t, h.creds.totalCalls())
	assert.Zero(t, h.profiles.totalCalls())
	assert.Empty(t, h.records.All())
}

func TestAdminDeleteTreatsMissingCredentialAsDeleted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"user not found"}`))
	}))
	defer srv.Close()

	client, err := credentials.NewClient(credentials.Config{BaseURL: srv.URL, Timeout: time.Second}, srv.Client(), zap.NewNop())
	require.NoError(t, err)

	store := newFakeProfiles()
	_, err = store.InMemoryStore.Create(context.Background(), &profiles.CreateUserRequest{ID: "u1", Name: "Alice", Email: "a@example.com"})
	require.NoError(t, err)
	records := reconciliation.NewMemoryStore()

	coord, err := NewCoordinator(NewDefaultConfig(), store, client, records, zap.NewNop())
	require.NoError(t, err)

	res := coord.AdminDelete(context.Background(), bearer, "u1")

	assert.True(t, res.IsSuccess(), res.Detail)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	_, _, deletes := store.counts()
	assert.Equal(t, 1, deletes)
	_, err = store.GetByID(context.Background(), "u1")
	assert.ErrorIs(t, err, profiles.ErrNotFound)
	assert.Empty(t, records.All())
}

func TestCancellationAfterStepOneStillFinishes(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", "u1@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.creds.onCall = cancel

	res := h.coord.SelfDelete(ctx, bearer, "u1")

	assert.True(t, res.IsSuccess(), res.Detail)
	_, err := h.profiles.GetByID(context.Background(), "u1")
	assert.ErrorIs(t, err, profiles.ErrNotFound)
	assert.Empty(t, h.records.All())
}

func TestCancellationDuringStepOneCallStillFinishes(t *testing.T) {
	var deleted int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the credential is gone before the reply is written
		atomic.StoreInt32(&deleted, 1)
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := credentials.NewClient(credentials.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, srv.Client(), zap.NewNop())
	require.NoError(t, err)

	store := profiles.NewInMemoryStore()
	_, err = store.Create(context.Background(), &profiles.CreateUserRequest{ID: "u1", Name: "Alice", Email: "a@example.com"})
	require.NoError(t, err)
	records := reconciliation.NewMemoryStore()

	coord, err := NewCoordinator(NewDefaultConfig(), store, client, records, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := coord.SelfDelete(ctx, bearer, "u1")

	require.Error(t, ctx.Err())
	assert.Equal(t, int32(1), atomic.LoadInt32(&deleted))
	assert.True(t, res.IsSuccess(), res.Detail)
	_, err = store.GetByID(context.Background(), "u1")
	assert.ErrorIs(t, err, profiles.ErrNotFound)
	assert.Empty(t, records.All())
}

func TestCancellationDuringStepOneBackoffKeepsRetrying(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", "u1@example.com")
	h.creds.deleteOutcomes = []outcome.Outcome{outcome.Unavailable(errors.New("503")), outcome.Committed()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.creds.onCall = cancel

	res := h.coord.SelfDelete(ctx, bearer, "u1")

	assert.True(t, res.IsSuccess(), res.Detail)
	del, _, _ := h.creds.calls()
	assert.Equal(t, 2, del)
	_, err := h.profiles.GetByID(context.Background(), "u1")
	assert.ErrorIs(t, err, profiles.ErrNotFound)
	assert.Empty(t, h.records.All())
}

func TestCancellationBeforeStepOneTouchesNothing(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", "u1@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.coord.SelfDelete(ctx, bearer, "u1")

	assert.True(t, res.IsFailure())
	assert.True(t, res.Retryable)
	assert.Zero(t, h.creds.totalCalls())
	assert.Zero(t, h.profiles.totalCalls())
}

// actionPolicy answers with a fixed action once the given step is reached
type actionPolicy struct {
	step   int
	action reconciliation.Action
}

func (p actionPolicy) Decide(step int, out outcome.Outcome, attempt, maxAttempts int) reconciliation.Action {
	if step == p.step {
		return p.action
	}
	return reconciliation.Policy{}.Decide(step, out, attempt, maxAttempts)
}

func TestUnknownPolicyActionFailsWithoutPanicking(t *testing.T) {
	unknown := reconciliation.Action(99)

	t.Run("first step", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "u1", "u1@example.com")
		h.coord.policy = actionPolicy{step: 0, action: unknown}

		res := h.coord.SelfDelete(context.Background(), bearer, "u1")

		assert.True(t, res.IsFailure())
		assert.Contains(t, res.Detail, "unexpected action")
		assert.Empty(t, h.records.All())
	})

	t.Run("second step is recorded", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "u1", "u1@example.com")
		h.coord.policy = actionPolicy{step: 1, action: unknown}

		res := h.coord.SelfDelete(context.Background(), bearer, "u1")

		assert.True(t, res.IsPartialFailure())
		require.Len(t, h.records.All(), 1)
		assert.Equal(t, res.RecordID, h.records.All()[0].ID)
	})
}

func TestRecorderFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	store := newFakeProfiles()
	_, err := store.InMemoryStore.Create(context.Background(), &profiles.CreateUserRequest{ID: "u1", Name: "Alice", Email: "a@example.com"})
	require.NoError(t, err)
	store.deleteErrs = repeatErr(errDatabaseDown, 10)

	coord, err := NewCoordinator(NewDefaultConfig(), store, &fakeCredentials{}, failingRecorder{}, zap.New(core))
	require.NoError(t, err)
	coord.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	res := coord.SelfDelete(context.Background(), bearer, "u1")
	require.True(t, res.IsPartialFailure())

	entries := logs.FilterMessage("Failed to persist inconsistency record").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, res.RecordID, fields["record_id"])
	assert.Equal(t, "self_delete", fields["operation_type"])
	assert.Equal(t, "u1", fields["user_id"])
	assert.Equal(t, "credential", fields["committed_store"])
	assert.Equal(t, "profile", fields["failed_store"])
}

func TestAdminUpdate(t *testing.T) {
	t.Run("profile-only change skips the credential store", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "u1", "u1@example.com")

		res := h.coord.AdminUpdate(context.Background(), bearer, "u1", profiles.Fields{profiles.FieldRole: "admin"})
		require.True(t, res.IsSuccess(), res.Detail)
		assert.Equal(t, profiles.RoleAdmin, res.User.Role)
		assert.Zero(t, h.creds.totalCalls())
	})

	t.Run("forwards email and username with the bearer", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "u1", "u1@example.com")

		res := h.coord.AdminUpdate(context.Background(), bearer, "u1", profiles.Fields{
			profiles.FieldEmail:    "NEW@example.com",
			profiles.FieldUsername: "neo",
			profiles.FieldName:     "Neo",
		})
		require.True(t, res.IsSuccess(), res.Detail)
		require.NotNil(t, h.creds.lastUpdate.Email)
		require.NotNil(t, h.creds.lastUpdate.Username)
		assert.Equal(t, "new@example.com", *h.creds.lastUpdate.Email)
		assert.Equal(t, "neo", *h.creds.lastUpdate.Username)
		assert.Equal(t, bearer, h.creds.lastBearer)
	})

	t.Run("sensitive field is rejected before the credential store", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "u1", "u1@example.com")

		res := h.coord.AdminUpdate(context.Background(), bearer, "u1", profiles.Fields{"password": "hunter2", profiles.FieldEmail: "x@example.com"})
		assert.True(t, res.IsFailure())
		assert.Equal(t, outcome.CodeInvalid, res.Code)
		assert.Zero(t, h.creds.totalCalls())
	})

	for name, value := range map[string]interface{}{"null": nil, "blank": "  "} {
		t.Run(name+" username is refused before either store", func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, "u1", "u1@example.com")

			res := h.coord.AdminUpdate(context.Background(), bearer, "u1", profiles.Fields{
				profiles.FieldUsername: value,
				profiles.FieldName:     "Renamed",
			})
			assert.True(t, res.IsFailure())
			assert.Equal(t, outcome.CodeInvalid, res.Code)
			assert.Contains(t, res.Reason, profiles.FieldUsername)
			assert.Zero(t, h.creds.totalCalls())
			assert.Zero(t, h.profiles.totalCalls())
			assert.Empty(t, h.records.All())

			user, err := h.profiles.GetByID(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, "u1", user.Username)
			assert.Equal(t, "User u1", user.Name)
		})
	}
}

func TestSelfUpdate(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", "u1@example.com")

	res := h.coord.SelfUpdate(context.Background(), "u1", profiles.Fields{profiles.FieldName: "Alicia"})
	require.True(t, res.IsSuccess(), res.Detail)
	assert.Equal(t, "Alicia", res.User.Name)

	res = h.coord.SelfUpdate(context.Background(), "u1", profiles.Fields{profiles.FieldEmail: "x@example.com"})
	assert.True(t, res.IsFailure())
	assert.Equal(t, outcome.CodeInvalid, res.Code)

	res = h.coord.SelfUpdate(context.Background(), "u1", profiles.Fields{})
	assert.True(t, res.IsFailure())

	res = h.coord.SelfUpdate(context.Background(), "missing", profiles.Fields{profiles.FieldName: "Ghost"})
	assert.True(t, res.IsFailure())
	assert.Equal(t, outcome.CodeNotFound, res.Code)
}

func TestSetAvatar(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", "u1@example.com")

	res := h.coord.SetAvatar(context.Background(), "u1", "/uploads/a.png")
	require.True(t, res.IsSuccess(), res.Detail)
	assert.Equal(t, "/uploads/a.png", res.User.AvatarPath)

	res = h.coord.SetAvatar(context.Background(), "u1", "")
	require.True(t, res.IsSuccess(), res.Detail)
	assert.Empty(t, res.User.AvatarPath)
}

func TestCreateUser(t *testing.T) {
	t.Run("inserts the profile", func(t *testing.T) {
		h := newHarness(t)
		res := h.coord.CreateUser(context.Background(), &profiles.CreateUserRequest{ID: "u1", Name: "Alice", Email: "a@example.com"})
		require.True(t, res.IsSuccess(), res.Detail)
		assert.Equal(t, "u1", res.User.ID)
		assert.Zero(t, h.creds.totalCalls())
	})

	t.Run("duplicate email conflicts", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "u1", "a@example.com")
		res := h.coord.CreateUser(context.Background(), &profiles.CreateUserRequest{ID: "u2", Name: "Alan", Email: "a@example.com"})
		assert.True(t, res.IsFailure())
		assert.Equal(t, outcome.CodeConflict, res.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		h := newHarness(t)
		res := h.coord.CreateUser(context.Background(), &profiles.CreateUserRequest{ID: "u1", Name: "A", Email: "a@example.com"})
		assert.True(t, res.IsFailure())
		assert.Equal(t, outcome.CodeInvalid, res.Code)

		res = h.coord.CreateUser(context.Background(), nil)
		assert.True(t, res.IsFailure())
	})
}

func TestReplay(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", "u1@example.com")

	out := h.coord.Replay(context.Background(),
		reconciliation.NewRecord(reconciliation.OpSelfDelete, "u1", reconciliation.StoreCredential, reconciliation.StoreProfile, "x"))
	assert.True(t, out.IsCommitted(), out.Detail())
	_, err := h.profiles.GetByID(context.Background(), "u1")
	assert.ErrorIs(t, err, profiles.ErrNotFound)

	// replaying again is harmless
	out = h.coord.Replay(context.Background(),
		reconciliation.NewRecord(reconciliation.OpAdminDelete, "u1", reconciliation.StoreCredential, reconciliation.StoreProfile, "x"))
	assert.True(t, out.IsCommitted())

	out = h.coord.Replay(context.Background(),
		reconciliation.NewRecord(reconciliation.OpAdminUpdate, "u1", reconciliation.StoreProfile, reconciliation.StoreCredential, "x"))
	assert.True(t, out.IsRejected())
	assert.Zero(t, h.creds.totalCalls())
}

func TestSweeperResolvesRecordsThroughReplay(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", "u1@example.com")
	h.profiles.deleteErrs = repeatErr(errDatabaseDown, 3)

	res := h.coord.SelfDelete(context.Background(), bearer, "u1")
	require.True(t, res.IsPartialFailure())
	require.Len(t, h.openRecords(t), 1)

	sweeper, err := reconciliation.NewSweeper(h.records, h.coord, time.Minute, 10, zap.NewNop())
	require.NoError(t, err)

	resolved, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Empty(t, h.openRecords(t))
	_, err = h.profiles.GetByID(context.Background(), "u1")
	assert.ErrorIs(t, err, profiles.ErrNotFound)
}

func TestConcurrentOperationsShareNoState(t *testing.T) {
	h := newHarness(t)
	ids := []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8"}
	for _, id := range ids {
		h.seed(t, id, id+"@example.com")
	}

	var wg sync.WaitGroup
	results := make([]Result, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = h.coord.SelfDelete(context.Background(), bearer, id)
		}(i, id)
	}
	wg.Wait()

	for i, res := range results {
		assert.True(t, res.IsSuccess(), "%s: %s", ids[i], res.Detail)
	}
	users, err := h.profiles.List(context.Background(), profiles.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, users)
}
