package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/noahxzhu/mission-notify/internal/errs"
	"github.com/noahxzhu/mission-notify/internal/fcm"
	"github.com/noahxzhu/mission-notify/internal/metrics"
	"github.com/noahxzhu/mission-notify/internal/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 10, 17, 0, 0, 0, time.UTC)

type fakeStore struct {
	missions    []model.MissionRecord
	missionsErr error
	tokens      map[string]string
	failures    map[string]error

	mu      sync.Mutex
	lookups []string
}

func (f *fakeStore) Missions(ctx context.Context) ([]model.MissionRecord, error) {
	return f.missions, f.missionsErr
}

func (f *fakeStore) UserToken(ctx context.Context, uid string) (string, error) {
	f.mu.Lock()
	f.lookups = append(f.lookups, uid)
	f.mu.Unlock()

	if err, ok := f.failures[uid]; ok {
		return "", err
	}
	token, ok := f.tokens[uid]
	if !ok {
		return "", errs.ErrNoToken
	}
	return token, nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []model.NotificationMessage
}

func (r *recordingDispatcher) Dispatch(ctx context.Context, msg model.NotificationMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
}

func (r *recordingDispatcher) tokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, m := range r.sent {
		out = append(out, m.Token)
	}
	return out
}

func mission(key, title string, endIn time.Duration, uids ...string) model.MissionRecord {
	users := make(model.AcceptedUsers, 0, len(uids))
	for _, uid := range uids {
		users = append(users, model.AcceptedUser{UID: uid})
	}
	return model.MissionRecord{
		Key: key,
		Mission: model.Mission{
			Title:         title,
			EndDate:       model.Timestamp{Time: now.Add(endIn)},
			UsersAccepted: users,
		},
	}
}

func newTestScanner(store MissionStore, d Dispatcher, m *metrics.Metrics, opts ScanOptions) *Scanner {
	if opts.Window == 0 {
		opts.Window = 72 * time.Hour
	}
	if opts.Template == (model.Template{}) {
		opts.Template = model.Template{TitlePrefix: "Lembrete: ", Body: "Sua missão está perto de encerrar!"}
	}
	s := NewScanner(store, d, opts, slog.New(slog.NewTextHandler(io.Discard, nil)), m)
	s.now = func() time.Time { return now }
	return s
}

func TestScanner_Run(t *testing.T) {
	tests := []struct {
		name       string
		missions   []model.MissionRecord
		tokens     map[string]string
		failures   map[string]error
		wantTokens []string
		eligible   int
	}{
		{
			name:       "mission ending in two days notifies its user",
			missions:   []model.MissionRecord{mission("m1", "Plant trees", 48*time.Hour, "u1")},
			tokens:     map[string]string{"u1": "TOK1"},
			wantTokens: []string{"TOK1"},
			eligible:   1,
		},
		{
			name:     "mission ending in ten days is outside the window",
			missions: []model.MissionRecord{mission("m1", "Plant trees", 240*time.Hour, "u1")},
			tokens:   map[string]string{"u1": "TOK1"},
		},
		{
			name:     "expired mission is skipped",
			missions: []model.MissionRecord{mission("m1", "Plant trees", -24*time.Hour, "u1")},
			tokens:   map[string]string{"u1": "TOK1"},
		},
		{
			name:     "mission without accepted users is skipped",
			missions: []model.MissionRecord{mission("m1", "Plant trees", 24*time.Hour)},
		},
		{
			name:       "user without token does not block the others",
			missions:   []model.MissionRecord{mission("m1", "Plant trees", 24*time.Hour, "u1", "u2")},
			tokens:     map[string]string{"u1": "TOK1"},
			wantTokens: []string{"TOK1"},
			eligible:   1,
		},
		{
			name:       "failed lookup does not block the others",
			missions:   []model.MissionRecord{mission("m1", "Plant trees", 24*time.Hour, "u1", "u2", "u3")},
			tokens:     map[string]string{"u1": "TOK1", "u3": "TOK3"},
			failures:   map[string]error{"u2": errors.New("permission denied")},
			wantTokens: []string{"TOK1", "TOK3"},
			eligible:   1,
		},
		{
			name: "several missions",
			missions: []model.MissionRecord{
				mission("m1", "A", 24*time.Hour, "u1", "u2"),
				mission("m2", "B", 60*time.Hour, "u2"),
				mission("m3", "C", 100*time.Hour, "u3"),
			},
			tokens:     map[string]string{"u1": "TOK1", "u2": "TOK2", "u3": "TOK3"},
			wantTokens: []string{"TOK1", "TOK2", "TOK2"},
			eligible:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{missions: tt.missions, tokens: tt.tokens, failures: tt.failures}
			d := &recordingDispatcher{}
			s := newTestScanner(store, d, metrics.Discard(), ScanOptions{})

			sum := s.Run(context.Background())

			assert.ElementsMatch(t, tt.wantTokens, d.tokens())
			assert.Equal(t, tt.eligible, sum.Eligible)
			assert.Equal(t, len(tt.wantTokens), sum.Dispatched)
			assert.Equal(t, len(tt.missions), sum.Missions)
			assert.NotEmpty(t, sum.RunID)
		})
	}
}

func TestScanner_ReminderContent(t *testing.T) {
	store := &fakeStore{
		missions: []model.MissionRecord{mission("m1", "Plant trees", 48*time.Hour, "u1")},
		tokens:   map[string]string{"u1": "TOK1"},
	}
	d := &recordingDispatcher{}
	s := newTestScanner(store, d, metrics.Discard(), ScanOptions{})

	s.Run(context.Background())

	require.Len(t, d.sent, 1)
	assert.Equal(t, model.NotificationMessage{
		Token: "TOK1",
		Title: "Lembrete: Plant trees",
		Body:  "Sua missão está perto de encerrar!",
	}, d.sent[0])
}

func TestScanner_StoreFailure(t *testing.T) {
	store := &fakeStore{missionsErr: errors.New("unavailable")}
	d := &recordingDispatcher{}
	s := newTestScanner(store, d, metrics.Discard(), ScanOptions{})

	sum := s.Run(context.Background())

	assert.Equal(t, "unavailable", sum.Error)
	assert.Empty(t, d.tokens())

	last, ok := s.LastRun()
	require.True(t, ok)
	assert.Equal(t, sum, last)
}

func TestScanner_Metrics(t *testing.T) {
	store := &fakeStore{
		missions: []model.MissionRecord{mission("m1", "A", 24*time.Hour, "u1", "u2", "u3")},
		tokens:   map[string]string{"u1": "TOK1"},
		failures: map[string]error{"u3": errors.New("timeout")},
	}
	m := metrics.Discard()
	s := newTestScanner(store, &recordingDispatcher{}, m, ScanOptions{})

	sum := s.Run(context.Background())

	assert.Equal(t, 1, sum.TokensResolved)
	assert.Equal(t, 2, sum.LookupsFailed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Scans))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MissionsEligible))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenLookups.WithLabelValues(metrics.LookupResolved)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenLookups.WithLabelValues(metrics.LookupMissing)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenLookups.WithLabelValues(metrics.LookupFailed)))
	assert.Equal(t, float64(now.Unix()), testutil.ToFloat64(m.LastScan))
}

func TestScanner_ConcurrencyLimits(t *testing.T) {
	var missions []model.MissionRecord
	tokens := map[string]string{}
	for i, uid := range []string{"a", "b", "c", "d", "e"} {
		missions = append(missions, mission("m"+uid, "M", time.Duration(i+1)*time.Hour, uid, uid+"2"))
		tokens[uid] = "TOK-" + uid
		tokens[uid+"2"] = "TOK-" + uid + "2"
	}
	store := &fakeStore{missions: missions, tokens: tokens}
	d := &recordingDispatcher{}
	s := newTestScanner(store, d, metrics.Discard(), ScanOptions{MaxConcurrentMissions: 2, MaxConcurrentLookups: 1})

	sum := s.Run(context.Background())

	assert.Equal(t, 5, sum.Eligible)
	assert.Len(t, d.tokens(), 10)
	assert.Len(t, store.lookups, 10)
}

// firstCallFails refuses the first token exchange and hands out a token
// afterwards.
type firstCallFails struct {
	calls atomic.Int32
}

func (f *firstCallFails) AccessToken(ctx context.Context) (string, error) {
	if f.calls.Add(1) == 1 {
		return "", &errs.AuthError{Err: errors.New("invalid_grant")}
	}
	return "push-token", nil
}

func TestScanner_TokenExchangeFailureOnlySkipsItsSend(t *testing.T) {
	var mu sync.Mutex
	var auth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = append(auth, r.Header.Get("Authorization"))
		mu.Unlock()
		_, _ = w.Write([]byte(`{"name":"projects/p/messages/1"}`))
	}))
	defer srv.Close()

	m := metrics.Discard()
	client := fcm.NewClient(srv.URL, &firstCallFails{}, slog.New(slog.NewTextHandler(io.Discard, nil)), m)
	store := &fakeStore{
		missions: []model.MissionRecord{
			mission("m1", "A", 24*time.Hour, "u1"),
			mission("m2", "B", 48*time.Hour, "u2"),
		},
		tokens: map[string]string{"u1": "TOK1", "u2": "TOK2"},
	}
	s := newTestScanner(store, client, m, ScanOptions{})

	sum := s.Run(context.Background())

	assert.Equal(t, 2, sum.Eligible)
	assert.Equal(t, 2, sum.Dispatched)
	assert.Equal(t, []string{"Bearer push-token"}, auth)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatches.WithLabelValues(metrics.ResultAuthError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatches.WithLabelValues(metrics.ResultSent)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Dispatches.WithLabelValues(metrics.ResultTransportError)))
}

func TestScanner_LastRunEmpty(t *testing.T) {
	s := newTestScanner(&fakeStore{}, &recordingDispatcher{}, metrics.Discard(), ScanOptions{})

	_, ok := s.LastRun()
	assert.False(t, ok)
}
