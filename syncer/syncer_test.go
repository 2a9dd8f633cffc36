package syncer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailgrab/mailgrab/autodiscover"
	"github.com/mailgrab/mailgrab/session"
)

// --- Fakes ---

type fakeAccounts struct {
	account      *Account
	accountErr   error
	proxy        *session.ProxyConfig
	refreshCalls int
}

func (f *fakeAccounts) GetAccount(ctx context.Context, accountID int64) (*Account, error) {
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	return f.account, nil
}

func (f *fakeAccounts) FreshCredentials(ctx context.Context, account *Account) (session.Credentials, error) {
	f.refreshCalls++
	return session.Credentials{Email: account.Email, Password: account.Password}, nil
}

func (f *fakeAccounts) GetProxy(ctx context.Context, proxyID int64) (*session.ProxyConfig, error) {
	if f.proxy == nil {
		return nil, errors.New("no proxy")
	}
	return f.proxy, nil
}

type fakeJobs struct {
	mu            sync.Mutex
	totalFolders  int
	checkpoints   [][2]int
	finalizations []Finalization
}

func (f *fakeJobs) StartSyncJob(ctx context.Context, jobID int64, totalFolders int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totalFolders = totalFolders
	return nil
}

func (f *fakeJobs) CheckpointSyncJob(ctx context.Context, jobID int64, processedFolders, currentMessageCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, [2]int{processedFolders, currentMessageCount})
	return nil
}

func (f *fakeJobs) FinalizeSyncJob(ctx context.Context, jobID int64, fin Finalization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizations = append(f.finalizations, fin)
	return nil
}

func (f *fakeJobs) finalization(t *testing.T) Finalization {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.finalizations, 1, "job must be finalized exactly once")
	return f.finalizations[0]
}

type fakeQuota struct {
	available int
	checkErr  error
	chargeOK  bool
	chargeErr error

	charged int
}

func (f *fakeQuota) CheckAvailable(ctx context.Context, ownerID, action string) (int, error) {
	return f.available, f.checkErr
}

func (f *fakeQuota) Charge(ctx context.Context, ownerID, action string, count int) (bool, error) {
	f.charged = count
	return f.chargeOK, f.chargeErr
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (f *fakeBroadcaster) Notify(ownerID string, event ProgressEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

type fakeStream struct {
	messages []*session.Message
	err      error // returned after the messages run out, instead of EOF
	block    bool  // block on ctx instead of ending
	pos      int
}

func (s *fakeStream) Next(ctx context.Context) (*session.Message, error) {
	if s.pos < len(s.messages) {
		msg := s.messages[s.pos]
		s.pos++
		return msg, nil
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

type fakeSession struct {
	streams    map[string]*fakeStream
	closeCalls int
}

func (s *fakeSession) Folders(ctx context.Context) ([]string, error) { return nil, nil }

func (s *fakeSession) Messages(ctx context.Context, folder string) (session.MessageStream, error) {
	stream, ok := s.streams[folder]
	if !ok {
		return &fakeStream{}, nil
	}
	return stream, nil
}

func (s *fakeSession) Close() error {
	s.closeCalls++
	return nil
}

type fakeDialer struct {
	session *fakeSession
	dialErr error

	creds session.Credentials
	proxy *session.ProxyConfig
}

func (d *fakeDialer) Dial(ctx context.Context, ep session.Endpoint, creds session.Credentials, proxy *session.ProxyConfig) (session.Session, error) {
	d.creds = creds
	d.proxy = proxy
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.session, nil
}

// --- Helpers ---

func msg(from string, to ...string) *session.Message {
	return &session.Message{From: from, To: to}
}

func testAccount() *Account {
	return &Account{
		ID:       1,
		OwnerID:  "owner-a",
		Email:    "user@example.com",
		Password: "secret",
		Protocol: autodiscover.ProtocolIMAP,
		Host:     "imap.example.com",
		Port:     993,
		Secure:   true,
	}
}

func newTestOrchestrator(accounts AccountStore, jobs JobStore, quota QuotaService, broadcast Broadcaster, dialer session.Dialer, deadline time.Duration) *Orchestrator {
	dialers := map[autodiscover.Protocol]session.Dialer{autodiscover.ProtocolIMAP: dialer}
	return NewOrchestrator(accounts, jobs, quota, broadcast, dialers, deadline, 2)
}

// --- Tests ---

func TestRunHappyPathDeduplicatesAddresses(t *testing.T) {
	sess := &fakeSession{streams: map[string]*fakeStream{
		"INBOX": {messages: []*session.Message{
			msg("alice@example.com", "bob@example.com"),
			msg("Alice <ALICE@example.com>", "carol@example.com"),
		}},
		"Sent": {messages: []*session.Message{
			msg("user@example.com", "bob@example.com", "dave@example.com"),
		}},
	}}
	dialer := &fakeDialer{session: sess}
	accounts := &fakeAccounts{account: testAccount()}
	jobs := &fakeJobs{}
	quota := &fakeQuota{available: 100, chargeOK: true}
	broadcast := &fakeBroadcaster{}

	o := newTestOrchestrator(accounts, jobs, quota, broadcast, dialer, time.Minute)
	err := o.Run(context.Background(), 7, 1, []string{"INBOX", "Sent"}, nil, "owner-a")
	require.NoError(t, err)

	fin := jobs.finalization(t)
	assert.Equal(t, StatusCompleted, fin.Status)
	assert.Equal(t, []string{
		"alice@example.com", "bob@example.com", "carol@example.com",
		"user@example.com", "dave@example.com",
	}, fin.Addresses, "first-seen order, case-folded duplicates dropped")
	assert.Equal(t, 5, fin.DiscoveredCount)
	assert.Equal(t, 5, fin.ResultCount)
	assert.Empty(t, fin.ErrMsg)

	assert.Equal(t, 2, jobs.totalFolders)
	assert.Equal(t, 1, accounts.refreshCalls)
	assert.Equal(t, 1, sess.closeCalls, "session teardown exactly once")
	assert.Equal(t, 5, quota.charged)
	assert.NotEmpty(t, broadcast.events)
}

func TestRunFatalStreamErrorFailsJob(t *testing.T) {
	sess := &fakeSession{streams: map[string]*fakeStream{
		"INBOX": {
			messages: []*session.Message{msg("alice@example.com")},
			err:      errors.New("connection reset"),
		},
	}}
	dialer := &fakeDialer{session: sess}
	jobs := &fakeJobs{}

	o := newTestOrchestrator(&fakeAccounts{account: testAccount()}, jobs,
		&fakeQuota{available: 100, chargeOK: true}, nil, dialer, time.Minute)
	err := o.Run(context.Background(), 7, 1, []string{"INBOX"}, nil, "owner-a")
	require.Error(t, err)

	fin := jobs.finalization(t)
	assert.Equal(t, StatusFailed, fin.Status)
	assert.Contains(t, fin.ErrMsg, "connection reset")
	assert.Equal(t, 1, fin.DiscoveredCount, "addresses before the failure are counted")
	assert.Equal(t, 1, sess.closeCalls)
}

func TestRunDeadlineKeepsPartialResults(t *testing.T) {
	sess := &fakeSession{streams: map[string]*fakeStream{
		"INBOX": {
			messages: []*session.Message{
				msg("alice@example.com"),
				msg("bob@example.com"),
			},
			block: true,
		},
	}}
	dialer := &fakeDialer{session: sess}
	jobs := &fakeJobs{}

	o := newTestOrchestrator(&fakeAccounts{account: testAccount()}, jobs,
		&fakeQuota{available: 100, chargeOK: true}, nil, dialer, 50*time.Millisecond)
	err := o.Run(context.Background(), 7, 1, []string{"INBOX"}, nil, "owner-a")
	require.NoError(t, err, "deadline is non-fatal")

	fin := jobs.finalization(t)
	assert.Equal(t, StatusCompleted, fin.Status)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, fin.Addresses,
		"addresses collected before the deadline are kept")
	assert.Contains(t, fin.ErrMsg, "deadline")
	assert.Equal(t, 1, sess.closeCalls)
}

func TestRunCancellationFinalizesCancelled(t *testing.T) {
	sess := &fakeSession{streams: map[string]*fakeStream{
		"INBOX": {
			messages: []*session.Message{msg("alice@example.com")},
			block:    true,
		},
	}}
	dialer := &fakeDialer{session: sess}
	jobs := &fakeJobs{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	o := newTestOrchestrator(&fakeAccounts{account: testAccount()}, jobs,
		&fakeQuota{available: 100, chargeOK: true}, nil, dialer, time.Minute)
	err := o.Run(ctx, 7, 1, []string{"INBOX"}, nil, "owner-a")
	require.NoError(t, err)

	fin := jobs.finalization(t)
	assert.Equal(t, StatusCancelled, fin.Status)
	assert.Equal(t, 1, fin.DiscoveredCount)
	assert.Equal(t, 1, sess.closeCalls)
}

func TestRunQuotaVisibility(t *testing.T) {
	tests := []struct {
		name            string
		available       int
		chargeOK        bool
		chargeErr       error
		wantVisible     int
		wantDiscovered  int
		wantChargeCount int
	}{
		{"zero quota hides everything", 0, true, nil, 0, 3, 0},
		{"quota covers all", 10, true, nil, 3, 3, 3},
		{"partial quota exposes first N", 2, true, nil, 2, 3, 2},
		{"charge refusal grants full visibility uncharged", 10, false, nil, 3, 3, 3},
		{"charge error grants full visibility uncharged", 10, false, errors.New("ledger down"), 3, 3, 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sess := &fakeSession{streams: map[string]*fakeStream{
				"INBOX": {messages: []*session.Message{
					msg("a@example.com"),
					msg("b@example.com"),
					msg("c@example.com"),
				}},
			}}
			dialer := &fakeDialer{session: sess}
			jobs := &fakeJobs{}
			quota := &fakeQuota{available: tc.available, chargeOK: tc.chargeOK, chargeErr: tc.chargeErr}

			o := newTestOrchestrator(&fakeAccounts{account: testAccount()}, jobs, quota, nil, dialer, time.Minute)
			require.NoError(t, o.Run(context.Background(), 7, 1, []string{"INBOX"}, nil, "owner-a"))

			fin := jobs.finalization(t)
			assert.Equal(t, StatusCompleted, fin.Status)
			assert.Equal(t, tc.wantVisible, fin.ResultCount)
			assert.Len(t, fin.Addresses, tc.wantVisible)
			assert.Equal(t, tc.wantDiscovered, fin.DiscoveredCount,
				"true discovered count recorded distinctly from the visible count")
			assert.Equal(t, tc.wantChargeCount, quota.charged)
			if tc.wantVisible > 0 && tc.wantVisible < tc.wantDiscovered {
				assert.Equal(t, []string{"a@example.com", "b@example.com"}, fin.Addresses,
					"partial visibility exposes the first addresses by collection order")
			}
		})
	}
}

func TestRunExplicitProxyOverridesStored(t *testing.T) {
	proxyID := int64(3)
	account := testAccount()
	account.ProxyID = &proxyID

	stored := &session.ProxyConfig{Host: "stored.proxy", Port: 1080, Kind: session.ProxySOCKS5}
	explicit := &session.ProxyConfig{Host: "explicit.proxy", Port: 1080, Kind: session.ProxySOCKS5}

	sess := &fakeSession{streams: map[string]*fakeStream{}}
	dialer := &fakeDialer{session: sess}
	accounts := &fakeAccounts{account: account, proxy: stored}
	jobs := &fakeJobs{}

	o := newTestOrchestrator(accounts, jobs, &fakeQuota{available: 1, chargeOK: true}, nil, dialer, time.Minute)

	require.NoError(t, o.Run(context.Background(), 7, 1, []string{"INBOX"}, explicit, "owner-a"))
	assert.Equal(t, "explicit.proxy", dialer.proxy.Host)

	jobs.finalizations = nil
	require.NoError(t, o.Run(context.Background(), 8, 1, []string{"INBOX"}, nil, "owner-a"))
	assert.Equal(t, "stored.proxy", dialer.proxy.Host, "stored proxy used when none supplied")
}

func TestRunAccountLookupFailureFinalizesFailed(t *testing.T) {
	jobs := &fakeJobs{}
	o := newTestOrchestrator(&fakeAccounts{accountErr: errors.New("gone")}, jobs,
		&fakeQuota{}, nil, &fakeDialer{}, time.Minute)

	err := o.Run(context.Background(), 7, 1, nil, nil, "owner-a")
	require.Error(t, err)
	fin := jobs.finalization(t)
	assert.Equal(t, StatusFailed, fin.Status)
	assert.Contains(t, fin.ErrMsg, "account lookup failed")
}

func TestRunCheckpointCadence(t *testing.T) {
	var messages []*session.Message
	for i := 0; i < 5; i++ {
		messages = append(messages, msg("a@example.com"))
	}
	sess := &fakeSession{streams: map[string]*fakeStream{"INBOX": {messages: messages}}}
	dialer := &fakeDialer{session: sess}
	jobs := &fakeJobs{}

	// checkpointEvery is 2: expect running checkpoints at 2 and 4 plus the
	// end-of-folder checkpoint at 5.
	o := newTestOrchestrator(&fakeAccounts{account: testAccount()}, jobs,
		&fakeQuota{available: 10, chargeOK: true}, nil, dialer, time.Minute)
	require.NoError(t, o.Run(context.Background(), 7, 1, []string{"INBOX"}, nil, "owner-a"))

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	require.Len(t, jobs.checkpoints, 3)
	assert.Equal(t, [2]int{0, 2}, jobs.checkpoints[0])
	assert.Equal(t, [2]int{0, 4}, jobs.checkpoints[1])
	assert.Equal(t, [2]int{1, 5}, jobs.checkpoints[2])
}

func TestRunCancelledBeforeStreamingFinalizesCancelled(t *testing.T) {
	tests := []struct {
		name     string
		accounts *fakeAccounts
		dialer   *fakeDialer
	}{
		{"during account lookup", &fakeAccounts{accountErr: context.Canceled}, &fakeDialer{}},
		{"during session open", &fakeAccounts{account: testAccount()}, &fakeDialer{dialErr: context.Canceled}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			jobs := &fakeJobs{}
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			o := newTestOrchestrator(tc.accounts, jobs, &fakeQuota{}, nil, tc.dialer, time.Minute)
			err := o.Run(ctx, 7, 1, nil, nil, "owner-a")
			require.NoError(t, err)

			fin := jobs.finalization(t)
			assert.Equal(t, StatusCancelled, fin.Status,
				"a cancellation observed before the failure wins over the failure")
		})
	}
}
