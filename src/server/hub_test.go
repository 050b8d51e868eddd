package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"marathon-engine/src/analysis"
	"marathon-engine/src/cache"
	"marathon-engine/src/leaderboard"
	"marathon-engine/src/logger"
	"marathon-engine/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeFeed struct {
	consuming bool
}

func (f *fakeFeed) Connect(context.Context) error     { return nil }
func (f *fakeFeed) StartConsuming(func([]byte)) error { f.consuming = true; return nil }
func (f *fakeFeed) StopConsuming()                    { f.consuming = false }
func (f *fakeFeed) Connected() bool                   { return true }
func (f *fakeFeed) Close()                            {}

// -----------------------------------------------------------------------------

type fakeParticipants struct {
	participants []models.MParticipant
}

func (f *fakeParticipants) GetByID(_ context.Context, id int64) (*models.MParticipant, error) {
	for i := range f.participants {
		if f.participants[i].ID == id {
			return &f.participants[i], nil
		}
	}
	return nil, nil
}

func (f *fakeParticipants) GetByAccountLogin(_ context.Context, login string) (*models.MParticipant, error) {
	for i := range f.participants {
		if f.participants[i].AccountLogin == login {
			return &f.participants[i], nil
		}
	}
	return nil, nil
}

func (f *fakeParticipants) GetByUserAndMarathon(_ context.Context, userID, marathonID int64) (*models.MParticipant, error) {
	for i := range f.participants {
		if f.participants[i].UserID == userID && f.participants[i].MarathonID == marathonID {
			return &f.participants[i], nil
		}
	}
	return nil, nil
}

func (f *fakeParticipants) ActiveByMarathon(_ context.Context, marathonID int64) ([]models.MParticipant, error) {
	var out []models.MParticipant
	for _, p := range f.participants {
		if p.MarathonID == marathonID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeParticipants) Disqualify(context.Context, int64, []models.MRuleViolation) error {
	return nil
}

// -----------------------------------------------------------------------------

type fakeMarathons struct{}

func (f *fakeMarathons) GetByID(_ context.Context, id int64) (*models.MMarathon, error) {
	return &models.MMarathon{
		ID:        id,
		Status:    models.MarathonOngoing,
		StartDate: time.Now().AddDate(0, 0, -7),
		EndDate:   time.Now().AddDate(0, 0, 7),
	}, nil
}

func (f *fakeMarathons) Ongoing(context.Context) ([]models.MMarathon, error) {
	return nil, nil
}

// -----------------------------------------------------------------------------

type fakeHistory struct{}

func (f *fakeHistory) EquityHistory(context.Context, string, time.Time, time.Time) ([]models.MEquitySample, error) {
	return nil, nil
}

func (f *fakeHistory) TradeCount(context.Context, string, time.Time, time.Time) (int, error) {
	return 0, nil
}

func (f *fakeHistory) SaveEquitySample(context.Context, models.MEquitySample) error {
	return nil
}

// -----------------------------------------------------------------------------
// Fixture
// -----------------------------------------------------------------------------

// The hub handlers are exercised directly without the run loop goroutine, so
// every assertion sees hub state synchronously.
func testServer(participants *fakeParticipants) (*LiveServer, *fakeFeed) {
	cfg := &models.MConfig{Name: "test", Host: "127.0.0.1", Port: 8090, LogLevel: "ERROR"}
	cfg.Cache.SnapshotTTLSeconds = 120
	cfg.Cache.EvictionIntervalSeconds = 60
	cfg.Cache.EquityCurvePoints = 16
	cfg.Hub.BatchWindowMS = 10
	cfg.Hub.AnalysisCacheTTLSeconds = 1
	cfg.Hub.ClientSendBuffer = 64

	log := logger.NewLogger("ERROR", "test")
	feed := &fakeFeed{}
	snapCache := cache.NewSnapshotCache(cfg, log, feed)
	calc := leaderboard.NewCalculator(participants, log)
	analyzer := analysis.NewAnalysisFacade(cfg, log, calc, &fakeHistory{}, snapCache)

	s := NewLiveServer(cfg, log, snapCache, calc, analyzer, participants, &fakeMarathons{})
	return s, feed
}

// -----------------------------------------------------------------------------

func attachClient(s *LiveServer, userID int64) *Client {
	c := &Client{
		hub:          s,
		send:         make(chan models.MServerEvent, 64),
		id:           fmt.Sprintf("test-%d", userID),
		userID:       userID,
		marathons:    make(map[int64]struct{}),
		participants: make(map[int64]struct{}),
		selfViews:    make(map[int64]int64),
	}
	s.clients[c] = struct{}{}
	return c
}

func drain(c *Client) []models.MServerEvent {
	var out []models.MServerEvent
	for {
		select {
		case e := <-c.send:
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventNames(events []models.MServerEvent) []string {
	var out []string
	for _, e := range events {
		out = append(out, e.Event)
	}
	return out
}

// -----------------------------------------------------------------------------

func marathonRoster() *fakeParticipants {
	return &fakeParticipants{participants: []models.MParticipant{
		{ID: 1, MarathonID: 10, UserID: 11, AccountLogin: "1001",
			Status: models.ParticipantActive, IsActive: true},
		{ID: 2, MarathonID: 10, UserID: 12, AccountLogin: "1002",
			Status: models.ParticipantActive, IsActive: true},
	}}
}

// -----------------------------------------------------------------------------
// Demand-driven consumption
// -----------------------------------------------------------------------------

func TestSubscribeMarathon_StartsAndStopsConsumption(t *testing.T) {
	s, feed := testServer(marathonRoster())
	c := attachClient(s, 99)

	assert.False(t, s.Cache.Consuming())

	s.handleCommand(c, models.MClientCommand{Command: models.CmdSubscribeMarathon, MarathonID: 10})
	assert.True(t, s.Cache.Consuming())
	assert.True(t, feed.consuming)

	events := drain(c)
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventSubscribed, events[0].Event)

	s.handleCommand(c, models.MClientCommand{Command: models.CmdUnsubscribeMarathon, MarathonID: 10})
	assert.False(t, s.Cache.Consuming())
	assert.False(t, feed.consuming)
}

// -----------------------------------------------------------------------------

func TestUpstreamRefcount_SharedAcrossViewers(t *testing.T) {
	s, _ := testServer(marathonRoster())
	c1 := attachClient(s, 98)
	c2 := attachClient(s, 99)

	s.handleCommand(c1, models.MClientCommand{Command: models.CmdSubscribeMarathon, MarathonID: 10})
	s.handleCommand(c2, models.MClientCommand{Command: models.CmdSubscribeMarathon, MarathonID: 10})

	// One viewer leaving must not stop the shared feed
	s.handleCommand(c1, models.MClientCommand{Command: models.CmdUnsubscribeMarathon, MarathonID: 10})
	assert.True(t, s.Cache.Consuming())

	s.handleCommand(c2, models.MClientCommand{Command: models.CmdUnsubscribeMarathon, MarathonID: 10})
	assert.False(t, s.Cache.Consuming())
}

// -----------------------------------------------------------------------------

func TestSubscribeMarathon_Idempotent(t *testing.T) {
	s, _ := testServer(marathonRoster())
	c := attachClient(s, 99)

	s.handleCommand(c, models.MClientCommand{Command: models.CmdSubscribeMarathon, MarathonID: 10})
	s.handleCommand(c, models.MClientCommand{Command: models.CmdSubscribeMarathon, MarathonID: 10})

	assert.Equal(t, 1, s.marathonRefs[10])

	// Single unsubscribe fully releases the duplicate subscribe
	s.handleCommand(c, models.MClientCommand{Command: models.CmdUnsubscribeMarathon, MarathonID: 10})
	assert.False(t, s.Cache.Consuming())
}

// -----------------------------------------------------------------------------
// Batched diff propagation
// -----------------------------------------------------------------------------

func ingest(s *LiveServer, payload string) {
	s.Cache.HandleMessage([]byte(payload))
	snaps := s.Cache.GetAllSnapshots()
	for login, snap := range snaps {
		s.handleUpdate(cache.UpdateEvent{Login: login, Type: "update", Snapshot: snap})
	}
}

func TestFlush_CoalescesBurstIntoOneEvent(t *testing.T) {
	s, _ := testServer(marathonRoster())
	c := attachClient(s, 99)
	s.handleCommand(c, models.MClientCommand{Command: models.CmdSubscribeMarathon, MarathonID: 10})
	drain(c)

	// A burst of ten updates for the same account within one window
	for i := 0; i < 10; i++ {
		s.Cache.HandleMessage([]byte(fmt.Sprintf(
			`{"type":"update","login":"1001","balance":10000,"equity":%d,"profit":0}`, 10000+i)))
		snap, _ := s.Cache.GetSnapshot("1001")
		s.handleUpdate(cache.UpdateEvent{Login: "1001", Type: "update", Snapshot: snap})
	}

	s.flushMarathon(10)

	events := drain(c)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventMarathonParticipantsUpdate, events[0].Event)

	update, ok := events[0].Data.(models.MMarathonUpdate)
	require.True(t, ok)
	require.Len(t, update.Participants, 1)

	// First flush carries every vital
	diff := update.Participants[0]
	assert.Equal(t, int64(1), diff.ParticipantID)
	require.NotNil(t, diff.Equity)
	assert.Equal(t, 10009.0, *diff.Equity)
	assert.NotNil(t, diff.Balance)
	assert.NotNil(t, diff.Profit)
}

// -----------------------------------------------------------------------------

func TestFlush_DiffCarriesOnlyChangedFields(t *testing.T) {
	s, _ := testServer(marathonRoster())
	c := attachClient(s, 99)
	s.handleCommand(c, models.MClientCommand{Command: models.CmdSubscribeMarathon, MarathonID: 10})
	drain(c)

	ingest(s, `{"type":"update","login":"1001","balance":10000,"equity":10000,"profit":0}`)
	s.flushMarathon(10)
	drain(c)

	// Only equity moves
	ingest(s, `{"type":"update","login":"1001","equity":10250}`)
	s.flushMarathon(10)

	events := drain(c)
	require.Len(t, events, 1)
	update := events[0].Data.(models.MMarathonUpdate)
	require.Len(t, update.Participants, 1)

	diff := update.Participants[0]
	require.NotNil(t, diff.Equity)
	assert.Equal(t, 10250.0, *diff.Equity)
	assert.Nil(t, diff.Balance)
	assert.Nil(t, diff.Profit)
}

// -----------------------------------------------------------------------------

func TestFlush_UnchangedVitalsProduceNothing(t *testing.T) {
	s, _ := testServer(marathonRoster())
	c := attachClient(s, 99)
	s.handleCommand(c, models.MClientCommand{Command: models.CmdSubscribeMarathon, MarathonID: 10})
	drain(c)

	ingest(s, `{"type":"update","login":"1001","balance":10000,"equity":10000,"profit":0}`)
	s.flushMarathon(10)
	drain(c)

	// Identical vitals again: nothing is even enqueued
	snap, _ := s.Cache.GetSnapshot("1001")
	s.handleUpdate(cache.UpdateEvent{Login: "1001", Type: "update", Snapshot: snap})
	assert.Empty(t, s.pending[10])

	s.flushMarathon(10)
	assert.Empty(t, drain(c))
}

// -----------------------------------------------------------------------------

func TestUpdate_UnknownLoginIgnored(t *testing.T) {
	s, _ := testServer(marathonRoster())
	c := attachClient(s, 99)
	s.handleCommand(c, models.MClientCommand{Command: models.CmdSubscribeMarathon, MarathonID: 10})
	drain(c)

	ingest(s, `{"type":"update","login":"5555","balance":1,"equity":1}`)
	assert.Empty(t, s.pending[10])
}

// -----------------------------------------------------------------------------
// Direct participant subscriptions
// -----------------------------------------------------------------------------

func TestSubscribeParticipant_PushesAnalysis(t *testing.T) {
	s, _ := testServer(marathonRoster())
	c := attachClient(s, 99)

	s.Cache.HandleMessage([]byte(`{"type":"account","login":"1001","balance":10500,"equity":10500,"profit":500}`))

	s.handleCommand(c, models.MClientCommand{Command: models.CmdSubscribeParticipant, ParticipantID: 1})
	assert.True(t, s.Cache.Consuming())

	events := drain(c)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventSubscribed, events[0].Event)
	assert.Equal(t, models.EventParticipantAnalysis, events[1].Event)

	payload := events[1].Data.(models.MAnalysisEvent)
	assert.Equal(t, int64(1), payload.ParticipantID)
	require.NotNil(t, payload.Data)
	assert.InDelta(t, 5.0, payload.Data.ProfitPercentage, 1e-9)
}

// -----------------------------------------------------------------------------

func TestSubscribeParticipant_Unknown(t *testing.T) {
	s, _ := testServer(marathonRoster())
	c := attachClient(s, 99)

	s.handleCommand(c, models.MClientCommand{Command: models.CmdSubscribeParticipant, ParticipantID: 777})

	events := drain(c)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventError, events[0].Event)
	assert.False(t, s.Cache.Consuming())
}

// -----------------------------------------------------------------------------
// Self view
// -----------------------------------------------------------------------------

func TestSubscribeSelf_RequiresOwnEnrollment(t *testing.T) {
	s, _ := testServer(marathonRoster())

	// User 99 is not enrolled in marathon 10
	stranger := attachClient(s, 99)
	s.handleCommand(stranger, models.MClientCommand{Command: models.CmdSubscribeSelf, MarathonID: 10})

	events := drain(stranger)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventError, events[0].Event)
	assert.False(t, s.Cache.Consuming())

	// User 11 owns participant 1
	owner := attachClient(s, 11)
	s.handleCommand(owner, models.MClientCommand{Command: models.CmdSubscribeSelf, MarathonID: 10})

	events = drain(owner)
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventSubscribed, events[0].Event)
	ack := events[0].Data.(models.MSubscriptionAck)
	assert.Equal(t, int64(1), ack.ParticipantID)
	assert.True(t, s.Cache.Consuming())
}

// -----------------------------------------------------------------------------

func TestSelfView_ArrayUpdatesOnlyOnChange(t *testing.T) {
	s, _ := testServer(marathonRoster())
	owner := attachClient(s, 11)

	s.handleCommand(owner, models.MClientCommand{Command: models.CmdSubscribeSelf, MarathonID: 10})
	drain(owner)

	ingest(s, `{"type":"account","login":"1001","balance":10000,"equity":10000,"profit":0}`)
	drain(owner)

	ingest(s, `{"type":"positions","login":"1001","positions":[{"ticket":1}]}`)
	events := drain(owner)
	assert.Contains(t, eventNames(events), models.EventMyLivePositionsUpdate)

	// Same positions payload again: no array event
	ingest(s, `{"type":"positions","login":"1001","positions":[{"ticket":1}]}`)
	events = drain(owner)
	assert.NotContains(t, eventNames(events), models.EventMyLivePositionsUpdate)
}

// -----------------------------------------------------------------------------

func TestSelfView_EventsGoOnlyToOwner(t *testing.T) {
	s, _ := testServer(marathonRoster())
	owner := attachClient(s, 11)
	other := attachClient(s, 12)

	s.handleCommand(owner, models.MClientCommand{Command: models.CmdSubscribeSelf, MarathonID: 10})
	s.handleCommand(other, models.MClientCommand{Command: models.CmdSubscribeSelf, MarathonID: 10})
	drain(owner)
	drain(other)

	ingest(s, `{"type":"account","login":"1001","balance":10000,"equity":10000,"profit":0}`)
	ingest(s, `{"type":"positions","login":"1001","positions":[{"ticket":1}]}`)

	assert.Contains(t, eventNames(drain(owner)), models.EventMyLivePositionsUpdate)
	assert.NotContains(t, eventNames(drain(other)), models.EventMyLivePositionsUpdate)
}

// -----------------------------------------------------------------------------
// Disconnect teardown
// -----------------------------------------------------------------------------

func TestTeardownClient_ReleasesEverything(t *testing.T) {
	s, _ := testServer(marathonRoster())
	c := attachClient(s, 11)

	s.handleCommand(c, models.MClientCommand{Command: models.CmdSubscribeMarathon, MarathonID: 10})
	s.handleCommand(c, models.MClientCommand{Command: models.CmdSubscribeParticipant, ParticipantID: 2})
	s.handleCommand(c, models.MClientCommand{Command: models.CmdSubscribeSelf, MarathonID: 10})
	require.True(t, s.Cache.Consuming())

	s.teardownClient(c)

	assert.Empty(t, s.clients)
	assert.Empty(t, s.marathonRefs)
	assert.Empty(t, s.participantRefs)
	assert.Empty(t, s.selfViewRefs)
	assert.False(t, s.Cache.Consuming())
}

// -----------------------------------------------------------------------------

func TestDeliver_DropsSlowClient(t *testing.T) {
	s, _ := testServer(marathonRoster())
	c := attachClient(s, 99)
	s.handleCommand(c, models.MClientCommand{Command: models.CmdSubscribeMarathon, MarathonID: 10})
	drain(c)

	// The viewer stopped reading
	c.send = make(chan models.MServerEvent)

	ingest(s, `{"type":"update","login":"1001","balance":10000,"equity":10000,"profit":0}`)
	s.flushMarathon(10)

	_, stillThere := s.clients[c]
	assert.False(t, stillThere)
	assert.False(t, s.Cache.Consuming())
}

// -----------------------------------------------------------------------------
// Stats
// -----------------------------------------------------------------------------

func TestBuildStats(t *testing.T) {
	s, _ := testServer(marathonRoster())
	c1 := attachClient(s, 11)
	c2 := attachClient(s, 99)

	s.handleCommand(c1, models.MClientCommand{Command: models.CmdSubscribeMarathon, MarathonID: 10})
	s.handleCommand(c2, models.MClientCommand{Command: models.CmdSubscribeMarathon, MarathonID: 10})
	s.handleCommand(c1, models.MClientCommand{Command: models.CmdSubscribeSelf, MarathonID: 10})

	stats := s.buildStats()
	assert.Equal(t, 2, stats.ConnectedClients)
	assert.Equal(t, 2, stats.MarathonSubscriptions)
	assert.Equal(t, 1, stats.SelfViewSubscriptions)
	assert.True(t, stats.ConsumingUpstream)
	assert.Equal(t, 1, stats.InterestedMarathonIDs)
}

// -----------------------------------------------------------------------------

func TestUnknownCommand(t *testing.T) {
	s, _ := testServer(marathonRoster())
	c := attachClient(s, 99)

	s.handleCommand(c, models.MClientCommand{Command: "resubscribe_everything"})

	events := drain(c)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventError, events[0].Event)
}
