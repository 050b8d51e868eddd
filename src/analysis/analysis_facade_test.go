package analysis

import (
	"context"
	"testing"
	"time"

	"marathon-engine/src/leaderboard"
	"marathon-engine/src/logger"
	"marathon-engine/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeParticipants struct {
	roster []models.MParticipant
}

func (f *fakeParticipants) GetByID(context.Context, int64) (*models.MParticipant, error) {
	return nil, nil
}

func (f *fakeParticipants) GetByAccountLogin(context.Context, string) (*models.MParticipant, error) {
	return nil, nil
}

func (f *fakeParticipants) GetByUserAndMarathon(context.Context, int64, int64) (*models.MParticipant, error) {
	return nil, nil
}

func (f *fakeParticipants) ActiveByMarathon(context.Context, int64) ([]models.MParticipant, error) {
	return f.roster, nil
}

func (f *fakeParticipants) Disqualify(context.Context, int64, []models.MRuleViolation) error {
	return nil
}

// -----------------------------------------------------------------------------

type fakeHistory struct {
	samples map[string][]models.MEquitySample
	trades  map[string]int
	calls   int
}

func (f *fakeHistory) EquityHistory(_ context.Context, login string, _, _ time.Time) ([]models.MEquitySample, error) {
	f.calls++
	return f.samples[login], nil
}

func (f *fakeHistory) TradeCount(_ context.Context, login string, _, _ time.Time) (int, error) {
	return f.trades[login], nil
}

func (f *fakeHistory) SaveEquitySample(context.Context, models.MEquitySample) error {
	return nil
}

// -----------------------------------------------------------------------------

type fakeSnapshots struct {
	snaps  map[string]models.MAccountSnapshot
	curves map[string][]models.MEquitySample
}

func (f *fakeSnapshots) GetSnapshot(login string) (models.MAccountSnapshot, bool) {
	s, ok := f.snaps[login]
	return s, ok
}

func (f *fakeSnapshots) GetAllSnapshots() map[string]models.MAccountSnapshot {
	return f.snaps
}

func (f *fakeSnapshots) EquityCurve(login string) []models.MEquitySample {
	return f.curves[login]
}

// -----------------------------------------------------------------------------
// Fixture
// -----------------------------------------------------------------------------

func testFacade() (*AnalysisFacade, *fakeHistory, *fakeSnapshots) {
	cfg := &models.MConfig{}
	cfg.Hub.AnalysisCacheTTLSeconds = 3

	log := logger.NewLogger("ERROR", "test")
	participants := &fakeParticipants{roster: []models.MParticipant{
		{ID: 1, UserID: 11, AccountLogin: "1001"},
		{ID: 2, UserID: 12, AccountLogin: "1002"},
	}}
	history := &fakeHistory{
		samples: map[string][]models.MEquitySample{},
		trades:  map[string]int{},
	}
	snapshots := &fakeSnapshots{
		snaps:  map[string]models.MAccountSnapshot{},
		curves: map[string][]models.MEquitySample{},
	}

	calc := leaderboard.NewCalculator(participants, log)
	return NewAnalysisFacade(cfg, log, calc, history, snapshots), history, snapshots
}

func testMarathon() *models.MMarathon {
	return &models.MMarathon{
		ID:        10,
		Status:    models.MarathonOngoing,
		StartDate: time.Now().AddDate(0, 0, -7),
		EndDate:   time.Now().AddDate(0, 0, 7),
	}
}

// -----------------------------------------------------------------------------

func TestParticipantAnalysis(t *testing.T) {
	facade, history, snapshots := testFacade()
	p := &models.MParticipant{ID: 1, MarathonID: 10, AccountLogin: "1001"}

	history.samples["1001"] = []models.MEquitySample{
		{Equity: 12000, RecordedAt: time.Now().AddDate(0, 0, -2)},
	}
	history.trades["1001"] = 4
	// 1001 trails 1002 on profit percentage
	snapshots.snaps["1001"] = models.MAccountSnapshot{
		Login: "1001", Balance: 10500, Equity: 9000, Profit: 500,
	}
	snapshots.snaps["1002"] = models.MAccountSnapshot{
		Login: "1002", Balance: 5300, Equity: 5300, Profit: 300,
	}
	snapshots.curves["1001"] = []models.MEquitySample{{Equity: 9000}}

	out, err := facade.ParticipantAnalysis(context.Background(), p, testMarathon())
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, int64(1), out.ParticipantID)
	assert.Equal(t, 2, out.Rank)
	assert.Equal(t, 4, out.TradeCount)
	assert.InDelta(t, 5.0, out.ProfitPercentage, 1e-9)
	assert.InDelta(t, 25.0, out.DrawdownPercent, 1e-9)
	assert.Len(t, out.EquityCurve, 1)
}

// -----------------------------------------------------------------------------

func TestParticipantAnalysis_NoSnapshotYieldsNil(t *testing.T) {
	facade, _, _ := testFacade()
	p := &models.MParticipant{ID: 1, MarathonID: 10, AccountLogin: "1001"}

	out, err := facade.ParticipantAnalysis(context.Background(), p, testMarathon())
	require.NoError(t, err)
	assert.Nil(t, out)
}

// -----------------------------------------------------------------------------

func TestParticipantAnalysis_ShortTTLCache(t *testing.T) {
	facade, history, snapshots := testFacade()
	p := &models.MParticipant{ID: 1, MarathonID: 10, AccountLogin: "1001"}
	snapshots.snaps["1001"] = models.MAccountSnapshot{Login: "1001", Balance: 10000, Equity: 10000}

	base := time.Now()
	facade.now = func() time.Time { return base }

	_, err := facade.ParticipantAnalysis(context.Background(), p, testMarathon())
	require.NoError(t, err)
	_, err = facade.ParticipantAnalysis(context.Background(), p, testMarathon())
	require.NoError(t, err)
	assert.Equal(t, 1, history.calls)

	// Past the TTL the payload is rebuilt
	facade.now = func() time.Time { return base.Add(5 * time.Second) }
	_, err = facade.ParticipantAnalysis(context.Background(), p, testMarathon())
	require.NoError(t, err)
	assert.Equal(t, 2, history.calls)
}

// -----------------------------------------------------------------------------

func TestInvalidate(t *testing.T) {
	facade, history, snapshots := testFacade()
	p := &models.MParticipant{ID: 1, MarathonID: 10, AccountLogin: "1001"}
	snapshots.snaps["1001"] = models.MAccountSnapshot{Login: "1001", Balance: 10000, Equity: 10000}

	_, err := facade.ParticipantAnalysis(context.Background(), p, testMarathon())
	require.NoError(t, err)

	facade.Invalidate(p.ID)

	_, err = facade.ParticipantAnalysis(context.Background(), p, testMarathon())
	require.NoError(t, err)
	assert.Equal(t, 2, history.calls)
}

// -----------------------------------------------------------------------------

func TestParticipantAnalysis_PeakFallsBackToLiveEquity(t *testing.T) {
	facade, _, snapshots := testFacade()
	p := &models.MParticipant{ID: 1, MarathonID: 10, AccountLogin: "1001"}
	snapshots.snaps["1001"] = models.MAccountSnapshot{Login: "1001", Balance: 9000, Equity: 9000}

	out, err := facade.ParticipantAnalysis(context.Background(), p, testMarathon())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, 0.0, out.DrawdownPercent)
}
