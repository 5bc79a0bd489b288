package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/rooms-watchdog/internal/audit"
	"github.com/xela07ax/rooms-watchdog/internal/clock"
	"github.com/xela07ax/rooms-watchdog/internal/domain"
	"github.com/xela07ax/rooms-watchdog/internal/store"
	"github.com/xela07ax/rooms-watchdog/internal/store/memory"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	ownerID     = "owner@rooms.app"
	ownerRecord = `{"name":"Owner","password":"hunter2","rooms":["general","music"]}`
)

type fakeSurface struct {
	mu        sync.Mutex
	confirm   bool
	prompts   []string
	alerts    []string
	redirects []string
	ctxErrs   []error // ctx.Err() на момент каждого Alert/Redirect
}

func (s *fakeSurface) Confirm(_ context.Context, prompt string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	return s.confirm
}

func (s *fakeSurface) Alert(ctx context.Context, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, message)
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
}

func (s *fakeSurface) Redirect(ctx context.Context, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirects = append(s.redirects, target)
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
}

func (s *fakeSurface) alertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *fakeAuditor) Log(ev audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *fakeAuditor) kinds() []audit.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]audit.Kind, 0, len(a.events))
	for _, ev := range a.events {
		out = append(out, ev.Kind)
	}
	return out
}

// failingKV отдает ошибку на чтение выбранного ключа.
type failingKV struct {
	store.KV
	failKey string
}

func (f *failingKV) Get(ctx context.Context, key string) (string, bool, error) {
	if key == f.failKey {
		return "", false, errors.New("disk I/O error")
	}
	return f.KV.Get(ctx, key)
}

type fixture struct {
	ctx      context.Context
	cfg      Config
	clk      *clock.FakeClock
	app      *memory.Tab
	attacker *memory.Tab
	surface  *fakeSurface
	auditor  *fakeAuditor
	metrics  *Metrics
	wd       *Watchdog
}

func newFixture(t *testing.T, tune func(*Config)) *fixture {
	t.Helper()

	cfg := DefaultConfig()
	cfg.OwnerID = ownerID
	if tune != nil {
		tune(&cfg)
	}

	backend := memory.NewBackend()
	f := &fixture{
		ctx:      context.Background(),
		cfg:      cfg,
		clk:      clock.Fake(t0),
		app:      backend.NewTab(),
		attacker: backend.NewTab(),
		surface:  &fakeSurface{confirm: true},
		auditor:  &fakeAuditor{},
		metrics:  NewMetrics(prometheus.NewRegistry()),
	}
	f.populate(t)

	wd, err := New(cfg, Deps{
		Local:    f.app.Local,
		Session:  f.app.Session,
		Notifier: f.app.Local,
		Clock:    f.clk,
		Surface:  f.surface,
		Auditor:  f.auditor,
		Metrics:  f.metrics,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	f.wd = wd
	t.Cleanup(wd.Stop)
	return f
}

func (f *fixture) populate(t *testing.T) {
	t.Helper()
	accounts := `{"` + ownerID + `":` + ownerRecord + `,"bob@rooms.app":{"name":"Bob","password":"qwerty"}}`
	require.NoError(t, f.app.Local.Set(f.ctx, "accounts", accounts))
	require.NoError(t, f.app.Local.Set(f.ctx, "rooms", `[{"id":"general"},{"id":"music"}]`))
	require.NoError(t, f.app.Local.Set(f.ctx, "settings", `{"theme":"dark"}`))
	require.NoError(t, f.app.Session.Set(f.ctx, "currentUser", ownerID))
}

// startAndSeed запускает мониторинг и проматывает grace period, после чего эталон снят.
func (f *fixture) startAndSeed(t *testing.T) {
	t.Helper()
	require.NoError(t, f.wd.Start(f.ctx))
	f.clk.Advance(f.cfg.GracePeriod)

	_, ok, err := f.app.Local.Get(f.ctx, f.cfg.Keys.Integrity)
	require.NoError(t, err)
	require.True(t, ok, "baseline must be seeded when grace period ends")
}

func (f *fixture) get(t *testing.T, key string) (string, bool) {
	t.Helper()
	v, ok, err := f.app.Local.Get(f.ctx, key)
	require.NoError(t, err)
	return v, ok
}

func (f *fixture) violations(t *testing.T) int {
	t.Helper()
	st, err := f.wd.Status(f.ctx)
	require.NoError(t, err)
	return st.Violations
}

func TestNewRequiresLocalStore(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	require.Error(t, err)
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.wd.Start(f.ctx))
	require.NoError(t, f.wd.Start(f.ctx))

	st, err := f.wd.Status(f.ctx)
	require.NoError(t, err)
	assert.True(t, st.Monitoring)
	// Один тикер и один таймер засева
	assert.Equal(t, 2, f.clk.Pending())

	f.wd.Stop()
	f.wd.Stop()
	assert.Equal(t, 0, f.clk.Pending())

	st, err = f.wd.Status(f.ctx)
	require.NoError(t, err)
	assert.False(t, st.Monitoring)
}

func TestStopHaltsScheduledChecks(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndSeed(t)

	f.wd.Stop()
	require.NoError(t, f.attacker.Local.Set(f.ctx, "rooms", "tampered"))
	f.clk.Advance(5 * time.Minute)

	assert.Equal(t, 0, f.violations(t))
	assert.Equal(t, 0, f.surface.alertCount())
}

func TestRestartAfterStop(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndSeed(t)
	f.wd.Stop()

	require.NoError(t, f.wd.Start(f.ctx))
	st, err := f.wd.Status(f.ctx)
	require.NoError(t, err)
	assert.True(t, st.Monitoring)
	assert.True(t, st.InGracePeriod)
	assert.Equal(t, time.Duration(0), st.Elapsed)
}

func TestSeedOnlyAfterGracePeriod(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.wd.Start(f.ctx))

	f.clk.Advance(f.cfg.GracePeriod - time.Second)
	_, ok := f.get(t, f.cfg.Keys.Integrity)
	assert.False(t, ok)

	f.clk.Advance(time.Second)
	_, ok = f.get(t, f.cfg.Keys.Integrity)
	assert.True(t, ok)
	assert.Equal(t, 0, f.violations(t))
}

func TestStaleBaselineFromPreviousSessionIsNotAViolation(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.app.Local.Set(f.ctx, f.cfg.Keys.Integrity, "left-over-from-last-session"))

	f.startAndSeed(t)
	f.clk.Advance(time.Minute)

	assert.Equal(t, 0, f.violations(t))
	assert.Equal(t, 0, f.surface.alertCount())
}

func TestGracePeriodSuppressesViolations(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.wd.Start(f.ctx))
	f.clk.Advance(10 * time.Second)

	require.NoError(t, f.attacker.Local.Set(f.ctx, "rooms", "tampered"))
	require.NoError(t, f.attacker.Local.Remove(f.ctx, "settings"))
	for range 200 {
		f.wd.HandleStorageEvent(f.ctx, domain.StorageEvent{Area: domain.AreaLocal, Key: "noise"})
	}

	assert.Equal(t, 0, f.wd.RecordViolation(f.ctx, "manual probe"))
	assert.Equal(t, OutcomeSkipped, f.wd.Check(f.ctx))

	f.clk.Advance(20 * time.Second)
	assert.Equal(t, 0, f.violations(t))
	assert.Equal(t, 0, f.surface.alertCount())
}

func TestManualCheckWithoutStart(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, OutcomeSeeded, f.wd.Check(f.ctx))
	assert.Equal(t, OutcomeSkipped, f.wd.Check(f.ctx), "debounced by min check spacing")

	f.clk.Advance(f.cfg.MinCheckSpacing)
	assert.Equal(t, OutcomeClean, f.wd.Check(f.ctx))

	require.NoError(t, f.app.Local.Set(f.ctx, "settings", `{"theme":"light"}`))
	f.clk.Advance(f.cfg.MinCheckSpacing)
	assert.Equal(t, OutcomeViolation, f.wd.Check(f.ctx))
	assert.Equal(t, 1, f.violations(t))

	// Эталон обновлен: та же подмена второй раз не засчитывается
	f.clk.Advance(f.cfg.MinCheckSpacing)
	assert.Equal(t, OutcomeClean, f.wd.Check(f.ctx))
	assert.Equal(t, 1, f.violations(t))
}

func TestCheckPersistsLastCheckTime(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndSeed(t)

	raw, ok := f.get(t, f.cfg.Keys.LastCheck)
	require.True(t, ok)
	assert.Equal(t, formatMillis(t0.Add(f.cfg.GracePeriod)), raw)

	f.clk.Advance(f.cfg.CheckInterval)
	raw, _ = f.get(t, f.cfg.Keys.LastCheck)
	assert.Equal(t, formatMillis(t0.Add(f.cfg.GracePeriod+f.cfg.CheckInterval)), raw)
}

func TestStoreErrorAbandonsPass(t *testing.T) {
	f := newFixture(t, nil)
	wd, err := New(f.cfg, Deps{
		Local: &failingKV{KV: f.app.Local, failKey: "rooms"},
		Clock: f.clk,
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, wd.Check(f.ctx))
	_, ok := f.get(t, f.cfg.Keys.Violations)
	assert.False(t, ok)
	_, ok = f.get(t, f.cfg.Keys.Integrity)
	assert.False(t, ok)
}

func TestMalformedCounterTreatedAsZero(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.app.Local.Set(f.ctx, f.cfg.Keys.Violations, "lots"))

	assert.Equal(t, 1, f.wd.RecordViolation(f.ctx, "manual probe"))
}

func TestThresholdTriggersExactlyOneWipe(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndSeed(t)

	assert.Equal(t, 1, f.wd.RecordViolation(f.ctx, "probe"))
	assert.Equal(t, 2, f.wd.RecordViolation(f.ctx, "probe"))
	assert.Equal(t, 0, f.surface.alertCount())

	assert.Equal(t, 3, f.wd.RecordViolation(f.ctx, "probe"))
	assert.Equal(t, 1, f.surface.alertCount())
	assert.Equal(t, 0, f.violations(t))

	// Сразу после зачистки - cooldown
	assert.Equal(t, 0, f.wd.RecordViolation(f.ctx, "probe"))

	// После cooldown счетчик начинается с нуля, зачистки нет
	f.clk.Advance(f.cfg.WipeCooldown)
	assert.Equal(t, 1, f.wd.RecordViolation(f.ctx, "probe"))
	assert.Equal(t, 1, f.surface.alertCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Wipes.WithLabelValues("full")))
}

func TestCooldownSuppressesSecondWipe(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndSeed(t)

	require.True(t, f.wd.Wipe(f.ctx, "first"))
	require.NoError(t, f.attacker.Local.Set(f.ctx, "rooms", `[{"id":"rebuilt"}]`))

	assert.False(t, f.wd.Wipe(f.ctx, "second"))
	rooms, ok := f.get(t, "rooms")
	require.True(t, ok, "suppressed wipe must not clear the store")
	assert.Equal(t, `[{"id":"rebuilt"}]`, rooms)
	assert.Equal(t, 1, f.surface.alertCount())

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Wipes.WithLabelValues("full")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Wipes.WithLabelValues("suppressed")))
	assert.Contains(t, f.auditor.kinds(), audit.KindWipeSuppressed)

	f.clk.Advance(f.cfg.WipeCooldown)
	assert.True(t, f.wd.Wipe(f.ctx, "third"))
	_, ok = f.get(t, "rooms")
	assert.False(t, ok)
}

func TestWipePreservesOwnerRecord(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndSeed(t)

	require.True(t, f.wd.Wipe(f.ctx, "manual"))

	accounts, ok := f.get(t, "accounts")
	require.True(t, ok)
	assert.JSONEq(t, `{"`+ownerID+`":`+ownerRecord+`}`, accounts)

	for _, key := range []string{"rooms", "settings", f.cfg.Keys.Integrity} {
		_, ok := f.get(t, key)
		assert.False(t, ok, key)
	}
	n, err := f.app.Session.Len(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	violations, _ := f.get(t, f.cfg.Keys.Violations)
	assert.Equal(t, "0", violations)

	var breach domain.BreachRecord
	raw, ok := f.get(t, f.cfg.Keys.Breach)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal([]byte(raw), &breach))
	assert.Equal(t, "manual", breach.Reason)
	assert.Equal(t, f.cfg.ClientID, breach.UserAgent)
	assert.True(t, breach.Timestamp.Equal(t0.Add(f.cfg.GracePeriod)))

	st, err := f.wd.Status(f.ctx)
	require.NoError(t, err)
	assert.False(t, st.Monitoring)
	assert.True(t, st.InCooldown)
	assert.Equal(t, []string{f.cfg.RedirectTarget}, f.surface.redirects)
}

func TestWipeWithoutOwnerAccount(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.OwnerID = "nobody@rooms.app" })

	require.True(t, f.wd.Wipe(f.ctx, "manual"))
	_, ok := f.get(t, "accounts")
	assert.False(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Wipes.WithLabelValues("full")))
}

func TestMalformedAccountsFallsBackToFullClear(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndSeed(t)
	require.NoError(t, f.app.Local.Set(f.ctx, "accounts", "{not json"))

	require.True(t, f.wd.Wipe(f.ctx, "manual"))

	// Остается только отметка cooldown
	n, err := f.app.Local.Len(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := f.get(t, f.cfg.Keys.LastWipe)
	assert.True(t, ok)

	n, err = f.app.Session.Len(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, 1, f.surface.alertCount())
	assert.Equal(t, []string{f.cfg.RedirectTarget}, f.surface.redirects)
	assert.Contains(t, f.auditor.kinds(), audit.KindWipeFallback)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Wipes.WithLabelValues("fallback")))

	st, err := f.wd.Status(f.ctx)
	require.NoError(t, err)
	assert.False(t, st.Monitoring)
}

func TestConfirmWipe(t *testing.T) {
	f := newFixture(t, nil)
	f.surface.confirm = false

	assert.False(t, f.wd.ConfirmWipe(f.ctx, "user request"))
	_, ok := f.get(t, "rooms")
	assert.True(t, ok)
	assert.Len(t, f.surface.prompts, 1)

	f.surface.confirm = true
	assert.True(t, f.wd.ConfirmWipe(f.ctx, "user request"))
	_, ok = f.get(t, "rooms")
	assert.False(t, ok)
}

func TestRapidChangesWithinWindowTripOnce(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.RapidChangeThreshold = 5
		c.RapidChangeWindow = 5 * time.Second
	})
	f.startAndSeed(t)

	for range 5 {
		f.wd.HandleStorageEvent(f.ctx, domain.StorageEvent{Area: domain.AreaLocal, Key: "draft"})
	}
	assert.Equal(t, 1, f.violations(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Violations.WithLabelValues(KindRapid)))

	// Окно сброшено после срабатывания
	for range 4 {
		f.wd.HandleStorageEvent(f.ctx, domain.StorageEvent{Area: domain.AreaLocal, Key: "draft"})
	}
	assert.Equal(t, 1, f.violations(t))
}

func TestRapidChangesSpreadAcrossWindowsDoNotTrip(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.RapidChangeThreshold = 5
		c.RapidChangeWindow = 5 * time.Second
	})
	f.startAndSeed(t)

	for range 10 {
		f.wd.HandleStorageEvent(f.ctx, domain.StorageEvent{Area: domain.AreaLocal, Key: "draft"})
		f.clk.Advance(6 * time.Second)
	}
	assert.Equal(t, 0, f.violations(t))
}

func TestSessionAreaEventsIgnored(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RapidChangeThreshold = 3 })
	f.startAndSeed(t)

	for range 10 {
		f.wd.HandleStorageEvent(f.ctx, domain.StorageEvent{Area: domain.AreaSession, Key: "currentUser"})
	}
	assert.Equal(t, 0, f.violations(t))
	assert.Equal(t, float64(10), testutil.ToFloat64(f.metrics.StorageEvents.WithLabelValues("session")))
}

func TestExpectedMutationIsAbsorbed(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndSeed(t)

	f.wd.ExpectMutation(f.ctx, "rooms")
	require.NoError(t, f.attacker.Local.Set(f.ctx, "rooms", `[{"id":"general"},{"id":"new"}]`))
	f.clk.Advance(f.cfg.CheckInterval)
	assert.Equal(t, 0, f.violations(t))

	// Объявление одноразовое
	require.NoError(t, f.attacker.Local.Set(f.ctx, "rooms", "tampered"))
	f.clk.Advance(f.cfg.CheckInterval)
	assert.Equal(t, 1, f.violations(t))
}

func TestSanctionedWritesDoNotCount(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndSeed(t)

	require.NoError(t, f.wd.Write(f.ctx, "settings", `{"theme":"light"}`))
	f.clk.Advance(f.cfg.CheckInterval)

	f.attacker.Local.Sanctioned = true
	require.NoError(t, f.attacker.Local.Set(f.ctx, "rooms", `[{"id":"general"}]`))
	f.clk.Advance(f.cfg.CheckInterval)

	assert.Equal(t, 0, f.violations(t))
}

func TestMissingCriticalSlots(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ViolationThreshold = 10 })
	require.NoError(t, f.app.Local.Set(f.ctx, "profile_cache", "{}"))
	f.startAndSeed(t)

	for _, key := range []string{"accounts", "rooms", "settings"} {
		require.NoError(t, f.attacker.Local.Remove(f.ctx, key))
	}
	f.clk.Advance(f.cfg.CheckInterval)

	// Подмена хэша и пропажа данных
	assert.Equal(t, 2, f.violations(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Violations.WithLabelValues(KindMissing)))
}

func TestMissingSlotsIgnoredWhenOnlyBookkeepingLeft(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ViolationThreshold = 10 })
	f.startAndSeed(t)

	for _, key := range []string{"accounts", "rooms", "settings"} {
		require.NoError(t, f.attacker.Local.Remove(f.ctx, key))
	}
	f.clk.Advance(f.cfg.CheckInterval)

	assert.Equal(t, 1, f.violations(t))
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.Violations.WithLabelValues(KindMissing)))
}

func TestMissingWithinToleranceIsFine(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndSeed(t)

	require.NoError(t, f.attacker.Local.Remove(f.ctx, "rooms"))
	require.NoError(t, f.attacker.Local.Remove(f.ctx, "settings"))
	f.clk.Advance(f.cfg.CheckInterval)

	assert.Equal(t, 1, f.violations(t))
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.Violations.WithLabelValues(KindMissing)))
}

func TestStatusAndReset(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndSeed(t)

	st, err := f.wd.Status(f.ctx)
	require.NoError(t, err)
	assert.True(t, st.Monitoring)
	assert.Equal(t, 3, st.Threshold)
	assert.NotEmpty(t, st.IntegrityHash)
	require.NotNil(t, st.LastCheck)
	assert.True(t, st.LastCheck.Equal(t0.Add(f.cfg.GracePeriod)))
	assert.False(t, st.InGracePeriod)
	assert.False(t, st.InCooldown)
	assert.Nil(t, st.LastBreach)
	assert.Equal(t, f.cfg.GracePeriod, st.Elapsed)

	require.True(t, f.wd.Wipe(f.ctx, "manual"))
	st, err = f.wd.Status(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, st.LastBreach)
	assert.Equal(t, "manual", st.LastBreach.Reason)
	assert.True(t, st.InCooldown)

	require.NoError(t, f.wd.ResetViolations(f.ctx))
	st, err = f.wd.Status(f.ctx)
	require.NoError(t, err)
	assert.False(t, st.InCooldown)
	assert.Equal(t, 0, st.Violations)
	assert.Contains(t, f.auditor.kinds(), audit.KindReset)

	// Cooldown снят - следующая зачистка выполняется сразу
	assert.True(t, f.wd.Wipe(f.ctx, "again"))
}

// Атака по шагам: вход, ожидание grace, подмена rooms из другой вкладки, повторы до порога.
func TestEndToEndTamperScenario(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndSeed(t)

	require.NoError(t, f.attacker.Local.Set(f.ctx, "rooms", `[{"id":"owned-1"}]`))
	f.clk.Advance(f.cfg.CheckInterval)
	assert.Equal(t, 1, f.violations(t))
	assert.Equal(t, 0, f.surface.alertCount())

	for i := 2; i <= f.cfg.ViolationThreshold; i++ {
		require.NoError(t, f.attacker.Local.Set(f.ctx, "rooms", `[{"id":"owned-`+strconv.Itoa(i)+`"}]`))
		f.clk.Advance(f.cfg.CheckInterval)
	}

	assert.Equal(t, 1, f.surface.alertCount())
	assert.Equal(t, []string{wipeNotice}, f.surface.alerts)

	accounts, ok := f.get(t, "accounts")
	require.True(t, ok)
	assert.JSONEq(t, `{"`+ownerID+`":`+ownerRecord+`}`, accounts)
	_, ok = f.get(t, "rooms")
	assert.False(t, ok)
	_, ok = f.get(t, "settings")
	assert.False(t, ok)

	st, err := f.wd.Status(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, st.LastBreach)
	assert.Equal(t, "multiple violations (3)", st.LastBreach.Reason)
	assert.False(t, st.Monitoring)

	assert.Equal(t, []audit.Kind{
		audit.KindViolation, audit.KindViolation, audit.KindViolation, audit.KindWipe,
	}, f.auditor.kinds())

	// Мониторинг остановлен: дальнейшие подмены не проверяются
	require.NoError(t, f.attacker.Local.Set(f.ctx, "rooms", "again"))
	f.clk.Advance(time.Minute)
	assert.Equal(t, 1, f.surface.alertCount())
}

// advanceOrFail проматывает часы в отдельной горутине, чтобы зависание сторожей
// валило тест, а не весь прогон.
func advanceOrFail(t *testing.T, clk *clock.FakeClock, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		clk.Advance(d)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("watchdogs did not return from a scheduled pass")
	}
}

func TestTwoTabsShareOneBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OwnerID = ownerID

	ctx := context.Background()
	clk := clock.Fake(t0)
	backend := memory.NewBackend()
	attacker := backend.NewTab()

	(&fixture{ctx: ctx, app: backend.NewTab()}).populate(t)

	surfaces := make([]*fakeSurface, 2)
	for i := range surfaces {
		tab := backend.NewTab()
		surfaces[i] = &fakeSurface{confirm: true}
		wd, err := New(cfg, Deps{
			Local:    tab.Local,
			Session:  tab.Session,
			Notifier: tab.Local,
			Clock:    clk,
			Surface:  surfaces[i],
			Metrics:  NewMetrics(prometheus.NewRegistry()),
			Logger:   zaptest.NewLogger(t),
		})
		require.NoError(t, err)
		t.Cleanup(wd.Stop)
		require.NoError(t, wd.Start(ctx))
	}

	// Обе вкладки снимают эталон и пишут служебные ключи друг другу под руку
	advanceOrFail(t, clk, cfg.GracePeriod)
	raw, ok, err := attacker.Local.Get(ctx, cfg.Keys.Violations)
	require.NoError(t, err)
	assert.False(t, ok && raw != "0", "no violations expected after seeding, got %q", raw)

	// Подмена засчитывается один раз на общий счетчик: вторая вкладка видит уже обновленный эталон
	for i := 1; i <= cfg.ViolationThreshold; i++ {
		require.NoError(t, attacker.Local.Set(ctx, "rooms", "tampered-"+strconv.Itoa(i)))
		advanceOrFail(t, clk, cfg.CheckInterval)
	}

	assert.Equal(t, 1, surfaces[0].alertCount()+surfaces[1].alertCount())
	accounts, ok, err := attacker.Local.Get(ctx, "accounts")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"`+ownerID+`":`+ownerRecord+`}`, accounts)
	_, ok, err = attacker.Local.Get(ctx, cfg.Keys.Breach)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScheduledWipeNotifiesWithLiveContext(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndSeed(t)

	for i := 1; i <= f.cfg.ViolationThreshold; i++ {
		require.NoError(t, f.attacker.Local.Set(f.ctx, "rooms", "tampered-"+strconv.Itoa(i)))
		f.clk.Advance(f.cfg.CheckInterval)
	}

	require.Equal(t, 1, f.surface.alertCount())
	assert.Equal(t, []string{wipeNotice}, f.surface.alerts)
	assert.Equal(t, []string{f.cfg.RedirectTarget}, f.surface.redirects)
	assert.Equal(t, []error{nil, nil}, f.surface.ctxErrs)
}

func TestFallbackWipeNotifiesWithCancelledCaller(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.app.Local.Set(f.ctx, "accounts", "{not json"))

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	require.True(t, f.wd.Wipe(ctx, "manual"))

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Wipes.WithLabelValues("fallback")))
	assert.Equal(t, []error{nil, nil}, f.surface.ctxErrs)
}

// echoNotifier запоминает подписчика, echoKV дергает его прямо из-под Set:
// так ведет себя соседняя вкладка, которая синхронно пишет в ответ.
type echoNotifier struct {
	fn func(domain.StorageEvent)
}

func (n *echoNotifier) Watch(_ context.Context, fn func(domain.StorageEvent)) (func(), error) {
	n.fn = fn
	return func() {}, nil
}

type echoKV struct {
	store.KV
	n     *echoNotifier
	armed bool
}

func (e *echoKV) Set(ctx context.Context, key, value string) error {
	err := e.KV.Set(ctx, key, value)
	if e.armed && e.n.fn != nil {
		e.armed = false
		e.n.fn(domain.StorageEvent{Area: domain.AreaLocal, Key: "draft"})
	}
	return err
}

func TestEventsRaisedWhileBusyAreDeferred(t *testing.T) {
	cfg := DefaultConfig()
	ctx := context.Background()
	clk := clock.Fake(t0)

	tab := memory.NewBackend().NewTab()
	(&fixture{ctx: ctx, app: tab}).populate(t)

	notifier := &echoNotifier{}
	kv := &echoKV{KV: tab.Local, n: notifier}
	metrics := NewMetrics(prometheus.NewRegistry())
	wd, err := New(cfg, Deps{
		Local:    kv,
		Notifier: notifier,
		Clock:    clk,
		Metrics:  metrics,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(wd.Stop)
	require.NoError(t, wd.Start(ctx))
	clk.Advance(cfg.GracePeriod)
	clk.Advance(cfg.MinCheckSpacing)

	kv.armed = true
	done := make(chan Outcome)
	go func() { done <- wd.Check(ctx) }()
	select {
	case outcome := <-done:
		assert.Equal(t, OutcomeClean, outcome)
	case <-time.After(3 * time.Second):
		t.Fatal("check blocked on a notification raised under the lock")
	}

	// Уведомление разобрано тем же владельцем мьютекса после прохода
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StorageEvents.WithLabelValues("local")))
	assert.False(t, kv.armed)
}

func TestBookkeepingEventsDoNotFeedDetector(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RapidChangeThreshold = 3 })
	f.startAndSeed(t)

	for range 10 {
		f.wd.HandleStorageEvent(f.ctx, domain.StorageEvent{Area: domain.AreaLocal, Key: f.cfg.Keys.LastCheck})
	}
	assert.Equal(t, 0, f.violations(t))
	assert.Equal(t, float64(10), testutil.ToFloat64(f.metrics.StorageEvents.WithLabelValues("local")))
}

func TestStaleSeedTimerLeavesNewSessionAlone(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.wd.Start(f.ctx))
	staleGen := f.wd.gen
	f.wd.Stop()
	require.NoError(t, f.wd.Start(f.ctx))

	// Колбэк таймера прошлой сессии, дождавшийся мьютекса после перезапуска
	f.wd.seed(f.ctx, staleGen)

	f.wd.mu.Lock()
	timer, seeded := f.wd.seedTimer, f.wd.seeded
	f.wd.mu.Unlock()
	assert.NotNil(t, timer)
	assert.False(t, seeded)
	_, ok := f.get(t, f.cfg.Keys.Integrity)
	assert.False(t, ok)

	f.wd.Stop()
	assert.Equal(t, 0, f.clk.Pending())
}

func TestNonObjectAccountsWipesWithoutOwner(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.app.Local.Set(f.ctx, "accounts", `[]`))

	require.True(t, f.wd.Wipe(f.ctx, "manual"))

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Wipes.WithLabelValues("full")))
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.Wipes.WithLabelValues("fallback")))
	_, ok := f.get(t, "accounts")
	assert.False(t, ok)
	_, ok = f.get(t, f.cfg.Keys.Breach)
	assert.True(t, ok)
}

func TestWriteRejectsBookkeepingKeys(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.app.Local.Set(f.ctx, f.cfg.Keys.Violations, "2"))

	for _, key := range []string{f.cfg.Keys.Violations, f.cfg.Keys.LastWipe, f.cfg.Keys.Integrity} {
		err := f.wd.Write(f.ctx, key, "0")
		assert.ErrorIs(t, err, ErrReservedKey, key)
	}
	assert.Equal(t, 2, f.violations(t))

	require.NoError(t, f.wd.Write(f.ctx, "settings", `{"theme":"light"}`))
}
