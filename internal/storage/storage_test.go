package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rewired-gh/pricealert/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testAlert(name string) *models.Alert {
	a := models.NewAlert(name, models.TypeSpread, models.ScopeList)
	a.ItemIDs = []int{100, 456}
	a.Percentage = 5
	return a
}

func TestStorage_AddAndGetAlert(t *testing.T) {
	s := newTestStorage(t)
	a := testAlert("spreads")
	a.MinVolume = 1_000_000

	if err := s.AddAlert(a); err != nil {
		t.Fatalf("AddAlert: %v", err)
	}
	got, err := s.GetAlert(a.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if got.Name != "spreads" || got.Type != models.TypeSpread || got.Scope != models.ScopeList {
		t.Errorf("got %+v", got)
	}
	if len(got.ItemIDs) != 2 || got.ItemIDs[0] != 100 || got.ItemIDs[1] != 456 {
		t.Errorf("ItemIDs = %v, want [100 456]", got.ItemIDs)
	}
	if got.MinVolume != 1_000_000 {
		t.Errorf("MinVolume = %v", got.MinVolume)
	}
	if !got.IsActive || !got.NotificationsEnabled || got.IsTriggered {
		t.Errorf("unexpected lifecycle flags: %+v", got)
	}
	if got.TriggeredAt != nil || got.TriggeredData != "" {
		t.Errorf("fresh alert should have no trigger data")
	}
}

func TestStorage_AddAlert_RejectsInvalid(t *testing.T) {
	s := newTestStorage(t)
	a := testAlert("bad")
	a.Percentage = 0

	err := s.AddAlert(a)
	if !errors.Is(err, models.ErrInvalidAlert) {
		t.Fatalf("expected ErrInvalidAlert, got %v", err)
	}
}

func TestStorage_GetAlert_NotFound(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.GetAlert("nonexistent"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("expected ErrAlertNotFound, got %v", err)
	}
}

func TestStorage_ThresholdReferencePricesRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	a := models.NewAlert("threshold", models.TypeThreshold, models.ScopeAll)
	a.Percentage = 10
	a.ReferencePrices = map[int]float64{4151: 1_500_000, 2: 180}

	if err := s.AddAlert(a); err != nil {
		t.Fatalf("AddAlert: %v", err)
	}
	got, err := s.GetAlert(a.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if got.ReferencePrices[4151] != 1_500_000 || got.ReferencePrices[2] != 180 {
		t.Errorf("ReferencePrices = %v", got.ReferencePrices)
	}
}

func TestStorage_MalformedItemIDsAreEmpty(t *testing.T) {
	s := newTestStorage(t)
	a := testAlert("broken")
	if err := s.AddAlert(a); err != nil {
		t.Fatalf("AddAlert: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE alerts SET item_ids = '[100,' WHERE id = ?`, a.ID); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	got, err := s.GetAlert(a.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if len(got.ItemIDs) != 0 {
		t.Errorf("ItemIDs = %v, want empty", got.ItemIDs)
	}
}

func TestStorage_UpdateAlert_ResetsTriggerState(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	a := testAlert("edit me")
	if err := s.AddAlert(a); err != nil {
		t.Fatalf("AddAlert: %v", err)
	}

	now := time.Now()
	a.IsTriggered = true
	a.IsDismissed = true
	a.TriggeredData = `[{"id":100,"spread":6}]`
	a.TriggeredAt = &now
	if saved, err := s.SaveTriggerState(ctx, a); err != nil || !saved {
		t.Fatalf("SaveTriggerState: saved=%v err=%v", saved, err)
	}

	a.Percentage = 8
	if err := s.UpdateAlert(a); err != nil {
		t.Fatalf("UpdateAlert: %v", err)
	}
	got, err := s.GetAlert(a.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if got.Percentage != 8 {
		t.Errorf("Percentage = %v, want 8", got.Percentage)
	}
	if got.IsTriggered || got.IsDismissed || got.TriggeredData != "" || got.TriggeredAt != nil {
		t.Errorf("edit must reset trigger state, got %+v", got)
	}
}

func TestStorage_UpdateAlert_NotFound(t *testing.T) {
	s := newTestStorage(t)
	if err := s.UpdateAlert(testAlert("ghost")); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("expected ErrAlertNotFound, got %v", err)
	}
}

func TestStorage_SaveTriggerState(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	a := testAlert("trigger")
	if err := s.AddAlert(a); err != nil {
		t.Fatalf("AddAlert: %v", err)
	}

	at := time.Unix(1767268800, 0)
	a.IsTriggered = true
	a.IsActive = false
	a.TriggeredData = `[{"id":100,"spread":6},{"id":456,"spread":7}]`
	a.TriggeredAt = &at
	if saved, err := s.SaveTriggerState(ctx, a); err != nil || !saved {
		t.Fatalf("SaveTriggerState: saved=%v err=%v", saved, err)
	}

	got, err := s.GetAlert(a.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if !got.IsTriggered || got.IsActive {
		t.Errorf("flags not saved: triggered=%v active=%v", got.IsTriggered, got.IsActive)
	}
	if got.TriggeredData != a.TriggeredData {
		t.Errorf("TriggeredData = %q", got.TriggeredData)
	}
	if got.TriggeredAt == nil || !got.TriggeredAt.Equal(at) {
		t.Errorf("TriggeredAt = %v, want %v", got.TriggeredAt, at)
	}

	active, err := s.ActiveAlerts(ctx)
	if err != nil {
		t.Fatalf("ActiveAlerts: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("deactivated alert still listed as active")
	}
}

func TestStorage_SaveTriggerState_LosesToConcurrentEdit(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	if err := s.AddAlert(testAlert("paused mid-cycle")); err != nil {
		t.Fatalf("AddAlert: %v", err)
	}

	alerts, err := s.ActiveAlerts(ctx)
	if err != nil || len(alerts) != 1 {
		t.Fatalf("ActiveAlerts: %v %v", alerts, err)
	}
	stale := alerts[0]

	edit, err := s.GetAlert(stale.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	edit.IsActive = false
	if err := s.UpdateAlert(edit); err != nil {
		t.Fatalf("UpdateAlert: %v", err)
	}

	stale.IsTriggered = true
	stale.TriggeredData = `[{"id":100,"spread":6}]`
	saved, err := s.SaveTriggerState(ctx, stale)
	if err != nil {
		t.Fatalf("SaveTriggerState: %v", err)
	}
	if saved {
		t.Error("trigger state computed before the edit must not be saved")
	}

	got, err := s.GetAlert(stale.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if got.IsActive || got.IsTriggered || got.TriggeredData != "" {
		t.Errorf("edit was reverted: active=%v triggered=%v data=%q", got.IsActive, got.IsTriggered, got.TriggeredData)
	}
	if !got.UpdatedAt.Equal(edit.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, edit.UpdatedAt)
	}
}

func TestStorage_SaveTriggerState_NeverReactivates(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	a := testAlert("stays off")
	if err := s.AddAlert(a); err != nil {
		t.Fatalf("AddAlert: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE alerts SET is_active = 0 WHERE id = ?`, a.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	a.IsTriggered = true
	if saved, err := s.SaveTriggerState(ctx, a); err != nil || !saved {
		t.Fatalf("SaveTriggerState: saved=%v err=%v", saved, err)
	}
	got, err := s.GetAlert(a.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if got.IsActive {
		t.Error("saving trigger state must not reactivate an alert")
	}
	if !got.IsTriggered {
		t.Error("trigger flag not saved")
	}
}

func TestStorage_DismissAlert(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	a := testAlert("dismiss")
	if err := s.AddAlert(a); err != nil {
		t.Fatalf("AddAlert: %v", err)
	}

	if err := s.DismissAlert(a.ID); err != nil {
		t.Fatalf("DismissAlert: %v", err)
	}
	got, err := s.GetAlert(a.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if !got.IsDismissed {
		t.Error("alert not dismissed")
	}
	if !got.UpdatedAt.After(a.UpdatedAt) {
		t.Error("dismissal must advance the alert version")
	}

	// A copy read before the dismissal cannot clear it.
	a.IsTriggered = true
	if saved, err := s.SaveTriggerState(ctx, a); err != nil || saved {
		t.Errorf("SaveTriggerState with a stale copy: saved=%v err=%v", saved, err)
	}

	if err := s.DismissAlert("ghost"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("expected ErrAlertNotFound, got %v", err)
	}
}

func TestStorage_ActiveAlerts(t *testing.T) {
	s := newTestStorage(t)
	for _, name := range []string{"a", "b", "c"} {
		if err := s.AddAlert(testAlert(name)); err != nil {
			t.Fatalf("AddAlert: %v", err)
		}
	}
	inactive := testAlert("off")
	inactive.IsActive = false
	if err := s.AddAlert(inactive); err != nil {
		t.Fatalf("AddAlert: %v", err)
	}

	alerts, err := s.ActiveAlerts(context.Background())
	if err != nil {
		t.Fatalf("ActiveAlerts: %v", err)
	}
	if len(alerts) != 3 {
		t.Errorf("got %d active alerts, want 3", len(alerts))
	}
}

func TestStorage_DumpStatesRoundTripAndCascade(t *testing.T) {
	s := newTestStorage(t)
	a := models.NewAlert("dump", models.TypeDump, models.ScopeSingle)
	a.ItemID = 4151
	a.ShockSigmaThreshold = 3
	if err := s.AddAlert(a); err != nil {
		t.Fatalf("AddAlert: %v", err)
	}

	observed := time.Unix(1767268800, 0)
	states := []models.DumpState{
		{AlertID: a.ID, ItemID: 4151, LastPrice: 1_500_000, VarIdio: 0.0004, HasVar: true,
			Consecutive: 1, LastObservedAt: observed, AvgVolume: 12, VolumeSamples: 4, LastShockSigma: -1},
		{AlertID: "deleted-alert", ItemID: 2, LastPrice: 180},
	}
	if err := s.SaveDumpStates(states); err != nil {
		t.Fatalf("SaveDumpStates: %v", err)
	}

	loaded, err := s.LoadDumpStates()
	if err != nil {
		t.Fatalf("LoadDumpStates: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("got %d states, want 1 (orphan skipped)", len(loaded))
	}
	got := loaded[0]
	if got.VarIdio != 0.0004 || !got.HasVar || got.Consecutive != 1 || got.LastShockSigma != -1 {
		t.Errorf("state mismatch: %+v", got)
	}
	if !got.LastObservedAt.Equal(observed) || !got.LastTriggeredAt.IsZero() {
		t.Errorf("times mismatch: observed=%v triggered=%v", got.LastObservedAt, got.LastTriggeredAt)
	}

	if err := s.DeleteAlert(a.ID); err != nil {
		t.Fatalf("DeleteAlert: %v", err)
	}
	loaded, err = s.LoadDumpStates()
	if err != nil {
		t.Fatalf("LoadDumpStates: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("dump state should cascade on alert delete, got %d", len(loaded))
	}
	if err := s.DeleteAlert(a.ID); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("second delete: expected ErrAlertNotFound, got %v", err)
	}
}

func TestStorage_HistoryRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	t0 := time.Unix(1767268800, 0).UTC()
	key := models.HistoryKey{ItemID: 4151, Ref: models.RefHigh}
	data := map[models.HistoryKey][]models.HistoryEntry{
		key:                             {{At: t0, Price: 100}, {At: t0.Add(time.Minute), Price: 101}},
		{ItemID: 2, Ref: models.RefLow}: nil,
	}

	if err := s.SaveHistory(data); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}
	loaded, err := s.LoadHistory()
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("got %d series, want 1", len(loaded))
	}
	entries := loaded[key]
	if len(entries) != 2 || entries[1].Price != 101 || !entries[0].At.Equal(t0) {
		t.Errorf("entries = %+v", entries)
	}
}

func TestStorage_Volumes(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	t0 := time.Unix(1767268800, 0)

	if _, ok, err := s.LatestVolume(ctx, 4151); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	recs := []models.VolumeRecord{
		{ItemID: 4151, Volume: 10, At: t0},
		{ItemID: 4151, Volume: 30, At: t0.Add(time.Hour)},
		{ItemID: 2, Volume: 5, At: t0},
	}
	if err := s.PutVolumes(ctx, recs); err != nil {
		t.Fatalf("PutVolumes: %v", err)
	}
	if err := s.PutVolume(ctx, models.VolumeRecord{ItemID: 2, Volume: 7, At: t0}); err != nil {
		t.Fatalf("PutVolume: %v", err)
	}

	rec, ok, err := s.LatestVolume(ctx, 4151)
	if err != nil || !ok {
		t.Fatalf("LatestVolume: ok=%v err=%v", ok, err)
	}
	if rec.Volume != 30 || !rec.At.Equal(t0.Add(time.Hour)) {
		t.Errorf("latest = %+v, want volume 30 at t0+1h", rec)
	}

	rec, _, _ = s.LatestVolume(ctx, 2)
	if rec.Volume != 7 {
		t.Errorf("same-timestamp record should be replaced, got %v", rec.Volume)
	}

	n, err := s.PruneVolumes(ctx, t0.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("PruneVolumes: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
}
