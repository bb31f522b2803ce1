package models

import (
	"testing"
	"time"
)

func validSpike() Alert {
	a := NewAlert("spike", TypeSpike, ScopeSingle)
	a.ItemID = 4151
	a.Percentage = 5
	a.TimeframeMinutes = 60
	return *a
}

func TestAlertValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(a *Alert)
		wantErr bool
	}{
		{name: "valid spike", mutate: func(a *Alert) {}, wantErr: false},
		{name: "empty ID", mutate: func(a *Alert) { a.ID = "" }, wantErr: true},
		{name: "single without item", mutate: func(a *Alert) { a.ItemID = 0 }, wantErr: true},
		{name: "list without items", mutate: func(a *Alert) { a.Scope = ScopeList }, wantErr: true},
		{name: "all scope needs no items", mutate: func(a *Alert) { a.Scope = ScopeAll; a.ItemID = 0 }, wantErr: false},
		{name: "unknown scope", mutate: func(a *Alert) { a.Scope = "some" }, wantErr: true},
		{name: "bad reference", mutate: func(a *Alert) { a.Ref = "mid" }, wantErr: true},
		{name: "negative min volume", mutate: func(a *Alert) { a.MinVolume = -1 }, wantErr: true},
		{name: "spike without timeframe", mutate: func(a *Alert) { a.TimeframeMinutes = 0 }, wantErr: true},
		{name: "spike bad direction", mutate: func(a *Alert) { a.Direction = "sideways" }, wantErr: true},
		{name: "above without target", mutate: func(a *Alert) { a.Type = TypeAbove }, wantErr: true},
		{name: "above with target", mutate: func(a *Alert) { a.Type = TypeAbove; a.TargetPrice = 100 }, wantErr: false},
		{name: "threshold without references", mutate: func(a *Alert) { a.Type = TypeThreshold }, wantErr: true},
		{name: "dump without sigma", mutate: func(a *Alert) { a.Type = TypeDump }, wantErr: true},
		{name: "dump sell ratio above one", mutate: func(a *Alert) {
			a.Type = TypeDump
			a.ShockSigmaThreshold = 2
			a.SellRatioMin = 1.5
		}, wantErr: true},
		{name: "unknown type", mutate: func(a *Alert) { a.Type = "sideways" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validSpike()
			tt.mutate(&a)
			err := a.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Alert.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMonitoredItems(t *testing.T) {
	a := Alert{Scope: ScopeList, ItemIDs: []int{3, 1, 3, 2}}
	got := a.MonitoredItems([]int{9, 8})
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	a = Alert{Scope: ScopeAll}
	if got := a.MonitoredItems([]int{5, 4}); len(got) != 2 || got[0] != 4 {
		t.Errorf("all scope: got %v", got)
	}

	a = Alert{Scope: ScopeSingle, ItemID: 7}
	if got := a.MonitoredItems([]int{1, 2}); len(got) != 1 || got[0] != 7 {
		t.Errorf("single scope: got %v", got)
	}
}

func TestDeactivatesOnCoverage(t *testing.T) {
	tests := []struct {
		typ   AlertType
		scope Scope
		want  bool
	}{
		{TypeSpread, ScopeList, true},
		{TypeSpread, ScopeSingle, false},
		{TypeThreshold, ScopeAll, true},
		{TypeSpike, ScopeList, false},
		{TypeDump, ScopeAll, false},
	}
	for _, tt := range tests {
		a := Alert{Type: tt.typ, Scope: tt.scope}
		if got := a.DeactivatesOnCoverage(); got != tt.want {
			t.Errorf("%s/%s: got %v, want %v", tt.typ, tt.scope, got, tt.want)
		}
	}
}

func TestApplyEditResetsTriggerState(t *testing.T) {
	now := time.Now()
	a := validSpike()
	a.IsTriggered = true
	a.IsDismissed = true
	a.TriggeredData = `[{"id":4151,"change":6}]`
	a.TriggeredAt = &now

	a.ApplyEdit()

	if a.IsTriggered || a.IsDismissed || a.TriggeredData != "" || a.TriggeredAt != nil {
		t.Errorf("trigger state not reset: %+v", a)
	}
}

func TestTriggeredDataEncoding(t *testing.T) {
	raw, err := EncodeTriggered([]TriggeredItem{
		NewTriggeredItem(456, map[string]float64{"spread": 4}),
		NewTriggeredItem(100, map[string]float64{"spread": 6}),
	})
	if err != nil {
		t.Fatalf("EncodeTriggered: %v", err)
	}
	want := `[{"id":100,"spread":6},{"id":456,"spread":4}]`
	if raw != want {
		t.Errorf("got %s, want %s", raw, want)
	}

	items, err := DecodeTriggered(`[{"id":100,"spread":6.5,"name":"whip"}]`)
	if err != nil {
		t.Fatalf("DecodeTriggered: %v", err)
	}
	if len(items) != 1 || items[0].ItemID != 100 || items[0].Fields["spread"] != 6.5 {
		t.Errorf("unexpected items: %+v", items)
	}
	if _, ok := items[0].Fields["name"]; ok {
		t.Error("non-numeric field should be dropped")
	}
}

func TestDecodeTriggered_Malformed(t *testing.T) {
	for _, raw := range []string{"", "not json", `[{"spread":1}]`, `{"id":1}`} {
		if _, err := DecodeTriggered(raw); err == nil {
			t.Errorf("DecodeTriggered(%q): expected error", raw)
		}
	}
}

func TestDumpStateCooldown(t *testing.T) {
	now := time.Now()
	s := DumpState{}
	if s.InCooldown(now, time.Minute) {
		t.Error("never-triggered state must not be in cooldown")
	}
	s.LastTriggeredAt = now.Add(-30 * time.Second)
	if !s.InCooldown(now, time.Minute) {
		t.Error("expected cooldown")
	}
	if s.InCooldown(now.Add(31*time.Second), time.Minute) {
		t.Error("cooldown should have elapsed")
	}
}
