package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/resqlink/resqlink/internal/models"
)

// each test runs against both implementations; the memory store is a
// conforming double, not a shortcut.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test_resqlink.db")
		s, err := NewSQLite(dbPath)
		if err != nil {
			t.Fatalf("NewSQLite failed: %v", err)
		}
		defer s.Close()
		if err := s.Migrate(context.Background()); err != nil {
			t.Fatalf("Migrate failed: %v", err)
		}
		fn(t, s)
	})

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
}

func sampleMessage(id string) *models.Message {
	return &models.Message{
		ID:           id,
		Kind:         models.KindSOS,
		OriginUserID: "user_1",
		Payload:      "trapped near the bridge",
		Location:     &models.Location{Latitude: 28.6139, Longitude: 77.2090},
		Severity:     models.SeverityCritical,
		CreatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		DeliveryState: map[string]models.DeliveryState{
			"broadcast": models.DeliveryPending,
		},
		ReceivedVia: []string{"local"},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		want := sampleMessage("msg_a")
		if err := s.PutMessage(ctx, Alerts, want); err != nil {
			t.Fatalf("PutMessage failed: %v", err)
		}

		got, err := s.GetMessage(ctx, Alerts, "msg_a")
		if err != nil {
			t.Fatalf("GetMessage failed: %v", err)
		}
		if got == nil {
			t.Fatalf("stored message not found")
		}
		if got.Kind != want.Kind || got.OriginUserID != want.OriginUserID ||
			got.Payload != want.Payload || got.Severity != want.Severity {
			t.Fatalf("round trip altered fields: got %+v", got)
		}
		if !got.CreatedAt.Equal(want.CreatedAt) {
			t.Fatalf("created_at changed: got %v want %v", got.CreatedAt, want.CreatedAt)
		}
		if got.Location == nil || got.Location.Latitude != 28.6139 {
			t.Fatalf("location lost in round trip: %+v", got.Location)
		}
		if got.DeliveryState["broadcast"] != models.DeliveryPending {
			t.Fatalf("delivery state lost: %+v", got.DeliveryState)
		}
		if !got.SeenVia("local") {
			t.Fatalf("received_via lost: %+v", got.ReceivedVia)
		}

		// Wrong collection misses.
		miss, err := s.GetMessage(ctx, Messages, "msg_a")
		if err != nil || miss != nil {
			t.Fatalf("found alert in chat collection")
		}
	})
}

func TestListPreservesInsertionOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			m := sampleMessage(fmt.Sprintf("msg_%d", i))
			// Older timestamps inserted later: order must follow
			// insertion, not created_at.
			m.CreatedAt = m.CreatedAt.Add(-time.Duration(i) * time.Hour)
			if err := s.PutMessage(ctx, Alerts, m); err != nil {
				t.Fatalf("PutMessage failed: %v", err)
			}
		}

		msgs, err := s.ListMessages(ctx, Alerts)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if len(msgs) != 5 {
			t.Fatalf("got %d messages, want 5", len(msgs))
		}
		for i, m := range msgs {
			if m.ID != fmt.Sprintf("msg_%d", i) {
				t.Fatalf("position %d holds %s, insertion order broken", i, m.ID)
			}
		}
	})
}

func TestDeliveryStateAndReceivedViaUpdates(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.PutMessage(ctx, Alerts, sampleMessage("msg_a")); err != nil {
			t.Fatalf("PutMessage failed: %v", err)
		}

		if err := s.SetDeliveryState(ctx, Alerts, "msg_a", "mesh", models.DeliveryDelivered); err != nil {
			t.Fatalf("SetDeliveryState failed: %v", err)
		}
		if err := s.AddReceivedVia(ctx, Alerts, "msg_a", "mesh"); err != nil {
			t.Fatalf("AddReceivedVia failed: %v", err)
		}
		// Adding the same transport again is a no-op.
		if err := s.AddReceivedVia(ctx, Alerts, "msg_a", "mesh"); err != nil {
			t.Fatalf("repeated AddReceivedVia failed: %v", err)
		}

		got, _ := s.GetMessage(ctx, Alerts, "msg_a")
		if got.DeliveryState["mesh"] != models.DeliveryDelivered {
			t.Fatalf("delivery state not updated: %+v", got.DeliveryState)
		}
		seen := 0
		for _, v := range got.ReceivedVia {
			if v == "mesh" {
				seen++
			}
		}
		if seen != 1 {
			t.Fatalf("received_via has %d mesh entries, want 1", seen)
		}
	})
}

func TestKnownIDsSpansCollections(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.PutMessage(ctx, Alerts, sampleMessage("msg_sos"))
		chat := sampleMessage("msg_chat")
		chat.Kind = models.KindChat
		chat.ToUserID = "user_2"
		chat.Location = nil
		chat.Severity = ""
		s.PutMessage(ctx, Messages, chat)

		ids, err := s.KnownIDs(ctx)
		if err != nil {
			t.Fatalf("KnownIDs failed: %v", err)
		}
		if ids["msg_sos"] != Alerts || ids["msg_chat"] != Messages {
			t.Fatalf("KnownIDs wrong: %v", ids)
		}
	})
}

func TestClearAndRemove(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.PutMessage(ctx, Alerts, sampleMessage("msg_a"))
		s.PutMessage(ctx, Alerts, sampleMessage("msg_b"))

		if err := s.RemoveMessage(ctx, Alerts, "msg_a"); err != nil {
			t.Fatalf("RemoveMessage failed: %v", err)
		}
		msgs, _ := s.ListMessages(ctx, Alerts)
		if len(msgs) != 1 || msgs[0].ID != "msg_b" {
			t.Fatalf("remove left wrong records: %+v", msgs)
		}

		if err := s.Clear(ctx, Alerts); err != nil {
			t.Fatalf("Clear failed: %v", err)
		}
		msgs, _ = s.ListMessages(ctx, Alerts)
		if len(msgs) != 0 {
			t.Fatalf("collection not empty after Clear")
		}
	})
}

func TestLocationHistoryCapped(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < models.MaxLocations+10; i++ {
			p := &models.LocationPoint{
				ID:         fmt.Sprintf("loc_%03d", i),
				Latitude:   float64(i) / 100,
				Longitude:  77,
				RecordedAt: time.Now().UTC(),
			}
			if err := s.AppendLocation(ctx, p); err != nil {
				t.Fatalf("AppendLocation failed: %v", err)
			}
		}

		points, err := s.ListLocations(ctx)
		if err != nil {
			t.Fatalf("ListLocations failed: %v", err)
		}
		if len(points) != models.MaxLocations {
			t.Fatalf("history holds %d points, want cap %d", len(points), models.MaxLocations)
		}
		// Oldest entries were dropped.
		if points[0].ID != "loc_010" {
			t.Fatalf("unexpected oldest point %s", points[0].ID)
		}
	})
}

func TestSettingsRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if v, err := s.GetSetting(ctx, SettingDarkMode); err != nil || v != "" {
			t.Fatalf("unset setting: got %q err %v", v, err)
		}

		if err := s.SetSetting(ctx, SettingDarkMode, "false"); err != nil {
			t.Fatalf("SetSetting failed: %v", err)
		}
		if err := s.SetSetting(ctx, SettingDarkMode, "true"); err != nil {
			t.Fatalf("overwrite failed: %v", err)
		}
		if v, _ := s.GetSetting(ctx, SettingDarkMode); v != "true" {
			t.Fatalf("setting = %q, want true", v)
		}

		all, err := s.ListSettings(ctx)
		if err != nil || all[SettingDarkMode] != "true" {
			t.Fatalf("ListSettings wrong: %v err %v", all, err)
		}

		if err := s.RemoveSetting(ctx, SettingDarkMode); err != nil {
			t.Fatalf("RemoveSetting failed: %v", err)
		}
		if v, _ := s.GetSetting(ctx, SettingDarkMode); v != "" {
			t.Fatalf("setting survives removal: %q", v)
		}
	})
}
