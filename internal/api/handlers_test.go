package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/resqlink/resqlink/internal/config"
	"github.com/resqlink/resqlink/internal/store"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st := store.NewMemory()
	srv := NewServer(config.ServerConfig{JWTSecret: testSecret}, st, zerolog.Nop())
	return srv, st
}

func bearerFor(t *testing.T, userID string, admin bool) string {
	t.Helper()
	tok, err := IssueToken([]byte(testSecret), userID, admin, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	return "Bearer " + tok
}

func doJSON(t *testing.T, h http.Handler, method, path, auth string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return out
}

func sosBody(id, userID string) map[string]interface{} {
	return map[string]interface{}{
		"id":        id,
		"userId":    userID,
		"lat":       28.6139,
		"lng":       77.2090,
		"message":   "need rescue",
		"timestamp": time.Now().UnixMilli(),
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "ok" {
		t.Fatalf("health body: %v", body)
	}
}

func TestAuthRejections(t *testing.T) {
	srv, _ := newTestServer(t)

	// Missing token.
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/sos", "", sosBody("msg_a", "user_1"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d, want 401", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != true {
		t.Fatalf("error shape wrong: %v", body)
	}

	// Garbage token.
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/sos", "Bearer not.a.token", sosBody("msg_a", "user_1"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: got %d, want 401", rec.Code)
	}

	// Expired token.
	expired, _ := IssueToken([]byte(testSecret), "user_1", false, -time.Minute)
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/sos", "Bearer "+expired, sosBody("msg_a", "user_1"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired token: got %d, want 401", rec.Code)
	}
}

func TestCreateSOS(t *testing.T) {
	srv, st := newTestServer(t)
	auth := bearerFor(t, "user_1", false)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/sos", auth, sosBody("msg_a", "user_1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d, want 201 (%s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["id"] != "msg_a" || body["userId"] != "user_1" {
		t.Fatalf("response fields: %v", body)
	}

	stored, _ := st.GetMessage(t.Context(), store.Alerts, "msg_a")
	if stored == nil {
		t.Fatalf("SOS not persisted")
	}

	// Retried push with the same id answers 201 without duplicating.
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/sos", auth, sosBody("msg_a", "user_1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("retry: got %d, want 201", rec.Code)
	}
	msgs, _ := st.ListMessages(t.Context(), store.Alerts)
	if len(msgs) != 1 {
		t.Fatalf("retry duplicated the record: %d stored", len(msgs))
	}
}

func TestCreateSOSValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	auth := bearerFor(t, "user_1", false)

	mutate := func(fn func(m map[string]interface{})) map[string]interface{} {
		b := sosBody("", "user_1")
		fn(b)
		return b
	}

	cases := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"missing userId", mutate(func(m map[string]interface{}) { m["userId"] = "" }), http.StatusBadRequest},
		{"empty message", mutate(func(m map[string]interface{}) { m["message"] = "" }), http.StatusBadRequest},
		{"oversized message", mutate(func(m map[string]interface{}) { m["message"] = string(make([]byte, 281)) }), http.StatusBadRequest},
		{"zero timestamp", mutate(func(m map[string]interface{}) { m["timestamp"] = 0 }), http.StatusBadRequest},
		{"latitude out of range", mutate(func(m map[string]interface{}) { m["lat"] = 91.0 }), http.StatusBadRequest},
		{"longitude out of range", mutate(func(m map[string]interface{}) { m["lng"] = -181.0 }), http.StatusBadRequest},
		{"userId not caller", mutate(func(m map[string]interface{}) { m["userId"] = "user_2" }), http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/sos", auth, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("got %d, want %d (%s)", rec.Code, tc.want, rec.Body.String())
			}
			body := decodeBody(t, rec)
			if body["error"] != true || body["message"] == "" {
				t.Fatalf("error shape wrong: %v", body)
			}
		})
	}
}

func TestCreateSOSCountsRunesNotBytes(t *testing.T) {
	srv, _ := newTestServer(t)
	auth := bearerFor(t, "user_1", false)
	h := srv.Handler()

	// 280 three-byte characters exceed the limit in bytes but not in runes.
	b := sosBody("msg_runes", "user_1")
	b["message"] = strings.Repeat("म", 280)
	if rec := doJSON(t, h, http.MethodPost, "/api/sos", auth, b); rec.Code != http.StatusCreated {
		t.Fatalf("280-char multi-byte message: got %d, want 201 (%s)", rec.Code, rec.Body.String())
	}

	b = sosBody("msg_runes_over", "user_1")
	b["message"] = strings.Repeat("म", 281)
	if rec := doJSON(t, h, http.MethodPost, "/api/sos", auth, b); rec.Code != http.StatusBadRequest {
		t.Fatalf("281-char message: got %d, want 400", rec.Code)
	}
}

func TestNearbyFiltersByRadius(t *testing.T) {
	srv, _ := newTestServer(t)
	auth := bearerFor(t, "user_1", false)
	h := srv.Handler()

	// One SOS at the query center, one ~0.1 km away, one far away.
	post := func(id string, lat, lng float64) {
		b := sosBody(id, "user_1")
		b["lat"] = lat
		b["lng"] = lng
		if rec := doJSON(t, h, http.MethodPost, "/api/sos", auth, b); rec.Code != http.StatusCreated {
			t.Fatalf("seed %s: %d", id, rec.Code)
		}
	}
	post("msg_center", 28.6139, 77.2090)
	post("msg_close", 28.6145, 77.2100)
	post("msg_far", 28.7, 77.5)

	rec := doJSON(t, h, http.MethodGet, "/api/sos/nearby?lat=28.6139&lng=77.2090&radius=2", auth, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("nearby: got %d (%s)", rec.Code, rec.Body.String())
	}

	var out struct {
		Count    int `json:"count"`
		Messages []struct {
			ID         string  `json:"id"`
			DistanceKm float64 `json:"distanceKm"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Count != 2 || len(out.Messages) != 2 {
		t.Fatalf("got %d results, want 2: %s", out.Count, rec.Body.String())
	}
	// Closest first, zero distance serialized.
	if out.Messages[0].ID != "msg_center" || out.Messages[0].DistanceKm != 0 {
		t.Fatalf("first result wrong: %+v", out.Messages[0])
	}
	if out.Messages[1].ID != "msg_close" {
		t.Fatalf("second result wrong: %+v", out.Messages[1])
	}

	// Missing coordinates.
	if rec := doJSON(t, h, http.MethodGet, "/api/sos/nearby?lat=28.6", auth, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing lng: got %d, want 400", rec.Code)
	}
	// Negative radius.
	if rec := doJSON(t, h, http.MethodGet, "/api/sos/nearby?lat=28.6&lng=77.2&radius=-1", auth, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad radius: got %d, want 400", rec.Code)
	}
}

func chatBatch(n int, from, to string) map[string]interface{} {
	items := make([]map[string]interface{}, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, map[string]interface{}{
			"id":        fmt.Sprintf("msg_chat_%03d", i),
			"fromUser":  from,
			"toUser":    to,
			"message":   "checking in",
			"timestamp": time.Now().UnixMilli(),
		})
	}
	return map[string]interface{}{"messages": items}
}

func TestChatSyncBatchBounds(t *testing.T) {
	srv, st := newTestServer(t)
	auth := bearerFor(t, "user_1", false)
	h := srv.Handler()

	// Full batch of 100 is accepted.
	rec := doJSON(t, h, http.MethodPost, "/api/chat/sync", auth, chatBatch(100, "user_1", "user_2"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("batch of 100: got %d (%s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["savedCount"] != float64(100) {
		t.Fatalf("savedCount = %v, want 100", body["savedCount"])
	}
	msgs, _ := st.ListMessages(t.Context(), store.Messages)
	if len(msgs) != 100 {
		t.Fatalf("stored %d, want 100", len(msgs))
	}

	// 101 is rejected atomically, nothing new stored.
	rec = doJSON(t, h, http.MethodPost, "/api/chat/sync", auth, chatBatch(101, "user_1", "user_2"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("batch of 101: got %d, want 400", rec.Code)
	}
	// Empty batch likewise.
	rec = doJSON(t, h, http.MethodPost, "/api/chat/sync", auth, chatBatch(0, "user_1", "user_2"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty batch: got %d, want 400", rec.Code)
	}
	msgs, _ = st.ListMessages(t.Context(), store.Messages)
	if len(msgs) != 100 {
		t.Fatalf("rejected batches changed the store: %d records", len(msgs))
	}
}

func TestChatSyncReplayMerges(t *testing.T) {
	srv, _ := newTestServer(t)
	auth := bearerFor(t, "user_1", false)
	h := srv.Handler()

	batch := chatBatch(3, "user_1", "user_2")
	if rec := doJSON(t, h, http.MethodPost, "/api/chat/sync", auth, batch); rec.Code != http.StatusCreated {
		t.Fatalf("first sync failed: %d", rec.Code)
	}
	// Replaying the same outbox still answers 201 with all ids echoed,
	// but nothing new was persisted so savedCount drops to zero.
	rec := doJSON(t, h, http.MethodPost, "/api/chat/sync", auth, batch)
	if rec.Code != http.StatusCreated {
		t.Fatalf("replay: got %d, want 201", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["savedCount"] != float64(0) {
		t.Fatalf("replay savedCount = %v, want 0", body["savedCount"])
	}
	if echoed := body["messages"].([]interface{}); len(echoed) != 3 {
		t.Fatalf("replay echoed %d messages, want 3", len(echoed))
	}

	// A mixed batch of one replay and one new record counts only the new one.
	mixed := chatBatch(4, "user_1", "user_2")
	mixed["messages"] = mixed["messages"].([]map[string]interface{})[2:]
	rec = doJSON(t, h, http.MethodPost, "/api/chat/sync", auth, mixed)
	if rec.Code != http.StatusCreated {
		t.Fatalf("mixed sync: got %d, want 201", rec.Code)
	}
	if body := decodeBody(t, rec); body["savedCount"] != float64(1) {
		t.Fatalf("mixed savedCount = %v, want 1", body["savedCount"])
	}
}

func TestChatSyncParticipantCheck(t *testing.T) {
	srv, _ := newTestServer(t)
	auth := bearerFor(t, "user_3", false)

	// Caller is neither sender nor recipient.
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/chat/sync", auth, chatBatch(1, "user_1", "user_2"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("got %d, want 403", rec.Code)
	}
}

func TestAdminMessages(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	userAuth := bearerFor(t, "user_1", false)
	adminAuth := bearerFor(t, "ops", true)

	doJSON(t, h, http.MethodPost, "/api/sos", userAuth, sosBody("msg_a", "user_1"))
	doJSON(t, h, http.MethodPost, "/api/chat/sync", userAuth, chatBatch(2, "user_1", "user_2"))

	// Non-admin is refused.
	if rec := doJSON(t, h, http.MethodGet, "/api/admin/messages", userAuth, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin: got %d, want 403", rec.Code)
	}

	rec := doJSON(t, h, http.MethodGet, "/api/admin/messages", adminAuth, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin: got %d (%s)", rec.Code, rec.Body.String())
	}
	var out struct {
		SOS  []json.RawMessage `json:"sos"`
		Chat []json.RawMessage `json:"chat"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.SOS) != 1 || len(out.Chat) != 2 {
		t.Fatalf("counts: sos=%d chat=%d", len(out.SOS), len(out.Chat))
	}
}
