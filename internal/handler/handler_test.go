package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/middleware"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/repository"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/service"
)

type testApp struct {
	app   *fiber.App
	store *repository.MemoryStore
}

func newTestApp(t *testing.T, limits map[string]middleware.Limit) *testApp {
	t.Helper()
	store := repository.NewMemoryStore([]model.Item{
		{ID: "gpt-4o", Name: "GPT-4o", Company: "OpenAI", ReleaseYear: 2024},
		{ID: "grok", Name: "Grok", Company: "xAI", ReleaseYear: 2023},
	})
	log := zerolog.Nop()
	cache := service.NewCacheService(nil, service.CacheOptions{}, log)
	fraud := service.NewFraudService(cache, log)
	limiter := middleware.NewRateLimiter(nil, limits, log)

	votes := service.NewVoteService(store, cache, fraud, limiter, nil, nil, service.VoteOptions{}, log)
	syncSvc := service.NewSyncService(store, cache, fraud, limiter, log)

	vh := NewVoteHandler(votes)
	sh := NewSyncHandler(syncSvc)
	st := NewStatsHandler(syncSvc)
	ih := NewItemHandler(syncSvc)
	hh := NewHealthHandler(store, nil, "test")

	app := fiber.New()
	app.Get("/health/live", hh.Live)
	app.Get("/health/ready", hh.Ready)
	app.Post("/api/votes", vh.Submit)
	app.Get("/api/votes", sh.PublicVotes)
	app.Post("/api/votes/sync", sh.Resync)
	app.Get("/api/stats", st.GetStats)
	app.Get("/api/stats/rollups", st.Rollups)
	app.Get("/api/items", ih.List)
	app.Get("/api/items/:itemId", ih.Get)
	return &testApp{app: app, store: store}
}

func (ta *testApp) do(t *testing.T, method, target, body string) (int, http.Header, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "handler-test/1.0")

	resp, err := ta.app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, resp.Header, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestVoteHandler_Submit(t *testing.T) {
	ta := newTestApp(t, nil)

	status, _, body := ta.do(t, "POST", "/api/votes",
		`{"fingerprint":"client-A-0001","itemId":"grok","voteValue":1,"metadata":{"ip":"198.51.100.1"}}`)
	if status != fiber.StatusOK {
		t.Fatalf("status = %d (%v)", status, body)
	}
	if body["success"] != true || body["userVote"] != float64(1) || body["previousVote"] != float64(0) {
		t.Errorf("body = %v", body)
	}
	agg := body["aggregate"].(map[string]any)
	if agg["total"] != float64(1) || agg["positive"] != float64(1) || agg["voters"] != float64(1) {
		t.Errorf("aggregate = %v", agg)
	}

	// Metadata comes from the request itself.
	events := ta.store.Events()
	if len(events) != 1 {
		t.Fatalf("audit events = %d", len(events))
	}
	if events[0].UserAgent != "handler-test/1.0" || events[0].IPHash == "" {
		t.Errorf("audit metadata = %q / %q", events[0].UserAgent, events[0].IPHash)
	}

	status, _, body = ta.do(t, "POST", "/api/votes", `{"fingerprint":"client-A-0001","itemId":"grok","voteValue":1}`)
	if status != fiber.StatusOK || body["unchanged"] != true {
		t.Errorf("repeat vote = %d %v", status, body)
	}
}

func TestVoteHandler_Errors(t *testing.T) {
	ta := newTestApp(t, map[string]middleware.Limit{
		middleware.ActionVote: {Max: 1, Window: time.Minute},
	})

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantKind string
	}{
		{"malformed body", `{"fingerprint":`, fiber.StatusBadRequest, model.KindValidation},
		{"bad value", `{"fingerprint":"client-A-0001","itemId":"grok","voteValue":2}`, fiber.StatusBadRequest, model.KindValidation},
		{"missing value", `{"fingerprint":"client-A-0001","itemId":"grok"}`, fiber.StatusBadRequest, model.KindValidation},
		{"short fingerprint", `{"fingerprint":"abc","itemId":"grok","voteValue":1}`, fiber.StatusBadRequest, model.KindValidation},
		{"unknown item", `{"fingerprint":"client-A-0001","itemId":"llama-9","voteValue":1}`, fiber.StatusNotFound, model.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _, body := ta.do(t, "POST", "/api/votes", tt.body)
			if status != tt.wantCode || errorCode(body) != tt.wantKind {
				t.Errorf("got %d %v, want %d %s", status, body, tt.wantCode, tt.wantKind)
			}
		})
	}

	// The unknown-item attempt above spent client-A's only vote token.
	status, hdr, body := ta.do(t, "POST", "/api/votes", `{"fingerprint":"client-A-0001","itemId":"grok","voteValue":1}`)
	if status != fiber.StatusTooManyRequests || errorCode(body) != model.KindRateLimit {
		t.Fatalf("over limit = %d %v", status, body)
	}
	if hdr.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if body["error"].(map[string]any)["retryAfterSeconds"] == nil {
		t.Error("missing retryAfterSeconds")
	}
}

func TestSyncHandler(t *testing.T) {
	ta := newTestApp(t, nil)
	ctx := context.Background()
	for _, cmd := range []model.VoteCommand{
		{Fingerprint: "client-A-0001", ItemID: "grok", Value: model.VoteUp},
		{Fingerprint: "client-B-0001", ItemID: "gpt-4o", Value: model.VoteDown},
	} {
		if _, err := ta.store.ApplyVote(ctx, cmd); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	status, _, body := ta.do(t, "POST", "/api/votes/sync", `{"fingerprint":"client-A-0001"}`)
	if status != fiber.StatusOK {
		t.Fatalf("resync = %d %v", status, body)
	}
	userVotes := body["userVotes"].(map[string]any)
	if len(userVotes) != 1 || userVotes["grok"] != float64(1) {
		t.Errorf("user votes = %v", userVotes)
	}
	if body["votes"].(map[string]any)["gpt-4o"] != float64(-1) {
		t.Errorf("votes = %v", body["votes"])
	}

	status, _, body = ta.do(t, "POST", "/api/votes/sync", `{"fingerprint":""}`)
	if status != fiber.StatusBadRequest || errorCode(body) != model.KindValidation {
		t.Errorf("empty fingerprint = %d %v", status, body)
	}

	status, _, body = ta.do(t, "GET", "/api/votes", "")
	if status != fiber.StatusOK {
		t.Fatalf("public votes = %d", status)
	}
	if _, ok := body["userVotes"]; ok {
		t.Error("public view leaked user votes")
	}
	rankings := body["rankings"].([]any)
	if len(rankings) != 2 || rankings[0].(map[string]any)["itemId"] != "grok" {
		t.Errorf("rankings = %v", rankings)
	}
}

func TestStatsHandler(t *testing.T) {
	ta := newTestApp(t, nil)
	if _, err := ta.store.ApplyVote(context.Background(),
		model.VoteCommand{Fingerprint: "client-A-0001", ItemID: "grok", Value: model.VoteUp}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	status, _, body := ta.do(t, "GET", "/api/stats", "")
	if status != fiber.StatusOK {
		t.Fatalf("stats = %d", status)
	}
	stats := body["stats"].(map[string]any)
	if stats["totalVotes"] != float64(1) || stats["topItem"] != "grok" {
		t.Errorf("stats = %v", stats)
	}

	if _, err := ta.store.RefreshRollups(context.Background(), model.GranularityHour, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	status, _, body = ta.do(t, "GET", "/api/stats/rollups?granularity=hour&itemId=grok", "")
	if status != fiber.StatusOK {
		t.Fatalf("rollups = %d %v", status, body)
	}
	if rows := body["rollups"].([]any); len(rows) != 1 || rows[0].(map[string]any)["upvotes"] != float64(1) {
		t.Errorf("rollups = %v", body["rollups"])
	}

	for _, target := range []string{
		"/api/stats/rollups?granularity=week",
		"/api/stats/rollups?granularity=day&since=yesterday",
		"/api/stats/rollups?granularity=day&itemId=bad%20id",
	} {
		status, _, body := ta.do(t, "GET", target, "")
		if status != fiber.StatusBadRequest || errorCode(body) != model.KindValidation {
			t.Errorf("%s = %d %v", target, status, body)
		}
	}
}

func TestItemHandler(t *testing.T) {
	ta := newTestApp(t, nil)
	if _, err := ta.store.ApplyVote(context.Background(),
		model.VoteCommand{Fingerprint: "client-A-0001", ItemID: "gpt-4o", Value: model.VoteUp}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	status, _, body := ta.do(t, "GET", "/api/items", "")
	if status != fiber.StatusOK {
		t.Fatalf("list = %d", status)
	}
	if items := body["items"].([]any); len(items) != 2 {
		t.Errorf("items = %v", items)
	}

	status, _, body = ta.do(t, "GET", "/api/items/gpt-4o", "")
	if status != fiber.StatusOK || body["name"] != "GPT-4o" || body["rank"] != float64(1) {
		t.Errorf("get = %d %v", status, body)
	}

	status, _, body = ta.do(t, "GET", "/api/items/llama-9", "")
	if status != fiber.StatusNotFound || errorCode(body) != model.KindUnknown {
		t.Errorf("unknown = %d %v", status, body)
	}
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthHandler(t *testing.T) {
	ta := newTestApp(t, nil)

	status, _, body := ta.do(t, "GET", "/health/live", "")
	if status != fiber.StatusOK || body["status"] != "ok" {
		t.Errorf("live = %d %v", status, body)
	}

	status, _, body = ta.do(t, "GET", "/health/ready", "")
	if status != fiber.StatusOK || body["status"] != "healthy" {
		t.Errorf("ready = %d %v", status, body)
	}
	if body["checks"].(map[string]any)["redis"].(map[string]any)["status"] != "disabled" {
		t.Errorf("checks = %v", body["checks"])
	}

	hh := NewHealthHandler(downPinger{}, nil, "test")
	app := fiber.New()
	app.Get("/health/ready", hh.Ready)
	resp, err := app.Test(httptest.NewRequest("GET", "/health/ready", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Errorf("store down status = %d, want 503", resp.StatusCode)
	}
}

func TestSanitizeEndpoint(t *testing.T) {
	tests := map[string]string{
		"/api/items/grok": "/api/items/:itemId",
		"/api/items/":     "/api/items/",
		"/api/items":      "/api/items",
		"/api/votes":      "/api/votes",
	}
	for in, want := range tests {
		if got := sanitizeEndpoint(in); got != want {
			t.Errorf("sanitizeEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}
