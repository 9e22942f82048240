package main

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/vibelink/internal/api"
	"github.com/kalambet/vibelink/internal/compat"
	"github.com/kalambet/vibelink/internal/config"
	"github.com/kalambet/vibelink/internal/profile"
	"github.com/kalambet/vibelink/internal/reconcile"
	"github.com/kalambet/vibelink/internal/storage"
)

var ctx = context.Background()

// isolateConfig points config and data paths at a temp dir.
func isolateConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
}

type fakeQueue struct{ stats reconcile.Stats }

func (f fakeQueue) Stats() (reconcile.Stats, error) { return f.stats, nil }

// newTestNode serves a real node API over an in-memory store.
func newTestNode(t *testing.T) *apiClient {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	mgr := profile.NewManager(store, []byte("cli-test-salt"))
	p, err := buildProfile([]string{"openness=0.9"}, 0.6, 0.4, 0.7, 0.8)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Create(ctx, "alice@example.com", p); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(api.NewNodeHandler(api.NodeDeps{
		OwnerID:  "alice@example.com",
		Profiles: mgr,
		Queue:    fakeQueue{stats: reconcile.Stats{Pending: 3}},
		Token:    "test-token",
	}))
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL:    srv.URL,
		token:      "test-token",
		httpClient: srv.Client(),
	}
}

func TestProfileShow(t *testing.T) {
	client := newTestNode(t)

	var got struct {
		OwnerID    string             `json:"owner_id"`
		Signature  string             `json:"signature"`
		Dimensions map[string]float64 `json:"dimensions"`
		Version    int64              `json:"version"`
	}
	if err := client.getJSON(ctx, "/profile", &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.OwnerID != "alice@example.com" {
		t.Errorf("owner_id = %q", got.OwnerID)
	}
	if len(got.Signature) != 32 {
		t.Errorf("signature = %q, want 32 hex chars", got.Signature)
	}
	if got.Dimensions["openness"] != 0.9 {
		t.Errorf("openness = %v, want 0.9", got.Dimensions["openness"])
	}
	if got.Version != 0 {
		t.Errorf("version = %d, want 0", got.Version)
	}
}

func TestQueueStatus(t *testing.T) {
	client := newTestNode(t)

	var s reconcile.Stats
	if err := client.getJSON(ctx, "/queue", &s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Pending != 3 {
		t.Errorf("pending = %d, want 3", s.Pending)
	}
}

func TestAPIClientAuth(t *testing.T) {
	client := newTestNode(t)
	client.token = "wrong"

	var v any
	err := client.getJSON(ctx, "/profile", &v)
	if err == nil {
		t.Fatal("expected error for bad token")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to mention 401", err.Error())
	}
}

func TestAPIClient_NodeStopped(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := &apiClient{baseURL: url, token: "t", httpClient: &http.Client{Timeout: time.Second}}
	var v any
	err := client.getJSON(ctx, "/health", &v)
	if err == nil {
		t.Fatal("expected error for stopped node")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom","type":"api_error"}}`))
	}))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %q, want status and body", err.Error())
	}
}

func TestBuildProfile(t *testing.T) {
	p, err := buildProfile([]string{"openness=0.8", " crowd_tolerance = 0.1", "humor=1"}, 0.7, 0.4, 0.9, 0.75)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Dimensions) != len(profile.DefaultDimensions)+1 {
		t.Errorf("len(Dimensions) = %d, want %d", len(p.Dimensions), len(profile.DefaultDimensions)+1)
	}
	if p.Dimensions["openness"] != 0.8 || p.Dimensions["crowd_tolerance"] != 0.1 || p.Dimensions["humor"] != 1 {
		t.Errorf("overrides not applied: %v", p.Dimensions)
	}
	if p.Dimensions["authenticity"] != 0.5 {
		t.Errorf("authenticity = %v, want default 0.5", p.Dimensions["authenticity"])
	}
	if p.DimensionConfidence["humor"] != 0.75 {
		t.Errorf("confidence[humor] = %v, want 0.75", p.DimensionConfidence["humor"])
	}
	if p.EnergyLevel != 0.7 || p.SocialPreference != 0.4 || p.TrustNetworkScore != 0.9 {
		t.Errorf("scalars = %v/%v/%v", p.EnergyLevel, p.SocialPreference, p.TrustNetworkScore)
	}
}

func TestBuildProfile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		dims []string
	}{
		{"missing value", []string{"openness"}},
		{"empty name", []string{"=0.5"}},
		{"not a number", []string{"openness=high"}},
		{"out of range", []string{"openness=1.5"}},
		{"too many", []string{"d1=0", "d2=0", "d3=0", "d4=0", "d5=0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := buildProfile(tt.dims, 0.5, 0.5, 0.5, 0.8); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestScoreProfiles(t *testing.T) {
	isolateConfig(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}

	local := profile.Profile{
		Dimensions:          map[string]float64{"a": 0.5, "b": 0},
		DimensionConfidence: map[string]float64{"a": 0.9, "b": 0.9},
		EnergyLevel:         0.5,
		SocialPreference:    0.5,
		TrustNetworkScore:   0.5,
	}
	remote := local.Clone()
	remote.Dimensions["a"] = 0.9

	out, err := scoreProfiles(cfg, local, remote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Score <= 0 || out.Score >= 1 {
		t.Errorf("score = %v, want in (0,1)", out.Score)
	}
	if got := out.Insight.DimensionAdjustments["a"]; math.Abs(got-0.12) > 1e-9 {
		t.Errorf("adjustment[a] = %v, want 0.12", got)
	}
	if got := out.Insight.DimensionAdjustments["b"]; got != 0 {
		t.Errorf("adjustment[b] = %v, want 0", got)
	}

	same, err := scoreProfiles(cfg, local, local)
	if err != nil {
		t.Fatal(err)
	}
	if same.Score != 1 || same.Depth != compat.Deep {
		t.Errorf("identical profiles = %v/%s, want 1/deep", same.Score, same.Depth)
	}
	if same.Insight.HasAdjustments() {
		t.Error("identical profiles produced adjustments")
	}
}

func TestReadProfileFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	if err := os.WriteFile(good, []byte(`{"dimensions":{"openness":1.4},"dimension_confidence":{"openness":0.9},"energy_level":0.5}`), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := readProfileFile(good)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Dimensions["openness"] != 1 {
		t.Errorf("openness = %v, want clamped 1", p.Dimensions["openness"])
	}

	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, []byte(`{"dimensions":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readProfileFile(empty); err == nil {
		t.Error("expected error for profile without dimensions")
	}
	if _, err := readProfileFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestScoreOutputJSON(t *testing.T) {
	out := scoreOutput{
		Result:  compat.Result{Score: 0.85, Depth: compat.Deep},
		Insight: profile.Insight{SourceSessionID: "offline"},
	}
	data, err := json.Marshal(out)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["interaction_depth"] != "deep" {
		t.Errorf("interaction_depth = %v, want deep", m["interaction_depth"])
	}
	if _, ok := m["insight"]; !ok {
		t.Error("insight missing from output")
	}
}

func TestConnect_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"connect"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing url")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q, want it to mention args", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}
	if got := outcomeLabel(reconcile.OutcomePartial); got != "partial" {
		t.Errorf("outcomeLabel = %q, want partial", got)
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestQueueLabel(t *testing.T) {
	tests := []struct {
		stats reconcile.Stats
		want  string
	}{
		{reconcile.Stats{}, "0 pending"},
		{reconcile.Stats{Pending: 4, Spilled: 1}, "4 pending, 1 in memory"},
	}
	for _, tt := range tests {
		if got := queueLabel(tt.stats); got != tt.want {
			t.Errorf("queueLabel(%+v) = %q, want %q", tt.stats, got, tt.want)
		}
	}
	withOldest := queueLabel(reconcile.Stats{Pending: 1, Oldest: time.Now().Add(-time.Minute)})
	if !strings.Contains(withOldest, "oldest") {
		t.Errorf("queueLabel = %q, want oldest age", withOldest)
	}
	backingOff := queueLabel(reconcile.Stats{Pending: 1, RetryAt: time.Now().Add(time.Minute)})
	if !strings.Contains(backingOff, "retrying in") {
		t.Errorf("queueLabel = %q, want retry delay", backingOff)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}
