package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"tradeyard/internal/config"
	"tradeyard/internal/db"
	"tradeyard/internal/domain"
	"tradeyard/internal/engine"
	"tradeyard/internal/migrate"
	"tradeyard/internal/refdata"
	"tradeyard/internal/repo"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	client *http.Client
	auth   map[string]string
	engine engine.Engine
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("mkt-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	seed := time.Now().UTC().Format(time.RFC3339)
	if err := e.Repo.InsertMarket(ctx, domain.Market{ID: "mkt-1", Name: "test market", Status: "open", CreatedAt: seed}); err != nil {
		t.Fatalf("seed market: %v", err)
	}
	if err := e.Repo.UpsertMarketConfig(ctx, "mkt-1", cfg); err != nil {
		t.Fatalf("seed market config: %v", err)
	}
	if err := e.Repo.InsertCommodity(ctx, domain.Commodity{ID: "c-cotton", MarketID: "mkt-1", Name: "cotton", BaseUnit: "kg", CreatedAt: seed}); err != nil {
		t.Fatalf("seed commodity: %v", err)
	}
	if err := e.Repo.InsertLocation(ctx, domain.Location{ID: "loc-a", MarketID: "mkt-1", Name: "a", CreatedAt: seed}); err != nil {
		t.Fatalf("seed location: %v", err)
	}
	partners := []domain.Partner{
		{ID: "p-buy", Rating: 4.5, Exposure: decimal.NewFromInt(1000), CreditLimit: decimal.NewFromInt(100000)},
		{ID: "p-sell", Rating: 4.2, Exposure: decimal.NewFromInt(2000), CreditLimit: decimal.NewFromInt(100000)},
		{ID: "p-risky", Rating: 2.0, Exposure: decimal.NewFromInt(120000), CreditLimit: decimal.NewFromInt(100000)},
	}
	for _, p := range partners {
		p.MarketID = "mkt-1"
		p.Name = p.ID
		p.Status = "active"
		p.Capabilities = []string{refdata.CapabilityBuy, refdata.CapabilitySell}
		p.CreatedAt = seed
		if err := e.Repo.InsertPartner(ctx, p); err != nil {
			t.Fatalf("seed partner %s: %v", p.ID, err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testJWTSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		auth:   map[string]string{"Authorization": "Bearer " + signTestToken(t, testJWTSecret, "tester")},
		engine: e,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func signTestToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func sellBody() map[string]any {
	return map[string]any{
		"side":           "SELL",
		"partner_id":     "p-sell",
		"commodity_id":   "c-cotton",
		"quantity":       "100",
		"price":          "7000",
		"location_id":    "loc-a",
		"delivery_terms": []string{"EXW"},
		"payment_terms":  []string{"NET30"},
	}
}

func buyBody() map[string]any {
	b := sellBody()
	b["side"] = "BUY"
	b["partner_id"] = "p-buy"
	return b
}

func TestIntentMatchLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	sellRes, sellData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/markets/mkt-1/intents", sellBody(), srv.auth)
	if sellRes.StatusCode != http.StatusCreated {
		t.Fatalf("create sell status %d: %s", sellRes.StatusCode, string(sellData))
	}
	var sell CreateIntentResponse
	if err := json.Unmarshal(sellData, &sell); err != nil {
		t.Fatalf("unmarshal sell: %v", err)
	}
	if sell.Outcome != "unmatched" {
		t.Fatalf("sell outcome = %s, want unmatched", sell.Outcome)
	}
	if sell.Assessment.Status != "PASS" {
		t.Fatalf("sell assessment = %s, want PASS", sell.Assessment.Status)
	}

	buyRes, buyData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/markets/mkt-1/intents", buyBody(), srv.auth)
	if buyRes.StatusCode != http.StatusCreated {
		t.Fatalf("create buy status %d: %s", buyRes.StatusCode, string(buyData))
	}
	var buy CreateIntentResponse
	if err := json.Unmarshal(buyData, &buy); err != nil {
		t.Fatalf("unmarshal buy: %v", err)
	}
	if buy.Outcome != "matched" || buy.Match == nil {
		t.Fatalf("buy outcome = %s match %v, want matched with match", buy.Outcome, buy.Match)
	}
	if buy.Match.Score <= 0 || buy.Match.Status != "PROPOSED" {
		t.Fatalf("unexpected match %+v", buy.Match)
	}

	getRes, getData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/matches/"+buy.Match.ID, nil, srv.auth)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get match status %d: %s", getRes.StatusCode, string(getData))
	}

	confirmRes, confirmData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/matches/"+buy.Match.ID+"/confirm", nil, srv.auth)
	if confirmRes.StatusCode != http.StatusOK {
		t.Fatalf("confirm status %d: %s", confirmRes.StatusCode, string(confirmData))
	}
	var confirmed MatchResponse
	if err := json.Unmarshal(confirmData, &confirmed); err != nil {
		t.Fatalf("unmarshal confirmed: %v", err)
	}
	if confirmed.Status != "CONFIRMED" || confirmed.DecidedAt == nil {
		t.Fatalf("confirmed = %+v, want CONFIRMED with decided_at", confirmed)
	}

	againRes, againData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/matches/"+buy.Match.ID+"/confirm", nil, srv.auth)
	if againRes.StatusCode != http.StatusConflict {
		t.Fatalf("double confirm status %d: %s", againRes.StatusCode, string(againData))
	}
	if code := errorCode(t, againData); code != "invalid_transition" {
		t.Fatalf("double confirm code = %s", code)
	}

	intentRes, intentData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/intents/"+buy.Intent.ID, nil, srv.auth)
	if intentRes.StatusCode != http.StatusOK {
		t.Fatalf("get intent status %d: %s", intentRes.StatusCode, string(intentData))
	}
	var fetched IntentResponse
	if err := json.Unmarshal(intentData, &fetched); err != nil {
		t.Fatalf("unmarshal intent: %v", err)
	}
	if fetched.Status != "MATCHED" {
		t.Fatalf("intent status = %s, want MATCHED", fetched.Status)
	}

	evRes, evData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/markets/mkt-1/events?type=match.confirmed", nil, srv.auth)
	if evRes.StatusCode != http.StatusOK {
		t.Fatalf("list events status %d: %s", evRes.StatusCode, string(evData))
	}
	var events paginatedEvents
	if err := json.Unmarshal(evData, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events.Items) != 1 {
		t.Fatalf("match.confirmed events = %d, want 1", len(events.Items))
	}

	statusRes, statusData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/markets/mkt-1/status", nil, srv.auth)
	if statusRes.StatusCode != http.StatusOK {
		t.Fatalf("market status %d: %s", statusRes.StatusCode, string(statusData))
	}
	var status struct {
		IntentCounts map[string]int `json:"intent_counts"`
	}
	if err := json.Unmarshal(statusData, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.IntentCounts["MATCHED"] != 2 {
		t.Fatalf("matched count = %d, want 2", status.IntentCounts["MATCHED"])
	}
}

func TestCreateIntentValidationOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	noBodyRes, noBodyData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/markets/mkt-1/intents", nil, srv.auth)
	if noBodyRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("no body status %d: %s", noBodyRes.StatusCode, string(noBodyData))
	}

	bad := sellBody()
	bad["side"] = "HOLD"
	badRes, badData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/markets/mkt-1/intents", bad, srv.auth)
	if badRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad side status %d: %s", badRes.StatusCode, string(badData))
	}

	ghost := sellBody()
	ghost["partner_id"] = "p-ghost"
	ghostRes, ghostData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/markets/mkt-1/intents", ghost, srv.auth)
	if ghostRes.StatusCode != http.StatusNotFound {
		t.Fatalf("ghost partner status %d: %s", ghostRes.StatusCode, string(ghostData))
	}
	if code := errorCode(t, ghostData); code != "not_found" {
		t.Fatalf("ghost partner code = %s", code)
	}

	mktRes, mktData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/markets/mkt-ghost/intents", sellBody(), srv.auth)
	if mktRes.StatusCode != http.StatusNotFound {
		t.Fatalf("ghost market status %d: %s", mktRes.StatusCode, string(mktData))
	}

	createRes, createData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/markets/mkt-1/intents", sellBody(), srv.auth)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", createRes.StatusCode, string(createData))
	}
	var created CreateIntentResponse
	_ = json.Unmarshal(createData, &created)

	cancelRes, cancelData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/intents/"+created.Intent.ID+"/cancel", nil, srv.auth)
	if cancelRes.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", cancelRes.StatusCode, string(cancelData))
	}
	againRes, againData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/intents/"+created.Intent.ID+"/cancel", nil, srv.auth)
	if againRes.StatusCode != http.StatusConflict {
		t.Fatalf("double cancel status %d: %s", againRes.StatusCode, string(againData))
	}
	if code := errorCode(t, againData); code != "invalid_transition" {
		t.Fatalf("double cancel code = %s", code)
	}
}

func TestBlockedIntentAndRiskEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	body := sellBody()
	body["partner_id"] = "p-risky"
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/markets/mkt-1/intents", body, srv.auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created CreateIntentResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Outcome != "blocked" {
		t.Fatalf("outcome = %s, want blocked", created.Outcome)
	}
	if created.Intent.Status != "RISK_BLOCKED" || created.Assessment.Status != "FAIL" {
		t.Fatalf("intent %s assessment %s, want RISK_BLOCKED/FAIL", created.Intent.Status, created.Assessment.Status)
	}

	riskRes, riskData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/intents/"+created.Intent.ID+"/risk", nil, srv.auth)
	if riskRes.StatusCode != http.StatusOK {
		t.Fatalf("risk status %d: %s", riskRes.StatusCode, string(riskData))
	}
	var assessment AssessmentResponse
	if err := json.Unmarshal(riskData, &assessment); err != nil {
		t.Fatalf("unmarshal assessment: %v", err)
	}
	if assessment.Score != 30 {
		t.Fatalf("score = %d, want 30", assessment.Score)
	}
	factors := map[string]bool{}
	for _, f := range assessment.Factors {
		factors[f] = true
	}
	if !factors["EXPOSURE_LIMIT"] || !factors["LOW_RATING"] {
		t.Fatalf("factors = %v", assessment.Factors)
	}
}

func TestIdempotencyOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	headers := map[string]string{"Idempotency-Key": "key-1"}
	for k, v := range srv.auth {
		headers[k] = v
	}
	first, firstData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/markets/mkt-1/intents", sellBody(), headers)
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first create status %d: %s", first.StatusCode, string(firstData))
	}
	var a CreateIntentResponse
	_ = json.Unmarshal(firstData, &a)

	second, secondData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/markets/mkt-1/intents", sellBody(), headers)
	if second.StatusCode != http.StatusCreated {
		t.Fatalf("replay status %d: %s", second.StatusCode, string(secondData))
	}
	var b CreateIntentResponse
	_ = json.Unmarshal(secondData, &b)
	if a.Intent.ID != b.Intent.ID {
		t.Fatalf("replay returned %s, want %s", b.Intent.ID, a.Intent.ID)
	}

	altered := sellBody()
	altered["quantity"] = "250"
	third, thirdData := doJSON(t, client, http.MethodPost, srv.URL+"/v1/markets/mkt-1/intents", altered, headers)
	if third.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("altered replay status %d: %s", third.StatusCode, string(thirdData))
	}
	if code := errorCode(t, thirdData); code != "idempotency_mismatch" {
		t.Fatalf("altered replay code = %s", code)
	}
}

func TestAuthModes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	healthRes, healthData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", healthRes.StatusCode, string(healthData))
	}

	anonRes, anonData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/markets/mkt-1/status", nil, nil)
	if anonRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status %d: %s", anonRes.StatusCode, string(anonData))
	}

	legacyRes, legacyData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/markets/mkt-1/status", nil, map[string]string{"X-Actor-Id": "legacy"})
	if legacyRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("legacy header without flag status %d: %s", legacyRes.StatusCode, string(legacyData))
	}

	badTokenRes, badTokenData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/markets/mkt-1/status", nil, map[string]string{
		"Authorization": "Bearer " + signTestToken(t, "wrong-secret", "tester"),
	})
	if badTokenRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d: %s", badTokenRes.StatusCode, string(badTokenData))
	}
	if code := errorCode(t, badTokenData); code != "invalid_credentials" {
		t.Fatalf("bad token code = %s", code)
	}

	err := srv.engine.Repo.InsertAPIKey(ctx, domain.APIKey{
		ID:        "ak-1",
		ActorID:   "key-actor",
		Name:      "test key",
		KeyHash:   repo.HashAPIKey("super-secret-key"),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	keyRes, keyData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/markets/mkt-1/status", nil, map[string]string{"X-Api-Key": "super-secret-key"})
	if keyRes.StatusCode != http.StatusOK {
		t.Fatalf("api key status %d: %s", keyRes.StatusCode, string(keyData))
	}

	jwtRes, jwtData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/markets/mkt-1/status", nil, srv.auth)
	if jwtRes.StatusCode != http.StatusOK {
		t.Fatalf("jwt status %d: %s", jwtRes.StatusCode, string(jwtData))
	}
}

func TestEventsPaginationOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/markets/mkt-1/intents", sellBody(), srv.auth); res.StatusCode != http.StatusCreated {
		t.Fatalf("create sell: %d %s", res.StatusCode, string(data))
	}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/markets/mkt-1/intents", buyBody(), srv.auth); res.StatusCode != http.StatusCreated {
		t.Fatalf("create buy: %d %s", res.StatusCode, string(data))
	}

	firstRes, firstData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/markets/mkt-1/events?limit=2", nil, srv.auth)
	if firstRes.StatusCode != http.StatusOK {
		t.Fatalf("first page status %d: %s", firstRes.StatusCode, string(firstData))
	}
	var first paginatedEvents
	if err := json.Unmarshal(firstData, &first); err != nil {
		t.Fatalf("unmarshal first page: %v", err)
	}
	if len(first.Items) != 2 || first.NextCursor == "" {
		t.Fatalf("first page items %d cursor %q", len(first.Items), first.NextCursor)
	}

	secondRes, secondData := doJSON(t, client, http.MethodGet, srv.URL+"/v1/markets/mkt-1/events?limit=2&cursor="+first.NextCursor, nil, srv.auth)
	if secondRes.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", secondRes.StatusCode, string(secondData))
	}
	var second paginatedEvents
	if err := json.Unmarshal(secondData, &second); err != nil {
		t.Fatalf("unmarshal second page: %v", err)
	}
	if len(second.Items) == 0 {
		t.Fatal("second page empty")
	}
	if second.Items[0].Seq <= first.Items[1].Seq {
		t.Fatalf("second page seq %d not after %d", second.Items[0].Seq, first.Items[1].Seq)
	}
}
