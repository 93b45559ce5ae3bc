package risk_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeyard/internal/config"
	"tradeyard/internal/domain"
	"tradeyard/internal/risk"
)

func riskCfg(t *testing.T) config.Risk {
	t.Helper()
	return config.Default("mkt-1").Risk
}

func cleanInput() risk.Input {
	return risk.Input{
		Side:        domain.SideSell,
		Rating:      4.2,
		Exposure:    decimal.NewFromInt(1000),
		CreditLimit: decimal.NewFromInt(50000),
	}
}

func TestAssessCleanPartnerPasses(t *testing.T) {
	res := risk.Assess(cleanInput(), riskCfg(t))
	if res.Score != 100 || res.Status != domain.RiskPass {
		t.Fatalf("got score=%d status=%s, want 100 PASS", res.Score, res.Status)
	}
	if len(res.Factors) != 0 || res.Violation != "" || res.Degraded {
		t.Fatalf("unexpected factors on clean input: %+v", res)
	}
}

func TestAssessPenalties(t *testing.T) {
	cfg := riskCfg(t)
	cases := []struct {
		name       string
		mutate     func(*risk.Input)
		wantScore  int
		wantStatus domain.RiskStatus
		wantFactor string
	}{
		{
			name: "exposure at credit limit",
			mutate: func(in *risk.Input) {
				in.Exposure = decimal.NewFromInt(50000)
			},
			wantScore:  60,
			wantStatus: domain.RiskWarn,
			wantFactor: risk.FactorExposureLimit,
		},
		{
			name: "low rating",
			mutate: func(in *risk.Input) {
				in.Rating = 2.0
			},
			wantScore:  70,
			wantStatus: domain.RiskWarn,
			wantFactor: risk.FactorLowRating,
		},
		{
			name: "weak settlement history",
			mutate: func(in *risk.Input) {
				in.SettledSuccess = 1
				in.SettledTotal = 4
			},
			wantScore:  70,
			wantStatus: domain.RiskWarn,
			wantFactor: risk.FactorWeakHistory,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := cleanInput()
			tc.mutate(&in)
			res := risk.Assess(in, cfg)
			if res.Score != tc.wantScore || res.Status != tc.wantStatus {
				t.Fatalf("got score=%d status=%s, want %d %s", res.Score, res.Status, tc.wantScore, tc.wantStatus)
			}
			if len(res.Factors) != 1 || res.Factors[0] != tc.wantFactor {
				t.Fatalf("got factors %v, want [%s]", res.Factors, tc.wantFactor)
			}
		})
	}
}

func TestAssessAllPenaltiesFail(t *testing.T) {
	in := cleanInput()
	in.Exposure = decimal.NewFromInt(60000)
	in.Rating = 1.0
	in.SettledSuccess = 0
	in.SettledTotal = 5
	res := risk.Assess(in, riskCfg(t))
	if res.Score != 0 || res.Status != domain.RiskFail {
		t.Fatalf("got score=%d status=%s, want 0 FAIL", res.Score, res.Status)
	}
}

func TestAssessShortHistoryNotPenalized(t *testing.T) {
	in := cleanInput()
	in.SettledSuccess = 0
	in.SettledTotal = 2
	res := risk.Assess(in, riskCfg(t))
	if res.Score != 100 {
		t.Fatalf("two settled trades should not trigger the history rule, got %d", res.Score)
	}
}

func TestAssessUnsettledPositionBlocks(t *testing.T) {
	cfg := riskCfg(t)

	sell := cleanInput()
	sell.OpenBuys = 1
	res := risk.Assess(sell, cfg)
	if res.Status != domain.RiskFail || res.Violation != risk.ViolationUnsettled {
		t.Fatalf("SELL over open BUY position: got %+v", res)
	}
	if res.Score != 100 {
		t.Fatalf("blocking rule must not rewrite the score, got %d", res.Score)
	}

	buy := cleanInput()
	buy.Side = domain.SideBuy
	buy.OpenSells = 2
	res = risk.Assess(buy, cfg)
	if res.Status != domain.RiskFail || res.Violation != risk.ViolationUnsettled {
		t.Fatalf("BUY over open SELL position: got %+v", res)
	}

	// open positions on the other side do not block
	sellOK := cleanInput()
	sellOK.OpenSells = 3
	if res := risk.Assess(sellOK, cfg); res.Status != domain.RiskPass {
		t.Fatalf("open SELL positions must not block a SELL intent: %+v", res)
	}
}

func TestAssessSameDayReverseBlocks(t *testing.T) {
	cfg := riskCfg(t)

	in := cleanInput()
	in.HasCounterparty = true
	in.SameDayReverse = true
	res := risk.Assess(in, cfg)
	if res.Status != domain.RiskFail || res.Violation != risk.ViolationSameDayFlip {
		t.Fatalf("same-day reverse trade: got %+v", res)
	}

	// without a directed counterparty the rule cannot fire
	in.HasCounterparty = false
	if res := risk.Assess(in, cfg); res.Violation != "" {
		t.Fatalf("undirected intent must not trip the wash rule: %+v", res)
	}
}

func TestAssessModelBlendAndDegrade(t *testing.T) {
	cfg := riskCfg(t)

	in := cleanInput()
	model := 0
	in.ModelScore = &model
	res := risk.Assess(in, cfg)
	// 100*(1-0.3) + 0*0.3 = 70
	if res.Score != 70 || res.Status != domain.RiskWarn {
		t.Fatalf("blend: got score=%d status=%s, want 70 WARN", res.Score, res.Status)
	}

	in = cleanInput()
	in.ModelDegraded = true
	res = risk.Assess(in, cfg)
	if !res.Degraded || res.Status != domain.RiskPass {
		t.Fatalf("degraded scoring must keep the rule-tier verdict: %+v", res)
	}
	if len(res.Factors) != 1 || res.Factors[0] != risk.FactorModelDegraded {
		t.Fatalf("got factors %v, want [MODEL_DEGRADED]", res.Factors)
	}
}

func TestAssessDeterministic(t *testing.T) {
	cfg := riskCfg(t)
	in := cleanInput()
	in.Rating = 2.1
	in.SettledSuccess = 2
	in.SettledTotal = 4
	a := risk.Assess(in, cfg)
	b := risk.Assess(in, cfg)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("assess not reproducible: %+v vs %+v", a, b)
	}
}

func TestHTTPModelScorer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("got method %s", r.Method)
		}
		w.Write([]byte(`{"score":73}`))
	}))
	defer srv.Close()

	scorer := risk.NewHTTPModelScorer(srv.URL, time.Second)
	score, err := scorer.Score(context.Background(), risk.ModelInput{IntentID: "int-1", Side: domain.SideBuy})
	if err != nil || score != 73 {
		t.Fatalf("got score=%d err=%v, want 73", score, err)
	}
}

func TestHTTPModelScorerErrors(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer bad.Close()
	if _, err := risk.NewHTTPModelScorer(bad.URL, time.Second).Score(context.Background(), risk.ModelInput{}); err == nil {
		t.Fatalf("expected error on 500")
	}

	outOfRange := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"score":250}`))
	}))
	defer outOfRange.Close()
	if _, err := risk.NewHTTPModelScorer(outOfRange.URL, time.Second).Score(context.Background(), risk.ModelInput{}); err == nil {
		t.Fatalf("expected error on out-of-range score")
	}

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"score":50}`))
	}))
	defer slow.Close()
	if _, err := risk.NewHTTPModelScorer(slow.URL, 20*time.Millisecond).Score(context.Background(), risk.ModelInput{}); err == nil {
		t.Fatalf("expected timeout error")
	}
}
