package state

import (
	"testing"

	"go.uber.org/zap"
)

func TestTradingHappyPath(t *testing.T) {
	m := NewTradingMachine(zap.NewNop(), "pool_sigA")

	if !m.Fire(TradingPoolDetected, "") {
		t.Fatal("POOL_DETECTED rejected")
	}
	m.UpdateContext(func(c *TradingContext) {
		c.TokenAddress = "T1"
		c.TradeAmount = 100
	})
	if !m.Fire(TradingEvaluationCompleted, "") {
		t.Fatal("EVALUATION_COMPLETED rejected")
	}
	if st := m.State(); st != TradingPreparingTrade {
		t.Fatalf("state = %s, want PREPARING_TRADE", st)
	}
	m.Fire(TradingTradePrepared, "")
	m.Fire(TradingTradeSubmitted, "")
	if !m.Fire(TradingTradeConfirmed, "") {
		t.Fatal("TRADE_CONFIRMED rejected")
	}
	if st := m.State(); st != TradingCompleted {
		t.Fatalf("state = %s, want TRADE_COMPLETED", st)
	}
}

func TestEvaluationGuardRoutesToIdle(t *testing.T) {
	m := NewTradingMachine(zap.NewNop(), "pool_sigB")
	m.Fire(TradingPoolDetected, "")

	// No token or amount in context: guard sends the workflow back to IDLE.
	if !m.Fire(TradingEvaluationCompleted, "") {
		t.Fatal("EVALUATION_COMPLETED rejected outright")
	}
	if st := m.State(); st != TradingIdle {
		t.Fatalf("state = %s, want IDLE", st)
	}
}

func TestTerminalOnlyLeavesViaReset(t *testing.T) {
	m := NewTradingMachine(zap.NewNop(), "pool_sigC")
	m.Fire(TradingPoolDetected, "")
	m.Fire(TradingErrorOccurred, "strategy blew up")

	if st := m.State(); st != TradingError {
		t.Fatalf("state = %s, want ERROR", st)
	}
	if m.Fire(TradingPoolDetected, "") {
		t.Error("POOL_DETECTED accepted from ERROR")
	}
	if m.Fire(TradingErrorOccurred, "again") {
		t.Error("ERROR_OCCURRED accepted while already in ERROR")
	}
	if !m.Fire(TradingReset, "") {
		t.Fatal("RESET rejected from terminal")
	}
	if st := m.State(); st != TradingIdle {
		t.Fatalf("state after reset = %s", st)
	}
	if ctx := m.Context(); ctx.Error != "" || ctx.TokenAddress != "" {
		t.Errorf("context not cleared on reset: %+v", ctx)
	}
}

func TestErrorOccurredRejectedFromAllTerminals(t *testing.T) {
	completed := func(m *TradingMachine) {
		m.Fire(TradingPoolDetected, "")
		m.UpdateContext(func(c *TradingContext) {
			c.TokenAddress = "T1"
			c.TradeAmount = 100
		})
		m.Fire(TradingEvaluationCompleted, "")
		m.Fire(TradingTradePrepared, "")
		m.Fire(TradingTradeSubmitted, "")
		m.Fire(TradingTradeConfirmed, "")
	}
	failed := func(m *TradingMachine) {
		m.Fire(TradingPoolDetected, "")
		m.UpdateContext(func(c *TradingContext) {
			c.TokenAddress = "T1"
			c.TradeAmount = 100
		})
		m.Fire(TradingEvaluationCompleted, "")
		m.Fire(TradingPrepareFailed, "prepare blew up")
	}
	errored := func(m *TradingMachine) {
		m.Fire(TradingPoolDetected, "")
		m.Fire(TradingErrorOccurred, "x")
	}

	cases := []struct {
		name  string
		drive func(*TradingMachine)
		want  TradingState
	}{
		{"completed", completed, TradingCompleted},
		{"failed", failed, TradingFailed},
		{"error", errored, TradingError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := NewTradingMachine(zap.NewNop(), "pool_"+c.name)
			c.drive(m)
			if st := m.State(); st != c.want {
				t.Fatalf("setup landed in %s, want %s", st, c.want)
			}
			if m.Fire(TradingErrorOccurred, "late error") {
				t.Fatalf("ERROR_OCCURRED accepted from terminal %s", c.want)
			}
			if st := m.State(); st != c.want {
				t.Errorf("terminal state mutated: %s", st)
			}
		})
	}
}

func TestTimeoutFailsFromConfirming(t *testing.T) {
	m := NewTradingMachine(zap.NewNop(), "pool_sigD")
	m.Fire(TradingPoolDetected, "")
	m.UpdateContext(func(c *TradingContext) {
		c.TokenAddress = "T1"
		c.TradeAmount = 50
	})
	m.Fire(TradingEvaluationCompleted, "")
	m.Fire(TradingTradePrepared, "")
	m.Fire(TradingTradeSubmitted, "")

	if !m.Fire(TradingTradeTimeout, "confirmation timeout") {
		t.Fatal("TRADE_TIMEOUT rejected from CONFIRMING")
	}
	if st := m.State(); st != TradingFailed {
		t.Fatalf("state = %s, want TRADE_FAILED", st)
	}
	if m.Fire(TradingTradeTimeout, "") {
		t.Error("TRADE_TIMEOUT accepted from terminal")
	}
}

func TestTradingHistoryBounded(t *testing.T) {
	m := NewTradingMachine(zap.NewNop(), "pool_sigE")
	for i := 0; i < 120; i++ {
		m.Fire(TradingPoolDetected, "")
		m.Fire(TradingErrorOccurred, "x")
		m.Fire(TradingReset, "")
	}
	if got := len(m.History()); got != tradingHistoryLimit {
		t.Errorf("history length = %d, want %d", got, tradingHistoryLimit)
	}
}
