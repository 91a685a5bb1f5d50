package newrelic

import (
	"context"
	"testing"

	"github.com/nerg-network/nerg-mine/internal/config"
)

func TestNewAgent(t *testing.T) {
	cfg := &config.NewRelicConfig{
		Enabled:    true,
		AppName:    "Test Mine",
		LicenseKey: "test_key",
	}

	agent := NewAgent(cfg)

	if agent == nil {
		t.Fatal("NewAgent returned nil")
	}

	if agent.cfg != cfg {
		t.Error("Agent.cfg not set correctly")
	}

	if agent.app != nil {
		t.Error("Agent.app should be nil before Start()")
	}
}

func TestStartDisabled(t *testing.T) {
	cfg := &config.NewRelicConfig{
		Enabled: false,
	}

	agent := NewAgent(cfg)
	err := agent.Start()

	if err != nil {
		t.Errorf("Start() returned error when disabled: %v", err)
	}

	if agent.app != nil {
		t.Error("Agent.app should be nil when disabled")
	}
}

func TestStartNoLicenseKey(t *testing.T) {
	cfg := &config.NewRelicConfig{
		Enabled:    true,
		AppName:    "Test Mine",
		LicenseKey: "",
	}

	agent := NewAgent(cfg)
	err := agent.Start()

	if err != nil {
		t.Errorf("Start() returned error with empty license key: %v", err)
	}

	if agent.app != nil {
		t.Error("Agent.app should be nil with empty license key")
	}
}

func TestStopNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	// Should not panic
	agent.Stop()
}

func TestApplicationNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	app := agent.Application()
	if app != nil {
		t.Error("Application() should return nil when not started")
	}
}

func TestIsEnabledNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	if agent.IsEnabled() {
		t.Error("IsEnabled() should return false when not started")
	}
}

func TestStartTransactionNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	txn := agent.StartTransaction("test")
	if txn != nil {
		t.Error("StartTransaction() should return nil when not started")
	}
}

func TestRecordCustomEventNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	// Should not panic
	agent.RecordCustomEvent("TestEvent", map[string]interface{}{
		"key": "value",
	})
}

func TestRecordCustomMetricNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	// Should not panic
	agent.RecordCustomMetric("Custom/Test", 123.45)
}

func TestNoticeErrorNilTransaction(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	// Should not panic with nil transaction
	agent.NoticeError(nil, nil)
}

func TestNewContextNilTransaction(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	ctx := context.Background()

	result := agent.NewContext(ctx, nil)
	if result != ctx {
		t.Error("NewContext should return original context when txn is nil")
	}
}

func TestFromContext(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	ctx := context.Background()

	txn := agent.FromContext(ctx)
	if txn != nil {
		t.Error("FromContext should return nil for empty context")
	}
}

func TestRecordAccrual(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	// Should not panic when not started
	agent.RecordAccrual("user1", "progress", 0.0125)
	agent.RecordAccrual("user1", "completed", 0.025)
}

func TestRecordSessionStart(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	// Should not panic when not started
	agent.RecordSessionStart("user1", 0.05, 24)
}

func TestRecordSessionFinalized(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	// Should not panic when not started
	agent.RecordSessionFinalized("user1", 0.025)
}

func TestUpdateServiceMetrics(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	// Should not panic when not started
	agent.UpdateServiceMetrics(42, 12.5)
}

func TestAgentStructFields(t *testing.T) {
	cfg := &config.NewRelicConfig{
		Enabled:    true,
		AppName:    "NERG Mine",
		LicenseKey: "license_123",
	}

	agent := NewAgent(cfg)

	if agent.cfg.AppName != "NERG Mine" {
		t.Errorf("AppName = %s, want NERG Mine", agent.cfg.AppName)
	}

	if agent.cfg.LicenseKey != "license_123" {
		t.Errorf("LicenseKey = %s, want license_123", agent.cfg.LicenseKey)
	}
}

func TestConcurrentAccess(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	// Test concurrent access - should not panic
	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func() {
			agent.IsEnabled()
			agent.Application()
			agent.StartTransaction("test")
			agent.RecordCustomEvent("test", nil)
			agent.RecordCustomMetric("test", 1.0)
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}
