package prof

import (
	"context"
	"strings"
	"testing"

	"github.com/keithlinneman/shopgate/internal/log"
)

func TestStart_Disabled(t *testing.T) {
	stop, err := Start(context.Background(), Options{Enabled: false})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if stop == nil {
		t.Fatal("stop func is nil")
	}
	stop()
	stop() // idempotent
}

func TestStart_Disabled_IgnoresOptions(t *testing.T) {
	stop, err := Start(context.Background(), Options{
		Enabled:              false,
		ServerAddress:        "",
		AuthToken:            "secret",
		TenantID:             "tenant",
		Tags:                 map[string]string{"k": "v"},
		ProfileMutexFraction: 999,
		BlockProfileRate:     999,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop()
}

func TestStart_Enabled_RequiresServerAddress(t *testing.T) {
	stop, err := Start(context.Background(), Options{
		Enabled:       true,
		ServerAddress: "",
		AppName:       "test",
	})

	if err == nil {
		t.Fatal("empty server address accepted")
	}
	if !strings.Contains(err.Error(), "invalid server address") {
		t.Fatalf("error = %q", err.Error())
	}

	// even on error the stop func is callable
	if stop == nil {
		t.Fatal("stop func is nil on error")
	}
	stop()
	stop()
}

func TestStart_Enabled_UnreachableServer(t *testing.T) {
	// pyroscope may connect lazily, so err is not asserted; the contract is
	// a non-nil, panic-free stop func either way
	stop, _ := Start(context.Background(), Options{
		Enabled:       true,
		ServerAddress: "http://localhost:0/nonexistent",
		AppName:       "test",
	})
	if stop == nil {
		t.Fatal("stop func is nil")
	}
	stop()
}

func TestStart_UsesContextLogger(t *testing.T) {
	ctx := log.WithContext(context.Background(), log.Nop())

	stop, err := Start(ctx, Options{Enabled: false})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop()

	if stop, err = Start(ctx, Options{Enabled: true, ServerAddress: ""}); err == nil {
		t.Fatal("expected validation error")
	}
	stop()
}
