package notifications

import (
	"testing"

	"github.com/mosaicdocs/aicore/internal/circuitbreaker"
	"github.com/mosaicdocs/aicore/internal/costguard"
)

func TestBudgetAlertHandlerMapsLevels(t *testing.T) {
	cases := []struct {
		level costguard.AlertLevel
		want  EventType
	}{
		{costguard.AlertLevelWarning, EventBudgetWarning},
		{costguard.AlertLevelCritical, EventBudgetCritical},
		{costguard.AlertLevelExceeded, EventBudgetExceeded},
	}

	for _, tc := range cases {
		t.Run(string(tc.level), func(t *testing.T) {
			sink := NewInMemoryNotifier()
			handler := BudgetAlertHandler(sink)

			handler(costguard.Alert{
				OrgID:      "org-1",
				Level:      tc.level,
				LimitUSD:   10,
				CurrentUSD: 8.5,
				Percentage: 85,
			})

			events := sink.Events()
			if len(events) != 1 {
				t.Fatalf("expected 1 event, got %d", len(events))
			}
			if events[0].Type != tc.want {
				t.Errorf("expected %s, got %s", tc.want, events[0].Type)
			}
			if events[0].OrgID != "org-1" {
				t.Errorf("expected org id, got %q", events[0].OrgID)
			}
			if events[0].Data["limit_usd"] != 10.0 {
				t.Errorf("expected limit in data, got %v", events[0].Data["limit_usd"])
			}
		})
	}
}

func TestBreakerStateHandlerAnnouncesOpenAndClosed(t *testing.T) {
	sink := NewInMemoryNotifier()
	handler := BreakerStateHandler(sink)

	handler("openai", circuitbreaker.StateOpen)
	handler("openai", circuitbreaker.StateHalfOpen)
	handler("openai", circuitbreaker.StateClosed)

	events := sink.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events (half-open suppressed), got %d", len(events))
	}
	if events[0].Type != EventProviderDown {
		t.Errorf("expected provider_down first, got %s", events[0].Type)
	}
	if events[1].Type != EventProviderUp {
		t.Errorf("expected provider_up second, got %s", events[1].Type)
	}
	if events[0].Data["provider"] != "openai" {
		t.Errorf("expected provider in data, got %v", events[0].Data["provider"])
	}
}
