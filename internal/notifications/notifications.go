// Package notifications delivers operational events (budget alerts,
// provider availability changes) to an SNS topic or an in-process
// sink.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/mosaicdocs/aicore/internal/circuitbreaker"
	"github.com/mosaicdocs/aicore/internal/costguard"
)

type EventType string

const (
	EventBudgetWarning  EventType = "budget_warning"
	EventBudgetCritical EventType = "budget_critical"
	EventBudgetExceeded EventType = "budget_exceeded"
	EventProviderDown   EventType = "provider_down"
	EventProviderUp     EventType = "provider_up"
)

type Event struct {
	Type    EventType      `json:"type"`
	OrgID   string         `json:"org_id,omitempty"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, event Event) error
}

type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSNotifierWithConfig(cfg, topicArn), nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, event Event) error {
	message, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Type)),
			},
		},
	}
	if event.OrgID != "" {
		input.MessageAttributes["OrgID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(event.OrgID),
		}
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	slog.Info("notification sent", "type", event.Type, "org_id", event.OrgID)
	return nil
}

// InMemoryNotifier collects events in process. Used when no topic is
// configured and in tests.
type InMemoryNotifier struct {
	mu     sync.Mutex
	events []Event
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	slog.Info("notification sent (in-memory)", "type", event.Type, "org_id", event.OrgID)
	return nil
}

func (n *InMemoryNotifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Event, len(n.events))
	copy(result, n.events)
	return result
}

// BudgetAlertHandler adapts a notifier into a cost alert handler.
func BudgetAlertHandler(notifier Notifier) costguard.AlertHandler {
	levels := map[costguard.AlertLevel]EventType{
		costguard.AlertLevelWarning:  EventBudgetWarning,
		costguard.AlertLevelCritical: EventBudgetCritical,
		costguard.AlertLevelExceeded: EventBudgetExceeded,
	}

	return func(alert costguard.Alert) {
		event := Event{
			Type:    levels[alert.Level],
			OrgID:   alert.OrgID,
			Message: fmt.Sprintf("daily spend at %.0f%% of limit", alert.Percentage),
			Data: map[string]any{
				"limit_usd":   alert.LimitUSD,
				"current_usd": alert.CurrentUSD,
			},
		}
		if err := notifier.Send(context.Background(), event); err != nil {
			slog.Error("budget notification failed", "org_id", alert.OrgID, "error", err)
		}
	}
}

// BreakerStateHandler adapts a notifier into a circuit breaker state
// change handler. Only open and closed transitions are announced;
// half-open probes are noise.
func BreakerStateHandler(notifier Notifier) circuitbreaker.StateChangeHandler {
	return func(providerID string, state circuitbreaker.State) {
		var event Event
		switch state {
		case circuitbreaker.StateOpen:
			event = Event{
				Type:    EventProviderDown,
				Message: fmt.Sprintf("provider %s circuit opened", providerID),
				Data:    map[string]any{"provider": providerID},
			}
		case circuitbreaker.StateClosed:
			event = Event{
				Type:    EventProviderUp,
				Message: fmt.Sprintf("provider %s circuit closed", providerID),
				Data:    map[string]any{"provider": providerID},
			}
		default:
			return
		}
		if err := notifier.Send(context.Background(), event); err != nil {
			slog.Error("provider notification failed", "provider", providerID, "error", err)
		}
	}
}
