package telemetry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"opsdeck/internal/notifications/core"
	"opsdeck/internal/types"
)

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

type mockLogger struct {
	errors []string
}

func (l *mockLogger) Info(string, ...any)        {}
func (l *mockLogger) Warn(string, ...any)        {}
func (l *mockLogger) Error(msg string, _ ...any) { l.errors = append(l.errors, msg) }
func (l *mockLogger) With(...any) types.Logger   { return l }

func TestCloudWatchMetrics_RecordDelivery(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := NewCloudWatchMetrics(cw, "", &mockLogger{})

	metrics.RecordDelivery(context.Background(), types.ChannelEmail, core.MetricSuccess)

	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 PutMetricData call, got %d", len(cw.calls))
	}

	input := cw.calls[0]
	if *input.Namespace != types.MetricNamespace {
		t.Errorf("expected namespace %q, got %q", types.MetricNamespace, *input.Namespace)
	}
	if len(input.MetricData) != 1 {
		t.Fatalf("expected 1 metric datum, got %d", len(input.MetricData))
	}

	datum := input.MetricData[0]
	if *datum.MetricName != types.MetricDeliveryAttempt {
		t.Errorf("expected metric name %q, got %q", types.MetricDeliveryAttempt, *datum.MetricName)
	}
	if *datum.Value != 1.0 {
		t.Errorf("expected value 1.0, got %f", *datum.Value)
	}
	if datum.Unit != cwtypes.StandardUnitCount {
		t.Errorf("expected unit Count, got %s", datum.Unit)
	}
	assertDimension(t, datum.Dimensions, types.DimChannel, string(types.ChannelEmail))
	assertDimension(t, datum.Dimensions, types.DimResult, string(core.MetricSuccess))
}

func TestCloudWatchMetrics_CustomNamespace(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := NewCloudWatchMetrics(cw, "Staging/Automation", &mockLogger{})

	metrics.RecordTickSkipped(context.Background())

	if *cw.calls[0].Namespace != "Staging/Automation" {
		t.Errorf("expected custom namespace, got %q", *cw.calls[0].Namespace)
	}
	if *cw.calls[0].MetricData[0].MetricName != types.MetricTickSkipped {
		t.Errorf("unexpected metric %q", *cw.calls[0].MetricData[0].MetricName)
	}
}

func TestCloudWatchMetrics_RecordLatency(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := NewCloudWatchMetrics(cw, "", &mockLogger{})

	metrics.RecordLatency(context.Background(), types.ChannelPush, 250*time.Millisecond)

	datum := cw.calls[0].MetricData[0]
	if *datum.Value != 250.0 {
		t.Errorf("expected latency value 250.0ms, got %f", *datum.Value)
	}
	if datum.Unit != cwtypes.StandardUnitMilliseconds {
		t.Errorf("expected unit Milliseconds, got %s", datum.Unit)
	}
	assertDimension(t, datum.Dimensions, types.DimChannel, string(types.ChannelPush))
}

func TestCloudWatchMetrics_RecordCharge(t *testing.T) {
	t.Run("charged emits amount", func(t *testing.T) {
		cw := &mockCloudWatchClient{}
		NewCloudWatchMetrics(cw, "", &mockLogger{}).
			RecordCharge(context.Background(), "daily_briefing_email", types.UsageCharged, 300)

		data := cw.calls[0].MetricData
		if len(data) != 2 {
			t.Fatalf("expected 2 datums, got %d", len(data))
		}
		assertDimension(t, data[0].Dimensions, types.DimWorkflow, "daily_briefing_email")
		assertDimension(t, data[0].Dimensions, types.DimStatus, string(types.UsageCharged))
		if *data[1].Value != 300 {
			t.Errorf("expected amount 300, got %f", *data[1].Value)
		}
	})

	t.Run("blocked emits count only", func(t *testing.T) {
		cw := &mockCloudWatchClient{}
		NewCloudWatchMetrics(cw, "", &mockLogger{}).
			RecordCharge(context.Background(), "daily_briefing_email", types.UsageBlockedNoFunds, 300)

		if len(cw.calls[0].MetricData) != 1 {
			t.Fatalf("expected 1 datum, got %d", len(cw.calls[0].MetricData))
		}
	})
}

func TestCloudWatchMetrics_RecordWorkflowOutcome(t *testing.T) {
	cw := &mockCloudWatchClient{}
	NewCloudWatchMetrics(cw, "", &mockLogger{}).
		RecordWorkflowOutcome(context.Background(), "mint_alerts", types.OutcomeSkipped, 2*time.Second)

	data := cw.calls[0].MetricData
	if len(data) != 2 {
		t.Fatalf("expected 2 datums, got %d", len(data))
	}
	assertDimension(t, data[0].Dimensions, types.DimStatus, string(types.OutcomeSkipped))
	if *data[1].Value != 2000 {
		t.Errorf("expected 2000ms, got %f", *data[1].Value)
	}
}

func TestCloudWatchMetrics_ErrorIsLoggedNotReturned(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: fmt.Errorf("cloudwatch unavailable")}
	logger := &mockLogger{}
	metrics := NewCloudWatchMetrics(cw, "", logger)

	metrics.RecordTopUp(context.Background(), "stripe", 500)

	if len(cw.calls) != 1 {
		t.Errorf("expected 1 call attempt, got %d", len(cw.calls))
	}
	if len(logger.errors) != 1 {
		t.Errorf("expected the failure to be logged once, got %d", len(logger.errors))
	}
}

func TestCombine(t *testing.T) {
	a, b := &mockCloudWatchClient{}, &mockCloudWatchClient{}
	r := Combine(NewCloudWatchMetrics(a, "", &mockLogger{}), nil, NewCloudWatchMetrics(b, "", &mockLogger{}))

	r.RecordRefund(context.Background(), "daily_briefing_email", 300)

	if len(a.calls) != 1 || len(b.calls) != 1 {
		t.Errorf("expected one call per sink, got %d and %d", len(a.calls), len(b.calls))
	}
	if _, ok := Combine().(Nop); !ok {
		t.Errorf("expected Nop for no recorders")
	}
}

// assertDimension verifies a specific dimension exists with the expected value.
func assertDimension(t *testing.T, dims []cwtypes.Dimension, name, expectedValue string) {
	t.Helper()
	for _, d := range dims {
		if *d.Name == name {
			if *d.Value != expectedValue {
				t.Errorf("dimension %q: expected value %q, got %q", name, expectedValue, *d.Value)
			}
			return
		}
	}
	t.Errorf("dimension %q not found in %v", name, dims)
}
