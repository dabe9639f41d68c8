package types

// CloudWatch metric names and dimensions. All components MUST use these
// constants.
const (
	// Metric Names
	MetricDeliveryAttempt = "DeliveryAttempt"
	MetricDeliveryLatency = "DeliveryAttemptLatency"
	MetricBillingOutcome  = "AutomationBillingOutcome"
	MetricBillingAmount   = "AutomationBillingAmountCents"
	MetricWorkflowOutcome = "WorkflowOutcome"
	MetricWorkflowLatency = "WorkflowLatency"
	MetricTickSkipped     = "SchedulerTickSkipped"
	MetricTickDuration    = "SchedulerTickDuration"

	// Dimension Keys
	DimChannel  = "Channel"
	DimResult   = "Result"
	DimWorkflow = "Workflow"
	DimStatus   = "Status"
	DimSource   = "Source"

	// Metric Namespace
	MetricNamespace = "OpsDeck/Automation"
)
