package billing

// PriceTable maps workflow keys to a per-run price in cents. Workflows that
// are absent are free. config.BillingConfig.Prices decodes and validates it.
type PriceTable map[string]int64

// Price returns the configured price, or 0 for an unknown workflow.
func (p PriceTable) Price(workflowKey string) int64 {
	if cents := p[workflowKey]; cents > 0 {
		return cents
	}
	return 0
}
