package entity

// OfferConfig describes the fulfillment wiring for a single offer.
// The set of offers is operator-managed configuration, not runtime data.
type OfferConfig struct {
	OfferID     string `json:"offerId"`
	ProductName string `json:"productName"`
	Source      string `json:"source"`

	PipelineID              string   `json:"pipelineId"`
	StageID                 string   `json:"stageId"`
	TagIDs                  []string `json:"tagIds"`
	WorkflowIDs             []string `json:"workflowIds"`
	OpportunityNameTemplate string   `json:"opportunityNameTemplate"`

	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`

	ContactCustomFieldIDs map[string]string `json:"contactCustomFieldIds"`
	Metadata              map[string]string `json:"metadata"`

	Entitlements []string `json:"entitlements"`
	LicenseTier  string   `json:"licenseTier"`
}
