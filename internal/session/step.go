// ABOUTME: Step descriptors rendered to the owner of an interactive session
// ABOUTME: Tagged union of note/openUrl/text/confirm/select/multiselect shapes

package session

// StepType discriminates the step shapes a flow can yield.
type StepType string

const (
	StepNote        StepType = "note"
	StepOpenURL     StepType = "openUrl"
	StepText        StepType = "text"
	StepConfirm     StepType = "confirm"
	StepSelect      StepType = "select"
	StepMultiSelect StepType = "multiselect"
)

// Option is a selectable choice for select/multiselect steps.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// Step describes what the session owner should be shown next. A step with
// Sensitive set expects an answer that must never be echoed into logs,
// responses, or persisted state beyond the single answer round-trip.
type Step struct {
	Type      StepType `json:"type"`
	Prompt    string   `json:"prompt,omitempty"`
	URL       string   `json:"url,omitempty"`
	Sensitive bool     `json:"sensitive,omitempty"`
	Options   []Option `json:"options,omitempty"`
	Default   string   `json:"default,omitempty"`
}
