package domain

// IssueCode classifies a validation finding.
type IssueCode string

const (
	IssueMissingIntegration IssueCode = "missing_integration"
	IssueMissingURL         IssueCode = "missing_url"
	IssueNoTrigger          IssueCode = "no_trigger"
	IssueMultipleTriggers   IssueCode = "multiple_triggers"
	IssueUnreachable        IssueCode = "unreachable"
	IssueEmptyNodeID        IssueCode = "empty_node_id"
	IssueDuplicateNodeID    IssueCode = "duplicate_node_id"
	IssueDanglingReference  IssueCode = "dangling_reference"
	IssueUnknownNodeType    IssueCode = "unknown_node_type"
)

// ValidationIssue is a single error or warning reported by the validator.
type ValidationIssue struct {
	Code     IssueCode `json:"code"`
	NodeID   string    `json:"node_id,omitempty"`
	NodeType NodeType  `json:"node_type,omitempty"`
	Message  string    `json:"message"`
}

// ValidationReport is the result of validating a workflow definition.
// Findings are reported as data, never as an error.
type ValidationReport struct {
	Valid      bool              `json:"valid"`
	Errors     []ValidationIssue `json:"errors"`
	Warnings   []ValidationIssue `json:"warnings"`
	CanSave    bool              `json:"can_save"`
	CanExecute bool              `json:"can_execute"`
}
