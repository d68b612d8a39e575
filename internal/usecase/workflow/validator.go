package workflow

import (
	"fmt"

	"afo-engine/internal/domain"
)

// Validate checks a definition's structure and integration readiness against
// the set of integration types the owning user has active. It never fails;
// every finding is reported in the returned report.
func Validate(def domain.WorkflowDefinition, active map[domain.IntegrationType]bool) domain.ValidationReport {
	v := &validation{}

	ids := make(map[string]bool, len(def.Nodes))
	var triggers []domain.Node
	for _, n := range def.Nodes {
		switch {
		case n.ID == "":
			v.errorf(domain.IssueEmptyNodeID, n, "node of type %q has no id", n.Type)
		case ids[n.ID]:
			v.errorf(domain.IssueDuplicateNodeID, n, "duplicate node id %q", n.ID)
		default:
			ids[n.ID] = true
		}
		if n.Type == domain.NodeTrigger {
			triggers = append(triggers, n)
		}
	}

	for _, n := range def.Nodes {
		v.checkNode(n, active)
	}

	for _, n := range def.Nodes {
		for _, ref := range references(n) {
			if !ids[ref.target] {
				v.errorf(domain.IssueDanglingReference, n, "node %q: %s references unknown node %q", n.ID, ref.field, ref.target)
			}
		}
	}

	switch len(triggers) {
	case 0:
		v.warnf(domain.IssueNoTrigger, domain.Node{}, "workflow has no trigger node")
	default:
		if len(triggers) > 1 {
			v.warnf(domain.IssueMultipleTriggers, triggers[1], "workflow has %d trigger nodes; only %q is used as entry", len(triggers), triggers[0].ID)
		}
		reached := Reachable(def, triggers[0].ID)
		for _, n := range def.Nodes {
			if n.ID != "" && !reached[n.ID] {
				v.warnf(domain.IssueUnreachable, n, "node %q is unreachable from trigger", n.ID)
			}
		}
	}

	return v.report()
}

func (v *validation) checkNode(n domain.Node, active map[domain.IntegrationType]bool) {
	switch n.Type {
	case domain.NodeScheduleMeeting:
		if !active[domain.IntegrationCalendar] {
			v.errorf(domain.IssueMissingIntegration, n, "node %q requires a calendar integration", n.ID)
		}
	case domain.NodeCRMUpdate:
		if !active[domain.IntegrationCRM] {
			v.errorf(domain.IssueMissingIntegration, n, "node %q requires a CRM integration", n.ID)
		}
	case domain.NodeEmail:
		if !active[domain.IntegrationEmail] {
			v.warnf(domain.IssueMissingIntegration, n, "node %q needs an email integration to deliver mail", n.ID)
		}
	case domain.NodeWebhook, domain.NodeAPICall:
		if n.ConfigString("url") == "" {
			v.errorf(domain.IssueMissingURL, n, "node %q has no url configured", n.ID)
		}
	default:
		if !n.Type.Known() {
			v.warnf(domain.IssueUnknownNodeType, n, "node %q has unrecognized type %q and will be skipped", n.ID, n.Type)
		}
	}
}

// Reachable returns the node ids reachable from start by breadth-first
// traversal over next and decision branch edges. start itself is included.
func Reachable(def domain.WorkflowDefinition, start string) map[string]bool {
	byID := make(map[string]domain.Node, len(def.Nodes))
	for _, n := range def.Nodes {
		if _, dup := byID[n.ID]; !dup {
			byID[n.ID] = n
		}
	}
	reached := make(map[string]bool)
	if _, ok := byID[start]; !ok {
		return reached
	}
	queue := []string{start}
	reached[start] = true
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range byID[id].Successors() {
			if reached[next] {
				continue
			}
			if _, ok := byID[next]; !ok {
				continue
			}
			reached[next] = true
			queue = append(queue, next)
		}
	}
	return reached
}

type reference struct {
	field  string
	target string
}

func references(n domain.Node) []reference {
	if n.Type == domain.NodeDecision {
		var refs []reference
		for _, f := range []string{"true_path", "false_path"} {
			if t := n.ConfigString(f); t != "" {
				refs = append(refs, reference{field: f, target: t})
			}
		}
		return refs
	}
	if n.Next != "" {
		return []reference{{field: "next", target: n.Next}}
	}
	return nil
}

type validation struct {
	errs  []domain.ValidationIssue
	warns []domain.ValidationIssue
}

func (v *validation) errorf(code domain.IssueCode, n domain.Node, format string, args ...any) {
	v.errs = append(v.errs, issue(code, n, format, args...))
}

func (v *validation) warnf(code domain.IssueCode, n domain.Node, format string, args ...any) {
	v.warns = append(v.warns, issue(code, n, format, args...))
}

func issue(code domain.IssueCode, n domain.Node, format string, args ...any) domain.ValidationIssue {
	return domain.ValidationIssue{
		Code:     code,
		NodeID:   n.ID,
		NodeType: n.Type,
		Message:  fmt.Sprintf(format, args...),
	}
}

func (v *validation) report() domain.ValidationReport {
	r := domain.ValidationReport{
		Errors:   v.errs,
		Warnings: v.warns,
	}
	if r.Errors == nil {
		r.Errors = []domain.ValidationIssue{}
	}
	if r.Warnings == nil {
		r.Warnings = []domain.ValidationIssue{}
	}
	r.Valid = len(r.Errors) == 0
	r.CanSave = r.Valid
	// Any warning blocks execution, including informational ones.
	r.CanExecute = r.Valid && len(r.Warnings) == 0
	return r
}
