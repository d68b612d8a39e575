package workflow

import "afo-engine/internal/domain"

// NodeTypeInfo describes a node type for builders and clients.
type NodeTypeInfo struct {
	Type                domain.NodeType        `json:"type"`
	Label               string                 `json:"label"`
	Description         string                 `json:"description"`
	Category            string                 `json:"category"`
	RequiredIntegration domain.IntegrationType `json:"required_integration,omitempty"`
	ConfigSchema        map[string]any         `json:"config_schema"`
}

func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

var nodeCatalog = []NodeTypeInfo{
	{
		Type: domain.NodeTrigger, Label: "Trigger", Category: "flow",
		Description:  "Entry point of the workflow.",
		ConfigSchema: objectSchema(nil, map[string]any{"event": str("Event tag that starts the workflow")}),
	},
	{
		Type: domain.NodeMessage, Label: "Send Message", Category: "conversation",
		Description:  "Send a templated message to the caller.",
		ConfigSchema: objectSchema([]string{"text"}, map[string]any{"text": str("Message text, supports {{variables}}")}),
	},
	{
		Type: domain.NodeCollectInfo, Label: "Collect Information", Category: "conversation",
		Description: "Gather named fields from the conversation context.",
		ConfigSchema: objectSchema([]string{"fields"}, map[string]any{
			"fields": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		}),
	},
	{
		Type: domain.NodeDecision, Label: "Decision", Category: "flow",
		Description: "Branch on the truthiness of a context value.",
		ConfigSchema: objectSchema([]string{"condition"}, map[string]any{
			"condition":  str("Context key to test"),
			"true_path":  str("Node id taken when the condition holds"),
			"false_path": str("Node id taken otherwise"),
		}),
	},
	{
		Type: domain.NodeRAGQuery, Label: "Knowledge Query", Category: "knowledge",
		Description: "Query the agent knowledge base.",
		ConfigSchema: objectSchema([]string{"agent_id"}, map[string]any{
			"agent_id": str("Agent whose knowledge base is queried"),
			"query":    str("Query text, supports {{variables}}"),
		}),
	},
	{
		Type: domain.NodeAPICall, Label: "API Call", Category: "integration",
		Description: "Call an external HTTP API.",
		ConfigSchema: objectSchema([]string{"url"}, map[string]any{
			"url":     map[string]any{"type": "string", "minLength": 1},
			"method":  map[string]any{"type": "string", "enum": []any{"GET", "POST", "PUT", "DELETE"}},
			"headers": map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
			"body":    map[string]any{"type": "object"},
		}),
	},
	{
		Type: domain.NodeWebhook, Label: "Webhook", Category: "integration",
		Description: "POST a templated payload to a webhook.",
		ConfigSchema: objectSchema([]string{"url"}, map[string]any{
			"url":     map[string]any{"type": "string", "minLength": 1},
			"payload": map[string]any{"type": "object"},
		}),
	},
	{
		Type: domain.NodeScheduleMeeting, Label: "Schedule Meeting", Category: "integration",
		Description:         "Book a meeting on the connected calendar.",
		RequiredIntegration: domain.IntegrationCalendar,
		ConfigSchema: objectSchema(nil, map[string]any{
			"calendar_type": str("Calendar provider"),
			"duration":      map[string]any{"type": "integer", "minimum": 1},
			"title":         str("Meeting title"),
		}),
	},
	{
		Type: domain.NodeSendInfo, Label: "Send Information", Category: "conversation",
		Description:  "Share prepared content with the caller.",
		ConfigSchema: objectSchema(nil, map[string]any{"content_type": str("Kind of content to send")}),
	},
	{
		Type: domain.NodeCRMUpdate, Label: "Update CRM", Category: "integration",
		Description:         "Push lead data to the connected CRM.",
		RequiredIntegration: domain.IntegrationCRM,
		ConfigSchema: objectSchema(nil, map[string]any{
			"data": map[string]any{"type": "object"},
		}),
	},
	{
		Type: domain.NodeEmail, Label: "Send Email", Category: "integration",
		Description:         "Send a templated email.",
		RequiredIntegration: domain.IntegrationEmail,
		ConfigSchema: objectSchema([]string{"to"}, map[string]any{
			"to":      str("Recipient, supports {{variables}}"),
			"subject": str("Subject line"),
			"body":    str("Body text"),
		}),
	},
	{
		Type: domain.NodeDelay, Label: "Delay", Category: "flow",
		Description: "Pause this execution for a number of seconds.",
		ConfigSchema: objectSchema(nil, map[string]any{
			"seconds": map[string]any{"type": "number", "minimum": 0},
		}),
	},
}

// NodeCatalog returns metadata for every node type, in catalog order.
func NodeCatalog() []NodeTypeInfo {
	out := make([]NodeTypeInfo, len(nodeCatalog))
	for i, info := range nodeCatalog {
		out[i] = info
		out[i].ConfigSchema = domain.CloneMap(info.ConfigSchema)
	}
	return out
}

// WorkflowTemplate is a ready-made definition clients can start from.
type WorkflowTemplate struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Trigger     string        `json:"trigger"`
	Nodes       []domain.Node `json:"nodes"`
}

var workflowTemplates = []WorkflowTemplate{
	{
		ID:          "lead_qualification",
		Name:        "Lead Qualification",
		Description: "Qualify leads and route interested ones to a sales meeting.",
		Trigger:     "conversation_start",
		Nodes: []domain.Node{
			{ID: "start", Type: domain.NodeTrigger, Next: "greet"},
			{ID: "greet", Type: domain.NodeMessage, Config: map[string]any{"text": "Hello! How can I help you today?"}, Next: "collect"},
			{ID: "collect", Type: domain.NodeCollectInfo, Config: map[string]any{"fields": []any{"name", "email", "company"}}, Next: "qualify"},
			{ID: "qualify", Type: domain.NodeDecision, Config: map[string]any{
				"condition": "interested_in_demo", "true_path": "book", "false_path": "brochure",
			}},
			{ID: "book", Type: domain.NodeScheduleMeeting, Config: map[string]any{"calendar_type": "google", "duration": 30, "title": "Demo with {{name}}"}},
			{ID: "brochure", Type: domain.NodeSendInfo, Config: map[string]any{"content_type": "product_brochure"}},
		},
	},
	{
		ID:          "customer_support",
		Name:        "Customer Support",
		Description: "Answer from the knowledge base and log the ticket in the CRM.",
		Trigger:     "support_request",
		Nodes: []domain.Node{
			{ID: "start", Type: domain.NodeTrigger, Next: "collect"},
			{ID: "collect", Type: domain.NodeCollectInfo, Config: map[string]any{"fields": []any{"name", "issue"}}, Next: "lookup"},
			{ID: "lookup", Type: domain.NodeRAGQuery, Config: map[string]any{"agent_id": "{{agent_id}}", "query": "{{issue}}"}, Next: "log"},
			{ID: "log", Type: domain.NodeCRMUpdate, Config: map[string]any{"data": map[string]any{"name": "{{name}}", "issue": "{{issue}}"}}, Next: "reply"},
			{ID: "reply", Type: domain.NodeMessage, Config: map[string]any{"text": "Thanks {{name}}, we logged your request."}},
		},
	},
	{
		ID:          "appointment_booking",
		Name:        "Appointment Booking",
		Description: "Collect contact details, book a slot and confirm by email.",
		Trigger:     "booking_request",
		Nodes: []domain.Node{
			{ID: "start", Type: domain.NodeTrigger, Next: "collect"},
			{ID: "collect", Type: domain.NodeCollectInfo, Config: map[string]any{"fields": []any{"name", "email", "preferred_time"}}, Next: "book"},
			{ID: "book", Type: domain.NodeScheduleMeeting, Config: map[string]any{"calendar_type": "google", "duration": 30, "title": "Appointment with {{name}}"}, Next: "confirm"},
			{ID: "confirm", Type: domain.NodeEmail, Config: map[string]any{
				"to": "{{email}}", "subject": "Your appointment", "body": "Hi {{name}}, see you at {{preferred_time}}.",
			}},
		},
	},
}

// WorkflowTemplates returns the built-in example workflows.
func WorkflowTemplates() []WorkflowTemplate {
	out := make([]WorkflowTemplate, len(workflowTemplates))
	for i, tpl := range workflowTemplates {
		out[i] = tpl
		out[i].Nodes = domain.CloneNodes(tpl.Nodes)
	}
	return out
}
