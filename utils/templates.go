package utils

import (
	"regexp"
	"time"

	"leadflow/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// TemplateContext is everything a message template can reference
type TemplateContext struct {
	Lead     *models.Lead
	Settings map[string]string
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// TemplateVariables builds the placeholder map for a lead and the business settings
func TemplateVariables(ctx TemplateContext) map[string]string {
	lead := ctx.Lead
	if lead == nil {
		lead = &models.Lead{}
	}
	settings := ctx.Settings
	if settings == nil {
		settings = map[string]string{}
	}

	return map[string]string{
		// Lead
		"firstName":          lead.FirstName,
		"lastName":           lead.LastName,
		"fullName":           lead.FullName(),
		"email":              lead.Email,
		"phone":              lead.Phone,
		"city":               lead.City,
		"address":            lead.Address,
		"projectType":        valueOr(lead.ProjectType, "deck"),
		"projectDescription": lead.ProjectDescription,
		"source":             lead.Source,

		// Business
		"businessName":    valueOr(settings["businessName"], "Hickory Dickory Decks Cincinnati"),
		"businessPhone":   settings["businessPhone"],
		"ownerName":       valueOr(settings["ownerName"], "Nathan"),
		"bookingLink":     settings["bookingLink"],
		"websiteUrl":      settings["websiteUrl"],
		"googleReviewUrl": settings["googleReviewUrl"],
	}
}

// RenderTemplate replaces {{variable}} placeholders. Unknown names are left as written.
func RenderTemplate(tmpl string, ctx TemplateContext) string {
	vars := TemplateVariables(ctx)
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return match
	})
}

// RenderSmsTemplate returns the rendered SMS body, or false when the step has none
func RenderSmsTemplate(step *models.SequenceStep, ctx TemplateContext) (string, bool) {
	if step.SmsTemplate == "" {
		return "", false
	}
	return RenderTemplate(step.SmsTemplate, ctx), true
}

// RenderEmailTemplates returns subject and body, or false unless both templates are set
func RenderEmailTemplates(step *models.SequenceStep, ctx TemplateContext) (string, string, bool) {
	if step.EmailSubject == "" || step.EmailTemplate == "" {
		return "", "", false
	}
	return RenderTemplate(step.EmailSubject, ctx), RenderTemplate(step.EmailTemplate, ctx), true
}

// PreviewTemplate renders a template against a sample lead and sample settings
func PreviewTemplate(tmpl string) string {
	now := time.Now()
	sample := &models.Lead{
		FirstName:          "John",
		LastName:           "Smith",
		Email:              "john@example.com",
		Phone:              "(513) 555-1234",
		PhoneNormalized:    "+15135551234",
		City:               "Mason",
		Address:            "123 Main St",
		ProjectType:        "deck",
		ProjectDescription: "New composite deck with railing",
		Source:             "website",
		Status:             models.LeadStatusNew,
		SequenceStatus:     models.SequenceActive,
	}
	sample.CreatedAt = now

	return RenderTemplate(tmpl, TemplateContext{
		Lead: sample,
		Settings: map[string]string{
			"businessName":  "Hickory Dickory Decks Cincinnati",
			"businessPhone": "(513) 555-4321",
			"ownerName":     "Nathan",
			"bookingLink":   "https://cal.com/hdd-cincinnati/consultation",
			"websiteUrl":    "https://hdd-cincinnati.com",
		},
	})
}

// Default SMS templates for the seeded steps
var DefaultSmsTemplates = map[string]string{
	"instant": `Hi {{firstName}}! This is {{ownerName}} from {{businessName}}. Thanks for reaching out about your {{projectType}} project in {{city}}! I'd love to learn more. Can we schedule a quick call? Book a time here: {{bookingLink}}`,

	"fourHours": `Hi {{firstName}}, just following up on your {{projectType}} inquiry. I have some great ideas for your project in {{city}}. Would you like to chat? {{bookingLink}}`,

	"twentyFourHours": `{{firstName}}, I wanted to make sure you got my message about your {{projectType}} project. We're booking consultations for the next few weeks - would love to get you on the calendar: {{bookingLink}}`,

	"seventyTwoHours": `Hi {{firstName}}, final follow-up on your deck project! We'd love to help transform your outdoor space in {{city}}. Book a free consultation: {{bookingLink}} - {{ownerName}}`,
}

// EmailTemplate is a subject/body pair
type EmailTemplate struct {
	Subject string
	Body    string
}

// Default email templates for the seeded steps
var DefaultEmailTemplates = map[string]EmailTemplate{
	"instant": {
		Subject: `Your {{projectType}} project in {{city}} - Let's chat!`,
		Body: `Hi {{firstName}},

Thank you for reaching out about your {{projectType}} project! I'm {{ownerName}} from {{businessName}}, and I'm excited to help you create the perfect outdoor living space.

I'd love to learn more about your vision for your home in {{city}}. Our team specializes in custom decks, pergolas, and outdoor structures built to last.

**Book a free consultation:** {{bookingLink}}

Or reply to this email with any questions - I'm happy to help!

Best,
{{ownerName}}
{{businessName}}
{{businessPhone}}`,
	},

	"twentyFourHours": {
		Subject: `Following up on your {{projectType}} project`,
		Body: `Hi {{firstName}},

I wanted to follow up on your inquiry about a {{projectType}} for your home in {{city}}.

At {{businessName}}, we pride ourselves on quality craftsmanship and customer service. We'd love to show you some of our recent projects and discuss how we can bring your vision to life.

**Schedule your free consultation:** {{bookingLink}}

Looking forward to hearing from you!

{{ownerName}}
{{businessName}}`,
	},

	"sevenDays": {
		Subject: `Last chance: Free {{projectType}} consultation`,
		Body: `Hi {{firstName}},

I hope this message finds you well! I wanted to reach out one more time about your {{projectType}} project in {{city}}.

If you're still considering upgrading your outdoor space, we'd love to help. Our consultations are free and no-obligation - we'll visit your home, discuss your ideas, and provide a detailed quote.

**Book your consultation before our schedule fills up:** {{bookingLink}}

If the timing isn't right, no worries at all. Feel free to reach out whenever you're ready.

Best wishes,
{{ownerName}}
{{businessName}}
{{businessPhone}}`,
	},
}
