package application

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/shopspring/decimal"
)

// Template names.
const (
	TemplateOrderCreated   = "order_created"
	TemplateOrderConfirmed = "order_confirmed"
	TemplateOrderShipped   = "order_shipped"
	TemplateOrderDelivered = "order_delivered"
	TemplateOrderCancelled = "order_cancelled"
	TemplateOrderRefunded  = "order_refunded"
)

type message struct {
	subject *template.Template
	body    *template.Template
}

var funcs = template.FuncMap{
	"money": func(cents int64, currency string) string {
		return strings.TrimSpace(decimal.New(cents, -2).StringFixed(2) + " " + currency)
	},
}

func parse(name, subject, body string) message {
	return message{
		subject: template.Must(template.New(name + ".subject").Funcs(funcs).Parse(subject)),
		body:    template.Must(template.New(name + ".body").Funcs(funcs).Parse(body)),
	}
}

var templates = map[string]message{
	TemplateOrderCreated: parse(TemplateOrderCreated,
		`Order {{.Number}} received`,
		`We received your order {{.Number}}{{if .TotalCents}} totalling {{money .TotalCents .Currency}}{{end}}. We will let you know once it is confirmed.`),
	TemplateOrderConfirmed: parse(TemplateOrderConfirmed,
		`Order {{.Number}} confirmed`,
		`Your payment went through and order {{.Number}} is confirmed.`),
	TemplateOrderShipped: parse(TemplateOrderShipped,
		`Order {{.Number}} shipped`,
		`Order {{.Number}} is on its way.`),
	TemplateOrderDelivered: parse(TemplateOrderDelivered,
		`Order {{.Number}} delivered`,
		`Order {{.Number}} was delivered. Enjoy!`),
	TemplateOrderCancelled: parse(TemplateOrderCancelled,
		`Order {{.Number}} cancelled`,
		`Order {{.Number}} was cancelled{{with .Reason}}: {{.}}{{end}}.`),
	TemplateOrderRefunded: parse(TemplateOrderRefunded,
		`Order {{.Number}} refunded`,
		`Your payment for order {{.Number}} was refunded{{if .TotalCents}} ({{money .TotalCents .Currency}}){{end}}.`),
}

// Render fills template name with ev.
func Render(name string, ev OrderEvent) (subject, body string, err error) {
	m, ok := templates[name]
	if !ok {
		return "", "", fmt.Errorf("unknown template %q", name)
	}
	var sb, bb bytes.Buffer
	if err := m.subject.Execute(&sb, ev); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", name, err)
	}
	if err := m.body.Execute(&bb, ev); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", name, err)
	}
	return sb.String(), bb.String(), nil
}
