package reply

import (
	"context"
	"fmt"

	"ewsdispatch/internal/config"
	"ewsdispatch/pkg/cel"
	apperrors "ewsdispatch/pkg/errors"
	"ewsdispatch/pkg/models"
)

// FallbackTemplate is used when no rule matches.
const FallbackTemplate = "default"

// DefaultRules pick the reply by how many PDFs the event carried.
var DefaultRules = []config.TemplateRule{
	{Template: "error", Expression: "pdf_count == 0"},
	{Template: "success", Expression: "pdf_count == 1"},
	{Template: "warning", Expression: "pdf_count > 1"},
}

type route struct {
	template string
	rule     *cel.Rule
}

// Router chooses a template for an event. Rules are evaluated in order and
// the first match wins.
type Router struct {
	routes   []route
	fallback string
}

// NewRouter compiles rules against templates. Configured rules must name
// existing templates. When no rules are configured the default PDF-count
// rules are used for whichever of their templates exist. Every event must
// be routable, so either the fallback template or a complete default rule
// set has to be present.
func NewRouter(eval *cel.Evaluator, rules []config.TemplateRule, templates *Templates) (*Router, error) {
	configured := len(rules) > 0
	if !configured {
		rules = DefaultRules
	}

	r := &Router{}
	for i, rule := range rules {
		if !templates.Has(rule.Template) {
			if configured {
				return nil, configErr(fmt.Sprintf("rule %d names unknown template %q", i, rule.Template))
			}
			continue
		}
		compiled, err := eval.Compile(rule.Expression)
		if err != nil {
			return nil, configErr(fmt.Sprintf("rule %d for template %q: %v", i, rule.Template, err))
		}
		r.routes = append(r.routes, route{template: rule.Template, rule: compiled})
	}

	if templates.Has(FallbackTemplate) {
		r.fallback = FallbackTemplate
	} else if configured || len(r.routes) != len(DefaultRules) {
		return nil, configErr(fmt.Sprintf(
			"no %q template and the rules do not cover every event (templates: %v)", FallbackTemplate, templates.Names()))
	}

	return r, nil
}

func configErr(msg string) error {
	return apperrors.ErrConfiguration.WithDetail("message", msg)
}

// Select returns the template name for event.
func (r *Router) Select(ctx context.Context, event *models.EmailEvent, pdfCount int) (string, error) {
	vars := cel.Vars(event, pdfCount)
	for _, rt := range r.routes {
		ok, err := rt.rule.Evaluate(ctx, vars)
		if err != nil {
			return "", err
		}
		if ok {
			return rt.template, nil
		}
	}
	if r.fallback == "" {
		return "", fmt.Errorf("no reply template matched")
	}
	return r.fallback, nil
}
