package cel

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"ewsdispatch/pkg/models"
)

// Evaluator compiles boolean rules over an email event. The environment
// exposes sender, recipient, subject, body, sent_on, received_on,
// attachments, attachment_count and pdf_count.
type Evaluator struct {
	env *cel.Env
}

// Rule is a compiled, reusable expression.
type Rule struct {
	Expression string
	program    cel.Program
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("sender", cel.StringType),
		cel.Variable("recipient", cel.StringType),
		cel.Variable("subject", cel.StringType),
		cel.Variable("body", cel.StringType),
		cel.Variable("sent_on", cel.TimestampType),
		cel.Variable("received_on", cel.TimestampType),
		cel.Variable("attachments", cel.ListType(cel.MapType(cel.StringType, cel.StringType))),
		cel.Variable("attachment_count", cel.IntType),
		cel.Variable("pdf_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

// Compile checks expression is a boolean rule and prepares it for repeated
// evaluation.
func (e *Evaluator) Compile(expression string) (*Rule, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule expression must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Rule{Expression: expression, program: program}, nil
}

// Vars builds the activation for event. pdfCount is passed in because it
// reflects the attachments actually materialized, not the descriptors.
func Vars(event *models.EmailEvent, pdfCount int) map[string]interface{} {
	attachments := make([]map[string]string, len(event.Attachments))
	for i, a := range event.Attachments {
		attachments[i] = map[string]string{
			"mimetype":  a.MimeType,
			"bucket":    a.Bucket,
			"file_name": a.FileName,
			"full_path": a.FullPath,
		}
	}

	return map[string]interface{}{
		"sender":           strings.ToLower(event.Sender),
		"recipient":        strings.ToLower(event.Recipient),
		"subject":          event.Subject,
		"body":             event.Body,
		"sent_on":          event.SentOn,
		"received_on":      event.ReceivedOn,
		"attachments":      attachments,
		"attachment_count": int64(len(event.Attachments)),
		"pdf_count":        int64(pdfCount),
	}
}

func (r *Rule) Evaluate(ctx context.Context, vars map[string]interface{}) (bool, error) {
	result, _, err := r.program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression %q: %w", r.Expression, err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}
	return boolVal, nil
}
