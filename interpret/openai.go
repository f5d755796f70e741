package interpret

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
	"github.com/openai/openai-go/shared/constant"
)

// =============================================================================
// OPENAI INTERPRETER
// =============================================================================

// OpenAIInterpreter asks the Responses API for a RuleDraft using a strict
// JSON schema.
type OpenAIInterpreter struct {
	client *openai.Client
	model  shared.ResponsesModel
	schema map[string]any
}

// NewOpenAIInterpreter builds an interpreter. An empty model means gpt-4o.
// Extra request options (base URL, retries) are passed to the client.
func NewOpenAIInterpreter(apiKey, model string, opts ...option.RequestOption) (*OpenAIInterpreter, error) {
	schema, err := DraftSchema()
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = string(shared.ChatModelGPT4o)
	}
	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &OpenAIInterpreter{
		client: &client,
		model:  shared.ResponsesModel(model),
		schema: schema,
	}, nil
}

// DraftSchema reflects RuleDraft into the map form the API expects.
func DraftSchema() (map[string]any, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	raw, err := json.Marshal(reflector.Reflect(&RuleDraft{}))
	if err != nil {
		return nil, fmt.Errorf("marshal rule draft schema: %w", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("unmarshal rule draft schema: %w", err)
	}
	return schema, nil
}

func (o *OpenAIInterpreter) Interpret(ctx context.Context, req Request) (Interpretation, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Interpretation{}, ErrEmptyText
	}

	params := responses.ResponseNewParams{
		Model: o.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfString: param.NewOpt(buildPrompt(req)),
		},
		Text: responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Type:        constant.JSONSchema("json_schema"),
					Name:        "approval_rule_draft",
					Strict:      param.NewOpt(true),
					Schema:      o.schema,
					Description: param.NewOpt("A structured approver-suggestion rule"),
				},
			},
		},
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return Interpretation{}, fmt.Errorf("openai responses error: %w", err)
	}
	content := resp.OutputText()
	if content == "" {
		return Interpretation{}, fmt.Errorf("empty response content")
	}

	var draft RuleDraft
	if err := json.Unmarshal([]byte(content), &draft); err != nil {
		return Interpretation{}, fmt.Errorf("failed to parse rule draft: %w", err)
	}
	return finish(draft)
}
