// Package recommend asks a language model which recipes serve a migration goal.
package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"fixline/internal/domain"
)

const (
	DefaultModel = "gpt-4o"
	// CatalogSample is how many catalog ids the prompt carries.
	CatalogSample = 100
	// EmptyResponse is returned when no model is configured.
	EmptyResponse = `{"recipes": []}`
)

// Recommender returns the raw JSON recommendation document for goal.
type Recommender interface {
	Recommend(ctx context.Context, goal string, files map[string]string) (string, error)
}

// CatalogSource supplies the recipe ids embedded in the prompt.
type CatalogSource func(ctx context.Context) ([]string, error)

// OpenAI is the chat-completions backed Recommender.
type OpenAI struct {
	client  *openai.Client
	Model   string
	Catalog CatalogSource
	Logger  *zap.Logger
}

// NewOpenAI builds the recommender. An empty apiKey yields a recommender that always answers
// EmptyResponse.
func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	if model == "" {
		model = DefaultModel
	}
	o := &OpenAI{Model: model}
	if strings.TrimSpace(apiKey) == "" {
		return o
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	o.client = openai.NewClientWithConfig(cfg)
	return o
}

// Enabled reports whether a model will actually be called.
func (o *OpenAI) Enabled() bool { return o.client != nil }

func (o *OpenAI) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *OpenAI) Recommend(ctx context.Context, goal string, files map[string]string) (string, error) {
	if o.client == nil {
		o.logger().Info("no language model configured, returning empty recommendation")
		return EmptyResponse, nil
	}
	var ids []string
	if o.Catalog != nil {
		var err error
		ids, err = o.Catalog(ctx)
		if err != nil {
			o.logger().Warn("recipe catalog unavailable for prompt", zap.Error(err))
		}
	}
	if len(ids) > CatalogSample {
		ids = ids[:CatalogSample]
	}
	prompt, err := BuildPrompt(goal, files, ids)
	if err != nil {
		return "", err
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:          o.Model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	o.logger().Debug("recommendation received",
		zap.String("model", o.Model),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)))
	return resp.Choices[0].Message.Content, nil
}

// BuildPrompt renders the recommendation prompt.
func BuildPrompt(goal string, files map[string]string, ids []string) (string, error) {
	if files == nil {
		files = map[string]string{}
	}
	var snapshot bytes.Buffer
	enc := json.NewEncoder(&snapshot)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(files); err != nil {
		return "", fmt.Errorf("encode project files: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze the following project files and suggest the best OpenRewrite recipes to achieve the goal: %q\n\n", goal)
	fmt.Fprintf(&b, "Project Files:\n%s\n\n", strings.TrimRight(snapshot.String(), "\n"))
	fmt.Fprintf(&b, "Available Example Recipes (Commonly used):\n%s\n\n", strings.Join(ids, ", "))
	b.WriteString(`CRITICAL:
1. Prefer standard official recipes starting with 'org.openrewrite' over 'io.moderne.devcenter' templates unless strictly necessary.
2. MANY recipes require parameters. For the following recipes, YOU MUST use these EXACT keys:
   - 'org.openrewrite.maven.UpgradeParentVersion': MUST use 'groupId', 'artifactId', 'newVersion'
   - 'org.openrewrite.maven.UpgradeDependencyVersion': MUST use 'groupId', 'artifactId', 'newVersion'
   - 'org.openrewrite.maven.ChangePropertyValue': MUST use 'key', 'newValue' (for pom.xml property updates)
   - 'org.openrewrite.java.migrate.UpgradeJavaVersion': MUST use 'version'
3. You MUST provide the necessary parameters for each recipe in the 'options' field.

Return ONLY a JSON object with the following structure:
{
  "recipes": [
    {
      "id": "org.openrewrite.java.migrate.UpgradeJavaVersion",
      "options": { "version": "11" },
      "justification": "Upgrading to Java 11"
    }
  ]
}
`)
	return b.String(), nil
}

// ParseError reports a recommendation document that is not the expected JSON.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse recommendation: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type document struct {
	Recipes []struct {
		ID            string         `json:"id"`
		Options       map[string]any `json:"options"`
		Justification string         `json:"justification"`
	} `json:"recipes"`
}

// Parse decodes a recommendation document. Entries without an id are dropped; option values
// of any JSON type are rendered as strings.
func Parse(raw string) ([]domain.TransformationRequest, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, &ParseError{Raw: raw, Err: err}
	}
	var out []domain.TransformationRequest
	for _, r := range doc.Recipes {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			continue
		}
		req := domain.TransformationRequest{ID: id, Justification: r.Justification}
		if len(r.Options) > 0 {
			req.Options = make(map[string]string, len(r.Options))
			for k, v := range r.Options {
				req.Options[k] = optionString(v)
			}
		}
		out = append(out, req)
	}
	return out, nil
}

func optionString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, optionString(e))
		}
		return strings.Join(parts, ",")
	default:
		data, _ := json.Marshal(t)
		return string(data)
	}
}
