package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// docQuerySchema validates the "read" tool's input: a path to a local image
// plus a question about it.
var docQuerySchema = mustCompileSchema(`{
	"type": "object",
	"required": ["image_path", "question"],
	"properties": {
		"image_path": {"type": "string", "minLength": 1},
		"question": {"type": "string", "minLength": 1}
	}
}`)

func mustCompileSchema(schemaJSON string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("doc_query.json", strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("docsearch: invalid embedded schema: %v", err))
	}
	schema, err := compiler.Compile("doc_query.json")
	if err != nil {
		panic(fmt.Sprintf("docsearch: schema compile failed: %v", err))
	}
	return schema
}

var imageMediaTypes = map[string]string{
	".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".png": "image/png",
	".gif": "image/gif", ".webp": "image/webp", ".bmp": "image/bmp",
}

// DocReadTool implements the "read" stateless tool: it answers a natural
// language question about a local image document using a vision-capable
// model.
type DocReadTool struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewDocReadTool builds a DocReadTool; SetConfig supplies the API key.
func NewDocReadTool() *DocReadTool {
	return &DocReadTool{model: anthropic.ModelClaudeSonnet4_5_20250929}
}

// SetConfig injects the "docsearch" apis subsection.
func (t *DocReadTool) SetConfig(config map[string]interface{}) {
	var opts []option.RequestOption
	if key, ok := config["anthropic_api_key"].(string); ok && key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	if model, ok := config["model"].(string); ok && model != "" {
		t.model = anthropic.Model(model)
	}
	t.client = anthropic.NewClient(opts...)
}

// Execute answers params.question about the image at params.image_path.
func (t *DocReadTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if err := docQuerySchema.Validate(toJSONValue(params)); err != nil {
		return nil, NewBusinessError(fmt.Sprintf("invalid input: %v", err), nil)
	}

	imagePath, _ := params["image_path"].(string)
	question, _ := params["question"].(string)

	mediaType, ok := imageMediaTypes[strings.ToLower(filepath.Ext(imagePath))]
	if !ok {
		return nil, NewBusinessError(fmt.Sprintf("unsupported image format: %s", filepath.Ext(imagePath)), nil)
	}
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, NewBusinessError(fmt.Sprintf("file not found: %s", imagePath), nil)
	}
	encoded := base64.StdEncoding.EncodeToString(data)

	message, err := t.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     t.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mediaType, encoded),
				anthropic.NewTextBlock(question),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	var answer strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" && block.Text != "" {
			answer.WriteString(block.Text)
		}
	}
	return map[string]interface{}{"image_path": imagePath, "question": question, "answer": answer.String()}, nil
}

func toJSONValue(params map[string]interface{}) interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
