package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"phHeadshot/internal/config"
	"phHeadshot/internal/workflow"
)

const describeSystemPrompt = `You are an expert photographer and image analyst. Analyze the provided photos of a person and produce a detailed description of their facial features, hair style, and overall appearance. The description will be used to generate a professional headshot.`

const composeSystemPrompt = `You are an expert at writing prompts for AI image generation. Combine a base description of a person with their stated preferences into one detailed prompt that produces a realistic, professional headshot.`

// Client 基于 Gemini API 实现 workflow.VisionService 的三个调用。
type Client struct {
	models     *genai.Models
	textModel  string
	imageModel string
}

// NewClient 初始化 Gemini 客户端。
func NewClient(ctx context.Context, cfg config.GenAIConfig) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("init genai client: %w", err)
	}
	return &Client{
		models:     client.Models,
		textModel:  cfg.TextModel,
		imageModel: cfg.ImageModel,
	}, nil
}

// Describe 将源图片与指令一起送入视觉模型，返回人物外貌描述。
func (c *Client) Describe(ctx context.Context, images []workflow.SourceImage) (string, error) {
	if len(images) == 0 {
		return "", errors.New("no source images")
	}

	parts := []*genai.Part{
		genai.NewPartFromText("Analyze these images and describe the person for a professional headshot:"),
	}
	for _, img := range images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.ContentType))
	}

	resp, err := c.models.GenerateContent(ctx, c.textModel,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(describeSystemPrompt, genai.RoleUser),
		},
	)
	if err != nil {
		return "", fmt.Errorf("analyze images: %w", err)
	}

	text := firstText(resp)
	if text == "" {
		return "", errors.New("analyze images: empty model response")
	}
	return text, nil
}

// ComposePrompt 把外貌描述与用户偏好合成为最终的生成提示词。
func (c *Client) ComposePrompt(ctx context.Context, description string, prefs workflow.Preferences) (string, error) {
	prefJSON, err := json.Marshal(prefs.Normalize())
	if err != nil {
		return "", fmt.Errorf("encode preferences: %w", err)
	}

	request := fmt.Sprintf(
		"Base description: %s\n\nUser preferences: %s\n\nCreate a detailed prompt to generate a professional headshot.",
		description, prefJSON,
	)

	resp, err := c.models.GenerateContent(ctx, c.textModel,
		genai.Text(request),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(composeSystemPrompt, genai.RoleUser),
		},
	)
	if err != nil {
		return "", fmt.Errorf("compose prompt: %w", err)
	}

	text := firstText(resp)
	if text == "" {
		return "", errors.New("compose prompt: empty model response")
	}
	return text, nil
}

// GenerateImage 生成最终头像并返回图片字节。
func (c *Client) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	resp, err := c.models.GenerateContent(ctx, c.imageModel,
		genai.Text("Professional headshot: "+prompt),
		&genai.GenerateContentConfig{},
	)
	if err != nil {
		return nil, fmt.Errorf("generate image: %w", err)
	}

	data := firstImage(resp)
	if len(data) == 0 {
		return nil, errors.New("generate image: no image data in response")
	}
	return data, nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			return part.Text
		}
	}
	return ""
}

func firstImage(resp *genai.GenerateContentResponse) []byte {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return part.InlineData.Data
		}
	}
	return nil
}
