package analyzer

import "github.com/bdougie/deepverify/internal/models"

// ChatCompletionRequest is the multimodal chat request sent to the capability
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

// ChatMessage content is either a string or a list of ContentPart
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is one text or image element of a user turn
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image, here always an inline data URL
type ImageURL struct {
	URL string `json:"url"`
}

// ChatCompletionResponse holds the fields of a completion we read
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// Choice is one completion alternative
type Choice struct {
	Index   int `json:"index"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// BuildRequest assembles the system prompt, instruction and frame images
func BuildRequest(model string, temperature float64, frames models.FrameSequence) ChatCompletionRequest {
	parts := make([]ContentPart, 0, len(frames)+1)
	parts = append(parts, ContentPart{Type: "text", Text: UserInstruction})
	for _, f := range frames {
		parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: f.DataURL()}})
	}

	return ChatCompletionRequest{
		Model: model,
		Messages: []ChatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: parts},
		},
		Temperature: temperature,
	}
}
