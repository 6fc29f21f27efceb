package painter

import "strings"

// Wire types for the generation endpoint. Requests always emit the camelCase
// spelling; decoding also accepts the snake_case variants some gateways
// produce.

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts,omitempty"`
}

type wirePart struct {
	Text            string        `json:"text,omitempty"`
	InlineData      *wireBlob     `json:"inlineData,omitempty"`
	InlineDataSnake *wireBlob     `json:"inline_data,omitempty"`
	FileData        *wireFileData `json:"fileData,omitempty"`
	FileDataSnake   *wireFileData `json:"file_data,omitempty"`
}

func (p wirePart) inline() *wireBlob {
	if p.InlineData != nil {
		return p.InlineData
	}
	return p.InlineDataSnake
}

func (p wirePart) file() *wireFileData {
	if p.FileData != nil {
		return p.FileData
	}
	return p.FileDataSnake
}

type wireBlob struct {
	MimeType      string `json:"mimeType,omitempty"`
	MimeTypeSnake string `json:"mime_type,omitempty"`
	Data          string `json:"data,omitempty"`
}

func (b *wireBlob) mime() string {
	if b.MimeType != "" {
		return b.MimeType
	}
	return b.MimeTypeSnake
}

type wireFileData struct {
	MimeType     string `json:"mimeType,omitempty"`
	FileURI      string `json:"fileUri,omitempty"`
	FileURISnake string `json:"file_uri,omitempty"`
}

func (f *wireFileData) uri() string {
	if f.FileURI != "" {
		return f.FileURI
	}
	return f.FileURISnake
}

type wireThinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget,omitempty"`
}

type wireGenerationConfig struct {
	ResponseModalities []string            `json:"responseModalities,omitempty"`
	ThinkingConfig     *wireThinkingConfig `json:"thinkingConfig,omitempty"`
}

type wireGenerateRequest struct {
	SystemInstruction *wireContent          `json:"systemInstruction,omitempty"`
	Contents          []wireContent         `json:"contents"`
	GenerationConfig  *wireGenerationConfig `json:"generationConfig,omitempty"`
}

type wireCandidate struct {
	Content      wireContent `json:"content"`
	FinishReason string      `json:"finishReason,omitempty"`
}

type wirePromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type wireGenerateResponse struct {
	Candidates     []wireCandidate     `json:"candidates"`
	PromptFeedback *wirePromptFeedback `json:"promptFeedback,omitempty"`
}

type wireAPIError struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
		Status  string `json:"status,omitempty"`
	} `json:"error"`
}

// blockedFinishReasons are upstream finish reasons that indicate safety
// filtering rather than a transient miss.
var blockedFinishReasons = map[string]bool{
	"SAFETY":             true,
	"IMAGE_SAFETY":       true,
	"PROHIBITED_CONTENT": true,
	"BLOCKLIST":          true,
}

func isBlockedFinish(reason string) bool {
	return blockedFinishReasons[strings.ToUpper(strings.TrimSpace(reason))]
}
