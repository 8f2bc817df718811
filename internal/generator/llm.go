package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"dream_pipeline/internal/config"
	"dream_pipeline/internal/domain"
)

var ErrMalformedDraft = errors.New("malformed draft")

// draftInstructions pins the response shape the parser expects.
const draftInstructions = `Yanıtı yalnızca aşağıdaki yapıda geçerli bir JSON nesnesi olarak ver:
{
  "seo": {"metaTitle": "en fazla 60 karakter", "metaDescription": "en fazla 160 karakter"},
  "article": {"html": "<h2>...</h2><p>...</p>", "toc": ["..."], "relatedKeywords": ["..."]},
  "image": {"prompt": "tek cümlelik görsel betimleme", "alt": "görsel alt metni"},
  "faqs": [{"question": "...", "answer": "..."}]
}`

// NewModel builds the langchaingo model for the configured provider.
func NewModel(cfg config.GeneratorConfig) (llms.Model, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		model, err := ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
		return model, nil

	case config.ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err := openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		return model, nil

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

// LLMText asks a chat model for a structured article draft.
type LLMText struct {
	model     llms.Model
	modelName string
	logger    *slog.Logger
}

func NewLLMText(model llms.Model, modelName string, logger *slog.Logger) *LLMText {
	return &LLMText{
		model:     model,
		modelName: modelName,
		logger:    logger.With("generator", "llm", "model", modelName),
	}
}

func (g *LLMText) GenerateText(ctx context.Context, title string, prompts domain.PromptSettings) (*domain.Draft, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, prompts.System),
		llms.TextParts(llms.ChatMessageTypeHuman, domain.RenderTemplate(prompts.TextTemplate, title)+"\n\n"+draftInstructions),
	}

	start := time.Now()
	response, err := g.model.GenerateContent(ctx, messages, llms.WithJSONMode())
	if err != nil {
		g.logger.Warn("text generation failed", "title", title, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return nil, fmt.Errorf("generate text: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices")
	}

	draft, err := ParseDraft(response.Choices[0].Content, title)
	if err != nil {
		return nil, err
	}

	g.logger.Debug("text generated", "title", title, "duration_ms", time.Since(start).Milliseconds(), "html_len", len(draft.HTML))
	return draft, nil
}

type draftResponse struct {
	SEO struct {
		MetaTitle       string `json:"metaTitle"`
		MetaDescription string `json:"metaDescription"`
	} `json:"seo"`
	Article struct {
		HTML            string   `json:"html"`
		TOC             []string `json:"toc"`
		RelatedKeywords []string `json:"relatedKeywords"`
	} `json:"article"`
	Image struct {
		Prompt string `json:"prompt"`
		Alt    string `json:"alt"`
	} `json:"image"`
	FAQs []domain.FAQ `json:"faqs"`
}

// ParseDraft decodes a model response into a draft. Markdown code fences and
// text around the JSON object are ignored; missing SEO fields fall back to the
// title and the table of contents is derived from the HTML when absent.
func ParseDraft(content, title string) (*domain.Draft, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrMalformedDraft)
	}

	var resp draftResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDraft, err)
	}
	if strings.TrimSpace(resp.Article.HTML) == "" {
		return nil, fmt.Errorf("%w: empty article", ErrMalformedDraft)
	}

	safeTitle := strings.TrimSpace(title)
	draft := &domain.Draft{
		MetaTitle:       orDefault(resp.SEO.MetaTitle, safeTitle+" Rüya Tabiri"),
		MetaDescription: orDefault(resp.SEO.MetaDescription, safeTitle+" rüyasının anlamı ve yorumları."),
		HTML:            resp.Article.HTML,
		TOC:             resp.Article.TOC,
		RelatedKeywords: resp.Article.RelatedKeywords,
		FAQs:            resp.FAQs,
		ImagePrompt:     strings.TrimSpace(resp.Image.Prompt),
		ImageAlt:        orDefault(resp.Image.Alt, safeTitle),
	}
	draft.MetaTitle = clampRunes(draft.MetaTitle, domain.MaxMetaTitleLen)
	draft.MetaDescription = clampRunes(draft.MetaDescription, domain.MaxMetaDescriptionLen)

	if len(draft.TOC) == 0 {
		draft.TOC = ExtractTOC(draft.HTML)
	}
	if draft.TOC == nil {
		draft.TOC = []string{}
	}
	if draft.RelatedKeywords == nil {
		draft.RelatedKeywords = []string{}
	}
	if draft.FAQs == nil {
		draft.FAQs = []domain.FAQ{}
	}
	return draft, nil
}

func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
