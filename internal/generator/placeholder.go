package generator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"dream_pipeline/internal/domain"
)

const placeholderImageBase = "https://placehold.co/1200x630/0f172a/fff?text="

// PlaceholderText produces a fixed draft without calling a model. It keeps
// the pipeline runnable when no provider is configured.
type PlaceholderText struct {
	logger *slog.Logger
}

func NewPlaceholderText(logger *slog.Logger) *PlaceholderText {
	return &PlaceholderText{logger: logger.With("generator", "placeholder")}
}

func (g *PlaceholderText) GenerateText(_ context.Context, title string, _ domain.PromptSettings) (*domain.Draft, error) {
	g.logger.Warn("using placeholder text generator", "title", title)

	safeTitle := strings.TrimSpace(title)
	html := fmt.Sprintf("<p><strong>%s</strong> rüyası, kişinin iç dünyasında yaşadığı duygusal süreçlere işaret eder.</p>", safeTitle)

	return &domain.Draft{
		MetaTitle:       clampRunes(safeTitle+" Rüya Tabiri", domain.MaxMetaTitleLen),
		MetaDescription: clampRunes(safeTitle+" rüyasının ne anlama geldiğini ve olası yorumlarını öğrenin.", domain.MaxMetaDescriptionLen),
		HTML:            html,
		TOC:             []string{},
		RelatedKeywords: []string{safeTitle, "rüya tabiri", "rüya yorumu"},
		FAQs: []domain.FAQ{{
			Question: safeTitle + " rüyası ne anlama gelir?",
			Answer:   "Bu rüya için ayrıntılı yorum hazırlanıyor.",
		}},
		ImagePrompt: fmt.Sprintf("Dream interpretation illustration for %q, warm palette, soft light.", safeTitle),
		ImageAlt:    safeTitle + " rüyasının görsel yorumu",
	}, nil
}

// PlaceholderImage returns a placehold.co banner carrying the title.
type PlaceholderImage struct {
	logger *slog.Logger
}

func NewPlaceholderImage(logger *slog.Logger) *PlaceholderImage {
	return &PlaceholderImage{logger: logger.With("generator", "placeholder")}
}

func (g *PlaceholderImage) GenerateImage(_ context.Context, title, _ string) (string, error) {
	g.logger.Warn("using placeholder image generator", "title", title)
	return PlaceholderImageURL(title), nil
}

// PlaceholderImageURL encodes at most the first 40 characters of title.
func PlaceholderImageURL(title string) string {
	text := clampRunes(strings.TrimSpace(title), 40)
	return placeholderImageBase + strings.ReplaceAll(url.QueryEscape(text), "+", "%20")
}

func clampRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit]))
}
