package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Settings keys as stored in the settings table.
const (
	SettingsScheduler = "scheduler"
	SettingsPrompts   = "prompts"
	SettingsLimits    = "limits"
	SettingsSEO       = "seo"
)

const (
	DefaultSiteName = "Rüya Tabiri"
	DefaultTimezone = "Europe/Istanbul"

	MaxMetaTitleLen       = 60
	MaxMetaDescriptionLen = 160
)

var ErrInvalidSettings = errors.New("invalid settings")

type SchedulerSettings struct {
	RatePerDay   int      `json:"ratePerDay"`
	PublishTimes []string `json:"publishTimes"`
	Timezone     string   `json:"timezone"`
}

type PromptSettings struct {
	System        string `json:"system"`
	TextTemplate  string `json:"textTemplate"`
	ImageTemplate string `json:"imageTemplate"`
}

type LimitsSettings struct {
	DailyMax int `json:"dailyMax"`
}

type DefaultMeta struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type SEOSettings struct {
	SiteName    string      `json:"siteName"`
	DefaultMeta DefaultMeta `json:"defaultMeta"`
}

// Settings is the merged view of stored values over defaults.
type Settings struct {
	Scheduler SchedulerSettings `json:"scheduler"`
	Prompts   PromptSettings    `json:"prompts"`
	Limits    LimitsSettings    `json:"limits"`
	SEO       SEOSettings       `json:"seo"`
}

// SettingsUpdate carries the keys submitted together; nil keys are left untouched.
type SettingsUpdate struct {
	Scheduler *SchedulerSettings `json:"scheduler,omitempty"`
	Prompts   *PromptSettings    `json:"prompts,omitempty"`
	Limits    *LimitsSettings    `json:"limits,omitempty"`
	SEO       *SEOSettings       `json:"seo,omitempty"`
}

func DefaultSettings() Settings {
	return Settings{
		Scheduler: SchedulerSettings{
			RatePerDay:   1,
			PublishTimes: []string{"09:00"},
			Timezone:     DefaultTimezone,
		},
		Prompts: PromptSettings{
			System: "Kıdemli içerik editörüsün. Türkçe, sade ve abartısız yaz. Dini/kültürel hassasiyetlere saygılı ol; " +
				"tıbbi/hukuki vaat verme. SEO başlık/açıklama sınırlarına uy.",
			TextTemplate: "'{title}' başlığı için özgün bir rüya tabiri makalesi yaz. Akıcı bir anlatı kur; kısa paragraflar kullan. " +
				"Gerektiğinde listeler ekleyebilirsin. Görsel için tek cümlelik image prompt ve alt üret.",
			ImageTemplate: "Dream interpretation themed surreal yet calming visual for '{title}'. " +
				"Warm tones, tranquil atmosphere, high detail.",
		},
		Limits: LimitsSettings{DailyMax: 5},
		SEO: SEOSettings{
			SiteName: DefaultSiteName,
			DefaultMeta: DefaultMeta{
				Title:       DefaultSiteName,
				Description: "Rüya tabirleri için GPT-5 destekli içerik platformu.",
			},
		},
	}
}

// RenderTemplate substitutes {title} in a prompt template.
func RenderTemplate(template, title string) string {
	return strings.ReplaceAll(template, "{title}", title)
}

func (s SchedulerSettings) Validate() error {
	if s.RatePerDay <= 0 {
		return fmt.Errorf("%w: scheduler.ratePerDay must be positive", ErrInvalidSettings)
	}
	for _, t := range s.PublishTimes {
		if _, err := ParseClock(t); err != nil {
			return fmt.Errorf("%w: scheduler.publishTimes %q: %v", ErrInvalidSettings, t, err)
		}
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("%w: scheduler.timezone %q", ErrInvalidSettings, s.Timezone)
	}
	return nil
}

// Location resolves the scheduler timezone, falling back to UTC.
func (s SchedulerSettings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (p PromptSettings) Validate() error {
	if strings.TrimSpace(p.System) == "" || strings.TrimSpace(p.TextTemplate) == "" || strings.TrimSpace(p.ImageTemplate) == "" {
		return fmt.Errorf("%w: prompts must not be empty", ErrInvalidSettings)
	}
	return nil
}

func (l LimitsSettings) Validate() error {
	if l.DailyMax <= 0 {
		return fmt.Errorf("%w: limits.dailyMax must be positive", ErrInvalidSettings)
	}
	return nil
}

func (s SEOSettings) Validate() error {
	if strings.TrimSpace(s.SiteName) == "" {
		return fmt.Errorf("%w: seo.siteName must not be empty", ErrInvalidSettings)
	}
	if utf8.RuneCountInString(s.DefaultMeta.Title) > MaxMetaTitleLen {
		return fmt.Errorf("%w: seo.defaultMeta.title exceeds %d characters", ErrInvalidSettings, MaxMetaTitleLen)
	}
	if utf8.RuneCountInString(s.DefaultMeta.Description) > MaxMetaDescriptionLen {
		return fmt.Errorf("%w: seo.defaultMeta.description exceeds %d characters", ErrInvalidSettings, MaxMetaDescriptionLen)
	}
	return nil
}

// Validate checks every key present in the update.
func (u SettingsUpdate) Validate() error {
	if u.Scheduler != nil {
		if err := u.Scheduler.Validate(); err != nil {
			return err
		}
	}
	if u.Prompts != nil {
		if err := u.Prompts.Validate(); err != nil {
			return err
		}
	}
	if u.Limits != nil {
		if err := u.Limits.Validate(); err != nil {
			return err
		}
	}
	if u.SEO != nil {
		if err := u.SEO.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ParseClock parses an HH:MM time of day into minutes after midnight.
func ParseClock(value string) (int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
