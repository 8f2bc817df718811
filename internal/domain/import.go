package domain

import "time"

// ImportStats holds statistics about one title import.
// Created + SkippedExisting + SkippedInvalid + DuplicatesInFile always equals Total.
type ImportStats struct {
	Total            int `json:"total"`
	Created          int `json:"created"`
	SkippedExisting  int `json:"skippedExisting"`
	SkippedInvalid   int `json:"skippedInvalid"`
	DuplicatesInFile int `json:"duplicatesInFile"`
}

type ImportResult struct {
	Stats  ImportStats `json:"stats"`
	Queued int         `json:"queued"`
}

// PlanStats holds statistics about one scheduler planning pass.
type PlanStats struct {
	TextEnqueued    int
	PublishEnqueued int
	Duration        time.Duration
}
