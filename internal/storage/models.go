package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// LojbanLangID is the id of the Lojban row seeded by the first migration and
// the default source language of a definition.
const LojbanLangID = 1

type Language struct {
	ID       int32  `json:"id"`
	Tag      string `json:"tag"`
	RealName string `json:"real_name"`
}

// Definition is one gloss of a word in one language. Embedding is nil until
// the backfill worker has processed the row.
type Definition struct {
	ID           int64     `json:"id"`
	Word         string    `json:"word"`
	SourceLangID int32     `json:"source_langid"`
	LangID       int32     `json:"langid"`
	Text         string    `json:"definition"`
	Notes        string    `json:"notes,omitempty"`
	Selmaho      string    `json:"selmaho,omitempty"`
	Jargon       string    `json:"jargon,omitempty"`
	Score        float64   `json:"score"`
	Embedding    []float32 `json:"-"`
	EmbeddedAt   time.Time `json:"-"`
	CreatedAt    time.Time `json:"-"`
}

// Stats summarizes embedding coverage. Failed counts definitions the backfill
// gave up on after MaxEmbedFailures attempts.
type Stats struct {
	Definitions int
	Embedded    int
	Failed      int
}
