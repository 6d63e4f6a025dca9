package domain

import (
	"time"
)

const (
	FormatPlain  = 1
	FormatSealed = 2
)

// Paste is the persisted record. Content holds plaintext only in memory; stores
// persist Body, which is either the plaintext bytes or the sealed form.
type Paste struct {
	ID         string     `json:"id"`
	Content    string     `json:"-"`
	Body       []byte     `json:"-"`
	WrappedDEK []byte     `json:"-"`
	Format     int        `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at"`
	MaxViews   *int       `json:"max_views"`
	ViewCount  int        `json:"view_count"`
}

type SubmitParams struct {
	Content    string
	TTLSeconds *int64
	MaxViews   *int64
}

type Submitted struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type PasteView struct {
	Content        string     `json:"content"`
	RemainingViews *int       `json:"remaining_views"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

func NewView(p *Paste) *PasteView {
	return &PasteView{
		Content:        p.Content,
		RemainingViews: RemainingViews(p),
		ExpiresAt:      p.ExpiresAt,
	}
}
