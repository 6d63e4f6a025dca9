package domain

import (
	"strings"
	"time"
)

// IsVisible reports whether p may be read at now. A read exactly at ExpiresAt
// is still visible; once ViewCount reaches MaxViews the record is exhausted.
func IsVisible(p *Paste, now time.Time) bool {
	if p == nil {
		return false
	}
	if p.ExpiresAt != nil && now.After(*p.ExpiresAt) {
		return false
	}
	if p.MaxViews != nil && p.ViewCount >= *p.MaxViews {
		return false
	}
	return true
}

// IsExhausted reports view-ceiling exhaustion only. Unlike expiry it does not
// depend on the clock, so it is terminal for every observer.
func IsExhausted(p *Paste) bool {
	return p != nil && p.MaxViews != nil && p.ViewCount >= *p.MaxViews
}

// RemainingViews returns nil for unlimited pastes.
func RemainingViews(p *Paste) *int {
	if p == nil || p.MaxViews == nil {
		return nil
	}
	r := *p.MaxViews - p.ViewCount
	if r < 0 {
		r = 0
	}
	return &r
}

func (sp SubmitParams) Validate(maxSize int64, maxTTL time.Duration) error {
	if strings.TrimSpace(sp.Content) == "" {
		return ErrInvalidContent
	}
	if maxSize > 0 && int64(len(sp.Content)) > maxSize {
		return ErrPasteTooLarge
	}
	if sp.TTLSeconds != nil {
		ttl := *sp.TTLSeconds
		if ttl < 1 {
			return ErrInvalidTTL
		}
		if maxTTL > 0 && ttl > int64(maxTTL/time.Second) {
			return ErrInvalidTTL
		}
	}
	if sp.MaxViews != nil {
		mv := *sp.MaxViews
		if mv < 1 || mv > MaxViewsCeiling {
			return ErrInvalidMaxViews
		}
	}
	return nil
}

// NewPaste derives the lifecycle fields from validated params.
func NewPaste(id string, sp SubmitParams, now time.Time) *Paste {
	p := &Paste{
		ID:        id,
		Content:   sp.Content,
		CreatedAt: now,
		ViewCount: 0,
	}
	if sp.TTLSeconds != nil {
		exp := now.Add(time.Duration(*sp.TTLSeconds) * time.Second)
		p.ExpiresAt = &exp
	}
	if sp.MaxViews != nil {
		mv := int(*sp.MaxViews)
		p.MaxViews = &mv
	}
	return p
}
