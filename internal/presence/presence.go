// Package presence aggregates per-connection awareness records into one
// roster per document room.
package presence

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf16"

	"tandem/api/internal/apperr"
)

type Selection struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Normalize orders the endpoints and clamps them into [0, size].
func (s Selection) Normalize(size int) Selection {
	if s.From > s.To {
		s.From, s.To = s.To, s.From
	}
	s.From = clamp(s.From, 0, size)
	s.To = clamp(s.To, 0, size)
	return s
}

func (s Selection) Within(size int) bool {
	return s.From >= 0 && s.To >= 0 && s.From <= size && s.To <= size
}

type Record struct {
	ConnectionID string     `json:"connectionId"`
	UserID       string     `json:"userId"`
	DisplayName  string     `json:"displayName"`
	Color        string     `json:"color"`
	Role         string     `json:"role"`
	Selection    *Selection `json:"selection"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type Roster struct {
	Room    string    `json:"room"`
	Members []Record  `json:"members"`
	At      time.Time `json:"at"`
}

// Signature identifies the visible content of a roster, ignoring timestamps.
func (r Roster) Signature() string {
	var b strings.Builder
	for _, m := range r.Members {
		fmt.Fprintf(&b, "%s|%s|%s|%s|%s|", m.UserID, m.ConnectionID, m.DisplayName, m.Color, m.Role)
		if m.Selection != nil {
			fmt.Fprintf(&b, "%d-%d", m.Selection.From, m.Selection.To)
		}
		b.WriteByte(';')
	}
	return b.String()
}

// RoomForPage names the broadcast room of a page.
func RoomForPage(pageID string) string {
	return "page-" + pageID
}

// ColorFor derives a stable #rrggbb color from an identity. Two identities
// may share a color.
func ColorFor(identity string) string {
	var h int32
	for _, unit := range utf16.Encode([]rune(identity)) {
		h = (h << 5) - h + int32(unit)
	}
	return fmt.Sprintf("#%06x", uint32(h)&0xffffff)
}

// Derive projects raw channel records into a roster: records older than ttl
// are dropped and each identity keeps only its most recently updated record.
// The result is sorted by display name, then user id.
func Derive(room string, records []Record, now time.Time, ttl time.Duration) Roster {
	latest := make(map[string]Record, len(records))
	for _, rec := range records {
		if rec.UserID == "" {
			continue
		}
		if ttl > 0 && now.Sub(rec.UpdatedAt) > ttl {
			continue
		}
		current, ok := latest[rec.UserID]
		if !ok || newer(rec, current) {
			latest[rec.UserID] = rec
		}
	}

	members := make([]Record, 0, len(latest))
	for _, rec := range latest {
		members = append(members, rec)
	}
	sort.Slice(members, func(i, j int) bool {
		a, b := strings.ToLower(members[i].DisplayName), strings.ToLower(members[j].DisplayName)
		if a != b {
			return a < b
		}
		return members[i].UserID < members[j].UserID
	})
	return Roster{Room: room, Members: members, At: now}
}

func newer(a, b Record) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ConnectionID > b.ConnectionID
}

func validateRecord(rec Record) error {
	if strings.TrimSpace(rec.ConnectionID) == "" {
		return apperr.InvalidArgument("CONNECTION_REQUIRED", "connectionId is required")
	}
	if strings.TrimSpace(rec.UserID) == "" {
		return apperr.Unauthenticated("presence requires an identity")
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
