package domain

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	MaxNameLen     = 64
	MaxLanguageLen = 16
)

var (
	ErrNameEmpty   = errors.New("name empty")
	ErrNameTooLong = errors.New("name too long")
)

// NormalizeName trims the display name and checks its length.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxNameLen {
		return "", ErrNameTooLong
	}
	return name, nil
}

// Languages holds a participant's spoken and preferred caption languages.
// Empty means unknown.
type Languages struct {
	Source string `json:"sourceLanguage,omitempty"`
	Target string `json:"targetLanguage,omitempty"`
}

// ProducerInfo is the public view of a producer announced to other peers.
type ProducerInfo struct {
	ID   ProducerID `json:"id"`
	Kind MediaKind  `json:"kind"`
}

// ParticipantInfo is the public view of a participant (no media handles).
type ParticipantInfo struct {
	ID        ParticipantID  `json:"id"`
	Name      string         `json:"name"`
	JoinedAt  int64          `json:"joinedAt"`
	Producers []ProducerInfo `json:"producers"`
	Languages
}
