// Package markup splits scripts on inline break directives and renders them
// as one utterance with exact silences between the spoken segments.
package markup

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// breakPattern matches <break time="500ms"/> and <break time='2s' />.
const breakPattern = `<break\s+time\s*=\s*["']([^"']+)["']\s*/>`

const (
	unitSeconds      = "s"
	unitMilliseconds = "ms"
	msPerSecond      = 1000
	breakReplacement = " "
)

var breakRegexp = regexp.MustCompile(breakPattern)

// ErrInvalidDuration marks a pause literal that could not be converted. It is
// always recovered as a zero-length pause.
var ErrInvalidDuration = errors.New("invalid pause duration")

// SegmentKind distinguishes spoken text from pauses.
type SegmentKind int

const (
	// KindText is a run of literal text to be spoken.
	KindText SegmentKind = iota
	// KindPause is a silence request.
	KindPause
)

// String implements fmt.Stringer.
func (k SegmentKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPause:
		return "pause"
	default:
		return fmt.Sprintf("SegmentKind(%d)", int(k))
	}
}

// Segment is one unit of the reconstructed utterance.
type Segment struct {
	Kind SegmentKind
	// Text holds the raw text of a KindText segment, untrimmed.
	Text string
	// Literal holds the raw duration literal of a KindPause segment.
	Literal string
	// PauseMS is the parsed pause length; zero for unparseable literals.
	PauseMS int
}

// Script is the parsed form of an input. Segments alternate strictly text,
// pause, text, ... and always start and end with a text segment.
type Script struct {
	Segments []Segment
}

// HasBreaks reports whether the script contained any break directive.
func (s Script) HasBreaks() bool {
	return len(s.Segments) > 1
}

// Texts returns the non-empty trimmed text segments in order.
func (s Script) Texts() []string {
	var texts []string

	for _, segment := range s.Segments {
		if segment.Kind != KindText {
			continue
		}

		trimmed := strings.TrimSpace(segment.Text)
		if trimmed != "" {
			texts = append(texts, trimmed)
		}
	}

	return texts
}

// Parse scans script once for break directives.
func Parse(script string) Script {
	matches := breakRegexp.FindAllStringSubmatchIndex(script, -1)
	segments := make([]Segment, 0, 2*len(matches)+1)
	cursor := 0

	for _, match := range matches {
		segments = append(segments, Segment{Kind: KindText, Text: script[cursor:match[0]]})

		literal := script[match[2]:match[3]]
		segments = append(segments, Segment{Kind: KindPause, Literal: literal, PauseMS: DurationMS(literal)})

		cursor = match[1]
	}

	segments = append(segments, Segment{Kind: KindText, Text: script[cursor:]})

	return Script{Segments: segments}
}

// StripBreaks replaces every break directive with a single space.
func StripBreaks(script string) string {
	return breakRegexp.ReplaceAllString(script, breakReplacement)
}

// DurationMS converts a pause literal such as "2s" or "250ms" into
// milliseconds. Unparseable, non-finite and negative literals yield 0.
func DurationMS(literal string) int {
	ms, err := ParseDuration(literal)
	if err != nil {
		return 0
	}

	return ms
}

// ParseDuration converts a pause literal into milliseconds. A literal
// containing "s" but not "ms" is read as seconds; one containing "ms" is read
// as milliseconds. Fractional milliseconds are truncated.
func ParseDuration(literal string) (int, error) {
	var (
		numeric    string
		multiplier float64
	)

	switch {
	case strings.Contains(literal, unitMilliseconds):
		numeric = strings.ReplaceAll(literal, unitMilliseconds, "")
		multiplier = 1
	case strings.Contains(literal, unitSeconds):
		numeric = strings.ReplaceAll(literal, unitSeconds, "")
		multiplier = msPerSecond
	default:
		return 0, fmt.Errorf("%w: %q has no s or ms unit", ErrInvalidDuration, literal)
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidDuration, literal, err)
	}

	ms := math.Trunc(value * multiplier)
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %q is out of range", ErrInvalidDuration, literal)
	}

	if ms < 0 {
		return 0, fmt.Errorf("%w: %q is negative", ErrInvalidDuration, literal)
	}

	return int(ms), nil
}
