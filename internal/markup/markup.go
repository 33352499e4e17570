// Package markup renders the SSML sent to the speech engine.
//
// Output is a wire contract with the engine and is asserted byte for byte in tests.
package markup

import (
	"sort"
	"strconv"
	"strings"

	"github.com/book-expert/tts-pipeline/internal/core"
)

var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// Escape replaces the five XML special characters.
func Escape(text string) string {
	return escaper.Replace(text)
}

// Render wraps content in voice and prosody tags built from setting.
// It returns an empty string when content is blank.
func Render(content string, setting core.SynthesisSetting) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}

	voiceID := setting.VoiceID
	if voiceID == "" {
		voiceID = "default"
	}

	var b strings.Builder

	b.WriteString(`<speak><voice name="`)
	b.WriteString(voiceID)
	b.WriteString(`"><prosody rate="`)
	b.WriteString(strconv.Itoa(setting.SpeechRate))
	b.WriteString(`%" volume="`)
	b.WriteString(strconv.Itoa(setting.Volume))
	b.WriteString(`dB" pitch="`)
	b.WriteString(strconv.Itoa(setting.Pitch))
	b.WriteString(`%">`)
	b.WriteString(Escape(content))
	b.WriteString(`</prosody></voice></speak>`)

	return b.String()
}

// Break inserts a pause before the character at Location (0-based insertion point).
type Break struct {
	Location   int `json:"location"`
	DurationMs int `json:"duration"`
}

// Phoneme overrides the pronunciation of the character at the 1-based Location.
type Phoneme struct {
	Location int    `json:"location"`
	Ph       string `json:"ph"`
}

// Prosody sets a local speaking rate for the 1-based inclusive range Begin..End.
type Prosody struct {
	Begin int `json:"begin"`
	End   int `json:"end"`
	Rate  int `json:"rate"`
}

// Config is the per-sentence annotation set edited by users.
type Config struct {
	Content   string    `json:"content"`
	Breaks    []Break   `json:"breakList,omitempty"`
	Silences  []Break   `json:"silenceList,omitempty"`
	Phonemes  []Phoneme `json:"phonemeList,omitempty"`
	Prosodies []Prosody `json:"prosodyList,omitempty"`
}

type markKind int

const (
	markBreak markKind = iota
	markPhoneme
)

type mark struct {
	position int
	kind     markKind
	duration int
	ph       string
}

// renderer tracks the cursor and the single open prosody range while walking content.
type renderer struct {
	runes  []rune
	ranges []Prosody
	out    strings.Builder
	pos    int
	next   int
	active *Prosody
}

// RenderConfig renders breaks, silences, phonemes and prosody ranges into SSML.
// Voice parameters are not emitted here; they travel with the job request.
func RenderConfig(cfg Config) string {
	if strings.TrimSpace(cfg.Content) == "" {
		return ""
	}

	marks := collectMarks(cfg)

	r := &renderer{runes: []rune(cfg.Content)}

	for _, p := range cfg.Prosodies {
		if p.Begin < p.End {
			r.ranges = append(r.ranges, p)
		}
	}

	r.out.WriteString("<speak>")

	for _, m := range marks {
		if m.position > r.pos && m.position <= len(r.runes) {
			end := m.position
			if m.kind == markPhoneme {
				end = m.position - 1
			}

			if end > r.pos {
				r.emit(r.pos, end)
			}
		}

		r.pos = m.position
		r.closeIfDone()
		r.openIfReached()

		switch m.kind {
		case markBreak:
			r.out.WriteString(breakTag(m.duration))
		case markPhoneme:
			r.out.WriteString(r.phonemeTag(m))
		}
	}

	if r.pos < len(r.runes) {
		r.emit(r.pos, len(r.runes))
	}

	if r.active != nil {
		r.out.WriteString("</prosody>")
	}

	r.out.WriteString("</speak>")

	return r.out.String()
}

func collectMarks(cfg Config) []mark {
	marks := make([]mark, 0, len(cfg.Breaks)+len(cfg.Silences)+len(cfg.Phonemes))

	for _, b := range cfg.Breaks {
		marks = append(marks, mark{position: b.Location, kind: markBreak, duration: b.DurationMs})
	}

	for _, s := range cfg.Silences {
		marks = append(marks, mark{position: s.Location, kind: markBreak, duration: s.DurationMs})
	}

	for _, p := range cfg.Phonemes {
		if p.Ph != "" {
			marks = append(marks, mark{position: p.Location, kind: markPhoneme, ph: p.Ph})
		}
	}

	sort.SliceStable(marks, func(i, j int) bool { return marks[i].position < marks[j].position })

	return marks
}

// emit writes runes [from, to) one at a time so prosody ranges open and close on
// character boundaries.
func (r *renderer) emit(from, to int) {
	for i := from; i < to; i++ {
		r.pos = i
		r.closeIfDone()
		r.openIfReached()
		r.out.WriteString(Escape(string(r.runes[i])))
		r.pos = i + 1
		r.closeIfDone()
	}
}

func (r *renderer) closeIfDone() {
	if r.active != nil && r.pos+1 > r.active.End {
		r.out.WriteString("</prosody>")
		r.active = nil
		r.next++
	}
}

func (r *renderer) openIfReached() {
	if r.active != nil || r.next >= len(r.ranges) {
		return
	}

	candidate := r.ranges[r.next]
	if r.pos+1 >= candidate.Begin {
		r.out.WriteString(`<prosody rate="` + strconv.Itoa(candidate.Rate) + `">`)
		r.active = &candidate
	}
}

func (r *renderer) phonemeTag(m mark) string {
	if m.position <= 0 || m.position > len(r.runes) {
		return ""
	}

	character := Escape(string(r.runes[m.position-1]))

	return `<phoneme ph="` + Escape(m.ph) + `">` + character + `</phoneme>`
}

func breakTag(durationMs int) string {
	if durationMs > 0 {
		return `<break time="` + strconv.Itoa(durationMs) + `ms"/>`
	}

	return "<break/>"
}
