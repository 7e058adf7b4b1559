// Package catalog resolves the prompt for a unit index. Resolution is a pure
// function of the chunk message and the index, so a redelivered chunk always
// snapshots the same unit of work.
package catalog

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"avatarbatch/internal/domain"
)

// DefaultStyle is used for unknown style ids.
const DefaultStyle = "studio"

const negativePrompt = "blurry, distorted face, extra limbs, watermark, text"

// Style is an ordered list of scene prompts.
type Style struct {
	ID     string
	Scenes []string
}

var styles = map[string]Style{
	"studio": {ID: "studio", Scenes: []string{
		"professional headshot, soft key light, neutral grey backdrop",
		"three-quarter portrait, rim light, charcoal seamless paper",
		"close-up portrait, butterfly lighting, warm beige backdrop",
		"editorial portrait, hard side light, deep blue backdrop",
		"corporate portrait, window light, blurred office background",
	}},
	"outdoor": {ID: "outdoor", Scenes: []string{
		"golden hour portrait in a wheat field, shallow depth of field",
		"portrait on a city rooftop at dusk, bokeh skyline",
		"forest trail portrait, dappled sunlight, green tones",
		"beach portrait at sunrise, pastel sky, gentle wind",
	}},
	"anime": {ID: "anime", Scenes: []string{
		"anime key visual, cel shading, cherry blossoms",
		"anime portrait, neon city night, rain reflections",
		"anime character sheet pose, clean line art, flat colors",
	}},
	"fantasy": {ID: "fantasy", Scenes: []string{
		"fantasy knight portrait, ornate armor, castle at dusk",
		"elven mage portrait, glowing runes, misty forest",
		"steampunk inventor portrait, brass goggles, workshop",
		"sky pirate portrait, airship deck, dramatic clouds",
	}},
}

// Lookup returns the style for id, falling back to DefaultStyle.
func Lookup(id string) Style {
	if s, ok := styles[strings.ToLower(strings.TrimSpace(id))]; ok {
		return s
	}
	return styles[DefaultStyle]
}

// Styles lists the known style ids.
func Styles() []string {
	ids := make([]string, 0, len(styles))
	for id := range styles {
		ids = append(ids, id)
	}
	return ids
}

// Resolve builds the prompt snapshot for unit index of msg. An explicit unit
// text wins over the catalog.
func Resolve(msg domain.ChunkMessage, index int) (domain.PromptSnapshot, error) {
	if index < 0 || index >= msg.TotalUnits {
		return domain.PromptSnapshot{}, fmt.Errorf("catalog: unit index %d outside [0,%d)", index, msg.TotalUnits)
	}
	style := Lookup(msg.StyleID)
	snap := domain.PromptSnapshot{
		NegativePrompt:  negativePrompt,
		StyleID:         style.ID,
		SubjectRef:      msg.SubjectRef,
		Seed:            Seed(msg.JobID, style.ID, index),
		ReferenceInputs: msg.ReferenceInputs,
	}
	if index < len(msg.ExplicitUnitTexts) {
		if text := normalize(msg.ExplicitUnitTexts[index]); text != "" {
			snap.Prompt = text
			snap.Source = domain.SnapshotSourceExplicit
			return snap, nil
		}
	}
	scene := style.Scenes[index%len(style.Scenes)]
	snap.Prompt = fmt.Sprintf("%s style, %s", cases.Title(language.Und).String(style.ID), scene)
	snap.Source = domain.SnapshotSourceCatalog
	return snap, nil
}

// Marshal encodes a snapshot for the ledger.
func Marshal(snap domain.PromptSnapshot) (json.RawMessage, error) {
	return json.Marshal(snap)
}

// Seed derives a positive 31-bit seed from the unit identity.
func Seed(jobID, styleID string, index int) int {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", jobID, styleID, index)))
	n := int(binary.BigEndian.Uint32(sum[:4]) % 2147483647)
	if n == 0 {
		n = int(binary.BigEndian.Uint32(sum[4:8])%2147483646) + 1
	}
	return n
}

func normalize(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}
