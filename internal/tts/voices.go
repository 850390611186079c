package tts

import (
	"strings"
	"unicode"
)

// Stock voice ids
const (
	AmericanFemaleHeart   = "af_heart"
	AmericanFemaleAlloy   = "af_alloy"
	AmericanFemaleAoede   = "af_aoede"
	AmericanFemaleBella   = "af_bella"
	AmericanFemaleJessica = "af_jessica"
	AmericanFemaleKore    = "af_kore"
	AmericanFemaleNicole  = "af_nicole"
	AmericanFemaleNova    = "af_nova"
	AmericanFemaleRiver   = "af_river"
	AmericanFemaleSarah   = "af_sarah"
	AmericanFemaleSky     = "af_sky"
	AmericanMaleSanta     = "am_santa"
	AmericanMaleAdam      = "am_adam"
	AmericanMaleEcho      = "am_echo"
	AmericanMaleEric      = "am_eric"
	AmericanMaleFenrir    = "am_fenrir"
	AmericanMaleLiam      = "am_liam"
	AmericanMaleMichael   = "am_michael"
	AmericanMaleOnyx      = "am_onyx"
	AmericanMalePuck      = "am_puck"
	BritishFemaleAlice    = "bf_alice"
	BritishFemaleEmma     = "bf_emma"
	BritishFemaleIsabella = "bf_isabella"
	BritishFemaleLily     = "bf_lily"
	BritishMaleDaniel     = "bm_daniel"
	BritishMaleFable      = "bm_fable"
	BritishMaleGeorge     = "bm_george"
	BritishMaleLewis      = "bm_lewis"

	DefaultVoice = AmericanMaleFenrir

	maxVoiceIDLength = 64
)

var stockVoices = map[string]bool{
	AmericanFemaleHeart: true, AmericanFemaleAlloy: true, AmericanFemaleAoede: true,
	AmericanFemaleBella: true, AmericanFemaleJessica: true, AmericanFemaleKore: true,
	AmericanFemaleNicole: true, AmericanFemaleNova: true, AmericanFemaleRiver: true,
	AmericanFemaleSarah: true, AmericanFemaleSky: true, AmericanMaleSanta: true,
	AmericanMaleAdam: true, AmericanMaleEcho: true, AmericanMaleEric: true,
	AmericanMaleFenrir: true, AmericanMaleLiam: true, AmericanMaleMichael: true,
	AmericanMaleOnyx: true, AmericanMalePuck: true, BritishFemaleAlice: true,
	BritishFemaleEmma: true, BritishFemaleIsabella: true, BritishFemaleLily: true,
	BritishMaleDaniel: true, BritishMaleFable: true, BritishMaleGeorge: true,
	BritishMaleLewis: true,
}

// IsStockVoice reports whether id is one of the built-in voices
func IsStockVoice(id string) bool {
	return stockVoices[id]
}

// ValidVoiceID reports whether id is usable as a voice id. Third-party
// engines take their own ids, so anything short and free of whitespace and
// control characters is accepted.
func ValidVoiceID(id string) bool {
	if id == "" || len(id) > maxVoiceIDLength {
		return false
	}
	return !strings.ContainsFunc(id, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	})
}
