package viseme

// Group is a phonetic family of visually similar mouth shapes
type Group int

const (
	GroupSilence     Group = iota
	GroupOpen              // open, unrounded vowels
	GroupSpread            // spread / mid vowels
	GroupRounded           // rounded vowels and glides
	GroupBilabial          // lips closed
	GroupLabiodental       // lip on teeth
	GroupAlveolar          // tongue tip, teeth visible
	GroupSibilant          // teeth together
	GroupVelar             // back of the mouth
	GroupLiquid            // r / l
)

var groupOf = [idCount]Group{
	Silence:  GroupSilence,
	AeAxAh:   GroupOpen,
	Aa:       GroupOpen,
	Ao:       GroupRounded,
	EyEhUh:   GroupSpread,
	Er:       GroupSpread,
	YIyIhIx:  GroupSpread,
	WUw:      GroupRounded,
	Ow:       GroupRounded,
	Aw:       GroupOpen,
	Oy:       GroupRounded,
	Ay:       GroupOpen,
	H:        GroupVelar,
	R:        GroupLiquid,
	L:        GroupLiquid,
	SZ:       GroupSibilant,
	ShChJhZh: GroupSibilant,
	Th:       GroupAlveolar,
	FV:       GroupLabiodental,
	DTNTh:    GroupAlveolar,
	KGNg:     GroupVelar,
	PBM:      GroupBilabial,
}

// Similarity scores, from identical shapes down to silence vs sound. The
// levels nest (id within group within vowel/consonant class) so that for any
// threshold "similar" is an equivalence relation.
const (
	SimilarityIdentical = 1.0
	SimilaritySameGroup = 0.8
	SimilaritySameClass = 0.4
	SimilarityDifferent = 0.1
	SimilaritySilence   = 0.0
)

// GroupOf returns the phonetic group of id. Unknown ids fall into the
// silence group.
func GroupOf(id ID) Group {
	if !id.Valid() {
		return GroupSilence
	}
	return groupOf[id]
}

// Similarity scores how alike two mouth shapes look, in [0,1]
func Similarity(a, b ID) float64 {
	switch {
	case a == b:
		return SimilarityIdentical
	case a.IsSilence() || b.IsSilence() || !a.Valid() || !b.Valid():
		return SimilaritySilence
	case GroupOf(a) == GroupOf(b):
		return SimilaritySameGroup
	case a.IsVowel() == b.IsVowel():
		return SimilaritySameClass
	default:
		return SimilarityDifferent
	}
}
