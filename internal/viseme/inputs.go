package viseme

import "strconv"

// Renderer input names driven by the scheduler
const (
	InputSpeaking = "is_speaking"
	InputStress   = "stress"
	InputGesture  = "gesture"
)

// mouthInputs maps a viseme id to the numeric id of the renderer's mouth
// trigger. Several visemes share a mouth shape.
var mouthInputs = [idCount]int{
	Silence:  100,
	AeAxAh:   101,
	Aa:       102,
	Ao:       104,
	EyEhUh:   103,
	Er:       114,
	YIyIhIx:  105,
	WUw:      110,
	Ow:       112,
	Aw:       103,
	Oy:       110,
	Ay:       101,
	H:        118,
	R:        114,
	L:        108,
	SZ:       113,
	ShChJhZh: 115,
	Th:       116,
	FV:       109,
	DTNTh:    116,
	KGNg:     118,
	PBM:      107,
}

// MouthInput returns the renderer input name for id. ok is false for ids
// outside the taxonomy.
func MouthInput(id ID) (name string, ok bool) {
	if !id.Valid() {
		return "", false
	}
	return strconv.Itoa(mouthInputs[id]), true
}

// MouthInputs lists every distinct mouth input name
func MouthInputs() []string {
	seen := make(map[int]bool, idCount)
	names := make([]string, 0, idCount)
	for _, n := range mouthInputs {
		if seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, strconv.Itoa(n))
	}
	return names
}

// StandardInputs is the full input catalogue of the stock avatar
func StandardInputs() []string {
	return append([]string{InputSpeaking, InputStress, InputGesture}, MouthInputs()...)
}
