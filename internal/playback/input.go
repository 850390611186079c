package playback

// Input is one controllable renderer input: a trigger, a boolean or a number.
// Implementations must not call back into the Scheduler.
type Input interface {
	Fire()
	SetBool(v bool)
	SetNumber(v float64)
	AsBool() bool
	AsNumber() float64
}

// InputSink is the renderer's keyed set of inputs
type InputSink interface {
	// Input returns the named input, or false if the renderer has none
	Input(name string) (Input, bool)
}

// DefaultInput is substituted for inputs the renderer does not have. Every
// operation is a no-op and reads return zero values.
var DefaultInput Input = noopInput{}

type noopInput struct{}

func (noopInput) Fire()             {}
func (noopInput) SetBool(bool)      {}
func (noopInput) SetNumber(float64) {}
func (noopInput) AsBool() bool      { return false }
func (noopInput) AsNumber() float64 { return 0 }

// Resolve looks name up in sink. When the sink is nil or lacks the input it
// returns DefaultInput and resolved=false, so callers can always use the
// result and still tell that the fallback happened.
func Resolve(sink InputSink, name string) (in Input, resolved bool) {
	if sink == nil {
		return DefaultInput, false
	}
	in, ok := sink.Input(name)
	if !ok || in == nil {
		return DefaultInput, false
	}
	return in, true
}

// SinkFunc adapts a lookup function to InputSink
type SinkFunc func(name string) (Input, bool)

func (f SinkFunc) Input(name string) (Input, bool) { return f(name) }
