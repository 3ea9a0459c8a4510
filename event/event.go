// Package event defines the tagged input-event union forwarded from RFB
// connections to the host: keyboard, pointer and clipboard cut-text.
package event

// Kind identifies which variant of Event is populated.
type Kind int

const (
	// KindKey indicates Event.Key is valid.
	KindKey Kind = iota
	// KindPointer indicates Event.Pointer is valid.
	KindPointer
	// KindCutText indicates Event.CutText is valid.
	KindCutText
)

// Key is a keyboard event: an X11-style keysym and whether it is a
// key-down (true) or key-up (false) transition.
type Key struct {
	Down   bool
	Keysym uint32
}

// Pointer is a pointer event: a button bitmask and absolute coordinates.
type Pointer struct {
	ButtonMask uint8
	X, Y       uint16
}

// Event is a tagged union over Key, Pointer and CutText. Exactly one field
// is meaningful, selected by Kind. CutText owns its string buffer until the
// consumer moves it out by copying the Event off the queue.
type Event struct {
	Kind    Kind
	Key     Key
	Pointer Pointer
	CutText string
}

// NewKey constructs a Key event.
func NewKey(down bool, keysym uint32) Event {
	return Event{Kind: KindKey, Key: Key{Down: down, Keysym: keysym}}
}

// NewPointer constructs a Pointer event.
func NewPointer(buttonMask uint8, x, y uint16) Event {
	return Event{Kind: KindPointer, Pointer: Pointer{ButtonMask: buttonMask, X: x, Y: y}}
}

// NewCutText constructs a CutText event.
func NewCutText(text string) Event {
	return Event{Kind: KindCutText, CutText: text}
}
