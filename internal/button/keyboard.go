package button

import (
	"sync"
	"sync/atomic"

	hook "github.com/robotn/gohook"
)

// KeyboardInput emulates the button with a global key combo on desktop
// hosts: the level is high while the combo is held.
type KeyboardInput struct {
	keys    []string
	pressed atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// NewKeyboardInput creates an input for keys, given as lowercase key names
// (e.g., ["space"] or ["ctrl", "shift", "b"]).
func NewKeyboardInput(keys []string) *KeyboardInput {
	return &KeyboardInput{
		keys: keys,
		done: make(chan struct{}),
	}
}

// Start hooks the keyboard and blocks until Stop is called. Run it in a
// goroutine.
func (k *KeyboardInput) Start() {
	hook.Register(hook.KeyDown, k.keys, func(hook.Event) {
		k.pressed.Store(true)
	})
	hook.Register(hook.KeyUp, k.keys, func(hook.Event) {
		k.pressed.Store(false)
	})

	evChan := hook.Start()
	go func() {
		<-k.done
		hook.End()
	}()
	<-hook.Process(evChan)
	k.pressed.Store(false)
}

func (k *KeyboardInput) Pressed() bool {
	return k.pressed.Load()
}

// Stop releases the keyboard hook. It is safe to call multiple times.
func (k *KeyboardInput) Stop() {
	k.once.Do(func() {
		close(k.done)
	})
}
