package crypto

import (
	"runtime"
	"sync"

	"github.com/awnumar/memguard"
)

// ClearBytes zeroes b in place.
//
// Best effort only: copies made earlier (string conversions, append growth)
// are not reached. This narrows the exposure window, it is not a security
// boundary.
func ClearBytes(b []byte) {
	if len(b) == 0 {
		return
	}

	memguard.WipeBytes(b)

	runtime.KeepAlive(b)
}

// SecretBuffer owns a secret byte slice and zeroes it when destroyed.
//
// Create one per secret and defer Destroy right away; a finalizer erases
// buffers that were dropped without Destroy, but callers must not rely on it.
type SecretBuffer struct {
	mu        sync.Mutex
	data      []byte
	locked    bool
	destroyed bool
}

// NewSecretBuffer allocates a zeroed buffer of the given size.
func NewSecretBuffer(size int) *SecretBuffer {
	return WrapSecret(make([]byte, size))
}

// WrapSecret takes ownership of b. The caller must not keep other references
// to b after this call.
func WrapSecret(b []byte) *SecretBuffer {
	buf := &SecretBuffer{data: b}
	if err := lockMemory(b); err == nil {
		buf.locked = true
	}

	runtime.SetFinalizer(buf, (*SecretBuffer).Destroy)

	return buf
}

// Bytes returns the secret. It returns nil once the buffer is destroyed.
func (s *SecretBuffer) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil
	}

	return s.data
}

// Len returns the secret length, 0 after Destroy.
func (s *SecretBuffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.data)
}

// Copy returns an independent copy the caller becomes responsible for.
func (s *SecretBuffer) Copy() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil
	}

	out := make([]byte, len(s.data))
	copy(out, s.data)

	return out
}

// Destroy zeroes the buffer. It is safe to call more than once.
func (s *SecretBuffer) Destroy() {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}

	ClearBytes(s.data)
	if s.locked {
		_ = unlockMemory(s.data)
		s.locked = false
	}
	s.data = nil
	s.destroyed = true

	runtime.SetFinalizer(s, nil)
}

// Destroyed reports whether Destroy has run.
func (s *SecretBuffer) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.destroyed
}

// WithSecret hands b to fn and zeroes it on every exit path, including
// errors and panics inside fn.
func WithSecret(b []byte, fn func(secret []byte) error) error {
	buf := WrapSecret(b)
	defer buf.Destroy()

	return fn(buf.Bytes())
}
