package id

import "github.com/google/uuid"

// CycleID identifies one arbitration cycle in logs.
func CycleID() string { return "cycle-" + uuid.New().String() }

// SessionID identifies one realtime channel session.
func SessionID() string { return "sess-" + uuid.New().String() }
