package handlers

import (
	"github.com/peerhaven/signaling/config"
	"github.com/peerhaven/signaling/internal/e2ee"
	"github.com/peerhaven/signaling/internal/presence"
	"github.com/peerhaven/signaling/internal/relay"
	"github.com/peerhaven/signaling/internal/store"
	"github.com/peerhaven/signaling/internal/transfer"
)

// Services bundles the service dependencies handlers need. It is constructed
// once at startup and passed explicitly, so there is no package-level mutable
// state and tests can substitute fakes.
type Services struct {
	Cfg       *config.Config
	KV        store.KV
	Presence  *presence.Store
	Relay     *relay.Relay
	Keys      *e2ee.KeyManager
	Messenger *e2ee.Messenger
	Transfers *transfer.Manager
	Limits    *ActionLimiter
	Sanitizer Sanitizer
	Recorder  Recorder
}
