// Package pairing turns a fresh, unpaired transport client into exactly one
// presentable pairing artifact: a linking code, or the raw QR payload when no
// code can be obtained.
package pairing

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/zulandar/courier/internal/gate"
	"github.com/zulandar/courier/internal/logging"
)

// Kind is the artifact type shown to the user.
type Kind string

const (
	KindCode Kind = "code"
	KindQR   Kind = "qr"
)

// Source records which attempt produced the artifact.
type Source string

const (
	SourceDirect    Source = "direct"
	SourceQRDerived Source = "qr_derived"
	SourceQRRaw     Source = "qr_raw"
)

// Artifact is the committed pairing result.
type Artifact struct {
	Kind   Kind   `json:"kind"`
	Value  string `json:"value"`
	Source Source `json:"source"`
}

// CodeRequester is the part of transport.Client the resolver needs.
type CodeRequester interface {
	RequestPairingCode(ctx context.Context, phone string) (string, error)
}

var codePattern = regexp.MustCompile(`^[A-Z0-9-]{4,16}$`)

// NormalizeCode upper-cases and trims raw and reports whether it is a
// presentable linking code.
func NormalizeCode(raw string) (string, bool) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	return code, codePattern.MatchString(code)
}

// Resolver races the direct code request against QR-triggered attempts and
// commits the first success. The direct request has priority: QR attempts
// wait for it to finish before trying.
type Resolver struct {
	client CodeRequester
	phone  string
	log    zerolog.Logger

	gate       *gate.Gate[Artifact]
	started    atomic.Bool
	directDone chan struct{}
	qrMu       sync.Mutex
}

// NewResolver creates a Resolver for client and phone.
func NewResolver(client CodeRequester, phone string, log *zerolog.Logger) *Resolver {
	return &Resolver{
		client:     client,
		phone:      phone,
		log:        logging.Component(log, "pairing"),
		gate:       gate.New[Artifact](),
		directDone: make(chan struct{}),
	}
}

// Start launches the direct code request in the background. Calling it more
// than once has no effect.
func (r *Resolver) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(r.directDone)
		code, err := r.client.RequestPairingCode(ctx, r.phone)
		if err != nil {
			r.log.Debug().Err(err).Msg("direct code request failed, waiting for qr")
			return
		}
		norm, ok := NormalizeCode(code)
		if !ok {
			r.log.Debug().Str("code", code).Msg("direct code request returned no usable code")
			return
		}
		if r.gate.Resolve(Artifact{Kind: KindCode, Value: norm, Source: SourceDirect}) {
			r.log.Info().Msg("pairing code received")
		}
	}()
}

// OfferQR handles one QR payload surfaced by the transport. It blocks until
// the direct attempt has been started and has finished, then tries a code
// request and falls back to the raw payload. It is a no-op once an artifact
// is committed or the resolver is aborted.
func (r *Resolver) OfferQR(ctx context.Context, payload string) {
	if payload == "" {
		return
	}
	select {
	case <-r.directDone:
	case <-r.gate.Done():
		return
	case <-ctx.Done():
		return
	}

	r.qrMu.Lock()
	defer r.qrMu.Unlock()
	if _, _, ok := r.gate.Result(); ok {
		return
	}

	code, err := r.client.RequestPairingCode(ctx, r.phone)
	if err == nil {
		if norm, ok := NormalizeCode(code); ok {
			if r.gate.Resolve(Artifact{Kind: KindCode, Value: norm, Source: SourceQRDerived}) {
				r.log.Info().Msg("pairing code derived after qr")
			}
			return
		}
	}
	if r.gate.Resolve(Artifact{Kind: KindQR, Value: payload, Source: SourceQRRaw}) {
		r.log.Info().Msg("falling back to qr payload")
	}
}

// Done is closed once an artifact is committed.
func (r *Resolver) Done() <-chan struct{} { return r.gate.Done() }

// Abort ends resolution with err if no artifact has been committed yet.
// Pending and later attempts become no-ops.
func (r *Resolver) Abort(err error) bool {
	return r.gate.Reject(err)
}

// Result returns the committed outcome; ok is false while unresolved. err is
// set when the resolver was aborted.
func (r *Resolver) Result() (a Artifact, err error, ok bool) {
	return r.gate.Result()
}
