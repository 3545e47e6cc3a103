// Package provision drives one device through the provisioning workflow:
// connect, identify, register with the backend, write the configuration
// over BLE, reset, and release the link.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/chaz8081/echoprov/internal/ble"
	"github.com/chaz8081/echoprov/internal/ble/protocol"
	"github.com/chaz8081/echoprov/internal/identity"
	"github.com/chaz8081/echoprov/internal/registration"
)

// Transport is the BLE link a session drives. *ble.Transport implements it.
type Transport interface {
	IsSupported() bool
	Connect(ctx context.Context) (ble.Device, error)
	Disconnect() error
	IsConnected() bool
	Channel(field protocol.Field) (ble.Characteristic, error)
	identity.Source
}

// Registrar registers devices with the backend. *registration.Client
// implements it.
type Registrar interface {
	Register(ctx context.Context, req registration.Request) (registration.Outcome, error)
}

// ChunkWriter delivers a payload to a characteristic. *ble.Writer
// implements it.
type ChunkWriter interface {
	Write(ctx context.Context, char ble.Characteristic, payload []byte, progress func(float64)) error
}

// Options configures a session.
type Options struct {
	ServerBinding string // container the device is bound to on registration
	EventBuffer   int    // Events channel capacity (default 128)
}

// Session is one provisioning attempt. A session owns its transport for
// its whole life and must not share it with another session.
//
// Start and Submit block until their step resolves and are meant to be
// called from one goroutine. Cancel may be called from any goroutine.
type Session struct {
	id        string
	transport Transport
	registrar Registrar
	writer    ChunkWriter
	resolver  *identity.Resolver
	opts      Options

	mu         sync.Mutex
	step       Step
	ident      identity.Identity
	config     Config
	outcome    Outcome
	err        error
	progress   float64
	events     chan Event
	closed     bool // events channel closed, no further operations
	released   bool // transport.Disconnect has been called
	releaseErr error
	cancelling bool
	cancelRun  context.CancelFunc
	running    chan struct{} // closed when the running operation returns
}

// New creates an idle session.
func New(transport Transport, registrar Registrar, writer ChunkWriter, resolver *identity.Resolver, opts Options) *Session {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 128
	}
	if resolver == nil {
		resolver = identity.NewResolver(language.English)
	}
	return &Session{
		id:        uuid.NewString(),
		transport: transport,
		registrar: registrar,
		writer:    writer,
		resolver:  resolver,
		opts:      opts,
		events:    make(chan Event, opts.EventBuffer),
	}
}

// ID identifies the session in logs and registration requests.
func (s *Session) ID() string { return s.id }

// Events returns the notification stream. It is closed once the link has
// been released and the final event published.
func (s *Session) Events() <-chan Event { return s.events }

// Step returns the current step.
func (s *Session) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Identity returns the resolved identity, valid from AwaitingConfig on.
func (s *Session) Identity() identity.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ident
}

// Outcome returns how the session finished, or OutcomeNone.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Err returns the error that put the session into Errored, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Progress returns combined transfer progress in [0, 1].
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Start connects to a device and resolves its identity. On success the
// session waits in AwaitingConfig.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	idle := s.step == StepIdle && !s.closed
	s.mu.Unlock()
	if idle && !s.transport.IsSupported() {
		s.publish(Event{Kind: EventStep, Step: StepIdle, Err: ble.ErrUnsupported})
		return ble.ErrUnsupported
	}

	runCtx, err := s.begin(ctx, trigStart)
	if err != nil {
		return err
	}
	defer s.end()

	device, err := s.transport.Connect(runCtx)
	if err != nil {
		if s.isCancelling() {
			return ErrCancelled
		}
		s.release()
		if errors.Is(err, ble.ErrUserCancelled) {
			s.mu.Lock()
			s.transition(trigCancel)
			s.closeEvents()
			s.mu.Unlock()
			return err
		}
		s.failAndClose(err)
		return err
	}

	ident, err := s.resolver.Resolve(runCtx, s.transport)
	if err != nil {
		if s.isCancelling() {
			return ErrCancelled
		}
		s.release()
		err = fmt.Errorf("%w: %w", ble.ErrConnectionFailed, err)
		s.failAndClose(err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelling {
		return ErrCancelled
	}
	s.ident = ident
	slog.Info("[PROV] device identified", "session", s.id, "device_id", ident.ID, "name", device.Name, "synthesized", ident.Synthesized)
	return s.transition(trigConnected)
}

// Submit registers the device and, if the backend has not seen it before,
// writes cfg to it, resets it and releases the link. cfg is validated by
// the caller. displayName defaults to the advertised device name.
//
// Submit is accepted in AwaitingConfig, and again in Errored after a
// registration failure as long as the link is still up.
func (s *Session) Submit(ctx context.Context, displayName string, cfg Config) (Outcome, error) {
	runCtx, err := s.begin(ctx, trigSubmit)
	if err != nil {
		return OutcomeNone, err
	}
	defer s.end()

	cfg = cfg.clone()
	s.mu.Lock()
	s.config = cfg
	s.err = nil
	ident := s.ident
	s.mu.Unlock()

	if displayName == "" {
		displayName = ident.DisplayName
	}

	// A device whose link dropped while awaiting config must not be
	// registered; nothing could be written to it afterwards.
	if !s.transport.IsConnected() {
		if s.isCancelling() {
			return OutcomeNone, ErrCancelled
		}
		err := fmt.Errorf("%w: %w", ble.ErrConnectionFailed, ble.ErrNotConnected)
		s.release()
		s.failAndClose(err)
		return OutcomeNone, err
	}

	regOutcome, err := s.registrar.Register(runCtx, registration.Request{
		DeviceID:      ident.ID,
		Name:          displayName,
		MACAddress:    ident.Address,
		ServerBinding: s.opts.ServerBinding,
		RequestID:     s.id,
	})
	if err != nil {
		if s.isCancelling() {
			return OutcomeNone, ErrCancelled
		}
		err = fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
		s.fail(err)
		return OutcomeNone, err
	}

	if regOutcome == registration.Conflict {
		// The device keeps whatever configuration it already has.
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.cancelling {
			return OutcomeNone, ErrCancelled
		}
		s.outcome = OutcomeAlreadyRegistered
		if err := s.transition(trigConflict); err != nil {
			return OutcomeNone, err
		}
		slog.Info("[PROV] device already registered, skipping transfer", "session", s.id, "device_id", ident.ID)
		return OutcomeAlreadyRegistered, nil
	}

	if err := s.advance(trigCreated); err != nil {
		return OutcomeNone, err
	}

	if err := s.transfer(runCtx, cfg); err != nil {
		if s.isCancelling() {
			return OutcomeNone, ErrCancelled
		}
		s.fail(err)
		return OutcomeNone, err
	}

	if err := s.advance(trigTransferred); err != nil {
		return OutcomeNone, err
	}

	s.reset(runCtx)
	s.release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelling {
		return OutcomeNone, ErrCancelled
	}
	s.outcome = OutcomeProvisioned
	if err := s.transition(trigCompleted); err != nil {
		return OutcomeNone, err
	}
	s.closeEvents()
	slog.Info("[PROV] device provisioned", "session", s.id, "device_id", ident.ID)
	return OutcomeProvisioned, nil
}

// transfer writes every field in order. Combined progress advances by one
// unit per field.
func (s *Session) transfer(ctx context.Context, cfg Config) error {
	fields := cfg.payloads()
	total := len(fields)

	for i, fp := range fields {
		char, err := s.transport.Channel(fp.field)
		if err != nil {
			return &TransferError{Field: fp.field, Frame: 0, Err: err}
		}

		field := fp.field
		err = s.writer.Write(ctx, char, fp.data, func(frac float64) {
			s.publish(Event{Kind: EventFieldProgress, Step: StepTransferring, Field: field, Fraction: frac})
		})
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			frame := 0
			var fe *ble.FrameError
			if errors.As(err, &fe) {
				frame = fe.Index
			}
			return &TransferError{Field: field, Frame: frame, Err: err}
		}

		s.mu.Lock()
		s.progress = float64(i+1) / float64(total)
		s.emit(Event{Kind: EventProgress, Step: StepTransferring, Fraction: s.progress})
		s.mu.Unlock()
		slog.Debug("[PROV] field written", "session", s.id, "field", field, "bytes", len(fp.data))
	}
	return nil
}

// reset asks the device to reboot. Failure is logged only: the device
// drops the link when it reboots and the configuration is already written.
func (s *Session) reset(ctx context.Context) {
	char, err := s.transport.Channel(protocol.FieldReset)
	if err == nil {
		err = s.writer.Write(ctx, char, protocol.ResetCommand, nil)
	}
	if err != nil {
		slog.Warn("[PROV] reset not acknowledged", "session", s.id, "error", fmt.Errorf("%w: %w", ErrResetFailed, err))
	}
}

// Cancel stops the session. A running operation is interrupted at its next
// suspension point (between frames at the latest); then the link is
// released and the session moves to Cancelled. A finished session keeps its
// outcome. Safe to call more than once and from any goroutine.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cancelling = true
	if s.cancelRun != nil {
		s.cancelRun()
	}
	running := s.running
	s.mu.Unlock()

	if running != nil {
		<-running
	}

	s.release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepDone && s.step != StepCancelled {
		s.transition(trigCancel)
		slog.Info("[PROV] session cancelled", "session", s.id)
	}
	s.closeEvents()
}

// Close releases the session. It is Cancel plus the disconnect error, if
// any.
func (s *Session) Close() error {
	s.Cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseErr
}

// begin checks that t is legal now, moves to the next step, and marks an
// operation as running.
func (s *Session) begin(ctx context.Context, t trigger) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.cancelling {
		return nil, ErrCancelled
	}
	if s.running != nil {
		return nil, fmt.Errorf("%w: %s while another operation is running", ErrInvalidTransition, t)
	}
	if t == trigSubmit && s.step == StepErrored {
		if !errors.Is(s.err, ErrRegistrationFailed) || s.released || !s.transport.IsConnected() {
			return nil, fmt.Errorf("%w: cannot resubmit after %v", ErrInvalidTransition, s.err)
		}
	}
	if err := s.transition(t); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	s.running = make(chan struct{})
	return runCtx, nil
}

// end marks the running operation as finished.
func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
	if s.running != nil {
		close(s.running)
		s.running = nil
	}
}

// advance applies t unless the session is being cancelled.
func (s *Session) advance(t trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelling {
		return ErrCancelled
	}
	return s.transition(t)
}

// transition applies t and publishes the new step (caller must hold mu).
func (s *Session) transition(t trigger) error {
	to, err := next(s.step, t)
	if err != nil {
		return err
	}
	from := s.step
	s.step = to
	slog.Debug("[PROV] step", "session", s.id, "from", from, "to", to)

	ev := Event{Kind: EventStep, Step: to}
	switch to {
	case StepErrored:
		ev.Err = s.err
	case StepDone:
		ev.Outcome = s.outcome
		if s.outcome == OutcomeAlreadyRegistered {
			ev.Err = ErrRegistrationConflict
		}
	case StepCancelled:
		ev.Err = ErrCancelled
	}
	s.emit(ev)
	return nil
}

// fail moves the session to Errored with err. The link is kept.
func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelling {
		return
	}
	s.err = err
	slog.Warn("[PROV] session errored", "session", s.id, "step", s.step, "error", err)
	s.transition(trigFail)
}

// failAndClose is fail for errors that also ended the link.
func (s *Session) failAndClose(err error) {
	s.fail(err)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeEvents()
}

// release disconnects the transport, at most once per session.
func (s *Session) release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	err := s.transport.Disconnect()
	if err != nil {
		slog.Warn("[PROV] disconnect failed", "session", s.id, "error", err)
	}

	s.mu.Lock()
	s.releaseErr = err
	s.mu.Unlock()
}

func (s *Session) isCancelling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelling
}

// publish emits ev from outside the lock.
func (s *Session) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit(ev)
}

// emit queues ev without blocking (caller must hold mu). A subscriber that
// falls behind by more than EventBuffer events loses the newest ones.
func (s *Session) emit(ev Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		slog.Warn("[PROV] event dropped, subscriber too slow", "session", s.id, "kind", ev.Kind)
	}
}

// closeEvents ends the stream (caller must hold mu).
func (s *Session) closeEvents() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
