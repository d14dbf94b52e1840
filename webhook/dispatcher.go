package webhook

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/zllovesuki/recur/gateway"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// DispatcherOptions contains the configuration for the Dispatcher
type DispatcherOptions struct {
	Logger   *zap.Logger
	Ledger   *Ledger
	Registry *Registry
	Secrets  SecretSource
	Verifier Verifier         // Defaults to StripeVerifier
	Clock    func() time.Time // Defaults to time.Now
}

func (o *DispatcherOptions) validate() error {
	if o.Logger == nil {
		return fmt.Errorf("nil Logger is invalid")
	}
	if o.Ledger == nil {
		return fmt.Errorf("nil Ledger is invalid")
	}
	if o.Registry == nil {
		return fmt.Errorf("nil Registry is invalid")
	}
	if o.Secrets == nil {
		return fmt.Errorf("nil Secrets is invalid")
	}
	if o.Verifier == nil {
		o.Verifier = &StripeVerifier{}
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return nil
}

// Dispatcher authenticates inbound events, records them in the ledger and runs their processors
type Dispatcher struct {
	DispatcherOptions
}

// NewDispatcher returns a new Dispatcher
func NewDispatcher(option DispatcherOptions) (*Dispatcher, error) {
	if err := option.validate(); err != nil {
		return nil, err
	}
	return &Dispatcher{
		DispatcherOptions: option,
	}, nil
}

// Outcome is the acknowledgment of a delivery
type Outcome struct {
	EventID   string        `json:"eventId"`
	EventType EventType     `json:"eventType"`
	Status    RequestStatus `json:"status,omitempty"`
	Ignored   bool          `json:"ignored,omitempty"`   // No processor handles the type
	Duplicate bool          `json:"duplicate,omitempty"` // An earlier delivery settled the event or is in flight
	Notes     string        `json:"notes,omitempty"`
}

// Handle authenticates and processes one delivery. An error is only returned when the delivery
// should not be acknowledged: the signature or payload is invalid, or the ledger is unavailable.
// Processor failures are recorded on the ledger and acknowledged.
func (d *Dispatcher) Handle(ctx context.Context, mode gateway.Mode, signature string, payload []byte) (*Outcome, error) {
	start := d.Clock()

	if err := mode.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSignatureVerification, err.Error())
	}
	secret, err := d.Secrets.Secret(mode)
	if err != nil {
		d.Logger.Error("Webhook secret unavailable",
			zap.String("Mode", string(mode)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %s", ErrSignatureVerification, err.Error())
	}
	if err := d.Verifier.Verify(payload, signature, secret); err != nil {
		d.Logger.Info("Rejected webhook delivery",
			zap.String("Mode", string(mode)),
			zap.Error(err),
		)
		return nil, err
	}

	event, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	logger := d.Logger.With(
		zap.String("EventID", event.ID),
		zap.String("EventType", string(event.Type)),
		zap.String("Mode", string(mode)),
	)
	if event.Livemode != (mode == gateway.ModeLive) {
		logger.Warn("Event livemode does not match the receiving endpoint")
	}

	outcome := &Outcome{
		EventID:   event.ID,
		EventType: event.Type,
	}

	entry, proceed, err := d.Ledger.Receive(ctx, event, mode)
	if err != nil {
		return nil, err
	}
	if !proceed {
		logger.Debug("Skipping redelivered event",
			zap.String("RequestStatus", string(entry.RequestStatus)),
		)
		outcome.Duplicate = true
		outcome.Status = entry.RequestStatus
		return outcome, nil
	}

	processors := d.Registry.For(event.Type)
	if len(processors) == 0 {
		completion := Completion{
			Status:       StatusProcessed,
			Notes:        fmt.Sprintf("no processor handles %s", event.Type),
			ResponseTime: d.Clock().Sub(start),
		}
		if err := d.Ledger.Finish(context.Background(), entry.ID, completion); err != nil {
			return nil, err
		}
		outcome.Ignored = true
		outcome.Status = completion.Status
		outcome.Notes = completion.Notes
		return outcome, nil
	}

	delivery := &Delivery{
		Event:    event,
		Mode:     mode,
		LedgerID: entry.ID,
	}

	completion := d.run(ctx, logger, delivery, processors)
	completion.ResponseTime = d.Clock().Sub(start)

	// the ledger write must happen even if the caller went away
	if err := d.Ledger.Finish(context.Background(), entry.ID, completion); err != nil {
		return nil, err
	}

	outcome.Status = completion.Status
	outcome.Notes = completion.Notes
	return outcome, nil
}

// run invokes every processor in order and folds their results into one Completion
func (d *Dispatcher) run(ctx context.Context, logger *zap.Logger, delivery *Delivery, processors []Processor) Completion {
	var completion Completion
	var source RequestStatus
	notes := make([]string, 0, len(processors))
	for _, p := range processors {
		result, err := d.invoke(ctx, p, delivery)
		if err != nil {
			status := StatusFailed
			if _, ok := err.(*panicError); ok {
				status = StatusError
			}
			logger.Error("Webhook processor failed",
				zap.String("Processor", p.Name()),
				zap.String("RequestStatus", string(status)),
				zap.Error(err),
			)
			completion.Status = worse(completion.Status, status)
			notes = append(notes, fmt.Sprintf("%s: %s", p.Name(), err.Error()))
			continue
		}
		if result == nil {
			result = NotFound("")
		}
		if len(result.SourceID) > 0 && (len(completion.SourceID) == 0 || precedence(result.Status) > precedence(source)) {
			completion.SourceID = result.SourceID
			completion.SourceType = result.SourceType
			source = result.Status
		}
		completion.Status = worse(completion.Status, result.Status)
		if len(result.Notes) > 0 {
			notes = append(notes, fmt.Sprintf("%s: %s", p.Name(), result.Notes))
		}
	}
	completion.Notes = strings.Join(notes, "; ")
	return completion
}

// invoke calls p, converting a panic into a *panicError carrying the location it was raised at
func (d *Dispatcher) invoke(ctx context.Context, p Processor, delivery *Delivery) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			file, line := panicLocation()
			result = nil
			err = &panicError{
				value: r,
				file:  file,
				line:  line,
			}
		}
	}()
	result, err = p.Process(ctx, delivery)
	if err != nil {
		err = extErrors.Wrapf(err, "Processor %s failed", p.Name())
	}
	return
}

type panicError struct {
	value interface{}
	file  string
	line  int
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v at %s:%d", p.value, p.file, p.line)
}

// panicLocation returns the first frame outside the runtime, which is where panic was called
func panicLocation() (string, int) {
	pc := make([]uintptr, 32)
	n := runtime.Callers(3, pc)
	frames := runtime.CallersFrames(pc[:n])
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			return frame.File, frame.Line
		}
		if !more {
			return "unknown", 0
		}
	}
}

// precedence orders statuses from the least to the most significant outcome
func precedence(s RequestStatus) int {
	switch s {
	case StatusRecordNotFound:
		return 1
	case StatusRecordDeleted:
		return 2
	case StatusProcessed:
		return 3
	case StatusFailed:
		return 4
	case StatusError:
		return 5
	default:
		return 0
	}
}

func worse(a, b RequestStatus) RequestStatus {
	if precedence(b) > precedence(a) {
		return b
	}
	return a
}
