package webhook

import (
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/zllovesuki/recur/auth"
	"github.com/zllovesuki/recur/gateway"
	resp "github.com/zllovesuki/recur/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

const maxPayloadBytes = 1 << 20

// ServiceOptions contains the configuration for the webhook Service router
type ServiceOptions struct {
	Dispatcher *Dispatcher
	Ledger     *Ledger
	Auth       *auth.Auth // Guards the operator routes
	Logger     *zap.Logger
}

// Service receives gateway events over HTTP
type Service struct {
	ServiceOptions
}

// NewService returns a new webhook Service
func NewService(option ServiceOptions) (*Service, error) {
	if option.Dispatcher == nil {
		return nil, fmt.Errorf("nil Dispatcher is invalid")
	}
	if option.Ledger == nil {
		return nil, fmt.Errorf("nil Ledger is invalid")
	}
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) receive(mode gateway.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
		if err != nil {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Cannot read payload"))
			return
		}

		outcome, err := s.Dispatcher.Handle(r.Context(), mode, r.Header.Get("Stripe-Signature"), payload)
		switch {
		case errors.Is(err, ErrSignatureVerification):
			resp.WriteError(w, r, resp.ErrInvalidSignature())
		case errors.Is(err, ErrMalformedEvent):
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		case err != nil:
			// unacknowledged deliveries are retried by the gateway
			resp.WriteError(w, r, resp.ErrUnexpected())
		default:
			resp.WriteResponse(w, r, outcome)
		}
	}
}

func (s *Service) listProblems(w http.ResponseWriter, r *http.Request) {
	opt := ListOption{
		Mode:  gateway.Mode(r.URL.Query().Get("mode")),
		Limit: 50,
	}
	if len(opt.Mode) > 0 {
		if err := opt.Mode.Validate(); err != nil {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
			return
		}
	}
	if before := r.URL.Query().Get("before"); len(before) > 0 {
		t, err := time.Parse(time.RFC3339, before)
		if err != nil {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("before must be RFC3339"))
			return
		}
		opt.Before = t
	}
	if limit := r.URL.Query().Get("limit"); len(limit) > 0 {
		l, err := strconv.Atoi(limit)
		if err != nil || l <= 0 || l > 500 {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("limit must be between 1 and 500"))
			return
		}
		opt.Limit = l
	}

	events, err := s.Ledger.ListProblems(r.Context(), opt)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot list webhook events"))
		return
	}
	resp.WriteResponse(w, r, events)
}

// Router will return the routes under the webhook API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/live", s.receive(gateway.ModeLive))
	r.Post("/test", s.receive(gateway.ModeTest))

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware())
		r.Use(s.Auth.AdminOnly())
		r.Get("/problems", s.listProblems)
	})

	return r
}
