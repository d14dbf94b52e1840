package action

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zllovesuki/recur/auth"
	"github.com/zllovesuki/recur/gateway"
	resp "github.com/zllovesuki/recur/response"
	"github.com/zllovesuki/recur/subscription"

	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

type contextKey string

const subscriptionContext contextKey = "subscription"

// PaymentMethodRequest is the body of POST /{id}/payment-method
type PaymentMethodRequest struct {
	PaymentMethodID string `json:"paymentMethodId" validate:"required"`
}

func notFound() *resp.Error {
	return resp.ErrNotFound().AddMessages("Cannot find subscription with specific ID")
}

// owns is true for the subscription's customer and for operators
func owns(claims *auth.Claims, customerID string) bool {
	return claims.Admin || claims.ID == customerID
}

// writeCommandError translates a command failure. Gateway details stay in the log.
func (s *Service) writeCommandError(w http.ResponseWriter, r *http.Request, err error) {
	var gErr *gateway.Error
	switch {
	case errors.Is(err, subscription.ErrSubscriptionNotFound):
		resp.WriteError(w, r, notFound())
	case errors.Is(err, subscription.ErrResumeDateRequired):
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("A resume date is required to pause a subscription"))
	case errors.Is(err, subscription.ErrValidation):
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
	case errors.Is(err, subscription.ErrInvalidTransition):
		resp.WriteError(w, r, resp.ErrUnprocessable().AddMessages(err.Error()))
	case errors.As(err, &gErr):
		resp.WriteError(w, r, resp.ErrBadGateway().AddMessages(gErr.Summary()))
	default:
		s.Logger.Error("Subscription command failed",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot apply the change to the subscription"))
	}
}

// ownerOnly loads the subscription named in the path and rejects callers that do not own it
func (s *Service) ownerOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		claims, _ := auth.ClaimsFrom(ctx)
		id := chi.URLParam(r, "id")

		sub, err := s.Subscriptions.Get(ctx, id)
		if err != nil {
			s.Logger.Error("Unable to query subscription",
				zap.String("SubscriptionID", id),
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get details about the subscription"))
			return
		}
		// don't reveal subscriptions of other customers
		if sub == nil || !owns(claims, sub.CustomerID) {
			resp.WriteError(w, r, notFound())
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, subscriptionContext, sub)))
	})
}

func subscriptionFrom(r *http.Request) *subscription.Subscription {
	return r.Context().Value(subscriptionContext).(*subscription.Subscription)
}

func (s *Service) getState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := auth.ClaimsFrom(ctx)
	id := chi.URLParam(r, "id")

	state, err := s.State(ctx, id)
	if err != nil {
		s.writeCommandError(w, r, err)
		return
	}
	if !owns(claims, state.CustomerID) {
		resp.WriteError(w, r, notFound())
		return
	}
	resp.WriteResponse(w, r, state)
}

func (s *Service) getSubscription(w http.ResponseWriter, r *http.Request) {
	resp.WriteResponse(w, r, subscriptionFrom(r))
}

func (s *Service) cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelOptions
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			resp.WriteError(w, r, resp.ErrInvalidJson())
			return
		}
	}
	sub, err := s.Cancel(r.Context(), subscriptionFrom(r).ID, req)
	if err != nil {
		s.writeCommandError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, sub)
}

func (s *Service) pause(w http.ResponseWriter, r *http.Request) {
	var req PauseOptions
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	sub, err := s.Pause(r.Context(), subscriptionFrom(r).ID, req)
	if err != nil {
		s.writeCommandError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, sub)
}

func (s *Service) resume(w http.ResponseWriter, r *http.Request) {
	sub, err := s.Resume(r.Context(), subscriptionFrom(r).ID)
	if err != nil {
		s.writeCommandError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, sub)
}

func (s *Service) updatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req PaymentMethodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	sub, err := s.UpdatePaymentMethod(r.Context(), subscriptionFrom(r).ID, req.PaymentMethodID)
	if err != nil {
		s.writeCommandError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, sub)
}

// Router will return the routes under subscription API
func (s *Service) Router() http.Handler {
	origins := s.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.Auth.Middleware())

	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", s.getState)
		r.Group(func(r chi.Router) {
			r.Use(s.ownerOnly)
			r.Get("/details", s.getSubscription)
			r.Post("/cancel", s.cancel)
			r.Post("/pause", s.pause)
			r.Post("/resume", s.resume)
			r.Post("/payment-method", s.updatePaymentMethod)
		})
	})

	return r
}
