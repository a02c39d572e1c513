// Package webhook is the Webhook Dispatcher (C11, spec.md §4.8): the HTTP
// entry point every TradingView-style alert lands on. It generalizes the
// teacher's internal/api/handlers + internal/api/middleware
// (Recovery, Logging, CORS-exemption) shape to a single narrow endpoint
// routed via gorilla/mux, with jsoniter for lenient JSON decode.
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"futuresbridge/internal/broker"
	"futuresbridge/internal/clockid"
	"futuresbridge/internal/execengine"
	"futuresbridge/internal/models"
	"futuresbridge/internal/repository"
	"futuresbridge/internal/signalstore"
	"futuresbridge/pkg/utils"

	"github.com/gorilla/mux"
)

var fastJSON = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBodyBytes = 1 << 16 // 64KB — a chart alert payload is a few hundred bytes

// PaperTrader is the non-blocking invocation contract spec.md §1 carries
// for paper-trading simulation: only its shape is specified, not its
// bookkeeping. A nil PaperTrader disables the fire-and-forget dispatch.
type PaperTrader interface {
	Execute(ctx context.Context, task execengine.Task)
}

// payload is the lenient webhook body. Qty/Quantity/Contracts/Size are
// pointers so field *presence* — not value — decides whether the caller
// specified a size; a present `0` is a deliberate, valid size (spec.md
// §4.8 step 7's key rule).
type payload struct {
	Action    string   `json:"action"`
	Symbol    string   `json:"symbol"`
	Price     *float64 `json:"price"`
	Qty       *float64 `json:"qty"`
	Quantity  *float64 `json:"quantity"`
	Contracts *float64 `json:"contracts"`
	Size      *float64 `json:"size"`
}

func (p payload) suppliedQty() (decimal.Decimal, bool) {
	for _, v := range []*float64{p.Qty, p.Quantity, p.Contracts, p.Size} {
		if v != nil {
			return decimal.NewFromFloat(*v), true
		}
	}
	return decimal.Zero, false
}

type response struct {
	Accepted bool    `json:"accepted"`
	Deduped  *bool   `json:"deduped,omitempty"`
	Reason   *string `json:"reason,omitempty"`
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

// Dispatcher is C11. It is stateless across requests except for the
// in-memory filter-chain counters and the signal dedup index, both of
// which are safe for concurrent use.
type Dispatcher struct {
	strategies *repository.StrategyRepository
	traders    *repository.TraderRepository
	signals    *signalstore.Store
	filters    *filterChain
	engine     *execengine.Engine
	paper      PaperTrader

	clock         clockid.Clock
	enqueueBudget time.Duration
	log           *utils.Logger
}

func New(strategies *repository.StrategyRepository, traders *repository.TraderRepository, positions *repository.PositionRepository, signals *signalstore.Store, engine *execengine.Engine, paper PaperTrader, clock clockid.Clock, enqueueBudget time.Duration, log *utils.Logger) *Dispatcher {
	return &Dispatcher{
		strategies:    strategies,
		traders:       traders,
		signals:       signals,
		filters:       newFilterChain(positions, clock),
		engine:        engine,
		paper:         paper,
		clock:         clock,
		enqueueBudget: enqueueBudget,
		log:           log.WithComponent("webhook"),
	}
}

// Register mounts the dispatcher on /webhook/{token}. The route is
// deliberately outside any auth/CORS subrouter — spec.md §6 requires it
// exempt from CSRF-style gating since the caller is a charting provider,
// not a browser.
func (d *Dispatcher) Register(router *mux.Router) {
	router.HandleFunc("/webhook/{token}", d.Handle).Methods(http.MethodPost)
}

func (d *Dispatcher) Handle(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	receivedAt := d.clock.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		d.writeJSON(w, http.StatusBadRequest, response{Accepted: false, Reason: strPtr("body_read_error")})
		return
	}

	var p payload
	if err := fastJSON.Unmarshal(body, &p); err != nil {
		d.writeJSON(w, http.StatusBadRequest, response{Accepted: false, Reason: strPtr("invalid_json")})
		return
	}
	action, ok := models.NormalizeAction(p.Action)
	if !ok || p.Symbol == "" {
		d.writeJSON(w, http.StatusBadRequest, response{Accepted: false, Reason: strPtr("invalid_payload")})
		return
	}

	ctx := r.Context()
	strategy, err := d.strategies.GetByWebhookToken(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		d.writeJSON(w, http.StatusNotFound, response{Accepted: false, Reason: strPtr("unknown_token")})
		return
	}
	if err != nil {
		d.log.Error("failed to resolve strategy by webhook token", utils.Err(err))
		d.writeJSON(w, http.StatusInternalServerError, response{Accepted: false, Reason: strPtr("internal_error")})
		return
	}
	log := d.log.WithStrategy(strategy.ID)

	webhookQty, qtyPresent := p.suppliedQty()
	var qtyPtr *decimal.Decimal
	if qtyPresent {
		qtyPtr = &webhookQty
	}

	dedupKey := models.DedupKey(token, action, p.Symbol, receivedAt)
	side := sideFor(action)

	var filterQty *decimal.Decimal
	if action.IsEntry() && qtyPresent {
		filterQty = qtyPtr
	}
	result, err := d.filters.evaluate(ctx, strategy, action, filterQty)
	if err != nil {
		log.Error("filter chain evaluation failed", utils.Err(err))
		d.writeJSON(w, http.StatusInternalServerError, response{Accepted: false, Reason: strPtr("internal_error")})
		return
	}
	if !result.pass {
		d.writeJSON(w, http.StatusOK, response{Accepted: false, Reason: strPtr(result.reason)})
		return
	}

	sig := &models.Signal{
		StrategyID:   strategy.ID,
		WebhookToken: token,
		ReceivedTs:   receivedAt,
		RawPayload:   body,
		Parsed: models.ParsedSignal{
			Action:     action,
			Symbol:     p.Symbol,
			Price:      p.Price,
			Qty:        floatPtr(webhookQty, qtyPresent),
			QtyPresent: qtyPresent,
		},
		DedupKey:    dedupKey,
		Side:        side,
		TrackStatus: models.SignalTrackOpen,
	}
	admitted, err := d.signals.Record(ctx, sig)
	if err != nil {
		log.Error("failed to record signal", utils.Err(err))
		d.writeJSON(w, http.StatusInternalServerError, response{Accepted: false, Reason: strPtr("internal_error")})
		return
	}
	if !admitted {
		d.writeJSON(w, http.StatusOK, response{Accepted: false, Deduped: boolPtr(true)})
		return
	}

	// tp_hit/sl_hit are accepted per spec.md §6 purely as chart-side
	// notifications — the broker's own bracket legs already closed the
	// position, so decide's precondition table (§4.7) has no action to take
	// and would just return nil. The signal is already recorded above (it's
	// part of the track/dedup history); skip the no-op trader fan-out.
	if action == models.ActionTPHit || action == models.ActionSLHit {
		d.writeJSON(w, http.StatusOK, response{Accepted: true})
		return
	}

	traders, err := d.traders.ListByStrategy(ctx, strategy.ID)
	if err != nil {
		log.Error("failed to list traders for strategy", utils.Err(err))
		d.writeJSON(w, http.StatusInternalServerError, response{Accepted: false, Reason: strPtr("internal_error")})
		return
	}

	referencePrice := decimal.Zero
	if p.Price != nil {
		referencePrice = decimal.NewFromFloat(*p.Price)
	}

	// Per-account enqueue is structured concurrency (spec.md §9): every
	// trader's task is started together and joined together, so one slow
	// enqueue never delays another account's signal.
	var wg sync.WaitGroup
	var queueFullMu sync.Mutex
	queueFull := false
	for _, trader := range traders {
		task := execengine.Task{
			Account:        broker.RefFor(trader.BrokerAccountID),
			AccountDBID:    trader.BrokerAccountID,
			StrategyID:     strategy.ID,
			Symbol:         p.Symbol,
			Settings:       trader.EffectiveSettings(strategy),
			Multiplier:     trader.Multiplier,
			Action:         action,
			ReferencePrice: referencePrice,
			WebhookQty:     qtyPtr,
			IdempotencyKey: dedupKey,
			EnqueuedAt:     receivedAt,
		}

		wg.Add(1)
		go func(trader *models.Trader, task execengine.Task) {
			defer wg.Done()
			enqueueCtx, cancel := context.WithTimeout(context.Background(), d.enqueueBudget)
			ok := d.engine.TrySubmit(enqueueCtx, task)
			cancel()
			if !ok {
				queueFullMu.Lock()
				queueFull = true
				queueFullMu.Unlock()
				log.Warn("broker task queue full, dropping task", utils.Int64("account_id", trader.BrokerAccountID))
			}

			if d.paper != nil {
				d.paper.Execute(context.Background(), task)
			}
		}(trader, task)
	}
	wg.Wait()

	if action.IsEntry() && !strategy.DCAEnabled {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.signals.CloseOpenForSide(ctx, strategy.ID, p.Symbol, side, sig.ID); err != nil {
				log.Error("failed to close prior open-tracked signal", utils.Err(err))
			}
		}()
	}

	if queueFull {
		d.writeJSON(w, http.StatusServiceUnavailable, response{Accepted: false, Reason: strPtr("queue_full")})
		return
	}
	d.writeJSON(w, http.StatusOK, response{Accepted: true})
}

func (d *Dispatcher) writeJSON(w http.ResponseWriter, status int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, err := fastJSON.Marshal(resp)
	if err != nil {
		d.log.Error("failed to marshal webhook response", utils.Err(err))
		return
	}
	_, _ = w.Write(body)
}

func sideFor(action models.Action) models.Side {
	if action == models.ActionSell {
		return models.SideShort
	}
	return models.SideLong
}

func floatPtr(d decimal.Decimal, present bool) *float64 {
	if !present {
		return nil
	}
	f, _ := d.Float64()
	return &f
}
