package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
	"github.com/vladislavdragonenkov/posreserve/internal/service/terminal"
)

const maxBodyBytes = 1 << 20

type addLineRequest struct {
	ProductID string  `json:"product_id"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	Name      string  `json:"name,omitempty"`
	Unit      string  `json:"unit,omitempty"`
}

type updateLineRequest struct {
	Quantity  *float64 `json:"quantity,omitempty"`
	UnitPrice *float64 `json:"unit_price,omitempty"`
}

type watchRequest struct {
	ProductIDs []string `json:"product_ids"`
}

type decisionResponse struct {
	domain.Decision
	Message string              `json:"message"`
	Stock   *terminal.StockView `json:"stock,omitempty"`
}

type cartResponse struct {
	TerminalID string            `json:"terminal_id"`
	SessionID  string            `json:"session_id"`
	Lines      []domain.CartLine `json:"lines"`
	Total      float64           `json:"total"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) session(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"terminal_id": h.terminal.TerminalID(),
		"session_id":  h.terminal.SessionID(),
	})
}

func (h *handler) stockList(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.terminal.StockViews())
}

func (h *handler) stockOne(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.terminal.StockView(mux.Vars(r)["productID"]))
}

func (h *handler) watch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.terminal.Watch(req.ProductIDs...)
	h.terminal.SyncReservations(r.Context())
	h.writeJSON(w, http.StatusOK, h.terminal.StockViews())
}

func (h *handler) reloadCatalog(w http.ResponseWriter, r *http.Request) {
	if err := h.terminal.LoadCatalog(r.Context()); err != nil {
		h.logger.WithError(err).Warn("catalog reload failed")
		h.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.terminal.StockViews())
}

func (h *handler) sync(w http.ResponseWriter, r *http.Request) {
	result := h.terminal.SyncReservations(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"products":        result.Products,
		"stale_terminals": result.StaleTerminals,
		"changed":         result.Changed,
	})
}

func (h *handler) cart(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cartBody())
}

func (h *handler) addLine(w http.ResponseWriter, r *http.Request) {
	var req addLineRequest
	if !h.decode(w, r, &req) {
		return
	}
	var opts []terminal.LineOption
	if req.Name != "" {
		opts = append(opts, terminal.WithName(req.Name))
	}
	if req.Unit != "" {
		opts = append(opts, terminal.WithUnit(req.Unit))
	}
	decision, err := h.terminal.AddLine(r.Context(), req.ProductID, req.Quantity, req.UnitPrice, opts...)
	h.writeDecision(w, req.ProductID, decision, err)
}

func (h *handler) updateLine(w http.ResponseWriter, r *http.Request) {
	productID := mux.Vars(r)["productID"]
	var req updateLineRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Quantity == nil && req.UnitPrice == nil {
		h.writeError(w, http.StatusBadRequest, errors.New("quantity or unit_price is required"))
		return
	}

	decision := domain.Accept(nil)
	var err error
	if req.Quantity != nil {
		decision, err = h.terminal.UpdateLineQuantity(r.Context(), productID, *req.Quantity)
		if err != nil || !decision.Accepted {
			h.writeDecision(w, productID, decision, err)
			return
		}
	}
	if req.UnitPrice != nil {
		priceDecision, priceErr := h.terminal.UpdateLinePrice(r.Context(), productID, *req.UnitPrice)
		if priceErr != nil || !priceDecision.Accepted {
			h.writeDecision(w, productID, priceDecision, priceErr)
			return
		}
	}
	h.writeDecision(w, productID, decision, nil)
}

func (h *handler) removeLine(w http.ResponseWriter, r *http.Request) {
	productID := mux.Vars(r)["productID"]
	decision, err := h.terminal.RemoveLine(r.Context(), productID)
	h.writeDecision(w, productID, decision, err)
}

func (h *handler) clearCart(w http.ResponseWriter, r *http.Request) {
	h.terminal.ClearCart(r.Context())
	h.writeJSON(w, http.StatusOK, h.cartBody())
}

func (h *handler) commit(w http.ResponseWriter, r *http.Request) {
	lines, err := h.terminal.CommitSale(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("commit sale failed")
		h.writeError(w, statusForError(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"committed": lines})
}

func (h *handler) getField(w http.ResponseWriter, r *http.Request) {
	value, ok := h.terminal.Field(mux.Vars(r)["key"])
	if !ok {
		h.writeError(w, http.StatusNotFound, errors.New("session field not found"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

func (h *handler) putField(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.terminal.SetField(r.Context(), mux.Vars(r)["key"], body); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) deleteField(w http.ResponseWriter, r *http.Request) {
	if err := h.terminal.SetField(r.Context(), mux.Vars(r)["key"], nil); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) cartBody() cartResponse {
	lines := h.terminal.Cart()
	if lines == nil {
		lines = []domain.CartLine{}
	}
	return cartResponse{
		TerminalID: h.terminal.TerminalID(),
		SessionID:  h.terminal.SessionID(),
		Lines:      lines,
		Total:      h.terminal.Total(),
	}
}

func (h *handler) writeDecision(w http.ResponseWriter, productID string, decision domain.Decision, err error) {
	if err != nil {
		h.logger.WithField("product_id", productID).WithError(err).Warn("cart operation failed")
		h.writeError(w, statusForError(err), err)
		return
	}
	resp := decisionResponse{Decision: decision, Message: decision.Message()}
	if id := domain.NormalizeProductID(productID); id != "" {
		view := h.terminal.StockView(id)
		resp.Stock = &view
	}
	h.writeJSON(w, statusForDecision(decision), resp)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("write response")
	}
}

func (h *handler) writeError(w http.ResponseWriter, code int, err error) {
	h.writeJSON(w, code, errorResponse{Error: strings.TrimSpace(err.Error())})
}

func statusForDecision(d domain.Decision) int {
	if d.Accepted {
		return http.StatusOK
	}
	switch d.Reason {
	case domain.RejectInsufficientStock:
		return http.StatusConflict
	case domain.RejectLineNotFound, domain.RejectUnknownProduct:
		return http.StatusNotFound
	default:
		return http.StatusUnprocessableEntity
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStockQtyInvalid), errors.Is(err, domain.ErrReservedField):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCartEmpty):
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}
