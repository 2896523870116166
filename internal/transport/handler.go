package transport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-ticket-aggregator/internal/aggregation"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/auth"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/ticket"
)

// Submitter is satisfied by *aggregation.Actions.
type Submitter interface {
	ReceiveAggregationRequest(source ticket.PeerID, tickets []ticket.AcknowledgedTicket, requestID string) error
	ReceiveTicket(source ticket.PeerID, result aggregation.TicketResult, requestID string) error
}

// Handler serves the aggregation endpoints. Routes must sit behind auth.Middleware.
type Handler struct {
	actions Submitter
	pending *Pending
	log     *zap.Logger
}

func NewHandler(actions Submitter, pending *Pending, log *zap.Logger) *Handler {
	return &Handler{actions: actions, pending: pending, log: log}
}

// Register mounts the aggregation routes. rg is expected to be rooted at "/".
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST(PathRequest, h.handleRequest)
	rg.POST(PathReply, h.handleReply)
}

func (h *Handler) handleRequest(c *gin.Context) {
	peer, ok := auth.Peer(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var req AggregationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.RequestID == "" || len(req.Tickets) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_id and tickets are required"})
		return
	}

	if err := h.actions.ReceiveAggregationRequest(peer, req.Tickets, req.RequestID); err != nil {
		h.submitFailed(c, err)
		return
	}
	h.log.Debug("aggregation request accepted",
		zap.String("peer", string(peer)),
		zap.String("request_id", req.RequestID),
		zap.Int("tickets", len(req.Tickets)),
	)
	c.JSON(http.StatusAccepted, gin.H{"request_id": req.RequestID})
}

func (h *Handler) handleReply(c *gin.Context) {
	peer, ok := auth.Peer(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var reply AggregationReply
	if err := c.ShouldBindJSON(&reply); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reply body"})
		return
	}
	if reply.RequestID == "" || (reply.Ticket == nil) == (reply.Error == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_id and exactly one of ticket or error are required"})
		return
	}
	if !h.pending.Take(reply.RequestID, peer) {
		c.JSON(http.StatusConflict, gin.H{"error": "no pending request"})
		return
	}

	result := aggregation.TicketResult{Ticket: reply.Ticket, Err: reply.Error}
	if err := h.actions.ReceiveTicket(peer, result, reply.RequestID); err != nil {
		h.submitFailed(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"request_id": reply.RequestID})
}

func (h *Handler) submitFailed(c *gin.Context, err error) {
	switch {
	case errors.Is(err, aggregation.ErrRetry):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy, retry later"})
	case errors.Is(err, aggregation.ErrTransportClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
	default:
		h.log.Error("submit aggregation command", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
