package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/ledger"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/redemption"
	vaulterrors "github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/errors"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/models"
)

// --- request/response payloads ---

type depositRequest struct {
	Asset    string `json:"asset" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
	Receiver string `json:"receiver" binding:"required"`
}

type submitRedemptionRequest struct {
	Owner          string `json:"owner" binding:"required"`
	ShareAmount    string `json:"share_amount" binding:"required"`
	MinAssetsOut   string `json:"min_assets_out" binding:"required"`
	Nonce          uint64 `json:"nonce"`
	Deadline       int64  `json:"deadline" binding:"required"`
	Signature      string `json:"signature" binding:"required"`
	ExpectedAssets string `json:"expected_assets"`
	Priority       int    `json:"priority"`
}

type withdrawRequest struct {
	Owner  string `json:"owner" binding:"required"`
	Shares string `json:"shares" binding:"required"`
}

type transferRequest struct {
	From   string `json:"from" binding:"required"`
	To     string `json:"to" binding:"required"`
	Shares string `json:"shares" binding:"required"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type navUpdateRequest struct {
	Price  string `json:"price" binding:"required"`
	Source string `json:"source" binding:"required"`
}

type deviationRequest struct {
	Bps int64 `json:"bps" binding:"required"`
}

type updaterRequest struct {
	Address    string `json:"address" binding:"required"`
	Authorized bool   `json:"authorized"`
}

type liquidityRequest struct {
	Amount string `json:"amount" binding:"required"`
	To     string `json:"to"`
}

type addAssetRequest struct {
	Address          string `json:"address" binding:"required"`
	Symbol           string `json:"symbol" binding:"required"`
	ReportedDecimals int32  `json:"reported_decimals"`
	RequiredDecimals int32  `json:"required_decimals"`
}

// redemptionResponse is the API view of a request. Monetary fields are
// decimal-string-encoded integers; status reflects lazy expiry.
type redemptionResponse struct {
	ID              string     `json:"id"`
	Owner           string     `json:"owner"`
	Deployment      string     `json:"deployment"`
	ShareAmount     string     `json:"share_amount"`
	MinAssetsOut    string     `json:"min_assets_out"`
	Nonce           uint64     `json:"nonce"`
	Deadline        int64      `json:"deadline"`
	Status          string     `json:"status"`
	Priority        int        `json:"priority"`
	QueuePosition   int64      `json:"queue_position"`
	RetryCount      int        `json:"retry_count"`
	SettledAmount   string     `json:"settled_amount"`
	SettlementTxRef string     `json:"settlement_tx_ref,omitempty"`
	OperatorNotes   string     `json:"operator_notes,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func toRedemptionResponse(req *models.RedemptionRequest) redemptionResponse {
	return redemptionResponse{
		ID:              req.ID.String(),
		Owner:           req.Owner,
		Deployment:      req.Deployment,
		ShareAmount:     req.ShareAmount.String(),
		MinAssetsOut:    req.MinAssetsOut.String(),
		Nonce:           req.Nonce,
		Deadline:        req.Deadline.Unix(),
		Status:          string(redemption.EffectiveStatus(req)),
		Priority:        req.Priority,
		QueuePosition:   req.QueuePosition,
		RetryCount:      req.RetryCount,
		SettledAmount:   req.SettledAmount.String(),
		SettlementTxRef: req.SettlementTxRef,
		OperatorNotes:   req.OperatorNotes,
		RejectionReason: req.RejectionReason,
		CreatedAt:       req.CreatedAt,
		ProcessedAt:     req.ProcessedAt,
		CompletedAt:     req.CompletedAt,
	}
}

func parseAmount(raw string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsInteger() {
		return decimal.Zero, false
	}
	return d, true
}

func (s *Server) badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_FAILED", "message": message})
}

// --- deposit interface ---

func (s *Server) handleDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		s.badRequest(c, "amount must be a decimal-string integer")
		return
	}

	shares, err := s.ledger.DepositCollateral(c.Request.Context(), req.Asset, amount, req.Receiver)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"asset":         req.Asset,
		"amount":        amount.String(),
		"receiver":      req.Receiver,
		"shares_issued": shares.String(),
	})
}

func (s *Server) handlePreviewDeposit(c *gin.Context) {
	asset := c.Query("asset")
	amount, ok := parseAmount(c.Query("amount"))
	if asset == "" || !ok {
		s.badRequest(c, "asset and integer amount query parameters are required")
		return
	}
	shares, err := s.ledger.PreviewDeposit(c.Request.Context(), asset, amount)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": asset, "amount": amount.String(), "shares": shares.String()})
}

// handleWithdraw attempts a direct withdrawal. With the redirect rule
// installed this answers 202 with the queued redemption id.
func (s *Server) handleWithdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	shares, ok := parseAmount(req.Shares)
	if !ok {
		s.badRequest(c, "shares must be a decimal-string integer")
		return
	}

	id, err := s.ledger.Withdraw(c.Request.Context(), req.Owner, shares)
	if err != nil {
		if vaulterrors.Is(err, ledger.ErrWithdrawalQueued) {
			c.JSON(http.StatusAccepted, gin.H{
				"code":       "WITHDRAWAL_QUEUED",
				"message":    err.Error(),
				"request_id": id.String(),
			})
			return
		}
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": req.Owner, "shares": shares.String(), "settled": true})
}

func (s *Server) handleTransfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	shares, ok := parseAmount(req.Shares)
	if !ok {
		s.badRequest(c, "shares must be a decimal-string integer")
		return
	}
	if err := s.ledger.TransferShares(c.Request.Context(), req.From, req.To, shares); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"from": req.From, "to": req.To, "shares": shares.String()})
}

// --- redemption interface ---

func (s *Server) handleSubmitRedemption(c *gin.Context) {
	var req submitRedemptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	shareAmount, ok := parseAmount(req.ShareAmount)
	if !ok {
		s.badRequest(c, "share_amount must be a decimal-string integer")
		return
	}
	minAssetsOut, ok := parseAmount(req.MinAssetsOut)
	if !ok {
		s.badRequest(c, "min_assets_out must be a decimal-string integer")
		return
	}
	signature := common.FromHex(req.Signature)
	if len(signature) == 0 {
		s.badRequest(c, "signature must be hex encoded")
		return
	}

	created, err := s.queue.Submit(c.Request.Context(), redemption.SubmitParams{
		Owner:        req.Owner,
		ShareAmount:  shareAmount,
		MinAssetsOut: minAssetsOut,
		Nonce:        req.Nonce,
		Deadline:     time.Unix(req.Deadline, 0),
		Signature:    signature,
		Priority:     req.Priority,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	resp := gin.H{"request": toRedemptionResponse(created)}
	if req.ExpectedAssets != "" {
		resp["expected_assets"] = req.ExpectedAssets
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleListRedemptions(c *gin.Context) {
	page := intQuery(c, "page", 1)
	limit := intQuery(c, "limit", 20)
	status := models.RedemptionStatus(c.Query("status"))
	owner := c.Query("owner")

	reqs, total, err := s.queue.List(c.Request.Context(), status, owner, page, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	out := make([]redemptionResponse, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, toRedemptionResponse(req))
	}
	c.JSON(http.StatusOK, gin.H{"requests": out, "total": total, "page": page, "limit": limit})
}

func (s *Server) handleGetRedemption(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.badRequest(c, "malformed request id")
		return
	}
	req, err := s.queue.Get(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": toRedemptionResponse(req)})
}

func (s *Server) handleCancelRedemption(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.badRequest(c, "malformed request id")
		return
	}
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.queue.Cancel(c.Request.Context(), id, req.Reason, s.authFrom(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id.String(), "status": string(models.RedemptionCancelled)})
}

// --- operator interface ---

func (s *Server) handleApproveRedemption(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.badRequest(c, "malformed request id")
		return
	}
	if err := s.queue.Approve(c.Request.Context(), id, s.authFrom(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id.String(), "status": string(models.RedemptionApproved)})
}

func (s *Server) handleRejectRedemption(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.badRequest(c, "malformed request id")
		return
	}
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.queue.Reject(c.Request.Context(), id, req.Reason, s.authFrom(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id.String(), "status": string(models.RedemptionRejected)})
}

func (s *Server) handleSettleRedemption(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.badRequest(c, "malformed request id")
		return
	}
	if err := s.queue.Settle(c.Request.Context(), id, s.authFrom(c)); err != nil {
		// Slippage and liquidity deferrals include the current NAV so the
		// owner can decide whether to wait, resubmit, or cancel.
		if vaulterrors.Is(err, redemption.ErrSlippageExceeded) || vaulterrors.Is(err, redemption.ErrInsufficientLiquidity) {
			body := gin.H{"code": vaulterrors.CodeOf(err), "message": err.Error(), "status": string(models.RedemptionApproved)}
			if nav, navErr := s.reporter.Current(c.Request.Context()); navErr == nil {
				body["current_nav"] = nav.Price.String()
				body["nav_round"] = nav.Round
			}
			c.JSON(vaulterrors.HTTPStatus(err), body)
			return
		}
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id.String(), "status": string(models.RedemptionCompleted)})
}

func (s *Server) handleRetryRedemption(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.badRequest(c, "malformed request id")
		return
	}
	if err := s.queue.Retry(c.Request.Context(), id, s.authFrom(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id.String(), "status": string(models.RedemptionApproved)})
}

func (s *Server) handleUpdateNav(c *gin.Context) {
	var req navUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	price, ok := parseAmount(req.Price)
	if !ok {
		s.badRequest(c, "price must be a decimal-string integer")
		return
	}
	round, err := s.reporter.Update(c.Request.Context(), price, req.Source, s.authFrom(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"round": round, "price": price.String()})
}

func (s *Server) handleGetNav(c *gin.Context) {
	nav, err := s.reporter.Current(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"round":             nav.Round,
		"price":             nav.Price.String(),
		"source":            nav.Source,
		"max_deviation_bps": nav.MaxDeviationBps,
		"updated_at":        nav.CreatedAt,
	})
}

func (s *Server) handleSetDeviation(c *gin.Context) {
	var req deviationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if err := s.reporter.SetMaxDeviation(c.Request.Context(), req.Bps, s.authFrom(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"max_deviation_bps": req.Bps})
}

func (s *Server) handleSetUpdater(c *gin.Context) {
	var req updaterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if err := s.reporter.SetUpdater(c.Request.Context(), req.Address, req.Authorized, s.authFrom(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": req.Address, "authorized": req.Authorized})
}

func (s *Server) handleAddLiquidity(c *gin.Context) {
	var req liquidityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		s.badRequest(c, "amount must be a decimal-string integer")
		return
	}
	if err := s.ledger.AddLiquidity(c.Request.Context(), amount, s.authFrom(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"amount": amount.String()})
}

func (s *Server) handleRemoveLiquidity(c *gin.Context) {
	var req liquidityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		s.badRequest(c, "amount must be a decimal-string integer")
		return
	}
	if req.To == "" {
		s.badRequest(c, "destination address is required")
		return
	}
	if err := s.ledger.RemoveLiquidity(c.Request.Context(), amount, req.To, s.authFrom(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"amount": amount.String(), "to": req.To})
}

func (s *Server) handleAddAsset(c *gin.Context) {
	var req addAssetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if err := s.registry.AddAsset(c.Request.Context(), req.Address, req.Symbol, req.ReportedDecimals, req.RequiredDecimals, s.authFrom(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": req.Address, "symbol": req.Symbol})
}

func (s *Server) handleRemoveAsset(c *gin.Context) {
	address := c.Param("address")
	if err := s.registry.RemoveAsset(c.Request.Context(), address, s.authFrom(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": address, "active": false})
}

func (s *Server) handleListAssets(c *gin.Context) {
	assets, err := s.registry.List(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets})
}

func (s *Server) handleStats(c *gin.Context) {
	snapshot, err := s.stats.Deployment(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
