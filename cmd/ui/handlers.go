package main

import (
	"encoding/json"
	"net/http"
	"time"

	"arbion-trader-go/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// APIHandler holds dependencies for the reporting endpoints.
type APIHandler struct {
	log *zap.Logger
	db  *gorm.DB
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, db *gorm.DB) *APIHandler {
	return &APIHandler{log: log, db: db}
}

// TradesHandler returns all trades, most recent first. Optional ?user_id=
// narrows to one user.
func (h *APIHandler) TradesHandler(w http.ResponseWriter, r *http.Request) {
	query := h.db.Order("created_at desc")
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		query = query.Where("user_id = ?", userID)
	}

	var trades []models.Trade
	if err := query.Find(&trades).Error; err != nil {
		h.log.Error("Failed to get trades from database", zap.Error(err))
		http.Error(w, "Failed to get trades", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64           `json:"total_trades"`
	ClosedTrades     int64           `json:"closed_trades"`
	ProfitableTrades int64           `json:"profitable_trades"`
	WinRate          float64         `json:"win_rate"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// StatisticsHandler calculates and returns trading statistics.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	var allTrades []models.Trade
	if err := h.db.Find(&allTrades).Error; err != nil {
		h.log.Error("Failed to get trades for statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	since24h := time.Now().Add(-24 * time.Hour)

	stats24h := StatsDetail{}
	statsAllTime := StatsDetail{}

	for _, trade := range allTrades {
		accumulate(&statsAllTime, &trade)
		if trade.CreatedAt.After(since24h) {
			accumulate(&stats24h, &trade)
		}
	}

	finalize(&statsAllTime)
	finalize(&stats24h)

	response := StatisticsResponse{
		Since24h: stats24h,
		AllTime:  statsAllTime,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func accumulate(stats *StatsDetail, trade *models.Trade) {
	stats.TotalTrades++
	if trade.Status != models.StatusClosed {
		return
	}
	stats.ClosedTrades++
	stats.RealizedPnL = stats.RealizedPnL.Add(trade.RealizedPnL)
	if trade.RealizedPnL.IsPositive() {
		stats.ProfitableTrades++
	}
}

func finalize(stats *StatsDetail) {
	if stats.ClosedTrades > 0 {
		stats.WinRate = float64(stats.ProfitableTrades) / float64(stats.ClosedTrades)
	}
}
