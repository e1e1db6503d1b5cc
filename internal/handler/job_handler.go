package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/loandesk/internal/worker/delinquency"
	"github.com/hitoshi/loandesk/internal/worker/latefee"
)

// LateFeeRunner は延滞手数料スキャンを1回実行する。
type LateFeeRunner interface {
	RunOnce(ctx context.Context) (latefee.Result, error)
}

// DelinquencyRunner は延滞状況スキャンを1回実行する。
type DelinquencyRunner interface {
	RunOnce(ctx context.Context) (delinquency.Result, error)
}

// JobHandler は外部スケジューラーから呼ばれるバッチ起動エンドポイント。
type JobHandler struct {
	lateFees    LateFeeRunner
	delinquency DelinquencyRunner
	logger      *slog.Logger
}

// NewJobHandler はJobHandlerを生成する。
func NewJobHandler(lateFees LateFeeRunner, delinquency DelinquencyRunner, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		lateFees:    lateFees,
		delinquency: delinquency,
		logger:      logger,
	}
}

// RunLateFees は延滞手数料スキャンを実行し、集計結果を返す。
// GET|POST /jobs/late-fees
func (h *JobHandler) RunLateFees(w http.ResponseWriter, r *http.Request) {
	result, err := h.lateFees.RunOnce(r.Context())
	if err != nil {
		h.logger.Error("延滞手数料スキャンに失敗しました", slog.String("error", err.Error()))
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RunDelinquency は延滞状況スキャンを実行し、集計結果を返す。
// GET|POST /jobs/delinquency
func (h *JobHandler) RunDelinquency(w http.ResponseWriter, r *http.Request) {
	result, err := h.delinquency.RunOnce(r.Context())
	if err != nil {
		h.logger.Error("延滞状況スキャンに失敗しました", slog.String("error", err.Error()))
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
