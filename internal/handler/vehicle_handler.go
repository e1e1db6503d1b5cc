package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/loandesk/internal/model"
	"github.com/hitoshi/loandesk/internal/vin"
)

// VehicleDecoder はVINデコードのインターフェース。
type VehicleDecoder interface {
	Decode(ctx context.Context, raw string) (*vin.Vehicle, error)
}

// VehicleHandler は車両情報のHTTPハンドラー。
type VehicleHandler struct {
	decoder VehicleDecoder
	logger  *slog.Logger
}

// NewVehicleHandler はVehicleHandlerを生成する。
func NewVehicleHandler(decoder VehicleDecoder, logger *slog.Logger) *VehicleHandler {
	return &VehicleHandler{decoder: decoder, logger: logger}
}

// DecodeVIN はVINから車両情報を返す。
// GET /api/vehicles/{vin}
func (h *VehicleHandler) DecodeVIN(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "vin")
	if err := vin.Validate(vin.Normalize(raw)); err != nil {
		handleServiceError(w, err)
		return
	}

	vehicle, err := h.decoder.Decode(r.Context(), raw)
	if err != nil {
		if model.IsCategory(err, model.CategoryValidation) {
			handleServiceError(w, err)
			return
		}
		h.logger.Error("VINデコードに失敗しました",
			slog.String("vin", vin.Normalize(raw)),
			slog.String("error", err.Error()),
		)
		handleServiceError(w, model.NewProviderError("vehicle decoder"))
		return
	}
	writeJSON(w, http.StatusOK, vehicle)
}
