package analysis

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chess_lore/internal/bootstrap"
	domain "chess_lore/internal/domain/analysis"
	errs "chess_lore/internal/errors"
	"chess_lore/internal/httpresponse"
	analysisuc "chess_lore/internal/usecase/analysis"
	"chess_lore/internal/utils"
)

type AnalysisService interface {
	Analyze(ctx context.Context, game domain.Game, progress analysisuc.ProgressFunc) domain.EngineInsight
	Lookup(ctx context.Context, hash string) (*domain.GameAnalysisResult, error)
}

type AnalyzeGameRequest struct {
	PGN string `json:"pgn"`
}

// AnalyzeGameResponse always carries a 200: missing engine data is reported
// through Degraded and Message instead of an error status.
type AnalyzeGameResponse struct {
	EngineData *domain.GameAnalysisResult `json:"engine_data"`
	Degraded   bool                       `json:"degraded"`
	Message    string                     `json:"message,omitempty"`
}

type streamFrame struct {
	Type     string               `json:"type"`
	Progress *domain.Progress     `json:"progress,omitempty"`
	Result   *AnalyzeGameResponse `json:"result,omitempty"`
	Message  string               `json:"message,omitempty"`
}

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type AnalysisHandler struct {
	cfg     bootstrap.Config
	log     *zap.SugaredLogger
	service AnalysisService
}

func NewAnalysisHandler(cfg bootstrap.Config, log *zap.SugaredLogger, service AnalysisService) *AnalysisHandler {
	return &AnalysisHandler{
		cfg:     cfg,
		log:     log,
		service: service,
	}
}

func toResponse(insight domain.EngineInsight) AnalyzeGameResponse {
	return AnalyzeGameResponse{
		EngineData: insight.Analysis,
		Degraded:   !insight.Available(),
		Message:    insight.DegradedReason,
	}
}

// parseGame returns a user-facing description when the PGN is unusable.
func parseGame(pgn string) (domain.Game, string) {
	if strings.TrimSpace(pgn) == "" {
		return domain.Game{}, httpresponse.MISSINGPGN_errorDesc
	}
	game, err := analysisuc.MovesFromPGN(pgn)
	if err != nil {
		if errors.Is(err, errs.ErrEmptyGame) {
			return domain.Game{}, "game has no moves"
		}
		return domain.Game{}, httpresponse.INVALIDPGN_errorDesc
	}
	return game, ""
}

func (h *AnalysisHandler) HandleAnalyzeGame(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeGameRequest
	if err := utils.DecodeJSONRequest(r, &req); err != nil {
		h.log.Warnw("bad analyze request", "error", err)
		httpresponse.WriteErrorResponse(w, http.StatusBadRequest, httpresponse.MALFORMEDJSON_errorDesc)
		return
	}

	game, desc := parseGame(req.PGN)
	if desc != "" {
		httpresponse.WriteErrorResponse(w, http.StatusBadRequest, desc)
		return
	}

	insight := h.service.Analyze(r.Context(), game, nil)
	httpresponse.WriteResponseWithStatus(w, http.StatusOK, toResponse(insight))
}

func (h *AnalysisHandler) HandleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	result, err := h.service.Lookup(r.Context(), hash)
	if errors.Is(err, errs.ErrAnalysisNotFound) {
		httpresponse.WriteErrorResponse(w, http.StatusNotFound, httpresponse.NOTFOUND_errorDesc)
		return
	}
	if err != nil {
		h.log.Errorw("analysis lookup failed", "game", hash, "error", err)
		httpresponse.WriteInternalErrorResponse(w)
		return
	}
	httpresponse.WriteResponseWithStatus(w, http.StatusOK, result)
}

type endpointDescription struct {
	Endpoint  string            `json:"endpoint"`
	Method    string            `json:"method"`
	Body      map[string]string `json:"body"`
	RateLimit map[string]any    `json:"rate_limit"`
	CacheTTL  string            `json:"cache_ttl"`
}

func (h *AnalysisHandler) HandleDescribe(w http.ResponseWriter, r *http.Request) {
	httpresponse.WriteResponseWithStatus(w, http.StatusOK, endpointDescription{
		Endpoint: "analyzeGame",
		Method:   http.MethodPost,
		Body:     map[string]string{"pgn": "PGN text of the game to analyze"},
		RateLimit: map[string]any{
			"window":       h.cfg.RateLimitWindow.String(),
			"max_requests": h.cfg.RateLimitRequests,
		},
		CacheTTL: h.cfg.CacheTTL.String(),
	})
}

// HandleAnalyzeStream reads one {"pgn"} message, then streams progress
// frames and a final result frame. Closing the socket abandons the analysis.
func (h *AnalysisHandler) HandleAnalyzeStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("upgrade error", "error", err)
		return
	}
	defer conn.Close()

	var req AnalyzeGameRequest
	if err := conn.ReadJSON(&req); err != nil {
		h.log.Warnw("read error", "error", err)
		return
	}

	game, desc := parseGame(req.PGN)
	if desc != "" {
		h.writeFrame(conn, streamFrame{Type: "error", Message: desc})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client has nothing more to say; a read error means it went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	insight := h.service.Analyze(ctx, game, func(p domain.Progress) {
		h.writeFrame(conn, streamFrame{Type: "progress", Progress: &p})
	})

	resp := toResponse(insight)
	h.writeFrame(conn, streamFrame{Type: "result", Result: &resp})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

func (h *AnalysisHandler) writeFrame(conn *websocket.Conn, frame streamFrame) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		h.log.Debugw("write error", "type", frame.Type, "error", err)
	}
}
