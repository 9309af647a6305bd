package handler

import (
	"errors"
	"time"

	"realtime-bindings/internal/pkg/logger"
	"realtime-bindings/internal/pkg/serverutils"
	"realtime-bindings/internal/session"
	"realtime-bindings/pkg/db"
	"realtime-bindings/pkg/reactor"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const module = "RealtimeHandler"

type QueryOnceRequest struct {
	Query      reactor.Query  `json:"query" validate:"required"`
	RuleParams map[string]any `json:"ruleParams,omitempty"`
}

type TransactRequest struct {
	Chunks []reactor.TxChunk `json:"chunks" validate:"required,min=1,dive"`
}

type StatusResponse struct {
	Connection reactor.ConnectionStatus `json:"connection"`
	Sessions   int                      `json:"sessions"`
	User       *reactor.User            `json:"user,omitempty"`
}

// RealtimeHandler exposes the database over HTTP and websocket sessions.
type RealtimeHandler struct {
	db            *db.Database
	hub           *session.Hub
	logger        logger.ILogger
	sessionLogger logger.ILogger
	jwtSecret     string
	typingTimeout time.Duration
}

type Options struct {
	Logger        logger.ILogger
	SessionLogger logger.ILogger
	JWTSecret     string
	TypingTimeout time.Duration
}

func NewRealtimeHandler(database *db.Database, hub *session.Hub, opts Options) *RealtimeHandler {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	sessionLog := opts.SessionLogger
	if sessionLog == nil {
		sessionLog = log
	}
	return &RealtimeHandler{
		db:            database,
		hub:           hub,
		logger:        log,
		sessionLogger: sessionLog,
		jwtSecret:     opts.JWTSecret,
		typingTimeout: opts.TypingTimeout,
	}
}

func (h *RealtimeHandler) RegisterRoutes(r fiber.Router) {
	auth := serverutils.JwtMiddleware(h.jwtSecret)

	r.Get("/health", h.Health)
	r.Get("/status", h.Status)
	r.Post("/query-once", auth, h.QueryOnce)
	r.Post("/transact", auth, h.Transact)
	r.Get("/local-id/:name", auth, h.LocalID)
	r.Get("/logs", auth, h.Logs)
	r.Get("/ws", h.ServeWs)
}

func (h *RealtimeHandler) Health(ctx *fiber.Ctx) error {
	return ctx.JSON(serverutils.SuccessResponse("OK", fiber.Map{"time": time.Now().UTC()}))
}

func (h *RealtimeHandler) Status(ctx *fiber.Ctx) error {
	res := StatusResponse{
		Connection: h.db.Core().Status(),
		Sessions:   h.hub.Count(),
	}
	if user, err := h.db.GetAuth(ctx.UserContext()); err == nil {
		res.User = user
	}
	return ctx.JSON(serverutils.SuccessResponse("Status", res))
}

func (h *RealtimeHandler) QueryOnce(ctx *fiber.Ctx) error {
	var req QueryOnceRequest
	if err := ctx.BodyParser(&req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(serverutils.ErrorResponse(400, err.Error()))
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(serverutils.ErrorResponse(400, err.Error()))
	}

	var opts *reactor.QueryOptions
	if req.RuleParams != nil {
		opts = &reactor.QueryOptions{RuleParams: req.RuleParams}
	}
	res, err := h.db.QueryOnce(ctx.UserContext(), req.Query, opts)
	if errors.Is(err, db.ErrNotConnected) {
		return ctx.Status(fiber.StatusServiceUnavailable).JSON(serverutils.ErrorResponse(503, err.Error()))
	}
	if err != nil {
		return ctx.Status(fiber.StatusUnprocessableEntity).JSON(serverutils.ErrorResponse(422, err.Error()))
	}
	return ctx.JSON(serverutils.SuccessResponse("Query result", res))
}

func (h *RealtimeHandler) Transact(ctx *fiber.Ctx) error {
	var req TransactRequest
	if err := ctx.BodyParser(&req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(serverutils.ErrorResponse(400, err.Error()))
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(serverutils.ErrorResponse(400, err.Error()))
	}

	res, err := h.db.Transact(ctx.UserContext(), req.Chunks...)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Transaction accepted", res))
}

func (h *RealtimeHandler) LocalID(ctx *fiber.Ctx) error {
	id, err := h.db.GetLocalID(ctx.UserContext(), ctx.Params("name"))
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Local id", fiber.Map{"id": id}))
}

func (h *RealtimeHandler) Logs(ctx *fiber.Ctx) error {
	limit := ctx.QueryInt("limit", 50)
	offset := ctx.QueryInt("offset", 0)
	logs, err := h.logger.GetLogs(ctx.Query("level"), ctx.Query("module"), limit, offset)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Logs", logs))
}

// ServeWs upgrades to a websocket session. With a JWT secret configured the handshake
// must carry a token, in the query string or the Authorization header.
func (h *RealtimeHandler) ServeWs(ctx *fiber.Ctx) error {
	userID := ""
	if h.jwtSecret != "" {
		id, err := serverutils.ParseUserID(serverutils.TokenFromRequest(ctx), h.jwtSecret)
		if err != nil {
			h.logger.Warn(module, "Rejected websocket handshake", map[string]interface{}{"error": err})
			return ctx.Status(fiber.StatusUnauthorized).JSON(serverutils.ErrorResponse(401, err.Error()))
		}
		userID = id
	}

	if !websocket.IsWebSocketUpgrade(ctx) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(conn *websocket.Conn) {
		s := session.New(h.db, session.Options{
			UserID:        userID,
			TypingTimeout: h.typingTimeout,
			Logger:        h.sessionLogger,
		})
		h.sessionLogger.Info(module, "Starting websocket session", map[string]interface{}{"session_id": s.ID, "user_id": userID})
		session.Serve(h.hub, conn, s)
		h.sessionLogger.Info(module, "Websocket session ended", map[string]interface{}{"session_id": s.ID, "user_id": userID})
	})(ctx)
}
