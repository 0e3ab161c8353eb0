package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/makeasinger/songgen/internal/middleware"
	"github.com/makeasinger/songgen/internal/model"
	"github.com/makeasinger/songgen/internal/service"
	"github.com/makeasinger/songgen/internal/store"
	"github.com/makeasinger/songgen/pkg/response"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type SongHandler struct {
	service   *service.GenerationService
	validator *validator.Validate
	logger    *zap.Logger
}

func NewSongHandler(svc *service.GenerationService, v *validator.Validate, logger *zap.Logger) *SongHandler {
	return &SongHandler{
		service:   svc,
		validator: v,
		logger:    logger.Named("song-handler"),
	}
}

// Start handles POST /api/songs
// @Summary      Start a song
// @Description  Admit the caller and dispatch the lyrics phase of a new song
// @Tags         Songs
// @Accept       json
// @Produce      json
// @Param        request body model.StartSongRequest true "Song brief"
// @Success      202 {object} model.SongResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/songs [post]
func (h *SongHandler) Start(c *fiber.Ctx) error {
	var req model.StartSongRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := h.service.StartLyrics(c.UserContext(), middleware.GetUserID(c), middleware.GetUserTier(c), &req)
	if err != nil {
		return h.fail(c, err)
	}
	return response.Accepted(c, model.NewSongResponse(job))
}

// SelectLyrics handles POST /api/songs/:songId/select-lyrics
// @Summary      Select lyrics
// @Description  Choose a lyric variant and dispatch the music phase
// @Tags         Songs
// @Accept       json
// @Produce      json
// @Param        songId path string true "Song ID"
// @Param        request body model.SelectLyricsRequest true "Selection"
// @Success      202 {object} model.SongResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/songs/{songId}/select-lyrics [post]
func (h *SongHandler) SelectLyrics(c *fiber.Ctx) error {
	var req model.SelectLyricsRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := h.service.SelectLyrics(c.UserContext(), middleware.GetUserID(c), middleware.GetUserTier(c), c.Params("songId"), &req)
	if err != nil {
		return h.fail(c, err)
	}
	return response.Accepted(c, model.NewSongResponse(job))
}

// Retry handles POST /api/songs/:songId/retry
// @Summary      Retry a phase
// @Description  Re-dispatch the lyrics or music phase of a ready or failed song
// @Tags         Songs
// @Accept       json
// @Produce      json
// @Param        songId path string true "Song ID"
// @Param        request body model.RetryRequest true "Phase to retry"
// @Success      202 {object} model.SongResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/songs/{songId}/retry [post]
func (h *SongHandler) Retry(c *fiber.Ctx) error {
	var req model.RetryRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := h.service.Retry(c.UserContext(), middleware.GetUserID(c), middleware.GetUserTier(c), c.Params("songId"), req.Phase)
	if err != nil {
		return h.fail(c, err)
	}
	return response.Accepted(c, model.NewSongResponse(job))
}

// Get handles GET /api/songs/:songId
// @Summary      Get a song
// @Tags         Songs
// @Produce      json
// @Param        songId path string true "Song ID"
// @Success      200 {object} model.SongResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/songs/{songId} [get]
func (h *SongHandler) Get(c *fiber.Ctx) error {
	job, err := h.service.Get(c.UserContext(), middleware.GetUserID(c), c.Params("songId"))
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, model.NewSongResponse(job))
}

// List handles GET /api/songs
// @Summary      List songs
// @Tags         Songs
// @Produce      json
// @Param        limit query int false "Maximum songs returned"
// @Success      200 {object} model.SongListResponse
// @Security     BearerAuth
// @Router       /api/songs [get]
func (h *SongHandler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	jobs, err := h.service.List(c.UserContext(), middleware.GetUserID(c), limit)
	if err != nil {
		return h.fail(c, err)
	}

	out := model.SongListResponse{Songs: make([]*model.SongResponse, 0, len(jobs))}
	for _, j := range jobs {
		out.Songs = append(out.Songs, model.NewSongResponse(j))
	}
	return response.OK(c, out)
}

// Admission handles GET /api/songs/admission
// @Summary      Admission status
// @Description  Report how many more generations the caller may start now
// @Tags         Songs
// @Produce      json
// @Success      200 {object} model.AdmissionDecision
// @Security     BearerAuth
// @Router       /api/songs/admission [get]
func (h *SongHandler) Admission(c *fiber.Ctx) error {
	decision, err := h.service.Admission(c.UserContext(), middleware.GetUserID(c), middleware.GetUserTier(c))
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, decision)
}

// LyricsTask handles GET /api/lyrics/tasks/:taskId
// @Summary      Lyrics task status
// @Tags         Songs
// @Produce      json
// @Param        taskId path string true "Provider task ID"
// @Success      200 {object} model.LyricsTaskResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/lyrics/tasks/{taskId} [get]
func (h *SongHandler) LyricsTask(c *fiber.Ctx) error {
	resp, err := h.service.LyricsTaskStatus(c.UserContext(), middleware.GetUserID(c), c.Params("taskId"))
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, resp)
}

// AuthorizeSubscription lets a websocket upgrade through only for the
// song's owner.
func (h *SongHandler) AuthorizeSubscription(c *fiber.Ctx) error {
	if _, err := h.service.Get(c.UserContext(), middleware.GetUserID(c), c.Params("songId")); err != nil {
		return h.fail(c, err)
	}
	return c.Next()
}

// fail maps service errors onto response envelopes.
func (h *SongHandler) fail(c *fiber.Ctx, err error) error {
	var denied *service.AdmissionDeniedError
	var dispatch *service.DispatchError

	switch {
	case errors.As(err, &denied):
		return response.AdmissionDenied(c, "Too many songs in progress", denied.Decision)
	case errors.As(err, &dispatch):
		h.logger.Warn("provider dispatch failed", zap.String("phase", string(dispatch.Phase)), zap.Error(dispatch.Err))
		return response.ProviderError(c, "Song provider request failed")
	case errors.Is(err, store.ErrJobNotFound):
		return response.NotFound(c, "Song not found")
	case errors.Is(err, service.ErrNotOwner):
		return response.Forbidden(c, "Song belongs to another user")
	case errors.Is(err, model.ErrVariantNotFound), errors.Is(err, model.ErrNoLyricsSelected):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, model.ErrInvalidTransition):
		return response.Conflict(c, err.Error())
	default:
		h.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		return response.ServiceError(c, "Internal error")
	}
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		out := make(map[string]string, len(validationErrors))
		for _, e := range validationErrors {
			out[e.Field()] = e.Tag()
		}
		return out
	}
	return nil
}
