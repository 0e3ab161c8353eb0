package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/songgen/internal/model"
	"github.com/makeasinger/songgen/internal/service"
)

// CallbackHandler receives provider webhooks. It always answers 200 so the
// provider never retries on our account; the body says what happened.
type CallbackHandler struct {
	ingest *service.IngestService
}

func NewCallbackHandler(ingest *service.IngestService) *CallbackHandler {
	return &CallbackHandler{ingest: ingest}
}

// Lyrics handles POST /callbacks/suno/lyrics
func (h *CallbackHandler) Lyrics(c *fiber.Ctx) error {
	return h.handle(c, model.PhaseLyrics)
}

// Music handles POST /callbacks/suno/music
func (h *CallbackHandler) Music(c *fiber.Ctx) error {
	return h.handle(c, model.PhaseMusic)
}

// Probe handles GET on the callback paths.
func (h *CallbackHandler) Probe(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"ok": true})
}

func (h *CallbackHandler) handle(c *fiber.Ctx, phase model.Phase) error {
	// fasthttp reuses the body buffer after the handler returns
	raw := append([]byte(nil), c.Body()...)

	res := h.ingest.HandleCallback(c.UserContext(), phase, raw, service.CallbackHint{JobID: c.Query("jobId")})
	return c.Status(fiber.StatusOK).JSON(model.CallbackResponse{
		OK:      res.Outcome != service.OutcomeRejected,
		Outcome: string(res.Outcome),
		Reason:  res.Reason,
		JobID:   res.JobID,
		Status:  res.Status,
	})
}
