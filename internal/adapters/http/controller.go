package http

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/speechgate/internal/domain"
)

// Controller is the session surface the API drives.
type Controller interface {
	StartRemoteSpeech(requestID, name string)
	StopRemoteSpeech(requestID string)
	Participants() []domain.Publisher

	SetSendAudio(bool)
	SetSendVideo(bool)
	SetSendScreen(bool)
	SetScreenFramerate(int)
	SetScreenBitrate(int)
	SetReceiveAudio(bool)
	SetReceiveVideo(bool)

	SendStreamAction(domain.StreamAction)
}

type API struct {
	ctl     Controller
	hub     *EventHub
	limiter *RateLimiter
}

// NewAPI builds the handlers. A nil limiter admits every request.
func NewAPI(ctl Controller, hub *EventHub, limiter *RateLimiter) *API {
	return &API{ctl: ctl, hub: hub, limiter: limiter}
}

type speechRequest struct {
	Name string `json:"name"`
}

func (a *API) startSpeech(c *gin.Context) {
	id := c.Param("id")
	var req speechRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	name, err := domain.NormalizeDisplayName(req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if a.limiter != nil && !a.limiter.Allow(c.GetString("client_token")) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many speech requests"})
		return
	}

	log.Info().Str("module", "adapters.http").Str("request", id).Str("name", name).Msg("speech request")
	a.ctl.StartRemoteSpeech(id, name)
	c.JSON(http.StatusAccepted, gin.H{"request_id": id})
}

func (a *API) stopSpeech(c *gin.Context) {
	id := c.Param("id")
	log.Info().Str("module", "adapters.http").Str("request", id).Msg("speech stop")
	a.ctl.StopRemoteSpeech(id)
	c.Status(http.StatusNoContent)
}

func (a *API) participants(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"participants": a.ctl.Participants()})
}

// mediaRequest carries only the toggles to change.
type mediaRequest struct {
	SendAudio       *bool `json:"send_audio"`
	SendVideo       *bool `json:"send_video"`
	SendScreen      *bool `json:"send_screen"`
	ReceiveAudio    *bool `json:"receive_audio"`
	ReceiveVideo    *bool `json:"receive_video"`
	ScreenFramerate *int  `json:"screen_framerate"`
	ScreenBitrate   *int  `json:"screen_bitrate"`
}

func (a *API) media(c *gin.Context) {
	var req mediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if (req.ScreenFramerate != nil && *req.ScreenFramerate <= 0) || (req.ScreenBitrate != nil && *req.ScreenBitrate <= 0) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "screen framerate and bitrate must be positive"})
		return
	}

	if req.SendAudio != nil {
		a.ctl.SetSendAudio(*req.SendAudio)
	}
	if req.SendVideo != nil {
		a.ctl.SetSendVideo(*req.SendVideo)
	}
	if req.SendScreen != nil {
		a.ctl.SetSendScreen(*req.SendScreen)
	}
	if req.ScreenFramerate != nil {
		a.ctl.SetScreenFramerate(*req.ScreenFramerate)
	}
	if req.ScreenBitrate != nil {
		a.ctl.SetScreenBitrate(*req.ScreenBitrate)
	}
	if req.ReceiveAudio != nil {
		a.ctl.SetReceiveAudio(*req.ReceiveAudio)
	}
	if req.ReceiveVideo != nil {
		a.ctl.SetReceiveVideo(*req.ReceiveVideo)
	}
	c.Status(http.StatusNoContent)
}

type actionRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (a *API) action(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid action type"})
		return
	}
	a.ctl.SendStreamAction(domain.RawAction{Type: req.Type, Payload: req.Payload})
	c.Status(http.StatusAccepted)
}
