package intake

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/backoffice/internal/platform/auth"
	"github.com/ehr/backoffice/internal/platform/websocket"
	"github.com/ehr/backoffice/internal/wizard"
	"github.com/ehr/backoffice/pkg/pagination"
)

type Handler struct {
	svc    *Service
	stream *websocket.Streamer
}

type HandlerOption func(*Handler)

// WithEventOrigins restricts the browser origins allowed to open session
// event streams.
func WithEventOrigins(origins []string) HandlerOption {
	return func(h *Handler) { h.stream = websocket.NewStreamer(origins) }
}

func NewHandler(svc *Service, opts ...HandlerOption) *Handler {
	h := &Handler{svc: svc, stream: websocket.NewStreamer(nil)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/forms", h.ListForms)
	api.GET("/forms/:form", h.DescribeForm)
	api.POST("/forms/:form/sessions", h.StartSession)

	s := api.Group("/sessions/:id")
	s.GET("", h.GetSession)
	s.DELETE("", h.CloseSession)
	s.PUT("/fields/:key", h.UpdateField)
	s.POST("/collections/:key/items", h.AddItem)
	s.DELETE("/collections/:key/items/:item", h.RemoveItem)
	s.PUT("/collections/:key/items/:item/fields/:field", h.UpdateItemField)
	s.POST("/collections/:key/items/:item/primary", h.SetPrimary)
	s.POST("/next", h.Next)
	s.POST("/back", h.Back)
	s.POST("/jump", h.Jump)
	s.POST("/draft", h.SaveDraft)
	s.POST("/submit", h.Submit)
	s.POST("/reset", h.Reset)
	s.POST("/focus", h.Focus)
	s.GET("/context", h.AssistantContext)
	s.GET("/events", h.Events)

	api.GET("/drafts", h.ListDrafts)
	api.GET("/submissions/:ref", h.GetSubmission)
}

type valueRequest struct {
	Value any `json:"value"`
}

type textRequest struct {
	Value string `json:"value"`
}

type jumpRequest struct {
	Step int `json:"step"`
}

type focusRequest struct {
	Key string `json:"key"`
}

type navResponse struct {
	wizard.NavResult
	Session SessionView `json:"session"`
}

type submitResponse struct {
	wizard.Result
	Error   string      `json:"error,omitempty"`
	Session SessionView `json:"session"`
}

// -- Form Handlers --

func (h *Handler) ListForms(c echo.Context) error {
	out := []wizard.FormOutline{}
	for _, reg := range h.svc.Forms().List() {
		if auth.HasRole(c.Request().Context(), reg.Role) {
			out = append(out, reg.Form.Outline())
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) DescribeForm(c echo.Context) error {
	reg, err := h.registration(c, c.Param("form"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, reg.Form.Outline())
}

func (h *Handler) StartSession(c echo.Context) error {
	formID := c.Param("form")
	if _, err := h.registration(c, formID); err != nil {
		return err
	}
	resume, _ := strconv.ParseBool(c.QueryParam("resume"))
	sess, err := h.svc.Start(c.Request().Context(), formID, auth.UserIDFromContext(c.Request().Context()), resume)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sess.View())
}

// -- Session Handlers --

func (h *Handler) GetSession(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (h *Handler) CloseSession(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	if err := h.svc.Close(sess.ID, sess.Owner); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) UpdateField(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	var req valueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := sess.Controller().UpdateField(c.Param("key"), req.Value); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (h *Handler) UpdateItemField(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	itemID, err := itemParam(c)
	if err != nil {
		return err
	}
	var req textRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := sess.Controller().UpdateItemField(c.Param("key"), itemID, c.Param("field"), req.Value); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (h *Handler) AddItem(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	item, added, err := sess.Controller().AddCollectionItem(c.Param("key"))
	if err != nil {
		return httpError(err)
	}
	if !added {
		return echo.NewHTTPError(http.StatusConflict, "collection is at its maximum size")
	}
	return c.JSON(http.StatusCreated, item)
}

func (h *Handler) RemoveItem(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	itemID, err := itemParam(c)
	if err != nil {
		return err
	}
	removed, err := sess.Controller().RemoveCollectionItem(c.Param("key"), itemID)
	if err != nil {
		return httpError(err)
	}
	if !removed {
		return echo.NewHTTPError(http.StatusConflict, "item cannot be removed")
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (h *Handler) SetPrimary(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	itemID, err := itemParam(c)
	if err != nil {
		return err
	}
	ok, err := sess.Controller().SetPrimary(c.Param("key"), itemID)
	if err != nil {
		return httpError(err)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusConflict, "item cannot be made primary")
	}
	return c.JSON(http.StatusOK, sess.View())
}

// -- Navigation Handlers --

func (h *Handler) Next(c echo.Context) error {
	return h.navigate(c, func(ctrl *wizard.Controller) (wizard.NavResult, error) { return ctrl.GoNext() })
}

func (h *Handler) Back(c echo.Context) error {
	return h.navigate(c, func(ctrl *wizard.Controller) (wizard.NavResult, error) { return ctrl.GoBack() })
}

func (h *Handler) Jump(c echo.Context) error {
	var req jumpRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.navigate(c, func(ctrl *wizard.Controller) (wizard.NavResult, error) { return ctrl.JumpToStep(req.Step) })
}

func (h *Handler) navigate(c echo.Context, intent func(*wizard.Controller) (wizard.NavResult, error)) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	res, err := intent(sess.Controller())
	if errors.Is(err, wizard.ErrStepInvalid) {
		return c.JSON(http.StatusUnprocessableEntity, navResponse{NavResult: res, Session: sess.View()})
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, navResponse{NavResult: res, Session: sess.View()})
}

// -- Draft and Submission Handlers --

func (h *Handler) SaveDraft(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	if err := sess.Controller().SaveDraft(c.Request().Context()); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess.View())
}

// Submit starts the submission pipeline and answers 202 while it runs.
// With ?wait=true the request blocks until the pipeline resolves.
func (h *Handler) Submit(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	sub := sess.Controller().Submit()
	wait, _ := strconv.ParseBool(c.QueryParam("wait"))

	if !wait {
		select {
		case <-sub.Done():
		default:
			return c.JSON(http.StatusAccepted, sess.View())
		}
	}
	res, err := sub.Wait(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusGatewayTimeout, "submission still in progress")
	}
	body := submitResponse{Result: res, Session: sess.View()}
	if res.Err != nil {
		body.Error = res.Err.Error()
	}
	return c.JSON(submitStatus(res), body)
}

func submitStatus(res wizard.Result) int {
	switch {
	case res.Accepted:
		return http.StatusOK
	case errors.Is(res.Err, wizard.ErrStepInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(res.Err, wizard.ErrSubmissionInProgress), errors.Is(res.Err, wizard.ErrSubmitted),
		errors.Is(res.Err, wizard.ErrNotFinalStep), errors.Is(res.Err, wizard.ErrClosed),
		errors.Is(res.Err, wizard.ErrAborted):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) Reset(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	if err := sess.Controller().ResetAll(); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (h *Handler) Focus(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	var req focusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := sess.Controller().Focus(req.Key); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess.Controller().AssistantContext())
}

func (h *Handler) AssistantContext(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess.Controller().AssistantContext())
}

// Events streams the session view over a WebSocket on every change until the
// session is submitted or closed.
func (h *Handler) Events(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	return h.stream.Serve(c, sess)
}

func (h *Handler) ListDrafts(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListDrafts(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) GetSubmission(c echo.Context) error {
	ctx := c.Request().Context()
	sub, err := h.svc.GetSubmission(ctx, c.Param("ref"))
	if err != nil {
		return httpError(err)
	}
	if sub.UserID != auth.UserIDFromContext(ctx) && !auth.HasRole(ctx, auth.RoleAdmin) {
		return echo.NewHTTPError(http.StatusNotFound, "submission not found")
	}
	return c.JSON(http.StatusOK, sub)
}

// -- Helpers --

func (h *Handler) registration(c echo.Context, formID string) (Registration, error) {
	reg, ok := h.svc.Forms().Get(formID)
	if !ok {
		return Registration{}, echo.NewHTTPError(http.StatusNotFound, "unknown form")
	}
	if !auth.HasRole(c.Request().Context(), reg.Role) {
		return Registration{}, echo.NewHTTPError(http.StatusForbidden, "insufficient permissions")
	}
	return reg, nil
}

func (h *Handler) session(c echo.Context) (*Session, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sess, err := h.svc.Session(id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return nil, httpError(err)
	}
	if _, err := h.registration(c, sess.FormID); err != nil {
		return nil, err
	}
	return sess, nil
}

func itemParam(c echo.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("item"))
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid item id")
	}
	return id, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrNotFound),
		errors.Is(err, wizard.ErrClosed), errors.Is(err, wizard.ErrDraftNotFound),
		errors.Is(err, wizard.ErrUnknownItem):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrUnknownForm), errors.Is(err, ErrOwnerRequired),
		errors.Is(err, wizard.ErrUnknownField), errors.Is(err, wizard.ErrUnknownCollection),
		errors.Is(err, wizard.ErrInvalidValue), errors.Is(err, wizard.ErrStepOutOfRange):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, wizard.ErrStepInvalid):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, wizard.ErrNoNextStep), errors.Is(err, wizard.ErrNoPreviousStep),
		errors.Is(err, wizard.ErrNotReviewStep), errors.Is(err, wizard.ErrStepNotApplicable),
		errors.Is(err, wizard.ErrSubmitting), errors.Is(err, wizard.ErrSubmitted),
		errors.Is(err, wizard.ErrAborted):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
