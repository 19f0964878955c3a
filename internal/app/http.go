package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"tandem/api/internal/activity"
	"tandem/api/internal/apperr"
	"tandem/api/internal/auth"
	"tandem/api/internal/export"
	"tandem/api/internal/presence"
	"tandem/api/internal/search"
	"tandem/api/internal/util"
)

const (
	sessionKey   = "session"
	requestIDKey = "requestId"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	echo       *echo.Echo
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin}
	s.echo = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.echo
}

func (s *HTTPServer) Start(addr string) error {
	return s.echo.Start(addr)
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *HTTPServer) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = sonicSerializer{}
	e.HTTPErrorHandler = handleError

	e.Use(requestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{s.corsOrigin},
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderXRequestID},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		ExposeHeaders: []string{echo.HeaderXRequestID, echo.HeaderContentDisposition},
	}))

	api := e.Group("/api")
	api.GET("/health", s.health)
	api.GET("/ready", s.ready)

	r := api.Group("", s.requireSession)
	r.GET("/me", s.me)

	r.GET("/projects", s.listProjects)
	r.POST("/projects", s.createProject)
	r.DELETE("/projects/:id", s.deleteProject)
	r.GET("/projects/:id/members", s.listMembers)
	r.POST("/projects/:id/members", s.addMember)
	r.DELETE("/projects/:id/members/:userId", s.removeMember)

	r.GET("/projects/:id/board", s.board)
	r.POST("/projects/:id/columns", s.createColumn)
	r.PUT("/columns/:id", s.renameColumn)
	r.DELETE("/columns/:id", s.deleteColumn)
	r.POST("/columns/:id/cards", s.createCard)
	r.PATCH("/cards/:id", s.updateCard)
	r.DELETE("/cards/:id", s.deleteCard)
	r.POST("/cards/:id/move", s.moveCard)

	r.GET("/projects/:id/pages", s.listPages)
	r.POST("/projects/:id/pages", s.createPage)
	r.GET("/pages/:id", s.getPage)
	r.PUT("/pages/:id", s.savePage)
	r.DELETE("/pages/:id", s.deletePage)
	r.GET("/pages/:id/versions", s.listVersions)
	r.GET("/pages/:id/versions/:versionId", s.getVersion)
	r.POST("/pages/:id/versions/:versionId/restore", s.restoreVersion)
	r.GET("/pages/:id/export", s.exportPage)

	r.GET("/pages/:id/presence", s.roster)
	r.POST("/pages/:id/presence", s.publishPresence)
	r.DELETE("/pages/:id/presence/:connectionId", s.leavePresence)
	r.GET("/pages/:id/presence/stream", s.streamPresence)

	r.GET("/activities", s.listOwnedActivities)
	r.GET("/projects/:id/activities", s.listActivities)
	r.POST("/projects/:id/activities", s.recordActivity)

	r.GET("/search", s.search)
	return e
}

func (s *HTTPServer) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if err := s.service.Ping(ctx); err != nil {
		log.WithError(err).Warn("http.not_ready")
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"checks": map[string]any{"database": map[string]any{"status": "error", "error": err.Error()}},
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ready",
		"checks": map[string]any{"database": map[string]any{"status": "ok"}},
	})
}

// requireSession resolves the bearer token. EventSource clients cannot set
// headers, so a token query parameter is accepted as well.
func (s *HTTPServer) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if header == "" && c.QueryParam("token") != "" {
			header = "Bearer " + c.QueryParam("token")
		}
		token, err := auth.BearerToken(header)
		if err != nil {
			return err
		}
		sess, err := s.service.SessionFromToken(token)
		if err != nil {
			return err
		}
		c.Set(sessionKey, sess)
		return next(c)
	}
}

func sessionOf(c echo.Context) Session {
	sess, _ := c.Get(sessionKey).(Session)
	return sess
}

func (s *HTTPServer) me(c echo.Context) error {
	sess := sessionOf(c)
	return c.JSON(http.StatusOK, map[string]any{"userId": sess.UserID, "name": sess.Name})
}

func (s *HTTPServer) listProjects(c echo.Context) error {
	projects, err := s.service.ListProjects(c.Request().Context(), sessionOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"projects": mapSlice(projects, toProject)})
}

func (s *HTTPServer) createProject(c echo.Context) error {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decode(c, &body); err != nil {
		return err
	}
	board, err := s.service.CreateProject(c.Request().Context(), sessionOf(c), body.Name, body.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toBoard(board))
}

func (s *HTTPServer) deleteProject(c echo.Context) error {
	if err := s.service.DeleteProject(c.Request().Context(), sessionOf(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) listMembers(c echo.Context) error {
	members, err := s.service.ListMembers(c.Request().Context(), sessionOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"members": mapSlice(members, toMember)})
}

func (s *HTTPServer) addMember(c echo.Context) error {
	var body struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if err := decode(c, &body); err != nil {
		return err
	}
	m, err := s.service.AddMember(c.Request().Context(), sessionOf(c), c.Param("id"), body.UserID, body.Role)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toMember(m))
}

func (s *HTTPServer) removeMember(c echo.Context) error {
	if err := s.service.RemoveMember(c.Request().Context(), sessionOf(c), c.Param("id"), c.Param("userId")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) board(c echo.Context) error {
	board, err := s.service.Board(c.Request().Context(), sessionOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toBoard(board))
}

type titleBody struct {
	Title string `json:"title"`
}

func (s *HTTPServer) createColumn(c echo.Context) error {
	var body titleBody
	if err := decode(c, &body); err != nil {
		return err
	}
	col, err := s.service.CreateColumn(c.Request().Context(), sessionOf(c), c.Param("id"), body.Title)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toColumn(col))
}

func (s *HTTPServer) renameColumn(c echo.Context) error {
	var body titleBody
	if err := decode(c, &body); err != nil {
		return err
	}
	col, err := s.service.RenameColumn(c.Request().Context(), sessionOf(c), c.Param("id"), body.Title)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toColumn(col))
}

func (s *HTTPServer) deleteColumn(c echo.Context) error {
	if err := s.service.DeleteColumn(c.Request().Context(), sessionOf(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) createCard(c echo.Context) error {
	var in CardInput
	if err := decode(c, &in); err != nil {
		return err
	}
	in.ColumnID = c.Param("id")
	card, err := s.service.CreateCard(c.Request().Context(), sessionOf(c), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toCard(card))
}

func (s *HTTPServer) updateCard(c echo.Context) error {
	var patch CardPatch
	if err := decode(c, &patch); err != nil {
		return err
	}
	card, err := s.service.UpdateCard(c.Request().Context(), sessionOf(c), c.Param("id"), patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toCard(card))
}

func (s *HTTPServer) deleteCard(c echo.Context) error {
	if err := s.service.DeleteCard(c.Request().Context(), sessionOf(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) moveCard(c echo.Context) error {
	var body struct {
		ToColumnID string `json:"toColumnId"`
		ToIndex    *int   `json:"toIndex"`
	}
	if err := decode(c, &body); err != nil {
		return err
	}
	if body.ToIndex == nil {
		return apperr.InvalidArgument("INDEX_REQUIRED", "toIndex is required")
	}
	res, err := s.service.MoveCard(c.Request().Context(), sessionOf(c), c.Param("id"), body.ToColumnID, *body.ToIndex)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"card":         toCard(res.Card),
		"fromColumnId": res.FromColumn.ID,
		"toColumnId":   res.ToColumn.ID,
		"cards":        toCards(res.Cards),
	})
}

func (s *HTTPServer) listPages(c echo.Context) error {
	pages, err := s.service.ListPages(c.Request().Context(), sessionOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	views := mapSlice(pages, toPage)
	for i := range views {
		views[i].Content = ""
	}
	return c.JSON(http.StatusOK, map[string]any{"pages": views})
}

func (s *HTTPServer) createPage(c echo.Context) error {
	var body struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := decode(c, &body); err != nil {
		return err
	}
	page, err := s.service.CreatePage(c.Request().Context(), sessionOf(c), c.Param("id"), body.Title, body.Content)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toPage(page))
}

func (s *HTTPServer) getPage(c echo.Context) error {
	page, err := s.service.GetPage(c.Request().Context(), sessionOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toPage(page))
}

func (s *HTTPServer) savePage(c echo.Context) error {
	var in SavePageInput
	if err := decode(c, &in); err != nil {
		return err
	}
	res, err := s.service.SavePage(c.Request().Context(), sessionOf(c), c.Param("id"), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toSave(res))
}

func (s *HTTPServer) deletePage(c echo.Context) error {
	if err := s.service.DeletePage(c.Request().Context(), sessionOf(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) listVersions(c echo.Context) error {
	versions, err := s.service.ListVersions(c.Request().Context(), sessionOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"versions": mapSlice(versions, toSummary)})
}

func (s *HTTPServer) getVersion(c echo.Context) error {
	v, err := s.service.GetVersion(c.Request().Context(), sessionOf(c), c.Param("id"), c.Param("versionId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toVersion(v))
}

func (s *HTTPServer) restoreVersion(c echo.Context) error {
	res, err := s.service.RestorePage(c.Request().Context(), sessionOf(c), c.Param("id"), c.Param("versionId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toSave(res))
}

func (s *HTTPServer) exportPage(c echo.Context) error {
	format, err := export.ParseFormat(c.QueryParam("format"))
	if err != nil {
		return err
	}
	res, err := s.service.ExportPage(c.Request().Context(), sessionOf(c), export.Request{
		PageID:    c.Param("id"),
		VersionID: c.QueryParam("version"),
		Format:    format,
	})
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", res.Filename))
	return c.Blob(http.StatusOK, res.MimeType, res.Data)
}

func (s *HTTPServer) roster(c echo.Context) error {
	roster, err := s.service.Roster(c.Request().Context(), sessionOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, roster)
}

func (s *HTTPServer) publishPresence(c echo.Context) error {
	var body struct {
		ConnectionID string              `json:"connectionId"`
		Selection    *presence.Selection `json:"selection"`
	}
	if err := decode(c, &body); err != nil {
		return err
	}
	rec, err := s.service.PublishPresence(c.Request().Context(), sessionOf(c), c.Param("id"), body.ConnectionID, body.Selection)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *HTTPServer) leavePresence(c echo.Context) error {
	if err := s.service.LeavePresence(c.Request().Context(), sessionOf(c), c.Param("id"), c.Param("connectionId")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// streamPresence writes a roster event each time the page's roster changes.
func (s *HTTPServer) streamPresence(c echo.Context) error {
	ctx := c.Request().Context()
	rosters, err := s.service.SubscribePresence(ctx, sessionOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for roster := range rosters {
		data, err := sonic.Marshal(roster)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: roster\ndata: %s\n\n", data); err != nil {
			return nil
		}
		w.Flush()
	}
	return nil
}

func (s *HTTPServer) listOwnedActivities(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	items, err := s.service.ListActivities(c.Request().Context(), sessionOf(c), "", limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"activities": mapSlice(items, toActivity)})
}

func (s *HTTPServer) listActivities(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	items, err := s.service.ListActivities(c.Request().Context(), sessionOf(c), c.Param("id"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"activities": mapSlice(items, toActivity)})
}

func (s *HTTPServer) recordActivity(c echo.Context) error {
	var body struct {
		Type     string         `json:"type"`
		Content  string         `json:"content"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decode(c, &body); err != nil {
		return err
	}
	a, err := s.service.RecordActivity(c.Request().Context(), sessionOf(c), c.Param("id"), activity.Entry{
		Type:     activity.Type(body.Type),
		Content:  body.Content,
		Metadata: body.Metadata,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toActivity(a))
}

func (s *HTTPServer) search(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return err
	}
	q := search.Query{
		Text:       strings.TrimSpace(c.QueryParam("q")),
		FilterType: search.ResultType(c.QueryParam("type")),
		Limit:      limit,
		Offset:     offset,
	}
	if q.Text == "" {
		return c.JSON(http.StatusOK, search.Response{Results: []search.Result{}})
	}
	resp, err := s.service.Search(c.Request().Context(), sessionOf(c), q, c.QueryParam("projectId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.InvalidArgument("INVALID_"+strings.ToUpper(name), name+" must be a non-negative integer")
	}
	return n, nil
}

func decode(c echo.Context, target any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	return c.Echo().JSONSerializer.Deserialize(c, target)
}

// sonicSerializer replaces echo's encoding/json serializer.
type sonicSerializer struct{}

func (sonicSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (sonicSerializer) Deserialize(c echo.Context, i any) error {
	if err := sonic.ConfigStd.NewDecoder(c.Request().Body).Decode(i); err != nil {
		return apperr.InvalidArgument("INVALID_JSON", "invalid JSON body")
	}
	return nil
}

// requestLogger tags every request with an id and writes one access log
// entry once the response status is known.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = util.NewID("")
			}
			c.Set(requestIDKey, id)
			c.Response().Header().Set(echo.HeaderXRequestID, id)

			started := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			req := c.Request()
			log.WithFields(log.Fields{
				"requestId":  id,
				"method":     req.Method,
				"path":       req.URL.Path,
				"status":     c.Response().Status,
				"durationMs": time.Since(started).Milliseconds(),
			}).Info("http.request")
			return nil
		}
	}
}

// handleError writes {"code","error","details"} with the status of the
// error's kind.
func handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("requestId", c.Get(requestIDKey)).Error("http.error")
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}

func errorBody(err error) (int, map[string]any) {
	if e, ok := apperr.As(err); ok {
		body := map[string]any{"code": e.Code, "error": e.Message}
		if e.Details != nil {
			body["details"] = e.Details
		}
		if e.Kind == apperr.KindInternal {
			body["error"] = "Server error"
		}
		return e.Status(), body
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, map[string]any{"code": codeForStatus(he.Code), "error": fmt.Sprint(he.Message)}
	}
	return http.StatusInternalServerError, map[string]any{"code": string(apperr.KindInternal), "error": "Server error"}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(apperr.KindInvalidArgument)
	case http.StatusUnauthorized:
		return string(apperr.KindUnauthenticated)
	case http.StatusForbidden:
		return string(apperr.KindForbidden)
	case http.StatusNotFound:
		return string(apperr.KindNotFound)
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusServiceUnavailable:
		return string(apperr.KindUnavailable)
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}
