package restapi

import (
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/microcosm-cc/bluemonday"

	"tablerelay/internal/correlator"
	"tablerelay/internal/envelope"
	"tablerelay/internal/logger"
	"tablerelay/internal/registry"
	"tablerelay/internal/relayerr"
	"tablerelay/internal/router"
)

// upgrader grounds the teacher's WebSocket-upgrade pattern
// (internal/handlers/websocket.go checkWebSocketOrigin); origin checking is
// left permissive here since it is a deployment-specific CORS policy, not
// a core concern.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const helloGracePeriod = 5 * time.Second

// RelayJoin implements the /relay WebSocket endpoint (spec §6.1).
func (a *Adapter) RelayJoin(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.HTTP().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(helloGracePeriod))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}

	hello, err := envelope.ParseHello(raw)
	if err != nil {
		logger.HTTP().Warn().Err(err).Msg("hello frame rejected")
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if _, err := a.Reg.Accept(c.Request.Context(), conn, hello, a.Auth); err != nil {
		logger.HTTP().Warn().Err(err).Str("client_id", hello.ClientID).Msg("join rejected")
		_ = conn.Close()
		return
	}
}

// Health implements the /health meta endpoint (spec §6.3): replica identity
// and Directory health, extended per SPEC_FULL.md Part 4 with a round-trip
// latency sample.
func (a *Adapter) Health(c *gin.Context) {
	latency, err := a.Dir.Ping(c.Request.Context())
	body := gin.H{
		"replicaId":     a.Cfg.ReplicaID,
		"directoryMode": a.Dir.Mode(),
		"pendingCount":  a.Corr.PendingCount(),
	}
	if err != nil {
		body["directoryHealthy"] = false
	} else {
		body["directoryHealthy"] = true
		body["directoryLatencyMs"] = latency.Milliseconds()
	}
	c.JSON(http.StatusOK, body)
}

// clientTargetedHandler builds a gin.HandlerFunc for one Kind, extracting
// clientId plus whatever kind-specific fields fields() returns from the
// request (spec §6.3's per-kind cardinality), then running it through the
// Router and Correlator.
func (a *Adapter) clientTargetedHandler(kind string, fields func(c *gin.Context) (map[string]interface{}, *relayerr.AppError)) gin.HandlerFunc {
	return a.clientTargetedHandlerWithPostprocess(kind, fields, nil)
}

// postprocessFunc transforms a successful reply payload before it reaches
// the REST caller — e.g. fetch-rendered-view's HTML sanitization. The core
// dispatch path never does this itself (spec §9 "Dynamic payload shapes").
type postprocessFunc func([]byte) []byte

func (a *Adapter) clientTargetedHandlerWithPostprocess(kind string, fields func(c *gin.Context) (map[string]interface{}, *relayerr.AppError), postprocess postprocessFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.Query("clientId")
		if clientID == "" {
			clientID = c.PostForm("clientId")
		}

		// A request arriving with the forwarding header already ran the
		// hook exactly once, on the replica that received it from the
		// caller (spec §4.7 "exactly once per REST request"); this
		// replica is only serving it because that replica forwarded it
		// after already authorizing and counting it (spec §4.5 step 6,
		// §6.2), so running the hook again here would double-count quota.
		if c.Request.Header.Get(router.ForwardedFromHeader) == "" {
			principal, authErr := a.Auth.Authorize(c.Request.Context(), c.Request)
			if authErr != nil {
				writeError(c, authErr)
				return
			}
			a.Auth.OnSuccess(c.Request.Context(), principal)
		}

		a.Router.Route(c.Writer, c.Request, clientID, func(w http.ResponseWriter, r *http.Request) {
			a.handleLocally(c, kind, clientID, fields, postprocess)
		})
	}
}

func (a *Adapter) handleLocally(c *gin.Context, kind, clientID string, fields func(c *gin.Context) (map[string]interface{}, *relayerr.AppError), postprocess postprocessFunc) {
	if _, ok := a.Reg.Get(clientID); !ok {
		writeError(c, relayerr.ClientNotFound(clientID))
		return
	}

	extracted, appErr := fields(c)
	if appErr != nil {
		writeError(c, appErr)
		return
	}

	result, sendStatus := dispatch(c.Request.Context(), a, clientID, kind, extracted)
	switch sendStatus {
	case registry.SendNotFound:
		// The client was torn down between the Router's ownership check
		// and this Send (eviction, preemption, remote close) — report the
		// same client-not-found the spec wants, not a 500 (spec §7).
		writeError(c, relayerr.ClientNotFound(clientID))
		return
	case registry.SendFailed:
		writeError(c, relayerr.SendFailed(clientID))
		return
	}

	switch result.Status {
	case correlator.StatusReply:
		payload := result.Payload
		if postprocess != nil {
			payload = postprocess(payload)
		}
		c.Data(http.StatusOK, "application/json", payload)
	case correlator.StatusTimeout:
		writeError(c, result.Err)
	case correlator.StatusClientGone:
		writeError(c, result.Err)
	}
}

func writeError(c *gin.Context, err *relayerr.AppError) {
	status := err.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.JSON(status, err.ToResponse())
}

func noExtraFields(*gin.Context) (map[string]interface{}, *relayerr.AppError) {
	return map[string]interface{}{}, nil
}

func queryField(name string) func(*gin.Context) (map[string]interface{}, *relayerr.AppError) {
	return func(c *gin.Context) (map[string]interface{}, *relayerr.AppError) {
		return map[string]interface{}{name: c.Query(name)}, nil
	}
}

// entityIDField carries the :entityId path parameter through untouched
// (spec §9 "Dynamic payload shapes" — the Adapter never interprets it).
func entityIDField(c *gin.Context) (map[string]interface{}, *relayerr.AppError) {
	return map[string]interface{}{"entityId": c.Param("entityId")}, nil
}

// jsonBodyFields passes a request body straight through as the envelope's
// kind-specific fields, for endpoints whose payload shape is entirely
// client-defined.
func jsonBodyFields(c *gin.Context) (map[string]interface{}, *relayerr.AppError) {
	var body map[string]interface{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			return nil, relayerr.BadRequest("invalid request body: " + err.Error())
		}
	}
	if body == nil {
		body = map[string]interface{}{}
	}
	return body, nil
}

func entityUpdateFields(c *gin.Context) (map[string]interface{}, *relayerr.AppError) {
	fields, appErr := jsonBodyFields(c)
	if appErr != nil {
		return nil, appErr
	}
	fields["entityId"] = c.Param("entityId")
	return fields, nil
}

// scriptDenylist is the advisory, trivially-editable forbidden-pattern list
// for the execute-script kind (spec §6.3, §9 "the list is advisory and must
// be trivially editable" — kept in the Adapter, never in the core).
var scriptDenylist = []*regexp.Regexp{
	regexp.MustCompile(`(?i)require\s*\(`),
	regexp.MustCompile(`(?i)process\.`),
	regexp.MustCompile(`(?i)child_process`),
	regexp.MustCompile(`(?i)eval\s*\(`),
}

func executeScriptFields(c *gin.Context) (map[string]interface{}, *relayerr.AppError) {
	var body struct {
		Script string `json:"script" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		return nil, relayerr.BadRequest("invalid script payload: " + err.Error())
	}
	for _, pattern := range scriptDenylist {
		if pattern.MatchString(body.Script) {
			return nil, relayerr.BadRequest("script matches a forbidden pattern")
		}
	}
	return map[string]interface{}{"script": body.Script}, nil
}

// htmlSanitizer backs the fetch-rendered-view kind's HTML post-processing:
// it strips unsafe markup. No tab or scale hints are read or applied to the
// HTML.
var htmlSanitizer = bluemonday.UGCPolicy()

// sanitizeRenderedView post-processes a reply payload for the
// fetch-rendered-view kind, stripping unsafe HTML before it reaches the
// REST caller. This runs in the Adapter, not the core: the core's dispatch
// path is oblivious to payload shape.
func sanitizeRenderedView(raw []byte) []byte {
	var body map[string]interface{}
	// Not every fetch-rendered-view reply carries inline HTML (it may be a
	// JSON wrapper per spec §6.3); a failed unmarshal just means there is
	// nothing to sanitize.
	if err := json.Unmarshal(raw, &body); err != nil {
		return raw
	}
	html, ok := body["html"].(string)
	if !ok || html == "" {
		return raw
	}
	body["html"] = htmlSanitizer.Sanitize(html)
	sanitized, err := json.Marshal(body)
	if err != nil {
		return raw
	}
	return sanitized
}
