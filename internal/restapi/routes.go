package restapi

import (
	"github.com/gin-gonic/gin"

	"tablerelay/internal/envelope"
)

// Mount wires every route the REST Adapter exposes onto engine. The set of
// client-targeted endpoints below is representative of spec §6.3's
// cardinality (one route per operation kind, extracting whatever fields that
// kind's payload carries) rather than an exhaustive descriptor table — the
// spec explicitly keeps endpoint schemas out of the core.
func (a *Adapter) Mount(engine *gin.Engine) {
	engine.GET("/health", a.Health)
	engine.GET("/relay", a.RelayJoin)

	// /proxy/:replicaId/* re-enters the same client-targeted handlers after
	// an inter-replica forward (spec §6.2); the incoming x-forwarded-from
	// header already satisfies Router.Route's loop prevention, so these are
	// mounted as ordinary routes rather than a separate code path.
	proxy := engine.Group("/proxy/:replicaId")
	a.mountClientEndpoints(proxy)
	a.mountClientEndpoints(engine.Group(""))
}

func (a *Adapter) mountClientEndpoints(group gin.IRoutes) {
	group.GET("/search", a.clientTargetedHandler(string(envelope.KindQuery), queryField("query")))
	group.GET("/entities/:entityId", a.clientTargetedHandler(string(envelope.KindFetchEntity), entityIDField))
	group.GET("/structure", a.clientTargetedHandler(string(envelope.KindFetchStructure), noExtraFields))
	group.GET("/contents/:entityId", a.clientTargetedHandler(string(envelope.KindFetchContents), entityIDField))
	group.POST("/entities", a.clientTargetedHandler(string(envelope.KindCreateEntity), jsonBodyFields))
	group.PATCH("/entities/:entityId", a.clientTargetedHandler(string(envelope.KindUpdateEntity), entityUpdateFields))
	group.DELETE("/entities/:entityId", a.clientTargetedHandler(string(envelope.KindDeleteEntity), entityIDField))
	group.POST("/roll", a.clientTargetedHandler(string(envelope.KindRoll), jsonBodyFields))
	group.GET("/roll/history", a.clientTargetedHandler(string(envelope.KindRollHistory), noExtraFields))
	group.GET("/rendered-view", a.clientTargetedHandlerWithPostprocess(string(envelope.KindFetchRenderedView), noExtraFields, sanitizeRenderedView))
	group.GET("/filesystem", a.clientTargetedHandler(string(envelope.KindFileList), noExtraFields))
	group.POST("/filesystem/upload", a.clientTargetedHandler(string(envelope.KindFileUpload), jsonBodyFields))
	group.GET("/filesystem/download", a.clientTargetedHandler(string(envelope.KindFileDownload), queryField("path")))
	group.GET("/macros", a.clientTargetedHandler(string(envelope.KindMacroList), noExtraFields))
	group.POST("/macros/execute", a.clientTargetedHandler(string(envelope.KindMacroExecute), jsonBodyFields))
	group.POST("/encounter", a.clientTargetedHandler(string(envelope.KindEncounterControl), jsonBodyFields))
	group.POST("/select", a.clientTargetedHandler(string(envelope.KindSelect), jsonBodyFields))
	group.GET("/selected", a.clientTargetedHandler(string(envelope.KindSelected), noExtraFields))
	group.POST("/script", a.clientTargetedHandler(string(envelope.KindExecuteScript), executeScriptFields))
	group.POST("/dnd5e/actor", a.clientTargetedHandler(string(envelope.KindActorOperation), jsonBodyFields))
}
