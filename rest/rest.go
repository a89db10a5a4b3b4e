// Package rest exposes the administrative operations over HTTP.
package rest

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/Seklfreak/robyul-referrals/engine"
	"github.com/emicklei/go-restful"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ActorHeader names the administrator an API call acts for, it ends up in audit entries.
const ActorHeader = "X-Actor-ID"

type Handlers struct {
	engine *engine.Engine
}

func NewRestServices(e *engine.Engine) []*restful.WebService {
	h := &Handlers{engine: e}
	services := make([]*restful.WebService, 0)

	service := new(restful.WebService)
	service.
		Path("/attributions").
		Consumes(restful.MIME_JSON).
		Produces(restful.MIME_JSON)
	service.Route(service.GET("").To(h.ListAttributions))
	service.Route(service.POST("").To(h.CreateAttribution))
	service.Route(service.PUT("/{staff-id}").To(h.UpdateAttribution))
	service.Route(service.DELETE("/{staff-id}").To(h.DeleteAttribution))
	service.Route(service.GET("/{staff-id}/audit").To(h.GetAttributionAudit))
	services = append(services, service)

	service = new(restful.WebService)
	service.
		Path("/joins").
		Consumes(restful.MIME_JSON).
		Produces(restful.MIME_JSON)
	service.Route(service.GET("").To(h.ListJoins))
	service.Route(service.POST("").To(h.InsertJoin))
	service.Route(service.GET("/export").Produces("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet").To(h.ExportJoins))
	services = append(services, service)

	service = new(restful.WebService)
	service.
		Path("/invites").
		Consumes(restful.MIME_JSON).
		Produces(restful.MIME_JSON)
	service.Route(service.GET("/{community-id}").To(h.ListInvites))
	service.Route(service.POST("/{community-id}/refresh").To(h.RefreshInvites))
	services = append(services, service)

	service = new(restful.WebService)
	service.
		Path("/requests").
		Consumes(restful.MIME_JSON).
		Produces(restful.MIME_JSON)
	service.Route(service.GET("").To(h.ListRequests))
	service.Route(service.GET("/{request-id}").To(h.GetRequest))
	service.Route(service.POST("/{request-id}/approve").To(h.ApproveRequest))
	service.Route(service.POST("/{request-id}/deny").To(h.DenyRequest))
	service.Route(service.POST("/{request-id}/assign").To(h.AssignRequest))
	service.Route(service.POST("/{request-id}/cancel").To(h.CancelRequest))
	services = append(services, service)

	service = new(restful.WebService)
	service.
		Path("/sessions").
		Consumes(restful.MIME_JSON).
		Produces(restful.MIME_JSON)
	service.Route(service.GET("/{user-id}").To(h.GetSession))
	service.Route(service.DELETE("/{user-id}").To(h.CloseSession))
	services = append(services, service)

	service = new(restful.WebService)
	service.
		Path("/backup").
		Consumes(restful.MIME_JSON).
		Produces(restful.MIME_JSON)
	service.Route(service.GET("").To(h.GetBackupStatus))
	service.Route(service.POST("").To(h.PersistBackup))
	service.Route(service.POST("/rebuild").To(h.RebuildBackup))
	services = append(services, service)

	service = new(restful.WebService)
	service.
		Path("/stats").
		Consumes(restful.MIME_JSON).
		Produces(restful.MIME_JSON)
	service.Route(service.GET("").To(h.GetLeaderboard))
	service.Route(service.GET("/{staff-id}").To(h.GetStaffStats))
	services = append(services, service)

	return services
}

// NewContainer returns the API with authentication and request logging. An empty secret
// disables authentication.
func NewContainer(e *engine.Engine, secret string) *restful.Container {
	container := restful.NewContainer()
	for _, service := range NewRestServices(e) {
		container.Add(service)
	}

	container.Filter(func(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
		now := time.Now()
		chain.ProcessFilter(req, resp)
		logger().WithFields(logrus.Fields{
			"status": resp.StatusCode(),
			"actor":  req.HeaderParameter(ActorHeader),
		}).Info(fmt.Sprintf("received api request: %s %s (took %v)",
			req.Request.Method, req.Request.URL, time.Since(now)))
	})
	container.Filter(func(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
		if secret != "" {
			token := strings.TrimPrefix(req.HeaderParameter("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				resp.WriteError(http.StatusUnauthorized, errors.New("invalid token"))
				return
			}
		}
		chain.ProcessFilter(req, resp)
	})

	return container
}

func logger() *logrus.Entry {
	return cache.GetLogger().WithField("module", "rest")
}
