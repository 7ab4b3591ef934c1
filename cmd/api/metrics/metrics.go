// Package metrics owns the Prometheus collectors shared by the handlers.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicketsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickets_created_total",
		Help: "Number of tickets created",
	})
	CommentsAdded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ticket_comments_total",
		Help: "Number of ticket comments added",
	})
	Logins = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logins_total",
		Help: "Number of successful logins",
	})
	ImagesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "images_uploaded_total",
		Help: "Number of images stored by the upload endpoints",
	})
)

func init() {
	prometheus.MustRegister(TicketsCreated, CommentsAdded, Logins, ImagesUploaded)
}

// Handler exposes the default registry for scraping.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
