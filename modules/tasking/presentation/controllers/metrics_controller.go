package controllers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsController struct {
	path string
}

func NewMetricsController(path string) *MetricsController {
	if path == "" {
		path = "/debug/prometheus"
	}
	return &MetricsController{path: path}
}

func (c *MetricsController) Key() string {
	return c.path
}

func (c *MetricsController) Register(r *mux.Router) {
	r.Handle(c.path, promhttp.Handler()).Methods(http.MethodGet)
}
